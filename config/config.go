package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config carries the daemon's wiring: addresses of the fund's fixed accounts,
// fee rates, oracle tolerance and queue timing.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	LogDir        string `toml:"LogDir"`
	Environment   string `toml:"Environment"`

	// DepositAsset is the symbol of the asset the deposit queue accepts.
	DepositAsset string `toml:"DepositAsset"`
	// AssetDecimals is the deposit asset's native precision.
	AssetDecimals uint8 `toml:"AssetDecimals"`

	// OracleToleranceSeconds bounds the age of an acceptable feed reading.
	OracleToleranceSeconds int64 `toml:"OracleToleranceSeconds"`
	// DefaultUnitPrice is the 18-decimal price used while supply is zero.
	DefaultUnitPrice string `toml:"DefaultUnitPrice"`
	// MinRequestDurationSeconds is the holding period before a pending
	// request becomes cancellable.
	MinRequestDurationSeconds int64 `toml:"MinRequestDurationSeconds"`

	ManagementFeeBps  uint16 `toml:"ManagementFeeBps"`
	PerformanceFeeBps uint16 `toml:"PerformanceFeeBps"`
	EntranceFeeBps    uint16 `toml:"EntranceFeeBps"`
	ExitFeeBps        uint16 `toml:"ExitFeeBps"`

	// FeeSettlementSchedule is a cron expression driving periodic dynamic
	// fee settlement.
	FeeSettlementSchedule string `toml:"FeeSettlementSchedule"`

	// Hex-encoded 20-byte account addresses.
	Owner                string `toml:"Owner"`
	QueueAddress         string `toml:"QueueAddress"`
	DepositDestination   string `toml:"DepositDestination"`
	PayoutSource         string `toml:"PayoutSource"`
	FeeSettler           string `toml:"FeeSettler"`
	ManagementRecipient  string `toml:"ManagementRecipient"`
	PerformanceRecipient string `toml:"PerformanceRecipient"`
	EntranceRecipient    string `toml:"EntranceRecipient"`
	ExitRecipient        string `toml:"ExitRecipient"`

	RateLimitPerMinute float64 `toml:"RateLimitPerMinute"`
	RateLimitBurst     int     `toml:"RateLimitBurst"`
}

const defaultConfig = `# onyxd configuration
ListenAddress = ":8545"
DataDir = "./onyx-data"
LogDir = ""
Environment = "local"

DepositAsset = "USDC"
AssetDecimals = 6

OracleToleranceSeconds = 3600
DefaultUnitPrice = "1000000000000000000"
MinRequestDurationSeconds = 86400

ManagementFeeBps = 200
PerformanceFeeBps = 2000
EntranceFeeBps = 50
ExitFeeBps = 50

FeeSettlementSchedule = "0 * * * *"

Owner = "0101010101010101010101010101010101010101"
QueueAddress = "0202020202020202020202020202020202020202"
DepositDestination = "0303030303030303030303030303030303030303"
PayoutSource = "0303030303030303030303030303030303030303"
FeeSettler = "0404040404040404040404040404040404040404"
ManagementRecipient = "0505050505050505050505050505050505050505"
PerformanceRecipient = "0505050505050505050505050505050505050505"
EntranceRecipient = "0606060606060606060606060606060606060606"
ExitRecipient = "0606060606060606060606060606060606060606"

RateLimitPerMinute = 600
RateLimitBurst = 30
`

// Load reads the configuration from the given path, creating a commented
// default file when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return nil, err
		}
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks bounds on rates, timings and addresses.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress required")
	}
	if strings.TrimSpace(c.DepositAsset) == "" {
		return fmt.Errorf("config: DepositAsset required")
	}
	if c.OracleToleranceSeconds <= 0 {
		return fmt.Errorf("config: OracleToleranceSeconds must be positive")
	}
	if c.MinRequestDurationSeconds < 0 {
		return fmt.Errorf("config: MinRequestDurationSeconds must not be negative")
	}
	for name, bps := range map[string]uint16{
		"ManagementFeeBps":  c.ManagementFeeBps,
		"PerformanceFeeBps": c.PerformanceFeeBps,
		"EntranceFeeBps":    c.EntranceFeeBps,
		"ExitFeeBps":        c.ExitFeeBps,
	} {
		if bps >= 10_000 {
			return fmt.Errorf("config: %s must be below 10000", name)
		}
	}
	for name, addr := range map[string]string{
		"Owner":                c.Owner,
		"QueueAddress":         c.QueueAddress,
		"DepositDestination":   c.DepositDestination,
		"PayoutSource":         c.PayoutSource,
		"FeeSettler":           c.FeeSettler,
		"ManagementRecipient":  c.ManagementRecipient,
		"PerformanceRecipient": c.PerformanceRecipient,
		"EntranceRecipient":    c.EntranceRecipient,
		"ExitRecipient":        c.ExitRecipient,
	} {
		if _, err := ParseAddress(addr); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	if strings.TrimSpace(c.DefaultUnitPrice) == "" {
		return fmt.Errorf("config: DefaultUnitPrice required")
	}
	return nil
}

// ParseAddress decodes a hex-encoded 20-byte account address.
func ParseAddress(s string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if len(raw) != 20 {
		return addr, fmt.Errorf("invalid address %q: want 20 bytes, got %d", s, len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(defaultConfig), 0o644)
}
