package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"onyxfund/config"
	"onyxfund/core/events"
	"onyxfund/core/types"
	"onyxfund/gateway"
	"onyxfund/native/custody"
	"onyxfund/native/fees"
	"onyxfund/native/fund"
	"onyxfund/native/oracle"
	"onyxfund/native/units"
	"onyxfund/native/valuation"
	"onyxfund/observability/logging"
	"onyxfund/observability/metrics"
	"onyxfund/state"
	"onyxfund/storage"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "onyxd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var logSink io.Writer = os.Stdout
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		logSink = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, "onyxd.log"),
			MaxSize:    100,
			MaxBackups: 7,
			MaxAge:     28,
			Compress:   true,
		})
	}
	logger := logging.Setup("onyxd", cfg.Environment, logSink)

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()

	mgr := state.NewManager(db)
	comps, err := wire(cfg, mgr, logger)
	if err != nil {
		return err
	}

	scheduler := cron.New()
	settler, err := config.ParseAddress(cfg.FeeSettler)
	if err != nil {
		return err
	}
	if cfg.FeeSettlementSchedule != "" {
		_, err = scheduler.AddFunc(cfg.FeeSettlementSchedule, func() {
			var positions *big.Int
			err := mgr.InUnitOfWork(func() error {
				var err error
				positions, err = comps.valuation.TotalPositionsValue()
				if err != nil {
					return err
				}
				return comps.fees.SettleDynamicFees(settler, positions)
			})
			if err != nil {
				logger.Error("fee settlement failed", "error", err)
				return
			}
			logger.Info("dynamic fees settled", "positions_value", positions.String())
		})
		if err != nil {
			return fmt.Errorf("schedule fee settlement: %w", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	server := gateway.NewServer(gateway.ServerConfig{
		Units:      comps.units,
		Valuation:  comps.valuation,
		Fees:       comps.fees,
		Fund:       comps.fund,
		Custody:    comps.custody,
		Feeds:      comps.feeds,
		Metrics:    metrics.Fund(),
		Logger:     logger,
		RatePerMin: cfg.RateLimitPerMinute,
		RateBurst:  cfg.RateLimitBurst,
		Txn:        mgr,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "address", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("gateway: %w", err)
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

type components struct {
	units     *units.Ledger
	valuation *valuation.Engine
	fees      *fees.Ledger
	fund      *fund.Engine
	custody   *custody.Book
	feeds     map[string]*oracle.FeedSource
}

// wire assembles the component graph in dependency order and grants the queue
// account its minter/burner roles.
func wire(cfg *config.Config, mgr *state.Manager, logger *slog.Logger) (*components, error) {
	addrs, err := resolveAddresses(cfg)
	if err != nil {
		return nil, err
	}
	defaultPrice, ok := new(big.Int).SetString(cfg.DefaultUnitPrice, 10)
	if !ok || defaultPrice.Sign() <= 0 {
		return nil, fmt.Errorf("invalid DefaultUnitPrice %q", cfg.DefaultUnitPrice)
	}

	emitter := &logEmitter{logger: logger}

	registry := units.NewRegistry(mgr)
	registry.SetEmitter(emitter)
	if err := registry.InitOwner(addrs.owner); err != nil && !errors.Is(err, units.ErrAlreadyInitialized) {
		return nil, err
	}
	ledger := units.NewLedger(mgr, registry)
	ledger.SetEmitter(emitter)
	for _, role := range []string{units.RoleMinter, units.RoleBurner} {
		if err := registry.Grant(addrs.owner, role, addrs.queue); err != nil && !errors.Is(err, units.ErrAlreadyExists) {
			return nil, err
		}
	}

	book := custody.NewBook(mgr)

	feed := oracle.NewFeedSource(cfg.DepositAsset)
	feed.SetEmitter(emitter)
	reader := oracle.NewReader(feed, time.Duration(cfg.OracleToleranceSeconds)*time.Second)

	management := fees.NewManagementTracker(mgr, registry)
	performance := fees.NewPerformanceTracker(mgr, registry, defaultPrice)
	feeLedger, err := fees.NewLedger(mgr, management, performance, registry, ledger, book, fees.LedgerConfig{
		Settler:              addrs.settler,
		Queues:               [][20]byte{addrs.queue},
		ManagementRecipient:  addrs.managementRcpt,
		PerformanceRecipient: addrs.performanceRcpt,
		EntranceRecipient:    addrs.entranceRcpt,
		ExitRecipient:        addrs.exitRcpt,
		EntranceRateBps:      cfg.EntranceFeeBps,
		ExitRateBps:          cfg.ExitFeeBps,
		PayoutSource:         addrs.payoutSource,
	})
	if err != nil {
		return nil, err
	}
	feeLedger.SetEmitter(emitter)
	if err := seedRates(feeLedger, addrs.owner, cfg); err != nil {
		return nil, err
	}

	valEngine := valuation.NewEngine(ledger, feeLedger, defaultPrice)
	valEngine.RegisterAsset(cfg.DepositAsset, reader, cfg.AssetDecimals)
	valEngine.AddProvider(&custodyPositions{
		book:     book,
		reader:   reader,
		decimals: cfg.AssetDecimals,
		accounts: [][20]byte{addrs.depositDest, addrs.payoutSource},
	})

	fundEngine := fund.NewEngine(mgr, ledger, valEngine, feeLedger, book, registry, fund.Config{
		Address:            addrs.queue,
		DepositAsset:       cfg.DepositAsset,
		DepositDestination: addrs.depositDest,
		PayoutSource:       addrs.payoutSource,
		MinRequestDuration: time.Duration(cfg.MinRequestDurationSeconds) * time.Second,
	})
	fundEngine.SetEmitter(emitter)

	return &components{
		units:     ledger,
		valuation: valEngine,
		fees:      feeLedger,
		fund:      fundEngine,
		custody:   book,
		feeds:     map[string]*oracle.FeedSource{cfg.DepositAsset: feed},
	}, nil
}

// seedRates applies the configured tracker rates on a fresh state. Rates
// already persisted win over the config so restarts never re-rate.
func seedRates(ledger *fees.Ledger, owner [20]byte, cfg *config.Config) error {
	if rate, err := ledger.Management().Rate(); err != nil {
		return err
	} else if rate == 0 && cfg.ManagementFeeBps > 0 {
		if err := ledger.SetManagementRate(owner, cfg.ManagementFeeBps, big.NewInt(0)); err != nil {
			return err
		}
	}
	if rate, err := ledger.Performance().Rate(); err != nil {
		return err
	} else if rate == 0 && cfg.PerformanceFeeBps > 0 {
		if err := ledger.SetPerformanceRate(owner, cfg.PerformanceFeeBps); err != nil {
			return err
		}
	}
	return nil
}

type addresses struct {
	owner           [20]byte
	queue           [20]byte
	depositDest     [20]byte
	payoutSource    [20]byte
	settler         [20]byte
	managementRcpt  [20]byte
	performanceRcpt [20]byte
	entranceRcpt    [20]byte
	exitRcpt        [20]byte
}

func resolveAddresses(cfg *config.Config) (*addresses, error) {
	out := &addresses{}
	for _, field := range []struct {
		name  string
		raw   string
		value *[20]byte
	}{
		{"Owner", cfg.Owner, &out.owner},
		{"QueueAddress", cfg.QueueAddress, &out.queue},
		{"DepositDestination", cfg.DepositDestination, &out.depositDest},
		{"PayoutSource", cfg.PayoutSource, &out.payoutSource},
		{"FeeSettler", cfg.FeeSettler, &out.settler},
		{"ManagementRecipient", cfg.ManagementRecipient, &out.managementRcpt},
		{"PerformanceRecipient", cfg.PerformanceRecipient, &out.performanceRcpt},
		{"EntranceRecipient", cfg.EntranceRecipient, &out.entranceRcpt},
		{"ExitRecipient", cfg.ExitRecipient, &out.exitRcpt},
	} {
		addr, err := config.ParseAddress(field.raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field.name, err)
		}
		*field.value = addr
	}
	return out, nil
}

// custodyPositions values the settlement-asset balances held at the fund's
// treasury accounts through the oracle rate.
type custodyPositions struct {
	book     *custody.Book
	reader   *oracle.Reader
	decimals uint8
	accounts [][20]byte
}

func (p *custodyPositions) CurrentValue() (*big.Int, error) {
	total := big.NewInt(0)
	for _, account := range p.accounts {
		balance, err := p.book.BalanceOf(account)
		if err != nil {
			return nil, err
		}
		total.Add(total, balance)
	}
	if total.Sign() == 0 {
		return total, nil
	}
	rate, _, err := p.reader.Rate()
	if err != nil {
		return nil, err
	}
	value := new(big.Int).Mul(total, rate)
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(p.decimals)), nil)
	return value.Div(value, scale), nil
}

// logEmitter renders component events as structured log lines.
type logEmitter struct {
	logger *slog.Logger
}

func (e *logEmitter) Emit(evt events.Event) {
	renderer, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		e.logger.Info("component event", "event", evt.EventType())
		return
	}
	rendered := renderer.Event()
	if rendered == nil {
		return
	}
	attrs := make([]any, 0, len(rendered.Attributes)*2+2)
	attrs = append(attrs, "event", rendered.Type)
	for key, value := range rendered.Attributes {
		attrs = append(attrs, key, value)
	}
	e.logger.Info("component event", attrs...)
}
