package state

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"onyxfund/native/fund"
	"onyxfund/storage"
)

// Component key prefixes are derived from stable component names so each
// component owns an isolated, collision-free key region regardless of how
// the backing database is shared.
var (
	unitsPrefix   = componentPrefix("onyxfund.units")
	rolesPrefix   = componentPrefix("onyxfund.units.roles")
	feesPrefix    = componentPrefix("onyxfund.fees")
	fundPrefix    = componentPrefix("onyxfund.fund")
	custodyPrefix = componentPrefix("onyxfund.custody")
)

func componentPrefix(name string) []byte {
	return ethcrypto.Keccak256([]byte(name))[:8]
}

type pendingWrite struct {
	value  []byte
	delete bool
}

// Manager persists every component's state in a key-value database using RLP
// record encodings. It implements the narrow store interfaces declared by the
// native packages.
//
// Every accessor is serialized by an internal mutex, so individual operations
// (including read-modify-write ones like FundNextRequestID) stay atomic under
// concurrent callers. Mutating entry points additionally run inside
// InUnitOfWork, which serializes whole units of work against each other and
// commits their writes as one atomic storage batch.
type Manager struct {
	workMu sync.Mutex // serializes units of work
	mu     sync.Mutex // guards db access and the write buffer

	db      storage.Database
	pending map[string]pendingWrite
	keys    []string
}

// NewManager constructs a state manager over the supplied database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// InUnitOfWork runs fn as one indivisible unit of work. Units of work are
// serialized against each other; every write fn performs through the manager
// is buffered (reads within fn observe the buffer) and commits as a single
// atomic batch only when fn succeeds. A failed fn leaves the database
// untouched.
func (m *Manager) InUnitOfWork(fn func() error) error {
	m.workMu.Lock()
	defer m.workMu.Unlock()

	m.mu.Lock()
	m.pending = make(map[string]pendingWrite)
	m.keys = nil
	m.mu.Unlock()

	err := fn()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil && len(m.keys) > 0 {
		ops := make([]storage.BatchOp, 0, len(m.keys))
		for _, k := range m.keys {
			w := m.pending[k]
			ops = append(ops, storage.BatchOp{Key: []byte(k), Value: w.value, Delete: w.delete})
		}
		if werr := m.db.Write(ops); werr != nil {
			err = fmt.Errorf("state: commit unit of work: %w", werr)
		}
	}
	m.pending = nil
	m.keys = nil
	return err
}

func key(prefix []byte, parts ...[]byte) []byte {
	k := append([]byte{}, prefix...)
	for _, part := range parts {
		k = append(k, '/')
		k = append(k, part...)
	}
	return k
}

// read, write and erase are the only paths to the database. They must be
// called with m.mu held; inside a unit of work they operate on the write
// buffer instead of the database.
func (m *Manager) read(k []byte) ([]byte, bool, error) {
	if m.pending != nil {
		if w, ok := m.pending[string(k)]; ok {
			if w.delete {
				return nil, false, nil
			}
			return append([]byte(nil), w.value...), true, nil
		}
	}
	return m.db.Get(k)
}

func (m *Manager) write(k, v []byte) error {
	if m.pending != nil {
		m.stage(k, pendingWrite{value: append([]byte(nil), v...)})
		return nil
	}
	return m.db.Put(k, v)
}

func (m *Manager) erase(k []byte) error {
	if m.pending != nil {
		m.stage(k, pendingWrite{delete: true})
		return nil
	}
	return m.db.Delete(k)
}

func (m *Manager) stage(k []byte, w pendingWrite) {
	ks := string(k)
	if _, seen := m.pending[ks]; !seen {
		m.keys = append(m.keys, ks)
	}
	m.pending[ks] = w
}

func (m *Manager) getBig(k []byte) (*big.Int, error) {
	raw, ok, err := m.read(k)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	value := new(big.Int)
	if err := rlp.DecodeBytes(raw, value); err != nil {
		return nil, fmt.Errorf("state: decode amount: %w", err)
	}
	return value, nil
}

func (m *Manager) putBig(k []byte, value *big.Int) error {
	if value == nil {
		value = big.NewInt(0)
	}
	if value.Sign() < 0 {
		return fmt.Errorf("state: negative amount not representable")
	}
	raw, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.write(k, raw)
}

// --- units ledger ---

func (m *Manager) UnitsBalance(addr [20]byte) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getBig(key(unitsPrefix, []byte("bal"), addr[:]))
}

func (m *Manager) UnitsSetBalance(addr [20]byte, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putBig(key(unitsPrefix, []byte("bal"), addr[:]), amount)
}

func (m *Manager) UnitsTotalSupply() (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getBig(key(unitsPrefix, []byte("supply")))
}

func (m *Manager) UnitsSetTotalSupply(amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putBig(key(unitsPrefix, []byte("supply")), amount)
}

func (m *Manager) UnitsAllowance(owner, spender [20]byte) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getBig(key(unitsPrefix, []byte("alw"), owner[:], spender[:]))
}

func (m *Manager) UnitsSetAllowance(owner, spender [20]byte, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putBig(key(unitsPrefix, []byte("alw"), owner[:], spender[:]), amount)
}

// --- role registry ---

func (m *Manager) RoleContains(role string, addr [20]byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok, err := m.read(key(rolesPrefix, []byte("set"), []byte(role), addr[:]))
	return ok, err
}

func (m *Manager) RoleAdd(role string, addr [20]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(key(rolesPrefix, []byte("set"), []byte(role), addr[:]), []byte{1})
}

func (m *Manager) RoleRemove(role string, addr [20]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.erase(key(rolesPrefix, []byte("set"), []byte(role), addr[:]))
}

func (m *Manager) RoleGet(slot string) ([20]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok, err := m.read(key(rolesPrefix, []byte("slot"), []byte(slot)))
	if err != nil || !ok {
		return [20]byte{}, false, err
	}
	if len(raw) != 20 {
		return [20]byte{}, false, fmt.Errorf("state: corrupt role slot %q", slot)
	}
	var addr [20]byte
	copy(addr[:], raw)
	return addr, true, nil
}

func (m *Manager) RoleSet(slot string, addr [20]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(key(rolesPrefix, []byte("slot"), []byte(slot)), addr[:])
}

func (m *Manager) RoleClear(slot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.erase(key(rolesPrefix, []byte("slot"), []byte(slot)))
}

// --- fee trackers ---

type storedManagementFee struct {
	RateBps     uint64
	LastSettled uint64
}

func (m *Manager) ManagementFeeState() (uint16, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok, err := m.read(key(feesPrefix, []byte("mgmt")))
	if err != nil || !ok {
		return 0, 0, err
	}
	var stored storedManagementFee
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return 0, 0, fmt.Errorf("state: decode management fee: %w", err)
	}
	return uint16(stored.RateBps), int64(stored.LastSettled), nil
}

func (m *Manager) SetManagementFeeState(rateBps uint16, lastSettled int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lastSettled < 0 {
		return fmt.Errorf("state: negative settlement timestamp")
	}
	raw, err := rlp.EncodeToBytes(storedManagementFee{RateBps: uint64(rateBps), LastSettled: uint64(lastSettled)})
	if err != nil {
		return err
	}
	return m.write(key(feesPrefix, []byte("mgmt")), raw)
}

type storedPerformanceFee struct {
	RateBps       uint64
	HighWaterMark *big.Int
}

func (m *Manager) PerformanceFeeState() (uint16, *big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok, err := m.read(key(feesPrefix, []byte("perf")))
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, big.NewInt(0), nil
	}
	var stored storedPerformanceFee
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return 0, nil, fmt.Errorf("state: decode performance fee: %w", err)
	}
	mark := stored.HighWaterMark
	if mark == nil {
		mark = big.NewInt(0)
	}
	return uint16(stored.RateBps), mark, nil
}

func (m *Manager) SetPerformanceFeeState(rateBps uint16, highWaterMark *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if highWaterMark == nil {
		highWaterMark = big.NewInt(0)
	}
	raw, err := rlp.EncodeToBytes(storedPerformanceFee{RateBps: uint64(rateBps), HighWaterMark: highWaterMark})
	if err != nil {
		return err
	}
	return m.write(key(feesPrefix, []byte("perf")), raw)
}

// --- fee entitlements ---

// storedEntitlement keeps the sign out of band because RLP only encodes
// non-negative integers.
type storedEntitlement struct {
	Negative bool
	Abs      *big.Int
}

func (m *Manager) FeeEntitlement(addr [20]byte) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok, err := m.read(key(feesPrefix, []byte("ent"), addr[:]))
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	var stored storedEntitlement
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("state: decode entitlement: %w", err)
	}
	value := new(big.Int)
	if stored.Abs != nil {
		value.Set(stored.Abs)
	}
	if stored.Negative {
		value.Neg(value)
	}
	return value, nil
}

func (m *Manager) SetFeeEntitlement(addr [20]byte, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount == nil {
		amount = big.NewInt(0)
	}
	stored := storedEntitlement{Negative: amount.Sign() < 0, Abs: new(big.Int).Abs(amount)}
	raw, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return m.write(key(feesPrefix, []byte("ent"), addr[:]), raw)
}

func (m *Manager) FeeTotalOwed() (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getBig(key(feesPrefix, []byte("owed")))
}

func (m *Manager) SetFeeTotalOwed(amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putBig(key(feesPrefix, []byte("owed")), amount)
}

// --- request queues ---

type storedRequest struct {
	ID             uint64
	Controller     [20]byte
	Amount         *big.Int
	CanCancelAfter uint64
}

// FundNextRequestID increments and persists the per-queue id counter as one
// atomic operation. Ids start at 1 and are never reused.
func (m *Manager) FundNextRequestID(queue string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(fundPrefix, []byte(queue), []byte("seq"))
	raw, ok, err := m.read(k)
	if err != nil {
		return 0, err
	}
	var next uint64 = 1
	if ok {
		if len(raw) != 8 {
			return 0, fmt.Errorf("state: corrupt request counter for queue %q", queue)
		}
		next = binary.BigEndian.Uint64(raw) + 1
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := m.write(k, buf); err != nil {
		return 0, err
	}
	return next, nil
}

func requestKey(queue string, id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return key(fundPrefix, []byte(queue), []byte("req"), buf)
}

func (m *Manager) FundPutRequest(queue string, req *fund.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req == nil {
		return fmt.Errorf("state: nil request")
	}
	if req.CanCancelAfter < 0 {
		return fmt.Errorf("state: negative request timestamp")
	}
	amount := req.Amount
	if amount == nil {
		amount = big.NewInt(0)
	}
	raw, err := rlp.EncodeToBytes(storedRequest{
		ID:             req.ID,
		Controller:     req.Controller,
		Amount:         amount,
		CanCancelAfter: uint64(req.CanCancelAfter),
	})
	if err != nil {
		return err
	}
	return m.write(requestKey(queue, req.ID), raw)
}

func (m *Manager) FundGetRequest(queue string, id uint64) (*fund.Request, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok, err := m.read(requestKey(queue, id))
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedRequest
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("state: decode request: %w", err)
	}
	amount := stored.Amount
	if amount == nil {
		amount = big.NewInt(0)
	}
	return &fund.Request{
		ID:             stored.ID,
		Controller:     stored.Controller,
		Amount:         amount,
		CanCancelAfter: int64(stored.CanCancelAfter),
	}, true, nil
}

func (m *Manager) FundDeleteRequest(queue string, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.erase(requestKey(queue, id))
}

// --- custody book ---

func (m *Manager) CustodyBalance(addr [20]byte) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getBig(key(custodyPrefix, []byte("bal"), addr[:]))
}

func (m *Manager) CustodySetBalance(addr [20]byte, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putBig(key(custodyPrefix, []byte("bal"), addr[:]), amount)
}
