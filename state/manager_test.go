package state

import (
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"onyxfund/native/fund"
	"onyxfund/storage"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(storage.NewMemDB())
}

func addr(b byte) [20]byte {
	var a [20]byte
	for i := range a {
		a[i] = b
	}
	return a
}

func TestUnitsBalancesRoundTrip(t *testing.T) {
	m := newManager(t)
	holder := addr(0x01)

	balance, err := m.UnitsBalance(holder)
	require.NoError(t, err)
	require.Zero(t, balance.Sign(), "fresh balance should be zero")

	require.NoError(t, m.UnitsSetBalance(holder, big.NewInt(12345)))
	balance, err = m.UnitsBalance(holder)
	require.NoError(t, err)
	require.Equal(t, int64(12345), balance.Int64())

	require.Error(t, m.UnitsSetBalance(holder, big.NewInt(-1)), "negative balances are not representable")

	require.NoError(t, m.UnitsSetTotalSupply(big.NewInt(777)))
	supply, err := m.UnitsTotalSupply()
	require.NoError(t, err)
	require.Equal(t, int64(777), supply.Int64())
}

func TestAllowancesAreKeyedByPair(t *testing.T) {
	m := newManager(t)
	owner := addr(0x01)
	spenderA := addr(0x02)
	spenderB := addr(0x03)

	require.NoError(t, m.UnitsSetAllowance(owner, spenderA, big.NewInt(5)))
	a, err := m.UnitsAllowance(owner, spenderA)
	require.NoError(t, err)
	require.Equal(t, int64(5), a.Int64())

	b, err := m.UnitsAllowance(owner, spenderB)
	require.NoError(t, err)
	require.Zero(t, b.Sign())
}

func TestRoleSetsAndSlots(t *testing.T) {
	m := newManager(t)
	account := addr(0x09)

	ok, err := m.RoleContains("minter", account)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.RoleAdd("minter", account))
	ok, err = m.RoleContains("minter", account)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.RoleRemove("minter", account))
	ok, err = m.RoleContains("minter", account)
	require.NoError(t, err)
	require.False(t, ok)

	_, present, err := m.RoleGet("owner")
	require.NoError(t, err)
	require.False(t, present)

	require.NoError(t, m.RoleSet("owner", account))
	got, present, err := m.RoleGet("owner")
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, account, got)

	require.NoError(t, m.RoleClear("owner"))
	_, present, err = m.RoleGet("owner")
	require.NoError(t, err)
	require.False(t, present)
}

func TestFeeTrackerStatesRoundTrip(t *testing.T) {
	m := newManager(t)

	rate, last, err := m.ManagementFeeState()
	require.NoError(t, err)
	require.Zero(t, rate)
	require.Zero(t, last)

	require.NoError(t, m.SetManagementFeeState(250, 1_700_000_000))
	rate, last, err = m.ManagementFeeState()
	require.NoError(t, err)
	require.Equal(t, uint16(250), rate)
	require.Equal(t, int64(1_700_000_000), last)

	mark := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	require.NoError(t, m.SetPerformanceFeeState(2000, mark))
	perfRate, gotMark, err := m.PerformanceFeeState()
	require.NoError(t, err)
	require.Equal(t, uint16(2000), perfRate)
	require.Zero(t, mark.Cmp(gotMark))
}

func TestFeeEntitlementsKeepSign(t *testing.T) {
	m := newManager(t)
	recipient := addr(0x0a)

	require.NoError(t, m.SetFeeEntitlement(recipient, big.NewInt(-42)))
	got, err := m.FeeEntitlement(recipient)
	require.NoError(t, err)
	require.Equal(t, int64(-42), got.Int64())

	require.NoError(t, m.SetFeeEntitlement(recipient, big.NewInt(42)))
	got, err = m.FeeEntitlement(recipient)
	require.NoError(t, err)
	require.Equal(t, int64(42), got.Int64())
}

func TestRequestIDsAreMonotonicPerQueue(t *testing.T) {
	m := newManager(t)

	first, err := m.FundNextRequestID("deposit")
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)

	second, err := m.FundNextRequestID("deposit")
	require.NoError(t, err)
	require.Equal(t, uint64(2), second)

	other, err := m.FundNextRequestID("redeem")
	require.NoError(t, err)
	require.Equal(t, uint64(1), other, "queues carry independent counters")
}

func TestRequestIDsUniqueUnderConcurrency(t *testing.T) {
	m := newManager(t)
	const workers = 16
	const perWorker = 200

	ids := make(chan uint64, workers*perWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				id, err := m.FundNextRequestID("deposit")
				if err != nil {
					t.Error(err)
					return
				}
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]int, workers*perWorker)
	for id := range ids {
		seen[id]++
	}
	require.Len(t, seen, workers*perWorker, "every issued id must be unique")
	for id, count := range seen {
		require.Equal(t, 1, count, "id %d assigned %d times", id, count)
	}
}

func TestUnitOfWorkCommitsAtomically(t *testing.T) {
	m := newManager(t)
	holder := addr(0x01)

	err := m.InUnitOfWork(func() error {
		if err := m.UnitsSetBalance(holder, big.NewInt(100)); err != nil {
			return err
		}
		// Writes inside the unit of work are visible to its own reads.
		balance, err := m.UnitsBalance(holder)
		if err != nil {
			return err
		}
		require.Equal(t, int64(100), balance.Int64())
		return m.UnitsSetTotalSupply(big.NewInt(100))
	})
	require.NoError(t, err)

	balance, err := m.UnitsBalance(holder)
	require.NoError(t, err)
	require.Equal(t, int64(100), balance.Int64())
	supply, err := m.UnitsTotalSupply()
	require.NoError(t, err)
	require.Equal(t, int64(100), supply.Int64())
}

func TestUnitOfWorkDiscardsWritesOnError(t *testing.T) {
	m := newManager(t)
	holder := addr(0x01)
	require.NoError(t, m.UnitsSetBalance(holder, big.NewInt(50)))

	boom := errors.New("boom")
	err := m.InUnitOfWork(func() error {
		if err := m.UnitsSetBalance(holder, big.NewInt(999)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	balance, err := m.UnitsBalance(holder)
	require.NoError(t, err)
	require.Equal(t, int64(50), balance.Int64(), "a failed unit of work must leave no trace")
}

func TestUnitOfWorkBuffersDeletes(t *testing.T) {
	m := newManager(t)
	req := &fund.Request{ID: 3, Controller: addr(0x02), Amount: big.NewInt(10), CanCancelAfter: 1}
	require.NoError(t, m.FundPutRequest("deposit", req))

	err := m.InUnitOfWork(func() error {
		if err := m.FundDeleteRequest("deposit", 3); err != nil {
			return err
		}
		_, ok, err := m.FundGetRequest("deposit", 3)
		if err != nil {
			return err
		}
		require.False(t, ok, "deletes staged in the unit of work shadow the store")
		return nil
	})
	require.NoError(t, err)

	_, ok, err := m.FundGetRequest("deposit", 3)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRequestRecordsRoundTrip(t *testing.T) {
	m := newManager(t)
	req := &fund.Request{
		ID:             7,
		Controller:     addr(0x02),
		Amount:         big.NewInt(123_456),
		CanCancelAfter: 1_700_000_000,
	}
	require.NoError(t, m.FundPutRequest("deposit", req))

	got, ok, err := m.FundGetRequest("deposit", 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, req.ID, got.ID)
	require.Equal(t, req.Controller, got.Controller)
	require.Zero(t, req.Amount.Cmp(got.Amount))
	require.Equal(t, req.CanCancelAfter, got.CanCancelAfter)

	_, ok, err = m.FundGetRequest("redeem", 7)
	require.NoError(t, err)
	require.False(t, ok, "queues are isolated")

	require.NoError(t, m.FundDeleteRequest("deposit", 7))
	_, ok, err = m.FundGetRequest("deposit", 7)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCustodyBalancesRoundTrip(t *testing.T) {
	m := newManager(t)
	account := addr(0x05)

	balance, err := m.CustodyBalance(account)
	require.NoError(t, err)
	require.Zero(t, balance.Sign())

	require.NoError(t, m.CustodySetBalance(account, big.NewInt(999)))
	balance, err = m.CustodyBalance(account)
	require.NoError(t, err)
	require.Equal(t, int64(999), balance.Int64())
}

func TestComponentPrefixesDoNotCollide(t *testing.T) {
	m := newManager(t)
	account := addr(0x01)

	require.NoError(t, m.UnitsSetBalance(account, big.NewInt(1)))
	require.NoError(t, m.CustodySetBalance(account, big.NewInt(2)))

	unitsBal, err := m.UnitsBalance(account)
	require.NoError(t, err)
	custodyBal, err := m.CustodyBalance(account)
	require.NoError(t, err)
	require.Equal(t, int64(1), unitsBal.Int64())
	require.Equal(t, int64(2), custodyBal.Int64())
}
