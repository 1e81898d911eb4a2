package nip47

import (
	"testing"
	"time"

	"github.com/lightninglabs/nip47/nip47db"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

func uint64Ptr(v uint64) *uint64 {
	return &v
}

func newTestStore(t *testing.T) nip47db.ConnStore {
	t.Helper()

	store, err := nip47db.NewBoltConnStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func storeConn(t *testing.T, store nip47db.ConnStore, label string,
	budgetMsat, intervalSecs *uint64) {

	t.Helper()

	require.NoError(t, store.CreateConn(&nip47db.Connection{
		Label:           label,
		WalletKeyPublic: "aa",
		ClientKeyPublic: "bb",
		Relays:          []string{"wss://relay.test"},
		BudgetMsat:      budgetMsat,
		IntervalSecs:    intervalSecs,
		WindowStart:     testTime.Unix(),
		CreatedAt:       testTime.Unix(),
	}))
}

func spentMsat(t *testing.T, store nip47db.ConnStore,
	label string) uint64 {

	t.Helper()

	conn, err := store.FetchConn(label)
	require.NoError(t, err)

	return conn.SpentMsat
}

// TestBudgetReserveCommit covers the basic envelope: holds count against
// the budget, commits charge it and failed reservations leave it alone.
func TestBudgetReserveCommit(t *testing.T) {
	store := newTestStore(t)
	storeConn(t, store, "daily", uint64Ptr(5000), uint64Ptr(86400))

	engine := NewBudgetEngine(store, clock.NewTestClock(testTime))

	id, err := engine.Reserve("daily", 3000)
	require.NoError(t, err)

	// The outstanding hold already blocks a second overlapping payment.
	_, err = engine.Reserve("daily", 3000)
	require.ErrorIs(t, err, ErrBudgetExceeded)

	require.NoError(t, engine.Commit(id, 3002))
	require.EqualValues(t, 3002, spentMsat(t, store, "daily"))

	// Committing twice is an error, the hold is gone.
	require.Error(t, engine.Commit(id, 3002))

	_, err = engine.Reserve("daily", 3000)
	require.ErrorIs(t, err, ErrBudgetExceeded)

	id, err = engine.Reserve("daily", 1000)
	require.NoError(t, err)
	engine.Refund(id)
	require.EqualValues(t, 3002, spentMsat(t, store, "daily"))
}

// TestBudgetRefresh covers the interval refresh with drift-free window
// alignment.
func TestBudgetRefresh(t *testing.T) {
	store := newTestStore(t)
	storeConn(t, store, "daily", uint64Ptr(5000), uint64Ptr(86400))

	testClock := clock.NewTestClock(testTime)
	engine := NewBudgetEngine(store, testClock)

	id, err := engine.Reserve("daily", 3000)
	require.NoError(t, err)
	require.NoError(t, engine.Commit(id, 3000))

	_, err = engine.Reserve("daily", 3000)
	require.ErrorIs(t, err, ErrBudgetExceeded)

	// One day and a bit later the window refreshed and the full budget
	// is available again.
	testClock.SetTime(testTime.Add(25 * time.Hour))

	id, err = engine.Reserve("daily", 3000)
	require.NoError(t, err)
	require.NoError(t, engine.Commit(id, 3000))
	require.EqualValues(t, 3000, spentMsat(t, store, "daily"))

	// The new window start is aligned on the interval grid, not on the
	// time of the refreshing call.
	conn, err := store.FetchConn("daily")
	require.NoError(t, err)
	require.Equal(t, testTime.Add(24*time.Hour).Unix(),
		conn.WindowStart)
}

// TestBudgetReceiveOnly asserts zero-budget connections reject all holds.
func TestBudgetReceiveOnly(t *testing.T) {
	store := newTestStore(t)
	storeConn(t, store, "rx", uint64Ptr(0), nil)

	engine := NewBudgetEngine(store, clock.NewTestClock(testTime))

	_, err := engine.Reserve("rx", 1)
	require.ErrorIs(t, err, ErrReceiveOnly)
}

// TestBudgetUnlimited asserts connections without a budget always reserve.
func TestBudgetUnlimited(t *testing.T) {
	store := newTestStore(t)
	storeConn(t, store, "full", nil, nil)

	engine := NewBudgetEngine(store, clock.NewTestClock(testTime))

	id, err := engine.Reserve("full", 21_000_000_000)
	require.NoError(t, err)
	require.NoError(t, engine.Commit(id, 21_000_000_000))

	remaining, err := engine.RemainingMsat("full")
	require.NoError(t, err)
	require.Nil(t, remaining)
}

// TestBudgetCommitSaturates asserts fees never push the spent counter past
// the cap.
func TestBudgetCommitSaturates(t *testing.T) {
	store := newTestStore(t)
	storeConn(t, store, "tight", uint64Ptr(5000), nil)

	engine := NewBudgetEngine(store, clock.NewTestClock(testTime))

	id, err := engine.Reserve("tight", 5000)
	require.NoError(t, err)

	// The payment settled with fees on top of the full budget.
	require.NoError(t, engine.Commit(id, 5100))
	require.EqualValues(t, 5000, spentMsat(t, store, "tight"))

	remaining, err := engine.RemainingMsat("tight")
	require.NoError(t, err)
	require.EqualValues(t, 0, *remaining)
}

// TestBudgetUnknownConnection asserts reserving against a missing row
// surfaces the store error.
func TestBudgetUnknownConnection(t *testing.T) {
	store := newTestStore(t)
	engine := NewBudgetEngine(store, clock.NewTestClock(testTime))

	_, err := engine.Reserve("ghost", 1000)
	require.ErrorIs(t, err, nip47db.ErrConnNotFound)
}
