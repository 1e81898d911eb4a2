package nip47

import (
	"testing"
	"time"

	"github.com/lightninglabs/nip47/nostr"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

func newTestCorrelator(t *testing.T) (*Correlator, *clock.TestClock) {
	t.Helper()

	store := newTestStore(t)
	storeConn(t, store, "wallet", nil, nil)

	testClock := clock.NewTestClock(testTime)

	return NewCorrelator(store, testClock, testTime), testClock
}

// TestCorrelatorStaleEvents asserts events from before process start are
// never dispatched, while fresh ones are.
func TestCorrelatorStaleEvents(t *testing.T) {
	correlator, _ := newTestCorrelator(t)

	// Redelivered history from before the restart.
	stale := &nostr.Event{
		ID:        "old",
		CreatedAt: testTime.Add(-time.Minute).Unix(),
	}
	dispatch, err := correlator.ShouldDispatch("wallet", stale)
	require.NoError(t, err)
	require.False(t, dispatch)

	fresh := &nostr.Event{
		ID:        "new",
		CreatedAt: testTime.Add(time.Minute).Unix(),
	}
	dispatch, err = correlator.ShouldDispatch("wallet", fresh)
	require.NoError(t, err)
	require.True(t, dispatch)
}

// TestCorrelatorDuplicateEvents asserts an event id is dispatched at most
// once, as racing relays deliver the same event repeatedly.
func TestCorrelatorDuplicateEvents(t *testing.T) {
	correlator, _ := newTestCorrelator(t)

	event := &nostr.Event{
		ID:        "ev1",
		CreatedAt: testTime.Add(time.Minute).Unix(),
	}

	dispatch, err := correlator.ShouldDispatch("wallet", event)
	require.NoError(t, err)
	require.True(t, dispatch)

	for i := 0; i < 3; i++ {
		dispatch, err = correlator.ShouldDispatch("wallet", event)
		require.NoError(t, err)
		require.False(t, dispatch)
	}
}

// TestCorrelatorResolveTerminal asserts the first terminal observation per
// payment hash wins and carries the originating request.
func TestCorrelatorResolveTerminal(t *testing.T) {
	correlator, _ := newTestCorrelator(t)

	correlator.TrackPayment("wallet", "req1", "hash1", "lnbc1", 1000)

	ref, first := correlator.ResolveTerminal("hash1")
	require.True(t, first)
	require.NotNil(t, ref)
	require.Equal(t, "wallet", ref.Label)
	require.Equal(t, "req1", ref.RequestEventID)
	require.Equal(t, "lnbc1", ref.Invoice)

	// A second terminal event for the same hash is suppressed, as
	// multi-part payments produce several lifecycle events.
	ref, first = correlator.ResolveTerminal("hash1")
	require.False(t, first)
	require.Nil(t, ref)
}

// TestCorrelatorUntrackedTerminal asserts node initiated payments notify
// exactly once too, without a request reference.
func TestCorrelatorUntrackedTerminal(t *testing.T) {
	correlator, _ := newTestCorrelator(t)

	ref, first := correlator.ResolveTerminal("foreign")
	require.True(t, first)
	require.Nil(t, ref)

	_, first = correlator.ResolveTerminal("foreign")
	require.False(t, first)
}

// TestCorrelatorTrackFirstWins asserts a duplicate pay attempt for the
// same hash keeps the original request reference.
func TestCorrelatorTrackFirstWins(t *testing.T) {
	correlator, _ := newTestCorrelator(t)

	correlator.TrackPayment("wallet", "req1", "hash1", "lnbc1", 1000)
	correlator.TrackPayment("wallet", "req2", "hash1", "lnbc1", 1000)

	ref, first := correlator.ResolveTerminal("hash1")
	require.True(t, first)
	require.Equal(t, "req1", ref.RequestEventID)
}

// TestCorrelatorKeysendGate asserts WaitTracked holds a terminal event for
// an in-flight keysend until its hash has been tracked, and returns
// immediately when nothing is in flight.
func TestCorrelatorKeysendGate(t *testing.T) {
	correlator, _ := newTestCorrelator(t)

	// Nothing in flight: an unknown hash resolves without waiting.
	done := make(chan struct{})
	go func() {
		correlator.WaitTracked("foreign")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WaitTracked blocked with no keysend in flight")
	}

	// With a keysend in flight, the lifecycle event waits until the RPC
	// response reports the hash.
	correlator.BeginKeysend()

	tracked := make(chan struct{})
	go func() {
		correlator.WaitTracked("hash1")
		close(tracked)
	}()

	select {
	case <-tracked:
		t.Fatal("WaitTracked returned before the hash was tracked")
	case <-time.After(100 * time.Millisecond):
	}

	correlator.TrackPayment("wallet", "req1", "hash1", "", 1000)
	correlator.EndKeysend()

	select {
	case <-tracked:
	case <-time.After(5 * time.Second):
		t.Fatal("WaitTracked did not observe the tracked hash")
	}

	ref, first := correlator.ResolveTerminal("hash1")
	require.True(t, first)
	require.NotNil(t, ref)
	require.Equal(t, "wallet", ref.Label)
}

// TestCorrelatorKeysendGateFailedRPC asserts a failed keysend releases
// waiters without tracking anything.
func TestCorrelatorKeysendGateFailedRPC(t *testing.T) {
	correlator, _ := newTestCorrelator(t)

	correlator.BeginKeysend()

	released := make(chan struct{})
	go func() {
		correlator.WaitTracked("hash1")
		close(released)
	}()

	correlator.EndKeysend()

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("WaitTracked did not release after the keysend ended")
	}
}

// TestCorrelatorPrune asserts references age out after their ttl.
func TestCorrelatorPrune(t *testing.T) {
	correlator, testClock := newTestCorrelator(t)

	correlator.TrackPayment("wallet", "req1", "hash1", "lnbc1", 1000)

	testClock.SetTime(testTime.Add(paymentRefTTL + time.Hour))

	// Tracking something else triggers the prune of hash1.
	correlator.TrackPayment("wallet", "req2", "hash2", "lnbc2", 1000)

	ref, first := correlator.ResolveTerminal("hash1")
	require.True(t, first)
	require.Nil(t, ref, "pruned reference should be gone")
}
