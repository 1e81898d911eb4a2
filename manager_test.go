package nip47

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/lightninglabs/nip47/nip47db"
	"github.com/lightninglabs/nip47/nostr"
	"github.com/lightninglabs/nip47/relaypool"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

// fakePool is an in-memory pool capturing its config and publishes.
type fakePool struct {
	cfg relaypool.Config

	mu        sync.Mutex
	started   bool
	stopped   bool
	published []*nostr.Event
}

func (p *fakePool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
}

func (p *fakePool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
}

func (p *fakePool) Publish(_ context.Context, event *nostr.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, event)

	return nil
}

// managerHarness wires a manager with fake pools.
type managerHarness struct {
	t *testing.T

	store   nip47db.ConnStore
	clock   *clock.TestClock
	manager *Manager

	mu    sync.Mutex
	pools map[string]*fakePool
}

func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()

	store := newTestStore(t)
	testClock := clock.NewTestClock(testTime)
	lightning := newMockLightning()

	budget := NewBudgetEngine(store, testClock)
	correlator := NewCorrelator(store, testClock, testTime)
	dispatcher := NewDispatcher(DispatcherConfig{
		Lightning:  lightning,
		Budget:     budget,
		Correlator: correlator,
		Clock:      testClock,
	})

	h := &managerHarness{
		t:     t,
		store: store,
		clock: testClock,
		pools: make(map[string]*fakePool),
	}

	h.manager = NewManager(ManagerConfig{
		Store:                store,
		Lightning:            lightning,
		Budget:               budget,
		Dispatcher:           dispatcher,
		Correlator:           correlator,
		Clock:                testClock,
		Relays:               []string{"wss://r1", "wss://r2"},
		NotificationsEnabled: true,
		NewPool: func(cfg relaypool.Config) Pool {
			pool := &fakePool{cfg: cfg}
			h.mu.Lock()
			h.pools[cfg.Label] = pool
			h.mu.Unlock()

			return pool
		},
	})

	require.NoError(t, h.manager.Start(context.Background()))
	t.Cleanup(h.manager.Stop)

	return h
}

func (h *managerHarness) pool(label string) *fakePool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.pools[label]
}

// TestManagerCreate asserts creation freezes the relay set, returns a
// well-formed URI and starts the pool.
func TestManagerCreate(t *testing.T) {
	h := newManagerHarness(t)

	budget := uint64(5000)
	interval := uint64(86400)
	res, err := h.manager.Create("daily", &budget, &interval)
	require.NoError(t, err)
	require.Equal(t, "daily", res.Label)

	walletPub, relays, clientSecret, err := ParseConnectionURI(res.URI)
	require.NoError(t, err)
	require.Equal(t, res.WalletKeyPublic, walletPub)
	require.Equal(t, []string{"wss://r1", "wss://r2"}, relays)

	clientKey, err := nostr.KeypairFromSecretHex(clientSecret)
	require.NoError(t, err)
	require.Equal(t, res.ClientKeyPublic, clientKey.PublicHex())

	conn, err := h.store.FetchConn("daily")
	require.NoError(t, err)
	require.Equal(t, []string{"wss://r1", "wss://r2"}, conn.Relays)
	require.True(t, conn.NotificationsEnabled)
	require.Equal(t, testTime.Unix(), conn.CreatedAt)

	pool := h.pool("daily")
	require.NotNil(t, pool)
	require.True(t, pool.started)
	require.Equal(t, conn.WalletKeyPublic, pool.cfg.WalletPub)

	// Duplicate labels are refused.
	_, err = h.manager.Create("daily", nil, nil)
	require.ErrorIs(t, err, ErrConnExists)

	// An interval requires a positive budget.
	_, err = h.manager.Create("bad", nil, &interval)
	require.Error(t, err)
	zero := uint64(0)
	_, err = h.manager.Create("bad", &zero, &interval)
	require.Error(t, err)
}

// TestManagerInfoEvent asserts the info event advertises the full method
// set for spending connections and none for receive-only ones.
func TestManagerInfoEvent(t *testing.T) {
	h := newManagerHarness(t)

	_, err := h.manager.Create("spender", nil, nil)
	require.NoError(t, err)

	zero := uint64(0)
	_, err = h.manager.Create("rx", &zero, nil)
	require.NoError(t, err)

	decodeInfo := func(label string) (infoEventContent,
		*nostr.Event) {

		event, err := h.pool(label).cfg.InfoEvent()
		require.NoError(t, err)
		require.Equal(t, nostr.KindWalletInfo, event.Kind)
		require.NoError(t, event.Verify())

		var content infoEventContent
		require.NoError(t, json.Unmarshal(
			[]byte(event.Content), &content,
		))

		return content, event
	}

	content, event := decodeInfo("spender")
	require.Contains(t, content.Methods, MethodPayInvoice)
	require.Contains(t, content.Methods, MethodGetInfo)
	require.Equal(t, []string{SchemeNIP04, SchemeNIP44},
		content.Encryptions)
	require.Equal(t, notificationTypes, content.Notifications)
	require.Contains(t, event.TagValue("methods"), MethodPayInvoice)
	require.Equal(t, "nip44_v2 nip04", event.TagValue("encryption"))

	content, event = decodeInfo("rx")
	require.Empty(t, content.Methods)
	require.Equal(t, "", event.TagValue("methods"))
	require.Equal(t, notificationTypes, content.Notifications)
}

// TestManagerRevoke asserts revocation stops the pool, deletes the row and
// publishes nothing.
func TestManagerRevoke(t *testing.T) {
	h := newManagerHarness(t)

	_, err := h.manager.Create("gone", nil, nil)
	require.NoError(t, err)

	pool := h.pool("gone")
	require.NoError(t, h.manager.Revoke("gone"))

	require.True(t, pool.stopped)
	require.Empty(t, pool.published)

	_, err = h.store.FetchConn("gone")
	require.ErrorIs(t, err, nip47db.ErrConnNotFound)

	require.ErrorIs(t, h.manager.Revoke("gone"), ErrConnNotFound)
}

// TestManagerUpdateBudget asserts rebudgeting resets the window and
// republishes the info event when the receive-only state flips.
func TestManagerUpdateBudget(t *testing.T) {
	h := newManagerHarness(t)

	budget := uint64(5000)
	_, err := h.manager.Create("conn", &budget, nil)
	require.NoError(t, err)

	require.NoError(t, h.store.UpdateConn("conn",
		func(conn *nip47db.Connection) error {
			conn.SpentMsat = 3000
			return nil
		},
	))

	h.clock.SetTime(testTime.Add(time.Hour))

	interval := uint64(3600)
	updated, err := h.manager.UpdateBudget("conn", &budget, &interval)
	require.NoError(t, err)
	require.EqualValues(t, 0, updated.SpentMsat)
	require.Equal(t, testTime.Add(time.Hour).Unix(),
		updated.WindowStart)

	// Still a spending connection: no info event republished.
	require.Empty(t, h.pool("conn").published)

	// Flipping to receive-only republishes the info event with an
	// empty method set.
	zero := uint64(0)
	_, err = h.manager.UpdateBudget("conn", &zero, nil)
	require.NoError(t, err)

	published := h.pool("conn").published
	require.Len(t, published, 1)

	var content infoEventContent
	require.NoError(t, json.Unmarshal(
		[]byte(published[0].Content), &content,
	))
	require.Empty(t, content.Methods)
}

// TestManagerList asserts listing returns stored rows with both public
// keys.
func TestManagerList(t *testing.T) {
	h := newManagerHarness(t)

	_, err := h.manager.Create("a", nil, nil)
	require.NoError(t, err)
	_, err = h.manager.Create("b", nil, nil)
	require.NoError(t, err)

	conns, err := h.manager.List("")
	require.NoError(t, err)
	require.Len(t, conns, 2)
	for _, conn := range conns {
		require.NotEmpty(t, conn.WalletKeyPublic)
		require.NotEmpty(t, conn.ClientKeyPublic)
	}

	conns, err = h.manager.List("a")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	require.Equal(t, "a", conns[0].Label)

	_, err = h.manager.List("nope")
	require.ErrorIs(t, err, ErrConnNotFound)
}

// TestManagerDispatchFlow asserts an event delivered by the pool makes it
// through dedup and produces a published response.
func TestManagerDispatchFlow(t *testing.T) {
	h := newManagerHarness(t)

	res, err := h.manager.Create("flow", nil, nil)
	require.NoError(t, err)

	conn, err := h.store.FetchConn("flow")
	require.NoError(t, err)

	clientKey, err := nostr.KeypairFromSecretHex(conn.ClientKeySecret)
	require.NoError(t, err)

	content, err := nostr.NIP04Encrypt(
		clientKey, res.WalletKeyPublic,
		`{"method":"get_info","params":{}}`,
	)
	require.NoError(t, err)

	event := &nostr.Event{
		CreatedAt: h.clock.Now().Add(time.Minute).Unix(),
		Kind:      nostr.KindWalletRequest,
		Tags:      []nostr.Tag{{"p", res.WalletKeyPublic}},
		Content:   content,
	}
	require.NoError(t, event.Sign(clientKey))

	pool := h.pool("flow")
	pool.cfg.OnEvent(event)

	require.Eventually(t, func() bool {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		return len(pool.published) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The duplicate delivery from a second relay is suppressed.
	pool.cfg.OnEvent(event)

	require.Never(t, func() bool {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		return len(pool.published) > 1
	}, 200*time.Millisecond, 50*time.Millisecond)
}

// TestManagerSubscriptionSince asserts the since callback starts at
// creation time and follows the newest processed event with slack.
func TestManagerSubscriptionSince(t *testing.T) {
	h := newManagerHarness(t)

	_, err := h.manager.Create("since", nil, nil)
	require.NoError(t, err)

	pool := h.pool("since")
	require.Equal(t, testTime.Unix(), pool.cfg.Since())

	// After processing an event well past creation, the window follows
	// it minus the clock skew slack.
	seen := testTime.Add(10 * time.Hour).Unix()
	_, err = h.store.MarkEventProcessed(
		"since", "ev1", seen, seen, 86400,
	)
	require.NoError(t, err)

	require.Equal(t, seen-sinceSlackSeconds, pool.cfg.Since())
}
