package nip47

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lightninglabs/nip47/nip47db"
	"github.com/lightninglabs/nip47/nostr"
	"github.com/lightninglabs/nip47/relaypool"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

// sinceSlackSeconds widens the subscription catch-up window to tolerate
// clock skew between us and the relays. Duplicates this lets through are
// caught by the processed set.
const sinceSlackSeconds = 60

// ManagerConfig holds the manager dependencies.
type ManagerConfig struct {
	// Store is the connection database.
	Store nip47db.ConnStore

	// Lightning is the node adapter.
	Lightning LightningClient

	// Budget enforces the per-connection envelope.
	Budget *BudgetEngine

	// Dispatcher executes forwarded request events.
	Dispatcher *Dispatcher

	// Correlator filters inbound duplicates.
	Correlator *Correlator

	// Clock is the time source.
	Clock clock.Clock

	// Relays is the globally configured relay set, frozen into every
	// connection at creation time.
	Relays []string

	// NotificationsEnabled is the global notifications option,
	// mirrored into new connections.
	NotificationsEnabled bool

	// NewPool builds a relay pool. Tests substitute fakes; nil uses
	// the production pool.
	NewPool func(cfg relaypool.Config) Pool
}

// Pool is the slice of the relay pool surface the manager drives.
type Pool interface {
	publisher

	// Start spins up the relay connections.
	Start()

	// Stop tears the pool down and waits for its goroutines.
	Stop()
}

// CreateResult is returned by Create.
type CreateResult struct {
	// URI is the connection string handed to the wallet.
	URI string `json:"uri"`

	// Label is the connection label.
	Label string `json:"label"`

	// WalletKeyPublic is the wallet service pubkey.
	WalletKeyPublic string `json:"walletkey_public"`

	// ClientKeyPublic is the client pubkey, exposed for private relay
	// whitelists.
	ClientKeyPublic string `json:"clientkey_public"`
}

// activeConn is the runtime state of one connection.
type activeConn struct {
	pool Pool

	// cancel stops the connection's dispatcher tasks and budget job.
	cancel context.CancelFunc

	// wg tracks the budget refresh goroutine.
	wg sync.WaitGroup
}

// Manager creates, revokes and runs wallet connections: one relay pool and
// one budget refresh job per connection, plus the dispatcher fan-in.
type Manager struct {
	cfg ManagerConfig

	// ctx is the root context dispatcher tasks inherit from, set in
	// Start.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[string]*activeConn

	// wg tracks per-event dispatcher goroutines.
	wg sync.WaitGroup
}

// NewManager creates a manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.NewPool == nil {
		cfg.NewPool = func(poolCfg relaypool.Config) Pool {
			return relaypool.NewPool(poolCfg)
		}
	}

	return &Manager{
		cfg:    cfg,
		active: make(map[string]*activeConn),
	}
}

// Start loads every stored connection and brings its relay pool up.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	conns, err := m.cfg.Store.FetchConns()
	if err != nil {
		return err
	}

	for _, conn := range conns {
		if err := m.startConn(conn); err != nil {
			return err
		}
	}

	log.Infof("Started %d wallet connections", len(conns))

	return nil
}

// drainTimeout bounds how long shutdown waits for in-flight dispatcher
// tasks to publish their pending responses.
const drainTimeout = 5 * time.Second

// Stop tears down all connections and waits up to drainTimeout for
// in-flight dispatches to finish.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	active := make([]*activeConn, 0, len(m.active))
	for _, ac := range m.active {
		active = append(active, ac)
	}
	m.active = make(map[string]*activeConn)
	m.mu.Unlock()

	for _, ac := range active {
		ac.cancel()
		ac.pool.Stop()
		ac.wg.Wait()
	}

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(drainTimeout):
		log.Warnf("Shutdown drain timed out, abandoning pending " +
			"dispatches")
	}
}

// startConn brings up the relay pool and budget job of one connection.
func (m *Manager) startConn(conn *nip47db.Connection) error {
	label := conn.Label

	connCtx, cancel := context.WithCancel(m.ctx)
	ac := &activeConn{cancel: cancel}

	pool := m.cfg.NewPool(relaypool.Config{
		Label:     label,
		Relays:    conn.Relays,
		WalletPub: conn.WalletKeyPublic,
		Since: func() int64 {
			return m.subscriptionSince(label)
		},
		InfoEvent: func() (*nostr.Event, error) {
			return m.buildInfoEvent(label)
		},
		OnEvent: func(event *nostr.Event) {
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.handleEvent(connCtx, label, event)
			}()
		},
	})
	ac.pool = pool

	if conn.IntervalSecs != nil {
		interval := time.Duration(*conn.IntervalSecs) * time.Second
		ac.wg.Add(1)
		go func() {
			defer ac.wg.Done()
			m.budgetJob(connCtx, label, interval)
		}()
	}

	m.mu.Lock()
	m.active[label] = ac
	m.mu.Unlock()

	pool.Start()

	return nil
}

// subscriptionSince computes the lower created_at bound for a connection's
// relay subscription: the creation time, or the newest processed request
// minus a slack for relay clock skew, whichever is later.
func (m *Manager) subscriptionSince(label string) int64 {
	conn, err := m.cfg.Store.FetchConn(label)
	if err != nil {
		return m.cfg.Clock.Now().Unix()
	}

	since := conn.CreatedAt

	lastSeen, err := m.cfg.Store.LastSeen(label)
	if err == nil && lastSeen-sinceSlackSeconds > since {
		since = lastSeen - sinceSlackSeconds
	}

	return since
}

// handleEvent is the per-event dispatcher task.
func (m *Manager) handleEvent(ctx context.Context, label string,
	event *nostr.Event) {

	if ctx.Err() != nil {
		return
	}

	conn, err := m.cfg.Store.FetchConn(label)
	if err != nil {
		log.Debugf("Dropping event %v, connection %v gone: %v",
			event.ID, label, err)
		return
	}

	dispatch, err := m.cfg.Correlator.ShouldDispatch(label, event)
	if err != nil {
		log.Errorf("Dedup check for event %v failed: %v", event.ID,
			err)
		return
	}
	if !dispatch {
		return
	}

	m.mu.Lock()
	ac, ok := m.active[label]
	m.mu.Unlock()
	if !ok {
		return
	}

	m.cfg.Dispatcher.HandleEvent(ctx, conn, ac.pool, event)
}

// budgetJob refreshes a connection's budget window on its interval.
func (m *Manager) budgetJob(ctx context.Context, label string,
	interval time.Duration) {

	refresh := ticker.New(interval)
	refresh.Resume()
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-refresh.Ticks():
			if err := m.cfg.Budget.RefreshIfDue(label); err != nil {
				log.Errorf("Budget refresh for %v failed: %v",
					label, err)
			}
		}
	}
}

// buildInfoEvent signs a fresh kind 13194 info event for a connection.
// Receive-only connections advertise an empty method set.
func (m *Manager) buildInfoEvent(label string) (*nostr.Event, error) {
	conn, err := m.cfg.Store.FetchConn(label)
	if err != nil {
		return nil, err
	}

	walletKey, err := nostr.KeypairFromSecretHex(conn.WalletKeySecret)
	if err != nil {
		return nil, err
	}

	methods := []string{}
	if !conn.ReceiveOnly() {
		methods = connMethods(conn)
	}

	content := infoEventContent{
		Methods:     methods,
		Encryptions: []string{SchemeNIP04, SchemeNIP44},
	}
	tags := []nostr.Tag{
		{"methods", strings.Join(methods, " ")},
		{"encryption", SchemeNIP44 + " " + SchemeNIP04},
	}
	if conn.NotificationsEnabled {
		content.Notifications = notificationTypes
		tags = append(tags, nostr.Tag{
			"notifications",
			strings.Join(notificationTypes, " "),
		})
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}

	event := &nostr.Event{
		CreatedAt: m.cfg.Clock.Now().Unix(),
		Kind:      nostr.KindWalletInfo,
		Tags:      tags,
		Content:   string(raw),
	}
	if err := event.Sign(walletKey); err != nil {
		return nil, err
	}

	return event, nil
}

// Create registers a new wallet connection: fresh keypairs, the current
// relay set frozen in, the row persisted and the relay pool started. The
// returned URI is everything the wallet needs.
func (m *Manager) Create(label string, budgetMsat,
	intervalSecs *uint64) (*CreateResult, error) {

	if label == "" {
		return nil, fmt.Errorf("label must not be empty")
	}
	if err := validateBudget(budgetMsat, intervalSecs); err != nil {
		return nil, err
	}

	walletKey, err := nostr.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	clientKey, err := nostr.GenerateKeypair()
	if err != nil {
		return nil, err
	}

	now := m.cfg.Clock.Now().Unix()
	conn := &nip47db.Connection{
		Label:                label,
		WalletKeySecret:      walletKey.SecretHex(),
		WalletKeyPublic:      walletKey.PublicHex(),
		ClientKeySecret:      clientKey.SecretHex(),
		ClientKeyPublic:      clientKey.PublicHex(),
		Relays:               append([]string{}, m.cfg.Relays...),
		BudgetMsat:           budgetMsat,
		IntervalSecs:         intervalSecs,
		WindowStart:          now,
		CreatedAt:            now,
		NotificationsEnabled: m.cfg.NotificationsEnabled,
	}

	if err := m.cfg.Store.CreateConn(conn); err != nil {
		if errors.Is(err, nip47db.ErrConnExists) {
			return nil, fmt.Errorf("%w: %v", ErrConnExists, label)
		}
		return nil, err
	}

	if err := m.startConn(conn); err != nil {
		return nil, err
	}

	log.Infof("Created connection %v (budget=%v, interval=%v)", label,
		formatOptional(budgetMsat), formatOptional(intervalSecs))

	return &CreateResult{
		URI: ConnectionURI(
			conn.WalletKeyPublic, conn.Relays,
			conn.ClientKeySecret,
		),
		Label:           label,
		WalletKeyPublic: conn.WalletKeyPublic,
		ClientKeyPublic: conn.ClientKeyPublic,
	}, nil
}

// Revoke tears down a connection and deletes its row. Nothing is published
// on revocation; the connection just goes dark, even towards relays that
// only connect later.
func (m *Manager) Revoke(label string) error {
	m.mu.Lock()
	ac, ok := m.active[label]
	delete(m.active, label)
	m.mu.Unlock()

	if ok {
		ac.cancel()
		ac.pool.Stop()
		ac.wg.Wait()
	}

	if err := m.cfg.Store.DeleteConn(label); err != nil {
		if errors.Is(err, nip47db.ErrConnNotFound) {
			return fmt.Errorf("%w: %v", ErrConnNotFound, label)
		}
		return err
	}

	log.Infof("Revoked connection %v", label)

	return nil
}

// UpdateBudget replaces a connection's budget and interval. The refresh
// window restarts at now. When the change flips the receive-only state the
// info event is republished so clients learn the new capability set.
func (m *Manager) UpdateBudget(label string, budgetMsat,
	intervalSecs *uint64) (*nip47db.Connection, error) {

	if err := validateBudget(budgetMsat, intervalSecs); err != nil {
		return nil, err
	}

	now := m.cfg.Clock.Now().Unix()

	var (
		flipped bool
		updated *nip47db.Connection
	)
	err := m.cfg.Store.UpdateConn(label,
		func(conn *nip47db.Connection) error {
			wasReceiveOnly := conn.ReceiveOnly()

			conn.BudgetMsat = budgetMsat
			conn.IntervalSecs = intervalSecs
			conn.SpentMsat = 0
			conn.WindowStart = now

			flipped = wasReceiveOnly != conn.ReceiveOnly()
			updated = conn

			return nil
		},
	)
	if err != nil {
		if errors.Is(err, nip47db.ErrConnNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrConnNotFound,
				label)
		}
		return nil, err
	}

	// Restart the connection so the budget job matches the new
	// interval.
	m.restartBudgetJob(label, intervalSecs)

	if flipped {
		m.publishInfoEvent(label)
	}

	log.Infof("Updated budget of %v (budget=%v, interval=%v)", label,
		formatOptional(budgetMsat), formatOptional(intervalSecs))

	return updated, nil
}

// restartBudgetJob replaces the budget refresh goroutine of a connection.
func (m *Manager) restartBudgetJob(label string, intervalSecs *uint64) {
	m.mu.Lock()
	ac, ok := m.active[label]
	m.mu.Unlock()
	if !ok {
		return
	}

	// The old job dies with the connection context on revoke; for a
	// plain rebudget we replace the whole runtime state.
	ac.cancel()
	ac.wg.Wait()

	connCtx, cancel := context.WithCancel(m.ctx)
	ac.cancel = cancel

	if intervalSecs != nil {
		interval := time.Duration(*intervalSecs) * time.Second
		ac.wg.Add(1)
		go func() {
			defer ac.wg.Done()
			m.budgetJob(connCtx, label, interval)
		}()
	}
}

// publishInfoEvent pushes a freshly signed info event through the
// connection's pool.
func (m *Manager) publishInfoEvent(label string) {
	m.mu.Lock()
	ac, ok := m.active[label]
	m.mu.Unlock()
	if !ok {
		return
	}

	event, err := m.buildInfoEvent(label)
	if err != nil {
		log.Errorf("Could not build info event for %v: %v", label,
			err)
		return
	}

	ctx, cancel := context.WithTimeout(
		context.Background(), 30*time.Second,
	)
	defer cancel()

	if err := ac.pool.Publish(ctx, event); err != nil {
		log.Warnf("Could not publish info event for %v: %v", label,
			err)
	}
}

// List returns the stored records, optionally restricted to one label.
// Records include both public keys for private relay whitelists.
func (m *Manager) List(label string) ([]*nip47db.Connection, error) {
	if label != "" {
		conn, err := m.cfg.Store.FetchConn(label)
		if err != nil {
			if errors.Is(err, nip47db.ErrConnNotFound) {
				return nil, fmt.Errorf("%w: %v",
					ErrConnNotFound, label)
			}
			return nil, err
		}

		return []*nip47db.Connection{conn}, nil
	}

	return m.cfg.Store.FetchConns()
}

// ConnTargets enumerates the live connections for the notifier.
func (m *Manager) ConnTargets() []ConnTarget {
	m.mu.Lock()
	labels := make(map[string]Pool, len(m.active))
	for label, ac := range m.active {
		labels[label] = ac.pool
	}
	m.mu.Unlock()

	targets := make([]ConnTarget, 0, len(labels))
	for label, pool := range labels {
		conn, err := m.cfg.Store.FetchConn(label)
		if err != nil {
			continue
		}

		targets = append(targets, ConnTarget{Conn: conn, Pool: pool})
	}

	return targets
}

// validateBudget rejects an interval without a positive refill budget.
func validateBudget(budgetMsat, intervalSecs *uint64) error {
	if intervalSecs == nil {
		return nil
	}
	if budgetMsat == nil {
		return fmt.Errorf("budget_msat is required when an " +
			"interval is set")
	}
	if *budgetMsat == 0 {
		return fmt.Errorf("budget_msat must be greater than 0 when " +
			"an interval is set")
	}

	return nil
}

// formatOptional renders an optional number for logs.
func formatOptional(v *uint64) string {
	if v == nil {
		return "none"
	}

	return fmt.Sprintf("%d", *v)
}
