package nip47d

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/lightninglabs/nip47"
	"github.com/lightninglabs/nip47/cln"
	"github.com/lightninglabs/nip47/nip47db"
	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/sync/errgroup"
)

// startupDelay spaces the first info events away from the process start so
// rapid plugin restarts produce distinct event timestamps and ids. Relays
// tend to drop clients that resend a known event id.
const startupDelay = time.Second

// Daemon is the plugin process: it owns the plugin host, the node adapter,
// the store and the manager, and tears everything down in order.
type Daemon struct {
	cfg *Config

	plugin *cln.Plugin

	// mu guards the fields below, assigned during the init handshake.
	mu          sync.Mutex
	rpc         *cln.Client
	notifierRPC *cln.Client
	store       nip47db.ConnStore
	manager     *nip47.Manager
	notifier    *nip47.Notifier

	// tasks tracks the daemon's background loops.
	tasks  errgroup.Group
	cancel context.CancelFunc
}

// New creates the daemon. The plugin host and its manifest are built in Run.
func New(cfg *Config) *Daemon {
	return &Daemon{cfg: cfg}
}

// Run speaks the plugin protocol on the given pipes until the node hangs
// up or the context is canceled.
func (d *Daemon) Run(ctx context.Context, in io.Reader,
	out io.Writer) error {

	d.plugin = cln.NewPlugin(cln.PluginConfig{
		Options: []cln.Option{
			{
				Name: OptRelays,
				Type: "string",
				Description: "Nostr relay used for NWC. " +
					"Can be stated multiple times.",
				Multi: true,
			},
			{
				Name:    OptNotifications,
				Type:    "bool",
				Default: true,
				Description: "Enable/disable NIP-47 " +
					"notifications. Default is true.",
			},
		},
		Methods: []cln.Method{
			{
				Name:        "nip47-create",
				Usage:       "label [budget_msat] [interval]",
				Description: "Create a new NWC connection",
			},
			{
				Name:        "nip47-revoke",
				Usage:       "label",
				Description: "Revoke an NWC connection",
			},
			{
				Name:        "nip47-budget",
				Usage:       "label [budget_msat] [interval]",
				Description: "Update the budget of an NWC connection",
			},
			{
				Name:        "nip47-list",
				Usage:       "[label]",
				Description: "List NWC connections",
			},
		},
		Subscriptions: []string{
			"sendpay_success", "sendpay_failure", "shutdown",
		},
		Dynamic: true,
	}, in, out)

	if err := SetupLoggers(
		&cln.LogWriter{Plugin: d.plugin}, d.cfg.DebugLevel,
	); err != nil {
		return err
	}

	d.plugin.OnInit(d.start)

	d.plugin.HandleMethod("nip47-create", d.handleCreate)
	d.plugin.HandleMethod("nip47-revoke", d.handleRevoke)
	d.plugin.HandleMethod("nip47-budget", d.handleBudget)
	d.plugin.HandleMethod("nip47-list", d.handleList)

	d.plugin.HandleSubscription(
		"sendpay_success", d.handleSendpaySuccess,
	)
	d.plugin.HandleSubscription(
		"sendpay_failure", d.handleSendpayFailure,
	)
	d.plugin.HandleSubscription("shutdown", d.handleShutdown)

	err := d.plugin.Run(ctx)

	d.Stop()

	return err
}

// start is the init hook: it connects to the node, loads the store and
// brings all connections up. A returned error disables the plugin.
func (d *Daemon) start(ctx context.Context, info *cln.InitInfo) error {
	relays, err := info.StringsOption(OptRelays)
	if err != nil {
		return err
	}
	if len(relays) == 0 {
		return fmt.Errorf("%s not set, must specify at least one "+
			"relay url", OptRelays)
	}

	notifications, err := info.BoolOption(OptNotifications, true)
	if err != nil {
		return err
	}

	rpc, err := cln.Dial(info.SocketPath())
	if err != nil {
		return fmt.Errorf("connecting to node rpc: %w", err)
	}

	nodeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	node, err := cln.NewNode(nodeCtx, rpc)
	cancel()
	if err != nil {
		rpc.Close()
		return fmt.Errorf("probing node: %w", err)
	}

	// The notifier parks in waitanyinvoice for as long as no invoice is
	// being paid. That long poll gets its own connection so dispatcher
	// RPCs never queue behind it.
	notifierRPC, err := cln.Dial(info.SocketPath())
	if err != nil {
		rpc.Close()
		return fmt.Errorf("connecting to node rpc: %w", err)
	}

	nodeCtx, cancel = context.WithTimeout(ctx, 30*time.Second)
	notifierNode, err := cln.NewNode(nodeCtx, notifierRPC)
	cancel()
	if err != nil {
		notifierRPC.Close()
		rpc.Close()
		return fmt.Errorf("probing node: %w", err)
	}

	dbDir := d.cfg.DBDir
	if dbDir == "" {
		dbDir = filepath.Join(info.LightningDir, "nip47")
	}
	store, err := nip47db.NewBoltConnStore(dbDir)
	if err != nil {
		notifierRPC.Close()
		rpc.Close()
		return fmt.Errorf("opening connection db: %w", err)
	}

	systemClock := clock.NewDefaultClock()
	budget := nip47.NewBudgetEngine(store, systemClock)
	correlator := nip47.NewCorrelator(
		store, systemClock, systemClock.Now(),
	)
	dispatcher := nip47.NewDispatcher(nip47.DispatcherConfig{
		Lightning:  node,
		Budget:     budget,
		Correlator: correlator,
		Clock:      systemClock,
	})
	manager := nip47.NewManager(nip47.ManagerConfig{
		Store:                store,
		Lightning:            node,
		Budget:               budget,
		Dispatcher:           dispatcher,
		Correlator:           correlator,
		Clock:                systemClock,
		Relays:               relays,
		NotificationsEnabled: notifications,
	})
	notifier := nip47.NewNotifier(nip47.NotifierConfig{
		Lightning:   notifierNode,
		Correlator:  correlator,
		Clock:       systemClock,
		Connections: manager.ConnTargets,
		Enabled:     notifications,
	})

	runCtx, cancelRun := context.WithCancel(ctx)

	// Space the first info events away from a possible previous
	// incarnation of this process.
	select {
	case <-time.After(startupDelay):
	case <-runCtx.Done():
		cancelRun()
		store.Close()
		notifierRPC.Close()
		rpc.Close()
		return runCtx.Err()
	}

	if err := manager.Start(runCtx); err != nil {
		cancelRun()
		store.Close()
		notifierRPC.Close()
		rpc.Close()
		return fmt.Errorf("starting connections: %w", err)
	}

	d.tasks.Go(func() error {
		if err := notifier.Run(runCtx); err != nil {
			log.Errorf("Notifier stopped: %v", err)
		}

		return nil
	})

	d.mu.Lock()
	d.rpc = rpc
	d.notifierRPC = notifierRPC
	d.store = store
	d.manager = manager
	d.notifier = notifier
	d.cancel = cancelRun
	d.mu.Unlock()

	log.Infof("Plugin up: %d relays, notifications=%v, xpay=%v",
		len(relays), notifications, node.UsesXpay())

	return nil
}

// Stop drains and closes everything. Safe to call more than once and
// before start ever ran.
func (d *Daemon) Stop() {
	d.mu.Lock()
	rpc := d.rpc
	notifierRPC := d.notifierRPC
	store := d.store
	manager := d.manager
	cancel := d.cancel
	d.rpc, d.notifierRPC, d.store = nil, nil, nil
	d.manager, d.notifier, d.cancel = nil, nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if manager != nil {
		manager.Stop()
	}
	_ = d.tasks.Wait()

	if store != nil {
		store.Close()
	}
	if notifierRPC != nil {
		notifierRPC.Close()
	}
	if rpc != nil {
		rpc.Close()
	}
}

// components returns the live manager and notifier, or an error before
// init completed.
func (d *Daemon) components() (*nip47.Manager, *nip47.Notifier, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.manager == nil {
		return nil, nil, fmt.Errorf("plugin not initialized yet")
	}

	return d.manager, d.notifier, nil
}

// handleCreate implements the nip47-create command.
func (d *Daemon) handleCreate(_ context.Context,
	params json.RawMessage) (interface{}, error) {

	manager, _, err := d.components()
	if err != nil {
		return nil, err
	}

	args, err := parseCommandArgs(params)
	if err != nil {
		return nil, err
	}

	return manager.Create(
		args.Label, args.BudgetMsat, args.IntervalSecs,
	)
}

// handleRevoke implements the nip47-revoke command.
func (d *Daemon) handleRevoke(_ context.Context,
	params json.RawMessage) (interface{}, error) {

	manager, _, err := d.components()
	if err != nil {
		return nil, err
	}

	label, err := parseLabelArg(params)
	if err != nil {
		return nil, err
	}
	if label == "" {
		return nil, fmt.Errorf("label missing")
	}

	if err := manager.Revoke(label); err != nil {
		return nil, err
	}

	return struct {
		Revoked string `json:"revoked"`
	}{Revoked: label}, nil
}

// handleBudget implements the nip47-budget command.
func (d *Daemon) handleBudget(_ context.Context,
	params json.RawMessage) (interface{}, error) {

	manager, _, err := d.components()
	if err != nil {
		return nil, err
	}

	args, err := parseCommandArgs(params)
	if err != nil {
		return nil, err
	}

	return manager.UpdateBudget(
		args.Label, args.BudgetMsat, args.IntervalSecs,
	)
}

// handleList implements the nip47-list command.
func (d *Daemon) handleList(_ context.Context,
	params json.RawMessage) (interface{}, error) {

	manager, _, err := d.components()
	if err != nil {
		return nil, err
	}

	label, err := parseLabelArg(params)
	if err != nil {
		return nil, err
	}

	return manager.List(label)
}

// handleSendpaySuccess forwards a sendpay_success node notification.
func (d *Daemon) handleSendpaySuccess(ctx context.Context,
	payload json.RawMessage) {

	_, notifier, err := d.components()
	if err != nil {
		return
	}

	notifier.HandleSendpaySuccess(ctx, payload)
}

// handleSendpayFailure forwards a sendpay_failure node notification.
func (d *Daemon) handleSendpayFailure(ctx context.Context,
	payload json.RawMessage) {

	_, notifier, err := d.components()
	if err != nil {
		return
	}

	notifier.HandleSendpayFailure(ctx, payload)
}

// handleShutdown reacts to the node asking us to exit.
func (d *Daemon) handleShutdown(context.Context, json.RawMessage) {
	log.Infof("Node requested shutdown")
	d.Stop()
}
