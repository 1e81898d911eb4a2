// Package relaypool maintains the relay connections of a single wallet
// connection: persistent subscriptions for request events with reconnect
// and catch-up, and best-effort fan-out publishing of responses and
// notifications to every configured relay.
package relaypool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightninglabs/nip47/nostr"
)

// ErrNotDelivered is returned when no relay accepted a published event.
var ErrNotDelivered = errors.New("no relay accepted the event")

// Config holds the dependencies of a pool.
type Config struct {
	// Label identifies the owning connection in logs.
	Label string

	// Relays is the relay set frozen at connection creation.
	Relays []string

	// WalletPub is the wallet service pubkey requests are addressed to,
	// used in the subscription filter.
	WalletPub string

	// Since returns the lower created_at bound for (re)subscriptions.
	Since func() int64

	// InfoEvent returns a freshly signed info event, published to a
	// relay on every (re)connect. Nil skips info publishing.
	InfoEvent func() (*nostr.Event, error)

	// OnEvent is invoked for every request event a relay delivers.
	OnEvent func(event *nostr.Event)

	// DialTimeout bounds a single connection attempt. Defaults to 10s.
	DialTimeout time.Duration

	// PublishTimeout bounds the wait for a relay to ack a published
	// event. Defaults to 10s.
	PublishTimeout time.Duration
}

// Pool supervises one connection per configured relay.
type Pool struct {
	cfg Config

	conns []*relayConn

	started sync.Once
	stopped sync.Once
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewPool creates a pool for the given configuration.
func NewPool(cfg Config) *Pool {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = 10 * time.Second
	}

	pool := &Pool{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
	for _, url := range cfg.Relays {
		pool.conns = append(pool.conns, newRelayConn(pool, url))
	}

	return pool
}

// Start spins up one supervisor goroutine per relay.
func (p *Pool) Start() {
	p.started.Do(func() {
		log.Infof("Starting relay pool for %v with %d relays",
			p.cfg.Label, len(p.conns))

		for _, conn := range p.conns {
			p.wg.Add(1)
			go func(conn *relayConn) {
				defer p.wg.Done()
				conn.run()
			}(conn)
		}
	})
}

// Stop tears down all relay connections and waits for the supervisors to
// exit. Safe to call even if Start never ran or no relay ever connected.
func (p *Pool) Stop() {
	p.stopped.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()

	log.Infof("Relay pool for %v stopped", p.cfg.Label)
}

// Publish sends the event to every relay of the pool in parallel. Delivery
// counts as soon as one relay acks the event, but all relays are attempted.
func (p *Pool) Publish(ctx context.Context, event *nostr.Event) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		lastErr  error
	)

	for _, conn := range p.conns {
		wg.Add(1)
		go func(conn *relayConn) {
			defer wg.Done()

			err := conn.publish(ctx, event)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Debugf("Publish of %v to %v failed: %v",
					event.ID, conn.url, err)
				lastErr = err
				return
			}
			accepted++
		}(conn)
	}
	wg.Wait()

	if accepted == 0 {
		if lastErr != nil {
			return fmt.Errorf("%w: %v", ErrNotDelivered, lastErr)
		}
		return ErrNotDelivered
	}

	log.Debugf("Event %v accepted by %d/%d relays of %v", event.ID,
		accepted, len(p.conns), p.cfg.Label)

	return nil
}
