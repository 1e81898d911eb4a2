package nip47

import (
	"sync"
	"time"

	"github.com/lightninglabs/nip47/nip47db"
	"github.com/lightninglabs/nip47/nostr"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// processedEventTTL is how long handled request event ids are
	// remembered. Comfortably above twice the largest request age we
	// honor through the subscription catch-up window.
	processedEventTTL = 24 * time.Hour

	// paymentRefTTL bounds how long an unresolved outbound payment
	// reference is kept before it is evicted.
	paymentRefTTL = 24 * time.Hour

	// waitTrackedTimeout bounds how long a terminal lifecycle event
	// waits for an in-flight keysend to report its payment hash.
	waitTrackedTimeout = 10 * time.Second
)

// PaymentRef ties an outbound payment to the connection and request event
// that caused it, so the eventual payment_sent notification can reference
// the right connection.
type PaymentRef struct {
	// Label is the originating connection.
	Label string

	// RequestEventID is the id of the request event that started the
	// payment.
	RequestEventID string

	// Invoice is the invoice string that was paid, empty for keysend.
	Invoice string

	// AmountMsat is the payment amount.
	AmountMsat uint64

	recordedAt time.Time
	notified   bool
}

// Correlator filters inbound request events against the processed set and
// matches the node's payment lifecycle events to outbound notifications.
type Correlator struct {
	store nip47db.ConnStore
	clock clock.Clock

	// processStart is the time the process came up. Anything older is
	// relay history and never dispatched.
	processStart time.Time

	// mu guards payments and pendingKeysends.
	mu sync.Mutex

	// payments maps payment hashes to their originating request.
	payments map[string]*PaymentRef

	// tracked wakes WaitTracked when a payment is tracked or an
	// in-flight keysend resolves.
	tracked *sync.Cond

	// pendingKeysends counts keysend RPCs whose payment hash is not
	// known yet.
	pendingKeysends int
}

// NewCorrelator creates a correlator. processStart is usually the process
// start time; tests move it around.
func NewCorrelator(store nip47db.ConnStore, clk clock.Clock,
	processStart time.Time) *Correlator {

	c := &Correlator{
		store:        store,
		clock:        clk,
		processStart: processStart,
		payments:     make(map[string]*PaymentRef),
	}
	c.tracked = sync.NewCond(&c.mu)

	return c
}

// ShouldDispatch decides whether a request event reaches the dispatcher:
// events from before process start are relay replays and events whose id is
// already in the processed set are duplicates. Accepted ids are inserted
// into the processed set in the same step, so racing deliveries from
// multiple relays resolve to a single dispatch.
func (c *Correlator) ShouldDispatch(label string,
	event *nostr.Event) (bool, error) {

	if event.CreatedAt < c.processStart.Unix() {
		log.Debugf("Dropping stale event %v for %v (created_at %d "+
			"before process start)", event.ID, label,
			event.CreatedAt)

		return false, nil
	}

	now := c.clock.Now().Unix()
	inserted, err := c.store.MarkEventProcessed(
		label, event.ID, event.CreatedAt, now,
		int64(processedEventTTL.Seconds()),
	)
	if err != nil {
		return false, err
	}
	if !inserted {
		log.Debugf("Dropping duplicate event %v for %v", event.ID,
			label)
	}

	return inserted, nil
}

// TrackPayment records an outbound payment so its terminal lifecycle event
// can be matched back to the originating connection.
func (c *Correlator) TrackPayment(label, requestEventID, paymentHash,
	invoice string, amountMsat uint64) {

	c.mu.Lock()
	defer c.mu.Unlock()

	c.prune()

	// First request wins; a duplicate pay attempt for the same hash
	// keeps the original reference.
	if _, ok := c.payments[paymentHash]; ok {
		return
	}

	c.payments[paymentHash] = &PaymentRef{
		Label:          label,
		RequestEventID: requestEventID,
		Invoice:        invoice,
		AmountMsat:     amountMsat,
		recordedAt:     c.clock.Now(),
	}
	c.tracked.Broadcast()
}

// BeginKeysend marks a keysend in flight. Its payment hash only becomes
// known once the RPC returns, while the node's sendpay lifecycle events
// can race ahead of that response; WaitTracked holds terminal events for
// unknown hashes until all in-flight keysends have reported.
func (c *Correlator) BeginKeysend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pendingKeysends++
}

// EndKeysend resolves an in-flight keysend, after its hash was tracked or
// its RPC failed.
func (c *Correlator) EndKeysend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pendingKeysends--
	c.tracked.Broadcast()
}

// WaitTracked blocks until the payment hash is tracked, no keysend is in
// flight anymore, or a grace period expires. This is what keeps a
// keysend's payment_sent notification targeted at its originating
// connection even when the lifecycle events outrun the RPC response.
func (c *Correlator) WaitTracked(paymentHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(waitTrackedTimeout)
	wakeup := time.AfterFunc(waitTrackedTimeout, c.tracked.Broadcast)
	defer wakeup.Stop()

	for {
		if _, ok := c.payments[paymentHash]; ok {
			return
		}
		if c.pendingKeysends == 0 {
			return
		}
		if !time.Now().Before(deadline) {
			log.Warnf("Gave up waiting for the correlation of "+
				"payment %v", paymentHash)
			return
		}

		c.tracked.Wait()
	}
}

// ResolveTerminal records a terminal lifecycle observation for a payment
// hash. It reports whether this was the first terminal observation, which
// is what de-duplicates racing lifecycle streams, and returns the
// originating request reference if the payment was started through a
// connection. Hashes never seen before are remembered so a later duplicate
// observation stays suppressed.
func (c *Correlator) ResolveTerminal(paymentHash string) (*PaymentRef,
	bool) {

	c.mu.Lock()
	defer c.mu.Unlock()

	ref, ok := c.payments[paymentHash]
	if !ok {
		c.prune()
		c.payments[paymentHash] = &PaymentRef{
			recordedAt: c.clock.Now(),
			notified:   true,
		}

		return nil, true
	}
	if ref.notified {
		return nil, false
	}
	ref.notified = true

	if ref.Label == "" {
		return nil, true
	}

	return ref, true
}

// prune evicts references past their ttl. Delivered references stay until
// then so repeated lifecycle events for the same hash, as multi-part
// payments produce, remain suppressed. Callers must hold mu.
func (c *Correlator) prune() {
	cutoff := c.clock.Now().Add(-paymentRefTTL)
	for hash, ref := range c.payments {
		if ref.recordedAt.Before(cutoff) {
			delete(c.payments, hash)
		}
	}
}
