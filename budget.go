package nip47

import (
	"fmt"
	"sync"

	"github.com/lightninglabs/nip47/nip47db"
	"github.com/lightningnetwork/lnd/clock"
)

// BudgetEngine enforces the per-connection spending envelope. Holds are kept
// in memory only: a crash before commit is equivalent to a refund, so the
// connection keeps its budget and failed payments are never charged.
type BudgetEngine struct {
	store nip47db.ConnStore
	clock clock.Clock

	// mu serializes reservation accounting. Row level persistence is
	// additionally serialized by the store's update transaction.
	mu sync.Mutex

	nextID       uint64
	reservations map[uint64]*reservation

	// outstanding is the sum of unresolved holds per label, counted
	// against the budget alongside the persisted spent amount.
	outstanding map[string]uint64
}

// reservation is a single in-memory hold.
type reservation struct {
	label      string
	amountMsat uint64
}

// NewBudgetEngine creates a budget engine on top of the connection store.
func NewBudgetEngine(store nip47db.ConnStore,
	clk clock.Clock) *BudgetEngine {

	return &BudgetEngine{
		store:        store,
		clock:        clk,
		reservations: make(map[uint64]*reservation),
		outstanding:  make(map[string]uint64),
	}
}

// refreshIfDue resets the spent counter when the refresh window has
// elapsed. The window start is realigned on the interval grid so drift does
// not accumulate across refreshes.
func refreshIfDue(conn *nip47db.Connection, now int64) {
	if conn.IntervalSecs == nil {
		return
	}

	interval := int64(*conn.IntervalSecs)
	if interval <= 0 || now-conn.WindowStart < interval {
		return
	}

	conn.SpentMsat = 0
	conn.WindowStart = now - ((now - conn.WindowStart) % interval)
}

// RefreshIfDue applies a due budget refresh for the connection and persists
// it. Used by the periodic refresh job; reserve paths apply the same logic
// inline.
func (b *BudgetEngine) RefreshIfDue(label string) error {
	now := b.clock.Now().Unix()

	return b.store.UpdateConn(label, func(c *nip47db.Connection) error {
		before := c.WindowStart
		refreshIfDue(c, now)
		if c.WindowStart != before {
			log.Infof("Budget window of %v refreshed, new "+
				"window starts at %d", label, c.WindowStart)
		}

		return nil
	})
}

// Reserve places a hold of amountMsat against the connection's budget. It
// fails with ErrReceiveOnly for receive-only connections and with
// ErrBudgetExceeded when the hold does not fit the remaining envelope.
// Unlimited connections always succeed.
func (b *BudgetEngine) Reserve(label string, amountMsat uint64) (uint64,
	error) {

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now().Unix()

	err := b.store.UpdateConn(label, func(c *nip47db.Connection) error {
		if c.ReceiveOnly() {
			return ErrReceiveOnly
		}

		refreshIfDue(c, now)

		if c.BudgetMsat == nil {
			return nil
		}

		held := b.outstanding[label]
		if c.SpentMsat+held+amountMsat > *c.BudgetMsat {
			return fmt.Errorf("%w: %d msat requested, %d msat "+
				"left", ErrBudgetExceeded, amountMsat,
				*c.BudgetMsat-c.SpentMsat-held)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	b.nextID++
	id := b.nextID
	b.reservations[id] = &reservation{
		label:      label,
		amountMsat: amountMsat,
	}
	b.outstanding[label] += amountMsat

	log.Debugf("Reserved %d msat on %v (reservation %d)", amountMsat,
		label, id)

	return id, nil
}

// Commit resolves a hold into spent budget. The actual amount may include
// routing fees and differ from the hold; the persisted counter saturates at
// the budget cap so the envelope invariant holds even when fees push past
// the hold.
func (b *BudgetEngine) Commit(id uint64, actualMsat uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, ok := b.reservations[id]
	if !ok {
		return fmt.Errorf("unknown reservation %d", id)
	}
	b.releaseLocked(id, res)

	now := b.clock.Now().Unix()

	return b.store.UpdateConn(res.label,
		func(c *nip47db.Connection) error {
			refreshIfDue(c, now)

			c.SpentMsat += actualMsat
			if c.BudgetMsat != nil && c.SpentMsat > *c.BudgetMsat {
				c.SpentMsat = *c.BudgetMsat
			}

			log.Debugf("Committed %d msat on %v, spent now "+
				"%d msat", actualMsat, res.label, c.SpentMsat)

			return nil
		},
	)
}

// Refund releases a hold without charging the budget. Unknown reservation
// ids are ignored so cancellation paths can refund unconditionally.
func (b *BudgetEngine) Refund(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, ok := b.reservations[id]
	if !ok {
		return
	}
	b.releaseLocked(id, res)

	log.Debugf("Refunded %d msat on %v (reservation %d)",
		res.amountMsat, res.label, id)
}

// releaseLocked removes a reservation from the hold accounting. Callers
// must hold mu.
func (b *BudgetEngine) releaseLocked(id uint64, res *reservation) {
	delete(b.reservations, id)

	if b.outstanding[res.label] <= res.amountMsat {
		delete(b.outstanding, res.label)
	} else {
		b.outstanding[res.label] -= res.amountMsat
	}
}

// RemainingMsat returns the budget left in the current window, or nil for
// an unlimited connection. A due refresh is applied on the way through.
func (b *BudgetEngine) RemainingMsat(label string) (*uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now().Unix()

	var remaining *uint64
	err := b.store.UpdateConn(label, func(c *nip47db.Connection) error {
		refreshIfDue(c, now)

		if c.BudgetMsat == nil {
			return nil
		}

		left := uint64(0)
		held := b.outstanding[label]
		if c.SpentMsat+held < *c.BudgetMsat {
			left = *c.BudgetMsat - c.SpentMsat - held
		}
		remaining = &left

		return nil
	})
	if err != nil {
		return nil, err
	}

	return remaining, nil
}
