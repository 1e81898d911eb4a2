package relaypool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lightninglabs/nip47/nostr"
	"github.com/stretchr/testify/require"
)

// fakeRelay is a minimal in-process relay: it records REQ filters and
// published events, acks publishes and can inject events into the
// subscription.
type fakeRelay struct {
	t *testing.T

	upgrader websocket.Upgrader
	server   *httptest.Server

	mu        sync.Mutex
	conns     []*websocket.Conn
	reqs      []map[string]interface{}
	published []*nostr.Event

	// reject makes the relay answer publishes with a negative OK.
	reject bool
}

func newFakeRelay(t *testing.T) *fakeRelay {
	relay := &fakeRelay{t: t}
	relay.server = httptest.NewServer(http.HandlerFunc(relay.handle))
	t.Cleanup(relay.server.Close)

	return relay
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *fakeRelay) handle(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	r.mu.Lock()
	r.conns = append(r.conns, conn)
	r.mu.Unlock()

	for {
		var msg []json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if len(msg) < 2 {
			continue
		}

		var msgType string
		if err := json.Unmarshal(msg[0], &msgType); err != nil {
			continue
		}

		switch msgType {
		case "REQ":
			var filter map[string]interface{}
			if len(msg) >= 3 {
				_ = json.Unmarshal(msg[2], &filter)
			}
			r.mu.Lock()
			r.reqs = append(r.reqs, filter)
			r.mu.Unlock()

		case "EVENT":
			var event nostr.Event
			if err := json.Unmarshal(msg[1], &event); err != nil {
				continue
			}
			r.mu.Lock()
			r.published = append(r.published, &event)
			reject := r.reject
			r.mu.Unlock()

			err := conn.WriteJSON([]interface{}{
				"OK", event.ID, !reject, "",
			})
			if err != nil {
				return
			}
		}
	}
}

// send pushes an event into every live subscription.
func (r *fakeRelay) send(event *nostr.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conn := range r.conns {
		_ = conn.WriteJSON([]interface{}{"EVENT", subID, event})
	}
}

func (r *fakeRelay) publishedEvents() []*nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]*nostr.Event(nil), r.published...)
}

func (r *fakeRelay) filters() []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]map[string]interface{}(nil), r.reqs...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}

// TestPoolSubscribeAndReceive asserts the pool installs the request filter
// on connect and forwards delivered events.
func TestPoolSubscribeAndReceive(t *testing.T) {
	relay := newFakeRelay(t)

	var (
		mu       sync.Mutex
		received []*nostr.Event
	)
	pool := NewPool(Config{
		Label:     "test",
		Relays:    []string{relay.url()},
		WalletPub: "aabb",
		Since:     func() int64 { return 1700000000 },
		OnEvent: func(event *nostr.Event) {
			mu.Lock()
			defer mu.Unlock()
			received = append(received, event)
		},
	})
	pool.Start()
	defer pool.Stop()

	waitFor(t, func() bool { return len(relay.filters()) == 1 })

	filter := relay.filters()[0]
	require.EqualValues(t, 1700000000, filter["since"])
	require.Equal(t,
		[]interface{}{float64(nostr.KindWalletRequest)},
		filter["kinds"])
	require.Equal(t, []interface{}{"aabb"}, filter["#p"])

	relay.send(&nostr.Event{ID: "ev1", Kind: nostr.KindWalletRequest})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && received[0].ID == "ev1"
	})
}

// TestPoolPublishFanOut asserts publishing succeeds when one of two relays
// accepts and fails when all reject.
func TestPoolPublishFanOut(t *testing.T) {
	accepting := newFakeRelay(t)
	rejecting := newFakeRelay(t)
	rejecting.reject = true

	pool := NewPool(Config{
		Label:     "test",
		Relays:    []string{accepting.url(), rejecting.url()},
		WalletPub: "aabb",
		Since:     func() int64 { return 0 },
		OnEvent:   func(*nostr.Event) {},
	})
	pool.Start()
	defer pool.Stop()

	waitFor(t, func() bool {
		return len(accepting.filters()) == 1 &&
			len(rejecting.filters()) == 1
	})

	err := pool.Publish(
		context.Background(), &nostr.Event{ID: "resp1"},
	)
	require.NoError(t, err)

	// Both relays must have been attempted.
	waitFor(t, func() bool {
		return len(accepting.publishedEvents()) == 1 &&
			len(rejecting.publishedEvents()) == 1
	})

	// With only rejecting relays the publish fails.
	pool2 := NewPool(Config{
		Label:     "test2",
		Relays:    []string{rejecting.url()},
		WalletPub: "aabb",
		Since:     func() int64 { return 0 },
		OnEvent:   func(*nostr.Event) {},
	})
	pool2.Start()
	defer pool2.Stop()

	waitFor(t, func() bool { return len(rejecting.filters()) == 2 })

	err = pool2.Publish(
		context.Background(), &nostr.Event{ID: "resp2"},
	)
	require.ErrorIs(t, err, ErrNotDelivered)
}

// TestPoolInfoEventOnConnect asserts a fresh info event is published on
// every (re)connect.
func TestPoolInfoEventOnConnect(t *testing.T) {
	relay := newFakeRelay(t)

	pool := NewPool(Config{
		Label:     "test",
		Relays:    []string{relay.url()},
		WalletPub: "aabb",
		Since:     func() int64 { return 0 },
		InfoEvent: func() (*nostr.Event, error) {
			return &nostr.Event{
				ID:   "info1",
				Kind: nostr.KindWalletInfo,
			}, nil
		},
		OnEvent: func(*nostr.Event) {},
	})
	pool.Start()
	defer pool.Stop()

	waitFor(t, func() bool {
		events := relay.publishedEvents()
		return len(events) == 1 &&
			events[0].Kind == nostr.KindWalletInfo
	})
}

// TestPoolStopNeverConnected asserts Stop returns promptly even if no relay
// was ever reachable.
func TestPoolStopNeverConnected(t *testing.T) {
	pool := NewPool(Config{
		Label:     "test",
		Relays:    []string{"ws://127.0.0.1:1"},
		WalletPub: "aabb",
		Since:     func() int64 { return 0 },
		OnEvent:   func(*nostr.Event) {},
	})
	pool.Start()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}
