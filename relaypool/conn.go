package relaypool

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lightninglabs/nip47/nostr"
)

// Reconnect backoff bounds. The delay starts at backoffInitial, doubles up
// to backoffMax and carries +-20% jitter.
const (
	backoffInitial = time.Second
	backoffMax     = 60 * time.Second
	backoffJitter  = 0.2
)

// subID is the subscription id used on every relay. One pool holds exactly
// one subscription per relay, so a fixed id is unambiguous.
const subID = "nip47"

// errNotConnected is returned when publishing while the socket is down.
var errNotConnected = errors.New("relay not connected")

// relayConn supervises the connection to a single relay.
type relayConn struct {
	pool *Pool
	url  string

	// mu guards conn and acks.
	mu   sync.Mutex
	conn *websocket.Conn

	// writeMu serializes frames onto the socket.
	writeMu sync.Mutex

	// acks routes OK messages to in-flight publishes by event id.
	acks map[string]chan bool
}

func newRelayConn(pool *Pool, url string) *relayConn {
	return &relayConn{
		pool: pool,
		url:  url,
		acks: make(map[string]chan bool),
	}
}

// run is the supervisor loop: connect, subscribe, read until the connection
// drops, back off, repeat. It exits when the pool shuts down.
func (rc *relayConn) run() {
	backoff := backoffInitial

	for {
		select {
		case <-rc.pool.quit:
			return
		default:
		}

		err := rc.connectAndRead()
		if err != nil {
			log.Debugf("Relay %v for %v: %v", rc.url,
				rc.pool.cfg.Label, err)
		}

		select {
		case <-rc.pool.quit:
			return
		case <-time.After(jittered(backoff)):
		}

		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// jittered applies +-20% jitter to a delay.
func jittered(delay time.Duration) time.Duration {
	factor := 1 + backoffJitter*(2*rand.Float64()-1)

	return time.Duration(float64(delay) * factor)
}

// connectAndRead dials the relay, publishes the info event, installs the
// request subscription and then consumes messages until the connection
// breaks or the pool stops.
func (rc *relayConn) connectAndRead() error {
	dialCtx, cancel := context.WithTimeout(
		context.Background(), rc.pool.cfg.DialTimeout,
	)
	conn, _, err := websocket.DefaultDialer.DialContext(
		dialCtx, rc.url, nil,
	)
	cancel()
	if err != nil {
		return err
	}

	rc.mu.Lock()
	rc.conn = conn
	rc.mu.Unlock()

	defer func() {
		rc.mu.Lock()
		rc.conn = nil
		for _, ack := range rc.acks {
			close(ack)
		}
		rc.acks = make(map[string]chan bool)
		rc.mu.Unlock()

		conn.Close()
	}()

	// Close the socket when the pool stops so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-rc.pool.quit:
			conn.Close()
		case <-done:
		}
	}()

	log.Debugf("Connected to relay %v for %v", rc.url,
		rc.pool.cfg.Label)

	if rc.pool.cfg.InfoEvent != nil {
		infoEvent, err := rc.pool.cfg.InfoEvent()
		if err != nil {
			return err
		}
		err = rc.writeJSON([]interface{}{"EVENT", infoEvent})
		if err != nil {
			return err
		}
	}

	err = rc.writeJSON([]interface{}{
		"REQ", subID, map[string]interface{}{
			"kinds": []int{nostr.KindWalletRequest},
			"#p":    []string{rc.pool.cfg.WalletPub},
			"since": rc.pool.cfg.Since(),
		},
	})
	if err != nil {
		return err
	}

	return rc.readLoop(conn)
}

// readLoop dispatches relay messages until the connection errors out.
func (rc *relayConn) readLoop(conn *websocket.Conn) error {
	for {
		var msg []json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if len(msg) < 2 {
			continue
		}

		var msgType string
		if err := json.Unmarshal(msg[0], &msgType); err != nil {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}

			var event nostr.Event
			if err := json.Unmarshal(msg[2], &event); err != nil {
				log.Debugf("Relay %v sent a broken event: %v",
					rc.url, err)
				continue
			}

			rc.pool.cfg.OnEvent(&event)

		case "OK":
			if len(msg) < 3 {
				continue
			}

			var (
				eventID  string
				accepted bool
			)
			if err := json.Unmarshal(msg[1], &eventID); err != nil {
				continue
			}
			if err := json.Unmarshal(msg[2], &accepted); err != nil {
				continue
			}

			rc.mu.Lock()
			ack, ok := rc.acks[eventID]
			if ok {
				delete(rc.acks, eventID)
			}
			rc.mu.Unlock()

			if ok {
				ack <- accepted
				close(ack)
			}

		case "CLOSED":
			// The relay dropped our subscription, reconnect to
			// install a fresh one.
			return errors.New("subscription closed by relay")

		case "NOTICE":
			var notice string
			if err := json.Unmarshal(msg[1], &notice); err == nil {
				log.Debugf("Notice from %v: %v", rc.url,
					notice)
			}

		case "EOSE":
			// Stored events have been replayed, nothing to do.
		}
	}
}

// writeJSON writes one frame under the write lock.
func (rc *relayConn) writeJSON(v interface{}) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()

	if conn == nil {
		return errNotConnected
	}

	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(rc.pool.cfg.PublishTimeout))
	defer conn.SetWriteDeadline(time.Time{})

	return conn.WriteJSON(v)
}

// publish writes the event and waits for the relay's OK.
func (rc *relayConn) publish(ctx context.Context,
	event *nostr.Event) error {

	ack := make(chan bool, 1)

	rc.mu.Lock()
	if rc.conn == nil {
		rc.mu.Unlock()
		return errNotConnected
	}
	rc.acks[event.ID] = ack
	rc.mu.Unlock()

	defer func() {
		rc.mu.Lock()
		delete(rc.acks, event.ID)
		rc.mu.Unlock()
	}()

	if err := rc.writeJSON([]interface{}{"EVENT", event}); err != nil {
		return err
	}

	select {
	case accepted, ok := <-ack:
		if !ok {
			return errNotConnected
		}
		if !accepted {
			return errors.New("relay rejected event")
		}
		return nil

	case <-ctx.Done():
		return ctx.Err()

	case <-time.After(rc.pool.cfg.PublishTimeout):
		return errors.New("timeout waiting for relay ack")
	}
}
