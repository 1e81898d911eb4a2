// Package cln talks to a Core Lightning node: a JSON-RPC client for the
// lightning-rpc unix socket, a plugin host for the stdio plugin protocol and
// a typed adapter exposing the node operations the wallet service needs.
package cln

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// RPCError is an error returned by the node for a single RPC call.
type RPCError struct {
	// Code is the CLN error code, e.g. 205 for a failed payment.
	Code int `json:"code"`

	// Message is the human readable error.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client is a JSON-RPC 2.0 client for the lightning-rpc unix socket. Calls
// are serialized; the node answers requests in order on this transport. A
// call holds the connection for its full round trip, so long-poll calls
// like waitanyinvoice need their own dedicated Client to not stall every
// other caller behind them.
type Client struct {
	conn net.Conn
	dec  *json.Decoder
	enc  *json.Encoder

	// mu serializes calls so responses can be matched to requests
	// without an id demultiplexer.
	mu sync.Mutex

	nextID uint64
}

// Dial connects to the lightning-rpc socket at the given path.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial lightning-rpc: %w", err)
	}

	return NewClient(conn), nil
}

// NewClient wraps an established connection. Exposed so tests can drive the
// client over a pipe.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn: conn,
		dec:  json.NewDecoder(conn),
		enc:  json.NewEncoder(conn),
	}
}

// request is the JSON-RPC request envelope.
type request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// response is the JSON-RPC response envelope.
type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Call invokes a single RPC method and unmarshals the result into result if
// it is non-nil. The context deadline is applied to the underlying
// connection for the duration of the call.
func (c *Client) Call(ctx context.Context, method string, params,
	result interface{}) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	defer c.conn.SetDeadline(time.Time{})

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return err
		}
	}

	// A canceled context unblocks the pending read by expiring the
	// connection deadline, long-poll calls like waitanyinvoice depend
	// on this to shut down.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	c.nextID++
	id := c.nextID

	if params == nil {
		params = struct{}{}
	}
	err := c.enc.Encode(&request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	var resp response
	if err := c.dec.Decode(&resp); err != nil {
		return fmt.Errorf("recv %s: %w", method, err)
	}
	if resp.ID != id {
		return fmt.Errorf("recv %s: unexpected response id %d",
			method, resp.ID)
	}
	if resp.Error != nil {
		return resp.Error
	}

	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}

	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Caller is the call surface the typed node adapter runs on. Satisfied by
// Client and by test fakes.
type Caller interface {
	Call(ctx context.Context, method string, params,
		result interface{}) error
}
