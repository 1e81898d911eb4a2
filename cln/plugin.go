package cln

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Option describes a single plugin option offered to the node config.
type Option struct {
	// Name is the option name, e.g. "nip47-relays".
	Name string `json:"name"`

	// Type is the option type: string, bool, int or flag.
	Type string `json:"type"`

	// Default is the default value, omitted when nil.
	Default interface{} `json:"default,omitempty"`

	// Description is shown in the node's help output.
	Description string `json:"description"`

	// Multi marks the option as repeatable.
	Multi bool `json:"multi,omitempty"`
}

// Method is a plugin-registered RPC method.
type Method struct {
	// Name is the command name registered with the node.
	Name string `json:"name"`

	// Usage is the positional parameter hint.
	Usage string `json:"usage"`

	// Description is shown in the node's help output.
	Description string `json:"description"`
}

// MethodHandler handles one plugin RPC method invocation. The returned
// value is serialized as the call result.
type MethodHandler func(ctx context.Context,
	params json.RawMessage) (interface{}, error)

// SubscriptionHandler handles one node notification delivered to a plugin
// subscription.
type SubscriptionHandler func(ctx context.Context, payload json.RawMessage)

// PluginConfig is the static plugin description sent in the manifest.
type PluginConfig struct {
	Options       []Option
	Methods       []Method
	Subscriptions []string
	Dynamic       bool
}

// InitInfo carries what the node told us during the init handshake.
type InitInfo struct {
	// LightningDir is the node's network-level data directory.
	LightningDir string

	// RPCFile is the lightning-rpc socket file name.
	RPCFile string

	// Options holds the raw configured option values by name.
	Options map[string]json.RawMessage
}

// SocketPath returns the full path of the lightning-rpc socket.
func (i *InitInfo) SocketPath() string {
	return i.LightningDir + "/" + i.RPCFile
}

// StringOption decodes a string option value.
func (i *InitInfo) StringOption(name string) (string, error) {
	raw, ok := i.Options[name]
	if !ok {
		return "", nil
	}

	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", fmt.Errorf("option %s: %w", name, err)
	}

	return value, nil
}

// StringsOption decodes a repeatable string option value. Single values are
// accepted as a one element list.
func (i *InitInfo) StringsOption(name string) ([]string, error) {
	raw, ok := i.Options[name]
	if !ok {
		return nil, nil
	}

	var values []string
	if err := json.Unmarshal(raw, &values); err == nil {
		return values, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("option %s: %w", name, err)
	}

	return []string{single}, nil
}

// BoolOption decodes a bool option value, falling back to the given default
// when the option was not configured.
func (i *InitInfo) BoolOption(name string, defaultValue bool) (bool, error) {
	raw, ok := i.Options[name]
	if !ok {
		return defaultValue, nil
	}

	var value bool
	if err := json.Unmarshal(raw, &value); err == nil {
		return value, nil
	}

	// The node hands some bool options through as strings.
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return false, fmt.Errorf("option %s: %w", name, err)
	}

	return strings.EqualFold(text, "true"), nil
}

// Plugin speaks the Core Lightning plugin protocol on a stdin/stdout pair:
// it answers the getmanifest and init handshakes, dispatches registered
// method calls and fans node notifications out to subscription handlers.
type Plugin struct {
	cfg PluginConfig

	dec *json.Decoder

	// outMu serializes writes to the node, responses and log
	// notifications interleave on the same pipe.
	outMu sync.Mutex
	out   *json.Encoder

	methods map[string]MethodHandler
	subs    map[string]SubscriptionHandler

	// onInit is invoked after a successful init handshake.
	onInit func(ctx context.Context, info *InitInfo) error

	wg sync.WaitGroup
}

// NewPlugin creates a plugin host over the given pipes.
func NewPlugin(cfg PluginConfig, in io.Reader, out io.Writer) *Plugin {
	return &Plugin{
		cfg:     cfg,
		dec:     json.NewDecoder(in),
		out:     json.NewEncoder(out),
		methods: make(map[string]MethodHandler),
		subs:    make(map[string]SubscriptionHandler),
	}
}

// HandleMethod registers the handler for a method named in the manifest.
func (p *Plugin) HandleMethod(name string, handler MethodHandler) {
	p.methods[name] = handler
}

// HandleSubscription registers the handler for a subscribed notification.
func (p *Plugin) HandleSubscription(topic string,
	handler SubscriptionHandler) {

	p.subs[topic] = handler
}

// OnInit registers the startup hook, called once init has been received. A
// returned error disables the plugin.
func (p *Plugin) OnInit(hook func(ctx context.Context,
	info *InitInfo) error) {

	p.onInit = hook
}

// pluginRequest is an incoming envelope from the node. Requests without an
// id are notifications.
type pluginRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Run processes the node's requests until the context is canceled or stdin
// closes. Method handlers run in their own goroutine so a slow payment does
// not block the notification stream.
func (p *Plugin) Run(ctx context.Context) error {
	defer p.wg.Wait()

	for {
		var req pluginRequest
		if err := p.dec.Decode(&req); err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("plugin stdin: %w", err)
		}

		switch {
		case req.Method == "getmanifest":
			p.respond(req.ID, p.manifest(), nil)

		case req.Method == "init":
			p.handleInit(ctx, &req)

		case len(req.ID) == 0:
			handler, ok := p.subs[req.Method]
			if !ok {
				continue
			}
			p.wg.Add(1)
			go func(params json.RawMessage) {
				defer p.wg.Done()
				handler(ctx, params)
			}(req.Params)

		default:
			handler, ok := p.methods[req.Method]
			if !ok {
				p.respond(req.ID, nil, fmt.Errorf(
					"unknown method %s", req.Method,
				))
				continue
			}
			p.wg.Add(1)
			go func(req pluginRequest) {
				defer p.wg.Done()
				result, err := handler(ctx, req.Params)
				p.respond(req.ID, result, err)
			}(req)
		}
	}
}

// manifest builds the getmanifest response.
func (p *Plugin) manifest() interface{} {
	options := p.cfg.Options
	if options == nil {
		options = []Option{}
	}
	methods := p.cfg.Methods
	if methods == nil {
		methods = []Method{}
	}
	subscriptions := p.cfg.Subscriptions
	if subscriptions == nil {
		subscriptions = []string{}
	}

	return struct {
		Options       []Option `json:"options"`
		RPCMethods    []Method `json:"rpcmethods"`
		Subscriptions []string `json:"subscriptions"`
		Dynamic       bool     `json:"dynamic"`
	}{
		Options:       options,
		RPCMethods:    methods,
		Subscriptions: subscriptions,
		Dynamic:       p.cfg.Dynamic,
	}
}

// handleInit decodes the init params, runs the startup hook and replies. A
// failing hook reports a disabled plugin to the node instead of an error.
func (p *Plugin) handleInit(ctx context.Context, req *pluginRequest) {
	var params struct {
		Options       map[string]json.RawMessage `json:"options"`
		Configuration struct {
			LightningDir string `json:"lightning-dir"`
			RPCFile      string `json:"rpc-file"`
		} `json:"configuration"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		p.respond(req.ID, nil, fmt.Errorf("bad init params: %w", err))
		return
	}

	info := &InitInfo{
		LightningDir: params.Configuration.LightningDir,
		RPCFile:      params.Configuration.RPCFile,
		Options:      params.Options,
	}

	if p.onInit != nil {
		if err := p.onInit(ctx, info); err != nil {
			p.respond(req.ID, struct {
				Disable string `json:"disable"`
			}{Disable: err.Error()}, nil)
			return
		}
	}

	p.respond(req.ID, struct{}{}, nil)
}

// respond writes a single response envelope to the node.
func (p *Plugin) respond(id json.RawMessage, result interface{}, err error) {
	p.outMu.Lock()
	defer p.outMu.Unlock()

	envelope := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  interface{}     `json:"result,omitempty"`
		Error   *RPCError       `json:"error,omitempty"`
	}{
		JSONRPC: "2.0",
		ID:      id,
	}
	if err != nil {
		envelope.Error = &RPCError{Code: -1, Message: err.Error()}
	} else {
		envelope.Result = result
	}

	if encErr := p.out.Encode(&envelope); encErr != nil {
		log.Errorf("Could not write plugin response: %v", encErr)
	}
}

// Log sends a log notification to the node, which merges it into its own
// log stream.
func (p *Plugin) Log(level, message string) {
	p.outMu.Lock()
	defer p.outMu.Unlock()

	envelope := struct {
		JSONRPC string      `json:"jsonrpc"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params"`
	}{
		JSONRPC: "2.0",
		Method:  "log",
		Params: struct {
			Level   string `json:"level"`
			Message string `json:"message"`
		}{Level: level, Message: message},
	}

	// Nothing sensible to do on a broken pipe here, the node is gone.
	_ = p.out.Encode(&envelope)
}

// LogWriter adapts the plugin log notification stream to an io.Writer so it
// can back a btclog backend.
type LogWriter struct {
	// Plugin is the host to write through.
	Plugin *Plugin
}

// Write forwards one log line to the node at info level.
func (w *LogWriter) Write(line []byte) (int, error) {
	message := strings.TrimRight(string(line), "\n")
	for _, part := range strings.Split(message, "\n") {
		w.Plugin.Log("info", part)
	}

	return len(line), nil
}
