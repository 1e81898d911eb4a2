package nip47

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lightninglabs/nip47/cln"
	"github.com/lightninglabs/nip47/nip47db"
	"github.com/lightninglabs/nip47/nostr"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// payDeadline bounds a whole pay_invoice, pay_keysend or multi
	// variant request; all entries of a multi request share it.
	payDeadline = 60 * time.Second

	// queryDeadline bounds all other methods.
	queryDeadline = 5 * time.Second

	// multiPayPause is the pacing between entries of a multi payment.
	multiPayPause = 100 * time.Millisecond

	// maxResponseBytes caps the encoded list_transactions content.
	// Larger responses break common wallet clients, so trailing items
	// are dropped until the content fits.
	maxResponseBytes = 128 * 1024
)

// publisher is the outbound surface the dispatcher needs from a relay pool.
type publisher interface {
	Publish(ctx context.Context, event *nostr.Event) error
}

// DispatcherConfig holds the dispatcher dependencies.
type DispatcherConfig struct {
	// Lightning is the node adapter.
	Lightning LightningClient

	// Budget enforces the per-connection envelope.
	Budget *BudgetEngine

	// Correlator records outbound payments for notification matching.
	Correlator *Correlator

	// Clock is the time source.
	Clock clock.Clock
}

// Dispatcher is the NIP-47 method state machine: it authenticates and
// decrypts request events, executes the requested method against the node
// and publishes encrypted, signed responses.
type Dispatcher struct {
	cfg DispatcherConfig
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{cfg: cfg}
}

// response pairs a response body with the multi entry id it belongs to. A
// response without an entry id gets no d tag.
type response struct {
	body    walletResponse
	entryID string
}

// errorResponse builds a single error response.
func errorResponse(method string, wireErr *Error, entryID string) response {
	return response{
		body: walletResponse{
			ResultType: method,
			Error: &wireError{
				Code:    wireErr.Code,
				Message: wireErr.Message,
			},
		},
		entryID: entryID,
	}
}

// resultResponse builds a single success response.
func resultResponse(method string, result interface{},
	entryID string) response {

	return response{
		body: walletResponse{
			ResultType: method,
			Result:     result,
		},
		entryID: entryID,
	}
}

// HandleEvent processes one forwarded request event for a connection and
// publishes the response events through the given pool. Authentication and
// decryption failures drop the event silently, everything else produces an
// encrypted error response.
func (d *Dispatcher) HandleEvent(ctx context.Context,
	conn *nip47db.Connection, pool publisher, event *nostr.Event) {

	connLog := &ConnLog{Logger: log, Label: conn.Label}

	// Requests must come from the connection's client key and carry a
	// valid signature. Anything else is noise on the relay.
	if event.PubKey != conn.ClientKeyPublic {
		connLog.Debugf("Dropping event %v from foreign author",
			event.ID)
		return
	}
	if err := event.Verify(); err != nil {
		connLog.Debugf("Dropping event %v: %v", event.ID, err)
		return
	}

	walletKey, err := nostr.KeypairFromSecretHex(conn.WalletKeySecret)
	if err != nil {
		connLog.Errorf("Unusable wallet key: %v", err)
		return
	}

	scheme := SchemeNIP04
	if event.TagValue("encryption") == SchemeNIP44 {
		scheme = SchemeNIP44
	}

	content, err := decrypt(
		scheme, walletKey, conn.ClientKeyPublic, event.Content,
	)
	if err != nil {
		connLog.Debugf("Dropping event %v, decrypt failed: %v",
			event.ID, err)
		return
	}

	var responses []response

	var request walletRequest
	if err := json.Unmarshal([]byte(content), &request); err != nil {
		connLog.Debugf("Malformed request in event %v: %v", event.ID,
			err)

		responses = []response{errorResponse(
			"", newError(CodeOther, "malformed request: %v", err),
			"",
		)}
	} else {
		connLog.Debugf("Handling %v request from event %v",
			request.Method, event.ID)

		responses = d.dispatch(ctx, conn, event, &request)
	}

	for _, resp := range responses {
		err := d.publishResponse(
			ctx, pool, walletKey, conn.ClientKeyPublic, scheme,
			event.ID, resp,
		)
		if err != nil {
			connLog.Warnf("Could not publish response for "+
				"event %v: %v", event.ID, err)
		}
	}
}

// dispatch routes a parsed request to its method handler under the method
// deadline.
func (d *Dispatcher) dispatch(ctx context.Context,
	conn *nip47db.Connection, event *nostr.Event,
	request *walletRequest) []response {

	deadline := queryDeadline

	switch request.Method {
	case MethodPayInvoice, MethodMultiPayInvoice, MethodPayKeysend,
		MethodMultiPayKeysend:

		deadline = payDeadline
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var responses []response

	switch request.Method {
	case MethodPayInvoice:
		var params payInvoiceParams
		responses = withParams(request, &params, func() []response {
			result, entryID, err := d.payInvoice(
				ctx, conn, event.ID, &params,
			)
			return single(request.Method, result, entryID, err)
		})

	case MethodMultiPayInvoice:
		var params multiPayInvoiceParams
		responses = withParams(request, &params, func() []response {
			var out []response
			for i, entry := range params.Invoices {
				if i > 0 {
					if !pause(ctx, multiPayPause) {
						break
					}
				}

				entry := entry
				result, entryID, err := d.payInvoice(
					ctx, conn, event.ID, &entry,
				)
				out = append(out, single(
					request.Method, result, entryID, err,
				)...)
			}
			return out
		})

	case MethodPayKeysend:
		var params payKeysendParams
		responses = withParams(request, &params, func() []response {
			result, entryID, err := d.payKeysend(
				ctx, conn, event.ID, &params,
			)
			return single(request.Method, result, entryID, err)
		})

	case MethodMultiPayKeysend:
		var params multiPayKeysendParams
		responses = withParams(request, &params, func() []response {
			var out []response
			for i, entry := range params.Keysends {
				if i > 0 {
					if !pause(ctx, multiPayPause) {
						break
					}
				}

				entry := entry
				result, entryID, err := d.payKeysend(
					ctx, conn, event.ID, &entry,
				)
				out = append(out, single(
					request.Method, result, entryID, err,
				)...)
			}
			return out
		})

	case MethodMakeInvoice:
		var params makeInvoiceParams
		responses = withParams(request, &params, func() []response {
			result, err := d.makeInvoice(ctx, &params)
			return single(request.Method, result, "", err)
		})

	case MethodLookupInvoice:
		var params lookupInvoiceParams
		responses = withParams(request, &params, func() []response {
			result, err := d.lookupInvoice(ctx, &params)
			return single(request.Method, result, "", err)
		})

	case MethodListTransactions:
		var params listTransactionsParams
		responses = withParams(request, &params, func() []response {
			result, err := d.listTransactions(ctx, &params)
			return single(request.Method, result, "", err)
		})

	case MethodGetBalance:
		result, err := d.getBalance(ctx, conn)
		responses = single(request.Method, result, "", err)

	case MethodGetInfo:
		result, err := d.getInfo(ctx, conn)
		responses = single(request.Method, result, "", err)

	default:
		responses = []response{errorResponse(
			request.Method, newError(
				CodeNotImplemented, "unknown method %v",
				request.Method,
			), "",
		)}
	}

	return responses
}

// withParams decodes the request params into target and runs the handler,
// short-circuiting to an OTHER error on malformed params.
func withParams(request *walletRequest, target interface{},
	handler func() []response) []response {

	params := request.Params
	if len(params) == 0 {
		params = []byte("{}")
	}
	if err := json.Unmarshal(params, target); err != nil {
		return []response{errorResponse(
			request.Method, newError(
				CodeOther, "invalid params: %v", err,
			), "",
		)}
	}

	return handler()
}

// single wraps one handler outcome into a response list, mapping deadline
// errors to TIMEOUT and everything else through the taxonomy.
func single(method string, result interface{}, entryID string,
	err error) []response {

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return []response{errorResponse(
				method, newError(
					CodeTimeout, "method deadline "+
						"exceeded",
				), entryID,
			)}
		}

		return []response{errorResponse(
			method, toWireError(err), entryID,
		)}
	}

	return []response{resultResponse(method, result, entryID)}
}

// toWireError maps handler errors, including node RPC errors, to the wire
// taxonomy.
func toWireError(err error) *Error {
	var rpcErr *cln.RPCError
	if errors.As(err, &rpcErr) {
		return mapRPCError(rpcErr)
	}

	return classifyError(err)
}

// mapRPCError translates CLN pay family error codes.
func mapRPCError(rpcErr *cln.RPCError) *Error {
	switch rpcErr.Code {
	// Unparseable or already-paid invoices, bad parameters.
	case 201, 207, 219:
		return newError(CodeOther, "%v", rpcErr.Message)

	// Terminal routing and payment failures.
	case 203, 205, 209, 210:
		return newError(CodePaymentFailed, "%v", rpcErr.Message)

	// Insufficient capacity.
	case 206:
		return newError(CodeInsufficientBalance, "%v",
			rpcErr.Message)

	default:
		return newError(CodeInternal, "%v", rpcErr.Message)
	}
}

// pause sleeps for the given duration unless the context ends first. It
// reports whether the caller should continue.
func pause(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// decrypt opens a request content with the scheme the client used.
func decrypt(scheme string, walletKey *nostr.Keypair, clientPub,
	content string) (string, error) {

	if scheme == SchemeNIP44 {
		return nostr.NIP44Decrypt(walletKey, clientPub, content)
	}

	return nostr.NIP04Decrypt(walletKey, clientPub, content)
}

// encrypt seals a response content with the same scheme the request used.
func encrypt(scheme string, walletKey *nostr.Keypair, clientPub,
	content string) (string, error) {

	if scheme == SchemeNIP44 {
		return nostr.NIP44Encrypt(walletKey, clientPub, content)
	}

	return nostr.NIP04Encrypt(walletKey, clientPub, content)
}

// publishResponse seals, signs and publishes a single response event.
func (d *Dispatcher) publishResponse(ctx context.Context, pool publisher,
	walletKey *nostr.Keypair, clientPub, scheme, requestID string,
	resp response) error {

	raw, err := json.Marshal(&resp.body)
	if err != nil {
		return err
	}

	content, err := encrypt(scheme, walletKey, clientPub, string(raw))
	if err != nil {
		return err
	}

	tags := []nostr.Tag{
		{"p", clientPub},
		{"e", requestID},
	}
	if resp.entryID != "" {
		tags = append(tags, nostr.Tag{"d", resp.entryID})
	}

	responseEvent := &nostr.Event{
		CreatedAt: d.cfg.Clock.Now().Unix(),
		Kind:      nostr.KindWalletResponse,
		Tags:      tags,
		Content:   content,
	}
	if err := responseEvent.Sign(walletKey); err != nil {
		return err
	}

	// Publishing runs on its own deadline: the method deadline may
	// already be spent by the time the response is ready. The parent
	// context still applies so a revoked connection publishes nothing.
	publishCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return pool.Publish(publishCtx, responseEvent)
}
