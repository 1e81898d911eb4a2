package nip47

import (
	"encoding/json"
)

// NIP-47 method names.
const (
	MethodPayInvoice       = "pay_invoice"
	MethodMultiPayInvoice  = "multi_pay_invoice"
	MethodPayKeysend       = "pay_keysend"
	MethodMultiPayKeysend  = "multi_pay_keysend"
	MethodMakeInvoice      = "make_invoice"
	MethodLookupInvoice    = "lookup_invoice"
	MethodListTransactions = "list_transactions"
	MethodGetBalance       = "get_balance"
	MethodGetInfo          = "get_info"
)

// Notification type names.
const (
	NotificationPaymentReceived = "payment_received"
	NotificationPaymentSent     = "payment_sent"
)

// Encryption scheme identifiers used in the event encryption tag and the
// info event.
const (
	SchemeNIP04 = "nip04"
	SchemeNIP44 = "nip44_v2"
)

// readMethods are available on every connection.
var readMethods = []string{
	MethodMakeInvoice,
	MethodLookupInvoice,
	MethodListTransactions,
	MethodGetBalance,
	MethodGetInfo,
}

// payMethods are withheld from receive-only connections.
var payMethods = []string{
	MethodPayInvoice,
	MethodMultiPayInvoice,
	MethodPayKeysend,
	MethodMultiPayKeysend,
}

// notificationTypes are advertised when notifications are enabled.
var notificationTypes = []string{
	NotificationPaymentReceived,
	NotificationPaymentSent,
}

// walletRequest is the decrypted content of a request event.
type walletRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// wireError is the error object of a response.
type wireError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// walletResponse is the content of a response event before encryption.
type walletResponse struct {
	ResultType string      `json:"result_type"`
	Error      *wireError  `json:"error"`
	Result     interface{} `json:"result"`
}

// walletNotification is the content of a notification event before
// encryption.
type walletNotification struct {
	NotificationType string      `json:"notification_type"`
	Notification     interface{} `json:"notification"`
}

// payInvoiceParams are the parameters of pay_invoice and of each
// multi_pay_invoice entry.
type payInvoiceParams struct {
	// ID correlates multi entry responses. Defaults to the invoice
	// payment hash.
	ID string `json:"id,omitempty"`

	// Invoice is the bolt11 or bolt12 invoice string.
	Invoice string `json:"invoice"`

	// Amount overrides the invoice amount in msat. Mandatory for
	// 0-amount invoices.
	Amount *uint64 `json:"amount,omitempty"`
}

type multiPayInvoiceParams struct {
	Invoices []payInvoiceParams `json:"invoices"`
}

// tlvRecord is a custom tlv entry of a keysend payment.
type tlvRecord struct {
	Type  uint64 `json:"type"`
	Value string `json:"value"`
}

// payKeysendParams are the parameters of pay_keysend and of each
// multi_pay_keysend entry.
type payKeysendParams struct {
	// ID correlates multi entry responses. Defaults to the destination
	// pubkey.
	ID string `json:"id,omitempty"`

	// Pubkey is the destination node id.
	Pubkey string `json:"pubkey"`

	// Amount is the amount to push in msat.
	Amount uint64 `json:"amount"`

	// Preimage is rejected: the node generates it itself.
	Preimage string `json:"preimage,omitempty"`

	// TLVRecords are custom tlv entries.
	TLVRecords []tlvRecord `json:"tlv_records,omitempty"`
}

type multiPayKeysendParams struct {
	Keysends []payKeysendParams `json:"keysends"`
}

type makeInvoiceParams struct {
	Amount          uint64  `json:"amount"`
	Description     string  `json:"description,omitempty"`
	DescriptionHash string  `json:"description_hash,omitempty"`
	Expiry          *uint64 `json:"expiry,omitempty"`
}

type lookupInvoiceParams struct {
	PaymentHash string `json:"payment_hash,omitempty"`
	Invoice     string `json:"invoice,omitempty"`
}

type listTransactionsParams struct {
	From   *int64  `json:"from,omitempty"`
	Until  *int64  `json:"until,omitempty"`
	Limit  *uint32 `json:"limit,omitempty"`
	Offset *uint32 `json:"offset,omitempty"`
	Unpaid *bool   `json:"unpaid,omitempty"`
	Type   *string `json:"type,omitempty"`
}

// payResponse is the result of pay_invoice and pay_keysend.
type payResponse struct {
	Preimage string `json:"preimage"`
	FeesPaid uint64 `json:"fees_paid"`
}

type balanceResponse struct {
	Balance uint64 `json:"balance"`
}

type infoResponse struct {
	Alias         string   `json:"alias"`
	Color         string   `json:"color"`
	Pubkey        string   `json:"pubkey"`
	Network       string   `json:"network"`
	BlockHeight   uint32   `json:"block_height"`
	Methods       []string `json:"methods"`
	Notifications []string `json:"notifications"`
}

// Transaction direction values.
const (
	txTypeIncoming = "incoming"
	txTypeOutgoing = "outgoing"
)

// Transaction state values.
const (
	txStateSettled = "settled"
	txStatePending = "pending"
	txStateFailed  = "failed"
	txStateExpired = "expired"
)

// Transaction is the shared shape of lookup_invoice results,
// list_transactions items and notification bodies.
type Transaction struct {
	Type            string  `json:"type"`
	State           string  `json:"state"`
	Invoice         string  `json:"invoice,omitempty"`
	Description     string  `json:"description,omitempty"`
	DescriptionHash string  `json:"description_hash,omitempty"`
	Preimage        string  `json:"preimage,omitempty"`
	PaymentHash     string  `json:"payment_hash"`
	Amount          uint64  `json:"amount"`
	FeesPaid        uint64  `json:"fees_paid"`
	CreatedAt       int64   `json:"created_at"`
	ExpiresAt       *int64  `json:"expires_at,omitempty"`
	SettledAt       *int64  `json:"settled_at,omitempty"`
}

type listTransactionsResponse struct {
	Transactions []Transaction `json:"transactions"`
}

// infoEventContent is the plaintext content of a kind 13194 info event.
type infoEventContent struct {
	Methods       []string `json:"methods"`
	Notifications []string `json:"notifications,omitempty"`
	Encryptions   []string `json:"encryptions"`
}
