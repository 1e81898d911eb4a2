package cln

// Invoice status values reported by listinvoices.
const (
	InvoiceStatusUnpaid  = "unpaid"
	InvoiceStatusPaid    = "paid"
	InvoiceStatusExpired = "expired"
)

// Payment status values reported by listpays.
const (
	PayStatusPending  = "pending"
	PayStatusFailed   = "failed"
	PayStatusComplete = "complete"
)

// Decoded invoice type strings from the decode RPC.
const (
	DecodeTypeBolt11 = "bolt11 invoice"
	DecodeTypeBolt12 = "bolt12 invoice"
)

// NodeInfo is the subset of getinfo the wallet service exposes.
type NodeInfo struct {
	ID          string `json:"id"`
	Alias       string `json:"alias"`
	Color       string `json:"color"`
	Network     string `json:"network"`
	BlockHeight uint32 `json:"blockheight"`
	Version     string `json:"version"`
}

// DecodedInvoice is the subset of the decode response needed to route and
// validate pay and lookup requests. Bolt12 invoices report their fields
// under invoice_* keys.
type DecodedInvoice struct {
	Type  string `json:"type"`
	Valid bool   `json:"valid"`

	PaymentHash        string `json:"payment_hash"`
	InvoicePaymentHash string `json:"invoice_payment_hash"`

	AmountMsat        *uint64 `json:"amount_msat"`
	InvoiceAmountMsat *uint64 `json:"invoice_amount_msat"`

	CreatedAt        *int64 `json:"created_at"`
	InvoiceCreatedAt *int64 `json:"invoice_created_at"`

	Expiry                *int64 `json:"expiry"`
	InvoiceRelativeExpiry *int64 `json:"invoice_relative_expiry"`

	Description      *string `json:"description"`
	OfferDescription *string `json:"offer_description"`
	DescriptionHash  *string `json:"description_hash"`
}

// Bolt12 reports whether the decoded string is a bolt12 invoice.
func (d *DecodedInvoice) Bolt12() bool {
	return d.Type == DecodeTypeBolt12
}

// Hash returns the payment hash regardless of invoice generation.
func (d *DecodedInvoice) Hash() string {
	if d.Bolt12() {
		return d.InvoicePaymentHash
	}

	return d.PaymentHash
}

// Amount returns the invoice amount in msat, or nil for a 0-amount invoice.
func (d *DecodedInvoice) Amount() *uint64 {
	if d.Bolt12() {
		return d.InvoiceAmountMsat
	}

	return d.AmountMsat
}

// InvoiceCreated returns the creation time of the invoice.
func (d *DecodedInvoice) InvoiceCreated() int64 {
	created := d.CreatedAt
	if d.Bolt12() {
		created = d.InvoiceCreatedAt
	}
	if created == nil {
		return 0
	}

	return *created
}

// ExpiresAt returns the absolute expiry time, or nil if the invoice does
// not carry one.
func (d *DecodedInvoice) ExpiresAt() *int64 {
	relative := d.Expiry
	if d.Bolt12() {
		relative = d.InvoiceRelativeExpiry
	}
	if relative == nil {
		return nil
	}

	expiry := d.InvoiceCreated() + *relative

	return &expiry
}

// Desc returns the description, preferring the offer description for
// bolt12.
func (d *DecodedInvoice) Desc() *string {
	if d.Bolt12() {
		return d.OfferDescription
	}

	return d.Description
}

// PayRequest drives a pay or xpay call.
type PayRequest struct {
	// Invoice is the bolt11 or bolt12 invoice string.
	Invoice string

	// AmountMsat overrides the invoice amount. Mandatory for 0-amount
	// invoices.
	AmountMsat *uint64

	// MaxFeeMsat caps the routing fee.
	MaxFeeMsat *uint64

	// RetryForSecs bounds how long the node keeps retrying routes.
	RetryForSecs *uint32
}

// KeysendRequest drives a keysend call.
type KeysendRequest struct {
	// Destination is the hex node id to pay.
	Destination string

	// AmountMsat is the amount to push.
	AmountMsat uint64

	// ExtraTLVs carries custom tlv records, keyed by type.
	ExtraTLVs map[uint64]string
}

// PayResult is the outcome of a successful pay, xpay or keysend.
type PayResult struct {
	PaymentHash    string  `json:"payment_hash"`
	Preimage       string  `json:"payment_preimage"`
	AmountMsat     *uint64 `json:"amount_msat"`
	AmountSentMsat uint64  `json:"amount_sent_msat"`
}

// FeesPaidMsat returns the routing fee of the payment.
func (p *PayResult) FeesPaidMsat() uint64 {
	if p.AmountMsat == nil || p.AmountSentMsat < *p.AmountMsat {
		return 0
	}

	return p.AmountSentMsat - *p.AmountMsat
}

// InvoiceRequest drives an invoice call.
type InvoiceRequest struct {
	// AmountMsat is the invoice amount. Zero creates an "any" amount
	// invoice.
	AmountMsat uint64

	// Label is the node-unique invoice label.
	Label string

	// Description is the invoice description.
	Description string

	// DescHashOnly commits only the description hash into the invoice.
	DescHashOnly bool

	// ExpirySecs overrides the default invoice expiry.
	ExpirySecs *uint64
}

// InvoiceResult is the outcome of an invoice call.
type InvoiceResult struct {
	Bolt11      string `json:"bolt11"`
	PaymentHash string `json:"payment_hash"`
	ExpiresAt   int64  `json:"expires_at"`
}

// Invoice is a single entry of listinvoices or waitanyinvoice. All fields
// except the payment hash and status can be absent.
type Invoice struct {
	Label              string  `json:"label"`
	Bolt11             *string `json:"bolt11"`
	Bolt12             *string `json:"bolt12"`
	PaymentHash        string  `json:"payment_hash"`
	Status             string  `json:"status"`
	Description        *string `json:"description"`
	AmountMsat         *uint64 `json:"amount_msat"`
	AmountReceivedMsat *uint64 `json:"amount_received_msat"`
	ExpiresAt          int64   `json:"expires_at"`
	PaidAt             *int64  `json:"paid_at"`
	PaymentPreimage    *string `json:"payment_preimage"`
	PayIndex           *uint64 `json:"pay_index"`
}

// Invstring returns the invoice string of either generation, or an empty
// string if the record carries none.
func (i *Invoice) Invstring() string {
	if i.Bolt11 != nil {
		return *i.Bolt11
	}
	if i.Bolt12 != nil {
		return *i.Bolt12
	}

	return ""
}

// Pay is a single entry of listpays. Older payments can miss both invoice
// strings and even the amount; those are treated as opaque payments keyed
// by their payment hash.
type Pay struct {
	PaymentHash    string  `json:"payment_hash"`
	Status         string  `json:"status"`
	Bolt11         *string `json:"bolt11"`
	Bolt12         *string `json:"bolt12"`
	Destination    *string `json:"destination"`
	Description    *string `json:"description"`
	AmountMsat     *uint64 `json:"amount_msat"`
	AmountSentMsat *uint64 `json:"amount_sent_msat"`
	CreatedAt      int64   `json:"created_at"`
	CompletedAt    *int64  `json:"completed_at"`
	Preimage       *string `json:"preimage"`
}

// Invstring returns the invoice string of either generation, or an empty
// string if the record carries none.
func (p *Pay) Invstring() string {
	if p.Bolt11 != nil {
		return *p.Bolt11
	}
	if p.Bolt12 != nil {
		return *p.Bolt12
	}

	return ""
}

// Channel is a single entry of listpeerchannels, reduced to what the
// balance computation needs.
type Channel struct {
	State         string  `json:"state"`
	SpendableMsat *uint64 `json:"spendable_msat"`
}

// Channel states counted as spendable.
const (
	ChannelStateNormal         = "CHANNELD_NORMAL"
	ChannelStateAwaitingSplice = "CHANNELD_AWAITING_SPLICE"
)

// SendpayResult is the payload of a sendpay_success or sendpay_failure
// node notification.
type SendpayResult struct {
	PaymentHash     string  `json:"payment_hash"`
	Status          string  `json:"status"`
	AmountMsat      *uint64 `json:"amount_msat"`
	AmountSentMsat  *uint64 `json:"amount_sent_msat"`
	PaymentPreimage *string `json:"payment_preimage"`
}
