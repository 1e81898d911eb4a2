package nip47

import (
	"context"

	"github.com/lightninglabs/nip47/cln"
)

// LightningClient is the node capability surface the request handlers run
// against. The cln package provides the production implementation; tests
// substitute fakes.
type LightningClient interface {
	// GetInfo returns node identity and network information.
	GetInfo(ctx context.Context) (*cln.NodeInfo, error)

	// DecodeInvoice decodes a bolt11 or bolt12 invoice string.
	DecodeInvoice(ctx context.Context, invstring string) (
		*cln.DecodedInvoice, error)

	// PayInvoice pays an invoice, preferring xpay when the node
	// advertises it.
	PayInvoice(ctx context.Context, req cln.PayRequest) (*cln.PayResult,
		error)

	// Keysend pushes a spontaneous payment. The preimage is always
	// node generated.
	Keysend(ctx context.Context, req cln.KeysendRequest) (*cln.PayResult,
		error)

	// MakeInvoice creates an invoice.
	MakeInvoice(ctx context.Context, req cln.InvoiceRequest) (
		*cln.InvoiceResult, error)

	// ListInvoices lists incoming invoices, optionally filtered.
	ListInvoices(ctx context.Context, invstring, paymentHash,
		label string) ([]cln.Invoice, error)

	// ListPays lists outgoing payments, optionally filtered.
	ListPays(ctx context.Context, bolt11, paymentHash string) ([]cln.Pay,
		error)

	// SpendableMsat returns the total spendable channel balance.
	SpendableMsat(ctx context.Context) (uint64, error)

	// WaitAnyInvoice blocks until an invoice past the given pay index
	// is paid.
	WaitAnyInvoice(ctx context.Context, lastPayIndex uint64) (
		*cln.Invoice, error)
}
