package nip47

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/lightninglabs/nip47/cln"
	"github.com/lightninglabs/nip47/nip47db"
)

// payInvoice handles pay_invoice and one entry of multi_pay_invoice. The
// returned entry id defaults to the invoice payment hash.
func (d *Dispatcher) payInvoice(ctx context.Context,
	conn *nip47db.Connection, requestEventID string,
	params *payInvoiceParams) (*payResponse, string, error) {

	entryID := params.ID

	decoded, err := d.cfg.Lightning.DecodeInvoice(ctx, params.Invoice)
	if err != nil {
		return nil, entryID, newError(CodeOther, "%v: %v",
			ErrNotInvoice, err)
	}
	if !decoded.Valid ||
		(decoded.Type != cln.DecodeTypeBolt11 &&
			decoded.Type != cln.DecodeTypeBolt12) {

		return nil, entryID, ErrNotInvoice
	}

	if entryID == "" {
		entryID = decoded.Hash()
	}

	invoiceAmt := decoded.Amount()
	switch {
	// A 0-amount invoice needs the amount parameter.
	case invoiceAmt == nil && params.Amount == nil:
		return nil, entryID, newError(CodeOther,
			"amount required for a 0-amount invoice")

	// When both are given they must agree.
	case invoiceAmt != nil && params.Amount != nil &&
		*invoiceAmt != *params.Amount:

		return nil, entryID, newError(CodeOther,
			"amount of request and invoice differ")
	}

	var amountMsat uint64
	switch {
	case invoiceAmt != nil:
		amountMsat = *invoiceAmt
	case params.Amount != nil:
		amountMsat = *params.Amount
	}

	reservationID, err := d.cfg.Budget.Reserve(conn.Label, amountMsat)
	if err != nil {
		return nil, entryID, err
	}

	d.cfg.Correlator.TrackPayment(
		conn.Label, requestEventID, decoded.Hash(), params.Invoice,
		amountMsat,
	)

	payReq := cln.PayRequest{Invoice: params.Invoice}
	if invoiceAmt == nil {
		payReq.AmountMsat = params.Amount
	}

	result, err := d.cfg.Lightning.PayInvoice(ctx, payReq)
	if err != nil {
		d.cfg.Budget.Refund(reservationID)
		return nil, entryID, err
	}

	if err := d.cfg.Budget.Commit(
		reservationID, result.AmountSentMsat,
	); err != nil {
		return nil, entryID, err
	}

	return &payResponse{
		Preimage: result.Preimage,
		FeesPaid: result.FeesPaidMsat(),
	}, entryID, nil
}

// payKeysend handles pay_keysend and one entry of multi_pay_keysend. The
// returned entry id defaults to the destination pubkey.
func (d *Dispatcher) payKeysend(ctx context.Context,
	conn *nip47db.Connection, requestEventID string,
	params *payKeysendParams) (*payResponse, string, error) {

	entryID := params.ID
	if entryID == "" {
		entryID = params.Pubkey
	}

	// The preimage is always generated node side.
	if params.Preimage != "" {
		return nil, entryID, newError(CodeNotImplemented,
			"caller supplied preimages are not supported")
	}

	reservationID, err := d.cfg.Budget.Reserve(
		conn.Label, params.Amount,
	)
	if err != nil {
		return nil, entryID, err
	}

	// The payment hash only becomes known once the RPC returns, but the
	// node's sendpay lifecycle events can outrun that response. Mark the
	// keysend in flight so the notifier waits for the correlation before
	// deciding who a terminal event belongs to.
	d.cfg.Correlator.BeginKeysend()
	defer d.cfg.Correlator.EndKeysend()

	keysendReq := cln.KeysendRequest{
		Destination: params.Pubkey,
		AmountMsat:  params.Amount,
	}
	if len(params.TLVRecords) > 0 {
		keysendReq.ExtraTLVs = make(
			map[uint64]string, len(params.TLVRecords),
		)
		for _, record := range params.TLVRecords {
			keysendReq.ExtraTLVs[record.Type] = record.Value
		}
	}

	result, err := d.cfg.Lightning.Keysend(ctx, keysendReq)
	if err != nil {
		d.cfg.Budget.Refund(reservationID)
		return nil, entryID, err
	}

	d.cfg.Correlator.TrackPayment(
		conn.Label, requestEventID, result.PaymentHash, "",
		params.Amount,
	)

	if err := d.cfg.Budget.Commit(
		reservationID, result.AmountSentMsat,
	); err != nil {
		return nil, entryID, err
	}

	return &payResponse{
		Preimage: result.Preimage,
		FeesPaid: result.FeesPaidMsat(),
	}, entryID, nil
}

// makeInvoice handles make_invoice. A zero amount produces an "any" amount
// invoice.
func (d *Dispatcher) makeInvoice(ctx context.Context,
	params *makeInvoiceParams) (*Transaction, error) {

	descHashOnly := false
	if params.DescriptionHash != "" {
		if params.Description == "" {
			return nil, newError(CodeOther, "description "+
				"required when description_hash is given")
		}

		digest := sha256.Sum256([]byte(params.Description))
		if !strings.EqualFold(
			hex.EncodeToString(digest[:]),
			params.DescriptionHash,
		) {
			return nil, newError(CodeOther,
				"description_hash does not match description")
		}
		descHashOnly = true
	}

	description := params.Description
	if description == "" {
		description = "NWC invoice"
	}

	result, err := d.cfg.Lightning.MakeInvoice(ctx, cln.InvoiceRequest{
		AmountMsat:   params.Amount,
		Label:        fmt.Sprintf("nip47/%s", uuid.NewString()),
		Description:  description,
		DescHashOnly: descHashOnly,
		ExpirySecs:   params.Expiry,
	})
	if err != nil {
		return nil, err
	}

	expiresAt := result.ExpiresAt

	return &Transaction{
		Type:            txTypeIncoming,
		State:           txStatePending,
		Invoice:         result.Bolt11,
		Description:     params.Description,
		DescriptionHash: params.DescriptionHash,
		PaymentHash:     result.PaymentHash,
		Amount:          params.Amount,
		CreatedAt:       d.cfg.Clock.Now().Unix(),
		ExpiresAt:       &expiresAt,
	}, nil
}

// invoiceState maps a listinvoices status to a transaction state.
func invoiceState(status string) string {
	switch status {
	case cln.InvoiceStatusPaid:
		return txStateSettled
	case cln.InvoiceStatusExpired:
		return txStateExpired
	default:
		return txStatePending
	}
}

// payState maps a listpays status to a transaction state.
func payState(status string) string {
	switch status {
	case cln.PayStatusComplete:
		return txStateSettled
	case cln.PayStatusFailed:
		return txStateFailed
	default:
		return txStatePending
	}
}

// invoiceTransaction builds a transaction from an invoice record, decoding
// the invoice string for the fields listinvoices does not carry. Records
// without an invoice string are kept with what they have.
func invoiceTransaction(ctx context.Context, lightning LightningClient,
	invoice *cln.Invoice) Transaction {

	tx := Transaction{
		Type:        txTypeIncoming,
		State:       invoiceState(invoice.Status),
		Invoice:     invoice.Invstring(),
		PaymentHash: invoice.PaymentHash,
		SettledAt:   invoice.PaidAt,
	}
	if invoice.Description != nil {
		tx.Description = *invoice.Description
	}
	if invoice.AmountMsat != nil {
		tx.Amount = *invoice.AmountMsat
	}
	if invoice.PaymentPreimage != nil {
		tx.Preimage = *invoice.PaymentPreimage
	}
	if invoice.ExpiresAt != 0 {
		expiresAt := invoice.ExpiresAt
		tx.ExpiresAt = &expiresAt
	}

	if tx.Invoice == "" {
		return tx
	}

	decoded, err := lightning.DecodeInvoice(ctx, tx.Invoice)
	if err != nil || !decoded.Valid {
		return tx
	}

	tx.CreatedAt = decoded.InvoiceCreated()
	if desc := decoded.Desc(); desc != nil {
		tx.Description = *desc
	}
	if decoded.DescriptionHash != nil && !decoded.Bolt12() {
		tx.DescriptionHash = *decoded.DescriptionHash
	}
	if amount := decoded.Amount(); amount != nil {
		tx.Amount = *amount
	}

	return tx
}

// payTransaction builds a transaction from a pay record. Records missing
// both invoice strings are treated as opaque payments keyed by their hash.
func payTransaction(pay *cln.Pay) Transaction {
	tx := Transaction{
		Type:        txTypeOutgoing,
		State:       payState(pay.Status),
		Invoice:     pay.Invstring(),
		PaymentHash: pay.PaymentHash,
		CreatedAt:   pay.CreatedAt,
		SettledAt:   pay.CompletedAt,
	}
	if pay.Description != nil {
		tx.Description = *pay.Description
	}
	if pay.Preimage != nil {
		tx.Preimage = *pay.Preimage
	}
	if pay.AmountMsat != nil {
		tx.Amount = *pay.AmountMsat

		if pay.AmountSentMsat != nil &&
			*pay.AmountSentMsat > *pay.AmountMsat {

			tx.FeesPaid = *pay.AmountSentMsat - *pay.AmountMsat
		}
	}

	return tx
}

// lookupInvoice handles lookup_invoice: incoming invoices first, outgoing
// payments second. When both a payment hash and an invoice are given the
// payment hash wins.
func (d *Dispatcher) lookupInvoice(ctx context.Context,
	params *lookupInvoiceParams) (*Transaction, error) {

	if params.PaymentHash == "" && params.Invoice == "" {
		return nil, newError(CodeOther,
			"neither invoice nor payment_hash given")
	}

	invstring := params.Invoice
	if params.PaymentHash != "" {
		invstring = ""
	}

	invoices, err := d.cfg.Lightning.ListInvoices(
		ctx, invstring, params.PaymentHash, "",
	)
	if err != nil {
		return nil, err
	}
	if len(invoices) == 1 {
		tx := invoiceTransaction(
			ctx, d.cfg.Lightning, &invoices[0],
		)
		return &tx, nil
	}

	pays, err := d.cfg.Lightning.ListPays(
		ctx, invstring, params.PaymentHash,
	)
	if err != nil {
		return nil, err
	}
	if len(pays) != 1 {
		return nil, newError(CodeNotFound, "transaction not found")
	}

	tx := payTransaction(&pays[0])

	return &tx, nil
}

// listTransactions handles list_transactions: the merged, filtered and
// paginated view over invoices and payments, trimmed to the response size
// cap.
func (d *Dispatcher) listTransactions(ctx context.Context,
	params *listTransactionsParams) (*listTransactionsResponse, error) {

	queryIncoming, queryOutgoing := true, true
	if params.Type != nil {
		switch *params.Type {
		case txTypeIncoming:
			queryOutgoing = false
		case txTypeOutgoing:
			queryIncoming = false
		default:
			return nil, newError(CodeOther,
				"unknown transaction type %v", *params.Type)
		}
	}

	includeUnpaid := params.Unpaid != nil && *params.Unpaid

	var transactions []Transaction

	if queryIncoming {
		invoices, err := d.cfg.Lightning.ListInvoices(
			ctx, "", "", "",
		)
		if err != nil {
			return nil, err
		}

		for i := range invoices {
			invoice := &invoices[i]
			if invoice.Status == cln.InvoiceStatusUnpaid &&
				!includeUnpaid {

				continue
			}

			transactions = append(
				transactions, invoiceTransaction(
					ctx, d.cfg.Lightning, invoice,
				),
			)
		}
	}

	if queryOutgoing {
		pays, err := d.cfg.Lightning.ListPays(ctx, "", "")
		if err != nil {
			return nil, err
		}

		for i := range pays {
			transactions = append(
				transactions, payTransaction(&pays[i]),
			)
		}
	}

	// Time range filter on creation time.
	filtered := transactions[:0]
	for _, tx := range transactions {
		if params.From != nil && tx.CreatedAt < *params.From {
			continue
		}
		if params.Until != nil && tx.CreatedAt > *params.Until {
			continue
		}
		filtered = append(filtered, tx)
	}
	transactions = filtered

	// Newest first, payment hash as tie breaker for a stable order
	// across offset windows.
	sort.Slice(transactions, func(i, j int) bool {
		if transactions[i].CreatedAt != transactions[j].CreatedAt {
			return transactions[i].CreatedAt >
				transactions[j].CreatedAt
		}
		return transactions[i].PaymentHash >
			transactions[j].PaymentHash
	})

	if params.Offset != nil {
		offset := int(*params.Offset)
		if offset >= len(transactions) {
			transactions = nil
		} else {
			transactions = transactions[offset:]
		}
	}

	if params.Limit != nil && len(transactions) > int(*params.Limit) {
		transactions = transactions[:*params.Limit]
	}

	// Trim trailing items until the encoded response fits the cap: a
	// binary search for the largest prefix that still encodes small
	// enough.
	fits := func(n int) (bool, error) {
		encoded, err := json.Marshal(&walletResponse{
			ResultType: MethodListTransactions,
			Result: &listTransactionsResponse{
				Transactions: transactions[:n],
			},
		})
		if err != nil {
			return false, err
		}

		return len(encoded) < maxResponseBytes, nil
	}

	lo, hi := 0, len(transactions)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		ok, err := fits(mid)
		if err != nil {
			return nil, err
		}
		if ok {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	transactions = transactions[:lo]

	return &listTransactionsResponse{Transactions: transactions}, nil
}

// getBalance handles get_balance: the lesser of the channel balance and,
// for budgeted connections, the remaining envelope.
func (d *Dispatcher) getBalance(ctx context.Context,
	conn *nip47db.Connection) (*balanceResponse, error) {

	spendable, err := d.cfg.Lightning.SpendableMsat(ctx)
	if err != nil {
		return nil, err
	}

	remaining, err := d.cfg.Budget.RemainingMsat(conn.Label)
	if err != nil {
		return nil, err
	}
	if remaining != nil && *remaining < spendable {
		spendable = *remaining
	}

	return &balanceResponse{Balance: spendable}, nil
}

// getInfo handles get_info. The block hash is deliberately omitted.
func (d *Dispatcher) getInfo(ctx context.Context,
	conn *nip47db.Connection) (*infoResponse, error) {

	info, err := d.cfg.Lightning.GetInfo(ctx)
	if err != nil {
		return nil, err
	}

	network := info.Network
	if network == "bitcoin" {
		network = "mainnet"
	}

	methods := connMethods(conn)

	notifications := []string{}
	if conn.NotificationsEnabled {
		notifications = notificationTypes
	}

	return &infoResponse{
		Alias:         info.Alias,
		Color:         info.Color,
		Pubkey:        info.ID,
		Network:       network,
		BlockHeight:   info.BlockHeight,
		Methods:       methods,
		Notifications: notifications,
	}, nil
}

// connMethods returns the methods a connection may use: receive-only
// connections advertise no payment methods at all.
func connMethods(conn *nip47db.Connection) []string {
	methods := append([]string{}, readMethods...)
	if !conn.ReceiveOnly() {
		methods = append(methods, payMethods...)
	}

	return methods
}
