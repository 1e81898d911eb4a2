package nip47

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lightninglabs/nip47/cln"
	"github.com/lightninglabs/nip47/nip47db"
	"github.com/lightninglabs/nip47/nostr"
	"github.com/lightningnetwork/lnd/clock"
)

// ConnTarget is one live connection the notifier can deliver to.
type ConnTarget struct {
	// Conn is the connection record.
	Conn *nip47db.Connection

	// Pool is the connection's relay pool.
	Pool publisher
}

// NotifierConfig holds the notifier dependencies.
type NotifierConfig struct {
	// Lightning is the node adapter.
	Lightning LightningClient

	// Correlator matches payment lifecycle events to requests and
	// de-duplicates terminal observations.
	Correlator *Correlator

	// Clock is the time source.
	Clock clock.Clock

	// Connections enumerates the currently active connections.
	Connections func() []ConnTarget

	// Enabled mirrors the global notifications option. When false the
	// notifier stays entirely silent.
	Enabled bool
}

// Notifier turns the node's payment lifecycle into NIP-47 notification
// events: a waitanyinvoice loop feeds payment_received, the sendpay
// subscriptions feed payment_sent.
type Notifier struct {
	cfg NotifierConfig
}

// NewNotifier creates a notifier.
func NewNotifier(cfg NotifierConfig) *Notifier {
	return &Notifier{cfg: cfg}
}

// Run blocks on the node's invoice stream until the context is canceled,
// emitting payment_received for every settled invoice.
func (n *Notifier) Run(ctx context.Context) error {
	if !n.cfg.Enabled {
		log.Infof("Notifications disabled, invoice stream not " +
			"started")
		<-ctx.Done()

		return nil
	}

	// Start past the newest settled invoice so a restart does not
	// replay history.
	lastPayIndex, err := n.newestPayIndex(ctx)
	if err != nil {
		return err
	}

	log.Infof("Watching for received payments from pay index %d",
		lastPayIndex)

	for {
		invoice, err := n.cfg.Lightning.WaitAnyInvoice(
			ctx, lastPayIndex,
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			log.Errorf("waitanyinvoice failed: %v", err)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if invoice.PayIndex != nil {
			lastPayIndex = *invoice.PayIndex
		}

		n.handleInvoicePaid(ctx, invoice)
	}
}

// newestPayIndex returns the highest pay index among settled invoices.
func (n *Notifier) newestPayIndex(ctx context.Context) (uint64, error) {
	invoices, err := n.cfg.Lightning.ListInvoices(ctx, "", "", "")
	if err != nil {
		return 0, err
	}

	var newest uint64
	for _, invoice := range invoices {
		if invoice.PayIndex != nil && *invoice.PayIndex > newest {
			newest = *invoice.PayIndex
		}
	}

	return newest, nil
}

// handleInvoicePaid emits a payment_received notification for a settled
// invoice, once per payment hash.
func (n *Notifier) handleInvoicePaid(ctx context.Context,
	invoice *cln.Invoice) {

	if invoice.Status != cln.InvoiceStatusPaid {
		return
	}

	if _, first := n.cfg.Correlator.ResolveTerminal(
		invoice.PaymentHash,
	); !first {
		return
	}

	tx := invoiceTransaction(ctx, n.cfg.Lightning, invoice)
	if invoice.AmountReceivedMsat != nil {
		tx.Amount = *invoice.AmountReceivedMsat
	}

	log.Debugf("Invoice %v settled, notifying", invoice.PaymentHash)

	n.broadcast(ctx, NotificationPaymentReceived, &tx, "")
}

// HandleSendpaySuccess processes a sendpay_success node notification.
func (n *Notifier) HandleSendpaySuccess(ctx context.Context,
	payload json.RawMessage) {

	if !n.cfg.Enabled {
		return
	}

	var envelope struct {
		SendpaySuccess cln.SendpayResult `json:"sendpay_success"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		log.Errorf("Malformed sendpay_success: %v", err)
		return
	}

	n.handleSendpayTerminal(ctx, envelope.SendpaySuccess.PaymentHash)
}

// HandleSendpayFailure processes a sendpay_failure node notification. A
// failed attempt is only terminal once listpays no longer reports the
// payment as pending; intermediate route failures must not suppress the
// eventual success notification.
func (n *Notifier) HandleSendpayFailure(ctx context.Context,
	payload json.RawMessage) {

	if !n.cfg.Enabled {
		return
	}

	var envelope struct {
		SendpayFailure struct {
			Data cln.SendpayResult `json:"data"`
		} `json:"sendpay_failure"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		log.Errorf("Malformed sendpay_failure: %v", err)
		return
	}

	n.handleSendpayTerminal(ctx, envelope.SendpayFailure.Data.PaymentHash)
}

// handleSendpayTerminal consults listpays for the final verdict on a
// payment hash and emits payment_sent when it is terminal.
func (n *Notifier) handleSendpayTerminal(ctx context.Context,
	paymentHash string) {

	if paymentHash == "" {
		return
	}

	// A keysend's lifecycle events can arrive before its own RPC
	// response has reported the payment hash. Wait for the correlation
	// entry before deciding who to notify.
	n.cfg.Correlator.WaitTracked(paymentHash)

	pays, err := n.cfg.Lightning.ListPays(ctx, "", paymentHash)
	if err != nil {
		log.Errorf("listpays for %v failed: %v", paymentHash, err)
		return
	}
	if len(pays) == 0 {
		return
	}

	pay := &pays[0]

	// Still pending means further attempts are in flight, wait for the
	// next lifecycle event.
	if pay.Status == cln.PayStatusPending {
		log.Debugf("Payment %v still pending, holding notification",
			paymentHash)
		return
	}

	ref, first := n.cfg.Correlator.ResolveTerminal(paymentHash)
	if !first {
		return
	}

	tx := payTransaction(pay)
	if ref != nil && tx.Invoice == "" {
		tx.Invoice = ref.Invoice
	}

	log.Debugf("Payment %v terminal with state %v, notifying",
		paymentHash, tx.State)

	// A payment started through a connection notifies that connection,
	// node initiated payments go to every listening connection.
	targetLabel := ""
	if ref != nil {
		targetLabel = ref.Label
	}

	n.broadcast(ctx, NotificationPaymentSent, &tx, targetLabel)
}

// broadcast delivers one notification to the targeted connection, or to
// every notification-enabled connection when no target is given.
func (n *Notifier) broadcast(ctx context.Context, notificationType string,
	tx *Transaction, targetLabel string) {

	content := &walletNotification{
		NotificationType: notificationType,
		Notification:     tx,
	}
	raw, err := json.Marshal(content)
	if err != nil {
		log.Errorf("Could not encode %v notification: %v",
			notificationType, err)
		return
	}

	for _, target := range n.cfg.Connections() {
		if targetLabel != "" && target.Conn.Label != targetLabel {
			continue
		}
		if !target.Conn.NotificationsEnabled {
			continue
		}

		if err := n.send(ctx, target, string(raw)); err != nil {
			log.Warnf("Could not notify %v: %v",
				target.Conn.Label, err)
		}
	}
}

// send seals, signs and publishes one notification event to a connection.
// Notifications are sealed with NIP-04, the compatibility floor every
// client understands.
func (n *Notifier) send(ctx context.Context, target ConnTarget,
	content string) error {

	walletKey, err := nostr.KeypairFromSecretHex(
		target.Conn.WalletKeySecret,
	)
	if err != nil {
		return err
	}

	sealed, err := nostr.NIP04Encrypt(
		walletKey, target.Conn.ClientKeyPublic, content,
	)
	if err != nil {
		return err
	}

	event := &nostr.Event{
		CreatedAt: n.cfg.Clock.Now().Unix(),
		Kind:      nostr.KindWalletNotification,
		Tags: []nostr.Tag{
			{"p", target.Conn.ClientKeyPublic},
		},
		Content: sealed,
	}
	if err := event.Sign(walletKey); err != nil {
		return err
	}

	publishCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return target.Pool.Publish(publishCtx, event)
}
