package cln

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// xpayMinVersion is the first node version that ships the xpay command.
const xpayMinVersion = "24.11"

// Node is the typed adapter over the node RPC surface the wallet service
// uses. It decides once, at construction, whether the node advertises xpay
// and routes pay requests accordingly.
type Node struct {
	caller Caller

	useXpay bool
}

// NewNode probes the node and returns the typed adapter.
func NewNode(ctx context.Context, caller Caller) (*Node, error) {
	node := &Node{caller: caller}

	info, err := node.GetInfo(ctx)
	if err != nil {
		return nil, err
	}

	node.useXpay, err = atOrAboveVersion(info.Version, xpayMinVersion)
	if err != nil {
		log.Warnf("Could not parse node version %q, falling back "+
			"to pay: %v", info.Version, err)
		node.useXpay = false
	}

	if node.useXpay {
		log.Infof("Node %v advertises xpay, using it for invoice "+
			"payments", info.Version)
	}

	return node, nil
}

// UsesXpay reports whether invoice payments are routed through xpay.
func (n *Node) UsesXpay() bool {
	return n.useXpay
}

// GetInfo returns the node identity and network info.
func (n *Node) GetInfo(ctx context.Context) (*NodeInfo, error) {
	var info NodeInfo
	err := n.caller.Call(ctx, "getinfo", nil, &info)
	if err != nil {
		return nil, err
	}

	return &info, nil
}

// DecodeInvoice decodes a bolt11 or bolt12 string.
func (n *Node) DecodeInvoice(ctx context.Context, invstring string) (
	*DecodedInvoice, error) {

	var decoded DecodedInvoice
	err := n.caller.Call(ctx, "decode", struct {
		String string `json:"string"`
	}{invstring}, &decoded)
	if err != nil {
		return nil, err
	}

	return &decoded, nil
}

// PayInvoice pays an invoice through xpay when the node advertises it, or
// pay otherwise. Both paths produce the same result shape.
func (n *Node) PayInvoice(ctx context.Context, req PayRequest) (*PayResult,
	error) {

	var result PayResult

	if n.useXpay {
		err := n.caller.Call(ctx, "xpay", struct {
			Invstring  string  `json:"invstring"`
			AmountMsat *uint64 `json:"amount_msat,omitempty"`
			MaxFee     *uint64 `json:"maxfee,omitempty"`
			RetryFor   *uint32 `json:"retry_for,omitempty"`
		}{
			Invstring:  req.Invoice,
			AmountMsat: req.AmountMsat,
			MaxFee:     req.MaxFeeMsat,
			RetryFor:   req.RetryForSecs,
		}, &result)
		if err != nil {
			return nil, err
		}

		return &result, nil
	}

	err := n.caller.Call(ctx, "pay", struct {
		Bolt11     string  `json:"bolt11"`
		AmountMsat *uint64 `json:"amount_msat,omitempty"`
		MaxFee     *uint64 `json:"maxfee,omitempty"`
		RetryFor   *uint32 `json:"retry_for,omitempty"`
	}{
		Bolt11:     req.Invoice,
		AmountMsat: req.AmountMsat,
		MaxFee:     req.MaxFeeMsat,
		RetryFor:   req.RetryForSecs,
	}, &result)
	if err != nil {
		return nil, err
	}

	return &result, nil
}

// Keysend pushes a spontaneous payment to a node. The preimage is always
// generated node side.
func (n *Node) Keysend(ctx context.Context, req KeysendRequest) (*PayResult,
	error) {

	params := struct {
		Destination string            `json:"destination"`
		AmountMsat  uint64            `json:"amount_msat"`
		ExtraTLVs   map[string]string `json:"extratlvs,omitempty"`
	}{
		Destination: req.Destination,
		AmountMsat:  req.AmountMsat,
	}
	if len(req.ExtraTLVs) > 0 {
		params.ExtraTLVs = make(map[string]string, len(req.ExtraTLVs))
		for typ, value := range req.ExtraTLVs {
			key := strconv.FormatUint(typ, 10)
			params.ExtraTLVs[key] = value
		}
	}

	var result PayResult
	if err := n.caller.Call(ctx, "keysend", params, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// MakeInvoice creates a new invoice. A zero amount creates an "any" amount
// invoice.
func (n *Node) MakeInvoice(ctx context.Context, req InvoiceRequest) (
	*InvoiceResult, error) {

	params := struct {
		AmountMsat   interface{} `json:"amount_msat"`
		Label        string      `json:"label"`
		Description  string      `json:"description"`
		Expiry       *uint64     `json:"expiry,omitempty"`
		DescHashOnly *bool       `json:"deschashonly,omitempty"`
	}{
		AmountMsat:  req.AmountMsat,
		Label:       req.Label,
		Description: req.Description,
		Expiry:      req.ExpirySecs,
	}
	if req.AmountMsat == 0 {
		params.AmountMsat = "any"
	}
	if req.DescHashOnly {
		t := true
		params.DescHashOnly = &t
	}

	var result InvoiceResult
	if err := n.caller.Call(ctx, "invoice", params, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// ListInvoices returns invoices, optionally filtered by invoice string,
// payment hash or label. Only one filter may be set.
func (n *Node) ListInvoices(ctx context.Context, invstring, paymentHash,
	label string) ([]Invoice, error) {

	params := struct {
		Invstring   string `json:"invstring,omitempty"`
		PaymentHash string `json:"payment_hash,omitempty"`
		Label       string `json:"label,omitempty"`
	}{
		Invstring:   invstring,
		PaymentHash: paymentHash,
		Label:       label,
	}

	var result struct {
		Invoices []Invoice `json:"invoices"`
	}
	err := n.caller.Call(ctx, "listinvoices", params, &result)
	if err != nil {
		return nil, err
	}

	return result.Invoices, nil
}

// ListPays returns outgoing payments, optionally filtered by invoice string
// or payment hash.
func (n *Node) ListPays(ctx context.Context, bolt11, paymentHash string) (
	[]Pay, error) {

	params := struct {
		Bolt11      string `json:"bolt11,omitempty"`
		PaymentHash string `json:"payment_hash,omitempty"`
	}{
		Bolt11:      bolt11,
		PaymentHash: paymentHash,
	}

	var result struct {
		Pays []Pay `json:"pays"`
	}
	if err := n.caller.Call(ctx, "listpays", params, &result); err != nil {
		return nil, err
	}

	return result.Pays, nil
}

// SpendableMsat sums the spendable balance over all usable channels.
func (n *Node) SpendableMsat(ctx context.Context) (uint64, error) {
	var result struct {
		Channels []Channel `json:"channels"`
	}
	err := n.caller.Call(ctx, "listpeerchannels", nil, &result)
	if err != nil {
		return 0, err
	}

	var spendable uint64
	for _, channel := range result.Channels {
		if channel.State != ChannelStateNormal &&
			channel.State != ChannelStateAwaitingSplice {

			continue
		}
		if channel.SpendableMsat != nil {
			spendable += *channel.SpendableMsat
		}
	}

	return spendable, nil
}

// WaitAnyInvoice blocks until an invoice past the given pay index is paid.
// Cancel the context to stop waiting.
func (n *Node) WaitAnyInvoice(ctx context.Context, lastPayIndex uint64) (
	*Invoice, error) {

	params := struct {
		LastPayIndex *uint64 `json:"lastpay_index,omitempty"`
	}{}
	if lastPayIndex > 0 {
		params.LastPayIndex = &lastPayIndex
	}

	var invoice Invoice
	err := n.caller.Call(ctx, "waitanyinvoice", params, &invoice)
	if err != nil {
		return nil, err
	}

	return &invoice, nil
}

// atOrAboveVersion compares a node version string like "v24.11.1" or
// "24.08rc1" against a minimum "major.minor" version.
func atOrAboveVersion(version, minVersion string) (bool, error) {
	cleaned := strings.TrimPrefix(version, "v")

	// Strip any suffix like "rc1" or "-modded".
	end := len(cleaned)
	for i, r := range cleaned {
		if (r < '0' || r > '9') && r != '.' {
			end = i
			break
		}
	}
	cleaned = cleaned[:end]

	parts := strings.Split(cleaned, ".")
	minParts := strings.Split(minVersion, ".")
	if len(parts) < 2 {
		return false, fmt.Errorf("unparsable version: %v", version)
	}

	for i, minPart := range minParts {
		if i >= len(parts) {
			return false, nil
		}

		have, err := strconv.Atoi(parts[i])
		if err != nil {
			return false, fmt.Errorf("unparsable version: %v",
				version)
		}
		want, err := strconv.Atoi(minPart)
		if err != nil {
			return false, fmt.Errorf("unparsable version: %v",
				minVersion)
		}

		if have != want {
			return have > want, nil
		}
	}

	return true, nil
}
