package nip47d

import (
	"encoding/json"
	"fmt"

	"github.com/lightninglabs/nip47"
)

// commandArgs are the decoded parameters of the nip47-create and
// nip47-budget commands. The node delivers command parameters either as a
// positional array or as a keyword object.
type commandArgs struct {
	Label        string
	BudgetMsat   *uint64
	IntervalSecs *uint64
}

// parseCommandArgs decodes label, budget_msat and interval from either
// parameter form.
func parseCommandArgs(raw json.RawMessage) (*commandArgs, error) {
	label, budget, interval, err := splitArgs(raw)
	if err != nil {
		return nil, err
	}
	if label == nil {
		return nil, fmt.Errorf("label missing")
	}

	args := &commandArgs{}

	if err := json.Unmarshal(*label, &args.Label); err != nil {
		return nil, fmt.Errorf("label is not a string")
	}

	if budget != nil {
		var budgetMsat uint64
		if err := json.Unmarshal(*budget, &budgetMsat); err != nil {
			return nil, fmt.Errorf("budget_msat is not an " +
				"unsigned integer")
		}
		args.BudgetMsat = &budgetMsat
	}

	if interval != nil {
		var text string
		if err := json.Unmarshal(*interval, &text); err != nil {
			return nil, fmt.Errorf("interval is not a string")
		}

		secs, err := nip47.ParseInterval(text)
		if err != nil {
			return nil, err
		}
		args.IntervalSecs = &secs
	}

	return args, nil
}

// parseLabelArg decodes a single optional label parameter, used by
// nip47-revoke (required) and nip47-list (optional).
func parseLabelArg(raw json.RawMessage) (string, error) {
	label, _, _, err := splitArgs(raw)
	if err != nil {
		return "", err
	}
	if label == nil {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(*label, &text); err != nil {
		return "", fmt.Errorf("label is not a string")
	}

	return text, nil
}

// splitArgs pulls the three raw parameter values out of either the
// positional or the keyword form.
func splitArgs(raw json.RawMessage) (label, budget,
	interval *json.RawMessage, err error) {

	if len(raw) == 0 {
		return nil, nil, nil, nil
	}

	var positional []json.RawMessage
	if err := json.Unmarshal(raw, &positional); err == nil {
		if len(positional) > 3 {
			return nil, nil, nil, fmt.Errorf("too many " +
				"parameters")
		}
		if len(positional) > 0 {
			label = &positional[0]
		}
		if len(positional) > 1 {
			budget = &positional[1]
		}
		if len(positional) > 2 {
			interval = &positional[2]
		}

		return label, budget, interval, nil
	}

	var keyword map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keyword); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid parameters")
	}

	if value, ok := keyword["label"]; ok {
		label = &value
	}
	if value, ok := keyword["budget_msat"]; ok {
		budget = &value
	}
	if value, ok := keyword["interval"]; ok {
		interval = &value
	}

	return label, budget, interval, nil
}
