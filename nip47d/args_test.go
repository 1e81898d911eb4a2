package nip47d

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestParseCommandArgs covers both parameter forms the node delivers.
func TestParseCommandArgs(t *testing.T) {
	// Positional form.
	args, err := parseCommandArgs(json.RawMessage(
		`["daily", 5000, "1d"]`,
	))
	require.NoError(t, err)
	require.Equal(t, "daily", args.Label)
	require.EqualValues(t, 5000, *args.BudgetMsat)
	require.EqualValues(t, 86400, *args.IntervalSecs)

	// Keyword form.
	args, err = parseCommandArgs(json.RawMessage(
		`{"label": "daily", "budget_msat": 5000, "interval": "1d"}`,
	))
	require.NoError(t, err)
	require.Equal(t, "daily", args.Label)
	require.EqualValues(t, 5000, *args.BudgetMsat)
	require.EqualValues(t, 86400, *args.IntervalSecs)

	// Label only.
	args, err = parseCommandArgs(json.RawMessage(`["rx"]`))
	require.NoError(t, err)
	require.Equal(t, "rx", args.Label)
	require.Nil(t, args.BudgetMsat)
	require.Nil(t, args.IntervalSecs)
}

// TestParseCommandArgsInvalid covers the rejection paths.
func TestParseCommandArgsInvalid(t *testing.T) {
	cases := []string{
		`[]`,
		`{}`,
		`[42]`,
		`["daily", "notanumber"]`,
		`["daily", -1]`,
		`["daily", 5000, "1 fortnight"]`,
		`["daily", 5000, "1d", "extra"]`,
		`"justastring"`,
	}
	for _, params := range cases {
		_, err := parseCommandArgs(json.RawMessage(params))
		require.Error(t, err, params)
	}
}

// TestParseLabelArg covers the single label parameter forms.
func TestParseLabelArg(t *testing.T) {
	label, err := parseLabelArg(json.RawMessage(`["daily"]`))
	require.NoError(t, err)
	require.Equal(t, "daily", label)

	label, err = parseLabelArg(json.RawMessage(`{"label": "daily"}`))
	require.NoError(t, err)
	require.Equal(t, "daily", label)

	label, err = parseLabelArg(json.RawMessage(`[]`))
	require.NoError(t, err)
	require.Empty(t, label)

	label, err = parseLabelArg(nil)
	require.NoError(t, err)
	require.Empty(t, label)

	_, err = parseLabelArg(json.RawMessage(`[42]`))
	require.Error(t, err)
}
