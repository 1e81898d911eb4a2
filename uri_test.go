package nip47

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestConnectionURIRoundTrip asserts the URI carries everything a wallet
// needs and parses back.
func TestConnectionURIRoundTrip(t *testing.T) {
	walletPub := strings.Repeat("ab", 32)
	secret := strings.Repeat("cd", 32)
	relays := []string{"wss://relay.one", "wss://relay.two/path"}

	uri := ConnectionURI(walletPub, relays, secret)
	require.True(t, strings.HasPrefix(
		uri, "nostr+walletconnect://"+walletPub+"?",
	))
	require.True(t, strings.HasSuffix(uri, "&lud16="))

	gotPub, gotRelays, gotSecret, err := ParseConnectionURI(uri)
	require.NoError(t, err)
	require.Equal(t, walletPub, gotPub)
	require.Equal(t, relays, gotRelays)
	require.Equal(t, secret, gotSecret)
}

// TestParseConnectionURIInvalid asserts broken URIs are rejected.
func TestParseConnectionURIInvalid(t *testing.T) {
	walletPub := strings.Repeat("ab", 32)
	secret := strings.Repeat("cd", 32)

	cases := []string{
		"",
		"http://" + walletPub + "?relay=wss://r&secret=" + secret,
		"nostr+walletconnect://" + walletPub + "?secret=" + secret,
		"nostr+walletconnect://" + walletPub + "?relay=wss://r" +
			"&secret=tooshort",
	}
	for _, uri := range cases {
		_, _, _, err := ParseConnectionURI(uri)
		require.Error(t, err, uri)
	}
}
