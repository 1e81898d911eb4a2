package nip47

import (
	"fmt"
	"net/url"
	"strings"
)

// uriScheme is the scheme of a NIP-47 connection URI.
const uriScheme = "nostr+walletconnect"

// ConnectionURI builds the nostr+walletconnect URI handed to the wallet:
// the wallet service pubkey as host, the relay set and the client secret as
// query parameters, plus an empty lud16 placeholder.
func ConnectionURI(walletPub string, relays []string,
	clientSecret string) string {

	var b strings.Builder
	fmt.Fprintf(&b, "%s://%s?", uriScheme, walletPub)
	for _, relay := range relays {
		fmt.Fprintf(&b, "relay=%s&", url.QueryEscape(relay))
	}
	fmt.Fprintf(&b, "secret=%s&lud16=", clientSecret)

	return b.String()
}

// ParseConnectionURI extracts the wallet pubkey, relay set and client secret
// from a connection URI.
func ParseConnectionURI(uri string) (walletPub string, relays []string,
	clientSecret string, err error) {

	parsed, err := url.Parse(uri)
	if err != nil {
		return "", nil, "", err
	}
	if parsed.Scheme != uriScheme {
		return "", nil, "", fmt.Errorf("unexpected scheme: %v",
			parsed.Scheme)
	}

	query := parsed.Query()
	relays = query["relay"]
	if len(relays) == 0 {
		return "", nil, "", fmt.Errorf("no relays in uri")
	}

	clientSecret = query.Get("secret")
	if len(clientSecret) != 64 {
		return "", nil, "", fmt.Errorf("invalid secret in uri")
	}

	return parsed.Host, relays, clientSecret, nil
}
