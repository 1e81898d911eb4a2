// Package nostr implements the minimal slice of the Nostr protocol that a
// NIP-47 wallet service needs: event serialization, Schnorr signing and the
// NIP-04 and NIP-44 v2 encryption schemes.
package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Event kinds used by NIP-47.
const (
	// KindWalletInfo is the replaceable info event advertising the
	// wallet service capabilities.
	KindWalletInfo = 13194

	// KindWalletRequest is a request from a wallet client to us.
	KindWalletRequest = 23194

	// KindWalletResponse is our response to a wallet request.
	KindWalletResponse = 23195

	// KindWalletNotification is an unsolicited notification to a wallet
	// client.
	KindWalletNotification = 23196
)

// ErrInvalidSignature is returned when an event signature does not verify
// against the event id and author key.
var ErrInvalidSignature = errors.New("invalid event signature")

// Tag is a single Nostr event tag.
type Tag []string

// Event is a signed Nostr event as defined by NIP-01.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// TagValue returns the first value of the first tag with the given name, or
// an empty string if no such tag exists.
func (e *Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}

	return ""
}

// serialize returns the canonical NIP-01 serialization that the event id is
// computed over: [0, pubkey, created_at, kind, tags, content].
func (e *Event) serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = []Tag{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode([]interface{}{
		0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content,
	})
	if err != nil {
		return nil, err
	}

	// Encode appends a newline that is not part of the canonical form.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ComputeID computes the canonical event id, the hex encoded sha256 of the
// NIP-01 serialization.
func (e *Event) ComputeID() (string, error) {
	raw, err := e.serialize()
	if err != nil {
		return "", err
	}

	hash := sha256.Sum256(raw)

	return hex.EncodeToString(hash[:]), nil
}

// Sign fills in the event id and Schnorr signature using the given keypair.
// The event's PubKey field is set from the keypair.
func (e *Event) Sign(key *Keypair) error {
	e.PubKey = key.PublicHex()

	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	e.ID = id

	digest, err := hex.DecodeString(id)
	if err != nil {
		return err
	}

	sig, err := schnorr.Sign(key.secret, digest)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())

	return nil
}

// Verify checks that the event id matches its serialization and that the
// signature verifies against the author key.
func (e *Event) Verify() error {
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	if id != e.ID {
		return fmt.Errorf("%w: id mismatch", ErrInvalidSignature)
	}

	pub, err := ParsePublicKey(e.PubKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	digest, err := hex.DecodeString(e.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if !sig.Verify(digest, pub) {
		return ErrInvalidSignature
	}

	return nil
}
