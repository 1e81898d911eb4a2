package nostr

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Keypair is a secp256k1 keypair with the x-only public key encoding that
// Nostr uses.
type Keypair struct {
	secret *btcec.PrivateKey
	public *btcec.PublicKey
}

// GenerateKeypair creates a fresh secp256k1 keypair.
func GenerateKeypair() (*Keypair, error) {
	secret, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}

	return &Keypair{
		secret: secret,
		public: secret.PubKey(),
	}, nil
}

// KeypairFromSecretHex parses a 32 byte hex encoded secret key.
func KeypairFromSecretHex(secretHex string) (*Keypair, error) {
	raw, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("parse secret key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("parse secret key: expected 32 "+
			"bytes, got %d", len(raw))
	}

	secret, public := btcec.PrivKeyFromBytes(raw)

	return &Keypair{
		secret: secret,
		public: public,
	}, nil
}

// SecretHex returns the hex encoded 32 byte secret key.
func (k *Keypair) SecretHex() string {
	return hex.EncodeToString(k.secret.Serialize())
}

// PublicHex returns the hex encoded x-only public key.
func (k *Keypair) PublicHex() string {
	return hex.EncodeToString(schnorr.SerializePubKey(k.public))
}

// ParsePublicKey parses a 32 byte hex encoded x-only public key.
func ParsePublicKey(pubHex string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	pub, err := schnorr.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	return pub, nil
}

// sharedSecret computes the ECDH x coordinate between our secret key and the
// peer's x-only public key. Both NIP-04 and NIP-44 derive their message keys
// from this value.
func sharedSecret(ourSecret *Keypair, peerPubHex string) ([]byte, error) {
	peer, err := ParsePublicKey(peerPubHex)
	if err != nil {
		return nil, err
	}

	return btcec.GenerateSharedSecret(ourSecret.secret, peer), nil
}
