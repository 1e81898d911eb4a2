package nostr

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// NIP-44 v2 framing constants.
const (
	nip44Version = 0x02

	nip44MinPlaintext = 1
	nip44MaxPlaintext = 65535

	nip44NonceSize = 32
	nip44MacSize   = 32
)

var nip44Salt = []byte("nip44-v2")

// nip44ConversationKey derives the long lived conversation key for a peer
// pair: hkdf-extract over the ECDH shared x coordinate with the fixed
// "nip44-v2" salt.
func nip44ConversationKey(ourSecret *Keypair, peerPub string) ([]byte,
	error) {

	shared, err := sharedSecret(ourSecret, peerPub)
	if err != nil {
		return nil, err
	}

	return hkdf.Extract(sha256.New, shared, nip44Salt), nil
}

// nip44MessageKeys expands the per-message chacha key, chacha nonce and hmac
// key from the conversation key and message nonce.
func nip44MessageKeys(conversationKey, nonce []byte) (chachaKey []byte,
	chachaNonce []byte, hmacKey []byte, err error) {

	reader := hkdf.Expand(sha256.New, conversationKey, nonce)
	okm := make([]byte, 76)
	if _, err := io.ReadFull(reader, okm); err != nil {
		return nil, nil, nil, err
	}

	return okm[0:32], okm[32:44], okm[44:76], nil
}

// nip44PaddedLen returns the padded plaintext length for a given unpadded
// length, per the NIP-44 padding scheme.
func nip44PaddedLen(unpadded int) int {
	if unpadded <= 32 {
		return 32
	}

	nextPower := 1 << (bits.Len(uint(unpadded-1)))
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}

	return chunk * ((unpadded-1)/chunk + 1)
}

// nip44Pad prefixes the plaintext with its big endian length and pads with
// zeros to the scheme's padded length.
func nip44Pad(plaintext []byte) ([]byte, error) {
	if len(plaintext) < nip44MinPlaintext ||
		len(plaintext) > nip44MaxPlaintext {

		return nil, fmt.Errorf("%w: plaintext length %d out of "+
			"range", ErrMalformedPayload, len(plaintext))
	}

	padded := make([]byte, 2+nip44PaddedLen(len(plaintext)))
	binary.BigEndian.PutUint16(padded[0:2], uint16(len(plaintext)))
	copy(padded[2:], plaintext)

	return padded, nil
}

// nip44Unpad validates the padding and returns the embedded plaintext.
func nip44Unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, fmt.Errorf("%w: short padded payload",
			ErrMalformedPayload)
	}

	plainLen := int(binary.BigEndian.Uint16(padded[0:2]))
	if plainLen < nip44MinPlaintext || plainLen > nip44MaxPlaintext ||
		len(padded) != 2+nip44PaddedLen(plainLen) {

		return nil, fmt.Errorf("%w: invalid padding",
			ErrMalformedPayload)
	}

	return padded[2 : 2+plainLen], nil
}

// NIP44Encrypt encrypts the plaintext to the peer using NIP-44 v2 and
// returns the base64 framed payload.
func NIP44Encrypt(ourSecret *Keypair, peerPub, plaintext string) (string,
	error) {

	conversationKey, err := nip44ConversationKey(ourSecret, peerPub)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nip44NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	return nip44EncryptWithNonce(conversationKey, nonce, plaintext)
}

// nip44EncryptWithNonce is the deterministic core of NIP44Encrypt, split out
// so tests can drive it with fixed nonces.
func nip44EncryptWithNonce(conversationKey, nonce []byte,
	plaintext string) (string, error) {

	chachaKey, chachaNonce, hmacKey, err := nip44MessageKeys(
		conversationKey, nonce,
	)
	if err != nil {
		return "", err
	}

	padded, err := nip44Pad([]byte(plaintext))
	if err != nil {
		return "", err
	}

	stream, err := chacha20.NewUnauthenticatedCipher(
		chachaKey, chachaNonce,
	)
	if err != nil {
		return "", err
	}
	ct := make([]byte, len(padded))
	stream.XORKeyStream(ct, padded)

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(nonce)
	mac.Write(ct)

	payload := make([]byte, 0, 1+len(nonce)+len(ct)+nip44MacSize)
	payload = append(payload, nip44Version)
	payload = append(payload, nonce...)
	payload = append(payload, ct...)
	payload = mac.Sum(payload)

	return base64.StdEncoding.EncodeToString(payload), nil
}

// NIP44Decrypt decrypts a NIP-44 v2 payload from the peer.
func NIP44Decrypt(ourSecret *Keypair, peerPub, payload string) (string,
	error) {

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	// Version byte, nonce, at least one ciphertext block and the mac.
	if len(raw) < 1+nip44NonceSize+32+nip44MacSize {
		return "", fmt.Errorf("%w: short payload",
			ErrMalformedPayload)
	}
	if raw[0] != nip44Version {
		return "", fmt.Errorf("%w: unsupported version %d",
			ErrMalformedPayload, raw[0])
	}

	nonce := raw[1 : 1+nip44NonceSize]
	ct := raw[1+nip44NonceSize : len(raw)-nip44MacSize]
	wantMac := raw[len(raw)-nip44MacSize:]

	conversationKey, err := nip44ConversationKey(ourSecret, peerPub)
	if err != nil {
		return "", err
	}
	chachaKey, chachaNonce, hmacKey, err := nip44MessageKeys(
		conversationKey, nonce,
	)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(nonce)
	mac.Write(ct)
	if !hmac.Equal(mac.Sum(nil), wantMac) {
		return "", fmt.Errorf("%w: mac mismatch",
			ErrMalformedPayload)
	}

	stream, err := chacha20.NewUnauthenticatedCipher(
		chachaKey, chachaNonce,
	)
	if err != nil {
		return "", err
	}
	padded := make([]byte, len(ct))
	stream.XORKeyStream(padded, ct)

	plain, err := nip44Unpad(padded)
	if err != nil {
		return "", err
	}

	return string(plain), nil
}
