package nostr

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedPayload is returned when a ciphertext payload does not match
// the expected envelope of the scheme.
var ErrMalformedPayload = errors.New("malformed cipher payload")

// NIP04Encrypt encrypts the plaintext to the peer using the NIP-04 scheme:
// AES-256-CBC under the ECDH shared x coordinate, enveloped as
// base64(ct)?iv=base64(iv).
func NIP04Encrypt(ourSecret *Keypair, peerPub, plaintext string) (string,
	error) {

	shared, err := sharedSecret(ourSecret, peerPub)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(shared)
	if err != nil {
		return "", err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return fmt.Sprintf("%s?iv=%s",
		base64.StdEncoding.EncodeToString(ct),
		base64.StdEncoding.EncodeToString(iv)), nil
}

// NIP04Decrypt decrypts a NIP-04 payload from the peer.
func NIP04Decrypt(ourSecret *Keypair, peerPub, payload string) (string,
	error) {

	ctB64, ivB64, found := strings.Cut(payload, "?iv=")
	if !found {
		return "", fmt.Errorf("%w: missing iv", ErrMalformedPayload)
	}

	ct, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if len(iv) != aes.BlockSize || len(ct) == 0 ||
		len(ct)%aes.BlockSize != 0 {

		return "", fmt.Errorf("%w: bad block lengths",
			ErrMalformedPayload)
	}

	shared, err := sharedSecret(ourSecret, peerPub)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(shared)
	if err != nil {
		return "", err
	}

	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}

	return string(plain), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}

	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformedPayload)
	}

	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformedPayload)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("%w: bad padding",
				ErrMalformedPayload)
		}
	}

	return data[:len(data)-padLen], nil
}
