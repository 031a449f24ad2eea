// Package crypto implements the symmetric primitives used to protect
// transfer chunks: AES-256-GCM sealing, keyed integrity signatures, and
// key fingerprinting for human verification.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12

	fingerprintBytes = 16
)

var (
	// ErrCiphertextTooShort indicates the payload cannot hold a nonce.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext shorter than nonce")
	// ErrDecryptFailed indicates authentication or decryption failure.
	// It is deliberately opaque: wrong key and tampering are indistinguishable.
	ErrDecryptFailed = errors.New("crypto: decryption failed")
)

// GenerateKey returns a fresh random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// GenerateNonce returns a fresh random 96-bit GCM nonce.
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// Fingerprint returns a short display-safe hash of a key: SHA-256 truncated
// to 16 bytes, base64-encoded. Used for human verification, never for
// access control by itself.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return base64.StdEncoding.EncodeToString(sum[:fingerprintBytes])
}

// Encrypt seals plaintext with AES-256-GCM under a fresh nonce and returns
// nonce || ciphertext-with-tag.
func Encrypt(data, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, NonceSize+len(data)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, data, nil), nil
}

// Decrypt splits the leading nonce from encrypted, then opens and
// authenticates the remainder. There is no partial output: any failure
// surfaces as ErrDecryptFailed.
func Decrypt(encrypted, key []byte) ([]byte, error) {
	if len(encrypted) < NonceSize {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d", ErrCiphertextTooShort, len(encrypted), NonceSize)
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, encrypted[:NonceSize], encrypted[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// Sign returns the keyed integrity signature SHA-256(key || data).
func Sign(data, key []byte) []byte {
	hasher := sha256.New()
	hasher.Write(key)
	hasher.Write(data)
	return hasher.Sum(nil)
}

// Verify recomputes the signature and compares in constant time.
func Verify(data, key, signature []byte) bool {
	expected := Sign(data, key)
	return subtle.ConstantTimeCompare(expected, signature) == 1
}

// ClearKey zeroes key material in place before the buffer is released.
func ClearKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length: got %d want %d", len(key), KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
