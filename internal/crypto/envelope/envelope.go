// Package envelope implements the AES-256-GCM blob format shared by wrapped
// tenant keys and encrypted profile fields:
//
//	nonce (12 bytes) || auth tag (16 bytes) || ciphertext (variable)
//
// The layout is stable across implementations; do not reorder it.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
	// Overhead is the number of bytes Seal adds to a plaintext.
	Overhead = NonceSize + TagSize
)

var (
	// ErrInvalidKey is returned for keys that are not 256 bits.
	ErrInvalidKey = errors.New("envelope: key must be 32 bytes")
	// ErrMalformed is returned for blobs shorter than nonce+tag.
	ErrMalformed = errors.New("envelope: malformed ciphertext")
	// ErrAuthentication is returned when the tag does not verify. It means
	// corruption, tampering, or the wrong key.
	ErrAuthentication = errors.New("envelope: message authentication failed")
)

// NewKey returns 32 random bytes from crypto/rand.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("envelope: generate key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under key with a fresh random nonce.
func Seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("envelope: generate nonce: %w", err)
	}

	// GCM appends the tag after the ciphertext; move it in front.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ctLen := len(sealed) - TagSize

	out := make([]byte, 0, Overhead+ctLen)
	out = append(out, nonce...)
	out = append(out, sealed[ctLen:]...)
	out = append(out, sealed[:ctLen]...)
	return out, nil
}

// Open verifies and decrypts a blob produced by Seal.
func Open(key, blob []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < Overhead {
		return nil, ErrMalformed
	}
	nonce := blob[:NonceSize]
	tag := blob[NonceSize:Overhead]
	ct := blob[Overhead:]

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	if plaintext == nil {
		// Empty plaintext stays distinguishable from an absent value.
		plaintext = []byte{}
	}
	return plaintext, nil
}

// Zero overwrites b. Used when raw keys leave memory.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	return gcm, nil
}
