package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrCredentialTampered is returned when a sealed credential fails to open,
// which means the stored blob was corrupted or the key changed.
var ErrCredentialTampered = errors.New("credential cannot be opened")

// CredentialBox seals the remote-store credential before it is parked in
// session storage, so a Redis dump never contains a usable Authorization
// header.
type CredentialBox struct {
	key [32]byte
}

// NewCredentialBox derives a sealing key from the configured secret.
func NewCredentialBox(secret string) *CredentialBox {
	return &CredentialBox{key: sha256.Sum256([]byte(secret))}
}

// Seal encrypts the credential with a fresh random nonce. The nonce is
// prepended to the returned blob.
func (b *CredentialBox) Seal(credential string) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], []byte(credential), &nonce, &b.key), nil
}

// Open decrypts a blob produced by Seal.
func (b *CredentialBox) Open(sealed []byte) (string, error) {
	if len(sealed) < 24 {
		return "", ErrCredentialTampered
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	credential, ok := secretbox.Open(nil, sealed[24:], &nonce, &b.key)
	if !ok {
		return "", ErrCredentialTampered
	}
	return string(credential), nil
}
