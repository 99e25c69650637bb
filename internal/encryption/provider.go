// Package encryption owns per-conversation symmetric keys: creation,
// rotation with bounded retention of superseded versions, and
// authenticated encryption of message bodies.
package encryption

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Key is an opaque handle to symmetric key material.
type Key struct {
	material []byte
}

// Sealed is the provider-level output of one encryption.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
}

// Provider performs the raw cryptographic operations.
type Provider interface {
	GenerateKey() (Key, error)
	Encrypt(plaintext []byte, key Key, aad []byte) (Sealed, error)
	Decrypt(sealed Sealed, key Key, aad []byte) ([]byte, error)
}

// ChaChaProvider implements Provider with XChaCha20-Poly1305. Its 24-byte
// nonces are drawn at random for every call.
type ChaChaProvider struct{}

// GenerateKey returns 32 random bytes of key material.
func (ChaChaProvider) GenerateKey() (Key, error) {
	k := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(k); err != nil {
		return Key{}, fmt.Errorf("generate key: %w", err)
	}
	return Key{material: k}, nil
}

// Encrypt seals plaintext under key with a fresh nonce.
func (ChaChaProvider) Encrypt(plaintext []byte, key Key, aad []byte) (Sealed, error) {
	aead, err := chacha20poly1305.NewX(key.material)
	if err != nil {
		return Sealed{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, err
	}
	return Sealed{Ciphertext: aead.Seal(nil, nonce, plaintext, aad), IV: nonce}, nil
}

// Decrypt opens sealed and fails if the key, nonce, aad or ciphertext do not match.
func (ChaChaProvider) Decrypt(sealed Sealed, key Key, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key.material)
	if err != nil {
		return nil, err
	}
	if len(sealed.IV) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid iv length %d, expected %d", len(sealed.IV), aead.NonceSize())
	}
	if len(sealed.Ciphertext) < aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(sealed.Ciphertext))
	}
	return aead.Open(nil, sealed.IV, sealed.Ciphertext, aad)
}
