// Package cryptoutils implements the authenticated-encryption collaborator:
// AES-256-GCM under per-context subkeys derived from a single master key.
package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/custodia/wallet-recovery-backend/interfaces"
)

// gcmNonceSize is the standard 12-byte GCM nonce, prepended to ciphertexts.
const gcmNonceSize = 12

// Cipher derives a fresh AES-256 subkey per context string via HKDF-SHA256
// and seals data with AES-GCM. The context string binds a ciphertext to its
// purpose: decrypting under a different context fails authentication.
type Cipher struct {
	masterKey []byte
}

// NewCipher creates a cipher from a master key of at least 32 bytes.
func NewCipher(masterKey []byte) (*Cipher, error) {
	if len(masterKey) < 32 {
		return nil, errors.New("master key must be at least 32 bytes")
	}
	key := make([]byte, len(masterKey))
	copy(key, masterKey)
	return &Cipher{masterKey: key}, nil
}

// Encrypt seals plaintext under the context-derived subkey. The returned
// ciphertext is nonce || AES-GCM output.
func (c *Cipher) Encrypt(plaintext []byte, context string) ([]byte, error) {
	aesGCM, err := c.aead(context)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aesGCM.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

// Decrypt opens a ciphertext produced by Encrypt with the same context.
// Any authentication failure surfaces as interfaces.ErrCiphertextTampered.
func (c *Cipher) Decrypt(ciphertext []byte, context string) ([]byte, error) {
	if len(ciphertext) < gcmNonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", interfaces.ErrCiphertextTampered)
	}

	aesGCM, err := c.aead(context)
	if err != nil {
		return nil, err
	}

	nonce, sealed := ciphertext[:gcmNonceSize], ciphertext[gcmNonceSize:]
	plaintext, err := aesGCM.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, interfaces.ErrCiphertextTampered
	}
	return plaintext, nil
}

// aead builds the AES-GCM instance for a context-derived subkey.
func (c *Cipher) aead(context string) (cipher.AEAD, error) {
	subkey := make([]byte, 32)
	kdf := hkdf.New(sha256.New, c.masterKey, nil, []byte(context))
	if _, err := io.ReadFull(kdf, subkey); err != nil {
		return nil, fmt.Errorf("failed to derive context key: %w", err)
	}
	defer WipeBytes(subkey)

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// WipeBytes overwrites sensitive data in place.
func WipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
