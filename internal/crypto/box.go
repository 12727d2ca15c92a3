package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// Box seals and opens small secrets (repository passphrases) with a key
// derived from the configured encryption secret.
type Box struct {
	key [32]byte
}

// NewBox derives the sealing key from the given secret.
func NewBox(secret string) (*Box, error) {
	if secret == "" {
		return nil, fmt.Errorf("encryption secret is empty")
	}
	b := &Box{key: sha256.Sum256([]byte(secret))}
	return b, nil
}

// Encrypt seals the plaintext and returns a base64 string with the nonce
// prepended.
func (b *Box) Encrypt(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (b *Box) Decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed secret: %w", err)
	}
	if len(sealed) < 24 {
		return "", fmt.Errorf("sealed secret too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &b.key)
	if !ok {
		return "", fmt.Errorf("failed to open sealed secret")
	}
	return string(plaintext), nil
}
