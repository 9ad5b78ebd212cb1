// Package encryption derives keys from passphrases and seals documents with
// AES-256-GCM.
package encryption

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 16
	keySize    = 32
	iterations = 4096
)

// ErrPassphraseMismatch is returned by DeriveKey when the passphrase does not
// match the verifier.
var ErrPassphraseMismatch = errors.New("passphrase does not match")

// NewSecret derives a fresh key from passphrase. It returns the key and a
// verifier string (salt + SHA-256 of the key) to be persisted alongside the
// data; the key itself is never stored.
func NewSecret(passphrase []byte) (string, []byte, error) {
	if len(passphrase) == 0 {
		return "", nil, fmt.Errorf("empty passphrase")
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	dk := pbkdf2.Key(passphrase, salt, iterations, keySize, sha256.New)
	sum := sha256.Sum256(dk)
	return base64.StdEncoding.EncodeToString(append(salt, sum[:]...)), dk, nil
}

// DeriveKey re-derives the key for passphrase and checks it against secret.
func DeriveKey(passphrase []byte, secret string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to decode secret: %w", err)
	}
	if len(decoded) != saltSize+sha256.Size {
		return nil, fmt.Errorf("invalid secret length %d", len(decoded))
	}

	salt, sum := decoded[:saltSize], decoded[saltSize:]
	dk := pbkdf2.Key(passphrase, salt, iterations, keySize, sha256.New)
	dksum := sha256.Sum256(dk)
	if !bytes.Equal(dksum[:], sum) {
		return nil, ErrPassphraseMismatch
	}
	return dk, nil
}
