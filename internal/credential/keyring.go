// Package credential resolves mailbox and relay passwords from the system
// keyring, falling back to configured plaintext values.
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailproc"

// ErrNotFound is returned when the keyring has no item for a key.
var ErrNotFound = errors.New("credential not found")

// Resolver reads and writes secrets in one keyring.
type Resolver struct {
	ring keyring.Keyring
}

// Open returns a Resolver over the first available system backend. fileDir
// is used by the encrypted file backend.
func Open(fileDir string) (*Resolver, error) {
	if fileDir == "" {
		fileDir = "~/.config/mailproc/credentials"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("mailproc-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Resolver{ring: ring}, nil
}

// NewResolver wraps an existing keyring.
func NewResolver(ring keyring.Keyring) *Resolver {
	return &Resolver{ring: ring}
}

// Password returns the keyring item for key, or fallback when key is empty
// or the resolver is nil.
func (r *Resolver) Password(key, fallback string) (string, error) {
	if key == "" || r == nil || r.ring == nil {
		return fallback, nil
	}
	item, err := r.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Store writes secret under key.
func (r *Resolver) Store(key, secret string) error {
	err := r.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(secret),
		Label: serviceName + " " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (r *Resolver) Delete(key string) error {
	if err := r.ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}
