package secrets

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// Resolver fills empty secret values from the OS keyring.
type Resolver struct {
	ring keyring.Keyring
}

// Open returns a keyring-backed resolver for service.
func Open(service, fileDir string) (*Resolver, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KeychainBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(service + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Resolver{ring: ring}, nil
}

// NewResolver wraps an already opened keyring.
func NewResolver(ring keyring.Keyring) *Resolver {
	return &Resolver{ring: ring}
}

// Fill sets *dst to the keyring value stored under key when *dst is empty.
// A key absent from the keyring leaves *dst untouched.
func (r *Resolver) Fill(dst *string, key string) error {
	if *dst != "" {
		return nil
	}
	item, err := r.ring.Get(key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("getting secret %q: %w", key, err)
	}
	*dst = string(item.Data)
	return nil
}

// Set stores a secret value.
func (r *Resolver) Set(key, value string) error {
	if err := r.ring.Set(keyring.Item{Key: key, Data: []byte(value)}); err != nil {
		return fmt.Errorf("setting secret %q: %w", key, err)
	}
	return nil
}
