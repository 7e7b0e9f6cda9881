// Package credential resolves secrets that are not set in configuration
// from the OS keyring.
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// Well-known keys under which the engine's secrets are stored.
const (
	KeyTransportSecret = "transport.client_secret"
	KeyIMAPPassword    = "imap.password"
)

type Store struct {
	ring keyring.Keyring
}

// Open returns a store backed by the first available system keyring, with an
// encrypted file under dir as the last resort.
func Open(service, dir string) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(service + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

// NewStore wraps an already open keyring.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

func (s *Store) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

func (s *Store) Set(key, value string) error {
	if err := s.ring.Set(keyring.Item{Key: key, Data: []byte(value)}); err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(key string) error {
	if err := s.ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

// Resolve returns value when it is set, otherwise the keyring entry for key.
// A missing entry yields an empty string.
func (s *Store) Resolve(value, key string) (string, error) {
	if value != "" || s == nil {
		return value, nil
	}
	v, err := s.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	return v, err
}
