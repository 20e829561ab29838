package crypto

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// EncryptionKeyName is the persistence entry holding the symmetric key.
const EncryptionKeyName = "encryption_key"

// ErrKeyAccess is returned when the key cannot be read, generated or stored.
var ErrKeyAccess = errors.New("failed to get encryption key")

// KeyStore provides the per-installation symmetric key.
type KeyStore interface {
	// GetOrCreateKey returns the stored key, creating and persisting one on
	// first use.
	GetOrCreateKey(ctx context.Context) (SymmetricKey, error)
}

// KeyValueStore is the persistence the key store relies on. Get returns
// (nil, nil) when the entry is absent.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// PersistentKeyStore keeps the key in a KeyValueStore and caches it in
// memory once loaded. Concurrent first calls share a single generation.
type PersistentKeyStore struct {
	store  KeyValueStore
	logger *logrus.Logger

	group singleflight.Group

	mu     sync.RWMutex
	cached SymmetricKey
}

// NewKeyStore creates a key store backed by store.
func NewKeyStore(store KeyValueStore, logger *logrus.Logger) *PersistentKeyStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PersistentKeyStore{store: store, logger: logger}
}

// GetOrCreateKey implements KeyStore.
func (s *PersistentKeyStore) GetOrCreateKey(ctx context.Context) (SymmetricKey, error) {
	s.mu.RLock()
	cached := s.cached
	s.mu.RUnlock()
	if cached != "" {
		return cached, nil
	}

	v, err, _ := s.group.Do(EncryptionKeyName, func() (interface{}, error) {
		return s.loadOrCreate(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(SymmetricKey), nil
}

// Fingerprint returns the fingerprint of the current key.
func (s *PersistentKeyStore) Fingerprint(ctx context.Context) (KeyFingerprint, error) {
	key, err := s.GetOrCreateKey(ctx)
	if err != nil {
		return "", err
	}
	return key.Fingerprint(), nil
}

func (s *PersistentKeyStore) loadOrCreate(ctx context.Context) (SymmetricKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != "" {
		return s.cached, nil
	}

	raw, err := s.store.Get(ctx, EncryptionKeyName)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyAccess, err)
	}

	if len(raw) > 0 {
		key := SymmetricKey(raw)
		if !IsValidKey(string(raw)) {
			s.logger.WithField("length", len(raw)).Warn("Stored encryption key has an unexpected shape")
		}
		s.cached = key
		return key, nil
	}

	key, err := GenerateKey()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyAccess, err)
	}
	if err := s.store.Set(ctx, EncryptionKeyName, key.Bytes()); err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyAccess, err)
	}

	s.logger.WithFields(logrus.Fields{
		"fingerprint": string(key.Fingerprint()),
	}).Info("Generated new encryption key")

	s.cached = key
	return key, nil
}

// StaticKeyStore serves a fixed key. It is used when the key is supplied
// out of band, for example by a decrypt command given an explicit key.
type StaticKeyStore struct {
	Key SymmetricKey
}

// GetOrCreateKey implements KeyStore.
func (s StaticKeyStore) GetOrCreateKey(context.Context) (SymmetricKey, error) {
	if s.Key == "" {
		return "", fmt.Errorf("%w: no key configured", ErrKeyAccess)
	}
	return s.Key, nil
}
