package crypto

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryKV struct {
	mu     sync.Mutex
	data   map[string][]byte
	writes atomic.Int32
	getErr error
	setErr error
	delay  time.Duration
}

func newMemoryKV() *memoryKV {
	return &memoryKV{data: make(map[string][]byte)}
}

func (m *memoryKV) Get(_ context.Context, key string) ([]byte, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.data[key], nil
}

func (m *memoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.writes.Add(1)
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestKeyStore_CreatesOnce(t *testing.T) {
	kv := newMemoryKV()
	ks := NewKeyStore(kv, quietLogger())
	ctx := context.Background()

	first, err := ks.GetOrCreateKey(ctx)
	require.NoError(t, err)
	assert.True(t, IsValidKey(string(first)))

	second, err := ks.GetOrCreateKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), kv.writes.Load())
	assert.Equal(t, []byte(first), kv.data[EncryptionKeyName])
}

func TestKeyStore_ConcurrentFirstUse(t *testing.T) {
	kv := newMemoryKV()
	kv.delay = 10 * time.Millisecond
	ks := NewKeyStore(kv, quietLogger())

	const callers = 16
	keys := make([]SymmetricKey, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key, err := ks.GetOrCreateKey(context.Background())
			assert.NoError(t, err)
			keys[i] = key
		}(i)
	}
	wg.Wait()

	for _, k := range keys {
		assert.Equal(t, keys[0], k)
	}
	assert.Equal(t, int32(1), kv.writes.Load(), "fresh store must be written exactly once")
}

func TestKeyStore_LoadsExisting(t *testing.T) {
	kv := newMemoryKV()
	existing, err := GenerateKey()
	require.NoError(t, err)
	kv.data[EncryptionKeyName] = []byte(existing)

	ks := NewKeyStore(kv, quietLogger())
	key, err := ks.GetOrCreateKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, existing, key)
	assert.Equal(t, int32(0), kv.writes.Load())

	fp, err := ks.Fingerprint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, existing.Fingerprint(), fp)
}

func TestKeyStore_NewInstanceSameKey(t *testing.T) {
	kv := newMemoryKV()
	ctx := context.Background()

	first, err := NewKeyStore(kv, quietLogger()).GetOrCreateKey(ctx)
	require.NoError(t, err)
	second, err := NewKeyStore(kv, quietLogger()).GetOrCreateKey(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), kv.writes.Load())
}

func TestKeyStore_StorageFailures(t *testing.T) {
	t.Run("read", func(t *testing.T) {
		kv := newMemoryKV()
		kv.getErr = errors.New("disk unavailable")
		_, err := NewKeyStore(kv, quietLogger()).GetOrCreateKey(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrKeyAccess))
	})

	t.Run("write", func(t *testing.T) {
		kv := newMemoryKV()
		kv.setErr = errors.New("read-only storage")
		ks := NewKeyStore(kv, quietLogger())
		_, err := ks.GetOrCreateKey(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrKeyAccess))

		// The failed key must not be cached.
		kv.setErr = nil
		key, err := ks.GetOrCreateKey(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte(key), kv.data[EncryptionKeyName])
	})
}

func TestStaticKeyStore(t *testing.T) {
	key, err := StaticKeyStore{Key: "fixed"}.GetOrCreateKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SymmetricKey("fixed"), key)

	_, err = StaticKeyStore{}.GetOrCreateKey(context.Background())
	assert.True(t, errors.Is(err, ErrKeyAccess))
}
