package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// KV is the raw key/value view a backend hands to one unit of work.
// Get returns (nil, nil) for a missing key.
type KV interface {
	Get(bucket, key string) ([]byte, error)
	Put(bucket, key string, value []byte) error
	Keys(bucket, prefix string) ([]string, error)
}

// Backend stores buckets of records durably and runs units of work
// against them.
//
// Update must apply every Put of fn atomically, or none when fn returns an
// error. Concurrent Updates must be serializable.
type Backend interface {
	Update(ctx context.Context, fn func(kv KV) error) error
	View(ctx context.Context, fn func(kv KV) error) error
	Close() error
}

// MemoryBackend keeps buckets in process memory. Writers are serialized by
// one lock and stage their writes in an overlay that is merged only when
// the unit succeeds.
type MemoryBackend struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{buckets: make(map[string]map[string][]byte)}
}

// Update implements Backend.
func (m *MemoryBackend) Update(ctx context.Context, fn func(kv KV) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := &memoryKV{base: m.buckets, writes: make(map[string]map[string][]byte)}
	if err := fn(staged); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for bucket, kvs := range staged.writes {
		dst, ok := m.buckets[bucket]
		if !ok {
			dst = make(map[string][]byte)
			m.buckets[bucket] = dst
		}
		for k, v := range kvs {
			dst[k] = v
		}
	}
	return nil
}

// View implements Backend.
func (m *MemoryBackend) View(_ context.Context, fn func(kv KV) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memoryKV{base: m.buckets})
}

// Close implements Backend.
func (m *MemoryBackend) Close() error { return nil }

type memoryKV struct {
	base   map[string]map[string][]byte
	writes map[string]map[string][]byte // nil in read-only units
}

func (kv *memoryKV) Get(bucket, key string) ([]byte, error) {
	if w, ok := kv.writes[bucket]; ok {
		if v, ok := w[key]; ok {
			return clone(v), nil
		}
	}
	if v, ok := kv.base[bucket][key]; ok {
		return clone(v), nil
	}
	return nil, nil
}

func (kv *memoryKV) Put(bucket, key string, value []byte) error {
	if kv.writes == nil {
		return ErrReadOnly
	}
	w, ok := kv.writes[bucket]
	if !ok {
		w = make(map[string][]byte)
		kv.writes[bucket] = w
	}
	w[key] = clone(value)
	return nil
}

func (kv *memoryKV) Keys(bucket, prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	for k := range kv.base[bucket] {
		if strings.HasPrefix(k, prefix) {
			seen[k] = struct{}{}
		}
	}
	for k := range kv.writes[bucket] {
		if strings.HasPrefix(k, prefix) {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
