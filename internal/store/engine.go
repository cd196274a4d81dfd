package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// errKeyNotFound is returned by Txn.Get when a key doesn't exist
var errKeyNotFound = errors.New("key not found")

// errReadOnly is returned when a write is attempted inside a View
var errReadOnly = errors.New("read-only transaction")

// Engine is the key-value backend behind a Store.
// All implementations must give Update serializable semantics: a function
// passed to Update either commits every write it made or none of them.
type Engine interface {
	// Update runs fn in a read-write transaction.
	// Returning an error from fn discards all of its writes.
	Update(ctx context.Context, fn func(tx Txn) error) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Txn) error) error

	// Close releases the engine's resources.
	Close() error
}

// Txn is the view of the keyspace inside a transaction.
type Txn interface {
	// Get returns a copy of the value stored at key, or errKeyNotFound.
	Get(key string) ([]byte, error)

	// Set stores value at key, overwriting any existing value.
	Set(key string, value []byte) error

	// Delete removes key. No error if key doesn't exist.
	Delete(key string) error

	// Scan calls fn for every key with the given prefix in key order.
	Scan(prefix string, fn func(key string, value []byte) error) error
}

// MemoryEngine implements Engine with an in-memory map.
// Transactions are serialized by a single RWMutex, which is enough to make
// every compare-and-set in Store atomic within one process.
type MemoryEngine struct {
	mu   sync.RWMutex      // Protects concurrent access
	data map[string][]byte // Key-value storage
}

// NewMemoryEngine creates a new in-memory engine
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		data: make(map[string][]byte),
	}
}

// Update runs fn under the write lock and applies its buffered writes on success.
func (m *MemoryEngine) Update(ctx context.Context, fn func(tx Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTxn{base: m.data, writes: map[string][]byte{}, deletes: map[string]bool{}, writable: true}
	if err := fn(tx); err != nil {
		return err
	}
	for k := range tx.deletes {
		delete(m.data, k)
	}
	for k, v := range tx.writes {
		m.data[k] = v
	}
	return nil
}

// View runs fn under the read lock.
func (m *MemoryEngine) View(ctx context.Context, fn func(tx Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTxn{base: m.data})
}

// Close is a no-op for the memory engine.
func (m *MemoryEngine) Close() error { return nil }

// Len returns the number of keys stored.
func (m *MemoryEngine) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

type memTxn struct {
	base     map[string][]byte
	writes   map[string][]byte
	deletes  map[string]bool
	writable bool
}

func (t *memTxn) Get(key string) ([]byte, error) {
	if t.deletes[key] {
		return nil, errKeyNotFound
	}
	if v, ok := t.writes[key]; ok {
		return clone(v), nil
	}
	v, ok := t.base[key]
	if !ok {
		return nil, errKeyNotFound
	}
	return clone(v), nil
}

func (t *memTxn) Set(key string, value []byte) error {
	if !t.writable {
		return errReadOnly
	}
	delete(t.deletes, key)
	t.writes[key] = clone(value)
	return nil
}

func (t *memTxn) Delete(key string) error {
	if !t.writable {
		return errReadOnly
	}
	delete(t.writes, key)
	t.deletes[key] = true
	return nil
}

func (t *memTxn) Scan(prefix string, fn func(key string, value []byte) error) error {
	keys := make([]string, 0)
	for k := range t.base {
		if strings.HasPrefix(k, prefix) && !t.deletes[k] {
			if _, shadowed := t.writes[k]; !shadowed {
				keys = append(keys, k)
			}
		}
	}
	for k := range t.writes {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := t.Get(k)
		if err != nil {
			return err
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func clone(v []byte) []byte {
	out := make([]byte, len(v))
	copy(out, v)
	return out
}
