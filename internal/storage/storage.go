package storage

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond
)

var (
	// ErrKeyExists is returned by Insert when the key is already present.
	ErrKeyExists = errors.New("key already exists")

	// ErrClosed is returned for any operation after Close.
	ErrClosed = errors.New("storage closed")
)

// KeyValue represents a key-value pair for batch operations.
type KeyValue struct {
	Key   []byte // Key is the key to store
	Value []byte // Value is the value to store
}

// Storage is a key-value store backed by Pebble.
// Set and SetBatch are buffered (NoSync) and flushed by a background WAL sync loop.
// Insert is write-once and synced before returning.
type Storage struct {
	db       *pebble.DB    // db is the underlying Pebble database
	insertMu sync.Mutex    // insertMu serializes check-then-write in Insert
	closed   atomic.Bool   // closed is set once Close has been called
	stopSync chan struct{} // stopSync signals the sync goroutine to stop
	wg       sync.WaitGroup
}

// New opens (or creates) a Storage at the given path.
func New(path string) (*Storage, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(16 << 20), // 16 MB cache
		MemTableSize:                8 << 20,                   // 8 MB memtable
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	s := &Storage{
		db:       db,
		stopSync: make(chan struct{}),
	}

	s.startSyncLoop()

	return s, nil
}

// Get returns a copy of the value for key, or nil if the key does not exist.
func (s *Storage) Get(key []byte) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// Has reports whether key exists.
func (s *Storage) Has(key []byte) (bool, error) {
	v, err := s.Get(key)
	if err != nil {
		return false, err
	}

	return v != nil, nil
}

// Set stores a key-value pair, overwriting any previous value.
func (s *Storage) Set(key, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	return s.db.Set(key, value, pebble.NoSync)
}

// Insert stores a key-value pair only if key is absent, then syncs the WAL.
// Returns ErrKeyExists without touching the stored value otherwise.
func (s *Storage) Insert(key, value []byte) error {
	s.insertMu.Lock()
	defer s.insertMu.Unlock()

	exists, err := s.Has(key)
	if err != nil {
		return err
	}

	if exists {
		return ErrKeyExists
	}

	return s.db.Set(key, value, pebble.Sync)
}

// InsertBatch atomically stores all pairs if none of the keys exist yet.
func (s *Storage) InsertBatch(pairs []KeyValue) error {
	s.insertMu.Lock()
	defer s.insertMu.Unlock()

	for _, kv := range pairs {
		exists, err := s.Has(kv.Key)
		if err != nil {
			return err
		}

		if exists {
			return ErrKeyExists
		}
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, kv := range pairs {
		if err := batch.Set(kv.Key, kv.Value, nil); err != nil {
			return err
		}
	}

	return batch.Commit(pebble.Sync)
}

// IteratePrefix calls fn for each key-value pair with the given prefix, in key order.
// If fn returns an error, iteration stops and the error is returned.
// Keys and values are only valid for the duration of the callback.
func (s *Storage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	if s.closed.Load() {
		return ErrClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Increments the last byte; returns nil if prefix is all 0xFF (full range).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil
}

// Close stops the sync goroutine, flushes the WAL and closes the database.
func (s *Storage) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	close(s.stopSync)
	s.wg.Wait()

	if err := s.sync(); err != nil {
		return err
	}

	return s.db.Close()
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (s *Storage) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *Storage) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}
