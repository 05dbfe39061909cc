// Package commitment persists confirmed commitments and the audit trail.
package commitment

import (
	"errors"
	"fmt"

	"BioMod/internal/storage"
)

// Key prefixes.
const (
	prefixCommitment = "c:" // prefixCommitment + seqHash -> Commitment table
	prefixAudit      = "a:" // prefixAudit + seq BE -> AuditEntry table
	prefixAuditBySeq = "s:" // prefixAuditBySeq + seqHash + seq BE -> empty
)

var (
	// ErrAlreadyExists is returned when a commitment for the hash is already stored.
	ErrAlreadyExists = errors.New("commitment already exists")

	// ErrStorageUnavailable wraps any underlying storage failure.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Store is the write-once commitment ledger.
type Store struct {
	db *storage.Storage // db is the backing key-value store
}

// NewStore creates a commitment store on db.
func NewStore(db *storage.Storage) *Store {
	return &Store{db: db}
}

// Persist stores rec once. A second persist for the same hash returns
// ErrAlreadyExists and leaves the stored record untouched.
func (s *Store) Persist(rec *Record) error {
	err := s.db.Insert(commitmentKey(rec.SequenceHash), EncodeRecord(rec))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrKeyExists):
		return ErrAlreadyExists
	default:
		return fmt.Errorf("%w: persist commitment:\n%w", ErrStorageUnavailable, err)
	}
}

// Read returns the commitment for hash, or nil if none is stored.
func (s *Store) Read(hash [32]byte) (*Record, error) {
	data, err := s.db.Get(commitmentKey(hash))
	if err != nil {
		return nil, fmt.Errorf("%w: read commitment:\n%w", ErrStorageUnavailable, err)
	}

	if data == nil {
		return nil, nil
	}

	rec, err := DecodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("decode commitment %x:\n%w", hash[:8], err)
	}

	return rec, nil
}

// commitmentKey returns the storage key for a sequence hash.
func commitmentKey(hash [32]byte) []byte {
	return append([]byte(prefixCommitment), hash[:]...)
}
