package commitment

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"BioMod/internal/storage"
	"BioMod/internal/types"
)

const (
	// maxDetail bounds the detail text stored per entry.
	maxDetail = 1024

	// maxExportEntry bounds one entry in an export stream.
	maxExportEntry = 1 << 16
)

// ErrChainBroken is returned when the audit hash chain does not verify.
var ErrChainBroken = errors.New("audit chain broken")

// Action is what an audit entry records.
type Action uint8

const (
	ActionConfirmed           Action = iota + 1 // ActionConfirmed is a sequence reaching Confirmed
	ActionRejected                              // ActionRejected is a gate or proof failure
	ActionExpired                               // ActionExpired is a round closing short of the threshold
	ActionAttestationRejected                   // ActionAttestationRejected is an invalid or unauthorized attestation
	ActionValidatorSlashed                      // ActionValidatorSlashed is a proven-invalid attestation penalty
	ActionValidatorRemoved                      // ActionValidatorRemoved is a TTL cleanup or zero-reputation removal
	ActionDuplicateCommitment                   // ActionDuplicateCommitment is a persist that hit an existing record
)

var actionNames = map[Action]string{
	ActionConfirmed:           "confirmed",
	ActionRejected:            "rejected",
	ActionExpired:             "expired",
	ActionAttestationRejected: "attestation_rejected",
	ActionValidatorSlashed:    "validator_slashed",
	ActionValidatorRemoved:    "validator_removed",
	ActionDuplicateCommitment: "duplicate_commitment",
}

// String returns the action name.
func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}

	return fmt.Sprintf("action(%d)", uint8(a))
}

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	Seq          uint64    // Seq is the position in the trail, starting at 0
	SequenceHash [32]byte  // SequenceHash is the subject, zero for validator-only events
	Action       Action    // Action is what happened
	Actor        [32]byte  // Actor is the acting validator, zero for the system
	Detail       string    // Detail is free-form context
	Timestamp    time.Time // Timestamp is when the entry was appended
	PrevHash     [32]byte  // PrevHash is the previous entry's Hash, zero for the first
	Hash         [32]byte  // Hash chains this entry to PrevHash
}

// computeHash returns the chain hash over every other field.
func (e *AuditEntry) computeHash() [32]byte {
	h := blake3.New()
	h.Write(e.PrevHash[:])

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], e.Seq)
	h.Write(buf[:])
	h.Write(e.SequenceHash[:])
	h.Write([]byte{byte(e.Action)})
	h.Write(e.Actor[:])
	binary.BigEndian.PutUint64(buf[:], uint64(e.Timestamp.UnixNano()))
	h.Write(buf[:])
	h.Write([]byte(e.Detail))

	var out [32]byte
	h.Sum(out[:0])

	return out
}

// AuditTrail is a hash-chained, append-only log on storage.
type AuditTrail struct {
	db   *storage.Storage // db is the backing key-value store
	mu   sync.Mutex       // mu serializes appends
	next uint64           // next is the sequence number of the next entry
	head [32]byte         // head is the hash of the last entry
	now  func() time.Time // now is the clock
}

// OpenAuditTrail loads the trail from db, verifying the chain to recover its head.
func OpenAuditTrail(db *storage.Storage) (*AuditTrail, error) {
	t := &AuditTrail{db: db, now: time.Now}

	next, head, err := t.scan()
	if err != nil {
		return nil, fmt.Errorf("open audit trail:\n%w", err)
	}

	t.next, t.head = next, head

	return t, nil
}

// Append records a new entry and returns it.
func (t *AuditTrail) Append(seqHash [32]byte, action Action, actor [32]byte, detail string) (AuditEntry, error) {
	detail = truncate(detail, maxDetail)

	t.mu.Lock()
	defer t.mu.Unlock()

	e := AuditEntry{
		Seq:          t.next,
		SequenceHash: seqHash,
		Action:       action,
		Actor:        actor,
		Detail:       detail,
		Timestamp:    t.now(),
		PrevHash:     t.head,
	}
	e.Hash = e.computeHash()

	err := t.db.InsertBatch([]storage.KeyValue{
		{Key: auditKey(e.Seq), Value: encodeEntry(&e)},
		{Key: auditIndexKey(seqHash, e.Seq), Value: []byte{}},
	})
	if err != nil {
		return AuditEntry{}, fmt.Errorf("%w: append audit entry:\n%w", ErrStorageUnavailable, err)
	}

	t.next++
	t.head = e.Hash

	return e, nil
}

// Head returns the number of entries and the hash of the last one.
func (t *AuditTrail) Head() (uint64, [32]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.next, t.head
}

// List returns the entries for a sequence hash in append order.
func (t *AuditTrail) List(seqHash [32]byte) ([]AuditEntry, error) {
	prefix := append([]byte(prefixAuditBySeq), seqHash[:]...)

	var seqs []uint64
	err := t.db.IteratePrefix(prefix, func(key, _ []byte) error {
		seqs = append(seqs, binary.BigEndian.Uint64(key[len(prefix):]))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list audit index:\n%w", ErrStorageUnavailable, err)
	}

	entries := make([]AuditEntry, 0, len(seqs))

	for _, seq := range seqs {
		data, err := t.db.Get(auditKey(seq))
		if err != nil {
			return nil, fmt.Errorf("%w: read audit entry %d:\n%w", ErrStorageUnavailable, seq, err)
		}

		if data == nil {
			return nil, fmt.Errorf("%w: indexed entry %d missing", ErrChainBroken, seq)
		}

		e, err := decodeEntry(data)
		if err != nil {
			return nil, err
		}

		entries = append(entries, *e)
	}

	return entries, nil
}

// Verify walks the whole trail and checks every link.
func (t *AuditTrail) Verify() error {
	_, _, err := t.scan()
	return err
}

// scan iterates all entries in order, checking sequence numbers and hashes.
func (t *AuditTrail) scan() (uint64, [32]byte, error) {
	var (
		next uint64
		head [32]byte
	)

	err := t.db.IteratePrefix([]byte(prefixAudit), func(_, value []byte) error {
		e, err := decodeEntry(value)
		if err != nil {
			return err
		}

		if err := checkLink(e, next, head); err != nil {
			return err
		}

		next++
		head = e.Hash

		return nil
	})

	return next, head, err
}

// Export writes every entry to w as a zstd stream of length-prefixed tables.
func (t *AuditTrail) Export(w io.Writer) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create encoder:\n%w", err)
	}

	var lenBuf [4]byte

	err = t.db.IteratePrefix([]byte(prefixAudit), func(_, value []byte) error {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(value)))

		if _, err := enc.Write(lenBuf[:]); err != nil {
			return err
		}

		_, err := enc.Write(value)
		return err
	})
	if err != nil {
		enc.Close()
		return fmt.Errorf("export audit trail:\n%w", err)
	}

	return enc.Close()
}

// VerifyExport reads an export stream and checks its chain.
// Returns the entry count and the head hash.
func VerifyExport(r io.Reader) (uint64, [32]byte, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, [32]byte{}, fmt.Errorf("create decoder:\n%w", err)
	}
	defer dec.Close()

	br := bufio.NewReader(dec)

	var (
		next   uint64
		head   [32]byte
		lenBuf [4]byte
	)

	for {
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return next, head, nil
			}

			return next, head, fmt.Errorf("read entry length:\n%w", err)
		}

		size := binary.BigEndian.Uint32(lenBuf[:])
		if size == 0 || size > maxExportEntry {
			return next, head, fmt.Errorf("entry %d: invalid size %d", next, size)
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(br, data); err != nil {
			return next, head, fmt.Errorf("read entry %d:\n%w", next, err)
		}

		e, err := decodeEntry(data)
		if err != nil {
			return next, head, err
		}

		if err := checkLink(e, next, head); err != nil {
			return next, head, err
		}

		next++
		head = e.Hash
	}
}

// checkLink verifies e is entry number seq following prev.
func checkLink(e *AuditEntry, seq uint64, prev [32]byte) error {
	if e.Seq != seq {
		return fmt.Errorf("%w: entry %d has seq %d", ErrChainBroken, seq, e.Seq)
	}

	if e.PrevHash != prev {
		return fmt.Errorf("%w: entry %d does not link to its predecessor", ErrChainBroken, seq)
	}

	if e.computeHash() != e.Hash {
		return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, seq)
	}

	return nil
}

// encodeEntry serializes an entry as a FlatBuffers AuditEntry table.
func encodeEntry(e *AuditEntry) []byte {
	builder := flatbuffers.NewBuilder(256 + len(e.Detail))

	seqVec := builder.CreateByteVector(e.SequenceHash[:])
	actorVec := builder.CreateByteVector(e.Actor[:])
	detail := builder.CreateString(e.Detail)
	prevVec := builder.CreateByteVector(e.PrevHash[:])
	hashVec := builder.CreateByteVector(e.Hash[:])

	types.AuditEntryStart(builder)
	types.AuditEntryAddSeq(builder, e.Seq)
	types.AuditEntryAddSequenceHash(builder, seqVec)
	types.AuditEntryAddAction(builder, byte(e.Action))
	types.AuditEntryAddActor(builder, actorVec)
	types.AuditEntryAddDetail(builder, detail)
	types.AuditEntryAddTimestamp(builder, e.Timestamp.UnixNano())
	types.AuditEntryAddPrevHash(builder, prevVec)
	types.AuditEntryAddHash(builder, hashVec)
	builder.Finish(types.AuditEntryEnd(builder))

	return builder.FinishedBytes()
}

// decodeEntry parses an AuditEntry table without panicking on bad input.
func decodeEntry(data []byte) (e *AuditEntry, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			e, err = nil, fmt.Errorf("%w: malformed entry: %v", ErrChainBroken, rec)
		}
	}()

	if len(data) < 8 {
		return nil, fmt.Errorf("%w: entry too short", ErrChainBroken)
	}

	fb := types.GetRootAsAuditEntry(data, 0)

	e = &AuditEntry{
		Seq:       fb.Seq(),
		Action:    Action(fb.Action()),
		Detail:    string(fb.Detail()),
		Timestamp: time.Unix(0, fb.Timestamp()),
	}

	fields := []struct {
		dst  []byte
		src  []byte
		name string
	}{
		{e.SequenceHash[:], fb.SequenceHashBytes(), "sequence hash"},
		{e.Actor[:], fb.ActorBytes(), "actor"},
		{e.PrevHash[:], fb.PrevHashBytes(), "prev hash"},
		{e.Hash[:], fb.HashBytes(), "hash"},
	}

	for _, f := range fields {
		if err := copyHash(f.dst, f.src, f.name); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrChainBroken, err)
		}
	}

	return e, nil
}

// auditKey returns the storage key for entry seq.
func auditKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(prefixAudit), seq)
}

// auditIndexKey returns the per-sequence index key for entry seq.
func auditIndexKey(seqHash [32]byte, seq uint64) []byte {
	key := append([]byte(prefixAuditBySeq), seqHash[:]...)
	return binary.BigEndian.AppendUint64(key, seq)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}

	return s[:n]
}
