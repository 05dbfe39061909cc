// Package proof builds and verifies the committed-witness proof bundle.
//
// The prover splits the sequence into fixed-size chunks, commits to each
// chunk under a per-chunk salt in a Merkle tree, and commits to the content
// hash under the master salt. A Fiat-Shamir challenge over the root, the
// public inputs and the witness commitment selects the leaves that are
// opened. Verification costs O(samples * log n) against O(n) construction.
package proof

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"

	lru "github.com/hashicorp/golang-lru"
	"github.com/zeebo/blake3"

	"BioMod/internal/merkle"
	"BioMod/internal/quality"
)

// Domain separation strings.
const (
	challengeDomain  = "biomod-proof-challenge"
	transcriptDomain = "biomod-proof-transcript"
	sampleDomain     = "biomod-proof-sample"
	chunkSaltDomain  = "biomod-chunk-salt"
)

var (
	// ErrQualityBelowThreshold is returned by Build when metrics fail the predicate.
	ErrQualityBelowThreshold = errors.New("quality below threshold")

	// ErrProofConstruction is returned by Build for any non-quality failure.
	ErrProofConstruction = errors.New("proof construction failed")

	// ErrInvalidMerkleRoot is returned when an opening does not reconstruct the root.
	ErrInvalidMerkleRoot = errors.New("invalid merkle root")

	// ErrInvalidZkProof is returned when the transcript, geometry or public inputs are invalid.
	ErrInvalidZkProof = errors.New("invalid zk proof")
)

// Config holds the proof policy. Engines that verify each other's proofs
// must agree on ChunkSize and Samples.
type Config struct {
	ChunkSize    int          // ChunkSize is the Merkle chunk size in bytes
	Samples      int          // Samples is the number of challenged leaves
	MaxChunks    int          // MaxChunks bounds the accepted chunk count
	MaxProofSize int          // MaxProofSize bounds encoded proofs accepted by VerifyEncoded
	CacheSize    int          // CacheSize is the verification cache capacity, 0 disables it
	Gate         quality.Gate // Gate is always enforced on public inputs
	Predicate    Predicate    // Predicate is an optional extra policy, e.g. a WASM module
}

// DefaultConfig returns the default proof policy.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    1024,
		Samples:      16,
		MaxChunks:    1 << 20,
		MaxProofSize: 1 << 20,
		CacheSize:    4096,
		Gate:         quality.DefaultGate(),
	}
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}

	if c.Samples <= 0 || c.Samples > 0xFFFF {
		return fmt.Errorf("samples must be in [1, 65535]")
	}

	if c.MaxChunks <= 0 || c.MaxChunks > 1<<24 {
		return fmt.Errorf("max chunks must be in [1, 2^24]")
	}

	if c.MaxProofSize <= 0 {
		return fmt.Errorf("max proof size must be positive")
	}

	return c.Gate.Validate()
}

// Engine builds and verifies proofs.
type Engine struct {
	cfg   Config     // cfg is the proof policy
	cache *lru.Cache // cache maps proof digest to verification error
	rand  io.Reader  // rand is the salt source
}

// verdict is a cached verification result.
type verdict struct {
	err error
}

// NewEngine creates a proof engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid proof config:\n%w", err)
	}

	e := &Engine{cfg: cfg, rand: rand.Reader}

	if cfg.CacheSize > 0 {
		cache, err := lru.New(cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create verification cache:\n%w", err)
		}

		e.cache = cache
	}

	return e, nil
}

// Config returns the engine's policy.
func (e *Engine) Config() Config {
	return e.cfg
}

// Build constructs a proof for data with the given metrics.
func (e *Engine) Build(ctx context.Context, data []byte, m quality.Metrics) (*Proof, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProofConstruction, err)
	}

	if err := e.checkPolicy(ctx, m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQualityBelowThreshold, err)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty sequence", ErrProofConstruction)
	}

	count := chunkCount(uint64(len(data)), uint32(e.cfg.ChunkSize))
	if count > uint64(e.cfg.MaxChunks) {
		return nil, fmt.Errorf("%w: %d chunks exceeds limit %d", ErrProofConstruction, count, e.cfg.MaxChunks)
	}

	p := &Proof{ContentHash: blake3.Sum256(data)}

	if _, err := io.ReadFull(e.rand, p.salt[:]); err != nil {
		return nil, fmt.Errorf("%w: read salt: %w", ErrProofConstruction, err)
	}

	leaves := make([]merkle.Hash, count)
	for i := range leaves {
		salt := chunkSalt(p.salt, uint32(i))
		leaves[i] = merkle.LeafHash(salt[:], chunk(data, i, e.cfg.ChunkSize))
	}

	root, err := merkle.Root(leaves)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProofConstruction, err)
	}

	p.MerkleRoot = root
	p.Witness = witnessCommitment(p.salt, p.ContentHash)
	p.Public = PublicInputs{
		Coverage:      m.Coverage,
		ErrorRate:     m.ErrorRate,
		QualityScore:  m.QualityScore,
		MetricsDigest: m.Digest(),
		Length:        uint64(len(data)),
		ChunkSize:     uint32(e.cfg.ChunkSize),
		ChunkCount:    uint32(count),
	}

	challenge := p.challenge()
	indices := sampleIndices(challenge, uint32(count), e.cfg.Samples)

	p.Openings = make([]Opening, len(indices))
	for i, idx := range indices {
		path, err := merkle.Proof(leaves, int(idx))
		if err != nil {
			return nil, fmt.Errorf("%w: open leaf %d: %w", ErrProofConstruction, idx, err)
		}

		p.Openings[i] = Opening{Index: idx, Leaf: leaves[idx], Path: path}
	}

	p.Transcript = transcript(challenge, p.Openings)

	return p, nil
}

// Verify checks a proof against the engine's policy.
// Results are cached by proof digest.
func (e *Engine) Verify(ctx context.Context, p *Proof) error {
	if p == nil {
		return fmt.Errorf("%w: nil proof", ErrInvalidZkProof)
	}

	var key [32]byte
	if e.cache != nil {
		key = p.Digest()
		if v, ok := e.cache.Get(key); ok {
			return v.(verdict).err
		}
	}

	err := e.verify(ctx, p)

	// Context errors say nothing about the proof itself.
	if e.cache != nil && ctx.Err() == nil {
		e.cache.Add(key, verdict{err: err})
	}

	return err
}

// VerifyEncoded decodes and verifies an encoded proof.
func (e *Engine) VerifyEncoded(ctx context.Context, data []byte) (*Proof, error) {
	if len(data) > e.cfg.MaxProofSize {
		return nil, fmt.Errorf("%w: proof size %d exceeds limit %d", ErrInvalidZkProof, len(data), e.cfg.MaxProofSize)
	}

	p, err := DecodeProof(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidZkProof, err)
	}

	if err := e.Verify(ctx, p); err != nil {
		return nil, err
	}

	return p, nil
}

// verify runs the uncached checks. Openings are checked before the challenge
// so that a corrupted root is always reported as ErrInvalidMerkleRoot.
func (e *Engine) verify(ctx context.Context, p *Proof) error {
	in := p.Public

	if err := e.checkGeometry(in); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidZkProof, err)
	}

	for i, o := range p.Openings {
		if o.Index >= in.ChunkCount {
			return fmt.Errorf("%w: opening %d index %d out of range", ErrInvalidMerkleRoot, i, o.Index)
		}

		if !merkle.Verify(o.Leaf, int(o.Index), int(in.ChunkCount), o.Path, p.MerkleRoot) {
			return fmt.Errorf("%w: opening %d does not reconstruct root", ErrInvalidMerkleRoot, i)
		}
	}

	if p.Witness == ([32]byte{}) {
		return fmt.Errorf("%w: empty witness commitment", ErrInvalidZkProof)
	}

	challenge := p.challenge()
	want := sampleIndices(challenge, in.ChunkCount, e.cfg.Samples)

	if len(want) != len(p.Openings) {
		return fmt.Errorf("%w: %d openings, challenge requires %d", ErrInvalidZkProof, len(p.Openings), len(want))
	}

	for i, idx := range want {
		if p.Openings[i].Index != idx {
			return fmt.Errorf("%w: opening %d not selected by challenge", ErrInvalidZkProof, i)
		}
	}

	if transcript(challenge, p.Openings) != p.Transcript {
		return fmt.Errorf("%w: transcript mismatch", ErrInvalidZkProof)
	}

	if err := e.checkPolicy(ctx, in.Metrics()); err != nil {
		return fmt.Errorf("%w: public inputs: %w", ErrInvalidZkProof, err)
	}

	return nil
}

// checkGeometry validates length, chunk size and chunk count.
func (e *Engine) checkGeometry(in PublicInputs) error {
	if in.Length == 0 {
		return fmt.Errorf("empty sequence")
	}

	if in.ChunkSize != uint32(e.cfg.ChunkSize) {
		return fmt.Errorf("chunk size %d, expected %d", in.ChunkSize, e.cfg.ChunkSize)
	}

	if in.ChunkCount == 0 || in.ChunkCount > uint32(e.cfg.MaxChunks) {
		return fmt.Errorf("chunk count %d outside [1, %d]", in.ChunkCount, e.cfg.MaxChunks)
	}

	if uint64(in.ChunkCount) != chunkCount(in.Length, in.ChunkSize) {
		return fmt.Errorf("chunk count %d does not match length %d", in.ChunkCount, in.Length)
	}

	return nil
}

// checkPolicy applies the gate, then the optional predicate.
func (e *Engine) checkPolicy(ctx context.Context, m quality.Metrics) error {
	if err := e.cfg.Gate.Check(m); err != nil {
		return err
	}

	if e.cfg.Predicate != nil {
		return e.cfg.Predicate.Check(ctx, m)
	}

	return nil
}

// challenge derives the Fiat-Shamir challenge.
func (p *Proof) challenge() [32]byte {
	h := blake3.New()
	h.Write([]byte(challengeDomain))
	h.Write(p.ContentHash[:])
	h.Write(p.MerkleRoot[:])
	h.Write(appendPublic(nil, p.Public))
	h.Write(p.Witness[:])

	var out [32]byte
	h.Sum(out[:0])

	return out
}

// transcript binds the challenge to the opened leaves.
func transcript(challenge [32]byte, openings []Opening) [32]byte {
	h := blake3.New()
	h.Write([]byte(transcriptDomain))
	h.Write(challenge[:])

	var idx [4]byte
	for _, o := range openings {
		binary.BigEndian.PutUint32(idx[:], o.Index)
		h.Write(idx[:])
		h.Write(o.Leaf[:])
	}

	var out [32]byte
	h.Sum(out[:0])

	return out
}

// sampleIndices returns min(samples, count) distinct ascending leaf indices derived from challenge.
func sampleIndices(challenge [32]byte, count uint32, samples int) []uint32 {
	if uint64(samples) >= uint64(count) {
		all := make([]uint32, count)
		for i := range all {
			all[i] = uint32(i)
		}

		return all
	}

	seen := make(map[uint32]struct{}, samples)
	out := make([]uint32, 0, samples)

	var buf [len(sampleDomain) + 32 + 8]byte
	copy(buf[:], sampleDomain)
	copy(buf[len(sampleDomain):], challenge[:])

	for ctr := uint64(0); len(out) < samples; ctr++ {
		binary.BigEndian.PutUint64(buf[len(sampleDomain)+32:], ctr)
		sum := blake3.Sum256(buf[:])
		idx := uint32(binary.BigEndian.Uint64(sum[:8]) % uint64(count))

		if _, dup := seen[idx]; dup {
			continue
		}

		seen[idx] = struct{}{}
		out = append(out, idx)
	}

	slices.Sort(out)

	return out
}

// witnessCommitment is keyed-blake3(salt, contentHash).
func witnessCommitment(salt, contentHash [32]byte) [32]byte {
	h, _ := blake3.NewKeyed(salt[:])
	h.Write(contentHash[:])

	var out [32]byte
	h.Sum(out[:0])

	return out
}

// chunkSalt derives the salt for chunk i from the master salt.
func chunkSalt(master [32]byte, i uint32) [32]byte {
	h, _ := blake3.NewKeyed(master[:])
	h.Write([]byte(chunkSaltDomain))

	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], i)
	h.Write(idx[:])

	var out [32]byte
	h.Sum(out[:0])

	return out
}

// chunk returns the i-th chunk of data.
func chunk(data []byte, i, size int) []byte {
	start := i * size
	end := min(start+size, len(data))

	return data[start:end]
}

// chunkCount returns ceil(length / size).
func chunkCount(length uint64, size uint32) uint64 {
	if size == 0 {
		return 0
	}

	return (length + uint64(size) - 1) / uint64(size)
}
