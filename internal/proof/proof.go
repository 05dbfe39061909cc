package proof

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zeebo/blake3"

	"BioMod/internal/merkle"
	"BioMod/internal/quality"
)

// proofVersion is the first byte of every encoded proof.
const proofVersion = 0x01

// fixedSize is the encoded size of everything before the openings.
// Layout: [1B ver][32B content][32B root][32B witness][32B transcript][32B metrics]
// [4B coverage][8B errorRate][8B quality][8B length][4B chunkSize][4B chunkCount][2B n]
const fixedSize = 1 + 5*32 + 4 + 8 + 8 + 8 + 4 + 4 + 2

// PublicInputs are the values a verifier checks against its own thresholds.
type PublicInputs struct {
	Coverage      uint32   // Coverage is the claimed read depth
	ErrorRate     float64  // ErrorRate is the claimed per-base error rate
	QualityScore  float64  // QualityScore is the claimed quality score
	MetricsDigest [32]byte // MetricsDigest binds the full metrics, intervals included
	Length        uint64   // Length is the sequence length in bytes
	ChunkSize     uint32   // ChunkSize is the Merkle chunk size in bytes
	ChunkCount    uint32   // ChunkCount is the number of Merkle leaves
}

// Metrics returns the scalar metrics carried by the public inputs.
func (in PublicInputs) Metrics() quality.Metrics {
	return quality.Metrics{
		Coverage:     in.Coverage,
		ErrorRate:    in.ErrorRate,
		QualityScore: in.QualityScore,
	}
}

// Opening reveals one salted leaf and its inclusion path.
type Opening struct {
	Index uint32        // Index is the leaf position
	Leaf  merkle.Hash   // Leaf is the salted leaf hash
	Path  []merkle.Hash // Path is ordered leaf to root
}

// Proof is the bundle a validator checks without seeing the raw bytes.
type Proof struct {
	ContentHash [32]byte     // ContentHash is blake3 of the raw bytes
	MerkleRoot  merkle.Hash  // MerkleRoot commits to the salted chunks
	Witness     [32]byte     // Witness is the keyed commitment to the content hash
	Transcript  [32]byte     // Transcript binds the challenge to the openings
	Public      PublicInputs // Public are the checked public inputs
	Openings    []Opening    // Openings are the challenged leaves

	salt [32]byte // salt is the prover-only master salt, never encoded
}

// Digest returns blake3 of the encoded proof.
func (p *Proof) Digest() [32]byte {
	return blake3.Sum256(Encode(p))
}

// Encode serializes the proof to bytes.
func Encode(p *Proof) []byte {
	size := fixedSize
	for _, o := range p.Openings {
		size += 4 + 32 + 1 + 32*len(o.Path)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, proofVersion)
	buf = append(buf, p.ContentHash[:]...)
	buf = append(buf, p.MerkleRoot[:]...)
	buf = append(buf, p.Witness[:]...)
	buf = append(buf, p.Transcript[:]...)
	buf = appendPublic(buf, p.Public)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.Openings)))

	for _, o := range p.Openings {
		buf = binary.BigEndian.AppendUint32(buf, o.Index)
		buf = append(buf, o.Leaf[:]...)
		buf = append(buf, byte(len(o.Path)))

		for _, h := range o.Path {
			buf = append(buf, h[:]...)
		}
	}

	return buf
}

// appendPublic appends the canonical public input encoding.
func appendPublic(buf []byte, in PublicInputs) []byte {
	buf = append(buf, in.MetricsDigest[:]...)
	buf = binary.BigEndian.AppendUint32(buf, in.Coverage)
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(in.ErrorRate))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(in.QualityScore))
	buf = binary.BigEndian.AppendUint64(buf, in.Length)
	buf = binary.BigEndian.AppendUint32(buf, in.ChunkSize)
	buf = binary.BigEndian.AppendUint32(buf, in.ChunkCount)

	return buf
}

// DecodeProof parses an encoded proof.
func DecodeProof(data []byte) (*Proof, error) {
	if len(data) < fixedSize {
		return nil, fmt.Errorf("proof too short: %d < %d", len(data), fixedSize)
	}

	if data[0] != proofVersion {
		return nil, fmt.Errorf("unsupported proof version: 0x%02x", data[0])
	}

	p := &Proof{}
	off := 1
	off += copy(p.ContentHash[:], data[off:])
	off += copy(p.MerkleRoot[:], data[off:])
	off += copy(p.Witness[:], data[off:])
	off += copy(p.Transcript[:], data[off:])
	off += copy(p.Public.MetricsDigest[:], data[off:off+32])

	p.Public.Coverage = binary.BigEndian.Uint32(data[off:])
	p.Public.ErrorRate = math.Float64frombits(binary.BigEndian.Uint64(data[off+4:]))
	p.Public.QualityScore = math.Float64frombits(binary.BigEndian.Uint64(data[off+12:]))
	p.Public.Length = binary.BigEndian.Uint64(data[off+20:])
	p.Public.ChunkSize = binary.BigEndian.Uint32(data[off+28:])
	p.Public.ChunkCount = binary.BigEndian.Uint32(data[off+32:])
	n := int(binary.BigEndian.Uint16(data[off+36:]))
	off += 38

	p.Openings = make([]Opening, n)

	for i := range p.Openings {
		if len(data) < off+37 {
			return nil, fmt.Errorf("opening %d truncated", i)
		}

		o := &p.Openings[i]
		o.Index = binary.BigEndian.Uint32(data[off:])
		copy(o.Leaf[:], data[off+4:off+36])
		depth := int(data[off+36])
		off += 37

		if len(data) < off+32*depth {
			return nil, fmt.Errorf("opening %d path truncated", i)
		}

		o.Path = make([]merkle.Hash, depth)
		for j := range o.Path {
			copy(o.Path[j][:], data[off:off+32])
			off += 32
		}
	}

	if off != len(data) {
		return nil, fmt.Errorf("trailing bytes after proof: %d", len(data)-off)
	}

	return p, nil
}
