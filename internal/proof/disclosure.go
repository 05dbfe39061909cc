package proof

import (
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"BioMod/internal/merkle"
)

var (
	// ErrNoWitness is returned when disclosing from a proof that was decoded rather than built.
	ErrNoWitness = errors.New("proof carries no witness")

	// ErrInvalidDisclosure is returned when a disclosed chunk does not match the root.
	ErrInvalidDisclosure = errors.New("invalid disclosure")
)

// Disclosure reveals one chunk with the salt needed to check it against a root.
type Disclosure struct {
	Index uint32        // Index is the chunk position
	Size  uint32        // Size is the total chunk count
	Chunk []byte        // Chunk is the raw chunk content
	Salt  [32]byte      // Salt is the per-chunk salt
	Path  []merkle.Hash // Path is the inclusion path, leaf to root
}

// Disclose reveals chunk index of data. Only the prover holding the master
// salt can disclose; data must be the bytes the proof was built from.
func (p *Proof) Disclose(data []byte, index int) (*Disclosure, error) {
	if p.salt == ([32]byte{}) {
		return nil, ErrNoWitness
	}

	if blake3.Sum256(data) != p.ContentHash {
		return nil, fmt.Errorf("%w: data does not match content hash", ErrInvalidDisclosure)
	}

	count := int(p.Public.ChunkCount)
	size := int(p.Public.ChunkSize)

	if index < 0 || index >= count {
		return nil, fmt.Errorf("%w: index %d outside [0, %d)", ErrInvalidDisclosure, index, count)
	}

	leaves := make([]merkle.Hash, count)
	for i := range leaves {
		salt := chunkSalt(p.salt, uint32(i))
		leaves[i] = merkle.LeafHash(salt[:], chunk(data, i, size))
	}

	path, err := merkle.Proof(leaves, index)
	if err != nil {
		return nil, fmt.Errorf("build inclusion path:\n%w", err)
	}

	return &Disclosure{
		Index: uint32(index),
		Size:  uint32(count),
		Chunk: append([]byte(nil), chunk(data, index, size)...),
		Salt:  chunkSalt(p.salt, uint32(index)),
		Path:  path,
	}, nil
}

// VerifyDisclosure checks a disclosed chunk against a Merkle root.
func VerifyDisclosure(root merkle.Hash, d *Disclosure) error {
	if d == nil || d.Size == 0 || d.Index >= d.Size {
		return ErrInvalidDisclosure
	}

	leaf := merkle.LeafHash(d.Salt[:], d.Chunk)
	if !merkle.Verify(leaf, int(d.Index), int(d.Size), d.Path, root) {
		return fmt.Errorf("%w: chunk %d does not reconstruct root", ErrInvalidDisclosure, d.Index)
	}

	return nil
}
