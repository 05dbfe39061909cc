// Package merkle implements a blake3 Merkle tree with inclusion proofs.
// Tree shape follows RFC 9162: the left subtree holds the largest power of
// two strictly smaller than the leaf count.
package merkle

import (
	"errors"

	"github.com/zeebo/blake3"
)

// Domain separation prefixes for leaves and interior nodes.
const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

var (
	// ErrEmptyTree is returned when no leaves are given.
	ErrEmptyTree = errors.New("empty merkle tree")

	// ErrInvalidIndex is returned for a leaf index outside the tree.
	ErrInvalidIndex = errors.New("invalid leaf index")
)

// Hash is a 32-byte tree hash.
type Hash = [32]byte

// LeafHash hashes leaf content with the leaf domain prefix.
// Parts are concatenated in order after the prefix.
func LeafHash(parts ...[]byte) Hash {
	h := blake3.New()
	h.Write([]byte{leafPrefix})

	for _, p := range parts {
		h.Write(p)
	}

	var out Hash
	h.Sum(out[:0])

	return out
}

// NodeHash hashes two children with the node domain prefix.
func NodeHash(left, right Hash) Hash {
	var buf [1 + 64]byte
	buf[0] = nodePrefix
	copy(buf[1:33], left[:])
	copy(buf[33:], right[:])

	return blake3.Sum256(buf[:])
}

// Root computes the root over leaf hashes.
func Root(leaves []Hash) (Hash, error) {
	if len(leaves) == 0 {
		return Hash{}, ErrEmptyTree
	}

	return subtreeRoot(leaves), nil
}

// Proof returns the inclusion path for the leaf at index, ordered leaf to root.
func Proof(leaves []Hash, index int) ([]Hash, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}

	if index < 0 || index >= len(leaves) {
		return nil, ErrInvalidIndex
	}

	return appendPath(nil, leaves, index), nil
}

// Verify checks that leaf sits at index in a tree of size leaves with the given root.
func Verify(leaf Hash, index, size int, path []Hash, root Hash) bool {
	if size <= 0 || index < 0 || index >= size {
		return false
	}

	fn := uint64(index)
	sn := uint64(size - 1)
	r := leaf

	for _, p := range path {
		if sn == 0 {
			return false
		}

		if fn&1 == 1 || fn == sn {
			r = NodeHash(p, r)

			for fn&1 == 0 && fn != 0 {
				fn >>= 1
				sn >>= 1
			}
		} else {
			r = NodeHash(r, p)
		}

		fn >>= 1
		sn >>= 1
	}

	return sn == 0 && r == root
}

// subtreeRoot computes the root of a non-empty slice of leaves.
func subtreeRoot(leaves []Hash) Hash {
	if len(leaves) == 1 {
		return leaves[0]
	}

	k := splitPoint(len(leaves))

	return NodeHash(subtreeRoot(leaves[:k]), subtreeRoot(leaves[k:]))
}

// appendPath appends the audit path for index within leaves, deepest sibling first.
func appendPath(path []Hash, leaves []Hash, index int) []Hash {
	if len(leaves) == 1 {
		return path
	}

	k := splitPoint(len(leaves))

	if index < k {
		path = appendPath(path, leaves[:k], index)
		return append(path, subtreeRoot(leaves[k:]))
	}

	path = appendPath(path, leaves[k:], index-k)

	return append(path, subtreeRoot(leaves[:k]))
}

// splitPoint returns the largest power of two strictly less than n (n >= 2).
func splitPoint(n int) int {
	k := 1
	for k<<1 < n {
		k <<= 1
	}

	return k
}
