// Package attestation defines the signed validator claim counted by consensus.
// Local proofs and remote oracle responses share the same type and differ
// only by their Provenance.
package attestation

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// signingDomain separates attestation signatures from any other BLS usage.
const signingDomain = "biomod-attest"

// headerSize is the fixed part of an encoded attestation.
// Layout: [32B seq][32B validator][32B root][8B ts][96B sig][4B proofLen]
const headerSize = 32 + 32 + 32 + 8 + BLSSignatureSize + 4

var (
	// ErrMalformed is returned for attestations that cannot be decoded or are incomplete.
	ErrMalformed = errors.New("malformed attestation")

	// ErrBadSignature is returned when the BLS signature does not verify.
	ErrBadSignature = errors.New("invalid attestation signature")

	// ErrSequenceMismatch is returned when an attestation names another sequence.
	ErrSequenceMismatch = errors.New("attestation for a different sequence")
)

// Provenance tags where an attestation came from.
type Provenance uint8

const (
	Local  Provenance = iota // Local is the node's own proof
	Remote                   // Remote is an oracle response
)

// String returns the provenance name.
func (p Provenance) String() string {
	switch p {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return fmt.Sprintf("provenance(%d)", uint8(p))
	}
}

// ValidatorID is a validator's ed25519 public key.
type ValidatorID = [32]byte

// Attestation is a validator's signed claim that a sequence meets requirements.
type Attestation struct {
	SequenceHash [32]byte    // SequenceHash is the content hash of the attested sequence
	Validator    ValidatorID // Validator is the signer's identity
	MerkleRoot   [32]byte    // MerkleRoot is the chunk commitment the validator checked
	Proof        []byte      // Proof is the encoded proof bundle
	Signature    []byte      // Signature is the BLS signature over SigningMessage
	Timestamp    time.Time   // Timestamp is when the attestation was signed (ms precision)
	Provenance   Provenance  // Provenance is not part of the signed payload
}

// SigningMessage returns blake3(domain || seqHash || merkleRoot || ts_ms).
func SigningMessage(seqHash, merkleRoot [32]byte, ts time.Time) []byte {
	h := blake3.New()
	h.Write([]byte(signingDomain))
	h.Write(seqHash[:])
	h.Write(merkleRoot[:])

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ts.UnixMilli()))
	h.Write(tsBuf[:])

	return h.Sum(nil)
}

// New builds and signs an attestation with the given key.
func New(key *KeyPair, validator ValidatorID, seqHash, merkleRoot [32]byte, proof []byte, now time.Time, prov Provenance) *Attestation {
	ts := time.UnixMilli(now.UnixMilli())

	return &Attestation{
		SequenceHash: seqHash,
		Validator:    validator,
		MerkleRoot:   merkleRoot,
		Proof:        proof,
		Signature:    key.Sign(SigningMessage(seqHash, merkleRoot, ts)),
		Timestamp:    ts,
		Provenance:   prov,
	}
}

// Message returns the signed message for this attestation.
func (a *Attestation) Message() []byte {
	return SigningMessage(a.SequenceHash, a.MerkleRoot, a.Timestamp)
}

// Verify performs the structural checks: expected sequence, complete fields
// and a signature that verifies against the validator's BLS key.
func (a *Attestation) Verify(seqHash [32]byte, blsPubkey [BLSPublicKeySize]byte) error {
	if a == nil {
		return ErrMalformed
	}

	if a.SequenceHash != seqHash {
		return ErrSequenceMismatch
	}

	if len(a.Signature) != BLSSignatureSize || len(a.Proof) == 0 {
		return fmt.Errorf("%w: signature %d bytes, proof %d bytes", ErrMalformed, len(a.Signature), len(a.Proof))
	}

	if !VerifySignature(a.Signature, a.Message(), blsPubkey[:]) {
		return ErrBadSignature
	}

	return nil
}

// Encode serializes the attestation. Provenance is not encoded.
// Format: [32B seq][32B validator][32B root][8B ts_ms][96B sig][4B proofLen][NB proof]
func Encode(a *Attestation) []byte {
	buf := make([]byte, headerSize+len(a.Proof))

	copy(buf[0:32], a.SequenceHash[:])
	copy(buf[32:64], a.Validator[:])
	copy(buf[64:96], a.MerkleRoot[:])
	binary.BigEndian.PutUint64(buf[96:104], uint64(a.Timestamp.UnixMilli()))
	copy(buf[104:200], a.Signature)
	binary.BigEndian.PutUint32(buf[200:204], uint32(len(a.Proof)))
	copy(buf[204:], a.Proof)

	return buf
}

// Decode parses an encoded attestation and tags it with prov.
func Decode(data []byte, prov Provenance) (*Attestation, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d < %d bytes", ErrMalformed, len(data), headerSize)
	}

	proofLen := binary.BigEndian.Uint32(data[200:204])
	if uint64(len(data)) != uint64(headerSize)+uint64(proofLen) {
		return nil, fmt.Errorf("%w: proof length %d does not match payload", ErrMalformed, proofLen)
	}

	a := &Attestation{
		Timestamp:  time.UnixMilli(int64(binary.BigEndian.Uint64(data[96:104]))),
		Signature:  make([]byte, BLSSignatureSize),
		Proof:      make([]byte, proofLen),
		Provenance: prov,
	}

	copy(a.SequenceHash[:], data[0:32])
	copy(a.Validator[:], data[32:64])
	copy(a.MerkleRoot[:], data[64:96])
	copy(a.Signature, data[104:200])
	copy(a.Proof, data[204:])

	return a, nil
}
