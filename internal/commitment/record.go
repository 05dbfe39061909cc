package commitment

import (
	"fmt"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"

	"BioMod/internal/attestation"
	"BioMod/internal/types"
)

// Record is the durable output of a confirmed consensus round.
type Record struct {
	SequenceHash       [32]byte                  // SequenceHash is the content hash and storage key
	Status             uint8                     // Status is the final lifecycle state code
	Validators         []attestation.ValidatorID // Validators are the contributors in acceptance order
	SignedAt           []time.Time               // SignedAt[i] is Validators[i]'s attestation timestamp
	ProofDigest        [32]byte                  // ProofDigest aggregates the contributors' proof digests
	AggregateSignature []byte                    // AggregateSignature is the BLS aggregate of contributor signatures
	MerkleRoot         [32]byte                  // MerkleRoot is the chunk commitment the contributors signed
	ConfirmedAt        time.Time                 // ConfirmedAt is when the threshold was crossed
}

// VerifySignature checks the aggregate signature against the contributors' BLS keys,
// given in the same order as Validators.
func (r *Record) VerifySignature(pubkeys [][attestation.BLSPublicKeySize]byte) bool {
	if len(pubkeys) != len(r.Validators) || len(r.SignedAt) != len(r.Validators) {
		return false
	}

	msgs := make([][]byte, len(pubkeys))
	pks := make([][]byte, len(pubkeys))

	for i := range pubkeys {
		msgs[i] = attestation.SigningMessage(r.SequenceHash, r.MerkleRoot, r.SignedAt[i])
		pks[i] = pubkeys[i][:]
	}

	return attestation.VerifyAggregate(r.AggregateSignature, msgs, pks)
}

// EncodeRecord serializes a record as a FlatBuffers Commitment table.
func EncodeRecord(r *Record) []byte {
	builder := flatbuffers.NewBuilder(256 + 40*len(r.Validators))

	validators := make([]byte, 0, 32*len(r.Validators))
	for _, v := range r.Validators {
		validators = append(validators, v[:]...)
	}

	seqVec := builder.CreateByteVector(r.SequenceHash[:])
	valVec := builder.CreateByteVector(validators)
	digestVec := builder.CreateByteVector(r.ProofDigest[:])
	sigVec := builder.CreateByteVector(r.AggregateSignature)
	rootVec := builder.CreateByteVector(r.MerkleRoot[:])

	types.CommitmentStartSignedAtVector(builder, len(r.SignedAt))
	for i := len(r.SignedAt) - 1; i >= 0; i-- {
		builder.PrependInt64(r.SignedAt[i].UnixMilli())
	}
	signedVec := builder.EndVector(len(r.SignedAt))

	types.CommitmentStart(builder)
	types.CommitmentAddSequenceHash(builder, seqVec)
	types.CommitmentAddStatus(builder, r.Status)
	types.CommitmentAddValidators(builder, valVec)
	types.CommitmentAddProofDigest(builder, digestVec)
	types.CommitmentAddAggregateSignature(builder, sigVec)
	types.CommitmentAddMerkleRoot(builder, rootVec)
	types.CommitmentAddConfirmedAt(builder, r.ConfirmedAt.UnixMilli())
	types.CommitmentAddSignedAt(builder, signedVec)
	builder.Finish(types.CommitmentEnd(builder))

	return builder.FinishedBytes()
}

// DecodeRecord parses a Commitment table. Malformed input returns an error, never panics.
func DecodeRecord(data []byte) (r *Record, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r, err = nil, fmt.Errorf("malformed commitment: %v", rec)
		}
	}()

	if len(data) < 8 {
		return nil, fmt.Errorf("commitment too short: %d bytes", len(data))
	}

	fb := types.GetRootAsCommitment(data, 0)

	validators := fb.ValidatorsBytes()
	if len(validators)%32 != 0 {
		return nil, fmt.Errorf("validator list length %d not a multiple of 32", len(validators))
	}

	r = &Record{
		Status:             fb.Status(),
		Validators:         make([]attestation.ValidatorID, len(validators)/32),
		SignedAt:           make([]time.Time, fb.SignedAtLength()),
		AggregateSignature: append([]byte(nil), fb.AggregateSignatureBytes()...),
		ConfirmedAt:        time.UnixMilli(fb.ConfirmedAt()),
	}

	if err := copyHash(r.SequenceHash[:], fb.SequenceHashBytes(), "sequence hash"); err != nil {
		return nil, err
	}

	if err := copyHash(r.ProofDigest[:], fb.ProofDigestBytes(), "proof digest"); err != nil {
		return nil, err
	}

	if err := copyHash(r.MerkleRoot[:], fb.MerkleRootBytes(), "merkle root"); err != nil {
		return nil, err
	}

	for i := range r.Validators {
		copy(r.Validators[i][:], validators[i*32:(i+1)*32])
	}

	for i := range r.SignedAt {
		r.SignedAt[i] = time.UnixMilli(fb.SignedAt(i))
	}

	return r, nil
}

// copyHash copies a 32-byte field, rejecting any other length.
func copyHash(dst, src []byte, field string) error {
	if len(src) != 32 {
		return fmt.Errorf("%s: %d bytes, want 32", field, len(src))
	}

	copy(dst, src)

	return nil
}
