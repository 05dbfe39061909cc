package api

import (
	"encoding/hex"
	"fmt"

	"BioMod/internal/attestation"
	"BioMod/internal/consensus"
	"BioMod/internal/quality"
	"BioMod/internal/registry"
)

const (
	// hashSize is the expected size of a sequence hash.
	hashSize = 32

	// maxMetadataLen bounds each metadata field.
	maxMetadataLen = 256

	// maxIntervals bounds the confidence intervals per submission.
	maxIntervals = 1 << 16
)

// SubmitRequest is the body of POST /sequences.
type SubmitRequest struct {
	Sequence string             `json:"sequence"`
	Metrics  quality.Metrics    `json:"metrics"`
	Metadata consensus.Metadata `json:"metadata"`
}

// Submission validates the request shape. Quality thresholds are left to
// the consensus engine so that failures are recorded as rejections.
func (r *SubmitRequest) Submission() (consensus.Submission, error) {
	if len(r.Sequence) == 0 {
		return consensus.Submission{}, fmt.Errorf("empty sequence")
	}

	if len(r.Metadata.Organism) > maxMetadataLen || len(r.Metadata.SampleID) > maxMetadataLen {
		return consensus.Submission{}, fmt.Errorf("metadata fields are limited to %d bytes", maxMetadataLen)
	}

	if len(r.Metrics.Intervals) > maxIntervals {
		return consensus.Submission{}, fmt.Errorf("too many intervals: %d", len(r.Metrics.Intervals))
	}

	return consensus.Submission{
		Data:     []byte(r.Sequence),
		Metrics:  r.Metrics,
		Metadata: r.Metadata,
	}, nil
}

// RegisterRequest is the body of POST /validators. Keys and signatures are hex.
type RegisterRequest struct {
	ID           string            `json:"id"`
	BLSPubkey    string            `json:"bls_pubkey"`
	Address      string            `json:"address"`
	Stake        uint64            `json:"stake"`
	Hardware     registry.Hardware `json:"hardware"`
	Signature    string            `json:"signature"`
	BLSSignature string            `json:"bls_signature"`
}

// NewRegisterRequest encodes a signed registration.
func NewRegisterRequest(reg registry.Registration) RegisterRequest {
	return RegisterRequest{
		ID:           hex.EncodeToString(reg.Info.ID[:]),
		BLSPubkey:    hex.EncodeToString(reg.Info.BLSPubkey[:]),
		Address:      reg.Info.Address,
		Stake:        reg.Info.Stake,
		Hardware:     reg.Info.Hardware,
		Signature:    hex.EncodeToString(reg.Signature),
		BLSSignature: hex.EncodeToString(reg.BLSSignature),
	}
}

// Registration decodes the request. Signatures are not checked here.
func (r *RegisterRequest) Registration() (registry.Registration, error) {
	var reg registry.Registration

	id, err := parseHash(r.ID)
	if err != nil {
		return reg, fmt.Errorf("validator id: %w", err)
	}
	reg.Info.ID = id

	if err := decodeFixed(reg.Info.BLSPubkey[:], r.BLSPubkey); err != nil {
		return reg, fmt.Errorf("bls pubkey: %w", err)
	}

	if reg.Signature, err = hex.DecodeString(r.Signature); err != nil {
		return reg, fmt.Errorf("signature: %w", err)
	}

	if reg.BLSSignature, err = hex.DecodeString(r.BLSSignature); err != nil {
		return reg, fmt.Errorf("bls signature: %w", err)
	}

	if len(reg.BLSSignature) != attestation.BLSSignatureSize {
		return reg, fmt.Errorf("bls signature: got %d bytes, want %d", len(reg.BLSSignature), attestation.BLSSignatureSize)
	}

	if r.Address == "" {
		return reg, fmt.Errorf("address is required")
	}

	reg.Info.Address = r.Address
	reg.Info.Stake = r.Stake
	reg.Info.Hardware = r.Hardware

	return reg, nil
}

// parseHash decodes a 64-character hex hash.
func parseHash(s string) ([hashSize]byte, error) {
	var h [hashSize]byte
	if err := decodeFixed(h[:], s); err != nil {
		return h, err
	}

	return h, nil
}

// decodeFixed decodes hex into dst, requiring an exact length.
func decodeFixed(dst []byte, s string) error {
	if len(s) != 2*len(dst) {
		return fmt.Errorf("invalid hex length: got %d, want %d", len(s), 2*len(dst))
	}

	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return fmt.Errorf("invalid hex: %w", err)
	}

	return nil
}
