package api

import (
	"encoding/hex"
	"time"

	"BioMod/internal/commitment"
	"BioMod/internal/consensus"
	"BioMod/internal/metrics"
	"BioMod/internal/quality"
	"BioMod/internal/registry"
)

// Report is the validation report for one sequence.
type Report struct {
	SequenceHash         string             `json:"sequence_hash"`
	State                consensus.State    `json:"state"`
	Reason               string             `json:"reason,omitempty"`
	Length               uint64             `json:"length"`
	Metadata             consensus.Metadata `json:"metadata"`
	Metrics              quality.Metrics    `json:"metrics"`
	MerkleRoot           string             `json:"merkle_root,omitempty"`
	ProofDigest          string             `json:"proof_digest,omitempty"`
	Contributors         []string           `json:"contributors"`
	TotalAttestations    int                `json:"total_attestations"`
	AcceptedAttestations int                `json:"accepted_attestations"`
	RejectedAttestations int                `json:"rejected_attestations"`
	CreatedAt            time.Time          `json:"created_at"`
	ExpiresAt            time.Time          `json:"expires_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// NewReport builds the report for a record.
func NewReport(rec consensus.Record) Report {
	r := Report{
		SequenceHash:         hex.EncodeToString(rec.Hash[:]),
		State:                rec.State,
		Reason:               rec.Reason,
		Length:               rec.Length,
		Metadata:             rec.Metadata,
		Metrics:              rec.Metrics,
		Contributors:         hexIDs(rec.Contributors),
		TotalAttestations:    rec.Accepted + rec.Rejected,
		AcceptedAttestations: rec.Accepted,
		RejectedAttestations: rec.Rejected,
		CreatedAt:            rec.CreatedAt,
		ExpiresAt:            rec.ExpiresAt,
		UpdatedAt:            rec.UpdatedAt,
	}

	if rec.MerkleRoot != ([32]byte{}) {
		r.MerkleRoot = hex.EncodeToString(rec.MerkleRoot[:])
		r.ProofDigest = hex.EncodeToString(rec.ProofDigest[:])
	}

	return r
}

// OutcomeView is the response of a synchronous submission.
type OutcomeView struct {
	SequenceHash string          `json:"sequence_hash"`
	State        consensus.State `json:"state"`
	Reason       string          `json:"reason,omitempty"`
	Contributors []string        `json:"contributors"`
	Required     int             `json:"required"`
	Eligible     int             `json:"eligible"`
	Duplicate    bool            `json:"duplicate,omitempty"`
	Commitment   *CommitmentView `json:"commitment,omitempty"`
}

// NewOutcomeView encodes an outcome.
func NewOutcomeView(out *consensus.Outcome) OutcomeView {
	v := OutcomeView{
		SequenceHash: hex.EncodeToString(out.Hash[:]),
		State:        out.State,
		Reason:       out.Reason,
		Contributors: hexIDs(out.Contributors),
		Required:     out.Required,
		Eligible:     out.Eligible,
		Duplicate:    out.Duplicate,
	}

	if out.Commitment != nil {
		c := NewCommitmentView(out.Commitment)
		v.Commitment = &c
	}

	return v
}

// CommitmentView is a persisted commitment.
type CommitmentView struct {
	SequenceHash       string          `json:"sequence_hash"`
	Status             consensus.State `json:"status"`
	Validators         []string        `json:"validators"`
	SignedAt           []time.Time     `json:"signed_at"`
	ProofDigest        string          `json:"proof_digest"`
	AggregateSignature string          `json:"aggregate_signature"`
	MerkleRoot         string          `json:"merkle_root"`
	ConfirmedAt        time.Time       `json:"confirmed_at"`
}

// NewCommitmentView encodes a commitment.
func NewCommitmentView(rec *commitment.Record) CommitmentView {
	return CommitmentView{
		SequenceHash:       hex.EncodeToString(rec.SequenceHash[:]),
		Status:             consensus.State(rec.Status),
		Validators:         hexIDs(rec.Validators),
		SignedAt:           rec.SignedAt,
		ProofDigest:        hex.EncodeToString(rec.ProofDigest[:]),
		AggregateSignature: hex.EncodeToString(rec.AggregateSignature),
		MerkleRoot:         hex.EncodeToString(rec.MerkleRoot[:]),
		ConfirmedAt:        rec.ConfirmedAt,
	}
}

// AuditView is one audit entry.
type AuditView struct {
	Seq          uint64    `json:"seq"`
	SequenceHash string    `json:"sequence_hash"`
	Action       string    `json:"action"`
	Actor        string    `json:"actor,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	PrevHash     string    `json:"prev_hash"`
	Hash         string    `json:"hash"`
}

// NewAuditView encodes an audit entry. A zero actor is the system and is omitted.
func NewAuditView(e *commitment.AuditEntry) AuditView {
	v := AuditView{
		Seq:          e.Seq,
		SequenceHash: hex.EncodeToString(e.SequenceHash[:]),
		Action:       e.Action.String(),
		Detail:       e.Detail,
		Timestamp:    e.Timestamp,
		PrevHash:     hex.EncodeToString(e.PrevHash[:]),
		Hash:         hex.EncodeToString(e.Hash[:]),
	}

	if e.Actor != ([32]byte{}) {
		v.Actor = hex.EncodeToString(e.Actor[:])
	}

	return v
}

// ValidatorView is one registered validator.
type ValidatorView struct {
	ID                    string            `json:"id"`
	BLSPubkey             string            `json:"bls_pubkey"`
	Address               string            `json:"address"`
	Reputation            uint32            `json:"reputation"`
	Stake                 uint64            `json:"stake"`
	Hardware              registry.Hardware `json:"hardware"`
	TotalValidations      uint64            `json:"total_validations"`
	SuccessfulValidations uint64            `json:"successful_validations"`
	LastHeartbeat         time.Time         `json:"last_heartbeat"`
	CooldownUntil         time.Time         `json:"cooldown_until"`
}

// NewValidatorView encodes a validator.
func NewValidatorView(info registry.ValidatorInfo) ValidatorView {
	return ValidatorView{
		ID:                    hex.EncodeToString(info.ID[:]),
		BLSPubkey:             hex.EncodeToString(info.BLSPubkey[:]),
		Address:               info.Address,
		Reputation:            info.Reputation,
		Stake:                 info.Stake,
		Hardware:              info.Hardware,
		TotalValidations:      info.TotalValidations,
		SuccessfulValidations: info.SuccessfulValidations,
		LastHeartbeat:         info.LastHeartbeat,
		CooldownUntil:         info.CooldownUntil,
	}
}

// StatusView is the body of GET /status.
type StatusView struct {
	Performance metrics.PerformanceMetrics `json:"performance"`
	Sequences   map[string]int             `json:"sequences"`
	Validators  int                        `json:"validators"`
}

// hexIDs encodes validator keys.
func hexIDs(ids [][32]byte) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = hex.EncodeToString(id[:])
	}

	return out
}
