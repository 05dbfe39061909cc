package client

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"BioMod/internal/api"
	"BioMod/internal/attestation"
	"BioMod/internal/consensus"
	"BioMod/internal/quality"
)

// Submit queues a sequence for validation and returns its content hash.
func (c *Client) Submit(ctx context.Context, seq []byte, m quality.Metrics, md consensus.Metadata) ([32]byte, error) {
	var hash [32]byte
	var out struct {
		Hash string `json:"hash"`
	}

	body := api.SubmitRequest{Sequence: string(seq), Metrics: m, Metadata: md}
	if err := c.do(ctx, "POST", "/sequences", body, &out); err != nil {
		return hash, err
	}

	decoded, err := hex.DecodeString(out.Hash)
	if err != nil || len(decoded) != len(hash) {
		return hash, fmt.Errorf("invalid hash in response: %q", out.Hash)
	}
	copy(hash[:], decoded)

	return hash, nil
}

// SubmitWait submits a sequence and blocks until it reaches a terminal state.
func (c *Client) SubmitWait(ctx context.Context, seq []byte, m quality.Metrics, md consensus.Metadata) (*api.OutcomeView, error) {
	var out api.OutcomeView

	body := api.SubmitRequest{Sequence: string(seq), Metrics: m, Metadata: md}
	if err := c.do(ctx, "POST", "/sequences?wait=true", body, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// Sequence returns the validation report for hash.
func (c *Client) Sequence(ctx context.Context, hash [32]byte) (*api.Report, error) {
	var out api.Report
	if err := c.do(ctx, "GET", "/sequences/"+hex.EncodeToString(hash[:]), nil, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// WaitSettled polls the report for hash until the sequence is terminal.
func (c *Client) WaitSettled(ctx context.Context, hash [32]byte, interval time.Duration) (*api.Report, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := c.Sequence(ctx, hash)
		if err != nil {
			return nil, err
		}

		if report.State.Terminal() {
			return report, nil
		}

		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Commitment returns the persisted commitment for hash.
func (c *Client) Commitment(ctx context.Context, hash [32]byte) (*api.CommitmentView, error) {
	var out api.CommitmentView
	if err := c.do(ctx, "GET", "/commitments/"+hex.EncodeToString(hash[:]), nil, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// Audit returns the audit entries recorded for hash.
func (c *Client) Audit(ctx context.Context, hash [32]byte) ([]api.AuditView, error) {
	var out []api.AuditView
	if err := c.do(ctx, "GET", "/audit/"+hex.EncodeToString(hash[:]), nil, &out); err != nil {
		return nil, err
	}

	return out, nil
}

// SubmitAttestation delivers a signed attestation out of band.
func (c *Client) SubmitAttestation(ctx context.Context, att *attestation.Attestation) error {
	var eb errorBody

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(attestation.Encode(att)).
		SetError(&eb).
		Post("/attestations")
	if err != nil {
		return fmt.Errorf("post attestation:\n%w", err)
	}

	if resp.IsError() {
		return &APIError{StatusCode: resp.StatusCode(), Message: eb.Error}
	}

	return nil
}
