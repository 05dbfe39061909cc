package consensus

import (
	"BioMod/internal/attestation"
	"BioMod/internal/registry"
)

// RequiredVotes returns ceil(eligible * threshold / 100), the number of
// distinct contributors needed for confirmation.
func RequiredVotes(eligible, threshold int) int {
	return (eligible*threshold + 99) / 100
}

// Tally is the per-sequence set of accepted attestations. It is not safe for
// concurrent use; the owning round serializes access.
type Tally struct {
	order  []registry.ID                            // order is acceptance order
	byID   map[registry.ID]*attestation.Attestation // byID holds one attestation per validator
	closed bool                                     // closed is set once the round is terminal
}

// NewTally creates an empty tally.
func NewTally() *Tally {
	return &Tally{byID: make(map[registry.ID]*attestation.Attestation)}
}

// Add counts att unless its validator already contributed or the tally is
// closed. It reports whether att was added.
func (t *Tally) Add(att *attestation.Attestation) bool {
	if t.closed {
		return false
	}

	if _, dup := t.byID[att.Validator]; dup {
		return false
	}

	t.byID[att.Validator] = att
	t.order = append(t.order, att.Validator)

	return true
}

// Has reports whether id already contributed.
func (t *Tally) Has(id registry.ID) bool {
	_, ok := t.byID[id]
	return ok
}

// Len returns the number of distinct contributors.
func (t *Tally) Len() int {
	return len(t.order)
}

// Close stops the tally from accepting attestations.
func (t *Tally) Close() {
	t.closed = true
}

// Closed reports whether the tally is closed.
func (t *Tally) Closed() bool {
	return t.closed
}

// Counted returns, in acceptance order, the attestations whose validator is
// in eligible.
func (t *Tally) Counted(eligible []registry.ID) []*attestation.Attestation {
	live := make(map[registry.ID]struct{}, len(eligible))
	for _, id := range eligible {
		live[id] = struct{}{}
	}

	var out []*attestation.Attestation
	for _, id := range t.order {
		if _, ok := live[id]; ok {
			out = append(out, t.byID[id])
		}
	}

	return out
}
