// Package consensus drives sequences through the validation lifecycle.
//
// A submission is gated on its quality metrics, proven locally, and then
// attested by remote validators through the oracle. The local attestation is
// counted first. Each round is serialized by its own lock, so attestations
// that race are counted at most once per validator, and a round that reaches
// a terminal state never accepts another attestation.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"BioMod/internal/attestation"
	"BioMod/internal/commitment"
	"BioMod/internal/logger"
	"BioMod/internal/metrics"
	"BioMod/internal/oracle"
	"BioMod/internal/proof"
	"BioMod/internal/quality"
	"BioMod/internal/registry"
)

var (
	// ErrInvalidSubmission is returned for empty or oversized sequences.
	ErrInvalidSubmission = errors.New("invalid submission")

	// ErrInFlight is returned when the same sequence is already being processed.
	ErrInFlight = errors.New("sequence already in flight")

	// ErrUnknownSequence is returned for attestations naming no known sequence.
	ErrUnknownSequence = errors.New("unknown sequence")

	// ErrTerminal is returned for attestations arriving after the round closed.
	ErrTerminal = errors.New("sequence is terminal")

	// ErrNotConsensing is returned for attestations arriving before a proof exists.
	ErrNotConsensing = errors.New("sequence not collecting attestations")

	// ErrDuplicateAttestation is returned when a validator already contributed.
	ErrDuplicateAttestation = errors.New("validator already attested")

	// ErrUnauthorized is returned for attestations from unauthorized validators.
	ErrUnauthorized = errors.New("validator not authorized")

	// ErrInvalidAttestation is returned for structurally invalid attestations.
	ErrInvalidAttestation = errors.New("invalid attestation")

	// ErrDishonestAttestation is returned for a signed attestation over an invalid proof.
	ErrDishonestAttestation = errors.New("attestation over an invalid proof")

	// ErrClosed is returned once the engine stopped driving rounds.
	ErrClosed = errors.New("consensus engine closed")
)

// Config holds the consensus policy.
type Config struct {
	Threshold       int           // Threshold is the percentage of eligible validators required, in (0, 100]
	RoundDeadline   time.Duration // RoundDeadline bounds attestation collection
	SequenceTTL     time.Duration // SequenceTTL is the time from submission to expiration
	Retention       time.Duration // Retention keeps terminal records queryable
	MaxSequenceSize int           // MaxSequenceSize bounds raw sequence bytes
	Gate            quality.Gate  // Gate holds the quality thresholds
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		Threshold:       67,
		RoundDeadline:   30 * time.Second,
		SequenceTTL:     10 * time.Minute,
		Retention:       time.Hour,
		MaxSequenceSize: 64 << 20,
		Gate:            quality.DefaultGate(),
	}
}

// Validate rejects out-of-range values.
func (c Config) Validate() error {
	if c.Threshold <= 0 || c.Threshold > 100 {
		return fmt.Errorf("threshold %d outside (0,100]", c.Threshold)
	}

	if c.RoundDeadline <= 0 || c.SequenceTTL <= 0 || c.Retention <= 0 {
		return fmt.Errorf("round deadline, sequence ttl and retention must be positive")
	}

	if c.MaxSequenceSize <= 0 {
		return fmt.Errorf("max sequence size must be positive")
	}

	if err := c.Gate.Validate(); err != nil {
		return fmt.Errorf("invalid quality gate:\n%w", err)
	}

	return nil
}

// Registry is the validator registry view consensus needs.
type Registry interface {
	Check(id registry.ID, now time.Time) error
	Get(id registry.ID) (registry.ValidatorInfo, bool)
	Eligible(now time.Time) []registry.ID
	RecordSuccess(id registry.ID) error
	Slash(id registry.ID, now time.Time) (bool, error)
}

// Collector fetches remote attestations.
type Collector interface {
	Stream(ctx context.Context, req *oracle.Request, validators []registry.ID) <-chan oracle.Result
}

// Ledger persists commitments.
type Ledger interface {
	Persist(rec *commitment.Record) error
}

// Auditor appends audit entries.
type Auditor interface {
	Append(seqHash [32]byte, action commitment.Action, actor [32]byte, detail string) (commitment.AuditEntry, error)
}

// Identity is the local validator.
type Identity struct {
	ID  registry.ID          // ID is the node's ed25519 public key
	Key *attestation.KeyPair // Key signs the local attestation
}

// Deps are the engine's collaborators.
type Deps struct {
	Registry  Registry         // Registry authorizes validators
	Prover    *proof.Engine    // Prover builds and verifies proofs
	Collector Collector        // Collector fetches remote attestations
	Ledger    Ledger           // Ledger persists commitments
	Audit     Auditor          // Audit records terminal states and rejections
	Metrics   *metrics.Metrics // Metrics may be nil
	Identity  Identity         // Identity signs the local attestation
}

// Metadata describes the sample a sequence came from.
type Metadata struct {
	Organism string `json:"organism"`
	SampleID string `json:"sample_id"`
}

// Submission is what the upstream pipeline hands in.
type Submission struct {
	Data     []byte          // Data is the raw sequence, never modified
	Metrics  quality.Metrics // Metrics are the upstream quality metrics
	Metadata Metadata        // Metadata describes the sample
}

// Record is the lifecycle record of one sequence.
type Record struct {
	Hash         [32]byte        // Hash is blake3 of the raw bytes
	Length       uint64          // Length is the raw byte length
	Metadata     Metadata        // Metadata describes the sample
	Metrics      quality.Metrics // Metrics are the submitted quality metrics
	State        State           // State is the lifecycle state
	Reason       string          // Reason explains a Rejected or Expired state
	CreatedAt    time.Time       // CreatedAt is the submission time
	ExpiresAt    time.Time       // ExpiresAt is the expiration timestamp
	UpdatedAt    time.Time       // UpdatedAt is the last transition time
	MerkleRoot   [32]byte        // MerkleRoot is the local proof's chunk commitment
	ProofDigest  [32]byte        // ProofDigest is the local proof digest
	Contributors []registry.ID   // Contributors are the counted validators once terminal
	Accepted     int             // Accepted counts attestations added to the tally
	Rejected     int             // Rejected counts attestations refused as invalid
}

// Outcome is the terminal result of a submission.
type Outcome struct {
	Hash         [32]byte           // Hash identifies the sequence
	State        State              // State is the terminal state
	Reason       string             // Reason explains a Rejected or Expired state
	Cause        error              // Cause is the gate or proof error behind a rejection
	Contributors []registry.ID      // Contributors are the counted validators
	Required     int                // Required is the threshold at decision time
	Eligible     int                // Eligible is the eligible set size at decision time
	Commitment   *commitment.Record // Commitment is set when Confirmed
	Duplicate    bool               // Duplicate is set when the commitment already existed
}

// round is the mutable state of one sequence.
type round struct {
	mu      sync.Mutex    // mu serializes every mutation of this round
	rec     Record        // rec is the lifecycle record
	tally   *Tally        // tally holds accepted attestations
	outcome *Outcome      // outcome is set once terminal
	err     error         // err is the settle error, set before done closes
	wake    chan struct{} // wake signals an out-of-band attestation
	done    chan struct{} // done is closed once terminal
}

// verdict is a threshold evaluation.
type verdict struct {
	counted  []*attestation.Attestation // counted are the eligible contributors
	required int                        // required is ceil(eligible * threshold / 100)
	eligible int                        // eligible is the live eligible set size
}

// met reports whether the threshold is reached.
func (v verdict) met() bool {
	return v.eligible > 0 && len(v.counted) >= v.required
}

// Engine runs consensus rounds.
type Engine struct {
	cfg  Config
	deps Deps

	mu     sync.RWMutex        // mu protects rounds
	rounds map[[32]byte]*round // rounds maps sequence hash to round

	stop     chan struct{}  // stop is closed by Close
	stopOnce sync.Once      // stopOnce guards stop
	wg       sync.WaitGroup // wg tracks rounds being driven

	now func() time.Time // now is the clock
}

// NewEngine creates an engine.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consensus config:\n%w", err)
	}

	if deps.Registry == nil || deps.Prover == nil || deps.Collector == nil || deps.Ledger == nil || deps.Audit == nil {
		return nil, fmt.Errorf("registry, prover, collector, ledger and audit are required")
	}

	if deps.Identity.Key == nil {
		return nil, fmt.Errorf("local identity key is required")
	}

	return &Engine{
		cfg:    cfg,
		deps:   deps,
		rounds: make(map[[32]byte]*round),
		stop:   make(chan struct{}),
		now:    time.Now,
	}, nil
}

// Close stops driving rounds and waits for their collectors to return.
// Rounds still collecting stay Consensing; nothing is expired on the way out.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// Submit drives one sequence to a terminal state. The returned error reports
// invalid input, proof construction failures and storage failures; gate and
// threshold outcomes are carried by the Outcome.
//
// ctx only bounds how long the caller waits. If it ends while the round is
// collecting, Submit returns ctx.Err() and the round keeps running until its
// own deadline, Sweep or Close.
func (e *Engine) Submit(ctx context.Context, sub Submission) (*Outcome, error) {
	select {
	case <-e.stop:
		return nil, ErrClosed
	default:
	}

	if len(sub.Data) == 0 || len(sub.Data) > e.cfg.MaxSequenceSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrInvalidSubmission, len(sub.Data), e.cfg.MaxSequenceSize)
	}

	hash := blake3.Sum256(sub.Data)

	rd, err := e.open(hash, sub)
	if err != nil {
		return nil, err
	}

	// Intake -> Gated
	if err := sub.Metrics.Validate(); err != nil {
		return e.finish(rd, StateRejected, err.Error(), err)
	}

	if err := e.cfg.Gate.Check(sub.Metrics); err != nil {
		return e.finish(rd, StateRejected, err.Error(), err)
	}

	if !e.advance(rd, StateGated) {
		return e.settled(rd)
	}

	// Gated -> ProofBuilt
	start := e.now()
	p, err := e.deps.Prover.Build(context.WithoutCancel(ctx), sub.Data, sub.Metrics)
	e.deps.Metrics.ObserveProof(e.now().Sub(start))

	if err != nil {
		out, ferr := e.finish(rd, StateRejected, err.Error(), err)
		if errors.Is(err, proof.ErrQualityBelowThreshold) {
			return out, ferr
		}

		return out, errors.Join(err, ferr)
	}

	encoded := proof.Encode(p)
	local := attestation.New(e.deps.Identity.Key, e.deps.Identity.ID, hash, p.MerkleRoot, encoded, e.now(), attestation.Local)

	rd.mu.Lock()
	if !rd.rec.State.CanAdvanceTo(StateProofBuilt) {
		rd.mu.Unlock()
		return e.settled(rd)
	}

	rd.rec.State = StateProofBuilt
	rd.rec.UpdatedAt = e.now()
	rd.rec.MerkleRoot = p.MerkleRoot
	rd.rec.ProofDigest = p.Digest()
	rd.tally.Add(local)
	rd.rec.Accepted++
	rd.mu.Unlock()

	e.deps.Metrics.ObserveAttestation("accepted")

	// ProofBuilt -> Consensing -> terminal
	return e.consense(ctx, rd, &oracle.Request{
		ID:            uuid.New(),
		SequenceHash:  hash,
		MetricsDigest: sub.Metrics.Digest(),
		Requester:     e.deps.Identity.ID,
		Timestamp:     time.UnixMilli(e.now().UnixMilli()),
		Proof:         encoded,
	})
}

// consense starts collection for the round and waits for it to settle or for
// the caller to give up.
func (e *Engine) consense(ctx context.Context, rd *round, req *oracle.Request) (*Outcome, error) {
	if !e.advance(rd, StateConsensing) {
		return e.settled(rd)
	}

	e.deps.Metrics.ObserveRound()

	now := e.now()
	deadline := now.Add(e.cfg.RoundDeadline)
	if rd.rec.ExpiresAt.Before(deadline) {
		deadline = rd.rec.ExpiresAt
	}

	// The round belongs to the engine, not the caller: only its deadline
	// and Close end it.
	rctx, cancel := context.WithDeadline(context.WithoutCancel(ctx), deadline)

	var remote []registry.ID
	for _, id := range e.deps.Registry.Eligible(now) {
		if id != e.deps.Identity.ID {
			remote = append(remote, id)
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()

		e.drive(rctx, rd, req, remote)
	}()

	select {
	case <-rd.done:
		return e.settled(rd)
	case <-ctx.Done():
		return nil, fmt.Errorf("sequence still consensing:\n%w", ctx.Err())
	case <-e.stop:
		return nil, ErrClosed
	}
}

// drive collects remote attestations until the threshold is met, every
// validator answered, the round deadline passed or the round was settled
// elsewhere, then decides. On Close it returns without deciding.
func (e *Engine) drive(rctx context.Context, rd *round, req *oracle.Request, remote []registry.ID) {
	if !e.ready(rd) {
		stream := e.deps.Collector.Stream(rctx, req, remote)

	loop:
		for {
			select {
			case r, ok := <-stream:
				if !ok {
					break loop
				}
				e.handleResult(rctx, rd, r)
			case <-rd.wake:
			case <-rd.done:
				break loop
			case <-rctx.Done():
				break loop
			case <-e.stop:
				return
			}

			if e.ready(rd) {
				break loop
			}
		}
	}

	if _, err := e.conclude(rd); err != nil {
		logger.Error("settle sequence", logger.HashAttr("sequence", rd.rec.Hash), "error", err)
	}
}

// handleResult folds one oracle result into the round.
func (e *Engine) handleResult(ctx context.Context, rd *round, r oracle.Result) {
	if r.Err != nil {
		if errors.Is(r.Err, oracle.ErrInvalidResponse) || errors.Is(r.Err, oracle.ErrRejected) {
			e.recordRejection(rd, r.Validator, r.Err)
			return
		}

		logger.Debug("no attestation from validator",
			logger.HashAttr("sequence", rd.rec.Hash),
			"validator", fmt.Sprintf("%x", r.Validator[:8]),
			"error", r.Err,
		)
		return
	}

	if err := e.accept(ctx, rd, r.Attestation); err != nil {
		logger.Debug("attestation not counted", logger.HashAttr("sequence", rd.rec.Hash), "error", err)
	}
}

// AddAttestation accepts an attestation delivered outside the oracle round.
// It is always treated as remote.
func (e *Engine) AddAttestation(ctx context.Context, att *attestation.Attestation) error {
	if att == nil {
		return ErrInvalidAttestation
	}

	rd := e.lookup(att.SequenceHash)
	if rd == nil {
		return ErrUnknownSequence
	}

	remote := *att
	remote.Provenance = attestation.Remote

	return e.accept(ctx, rd, &remote)
}

// accept validates att and adds it to the tally.
func (e *Engine) accept(ctx context.Context, rd *round, att *attestation.Attestation) error {
	if att == nil {
		return ErrInvalidAttestation
	}

	rd.mu.Lock()
	state, hash, root, dup := rd.rec.State, rd.rec.Hash, rd.rec.MerkleRoot, rd.tally.Has(att.Validator)
	rd.mu.Unlock()

	switch {
	case state.Terminal():
		e.deps.Metrics.ObserveAttestation("late")
		return ErrTerminal
	case state != StateProofBuilt && state != StateConsensing:
		return ErrNotConsensing
	case dup:
		e.deps.Metrics.ObserveAttestation("duplicate")
		return ErrDuplicateAttestation
	}

	now := e.now()

	if err := e.deps.Registry.Check(att.Validator, now); err != nil {
		return e.recordRejection(rd, att.Validator, fmt.Errorf("%w: %w", ErrUnauthorized, err))
	}

	info, ok := e.deps.Registry.Get(att.Validator)
	if !ok {
		return e.recordRejection(rd, att.Validator, fmt.Errorf("%w: %w", ErrUnauthorized, registry.ErrUnknownValidator))
	}

	if err := att.Verify(hash, info.BLSPubkey); err != nil {
		return e.recordRejection(rd, att.Validator, fmt.Errorf("%w: %w", ErrInvalidAttestation, err))
	}

	if att.MerkleRoot != root {
		return e.recordRejection(rd, att.Validator, fmt.Errorf("%w: merkle root differs from the local proof", ErrInvalidAttestation))
	}

	if att.Provenance == attestation.Remote {
		p, err := e.deps.Prover.VerifyEncoded(ctx, att.Proof)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return e.slash(rd, att.Validator, err)
		}

		if p.ContentHash != hash || p.MerkleRoot != att.MerkleRoot {
			return e.slash(rd, att.Validator, errors.New("proof does not commit to the attested sequence"))
		}
	}

	rd.mu.Lock()
	defer rd.mu.Unlock()

	if rd.rec.State.Terminal() || !e.now().Before(rd.rec.ExpiresAt) {
		e.deps.Metrics.ObserveAttestation("late")
		return ErrTerminal
	}

	if !rd.tally.Add(att) {
		e.deps.Metrics.ObserveAttestation("duplicate")
		return ErrDuplicateAttestation
	}

	rd.rec.Accepted++
	e.deps.Metrics.ObserveAttestation("accepted")

	select {
	case rd.wake <- struct{}{}:
	default:
	}

	return nil
}

// recordRejection audits a refused attestation and returns cause.
func (e *Engine) recordRejection(rd *round, validator registry.ID, cause error) error {
	rd.mu.Lock()
	rd.rec.Rejected++
	hash := rd.rec.Hash
	rd.mu.Unlock()

	e.deps.Metrics.ObserveAttestation("rejected")

	if _, err := e.deps.Audit.Append(hash, commitment.ActionAttestationRejected, validator, cause.Error()); err != nil {
		logger.Error("audit append failed", "action", commitment.ActionAttestationRejected, "error", err)
	}

	return cause
}

// slash penalizes a validator that signed an invalid proof.
func (e *Engine) slash(rd *round, validator registry.ID, cause error) error {
	cause = fmt.Errorf("%w: %w", ErrDishonestAttestation, cause)

	removed, err := e.deps.Registry.Slash(validator, e.now())
	if err != nil {
		logger.Warn("slash failed", "validator", fmt.Sprintf("%x", validator[:8]), "error", err)
	}

	e.deps.Metrics.ObserveSlash()

	rd.mu.Lock()
	rd.rec.Rejected++
	hash := rd.rec.Hash
	rd.mu.Unlock()

	logger.Warn("validator slashed",
		logger.HashAttr("sequence", hash),
		"validator", fmt.Sprintf("%x", validator[:8]),
		"removed", removed,
		"error", cause,
	)

	if _, err := e.deps.Audit.Append(hash, commitment.ActionValidatorSlashed, validator, cause.Error()); err != nil {
		logger.Error("audit append failed", "action", commitment.ActionValidatorSlashed, "error", err)
	}

	if removed {
		if _, err := e.deps.Audit.Append(hash, commitment.ActionValidatorRemoved, validator, "reputation exhausted"); err != nil {
			logger.Error("audit append failed", "action", commitment.ActionValidatorRemoved, "error", err)
		}
	}

	return cause
}

// ready reports whether the round is settled or its threshold is met.
func (e *Engine) ready(rd *round) bool {
	rd.mu.Lock()
	defer rd.mu.Unlock()

	return rd.rec.State.Terminal() || e.evaluate(rd, e.now()).met()
}

// evaluate computes the threshold against the live eligible set. Caller holds rd.mu.
func (e *Engine) evaluate(rd *round, now time.Time) verdict {
	eligible := e.deps.Registry.Eligible(now)
	e.deps.Metrics.SetEligible(len(eligible))

	return verdict{
		counted:  rd.tally.Counted(eligible),
		required: RequiredVotes(len(eligible), e.cfg.Threshold),
		eligible: len(eligible),
	}
}

// conclude settles a round: Confirmed if the threshold is met before
// expiration, Expired otherwise.
func (e *Engine) conclude(rd *round) (*Outcome, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()

	if rd.rec.State.Terminal() {
		return rd.outcome, nil
	}

	now := e.now()
	v := e.evaluate(rd, now)

	if !now.Before(rd.rec.ExpiresAt) {
		return e.finishLocked(rd, StateExpired, "expired before the threshold was reached", nil, v)
	}

	if !v.met() {
		reason := fmt.Sprintf("round closed with %d of %d required contributors", len(v.counted), v.required)
		return e.finishLocked(rd, StateExpired, reason, nil, v)
	}

	return e.finishLocked(rd, StateConfirmed, "", nil, v)
}

// finish settles a round outside consensus (gate or proof failure).
func (e *Engine) finish(rd *round, state State, reason string, cause error) (*Outcome, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()

	return e.finishLocked(rd, state, reason, cause, verdict{})
}

// finishLocked moves the round to a terminal state exactly once, persists the
// commitment when Confirmed and appends the single audit entry for the state.
// Caller holds rd.mu.
func (e *Engine) finishLocked(rd *round, state State, reason string, cause error, v verdict) (*Outcome, error) {
	if !rd.rec.State.CanAdvanceTo(state) {
		return rd.outcome, nil
	}

	now := e.now()

	rd.rec.State = state
	rd.rec.Reason = reason
	rd.rec.UpdatedAt = now
	rd.tally.Close()

	out := &Outcome{
		Hash:     rd.rec.Hash,
		State:    state,
		Reason:   reason,
		Cause:    cause,
		Required: v.required,
		Eligible: v.eligible,
	}

	for _, a := range v.counted {
		out.Contributors = append(out.Contributors, a.Validator)
	}
	rd.rec.Contributors = out.Contributors

	var errs []error

	action := actionFor(state)
	detail := reason

	if state == StateConfirmed {
		rec, err := e.buildCommitment(rd, v.counted, now)
		if err != nil {
			errs = append(errs, err)
		} else {
			out.Commitment = rec
			detail = fmt.Sprintf("contributors=%d required=%d eligible=%d", len(v.counted), v.required, v.eligible)

			switch err := e.deps.Ledger.Persist(rec); {
			case err == nil:
			case errors.Is(err, commitment.ErrAlreadyExists):
				action = commitment.ActionDuplicateCommitment
				out.Duplicate = true
			default:
				errs = append(errs, err)
				detail += "; persist failed: " + err.Error()
			}
		}

		for _, id := range out.Contributors {
			if err := e.deps.Registry.RecordSuccess(id); err != nil {
				logger.Debug("record success failed", "validator", fmt.Sprintf("%x", id[:8]), "error", err)
			}
		}
	}

	if _, err := e.deps.Audit.Append(rd.rec.Hash, action, [32]byte{}, detail); err != nil {
		errs = append(errs, fmt.Errorf("append audit entry:\n%w", err))
	}

	rd.outcome = out
	rd.err = errors.Join(errs...)
	close(rd.done)

	e.deps.Metrics.ObserveOutcome(state.String(), state == StateConfirmed, now.Sub(rd.rec.CreatedAt))

	logger.Info("sequence settled",
		logger.HashAttr("sequence", rd.rec.Hash),
		"state", state,
		"contributors", len(out.Contributors),
		"required", v.required,
		"eligible", v.eligible,
		"reason", reason,
	)

	return out, rd.err
}

// buildCommitment aggregates the counted attestations.
func (e *Engine) buildCommitment(rd *round, counted []*attestation.Attestation, now time.Time) (*commitment.Record, error) {
	rec := &commitment.Record{
		SequenceHash: rd.rec.Hash,
		Status:       uint8(StateConfirmed),
		MerkleRoot:   rd.rec.MerkleRoot,
		ConfirmedAt:  now,
	}

	sigs := make([][]byte, len(counted))
	h := blake3.New()

	for i, a := range counted {
		rec.Validators = append(rec.Validators, a.Validator)
		rec.SignedAt = append(rec.SignedAt, a.Timestamp)
		sigs[i] = a.Signature

		digest := blake3.Sum256(a.Proof)
		h.Write(digest[:])
	}

	h.Sum(rec.ProofDigest[:0])

	agg, err := attestation.AggregateSignatures(sigs)
	if err != nil {
		return nil, fmt.Errorf("aggregate signatures:\n%w", err)
	}
	rec.AggregateSignature = agg

	return rec, nil
}

// actionFor maps a terminal state to its audit action.
func actionFor(s State) commitment.Action {
	switch s {
	case StateConfirmed:
		return commitment.ActionConfirmed
	case StateRejected:
		return commitment.ActionRejected
	default:
		return commitment.ActionExpired
	}
}

// Sweep expires every non-terminal round past its expiration timestamp and
// forgets terminal rounds older than the retention window. It returns the
// number of rounds expired and pruned.
func (e *Engine) Sweep(now time.Time) (expired, pruned int) {
	e.mu.RLock()
	rounds := make([]*round, 0, len(e.rounds))
	for _, rd := range e.rounds {
		rounds = append(rounds, rd)
	}
	e.mu.RUnlock()

	var stale []*round

	for _, rd := range rounds {
		rd.mu.Lock()

		switch {
		case !rd.rec.State.Terminal() && !now.Before(rd.rec.ExpiresAt):
			if _, err := e.finishLocked(rd, StateExpired, "expired before the threshold was reached", nil, e.evaluate(rd, now)); err != nil {
				logger.Error("expire sequence", logger.HashAttr("sequence", rd.rec.Hash), "error", err)
			}
			expired++
		case rd.rec.State.Terminal() && now.Sub(rd.rec.UpdatedAt) > e.cfg.Retention:
			stale = append(stale, rd)
		}

		rd.mu.Unlock()
	}

	if len(stale) > 0 {
		e.mu.Lock()
		for _, rd := range stale {
			if e.rounds[rd.rec.Hash] == rd {
				delete(e.rounds, rd.rec.Hash)
				pruned++
			}
		}
		e.mu.Unlock()
	}

	return expired, pruned
}

// GetRecord returns a copy of the record for hash.
func (e *Engine) GetRecord(hash [32]byte) (Record, bool) {
	rd := e.lookup(hash)
	if rd == nil {
		return Record{}, false
	}

	rd.mu.Lock()
	defer rd.mu.Unlock()

	rec := rd.rec
	rec.Contributors = append([]registry.ID(nil), rd.rec.Contributors...)

	return rec, true
}

// Counts returns the number of known records per state.
func (e *Engine) Counts() map[State]int {
	e.mu.RLock()
	rounds := make([]*round, 0, len(e.rounds))
	for _, rd := range e.rounds {
		rounds = append(rounds, rd)
	}
	e.mu.RUnlock()

	counts := make(map[State]int)
	for _, rd := range rounds {
		rd.mu.Lock()
		counts[rd.rec.State]++
		rd.mu.Unlock()
	}

	return counts
}

// open creates the round for hash. A terminal round for the same hash is
// replaced; an in-flight one is an error.
func (e *Engine) open(hash [32]byte, sub Submission) (*round, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rd, ok := e.rounds[hash]; ok {
		rd.mu.Lock()
		state := rd.rec.State
		rd.mu.Unlock()

		if !state.Terminal() {
			return nil, fmt.Errorf("%w: %s", ErrInFlight, state)
		}
	}

	now := e.now()
	rd := &round{
		rec: Record{
			Hash:      hash,
			Length:    uint64(len(sub.Data)),
			Metadata:  sub.Metadata,
			Metrics:   sub.Metrics,
			State:     StateIntake,
			CreatedAt: now,
			ExpiresAt: now.Add(e.cfg.SequenceTTL),
			UpdatedAt: now,
		},
		tally: NewTally(),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	e.rounds[hash] = rd

	return rd, nil
}

// advance moves rd to next if legal. It reports whether it did.
func (e *Engine) advance(rd *round, next State) bool {
	rd.mu.Lock()
	defer rd.mu.Unlock()

	if !rd.rec.State.CanAdvanceTo(next) {
		return false
	}

	rd.rec.State = next
	rd.rec.UpdatedAt = e.now()

	return true
}

// settled returns the outcome of a round settled elsewhere.
func (e *Engine) settled(rd *round) (*Outcome, error) {
	<-rd.done

	rd.mu.Lock()
	defer rd.mu.Unlock()

	return rd.outcome, rd.err
}

// lookup returns the round for hash, or nil.
func (e *Engine) lookup(hash [32]byte) *round {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.rounds[hash]
}
