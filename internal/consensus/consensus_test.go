package consensus

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zeebo/blake3"

	"BioMod/internal/attestation"
	"BioMod/internal/commitment"
	"BioMod/internal/metrics"
	"BioMod/internal/oracle"
	"BioMod/internal/proof"
	"BioMod/internal/quality"
	"BioMod/internal/registry"
	"BioMod/internal/storage"
)

// member is a registered validator identity.
type member struct {
	id   registry.ID
	key  *attestation.KeyPair
	info registry.ValidatorInfo
}

func newMember(t *testing.T) *member {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	key, err := attestation.DeriveFromED25519(priv)
	if err != nil {
		t.Fatalf("derive bls key: %v", err)
	}

	var id registry.ID
	copy(id[:], priv.Public().(ed25519.PublicKey))

	return &member{
		id:  id,
		key: key,
		info: registry.ValidatorInfo{
			ID:        id,
			BLSPubkey: key.PublicKey(),
			Stake:     1000,
			Hardware: registry.Hardware{
				Cores:         64,
				MemoryGB:      256,
				StorageTB:     4,
				BandwidthMbps: 1000,
			},
		},
	}
}

// behavior is how a remote member answers.
type behavior int

const (
	silent  behavior = iota // silent never answers
	honest                  // honest signs the request's proof
	tamper                  // tamper signs a proof with a corrupted transcript
	repeats                 // repeats answers twice
)

// testCollector signs attestations on behalf of remote members.
type testCollector struct {
	mu       sync.Mutex
	members  map[registry.ID]*member
	behavior map[registry.ID]behavior
	last     *oracle.Request
}

func (c *testCollector) set(id registry.ID, b behavior) {
	c.mu.Lock()
	c.behavior[id] = b
	c.mu.Unlock()
}

// request returns the last oracle request, carrying the local proof.
func (c *testCollector) request() *oracle.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.last
}

func (c *testCollector) Stream(ctx context.Context, req *oracle.Request, ids []registry.ID) <-chan oracle.Result {
	out := make(chan oracle.Result, 2*len(ids))

	c.mu.Lock()
	c.last = req
	c.mu.Unlock()

	p, err := proof.DecodeProof(req.Proof)
	if err != nil {
		close(out)
		return out
	}

	var wg sync.WaitGroup

	for _, id := range ids {
		c.mu.Lock()
		m, b := c.members[id], c.behavior[id]
		c.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()

			if m == nil || b == silent {
				<-ctx.Done()
				out <- oracle.Result{Validator: id, Err: ctx.Err()}
				return
			}

			data := req.Proof
			if b == tamper {
				bad := *p
				bad.Transcript[0] ^= 1
				data = proof.Encode(&bad)
			}

			att := attestation.New(m.key, id, req.SequenceHash, p.MerkleRoot, data, time.Now(), attestation.Remote)
			out <- oracle.Result{Validator: id, Attestation: att}

			if b == repeats {
				out <- oracle.Result{Validator: id, Attestation: att}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

// fixture is an engine with a local member and remote members.
type fixture struct {
	engine    *Engine
	reg       *registry.Registry
	store     *commitment.Store
	audit     *commitment.AuditTrail
	local     *member
	remotes   []*member
	collector *testCollector
}

func testConfig(threshold int) Config {
	cfg := DefaultConfig()
	cfg.Threshold = threshold
	cfg.RoundDeadline = 300 * time.Millisecond
	cfg.SequenceTTL = time.Minute

	return cfg
}

func newFixture(t *testing.T, cfg Config, behaviors ...behavior) *fixture {
	t.Helper()

	db, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	audit, err := commitment.OpenAuditTrail(db)
	if err != nil {
		t.Fatalf("open audit trail: %v", err)
	}

	reg, err := registry.New(registry.DefaultConfig())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	pcfg := proof.DefaultConfig()
	pcfg.ChunkSize = 64
	pcfg.Samples = 4

	prover, err := proof.NewEngine(pcfg)
	if err != nil {
		t.Fatalf("new prover: %v", err)
	}

	f := &fixture{
		reg:   reg,
		store: commitment.NewStore(db),
		audit: audit,
		local: newMember(t),
		collector: &testCollector{
			members:  make(map[registry.ID]*member),
			behavior: make(map[registry.ID]behavior),
		},
	}

	if err := reg.Register(f.local.info, time.Now()); err != nil {
		t.Fatalf("register local: %v", err)
	}

	for _, b := range behaviors {
		m := newMember(t)
		if err := reg.Register(m.info, time.Now()); err != nil {
			t.Fatalf("register remote: %v", err)
		}

		f.remotes = append(f.remotes, m)
		f.collector.members[m.id] = m
		f.collector.behavior[m.id] = b
	}

	f.engine, err = NewEngine(cfg, Deps{
		Registry:  reg,
		Prover:    prover,
		Collector: f.collector,
		Ledger:    f.store,
		Audit:     audit,
		Metrics:   metrics.New(),
		Identity:  Identity{ID: f.local.id, Key: f.local.key},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(f.engine.Close)

	return f
}

func passingMetrics() quality.Metrics {
	return quality.Metrics{Coverage: 35, ErrorRate: 0.0009, QualityScore: 40}
}

func sequence(seed byte) []byte {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = "ACGT"[(i+int(seed))%4]
	}
	data[0] = seed

	return data
}

func (f *fixture) submit(t *testing.T, data []byte, m quality.Metrics) *Outcome {
	t.Helper()

	out, err := f.engine.Submit(context.Background(), Submission{Data: data, Metrics: m})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	return out
}

func (f *fixture) actions(t *testing.T, hash [32]byte) []commitment.Action {
	t.Helper()

	entries, err := f.audit.List(hash)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}

	actions := make([]commitment.Action, len(entries))
	for i, e := range entries {
		actions[i] = e.Action
	}

	return actions
}

func count(actions []commitment.Action, a commitment.Action) int {
	n := 0
	for _, got := range actions {
		if got == a {
			n++
		}
	}

	return n
}

// TestThresholdOutcome tests confirmation and expiration at a 75% threshold
// over four authorized validators, the local node included.
func TestThresholdOutcome(t *testing.T) {
	tests := []struct {
		name      string
		behaviors []behavior
		want      State
	}{
		{"three of four", []behavior{honest, honest, silent}, StateConfirmed},
		{"two of four", []behavior{honest, silent, silent}, StateExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testConfig(75), tt.behaviors...)
			data := sequence(1)
			hash := blake3.Sum256(data)

			out := f.submit(t, data, passingMetrics())

			if out.State != tt.want {
				t.Fatalf("state: got %s, want %s (%s)", out.State, tt.want, out.Reason)
			}

			if out.Required != 3 || out.Eligible != 4 {
				t.Errorf("required/eligible: got %d/%d, want 3/4", out.Required, out.Eligible)
			}

			rec, ok := f.engine.GetRecord(hash)
			if !ok || rec.State != tt.want {
				t.Fatalf("record state: got %v %s", ok, rec.State)
			}

			stored, err := f.store.Read(hash)
			if err != nil {
				t.Fatalf("read commitment: %v", err)
			}

			actions := f.actions(t, hash)

			if tt.want == StateExpired {
				if stored != nil {
					t.Fatal("expired sequence has a commitment")
				}
				if count(actions, commitment.ActionExpired) != 1 || count(actions, commitment.ActionConfirmed) != 0 {
					t.Fatalf("audit actions: %v", actions)
				}
				return
			}

			if stored == nil {
				t.Fatal("confirmed sequence has no commitment")
			}

			if len(stored.Validators) < 3 || stored.Validators[0] != f.local.id {
				t.Fatalf("contributors: %d, local first %v", len(stored.Validators), stored.Validators[0] == f.local.id)
			}

			pubkeys := make([][attestation.BLSPublicKeySize]byte, len(stored.Validators))
			for i, id := range stored.Validators {
				info, _ := f.reg.Get(id)
				pubkeys[i] = info.BLSPubkey
			}

			if !stored.VerifySignature(pubkeys) {
				t.Fatal("aggregate signature does not verify")
			}

			if count(actions, commitment.ActionConfirmed) != 1 || len(actions) != 1 {
				t.Fatalf("audit actions: %v", actions)
			}

			info, _ := f.reg.Get(f.remotes[0].id)
			if info.SuccessfulValidations != 1 {
				t.Errorf("successful validations: got %d, want 1", info.SuccessfulValidations)
			}
		})
	}
}

// TestLateAttestation tests that an attestation arriving after expiration is
// discarded and never confirms the sequence.
func TestLateAttestation(t *testing.T) {
	f := newFixture(t, testConfig(100), honest, silent)
	data := sequence(2)
	hash := blake3.Sum256(data)

	out := f.submit(t, data, passingMetrics())
	if out.State != StateExpired {
		t.Fatalf("state: got %s, want expired", out.State)
	}

	rec, _ := f.engine.GetRecord(hash)
	late := f.remotes[1]
	att := attestation.New(late.key, late.id, hash, rec.MerkleRoot, []byte{1}, time.Now(), attestation.Remote)

	if err := f.engine.AddAttestation(context.Background(), att); !errors.Is(err, ErrTerminal) {
		t.Fatalf("late attestation: got %v, want ErrTerminal", err)
	}

	rec, _ = f.engine.GetRecord(hash)
	if rec.State != StateExpired {
		t.Fatalf("state after late attestation: %s", rec.State)
	}

	if stored, _ := f.store.Read(hash); stored != nil {
		t.Fatal("late attestation produced a commitment")
	}
}

// TestNoDoubleCounting tests that repeated attestations from one validator
// count once.
func TestNoDoubleCounting(t *testing.T) {
	f := newFixture(t, testConfig(100), repeats, silent)
	data := sequence(3)
	hash := blake3.Sum256(data)

	out := f.submit(t, data, passingMetrics())

	if out.State != StateExpired {
		t.Fatalf("state: got %s, want expired", out.State)
	}

	if len(out.Contributors) != 2 {
		t.Fatalf("contributors: got %d, want 2", len(out.Contributors))
	}

	rec, _ := f.engine.GetRecord(hash)
	if rec.Accepted != 2 {
		t.Fatalf("accepted: got %d, want 2", rec.Accepted)
	}
}

// TestGateRejection tests that failing metrics reject without a proof.
func TestGateRejection(t *testing.T) {
	tests := []struct {
		name    string
		metrics quality.Metrics
		want    error
	}{
		{"low coverage", quality.Metrics{Coverage: 10, ErrorRate: 0.0001, QualityScore: 40}, quality.ErrInsufficientCoverage},
		{"high error rate", quality.Metrics{Coverage: 40, ErrorRate: 0.01, QualityScore: 40}, quality.ErrHighErrorRate},
		{"low quality", quality.Metrics{Coverage: 40, ErrorRate: 0.0001, QualityScore: 20}, quality.ErrLowQualityScore},
		{"malformed", quality.Metrics{Coverage: 40, ErrorRate: 2, QualityScore: 40}, quality.ErrMalformedMetrics},
		{"malformed and low coverage", quality.Metrics{Coverage: 10, ErrorRate: 1.5, QualityScore: 40}, quality.ErrMalformedMetrics},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testConfig(75), honest)
			data := sequence(byte(10 + i))

			out := f.submit(t, data, tt.metrics)

			if out.State != StateRejected {
				t.Fatalf("state: got %s, want rejected", out.State)
			}

			if !errors.Is(out.Cause, tt.want) {
				t.Fatalf("cause: got %v, want %v", out.Cause, tt.want)
			}

			rec, _ := f.engine.GetRecord(out.Hash)
			if rec.ProofDigest != ([32]byte{}) {
				t.Fatal("rejected sequence has a proof")
			}

			actions := f.actions(t, out.Hash)
			if len(actions) != 1 || actions[0] != commitment.ActionRejected {
				t.Fatalf("audit actions: %v", actions)
			}
		})
	}
}

// TestSlashInvalidProof tests that a validator signing a corrupted proof is
// slashed, leaves the eligible set and is not counted.
func TestSlashInvalidProof(t *testing.T) {
	f := newFixture(t, testConfig(100), tamper, honest)
	data := sequence(4)
	cheat := f.remotes[0].id

	out := f.submit(t, data, passingMetrics())

	if out.State != StateConfirmed {
		t.Fatalf("state: got %s, want confirmed (%s)", out.State, out.Reason)
	}

	for _, id := range out.Contributors {
		if id == cheat {
			t.Fatal("slashed validator counted")
		}
	}

	if _, ok := f.reg.Get(cheat); ok {
		t.Fatal("slashed validator still registered")
	}

	actions := f.actions(t, out.Hash)
	for _, want := range []commitment.Action{commitment.ActionValidatorSlashed, commitment.ActionValidatorRemoved, commitment.ActionConfirmed} {
		if count(actions, want) != 1 {
			t.Errorf("audit actions %v: want one %s", actions, want)
		}
	}
}

// TestDuplicateCommitment tests that an existing commitment is kept and the
// duplicate is audited.
func TestDuplicateCommitment(t *testing.T) {
	f := newFixture(t, testConfig(50), honest)
	data := sequence(5)
	hash := blake3.Sum256(data)

	existing := &commitment.Record{SequenceHash: hash, Status: uint8(StateConfirmed), ConfirmedAt: time.UnixMilli(1)}
	if err := f.store.Persist(existing); err != nil {
		t.Fatalf("persist: %v", err)
	}

	out := f.submit(t, data, passingMetrics())

	if out.State != StateConfirmed || !out.Duplicate {
		t.Fatalf("outcome: state %s, duplicate %v", out.State, out.Duplicate)
	}

	stored, err := f.store.Read(hash)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if !stored.ConfirmedAt.Equal(existing.ConfirmedAt) {
		t.Fatal("existing commitment overwritten")
	}

	actions := f.actions(t, hash)
	if len(actions) != 1 || actions[0] != commitment.ActionDuplicateCommitment {
		t.Fatalf("audit actions: %v", actions)
	}
}

// TestResubmit tests the in-flight guard and resubmission after a terminal state.
func TestResubmit(t *testing.T) {
	cfg := testConfig(100)
	cfg.RoundDeadline = 2 * time.Second

	f := newFixture(t, cfg, silent)
	data := sequence(6)
	hash := blake3.Sum256(data)

	done := make(chan *Outcome, 1)
	go func() {
		out, _ := f.engine.Submit(context.Background(), Submission{Data: data, Metrics: passingMetrics()})
		done <- out
	}()

	waitState(t, f.engine, hash, StateConsensing)

	if _, err := f.engine.Submit(context.Background(), Submission{Data: data, Metrics: passingMetrics()}); !errors.Is(err, ErrInFlight) {
		t.Fatalf("second submit: got %v, want ErrInFlight", err)
	}

	if out := <-done; out.State != StateExpired {
		t.Fatalf("first submit: got %s, want expired", out.State)
	}

	f.collector.set(f.remotes[0].id, honest)

	if out := f.submit(t, data, passingMetrics()); out.State != StateConfirmed {
		t.Fatalf("resubmit: got %s, want confirmed", out.State)
	}
}

// TestSweep tests expiration of an in-flight round and retention pruning.
func TestSweep(t *testing.T) {
	cfg := testConfig(100)
	cfg.RoundDeadline = 10 * time.Second

	f := newFixture(t, cfg, silent)
	data := sequence(7)
	hash := blake3.Sum256(data)

	done := make(chan *Outcome, 1)
	go func() {
		out, _ := f.engine.Submit(context.Background(), Submission{Data: data, Metrics: passingMetrics()})
		done <- out
	}()

	waitState(t, f.engine, hash, StateConsensing)

	if expired, _ := f.engine.Sweep(time.Now()); expired != 0 {
		t.Fatalf("swept a live round")
	}

	if expired, _ := f.engine.Sweep(time.Now().Add(cfg.SequenceTTL)); expired != 1 {
		t.Fatalf("expired: got %d, want 1", expired)
	}

	select {
	case out := <-done:
		if out.State != StateExpired {
			t.Fatalf("state: got %s, want expired", out.State)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("submit did not return after sweep")
	}

	if got := count(f.actions(t, hash), commitment.ActionExpired); got != 1 {
		t.Fatalf("expired audit entries: got %d, want 1", got)
	}

	if _, pruned := f.engine.Sweep(time.Now().Add(2 * cfg.Retention)); pruned != 1 {
		t.Fatalf("pruned: got %d, want 1", pruned)
	}

	if _, ok := f.engine.GetRecord(hash); ok {
		t.Fatal("pruned record still present")
	}
}

// TestAddAttestationErrors tests attestations refused outside a round.
func TestAddAttestationErrors(t *testing.T) {
	cfg := testConfig(100)
	cfg.RoundDeadline = 2 * time.Second

	f := newFixture(t, cfg, silent)
	data := sequence(8)
	hash := blake3.Sum256(data)

	stranger := newMember(t)
	att := attestation.New(stranger.key, stranger.id, hash, [32]byte{}, []byte{1}, time.Now(), attestation.Remote)

	if err := f.engine.AddAttestation(context.Background(), att); !errors.Is(err, ErrUnknownSequence) {
		t.Fatalf("unknown sequence: got %v", err)
	}

	done := make(chan struct{})
	go func() {
		f.engine.Submit(context.Background(), Submission{Data: data, Metrics: passingMetrics()})
		close(done)
	}()
	defer func() { <-done }()

	waitState(t, f.engine, hash, StateConsensing)

	if err := f.engine.AddAttestation(context.Background(), att); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unregistered validator: got %v, want ErrUnauthorized", err)
	}

	rec, _ := f.engine.GetRecord(hash)
	target := f.remotes[0]
	forged := attestation.New(stranger.key, target.id, hash, rec.MerkleRoot, []byte{1}, time.Now(), attestation.Remote)

	if err := f.engine.AddAttestation(context.Background(), forged); !errors.Is(err, ErrInvalidAttestation) {
		t.Fatalf("forged signature: got %v, want ErrInvalidAttestation", err)
	}

	local := attestation.New(f.local.key, f.local.id, hash, rec.MerkleRoot, []byte{1}, time.Now(), attestation.Local)
	if err := f.engine.AddAttestation(context.Background(), local); !errors.Is(err, ErrDuplicateAttestation) {
		t.Fatalf("local duplicate: got %v, want ErrDuplicateAttestation", err)
	}

	if count(f.actions(t, hash), commitment.ActionAttestationRejected) != 2 {
		t.Fatalf("rejections not audited: %v", f.actions(t, hash))
	}
}

// TestSubmitInvalid tests input validation.
func TestSubmitInvalid(t *testing.T) {
	cfg := testConfig(75)
	cfg.MaxSequenceSize = 100

	f := newFixture(t, cfg)

	for _, data := range [][]byte{nil, make([]byte, 101)} {
		if _, err := f.engine.Submit(context.Background(), Submission{Data: data, Metrics: passingMetrics()}); !errors.Is(err, ErrInvalidSubmission) {
			t.Errorf("%d bytes: got %v, want ErrInvalidSubmission", len(data), err)
		}
	}
}

// TestSingleValidator tests that a lone local validator confirms on its own.
func TestSingleValidator(t *testing.T) {
	f := newFixture(t, testConfig(100))

	out := f.submit(t, sequence(9), passingMetrics())

	if out.State != StateConfirmed || len(out.Contributors) != 1 {
		t.Fatalf("outcome: %s with %d contributors", out.State, len(out.Contributors))
	}

	counts := f.engine.Counts()
	if counts[StateConfirmed] != 1 {
		t.Fatalf("counts: %v", counts)
	}
}

// TestConfigValidate tests policy validation.
func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"threshold 100", func(c *Config) { c.Threshold = 100 }, true},
		{"threshold zero", func(c *Config) { c.Threshold = 0 }, false},
		{"threshold over 100", func(c *Config) { c.Threshold = 101 }, false},
		{"no deadline", func(c *Config) { c.RoundDeadline = 0 }, false},
		{"no size", func(c *Config) { c.MaxSequenceSize = 0 }, false},
		{"bad gate", func(c *Config) { c.Gate.MaxErrorRate = 2 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			if err := cfg.Validate(); (err == nil) != tt.ok {
				t.Fatalf("validate: got %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

// waitState polls until the record for hash reaches want.
func waitState(t *testing.T, e *Engine, hash [32]byte, want State) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := e.GetRecord(hash); ok && rec.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("record never reached %s", want)
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// waitRequest waits for the round's oracle request.
func waitRequest(t *testing.T, c *testCollector) *oracle.Request {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if req := c.request(); req != nil {
			return req
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("no oracle request issued")

	return nil
}

// attestFor signs the round's own proof on behalf of m.
func attestFor(t *testing.T, m *member, req *oracle.Request) *attestation.Attestation {
	t.Helper()

	p, err := proof.DecodeProof(req.Proof)
	if err != nil {
		t.Fatalf("decode proof: %v", err)
	}

	return attestation.New(m.key, m.id, req.SequenceHash, p.MerkleRoot, req.Proof, time.Now(), attestation.Remote)
}

// TestCallerCancelKeepsRound tests that a caller giving up leaves the round
// collecting, so a later attestation can still confirm it.
func TestCallerCancelKeepsRound(t *testing.T) {
	cfg := testConfig(50)
	cfg.RoundDeadline = 30 * time.Second

	f := newFixture(t, cfg, silent, silent, silent)
	data := sequence(20)
	hash := blake3.Sum256(data)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out, err := f.engine.Submit(ctx, Submission{Data: data, Metrics: passingMetrics()})
	if !errors.Is(err, context.DeadlineExceeded) || out != nil {
		t.Fatalf("submit: got %v, %v; want context deadline", out, err)
	}

	rec, _ := f.engine.GetRecord(hash)
	if rec.State != StateConsensing {
		t.Fatalf("state after caller left: got %s, want consensing", rec.State)
	}

	if actions := f.actions(t, hash); len(actions) != 0 {
		t.Fatalf("audit entries before settlement: %v", actions)
	}

	att := attestFor(t, f.remotes[0], waitRequest(t, f.collector))
	if err := f.engine.AddAttestation(context.Background(), att); err != nil {
		t.Fatalf("add attestation: %v", err)
	}

	waitState(t, f.engine, hash, StateConfirmed)

	stored, err := f.store.Read(hash)
	if err != nil || stored == nil {
		t.Fatalf("commitment: %v %v", stored, err)
	}

	if len(stored.Validators) != 2 {
		t.Fatalf("committed validators: got %d, want 2", len(stored.Validators))
	}

	actions := f.actions(t, hash)
	if len(actions) != 1 || actions[0] != commitment.ActionConfirmed {
		t.Fatalf("audit actions: %v", actions)
	}
}

// TestCloseLeavesRoundsOpen tests that Close neither expires nor audits a
// round still collecting.
func TestCloseLeavesRoundsOpen(t *testing.T) {
	cfg := testConfig(100)
	cfg.RoundDeadline = 30 * time.Second

	f := newFixture(t, cfg, silent)
	data := sequence(21)
	hash := blake3.Sum256(data)

	errc := make(chan error, 1)
	go func() {
		_, err := f.engine.Submit(context.Background(), Submission{Data: data, Metrics: passingMetrics()})
		errc <- err
	}()

	waitRequest(t, f.collector)
	f.engine.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("submit: got %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("submit did not return after close")
	}

	rec, _ := f.engine.GetRecord(hash)
	if rec.State != StateConsensing {
		t.Fatalf("state after close: got %s, want consensing", rec.State)
	}

	if actions := f.actions(t, hash); len(actions) != 0 {
		t.Fatalf("audit entries after close: %v", actions)
	}

	if _, err := f.engine.Submit(context.Background(), Submission{Data: sequence(22), Metrics: passingMetrics()}); !errors.Is(err, ErrClosed) {
		t.Fatalf("submit after close: got %v, want ErrClosed", err)
	}
}

// TestExpiredRoundNeverConfirms tests that an attestation which would cross
// the threshold is refused once the expiration timestamp has passed, however
// the round is then settled.
func TestExpiredRoundNeverConfirms(t *testing.T) {
	tests := []struct {
		name          string
		roundDeadline time.Duration
		sweep         bool
	}{
		{"settled by sweep", 30 * time.Second, true},
		{"settled by round deadline", time.Second, false},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(100)
			cfg.RoundDeadline = tt.roundDeadline

			f := newFixture(t, cfg, silent)
			clock := &testClock{now: time.Now()}
			f.engine.now = clock.Now

			data := sequence(byte(30 + i))
			hash := blake3.Sum256(data)

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			if _, err := f.engine.Submit(ctx, Submission{Data: data, Metrics: passingMetrics()}); !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("submit: got %v, want context deadline", err)
			}

			att := attestFor(t, f.remotes[0], waitRequest(t, f.collector))
			clock.Advance(cfg.SequenceTTL + time.Second)

			if err := f.engine.AddAttestation(context.Background(), att); !errors.Is(err, ErrTerminal) {
				t.Fatalf("attestation after expiration: got %v, want ErrTerminal", err)
			}

			if tt.sweep {
				if expired, _ := f.engine.Sweep(clock.Now()); expired != 1 {
					t.Fatalf("expired: got %d, want 1", expired)
				}
			}

			waitState(t, f.engine, hash, StateExpired)

			rec, _ := f.engine.GetRecord(hash)
			if rec.Accepted != 1 || rec.Reason != "expired before the threshold was reached" {
				t.Fatalf("record: accepted %d, reason %q", rec.Accepted, rec.Reason)
			}

			if stored, _ := f.store.Read(hash); stored != nil {
				t.Fatal("expired sequence has a commitment")
			}

			actions := f.actions(t, hash)
			if len(actions) != 1 || actions[0] != commitment.ActionExpired {
				t.Fatalf("audit actions: %v", actions)
			}
		})
	}
}
