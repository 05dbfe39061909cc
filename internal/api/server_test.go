package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"BioMod/internal/attestation"
	"BioMod/internal/commitment"
	"BioMod/internal/consensus"
	"BioMod/internal/metrics"
	"BioMod/internal/oracle"
	"BioMod/internal/proof"
	"BioMod/internal/quality"
	"BioMod/internal/registry"
	"BioMod/internal/storage"
)

// fakeEngine records calls and returns canned answers.
type fakeEngine struct {
	mu        sync.Mutex
	submitted []consensus.Submission
	outcome   *consensus.Outcome
	err       error
	records   map[[32]byte]consensus.Record
	attErr    error
	atts      []*attestation.Attestation
}

func (f *fakeEngine) Submit(_ context.Context, sub consensus.Submission) (*consensus.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submitted = append(f.submitted, sub)
	if f.err != nil {
		return nil, f.err
	}

	return f.outcome, nil
}

func (f *fakeEngine) AddAttestation(_ context.Context, att *attestation.Attestation) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.atts = append(f.atts, att)
	return f.attErr
}

func (f *fakeEngine) GetRecord(hash [32]byte) (consensus.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[hash]
	return rec, ok
}

func (f *fakeEngine) Counts() map[consensus.State]int {
	return map[consensus.State]int{consensus.StateConfirmed: 2, consensus.StateExpired: 1}
}

func (f *fakeEngine) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.submitted)
}

func passingMetrics() quality.Metrics {
	return quality.Metrics{Coverage: 35, ErrorRate: 0.0009, QualityScore: 40}
}

func do(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	return w
}

func submitBody(t *testing.T, seq string) []byte {
	t.Helper()

	body, err := json.Marshal(SubmitRequest{
		Sequence: seq,
		Metrics:  passingMetrics(),
		Metadata: consensus.Metadata{Organism: "E. coli", SampleID: "S-1"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	return body
}

func TestHealthEndpoint(t *testing.T) {
	server := New(":0", Deps{})

	w := do(t, server.Handler(), "GET", "/health", nil)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

// TestSubmitWait tests a synchronous submission.
func TestSubmitWait(t *testing.T) {
	engine := &fakeEngine{outcome: &consensus.Outcome{
		Hash:         [32]byte{1},
		State:        consensus.StateConfirmed,
		Contributors: []registry.ID{{2}, {3}},
		Required:     2,
		Eligible:     2,
	}}
	server := New(":0", Deps{Engine: engine})

	w := do(t, server.Handler(), "POST", "/sequences?wait=true", submitBody(t, "ACGTACGT"))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var out OutcomeView
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("parse: %v", err)
	}

	if out.State != consensus.StateConfirmed || len(out.Contributors) != 2 {
		t.Fatalf("outcome: %+v", out)
	}

	if string(engine.submitted[0].Data) != "ACGTACGT" || engine.submitted[0].Metadata.SampleID != "S-1" {
		t.Fatalf("submission: %+v", engine.submitted[0])
	}
}

// TestSubmitAsync tests a background submission and the in-flight guard.
func TestSubmitAsync(t *testing.T) {
	engine := &fakeEngine{outcome: &consensus.Outcome{State: consensus.StateExpired}, records: map[[32]byte]consensus.Record{}}
	server := New(":0", Deps{Engine: engine})

	w := do(t, server.Handler(), "POST", "/sequences", submitBody(t, "ACGT"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)

	want := blake3.Sum256([]byte("ACGT"))
	if resp["hash"] != hex.EncodeToString(want[:]) {
		t.Fatalf("hash: got %s", resp["hash"])
	}

	server.Stop()

	if engine.submissions() != 1 {
		t.Fatalf("submissions: got %d, want 1", engine.submissions())
	}

	engine.mu.Lock()
	engine.records[want] = consensus.Record{Hash: want, State: consensus.StateConsensing}
	engine.mu.Unlock()

	if w := do(t, server.Handler(), "POST", "/sequences", submitBody(t, "ACGT")); w.Code != http.StatusConflict {
		t.Fatalf("in-flight resubmission: got %d, want 409", w.Code)
	}
}

// TestSubmitRejected tests malformed bodies and engine errors.
func TestSubmitRejected(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		err  error
		want int
	}{
		{"invalid json", []byte("{"), nil, http.StatusBadRequest},
		{"empty sequence", submitBody(t, ""), nil, http.StatusBadRequest},
		{"oversized", submitBody(t, "ACGT"), consensus.ErrInvalidSubmission, http.StatusBadRequest},
		{"in flight", submitBody(t, "ACGT"), consensus.ErrInFlight, http.StatusConflict},
		{"storage", submitBody(t, "ACGT"), commitment.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{"closed", submitBody(t, "ACGT"), consensus.ErrClosed, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(":0", Deps{Engine: &fakeEngine{err: tt.err}})

			w := do(t, server.Handler(), "POST", "/sequences?wait=1", tt.body)
			if w.Code != tt.want {
				t.Fatalf("got %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

// TestSequenceReport tests the validation report.
func TestSequenceReport(t *testing.T) {
	hash := [32]byte{7}
	engine := &fakeEngine{records: map[[32]byte]consensus.Record{
		hash: {
			Hash:         hash,
			State:        consensus.StateExpired,
			Reason:       "round closed with 2 of 3 required contributors",
			Length:       1000,
			MerkleRoot:   [32]byte{9},
			Contributors: []registry.ID{{1}, {2}},
			Accepted:     2,
			Rejected:     1,
		},
	}}
	h := New(":0", Deps{Engine: engine}).Handler()

	w := do(t, h, "GET", "/sequences/"+hex.EncodeToString(hash[:]), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var report Report
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("parse: %v", err)
	}

	if report.State != consensus.StateExpired || report.TotalAttestations != 3 || report.RejectedAttestations != 1 {
		t.Fatalf("report: %+v", report)
	}

	if !strings.Contains(w.Body.String(), `"state":"expired"`) {
		t.Fatalf("state not encoded by name: %s", w.Body.String())
	}

	unknown := [32]byte{8}
	if w := do(t, h, "GET", "/sequences/"+hex.EncodeToString(unknown[:]), nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown hash: got %d", w.Code)
	}

	if w := do(t, h, "GET", "/sequences/xyz", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad hash: got %d", w.Code)
	}
}

func openStorage(t *testing.T) *storage.Storage {
	t.Helper()

	db, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db
}

// TestCommitmentAndAudit tests the commitment and audit endpoints on Pebble.
func TestCommitmentAndAudit(t *testing.T) {
	db := openStorage(t)
	store := commitment.NewStore(db)

	trail, err := commitment.OpenAuditTrail(db)
	if err != nil {
		t.Fatalf("open audit trail: %v", err)
	}

	hash := [32]byte{5}
	rec := &commitment.Record{
		SequenceHash: hash,
		Status:       uint8(consensus.StateConfirmed),
		Validators:   []attestation.ValidatorID{{1}},
		SignedAt:     []time.Time{time.UnixMilli(1000)},
		ConfirmedAt:  time.UnixMilli(2000),
	}
	if err := store.Persist(rec); err != nil {
		t.Fatalf("persist: %v", err)
	}

	if _, err := trail.Append(hash, commitment.ActionConfirmed, [32]byte{}, "contributors=1"); err != nil {
		t.Fatalf("append: %v", err)
	}

	h := New(":0", Deps{Commitments: store, Audit: trail}).Handler()
	path := hex.EncodeToString(hash[:])

	w := do(t, h, "GET", "/commitments/"+path, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("commitment: got %d", w.Code)
	}

	var view CommitmentView
	json.Unmarshal(w.Body.Bytes(), &view)
	if view.Status != consensus.StateConfirmed || len(view.Validators) != 1 || !view.ConfirmedAt.Equal(rec.ConfirmedAt) {
		t.Fatalf("commitment view: %+v", view)
	}

	other := [32]byte{6}
	if w := do(t, h, "GET", "/commitments/"+hex.EncodeToString(other[:]), nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing commitment: got %d", w.Code)
	}

	w = do(t, h, "GET", "/audit/"+path, nil)

	var entries []AuditView
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 1 || entries[0].Action != "confirmed" || entries[0].Actor != "" {
		t.Fatalf("audit: %+v", entries)
	}
}

// TestRegisterValidator tests signed registration.
func TestRegisterValidator(t *testing.T) {
	reg, err := registry.New(registry.DefaultConfig())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	var joined []registry.ID
	h := New(":0", Deps{Validators: reg, OnRegister: func(info registry.ValidatorInfo) {
		joined = append(joined, info.ID)
	}}).Handler()

	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	key, err := attestation.DeriveFromED25519(priv)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	signed := registry.SignRegistration(priv, key, registry.ValidatorInfo{
		Address: "127.0.0.1:9000",
		Stake:   1000,
		Hardware: registry.Hardware{
			Cores:         64,
			MemoryGB:      256,
			StorageTB:     4,
			BandwidthMbps: 1000,
		},
	})

	body, _ := json.Marshal(NewRegisterRequest(signed))

	if w := do(t, h, "POST", "/validators", body); w.Code != http.StatusCreated {
		t.Fatalf("register: got %d: %s", w.Code, w.Body.String())
	}

	if w := do(t, h, "POST", "/validators", body); w.Code != http.StatusConflict {
		t.Fatalf("duplicate: got %d", w.Code)
	}

	if len(joined) != 1 || joined[0] != signed.Info.ID {
		t.Fatalf("on register: %v", joined)
	}

	tampered := NewRegisterRequest(signed)
	tampered.Address = "10.0.0.1:9000"
	body, _ = json.Marshal(tampered)

	if w := do(t, h, "POST", "/validators", body); w.Code != http.StatusUnauthorized {
		t.Fatalf("tampered: got %d", w.Code)
	}

	w := do(t, h, "GET", "/validators", nil)

	var views []ValidatorView
	json.Unmarshal(w.Body.Bytes(), &views)
	if len(views) != 1 || views[0].Reputation != registry.DefaultConfig().InitialReputation {
		t.Fatalf("validators: %+v", views)
	}
}

// TestAttestationEndpoint tests out-of-band attestation delivery.
func TestAttestationEndpoint(t *testing.T) {
	key, err := attestation.GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	att := attestation.New(key, [32]byte{1}, [32]byte{2}, [32]byte{3}, []byte{4}, time.Now(), attestation.Local)
	body := attestation.Encode(att)

	tests := []struct {
		name string
		body []byte
		err  error
		want int
	}{
		{"accepted", body, nil, http.StatusAccepted},
		{"garbage", []byte{1, 2, 3}, nil, http.StatusBadRequest},
		{"unknown", body, consensus.ErrUnknownSequence, http.StatusNotFound},
		{"late", body, consensus.ErrTerminal, http.StatusConflict},
		{"unauthorized", body, consensus.ErrUnauthorized, http.StatusForbidden},
		{"duplicate", body, consensus.ErrDuplicateAttestation, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{attErr: tt.err}
			w := do(t, New(":0", Deps{Engine: engine}).Handler(), "POST", "/attestations", tt.body)

			if w.Code != tt.want {
				t.Fatalf("got %d, want %d", w.Code, tt.want)
			}

			if tt.want != http.StatusBadRequest && engine.atts[0].Provenance != attestation.Remote {
				t.Fatal("attestation not tagged remote")
			}
		})
	}
}

// TestStatusEndpoint tests the status summary.
func TestStatusEndpoint(t *testing.T) {
	m := metrics.New()
	m.ObserveRound()
	m.ObserveOutcome("confirmed", true, 50*time.Millisecond)

	h := New(":0", Deps{Engine: &fakeEngine{}, Metrics: m}).Handler()

	var status StatusView
	json.Unmarshal(do(t, h, "GET", "/status", nil).Body.Bytes(), &status)

	if status.Performance.SuccessfulValidations != 1 || status.Performance.ConsensusRounds != 1 {
		t.Fatalf("performance: %+v", status.Performance)
	}

	if status.Sequences["confirmed"] != 2 || status.Sequences["expired"] != 1 {
		t.Fatalf("sequences: %v", status.Sequences)
	}

	if w := do(t, h, "GET", "/metrics", nil); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "biomod_consensus_rounds_total") {
		t.Fatalf("metrics: %d", w.Code)
	}
}

// TestOracleEndpoints tests the oracle routes through the HTTP transport.
func TestOracleEndpoints(t *testing.T) {
	cfg := proof.DefaultConfig()
	cfg.ChunkSize = 64
	cfg.Samples = 4

	engine, err := proof.NewEngine(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	key, err := attestation.DeriveFromED25519(priv)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	var id registry.ID
	copy(id[:], priv.Public().(ed25519.PublicKey))

	handler, err := oracle.NewHandler(oracle.DefaultHandlerConfig(), engine, key, id)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	srv := httptest.NewServer(New(":0", Deps{Oracle: handler}).Handler())
	defer srv.Close()

	data := []byte(strings.Repeat("ACGT", 250))
	p, err := engine.Build(context.Background(), data, passingMetrics())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	req := &oracle.Request{
		ID:            uuid.New(),
		SequenceHash:  p.ContentHash,
		MetricsDigest: passingMetrics().Digest(),
		Timestamp:     time.UnixMilli(time.Now().UnixMilli()),
		Proof:         proof.Encode(p),
	}

	transport := oracle.NewHTTPTransport(5 * time.Second)
	info := registry.ValidatorInfo{ID: id, BLSPubkey: key.PublicKey(), Address: srv.URL}

	resp, err := transport.Validate(context.Background(), info, req)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	if resp.Status != oracle.StatusValidated || resp.Attestation == nil {
		t.Fatalf("response: status %s error %q", resp.Status, resp.Error)
	}

	if err := resp.Attestation.Verify(p.ContentHash, key.PublicKey()); err != nil {
		t.Fatalf("attestation: %v", err)
	}

	status, err := transport.Status(context.Background(), info, req.ID)
	if err != nil || status.Status != oracle.StatusValidated {
		t.Fatalf("status: %v %v", status, err)
	}

	if w := do(t, New(":0", Deps{Oracle: handler}).Handler(), "GET", oracle.StatusPath+"not-a-uuid", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id: got %d", w.Code)
	}
}
