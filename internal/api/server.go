package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"BioMod/internal/attestation"
	"BioMod/internal/commitment"
	"BioMod/internal/consensus"
	"BioMod/internal/logger"
	"BioMod/internal/metrics"
	"BioMod/internal/oracle"
	"BioMod/internal/registry"
)

const (
	// maxRequestSize bounds JSON request bodies, sequences included.
	maxRequestSize = 128 << 20

	// maxAttestationSize bounds binary attestation bodies.
	maxAttestationSize = 2 << 20
)

// Engine drives sequences through consensus.
type Engine interface {
	Submit(ctx context.Context, sub consensus.Submission) (*consensus.Outcome, error)
	AddAttestation(ctx context.Context, att *attestation.Attestation) error
	GetRecord(hash [32]byte) (consensus.Record, bool)
	Counts() map[consensus.State]int
}

// Commitments reads persisted commitments.
type Commitments interface {
	Read(hash [32]byte) (*commitment.Record, error)
}

// Audit lists audit entries per sequence.
type Audit interface {
	List(seqHash [32]byte) ([]commitment.AuditEntry, error)
}

// Validators is the registry view exposed over HTTP.
type Validators interface {
	Register(info registry.ValidatorInfo, now time.Time) error
	List() []registry.ValidatorInfo
	Len() int
}

// Oracle answers oracle requests as a validator.
type Oracle interface {
	Validate(ctx context.Context, req *oracle.Request) *oracle.Response
	Status(id uuid.UUID) *oracle.Response
}

// Deps are the server's collaborators. Nil members disable their routes.
type Deps struct {
	Engine      Engine                       // Engine accepts sequences and attestations
	Commitments Commitments                  // Commitments serves /commitments
	Audit       Audit                        // Audit serves /audit
	Validators  Validators                   // Validators serves /validators
	Oracle      Oracle                       // Oracle serves the oracle endpoints
	Metrics     *metrics.Metrics             // Metrics serves /metrics and the status snapshot
	OnRegister  func(registry.ValidatorInfo) // OnRegister is called after a validator joins
}

// Server is the HTTP API server.
type Server struct {
	addr   string             // addr is the HTTP listen address
	deps   Deps               // deps are the handlers' collaborators
	server *http.Server       // server is the underlying HTTP server
	bound  net.Addr           // bound is the listener address once started
	ctx    context.Context    // ctx outlives requests for background submissions
	cancel context.CancelFunc // cancel stops background submissions
	wg     sync.WaitGroup     // wg tracks background submissions
}

// New creates a new HTTP API server.
func New(addr string, deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:   addr,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sequences", s.handleSubmit)
	mux.HandleFunc("GET /sequences/{hash}", s.handleSequence)
	mux.HandleFunc("POST /attestations", s.handleAttestation)
	mux.HandleFunc("GET /commitments/{hash}", s.handleCommitment)
	mux.HandleFunc("GET /audit/{hash}", s.handleAudit)
	mux.HandleFunc("POST /validators", s.handleRegister)
	mux.HandleFunc("GET /validators", s.handleValidators)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("POST "+oracle.ValidatePath, s.handleOracleValidate)
	mux.HandleFunc("GET "+oracle.StatusPath+"{id}", s.handleOracleStatus)

	return mux
}

// Start listens and serves in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.bound = ln.Addr()
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}

	go func() {
		logger.Info("http api started", "addr", s.bound.String())

		if err := s.server.Serve(ln); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	return s.bound
}

// Stop gracefully shuts down the HTTP server and waits for background submissions.
func (s *Server) Stop() error {
	s.cancel()
	defer s.wg.Wait()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleSubmit handles POST /sequences. With ?wait=true the response is the
// terminal outcome; otherwise the sequence is processed in the background.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "consensus not available")
		return
	}

	var req SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := req.Submission()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		out, err := s.deps.Engine.Submit(r.Context(), sub)
		if out == nil {
			writeError(w, statusFor(err), err.Error())
			return
		}

		if err != nil {
			logger.Warn("submission settled with errors", logger.HashAttr("sequence", out.Hash), "error", err)
		}

		writeJSON(w, http.StatusOK, NewOutcomeView(out))
		return
	}

	hash := blake3.Sum256(sub.Data)
	if rec, ok := s.deps.Engine.GetRecord(hash); ok && !rec.State.Terminal() {
		writeError(w, http.StatusConflict, consensus.ErrInFlight.Error())
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if _, err := s.deps.Engine.Submit(s.ctx, sub); err != nil {
			logger.Warn("background submission failed", logger.HashAttr("sequence", hash), "error", err)
		}
	}()

	logger.Debug("sequence accepted", logger.HashAttr("sequence", hash), "bytes", len(sub.Data))

	writeJSON(w, http.StatusAccepted, map[string]string{
		"hash":  hex.EncodeToString(hash[:]),
		"state": consensus.StateIntake.String(),
	})
}

// handleSequence handles GET /sequences/{hash}.
func (s *Server) handleSequence(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "consensus not available")
		return
	}

	hash, ok := pathHash(w, r)
	if !ok {
		return
	}

	rec, found := s.deps.Engine.GetRecord(hash)
	if !found {
		writeError(w, http.StatusNotFound, "sequence not found")
		return
	}

	writeJSON(w, http.StatusOK, NewReport(rec))
}

// handleAttestation handles POST /attestations with a binary attestation body.
func (s *Server) handleAttestation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "consensus not available")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxAttestationSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	att, err := attestation.Decode(body, attestation.Remote)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Engine.AddAttestation(r.Context(), att); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleCommitment handles GET /commitments/{hash}.
func (s *Server) handleCommitment(w http.ResponseWriter, r *http.Request) {
	if s.deps.Commitments == nil {
		writeError(w, http.StatusServiceUnavailable, "commitments not available")
		return
	}

	hash, ok := pathHash(w, r)
	if !ok {
		return
	}

	rec, err := s.deps.Commitments.Read(hash)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	if rec == nil {
		writeError(w, http.StatusNotFound, "commitment not found")
		return
	}

	writeJSON(w, http.StatusOK, NewCommitmentView(rec))
}

// handleAudit handles GET /audit/{hash}.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit trail not available")
		return
	}

	hash, ok := pathHash(w, r)
	if !ok {
		return
	}

	entries, err := s.deps.Audit.List(hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]AuditView, len(entries))
	for i := range entries {
		views[i] = NewAuditView(&entries[i])
	}

	writeJSON(w, http.StatusOK, views)
}

// handleRegister handles POST /validators.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.deps.Validators == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not available")
		return
	}

	var req RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reg, err := req.Registration()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := reg.Verify(); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	if err := s.deps.Validators.Register(reg.Info, time.Now()); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	logger.Info("validator registered",
		"validator", hex.EncodeToString(reg.Info.ID[:8]),
		"address", reg.Info.Address,
	)

	if s.deps.OnRegister != nil {
		s.deps.OnRegister(reg.Info)
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"id": hex.EncodeToString(reg.Info.ID[:]),
	})
}

// handleValidators handles GET /validators.
func (s *Server) handleValidators(w http.ResponseWriter, r *http.Request) {
	if s.deps.Validators == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not available")
		return
	}

	infos := s.deps.Validators.List()

	views := make([]ValidatorView, len(infos))
	for i, info := range infos {
		views[i] = NewValidatorView(info)
	}

	writeJSON(w, http.StatusOK, views)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := StatusView{
		Performance: s.deps.Metrics.Snapshot(),
		Sequences:   make(map[string]int),
	}

	if s.deps.Engine != nil {
		for state, n := range s.deps.Engine.Counts() {
			status.Sequences[state.String()] = n
		}
	}

	if s.deps.Validators != nil {
		status.Validators = s.deps.Validators.Len()
	}

	writeJSON(w, http.StatusOK, status)
}

// handleMetrics serves the Prometheus exposition.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics not available")
		return
	}

	s.deps.Metrics.Handler().ServeHTTP(w, r)
}

// handleOracleValidate handles POST /api/oracle/validate.
func (s *Server) handleOracleValidate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Oracle == nil {
		writeError(w, http.StatusServiceUnavailable, "oracle not available")
		return
	}

	var req oracle.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, s.deps.Oracle.Validate(r.Context(), &req))
}

// handleOracleStatus handles GET /api/oracle/status/{id}.
func (s *Server) handleOracleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Oracle == nil {
		writeError(w, http.StatusServiceUnavailable, "oracle not available")
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request id")
		return
	}

	writeJSON(w, http.StatusOK, s.deps.Oracle.Status(id))
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, consensus.ErrInvalidSubmission),
		errors.Is(err, consensus.ErrInvalidAttestation),
		errors.Is(err, consensus.ErrDishonestAttestation),
		errors.Is(err, registry.ErrInvalidValidator):
		return http.StatusBadRequest
	case errors.Is(err, consensus.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, consensus.ErrUnknownSequence):
		return http.StatusNotFound
	case errors.Is(err, consensus.ErrInFlight),
		errors.Is(err, consensus.ErrTerminal),
		errors.Is(err, consensus.ErrNotConsensing),
		errors.Is(err, consensus.ErrDuplicateAttestation),
		errors.Is(err, registry.ErrAlreadyRegistered):
		return http.StatusConflict
	case errors.Is(err, registry.ErrMaxValidatorsReached),
		errors.Is(err, commitment.ErrStorageUnavailable),
		errors.Is(err, consensus.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// pathHash parses the {hash} path value, writing a 400 on failure.
func pathHash(w http.ResponseWriter, r *http.Request) ([32]byte, bool) {
	hash, err := parseHash(r.PathValue("hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return hash, false
	}

	return hash, true
}

// decodeJSON decodes a bounded JSON body.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestSize))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid json body: " + err.Error())
	}

	return nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
