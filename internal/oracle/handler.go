package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"BioMod/internal/attestation"
	"BioMod/internal/logger"
	"BioMod/internal/network"
	"BioMod/internal/proof"
)

// ErrUnknownRequest is reported when polling a request the handler never saw.
var ErrUnknownRequest = errors.New("unknown request")

// HandlerConfig configures the validator side.
type HandlerConfig struct {
	Async         bool          // Async answers Pending and verifies in the background
	MaxJobs       int           // MaxJobs bounds remembered requests
	VerifyTimeout time.Duration // VerifyTimeout bounds one background verification
}

// DefaultHandlerConfig returns the default validator-side settings.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{MaxJobs: 4096, VerifyTimeout: 30 * time.Second}
}

// Handler answers oracle requests on a validator.
type Handler struct {
	cfg      HandlerConfig           // cfg is the handler policy
	engine   *proof.Engine           // engine verifies proofs with local thresholds
	key      *attestation.KeyPair    // key signs attestations
	identity attestation.ValidatorID // identity is this validator's key
	jobs     *lru.Cache              // jobs maps request ID to *job
	now      func() time.Time        // now is the clock
	wg       sync.WaitGroup          // wg tracks background verifications
}

// job holds the state of one request.
type job struct {
	mu   sync.Mutex // mu protects resp
	resp Response   // resp is the latest answer
}

// NewHandler creates a validator-side handler.
func NewHandler(cfg HandlerConfig, engine *proof.Engine, key *attestation.KeyPair, identity attestation.ValidatorID) (*Handler, error) {
	def := DefaultHandlerConfig()

	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = def.MaxJobs
	}

	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = def.VerifyTimeout
	}

	jobs, err := lru.New(cfg.MaxJobs)
	if err != nil {
		return nil, fmt.Errorf("create job cache:\n%w", err)
	}

	return &Handler{
		cfg:      cfg,
		engine:   engine,
		key:      key,
		identity: identity,
		jobs:     jobs,
		now:      time.Now,
	}, nil
}

// Validate answers a request. A repeated request ID returns the stored answer.
func (h *Handler) Validate(ctx context.Context, req *Request) *Response {
	j := &job{resp: Response{ID: req.ID, Status: StatusPending, SequenceHash: req.SequenceHash}}

	if prev, found, _ := h.jobs.PeekOrAdd(req.ID, j); found {
		return prev.(*job).snapshot()
	}

	if !h.cfg.Async {
		j.set(h.process(ctx, req))
		return j.snapshot()
	}

	pending := j.snapshot()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		vctx, cancel := context.WithTimeout(context.Background(), h.cfg.VerifyTimeout)
		defer cancel()

		j.set(h.process(vctx, req))
	}()

	return pending
}

// Status returns the current answer for id.
func (h *Handler) Status(id uuid.UUID) *Response {
	v, ok := h.jobs.Get(id)
	if !ok {
		return &Response{ID: id, Status: StatusRejected, Error: ErrUnknownRequest.Error()}
	}

	return v.(*job).snapshot()
}

// HandleRequest serves the QUIC side. It is a network.RequestHandler.
func (h *Handler) HandleRequest(ctx context.Context, p *network.Peer, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformedMessage)
	}

	switch data[0] {
	case msgTypeRequest:
		req, err := DecodeRequest(data)
		if err != nil {
			return nil, fmt.Errorf("decode request:\n%w", err)
		}

		return EncodeResponse(h.Validate(ctx, req)), nil

	case msgTypeStatus:
		id, err := DecodeStatusQuery(data)
		if err != nil {
			return nil, err
		}

		return EncodeResponse(h.Status(id)), nil

	default:
		return nil, fmt.Errorf("%w: invalid message type: 0x%02x", ErrMalformedMessage, data[0])
	}
}

// Wait blocks until background verifications finish.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// process verifies the proof bundle against the request and signs.
func (h *Handler) process(ctx context.Context, req *Request) Response {
	resp := Response{ID: req.ID, SequenceHash: req.SequenceHash, Status: StatusRejected}

	p, err := h.engine.VerifyEncoded(ctx, req.Proof)
	if err != nil {
		resp.Error = err.Error()
		logger.Debug("oracle proof rejected", logger.HashAttr("sequence", req.SequenceHash), "error", err)
		return resp
	}

	if p.ContentHash != req.SequenceHash {
		resp.Error = attestation.ErrSequenceMismatch.Error()
		return resp
	}

	if p.Public.MetricsDigest != req.MetricsDigest {
		resp.Error = "quality metrics digest mismatch"
		return resp
	}

	resp.Status = StatusValidated
	resp.Attestation = attestation.New(h.key, h.identity, req.SequenceHash, p.MerkleRoot, req.Proof, h.now(), attestation.Remote)

	logger.Debug("oracle attestation signed",
		logger.HashAttr("sequence", req.SequenceHash),
		"requester", fmt.Sprintf("%x", req.Requester[:8]),
	)

	return resp
}

// set replaces the stored answer.
func (j *job) set(resp Response) {
	j.mu.Lock()
	j.resp = resp
	j.mu.Unlock()
}

// snapshot returns a copy of the stored answer.
func (j *job) snapshot() *Response {
	j.mu.Lock()
	defer j.mu.Unlock()

	resp := j.resp
	return &resp
}
