// Package oracle collects attestations from remote validators.
//
// The Aggregator fans a Request out to the authorized validators of a round,
// retries unreachable ones with backoff, polls those that answer Pending and
// checks every attestation structurally before handing it to consensus. The
// Handler is the validator side: it verifies the requester's proof with its
// own engine and signs an attestation.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"BioMod/internal/attestation"
	"BioMod/internal/logger"
	"BioMod/internal/registry"
)

var (
	// ErrUnauthorized is returned for validators the registry does not authorize.
	ErrUnauthorized = errors.New("validator not authorized")

	// ErrUnreachable is returned when every attempt to reach a validator failed.
	ErrUnreachable = errors.New("validator unreachable")

	// ErrStillPending is returned when a validator is still pending after all polls.
	ErrStillPending = errors.New("validator still pending")

	// ErrRejected is returned when a validator refused to attest.
	ErrRejected = errors.New("validator rejected sequence")

	// ErrInvalidResponse is returned for structurally invalid responses.
	ErrInvalidResponse = errors.New("invalid oracle response")
)

// Config holds the aggregator's retry and polling policy.
type Config struct {
	AttemptTimeout time.Duration // AttemptTimeout bounds one request to one validator
	MaxAttempts    int           // MaxAttempts is the number of tries per validator
	Backoff        time.Duration // Backoff is the initial delay between attempts
	MaxBackoff     time.Duration // MaxBackoff caps the delay between attempts
	MaxPolls       int           // MaxPolls bounds status polls of a Pending request
	PollInterval   time.Duration // PollInterval is the delay between polls
	Concurrency    int           // Concurrency bounds in-flight validators
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		AttemptTimeout: 5 * time.Second,
		MaxAttempts:    3,
		Backoff:        200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		MaxPolls:       10,
		PollInterval:   500 * time.Millisecond,
		Concurrency:    32,
	}
}

// Validate rejects out-of-range values.
func (c Config) Validate() error {
	switch {
	case c.AttemptTimeout <= 0:
		return fmt.Errorf("attempt timeout must be positive")
	case c.MaxAttempts < 1:
		return fmt.Errorf("max attempts must be at least 1")
	case c.Backoff < 0 || c.MaxBackoff < c.Backoff:
		return fmt.Errorf("backoff must satisfy 0 <= backoff <= max backoff")
	case c.MaxPolls < 0:
		return fmt.Errorf("max polls must not be negative")
	case c.MaxPolls > 0 && c.PollInterval <= 0:
		return fmt.Errorf("poll interval must be positive")
	case c.Concurrency < 1:
		return fmt.Errorf("concurrency must be at least 1")
	}

	return nil
}

// Directory is the registry view the aggregator needs.
type Directory interface {
	Check(id registry.ID, now time.Time) error
	Get(id registry.ID) (registry.ValidatorInfo, bool)
}

// Result is the outcome for one validator. Exactly one of Attestation and Err is set.
type Result struct {
	Validator   registry.ID              // Validator is the validator asked
	Attestation *attestation.Attestation // Attestation is the verified remote attestation
	Err         error                    // Err explains why no attestation was obtained
}

// Aggregator collects remote attestations.
type Aggregator struct {
	cfg       Config           // cfg is the retry and polling policy
	transport Transport        // transport reaches the validators
	directory Directory        // directory authorizes validators and resolves keys
	now       func() time.Time // now is the clock
}

// NewAggregator creates an aggregator.
func NewAggregator(cfg Config, transport Transport, directory Directory) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid oracle config:\n%w", err)
	}

	return &Aggregator{
		cfg:       cfg,
		transport: transport,
		directory: directory,
		now:       time.Now,
	}, nil
}

// Stream asks every distinct validator in validators and emits one Result
// per validator as it completes. The channel is closed once all validators
// are done. It is buffered for every result, so a consumer that stops
// reading early never blocks the workers.
func (a *Aggregator) Stream(ctx context.Context, req *Request, validators []registry.ID) <-chan Result {
	out := make(chan Result, len(validators))

	go func() {
		defer close(out)

		var g errgroup.Group
		g.SetLimit(a.cfg.Concurrency)

		seen := make(map[registry.ID]struct{}, len(validators))

		for _, id := range validators {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}

			if err := a.directory.Check(id, a.now()); err != nil {
				out <- Result{Validator: id, Err: fmt.Errorf("%w: %w", ErrUnauthorized, err)}
				continue
			}

			if ctx.Err() != nil {
				out <- Result{Validator: id, Err: ctx.Err()}
				continue
			}

			g.Go(func() error {
				out <- a.collectOne(ctx, req, id)
				return nil
			})
		}

		g.Wait()
	}()

	return out
}

// Collect runs Stream to completion and returns results in validator order.
func (a *Aggregator) Collect(ctx context.Context, req *Request, validators []registry.ID) []Result {
	byID := make(map[registry.ID]Result, len(validators))
	for r := range a.Stream(ctx, req, validators) {
		byID[r.Validator] = r
	}

	results := make([]Result, 0, len(byID))
	for _, id := range validators {
		if r, ok := byID[id]; ok {
			results = append(results, r)
			delete(byID, id)
		}
	}

	return results
}

// collectOne runs the request, retry and polling cycle for one validator.
func (a *Aggregator) collectOne(ctx context.Context, req *Request, id registry.ID) Result {
	info, ok := a.directory.Get(id)
	if !ok {
		return Result{Validator: id, Err: fmt.Errorf("%w: %w", ErrUnauthorized, registry.ErrUnknownValidator)}
	}

	resp, err := a.submit(ctx, info, req)
	if err != nil {
		logger.Debug("validator unreachable", "validator", fmt.Sprintf("%x", id[:8]), "error", err)
		return Result{Validator: id, Err: fmt.Errorf("%w: %w", ErrUnreachable, err)}
	}

	resp, err = a.poll(ctx, info, req, resp)
	if err != nil {
		return Result{Validator: id, Err: err}
	}

	att, err := a.check(req, info, resp)
	if err != nil {
		logger.Warn("dropped oracle response",
			"validator", fmt.Sprintf("%x", id[:8]),
			logger.HashAttr("sequence", req.SequenceHash),
			"error", err,
		)
		return Result{Validator: id, Err: err}
	}

	return Result{Validator: id, Attestation: att}
}

// submit sends the request up to MaxAttempts times with exponential backoff.
func (a *Aggregator) submit(ctx context.Context, info registry.ValidatorInfo, req *Request) (*Response, error) {
	delay := a.cfg.Backoff

	var lastErr error

	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, a.cfg.AttemptTimeout)
		resp, err := a.transport.Validate(attemptCtx, info, req)
		cancel()

		if err == nil {
			return resp, nil
		}

		lastErr = err

		if attempt == a.cfg.MaxAttempts || !sleep(ctx, delay) {
			break
		}

		delay = min(delay*2, a.cfg.MaxBackoff)
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
	}

	return nil, lastErr
}

// poll follows a Pending response with status queries. A failed poll counts
// against MaxPolls; polling is idempotent on the validator side.
func (a *Aggregator) poll(ctx context.Context, info registry.ValidatorInfo, req *Request, resp *Response) (*Response, error) {
	for polls := 0; resp.Status == StatusPending; polls++ {
		if polls >= a.cfg.MaxPolls {
			return nil, ErrStillPending
		}

		if !sleep(ctx, a.cfg.PollInterval) {
			return nil, fmt.Errorf("%w: %w", ErrStillPending, ctx.Err())
		}

		pollCtx, cancel := context.WithTimeout(ctx, a.cfg.AttemptTimeout)
		next, err := a.transport.Status(pollCtx, info, req.ID)
		cancel()

		if err != nil {
			logger.Debug("status poll failed", "request", req.ID, "error", err)
			continue
		}

		resp = next
	}

	return resp, nil
}

// check validates a final response structurally.
func (a *Aggregator) check(req *Request, info registry.ValidatorInfo, resp *Response) (*attestation.Attestation, error) {
	if resp.ID != req.ID {
		return nil, fmt.Errorf("%w: response for request %s", ErrInvalidResponse, resp.ID)
	}

	if resp.SequenceHash != req.SequenceHash {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, attestation.ErrSequenceMismatch)
	}

	switch resp.Status {
	case StatusRejected:
		return nil, fmt.Errorf("%w: %s", ErrRejected, resp.Error)
	case StatusValidated:
	default:
		return nil, fmt.Errorf("%w: unexpected status %s", ErrInvalidResponse, resp.Status)
	}

	att := resp.Attestation
	if att == nil {
		return nil, fmt.Errorf("%w: validated without attestation", ErrInvalidResponse)
	}

	if att.Validator != info.ID {
		return nil, fmt.Errorf("%w: attestation signed by %x", ErrInvalidResponse, att.Validator[:8])
	}

	if err := att.Verify(req.SequenceHash, info.BLSPubkey); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	att.Provenance = attestation.Remote

	return att, nil
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
