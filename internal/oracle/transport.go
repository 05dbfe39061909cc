package oracle

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"BioMod/internal/network"
	"BioMod/internal/registry"
)

// HTTP paths served by a validator's oracle endpoint.
const (
	ValidatePath = "/api/oracle/validate"
	StatusPath   = "/api/oracle/status/"
)

// Transport carries oracle requests to one validator.
type Transport interface {
	// Validate submits a request and returns the validator's first answer.
	Validate(ctx context.Context, v registry.ValidatorInfo, req *Request) (*Response, error)

	// Status polls a previously submitted request. It is idempotent.
	Status(ctx context.Context, v registry.ValidatorInfo, id uuid.UUID) (*Response, error)
}

// QUICTransport talks to validators over the node's QUIC connections.
// The validator's address must be its QUIC listen address.
type QUICTransport struct {
	node *network.Node // node owns the connections
}

// NewQUICTransport creates a transport over node.
func NewQUICTransport(node *network.Node) *QUICTransport {
	return &QUICTransport{node: node}
}

// Validate sends the request on a bidirectional stream.
func (t *QUICTransport) Validate(ctx context.Context, v registry.ValidatorInfo, req *Request) (*Response, error) {
	return t.roundTrip(ctx, v, EncodeRequest(req))
}

// Status sends a status poll on a bidirectional stream.
func (t *QUICTransport) Status(ctx context.Context, v registry.ValidatorInfo, id uuid.UUID) (*Response, error) {
	return t.roundTrip(ctx, v, EncodeStatusQuery(id))
}

// roundTrip dials the validator, checking its identity, and exchanges one message.
func (t *QUICTransport) roundTrip(ctx context.Context, v registry.ValidatorInfo, msg []byte) (*Response, error) {
	peer, err := t.node.Dial(ctx, v.Address, ed25519.PublicKey(v.ID[:]))
	if err != nil {
		return nil, fmt.Errorf("dial validator:\n%w", err)
	}

	data, err := peer.Request(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("oracle request:\n%w", err)
	}

	return DecodeResponse(data)
}

// HTTPTransport talks to validators exposing the oracle HTTP endpoints.
// The validator's address is its base URL.
type HTTPTransport struct {
	client *resty.Client // client is shared across validators
}

// NewHTTPTransport creates an HTTP transport. Per-attempt timeouts come from
// the caller's context; timeout is an upper bound for requests without one.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &HTTPTransport{client: client}
}

// Validate posts the request as JSON.
func (t *HTTPTransport) Validate(ctx context.Context, v registry.ValidatorInfo, req *Request) (*Response, error) {
	var out Response

	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		ForceContentType("application/json").
		Post(baseURL(v.Address) + ValidatePath)
	if err != nil {
		return nil, fmt.Errorf("post %s:\n%w", ValidatePath, err)
	}

	if resp.IsError() {
		return nil, fmt.Errorf("validator returned %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	return &out, nil
}

// Status fetches the request state.
func (t *HTTPTransport) Status(ctx context.Context, v registry.ValidatorInfo, id uuid.UUID) (*Response, error) {
	var out Response

	resp, err := t.client.R().
		SetContext(ctx).
		SetResult(&out).
		ForceContentType("application/json").
		Get(baseURL(v.Address) + StatusPath + id.String())
	if err != nil {
		return nil, fmt.Errorf("get %s:\n%w", StatusPath, err)
	}

	if resp.IsError() {
		return nil, fmt.Errorf("validator returned %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	return &out, nil
}

// baseURL normalizes a validator address into an HTTP base URL.
func baseURL(addr string) string {
	addr = strings.TrimRight(addr, "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}

	return "http://" + addr
}
