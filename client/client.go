// Package client is a Go client for the node HTTP API.
package client

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"BioMod/internal/api"
	"BioMod/internal/registry"
)

// Client connects to a node via HTTP.
type Client struct {
	http *resty.Client // http is bound to the node's base URL
}

// New creates a client for the node at nodeAddr, given as host:port or a URL.
func New(nodeAddr string, timeout time.Duration) *Client {
	base := strings.TrimRight(nodeAddr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	http := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &Client{http: http}
}

// Health checks that the node answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "GET", "/health", nil, nil)
}

// Status returns the node's performance and sequence summary.
func (c *Client) Status(ctx context.Context) (*api.StatusView, error) {
	var out api.StatusView
	if err := c.do(ctx, "GET", "/status", nil, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// Register submits a signed registration, see registry.SignRegistration.
func (c *Client) Register(ctx context.Context, reg registry.Registration) error {
	return c.do(ctx, "POST", "/validators", api.NewRegisterRequest(reg), nil)
}

// Validators lists the node's registered validators.
func (c *Client) Validators(ctx context.Context) ([]api.ValidatorView, error) {
	var out []api.ValidatorView
	if err := c.do(ctx, "GET", "/validators", nil, &out); err != nil {
		return nil, err
	}

	return out, nil
}
