package client

import (
	"context"
	"fmt"
	"strings"
)

// APIError is a non-2xx answer from a node.
type APIError struct {
	StatusCode int    // StatusCode is the HTTP status
	Message    string // Message is the node's error text
}

// Error implements error.
func (e *APIError) Error() string {
	return fmt.Sprintf("node returned %d: %s", e.StatusCode, e.Message)
}

// errorBody is the JSON shape of an API error.
type errorBody struct {
	Error string `json:"error"`
}

// do executes a JSON request against the node and decodes the result.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var eb errorBody

	req := c.http.R().
		SetContext(ctx).
		SetError(&eb)

	if body != nil {
		req.SetBody(body)
	}

	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s:\n%w", method, path, err)
	}

	if resp.IsError() {
		msg := eb.Error
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}

		return &APIError{StatusCode: resp.StatusCode(), Message: msg}
	}

	return nil
}
