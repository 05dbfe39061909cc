package network

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"BioMod/internal/logger"
)

const (
	// defaultRequestTimeout applies when the caller's context has no deadline.
	defaultRequestTimeout = 30 * time.Second

	// handlerTimeout bounds the server side of one request.
	handlerTimeout = 30 * time.Second
)

// Peer is a connection to a remote node.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the remote node's ed25519 public key
	address   string            // address is the remote address
	conn      *quic.Conn        // conn is the underlying QUIC connection
	node      *Node             // node is the parent node
	closed    atomic.Bool       // closed is set once the peer is closed
}

// PublicKey returns the remote node's ed25519 public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Send writes data on a new unidirectional stream.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer is closed")
	}

	stream, err := p.conn.OpenUniStreamSync(p.node.ctx)
	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}

	if err := writeFrame(stream, data); err != nil {
		stream.CancelWrite(0)
		return err
	}

	return stream.Close()
}

// Request sends data on a bidirectional stream and waits for the response.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer is closed")
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeFrame(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	response, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	return response, nil
}

// Close closes the connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// receiveLoop reads unidirectional messages until the connection ends.
func (p *Peer) receiveLoop(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptUniStream(ctx)
		if err != nil {
			logger.Debug("receive loop ended", "peer", p.address, "error", err)
			break
		}

		go p.handleUniStream(stream)
	}

	p.handleDisconnect()
}

// acceptRequests serves bidirectional streams until the connection ends.
func (p *Peer) acceptRequests(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go p.handleRequest(ctx, stream)
	}
}

// handleRequest answers one request. A handler error resets the stream
// so the requester fails fast instead of waiting for its deadline.
func (p *Peer) handleRequest(ctx context.Context, stream *quic.Stream) {
	defer stream.Close()

	data, err := readFrame(stream)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	response, err := p.node.callOnRequest(ctx, p, data)
	if err != nil {
		logger.Debug("request handler failed", "peer", p.address, "error", err)
		stream.CancelWrite(1)
		return
	}

	if err := writeFrame(stream, response); err != nil {
		logger.Debug("write response failed", "peer", p.address, "error", err)
	}
}

// handleUniStream reads one message from a unidirectional stream.
func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	data, err := readFrame(stream)
	if err != nil {
		logger.Debug("stream read error", "peer", p.address, "error", err)
		return
	}

	p.node.callOnMessage(p, data)
}

// handleDisconnect notifies the node. Only remote-initiated disconnects
// are eligible for reconnection.
func (p *Peer) handleDisconnect() {
	local := p.closed.Swap(true)
	if !local {
		p.conn.CloseWithError(0, "receive loop ended")
	}

	p.node.handlePeerDisconnect(p, !local)
}
