// Package network is the QUIC transport between validator nodes.
//
// Bidirectional streams carry one framed request and one framed response.
// Unidirectional streams carry one framed fire-and-forget message, used for
// heartbeats. Peers are identified by the ed25519 key in their certificate.
package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"BioMod/internal/logger"
)

const (
	// defaultReconnectDelay is the default delay between reconnection attempts.
	defaultReconnectDelay = 5 * time.Second

	// maxReconnectDelay is the maximum delay between reconnection attempts.
	maxReconnectDelay = 60 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "biomod/1"
)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey // PrivateKey is the node's ed25519 identity
	ListenAddr     string             // ListenAddr is the UDP address to listen on (e.g. ":9000")
	ReconnectDelay time.Duration      // ReconnectDelay is the initial delay between reconnection attempts
}

// RequestHandler answers a request received on a bidirectional stream.
type RequestHandler func(ctx context.Context, p *Peer, data []byte) ([]byte, error)

// Node accepts and initiates QUIC connections.
type Node struct {
	privateKey ed25519.PrivateKey // privateKey is the node's ed25519 private key
	publicKey  ed25519.PublicKey  // publicKey is the node's ed25519 public key
	listenAddr string             // listenAddr is the address to listen on
	tlsConfig  *tls.Config        // tlsConfig is the TLS configuration
	quicConfig *quic.Config       // quicConfig is the QUIC configuration

	listener *quic.Listener // listener is the QUIC listener

	peers   map[string]*Peer // peers maps public key hex to peer
	peersMu sync.RWMutex     // peersMu protects peers

	dialAddrs   map[string]string // dialAddrs maps public key hex to a dialable address
	dialAddrsMu sync.RWMutex      // dialAddrsMu protects dialAddrs

	reconnectDelay time.Duration // reconnectDelay is the initial reconnection delay

	onConnect    func(*Peer)         // onConnect is called when a peer connects
	onMessage    func(*Peer, []byte) // onMessage is called for each unidirectional message
	onDisconnect func(*Peer)         // onDisconnect is called when a peer disconnects
	onRequest    RequestHandler      // onRequest answers bidirectional requests
	handlersMu   sync.RWMutex        // handlersMu protects event handlers

	ctx    context.Context    // ctx is the node's context
	cancel context.CancelFunc // cancel cancels the node's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewNode creates a network node. Call Start to begin listening.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	tlsConfig, err := newTLSConfig(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("build tls config:\n%w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey: cfg.PrivateKey,
		publicKey:  cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr: cfg.ListenAddr,
		tlsConfig:  tlsConfig,
		quicConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
		peers:          make(map[string]*Peer),
		dialAddrs:      make(map[string]string),
		reconnectDelay: reconnectDelay,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address, or "" before Start.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// Connect dials addr and registers the resulting peer.
// The address is remembered for reconnection.
func (n *Node) Connect(ctx context.Context, addr string) (*Peer, error) {
	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	peer, err := n.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	n.dialAddrsMu.Lock()
	n.dialAddrs[hex.EncodeToString(peer.publicKey)] = addr
	n.dialAddrsMu.Unlock()

	return peer, nil
}

// Dial returns a live peer for expected, connecting to addr if needed.
// The connection is rejected if the remote key is not expected.
func (n *Node) Dial(ctx context.Context, addr string, expected ed25519.PublicKey) (*Peer, error) {
	if p := n.GetPeer(expected); p != nil && !p.closed.Load() {
		return p, nil
	}

	p, err := n.Connect(ctx, addr)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(p.publicKey, expected) {
		n.dialAddrsMu.Lock()
		delete(n.dialAddrs, hex.EncodeToString(p.publicKey))
		n.dialAddrsMu.Unlock()

		p.Close()
		return nil, fmt.Errorf("peer at %s has key %x, expected %x", addr, p.publicKey[:8], expected[:8])
	}

	return p, nil
}

// Broadcast sends a message to all connected peers.
func (n *Node) Broadcast(data []byte) error {
	var lastErr error

	for _, p := range n.Peers() {
		if err := p.Send(data); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// Peers returns all connected peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// GetPeer returns the peer for pubkey, or nil if not connected.
func (n *Node) GetPeer(pubkey ed25519.PublicKey) *Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[hex.EncodeToString(pubkey)]
}

// OnConnect sets the handler called when a peer connects.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onConnect = fn
	n.handlersMu.Unlock()
}

// OnMessage sets the handler called for each unidirectional message.
func (n *Node) OnMessage(fn func(*Peer, []byte)) {
	n.handlersMu.Lock()
	n.onMessage = fn
	n.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a peer disconnects.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onDisconnect = fn
	n.handlersMu.Unlock()
}

// OnRequest sets the handler for bidirectional requests.
func (n *Node) OnRequest(fn RequestHandler) {
	n.handlersMu.Lock()
	n.onRequest = fn
	n.handlersMu.Unlock()
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	peers := n.peers
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	for _, p := range peers {
		p.Close()
	}

	n.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections until the listener closes.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		go n.handleIncoming(conn)
	}
}

// handleIncoming registers an inbound connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	peer, err := n.setupPeer(conn, conn.RemoteAddr().String())
	if err != nil {
		logger.Debug("reject inbound connection", "remote", conn.RemoteAddr().String(), "error", err)
		conn.CloseWithError(1, "setup failed")
		return
	}

	n.callOnConnect(peer)
}

// setupPeer creates a Peer from a QUIC connection and starts its receive loops.
func (n *Node) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	pubKey, err := peerKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract public key:\n%w", err)
	}

	peer := &Peer{
		publicKey: pubKey,
		address:   addr,
		conn:      conn,
		node:      n,
	}

	n.peersMu.Lock()
	n.peers[hex.EncodeToString(pubKey)] = peer
	n.peersMu.Unlock()

	n.wg.Add(2)

	go func() {
		defer n.wg.Done()
		peer.acceptRequests(n.ctx)
	}()

	go func() {
		defer n.wg.Done()
		peer.receiveLoop(n.ctx)
	}()

	return peer, nil
}

// handlePeerDisconnect forgets p and, if asked, schedules a reconnection.
func (n *Node) handlePeerDisconnect(p *Peer, reconnect bool) {
	keyHex := hex.EncodeToString(p.publicKey)

	n.peersMu.Lock()
	if n.peers[keyHex] == p {
		delete(n.peers, keyHex)
	}
	n.peersMu.Unlock()

	n.callOnDisconnect(p)

	if !reconnect || n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnectPeer(keyHex)
	}()
}

// reconnectPeer redials a previously dialed peer with exponential backoff.
func (n *Node) reconnectPeer(keyHex string) {
	delay := n.reconnectDelay

	for {
		n.dialAddrsMu.RLock()
		addr, ok := n.dialAddrs[keyHex]
		n.dialAddrsMu.RUnlock()

		if !ok {
			return
		}

		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		n.peersMu.RLock()
		_, exists := n.peers[keyHex]
		n.peersMu.RUnlock()

		if exists {
			return
		}

		peer, err := n.Connect(n.ctx, addr)
		if err == nil {
			n.callOnConnect(peer)
			return
		}

		logger.Debug("reconnect failed", "addr", addr, "error", err, "retry_in", delay*2)

		delay = min(delay*2, maxReconnectDelay)
	}
}

// callOnConnect calls the onConnect handler if set.
func (n *Node) callOnConnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onConnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnMessage calls the onMessage handler if set.
func (n *Node) callOnMessage(p *Peer, data []byte) {
	n.handlersMu.RLock()
	fn := n.onMessage
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p, data)
	}
}

// callOnDisconnect calls the onDisconnect handler if set.
func (n *Node) callOnDisconnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onDisconnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnRequest calls the onRequest handler if set.
func (n *Node) callOnRequest(ctx context.Context, p *Peer, data []byte) ([]byte, error) {
	n.handlersMu.RLock()
	fn := n.onRequest
	n.handlersMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("no request handler registered")
	}

	return fn(ctx, p, data)
}
