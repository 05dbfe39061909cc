package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"time"

	"BioMod/internal/config"
	"BioMod/internal/logger"
	"BioMod/internal/network"
	"BioMod/internal/registry"
)

// msgHeartbeat is the one-byte liveness message. The sender is the
// TLS-authenticated peer key, so the message carries nothing else.
const msgHeartbeat = 0x10

// setupMessageHandlers routes unidirectional peer messages.
func (n *Node) setupMessageHandlers() {
	n.network.OnMessage(func(peer *network.Peer, data []byte) {
		if len(data) != 1 || data[0] != msgHeartbeat {
			logger.Debug("dropping unknown message", "from", peer.Address(), "bytes", len(data))
			return
		}

		var id registry.ID
		copy(id[:], peer.PublicKey())

		if err := n.registry.Heartbeat(id, time.Now()); err != nil {
			logger.Debug("heartbeat from unregistered peer", "peer", hex.EncodeToString(id[:8]))
		}
	})
}

// heartbeat refreshes our own entry and announces liveness to every peer.
func (n *Node) heartbeat(now time.Time) {
	if err := n.registry.Heartbeat(n.id, now); err != nil {
		logger.Warn("self heartbeat failed", "error", err)
	}

	if err := n.network.Broadcast([]byte{msgHeartbeat}); err != nil {
		logger.Debug("heartbeat broadcast incomplete", "error", err)
	}
}

// onRegister connects to a newly registered validator so heartbeats flow.
func (n *Node) onRegister(info registry.ValidatorInfo) {
	if n.cfg.Transport != config.TransportQUIC {
		return
	}

	go n.connectToValidator(info)
}

// connectToValidator dials a validator's QUIC address, checking its key.
func (n *Node) connectToValidator(info registry.ValidatorInfo) {
	const (
		maxRetries = 5
		retryDelay = 2 * time.Second
	)

	pubkey := ed25519.PublicKey(info.ID[:])

	for attempt := range maxRetries {
		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		peer, err := n.network.Dial(ctx, info.Address, pubkey)
		cancel()

		if err == nil {
			logger.Info("connected to validator",
				"validator", hex.EncodeToString(info.ID[:8]),
				"addr", peer.Address(),
			)
			return
		}

		if attempt == maxRetries-1 {
			logger.Warn("failed to connect to validator after retries",
				"validator", hex.EncodeToString(info.ID[:8]),
				"addr", info.Address,
				"attempts", maxRetries,
				"error", err,
			)
			return
		}

		select {
		case <-n.ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

// connectToPeer dials a configured peer whose key is not known in advance.
func (n *Node) connectToPeer(addr string) {
	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()

	peer, err := n.network.Connect(ctx, addr)
	if err != nil {
		logger.Warn("failed to connect to peer", "addr", addr, "error", err)
		return
	}

	logger.Info("connected to peer", "addr", addr, "peer", hex.EncodeToString(peer.PublicKey()[:8]))
}
