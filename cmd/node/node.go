package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"BioMod/internal/api"
	"BioMod/internal/attestation"
	"BioMod/internal/commitment"
	"BioMod/internal/config"
	"BioMod/internal/consensus"
	"BioMod/internal/logger"
	"BioMod/internal/metrics"
	"BioMod/internal/network"
	"BioMod/internal/oracle"
	"BioMod/internal/proof"
	"BioMod/internal/registry"
	"BioMod/internal/storage"
)

// Node is a running validation node.
type Node struct {
	cfg  *config.Config       // cfg is the loaded configuration
	priv ed25519.PrivateKey   // priv is the identity key
	key  *attestation.KeyPair // key is the BLS key derived from priv
	id   registry.ID          // id is the ed25519 public key

	storage   *storage.Storage       // storage backs commitments and the audit trail
	registry  *registry.Registry     // registry holds the validator set
	predicate *proof.WASMPredicate   // predicate is the optional WASM quality policy
	prover    *proof.Engine          // prover builds and verifies proof bundles
	store     *commitment.Store      // store is the commitment ledger
	audit     *commitment.AuditTrail // audit is the hash-chained audit trail
	metrics   *metrics.Metrics       // metrics are the node's collectors
	network   *network.Node          // network is the QUIC transport
	oracle    *oracle.Handler        // oracle answers remote validation requests
	engine    *consensus.Engine      // engine drives sequences to a terminal state
	api       *api.Server            // api is the HTTP surface

	ctx    context.Context    // ctx is cancelled on shutdown
	cancel context.CancelFunc // cancel stops background loops
	wg     sync.WaitGroup     // wg tracks background loops
}

// NewNode creates and wires a node. Nothing listens until Run.
func NewNode(cfg *config.Config, priv ed25519.PrivateKey) (*Node, error) {
	key, err := attestation.DeriveFromED25519(priv)
	if err != nil {
		return nil, fmt.Errorf("derive bls key:\n%w", err)
	}

	n := &Node{cfg: cfg, priv: priv, key: key, metrics: metrics.New()}
	copy(n.id[:], priv.Public().(ed25519.PublicKey))
	n.ctx, n.cancel = context.WithCancel(context.Background())

	steps := []func() error{
		n.initStorage,
		n.initRegistry,
		n.initProof,
		n.initNetwork,
		n.initConsensus,
	}

	for _, step := range steps {
		if err := step(); err != nil {
			n.Close()
			return nil, err
		}
	}

	return n, nil
}

// initStorage opens Pebble and the commitment stores on it.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(filepath.Join(n.cfg.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}
	n.storage = db

	audit, err := commitment.OpenAuditTrail(db)
	if err != nil {
		return fmt.Errorf("open audit trail:\n%w", err)
	}

	n.audit = audit
	n.store = commitment.NewStore(db)

	return nil
}

// initRegistry creates the registry with this node as its first validator.
func (n *Node) initRegistry() error {
	reg, err := registry.New(n.cfg.RegistryConfig())
	if err != nil {
		return err
	}
	n.registry = reg

	if err := reg.Register(n.selfInfo(), time.Now()); err != nil {
		return fmt.Errorf("register self:\n%w", err)
	}

	return nil
}

// selfInfo describes this node as a validator.
func (n *Node) selfInfo() registry.ValidatorInfo {
	return registry.ValidatorInfo{
		ID:        n.id,
		BLSPubkey: n.key.PublicKey(),
		Address:   n.cfg.AdvertiseAddress(),
		Stake:     n.cfg.Stake,
		Hardware:  n.cfg.NodeHardware(),
	}
}

// initProof creates the proof engine, loading the WASM predicate if set.
func (n *Node) initProof() error {
	pc := n.cfg.ProofConfig()

	if path := n.cfg.Proof.PredicatePath; path != "" {
		pred, err := proof.LoadWASMPredicate(n.ctx, path)
		if err != nil {
			return fmt.Errorf("load predicate:\n%w", err)
		}

		n.predicate = pred
		pc.Predicate = pred

		logger.Info("quality predicate loaded", "path", path)
	}

	prover, err := proof.NewEngine(pc)
	if err != nil {
		return fmt.Errorf("init proof engine:\n%w", err)
	}
	n.prover = prover

	return nil
}

// initNetwork creates the QUIC node and the oracle handler it serves.
func (n *Node) initNetwork() error {
	node, err := network.NewNode(network.Config{
		PrivateKey: n.priv,
		ListenAddr: n.cfg.QUICAddress,
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}
	n.network = node

	handler, err := oracle.NewHandler(n.cfg.HandlerConfig(), n.prover, n.key, n.id)
	if err != nil {
		return fmt.Errorf("init oracle handler:\n%w", err)
	}
	n.oracle = handler

	return nil
}

// initConsensus creates the aggregator over the configured transport and the engine.
func (n *Node) initConsensus() error {
	var transport oracle.Transport = oracle.NewQUICTransport(n.network)
	if n.cfg.Transport == config.TransportHTTP {
		transport = oracle.NewHTTPTransport(n.cfg.Oracle.AttemptTimeout)
	}

	agg, err := oracle.NewAggregator(n.cfg.OracleConfig(), transport, n.registry)
	if err != nil {
		return fmt.Errorf("init aggregator:\n%w", err)
	}

	engine, err := consensus.NewEngine(n.cfg.ConsensusConfig(), consensus.Deps{
		Registry:  n.registry,
		Prover:    n.prover,
		Collector: agg,
		Ledger:    n.store,
		Audit:     n.audit,
		Metrics:   n.metrics,
		Identity:  consensus.Identity{ID: n.id, Key: n.key},
	})
	if err != nil {
		return fmt.Errorf("init consensus:\n%w", err)
	}
	n.engine = engine

	return nil
}

// Run starts the transports and background loops and blocks until a
// shutdown signal.
func (n *Node) Run() error {
	if err := n.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	n.setupMessageHandlers()
	n.network.OnRequest(n.oracle.HandleRequest)

	n.api = api.New(n.cfg.HTTPAddress, api.Deps{
		Engine:      n.engine,
		Commitments: n.store,
		Audit:       n.audit,
		Validators:  n.registry,
		Oracle:      n.oracle,
		Metrics:     n.metrics,
		OnRegister:  n.onRegister,
	})
	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	for _, addr := range n.cfg.Peers {
		go n.connectToPeer(addr)
	}

	if err := n.registerWithBootstrap(n.ctx); err != nil {
		logger.Warn("bootstrap registration incomplete", "error", err)
	}

	n.loop(n.cfg.HeartbeatInterval, n.heartbeat)
	n.loop(n.cfg.SweepInterval, n.sweep)

	return n.waitForShutdown()
}

// loop calls fn every interval until shutdown.
func (n *Node) loop(interval time.Duration, fn func(time.Time)) {
	n.wg.Add(1)

	go func() {
		defer n.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-n.ctx.Done():
				return
			case now := <-ticker.C:
				fn(now)
			}
		}
	}()
}

// sweep expires overdue rounds and drops validators with stale heartbeats.
func (n *Node) sweep(now time.Time) {
	expired, pruned := n.engine.Sweep(now)
	if expired > 0 || pruned > 0 {
		logger.Debug("rounds swept", "expired", expired, "pruned", pruned)
	}

	for _, info := range n.registry.Cleanup(now) {
		logger.Info("validator removed", "validator", fmt.Sprintf("%x", info.ID[:8]), "reason", "heartbeat expired")

		if _, err := n.audit.Append([32]byte{}, commitment.ActionValidatorRemoved, info.ID, "heartbeat expired"); err != nil {
			logger.Error("audit append failed", "error", err)
		}
	}
}

// waitForShutdown blocks until SIGINT or SIGTERM, then closes the node.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close stops the node. It is safe on a partially initialized node.
func (n *Node) Close() error {
	n.cancel()
	n.wg.Wait()

	if n.api != nil {
		n.api.Stop()
	}

	if n.engine != nil {
		n.engine.Close()
	}

	if n.oracle != nil {
		n.oracle.Wait()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.predicate != nil {
		n.predicate.Close(context.Background())
	}

	if n.storage != nil {
		return n.storage.Close()
	}

	return nil
}
