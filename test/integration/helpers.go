package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"BioMod/client"
	"BioMod/internal/quality"
)

// safeBuffer wraps bytes.Buffer with a mutex for concurrent read/write.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write appends data to the buffer (implements io.Writer).
func (sb *safeBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.Write(p)
}

// String returns the buffer contents as a string.
func (sb *safeBuffer) String() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.String()
}

// Node is a running node process.
type Node struct {
	index    int                // index is the node's position in the cluster
	cmd      *exec.Cmd          // cmd is the running process
	httpAddr string             // httpAddr is the HTTP API address
	quicAddr string             // quicAddr is the QUIC address
	dataDir  string             // dataDir is the node's data directory
	stdout   *safeBuffer        // stdout captures process output
	stderr   *safeBuffer        // stderr captures process errors
	cancel   context.CancelFunc // cancel stops the process
	client   *client.Client     // client talks to the node's API
}

// Client returns a client for the node's API.
func (n *Node) Client() *client.Client { return n.client }

// Logs returns the node's stdout output.
func (n *Node) Logs() string { return n.stdout.String() }

// Stop kills the node process.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}

	if n.cmd != nil && n.cmd.Process != nil {
		n.cmd.Process.Kill()
		time.Sleep(100 * time.Millisecond)
	}
}

// clusterOpts holds configuration for a Cluster.
type clusterOpts struct {
	httpBase      int           // httpBase is the starting HTTP port
	quicBase      int           // quicBase is the starting QUIC port
	threshold     int           // threshold is the consensus threshold in percent
	transport     string        // transport is quic or http
	roundDeadline time.Duration // roundDeadline bounds one consensus round
}

// ClusterOption configures cluster behavior.
type ClusterOption func(*clusterOpts)

// WithPorts sets the starting HTTP and QUIC ports.
func WithPorts(httpBase, quicBase int) ClusterOption {
	return func(o *clusterOpts) { o.httpBase, o.quicBase = httpBase, quicBase }
}

// WithThreshold sets the consensus threshold.
func WithThreshold(pct int) ClusterOption { return func(o *clusterOpts) { o.threshold = pct } }

// WithTransport selects the oracle transport.
func WithTransport(name string) ClusterOption { return func(o *clusterOpts) { o.transport = name } }

// WithRoundDeadline sets the consensus round deadline.
func WithRoundDeadline(d time.Duration) ClusterOption {
	return func(o *clusterOpts) { o.roundDeadline = d }
}

// Cluster manages a group of node processes.
type Cluster struct {
	t          *testing.T  // t is the test context
	nodes      []*Node     // nodes are the running nodes, node 0 bootstraps
	binaryPath string      // binaryPath is the compiled node binary
	testDir    string      // testDir holds every node's data
	opts       clusterOpts // opts is the cluster configuration
}

// NewCluster builds the binary, starts size nodes and registers cleanup.
// Node 0 starts alone; the others register with it.
func NewCluster(t *testing.T, size int, options ...ClusterOption) *Cluster {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	opts := clusterOpts{
		httpBase:      18100,
		quicBase:      19100,
		threshold:     67,
		transport:     "quic",
		roundDeadline: 5 * time.Second,
	}
	for _, o := range options {
		o(&opts)
	}

	c := &Cluster{
		t:          t,
		binaryPath: buildBinary(t),
		testDir:    t.TempDir(),
		opts:       opts,
	}
	t.Cleanup(c.Stop)

	c.nodes = append(c.nodes, c.startNode(0, ""))
	c.waitHealthy(c.nodes[0], 15*time.Second)

	for i := 1; i < size; i++ {
		node := c.startNode(i, c.nodes[0].httpAddr)
		c.nodes = append(c.nodes, node)
		c.waitHealthy(node, 15*time.Second)
	}

	return c
}

// startNode launches one node process.
func (c *Cluster) startNode(index int, bootstrap string) *Node {
	c.t.Helper()

	node := &Node{
		index:    index,
		httpAddr: fmt.Sprintf("127.0.0.1:%d", c.opts.httpBase+index),
		quicAddr: fmt.Sprintf("127.0.0.1:%d", c.opts.quicBase+index),
		dataDir:  filepath.Join(c.testDir, fmt.Sprintf("node-%d", index)),
		stdout:   &safeBuffer{},
		stderr:   &safeBuffer{},
	}
	node.client = client.New(node.httpAddr, 30*time.Second)

	args := []string{
		"--data", node.dataDir,
		"--key", filepath.Join(node.dataDir, "node.key"),
		"--http", node.httpAddr,
		"--quic", node.quicAddr,
		"--transport", c.opts.transport,
		"--threshold", fmt.Sprintf("%d", c.opts.threshold),
		"--log-level", "debug",
	}

	if bootstrap != "" {
		args = append(args, "--bootstrap", bootstrap)
	}

	ctx, cancel := context.WithCancel(context.Background())
	node.cancel = cancel

	node.cmd = exec.CommandContext(ctx, c.binaryPath, args...)
	node.cmd.Stdout = node.stdout
	node.cmd.Stderr = node.stderr
	node.cmd.Env = append(os.Environ(),
		"BIOMOD_CONSENSUS_ROUND_DEADLINE="+c.opts.roundDeadline.String(),
		"BIOMOD_ORACLE_ATTEMPT_TIMEOUT=2s",
	)

	if err := node.cmd.Start(); err != nil {
		c.t.Fatalf("start node %d: %v", index, err)
	}

	// Wait in background so ProcessState gets set when the process exits.
	go node.cmd.Wait()

	return node
}

// waitHealthy polls the node's health endpoint.
func (c *Cluster) waitHealthy(node *Node, timeout time.Duration) {
	c.t.Helper()

	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := node.client.Health(ctx)
		cancel()

		if err == nil {
			return
		}

		time.Sleep(100 * time.Millisecond)
	}

	c.t.Fatalf("node %d not healthy after %s:\nSTDOUT:\n%s\nSTDERR:\n%s",
		node.index, timeout, node.stdout.String(), node.stderr.String())
}

// WaitForValidators polls node i until it knows expected validators.
func (c *Cluster) WaitForValidators(i, expected int, timeout time.Duration) {
	c.t.Helper()

	deadline := time.Now().Add(timeout)
	got := 0

	for time.Now().Before(deadline) {
		views, err := c.nodes[i].client.Validators(context.Background())
		if err == nil {
			got = len(views)
			if got >= expected {
				return
			}
		}

		time.Sleep(200 * time.Millisecond)
	}

	c.t.Fatalf("node %d knows %d validators, want %d", i, got, expected)
}

// Stop kills all nodes in parallel.
func (c *Cluster) Stop() {
	var wg sync.WaitGroup

	for _, node := range c.nodes {
		wg.Add(1)

		go func(n *Node) {
			defer wg.Done()
			n.Stop()
		}(node)
	}

	wg.Wait()
}

// Node returns a node by index.
func (c *Cluster) Node(i int) *Node { return c.nodes[i] }

// passingMetrics clears the default quality gate.
func passingMetrics() quality.Metrics {
	return quality.Metrics{Coverage: 40, ErrorRate: 0.0005, QualityScore: 38}
}

// sequence returns a pseudo-random read of n bases, distinct per seed.
func sequence(seed, n int) []byte {
	data := make([]byte, n)
	x := uint32(seed)*2654435761 + 1

	for i := range data {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		data[i] = "ACGT"[x&3]
	}

	return data
}

func buildBinary(t *testing.T) string {
	t.Helper()

	binary := filepath.Join(t.TempDir(), "biomod-node")

	cmd := exec.Command("go", "build", "-o", binary, "./cmd/node")
	cmd.Dir = getProjectRoot(t)

	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build failed: %v\n%s", err, output)
	}

	return binary
}

func getProjectRoot(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("get working dir: %v", err)
	}

	dir := wd
	for range 5 {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		dir = filepath.Dir(dir)
	}

	t.Fatalf("could not find project root from %s", wd)

	return ""
}
