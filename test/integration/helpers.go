// Package integration runs clusters of spindle processes.
package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"Spindle/client"
	"Spindle/internal/api"
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

// Node is a running spindle process.
type Node struct {
	index    int                // index is the node's position in the cluster
	cmd      *exec.Cmd          // cmd is the running process
	httpAddr string             // httpAddr is the HTTP API address
	quicAddr string             // quicAddr is the QUIC listen address
	dir      string             // dir is the working directory holding key and data
	output   *safeBuffer        // output captures the process logs
	cancel   context.CancelFunc // cancel stops the process
}

// HTTPAddr returns the node's HTTP address.
func (n *Node) HTTPAddr() string { return n.httpAddr }

// IsRunning reports whether the process started and has not exited.
func (n *Node) IsRunning() bool {
	if n.cmd == nil || n.cmd.Process == nil {
		return false
	}

	if !strings.Contains(n.output.String(), "starting spindle node") {
		return false
	}

	return n.cmd.ProcessState == nil
}

// Logs returns the node's log output.
func (n *Node) Logs() string { return n.output.String() }

// LogContains checks if the node's logs contain a substring.
func (n *Node) LogContains(s string) bool {
	return strings.Contains(n.output.String(), s)
}

// Stop terminates the node process.
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
	httpBase int    // httpBase is the starting HTTP port
	quicBase int    // quicBase is the starting QUIC port
	logLevel string // logLevel is passed to every node
}

// ClusterOption configures cluster behavior.
type ClusterOption func(*clusterOpts)

// WithHTTPBase sets the starting HTTP port.
func WithHTTPBase(port int) ClusterOption { return func(o *clusterOpts) { o.httpBase = port } }

// WithQUICBase sets the starting QUIC port.
func WithQUICBase(port int) ClusterOption { return func(o *clusterOpts) { o.quicBase = port } }

// WithLogLevel sets the log level of the nodes.
func WithLogLevel(level string) ClusterOption { return func(o *clusterOpts) { o.logLevel = level } }

// Cluster manages a group of spindle processes.
type Cluster struct {
	t          *testing.T  // t is the test context
	nodes      []*Node     // nodes is the list of running nodes
	binaryPath string      // binaryPath is the compiled binary
	testDir    string      // testDir is the temporary directory for node data
	opts       clusterOpts // opts is the cluster configuration
}

// NewCluster builds the binary, starts size nodes joining through node 0,
// and registers cleanup.
func NewCluster(t *testing.T, size int, options ...ClusterOption) *Cluster {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	opts := clusterOpts{
		httpBase: 28000,
		quicBase: 29000,
		logLevel: "info",
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

	t.Cleanup(func() { c.Stop() })

	c.nodes = make([]*Node, 0, size)
	c.AddNodes(size)

	return c
}

// AddNodes starts count nodes one after the other. Every node but the first
// bootstraps through node 0.
func (c *Cluster) AddNodes(count int) []*Node {
	c.t.Helper()

	added := make([]*Node, 0, count)

	for range count {
		idx := len(c.nodes)

		bootstrap := ""
		if idx > 0 {
			bootstrap = c.nodes[0].quicAddr
		}

		node := c.startNode(idx, bootstrap)
		c.nodes = append(c.nodes, node)
		added = append(added, node)

		c.waitHealthy(node, 15*time.Second)
	}

	return added
}

// startNode starts a single node process.
func (c *Cluster) startNode(index int, bootstrap string) *Node {
	c.t.Helper()

	node := &Node{
		index:    index,
		httpAddr: fmt.Sprintf("127.0.0.1:%d", c.opts.httpBase+index),
		quicAddr: fmt.Sprintf("127.0.0.1:%d", c.opts.quicBase+index),
		dir:      filepath.Join(c.testDir, fmt.Sprintf("node-%d", index)),
		output:   &safeBuffer{},
	}

	if err := os.MkdirAll(node.dir, 0o755); err != nil {
		c.t.Fatalf("create node dir %d: %v", index, err)
	}

	args := []string{
		"run",
		"--listen", node.quicAddr,
		"--http", node.httpAddr,
		"--data", filepath.Join(node.dir, "data"),
		"--log-level", c.opts.logLevel,
	}

	if bootstrap != "" {
		args = append(args, "--bootstrap", bootstrap)
	}

	ctx, cancel := context.WithCancel(context.Background())
	node.cancel = cancel

	node.cmd = exec.CommandContext(ctx, c.binaryPath, args...)
	node.cmd.Dir = node.dir
	node.cmd.Stdout = node.output
	node.cmd.Stderr = node.output

	if err := node.cmd.Start(); err != nil {
		c.t.Fatalf("start node %d: %v", index, err)
	}

	// Wait in background so ProcessState gets set when the process exits.
	go node.cmd.Wait()

	return node
}

// waitHealthy polls the health endpoint of node.
func (c *Cluster) waitHealthy(node *Node, timeout time.Duration) {
	c.t.Helper()

	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if _, err := client.NewClient(node.httpAddr); err == nil {
			return
		}

		time.Sleep(200 * time.Millisecond)
	}

	c.t.Fatalf("node %d not healthy within %v:\n%s", node.index, timeout, node.Logs())
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

// Size returns the number of nodes.
func (c *Cluster) Size() int { return len(c.nodes) }

// Client creates a client.Client connected to a node.
func (c *Cluster) Client(nodeIndex int) *client.Client {
	c.t.Helper()

	cli, err := client.NewClient(c.nodes[nodeIndex].httpAddr)
	if err != nil {
		c.t.Fatalf("create client for node %d: %v", nodeIndex, err)
	}

	return cli
}

// WaitJoined polls /status until every node has both ring neighbours and at
// least one routing neighbour.
func (c *Cluster) WaitJoined(timeout time.Duration) {
	c.t.Helper()

	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if c.countJoined() == len(c.nodes) {
			return
		}

		time.Sleep(500 * time.Millisecond)
	}

	c.logNodeStates()
	c.t.Fatalf("timeout waiting for %d nodes to join", len(c.nodes))
}

// countJoined counts the nodes whose status shows a complete belt.
func (c *Cluster) countJoined() int {
	joined := 0

	for _, node := range c.nodes {
		status, ok := queryStatus(node.httpAddr)
		if ok && status.Belt.Left != "" && status.Belt.Right != "" && len(status.Neighbours) > 0 {
			joined++
		}
	}

	return joined
}

// logNodeStates logs the status of all nodes for debugging.
func (c *Cluster) logNodeStates() {
	for i, node := range c.nodes {
		status, ok := queryStatus(node.httpAddr)
		if !ok {
			c.t.Logf("node %d: running=%v, no status response", i, node.IsRunning())
			continue
		}

		c.t.Logf("node %d: neighbours=%d belt=%+v size=%.1f", i, len(status.Neighbours), status.Belt, status.NetworkSize)
	}
}

// queryStatus fetches the status of a node, false when it does not answer.
func queryStatus(addr string) (api.Status, bool) {
	cli, err := client.NewClient(addr)
	if err != nil {
		return api.Status{}, false
	}

	status, err := cli.Status()

	return status, err == nil
}

// buildBinary compiles the spindle binary into a temporary directory.
func buildBinary(t *testing.T) string {
	t.Helper()

	binary := filepath.Join(t.TempDir(), "spindle")

	cmd := exec.Command("go", "build", "-o", binary, "./cmd/spindle")
	cmd.Dir = getProjectRoot(t)

	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build failed: %v\n%s", err, output)
	}

	return binary
}

// getProjectRoot returns the project root directory (containing go.mod).
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
