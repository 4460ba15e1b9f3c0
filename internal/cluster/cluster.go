// Package cluster implements the client's external collaborators: the
// cluster directory (node_get / node_release / node_record_success /
// node_record_failure / node_should_drop, plus a pending queue) and
// each node's TCP connection pool (conn_acquire / conn_release). There
// is no gossip or discovery protocol here; node membership is a static
// seed list plus whatever the caller adds, which is enough to drive the
// request engine's tests and a real single-node-or-few-nodes deployment.
package cluster

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/citrusdb/citrusdb-go/internal/constants"
	"github.com/citrusdb/citrusdb-go/internal/digest"
	"github.com/citrusdb/citrusdb-go/internal/netutil"
)

// PendingRequest is implemented by internal/request.Request. It is kept
// as an interface here, rather than importing the request package
// directly, so the cluster directory can hold pending requests without
// creating an import cycle: the collaborator contract only requires a
// queue of opaque request handles.
type PendingRequest interface {
	// Restart is invoked once a node becomes available, on whichever
	// goroutine called AddNode; the implementation is responsible for
	// moving the restart onto the request's own loop goroutine (the
	// "base-hop" event).
	Restart()
}

// Config holds cluster-wide runtime options, mirroring the teacher's
// DeviceParams/DefaultDeviceParams shape (plain struct + constructor).
type Config struct {
	SeedNodes []string

	// ThrottleReads/ThrottleWrites enable admission throttling on the
	// *initial* restart of reads/writes respectively. Internal retries
	// after a fail path never throttle.
	ThrottleReads  bool
	ThrottleWrites bool

	// CrossThreaded enables the cross-thread start guard: true when
	// requests may be issued from goroutines other than the one
	// driving the event loop.
	CrossThreaded bool

	DialTimeout     time.Duration
	PoolSizePerNode int

	// ThrottleRatePerSecond/ThrottleBurst configure the token bucket a
	// node switches to once it has seen a failure, shaping the rate at
	// which restarts are allowed to hit an unhealthy node.
	ThrottleRatePerSecond float64
	ThrottleBurst         int
}

// DefaultConfig returns sane defaults.
func DefaultConfig(seeds ...string) Config {
	return Config{
		SeedNodes:             seeds,
		DialTimeout:           constants.DefaultDialTimeout,
		PoolSizePerNode:       8,
		ThrottleRatePerSecond: 50,
		ThrottleBurst:         10,
	}
}

// Stats holds the atomic counters the cluster collaborator exposes for
// client-level metrics reporting.
type Stats struct {
	ReqSuccesses        atomic.Int64
	ReqFailures         atomic.Int64
	ReqTimeouts         atomic.Int64
	ReqThrottles        atomic.Int64
	InternalRetries     atomic.Int64
	InternalRetriesOffQ atomic.Int64
	RequestsInProgress  atomic.Int64
}

// Node is one cluster member: an address, an idle-fd pool, and the
// health bookkeeping node_should_drop/node_record_* operate on.
type Node struct {
	Addr string

	mu      sync.Mutex
	idleFDs []int

	openFDs        atomic.Int64
	consecFailures atomic.Int64
	limiter        *rate.Limiter
}

func newNode(addr string, ratePerSec float64, burst int) *Node {
	return &Node{Addr: addr, limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Cluster is the directory + pool collaborator.
type Cluster struct {
	cfg Config

	mu      sync.Mutex
	nodes   []*Node
	pending []PendingRequest
	nextIdx int

	Stats Stats
}

// New creates a Cluster from its seed node list. Dialing happens lazily,
// per connection, from ConnAcquire.
func New(cfg Config) *Cluster {
	c := &Cluster{cfg: cfg}
	for _, addr := range cfg.SeedNodes {
		c.nodes = append(c.nodes, newNode(addr, cfg.ThrottleRatePerSecond, cfg.ThrottleBurst))
	}
	return c
}

// NodeGet picks a node for the given namespace/digest/verb. There is no
// partition-map-driven routing here: any node can serve any digest, so
// selection just round-robins across the directory, spreading load
// evenly regardless of call pattern. Returns ok=false when no node is
// currently registered, signaling the caller to enqueue on the pending
// queue.
func (c *Cluster) NodeGet(namespace string, d digest.Digest, isWrite bool) (*Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.nodes) == 0 {
		return nil, false
	}
	n := c.nodes[c.nextIdx%len(c.nodes)]
	c.nextIdx++
	return n, true
}

// NodeRelease releases a node reference obtained from NodeGet. The
// directory here holds no refcount beyond what Go's GC already does;
// the call exists to satisfy the collaborator contract and as the one
// place a future partition-aware directory would decrement a refcount.
func (c *Cluster) NodeRelease(n *Node) {}

// NodeRecordSuccess clears a node's failure streak.
func (c *Cluster) NodeRecordSuccess(n *Node) {
	n.consecFailures.Store(0)
}

// NodeRecordFailure bumps a node's failure streak.
func (c *Cluster) NodeRecordFailure(n *Node) {
	n.consecFailures.Add(1)
}

// ThrottlesReads reports whether admission throttling applies to reads
// on their initial restart.
func (c *Cluster) ThrottlesReads() bool { return c.cfg.ThrottleReads }

// ThrottlesWrites reports whether admission throttling applies to
// writes on their initial restart.
func (c *Cluster) ThrottlesWrites() bool { return c.cfg.ThrottleWrites }

// NodeShouldDrop reports whether admission should reject work destined
// for n right now. A node with no observed failures is never throttled;
// once it has failed at least once, admission is rate limited so a
// burst of retries doesn't hammer a node that's already in trouble.
func (c *Cluster) NodeShouldDrop(n *Node) bool {
	if n.consecFailures.Load() == 0 {
		return false
	}
	return !n.limiter.Allow()
}

// ConnAcquire returns an fd for n: an idle pooled connection if one is
// available, otherwise a freshly dialed (possibly still-connecting)
// non-blocking socket. Returns ok=false only on a hard dial failure.
func (c *Cluster) ConnAcquire(n *Node) (fd int, ok bool) {
	n.mu.Lock()
	if len(n.idleFDs) > 0 {
		fd = n.idleFDs[len(n.idleFDs)-1]
		n.idleFDs = n.idleFDs[:len(n.idleFDs)-1]
		n.mu.Unlock()
		return fd, true
	}
	n.mu.Unlock()

	fd, err := netutil.DialNonBlocking(n.Addr)
	if err != nil {
		return -1, false
	}
	n.openFDs.Add(1)
	return fd, true
}

// ConnRelease returns fd to n's idle pool, or closes it if the pool is
// already at capacity.
func (c *Cluster) ConnRelease(n *Node, fd int) {
	n.mu.Lock()
	if len(n.idleFDs) < c.cfg.PoolSizePerNode {
		n.idleFDs = append(n.idleFDs, fd)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	c.ConnDiscard(n, fd)
}

// ConnDiscard closes fd without returning it to the pool (the timeout
// and fail-path cases).
func (c *Cluster) ConnDiscard(n *Node, fd int) {
	_ = netutil.Close(fd)
	n.openFDs.Add(-1)
}

// EnqueuePending parks pr on the cluster's pending queue because no
// node was available at restart time. The queue must be externally
// synchronized; Cluster does that with its own mutex.
func (c *Cluster) EnqueuePending(pr PendingRequest) {
	c.mu.Lock()
	c.pending = append(c.pending, pr)
	c.mu.Unlock()
}

// RemovePending removes pr from the pending queue by identity, used by
// the timeout path when a request times out while still waiting for a
// node.
func (c *Cluster) RemovePending(pr PendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pending {
		if p == pr {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// AddNode registers a new node and wakes any pending requests so they
// get a chance to restart against it. In production this would be
// called by cluster tending; here it's exposed directly since there is
// no gossip discovery to call it for us.
func (c *Cluster) AddNode(addr string) *Node {
	n := newNode(addr, c.cfg.ThrottleRatePerSecond, c.cfg.ThrottleBurst)
	c.mu.Lock()
	c.nodes = append(c.nodes, n)
	drained := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, pr := range drained {
		pr.Restart()
	}
	return n
}

// String renders a human-readable summary, handy for log lines.
func (n *Node) String() string {
	return fmt.Sprintf("node(%s, openFDs=%d, consecFailures=%d)", n.Addr, n.openFDs.Load(), n.consecFailures.Load())
}
