package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePending struct {
	restarted chan struct{}
}

func (f *fakePending) Restart() { close(f.restarted) }

func TestNodeGetNoNodes(t *testing.T) {
	c := New(DefaultConfig())
	_, ok := c.NodeGet("test", [20]byte{}, false)
	assert.False(t, ok)
}

func TestNodeGetRoundRobinOverSeeds(t *testing.T) {
	c := New(DefaultConfig("a:3000", "b:3000"))

	seen := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		n, ok := c.NodeGet("test", [20]byte{}, false)
		require.True(t, ok)
		seen = append(seen, n.Addr)
	}
	assert.Equal(t, []string{"a:3000", "b:3000", "a:3000", "b:3000"}, seen)
}

func TestNodeShouldDropOnlyAfterFailure(t *testing.T) {
	c := New(DefaultConfig("a:3000"))
	n, ok := c.NodeGet("test", [20]byte{}, false)
	require.True(t, ok)

	assert.False(t, c.NodeShouldDrop(n))

	c.NodeRecordFailure(n)
	// Burst should allow a handful through before the limiter engages.
	dropped := false
	for i := 0; i < 100; i++ {
		if c.NodeShouldDrop(n) {
			dropped = true
			break
		}
	}
	assert.True(t, dropped, "expected admission throttle to eventually engage after a failure")

	c.NodeRecordSuccess(n)
	assert.Equal(t, int64(0), n.consecFailures.Load())
}

func TestPendingQueueDrainsOnAddNode(t *testing.T) {
	c := New(DefaultConfig())
	pr := &fakePending{restarted: make(chan struct{})}
	c.EnqueuePending(pr)

	c.AddNode("a:3000")

	select {
	case <-pr.restarted:
	default:
		t.Fatal("expected pending request to be restarted when a node was added")
	}
}

func TestRemovePending(t *testing.T) {
	c := New(DefaultConfig())
	pr := &fakePending{restarted: make(chan struct{})}
	c.EnqueuePending(pr)
	c.RemovePending(pr)

	c.AddNode("a:3000")
	select {
	case <-pr.restarted:
		t.Fatal("removed pending request should not restart")
	default:
	}
}
