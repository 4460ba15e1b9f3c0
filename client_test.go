package citrusdb

import (
	"context"
	"encoding/binary"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNode is a bare-bones TCP citrus node used to exercise Client
// end-to-end without a real cluster. It is independent of internal/codec
// so the test fixture can't share a bug with the code under test.
type fakeNode struct {
	ln net.Listener
}

func newFakeNode(t *testing.T) *fakeNode {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return &fakeNode{ln: ln}
}

func (n *fakeNode) addr() string { return n.ln.Addr().String() }
func (n *fakeNode) close()       { n.ln.Close() }

func (n *fakeNode) serve(handle func(conn net.Conn)) {
	go func() {
		for {
			conn, err := n.ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
}

func readFullFrame(conn net.Conn) error {
	var hdr [8]byte
	if _, err := readFullBytes(conn, hdr[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint64(hdr[:]) & 0xFFFFFFFFFFFF
	body := make([]byte, size)
	_, err := readFullBytes(conn, body)
	return err
}

func readFullBytes(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// buildOKFrame hand-assembles a minimal valid wire response carrying no
// bins, independent of internal/codec.
func buildOKFrame(resultCode uint8, generation uint32) []byte {
	const msgHeaderSize = 22
	body := make([]byte, msgHeaderSize)
	body[0] = msgHeaderSize
	body[5] = resultCode
	binary.BigEndian.PutUint32(body[6:10], generation)

	frame := make([]byte, 8+len(body))
	word := uint64(2)<<56 | uint64(3)<<48 | uint64(len(body))
	binary.BigEndian.PutUint64(frame[:8], word)
	copy(frame[8:], body)
	return frame
}

func TestClientGetSyncSuccess(t *testing.T) {
	node := newFakeNode(t)
	defer node.close()
	node.serve(func(conn net.Conn) {
		defer conn.Close()
		if err := readFullFrame(conn); err != nil {
			return
		}
		conn.Write(buildOKFrame(0, 4))
	})

	c, err := Open(DefaultConfig(node.addr()))
	require.NoError(t, err)
	defer c.Close()

	rec, err := c.GetSync(context.Background(), "test", "users", String("k1"), 2000)
	require.NoError(t, err)
	assert.Equal(t, ResultOK, rec.Code)
	assert.Equal(t, uint32(4), rec.Generation)
}

func TestClientGetSyncRespectsContextCancellation(t *testing.T) {
	c, err := Open(DefaultConfig()) // no seed nodes, nothing will ever connect
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = c.GetSync(ctx, "test", "users", String("k1"), 60_000)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientPutAndDeleteAsync(t *testing.T) {
	node := newFakeNode(t)
	defer node.close()
	node.serve(func(conn net.Conn) {
		defer conn.Close()
		for {
			if err := readFullFrame(conn); err != nil {
				return
			}
			if _, err := conn.Write(buildOKFrame(0, 1)); err != nil {
				return
			}
		}
	})

	c, err := Open(DefaultConfig(node.addr()))
	require.NoError(t, err)
	defer c.Close()

	done := make(chan Record, 1)
	err = c.Put("test", "users", String("k1"), []Bin{{Name: "name", Value: String("alice")}}, nil, 2000, func(r Record) {
		done <- r
	})
	require.NoError(t, err)

	select {
	case r := <-done:
		assert.Equal(t, ResultOK, r.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("Put callback did not fire in time")
	}

	done2 := make(chan Record, 1)
	err = c.Delete("test", "users", String("k1"), nil, 2000, func(r Record) {
		done2 <- r
	})
	require.NoError(t, err)

	select {
	case r := <-done2:
		assert.Equal(t, ResultOK, r.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("Delete callback did not fire in time")
	}

	snap := c.Metrics()
	assert.Equal(t, uint64(1), snap.PutOps)
	assert.Equal(t, uint64(1), snap.DeleteOps)
}

func TestClientMetricsRecordsGetLatency(t *testing.T) {
	node := newFakeNode(t)
	defer node.close()
	node.serve(func(conn net.Conn) {
		defer conn.Close()
		if err := readFullFrame(conn); err != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
		conn.Write(buildOKFrame(0, 1))
	})

	c, err := Open(DefaultConfig(node.addr()))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.GetSync(context.Background(), "test", "users", String("k1"), 2000)
	require.NoError(t, err)

	snap := c.Metrics()
	assert.Equal(t, uint64(1), snap.GetOps)
	assert.GreaterOrEqual(t, snap.AvgLatencyNs, uint64(5*time.Millisecond))
}

func TestCalculateDigestIsStableForSameInput(t *testing.T) {
	d1, err := CalculateDigest("users", String("k1"))
	require.NoError(t, err)
	d2, err := CalculateDigest("users", String("k1"))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	d3, err := CalculateDigest("users", String("k2"))
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

func TestClientAddNodeWakesPendingRequests(t *testing.T) {
	node := newFakeNode(t)
	defer node.close()
	node.serve(func(conn net.Conn) {
		defer conn.Close()
		if err := readFullFrame(conn); err != nil {
			return
		}
		conn.Write(buildOKFrame(0, 1))
	})

	c, err := Open(DefaultConfig()) // no seed nodes yet
	require.NoError(t, err)
	defer c.Close()

	done := make(chan Record, 1)
	err = c.GetAll("test", "users", String("k1"), 3000, func(r Record) { done <- r })
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	c.AddNode(node.addr())

	select {
	case r := <-done:
		assert.Equal(t, ResultOK, r.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("Get callback did not fire after AddNode")
	}
}

func TestClientGetRequestsOnlyNamedBins(t *testing.T) {
	node := newFakeNode(t)
	defer node.close()

	var info1 atomic.Uint32
	node.serve(func(conn net.Conn) {
		defer conn.Close()
		info, err := readFullFrameInfo1(conn)
		if err != nil {
			return
		}
		info1.Store(uint32(info))
		conn.Write(buildOKFrame(0, 1))
	})

	c, err := Open(DefaultConfig(node.addr()))
	require.NoError(t, err)
	defer c.Close()

	rec, err := c.syncCall(context.Background(), func(cb Callback) error {
		return c.Get("test", "users", String("k1"), []string{"name", "age"}, 2000, cb)
	})
	require.NoError(t, err)
	assert.Equal(t, ResultOK, rec.Code)

	// A bin-specific get must send plain Info1Read, never Info1GetAll: the
	// bin list itself is what narrows the result, not the all-bins flag.
	assert.Equal(t, uint32(info1Read), info1.Load())
}

func TestClientGetAllByDigestSuccess(t *testing.T) {
	node := newFakeNode(t)
	defer node.close()
	node.serve(func(conn net.Conn) {
		defer conn.Close()
		if err := readFullFrame(conn); err != nil {
			return
		}
		conn.Write(buildOKFrame(0, 2))
	})

	c, err := Open(DefaultConfig(node.addr()))
	require.NoError(t, err)
	defer c.Close()

	d, err := CalculateDigest("users", String("k1"))
	require.NoError(t, err)

	done := make(chan Record, 1)
	err = c.GetAllByDigest("test", d, 2000, func(r Record) { done <- r })
	require.NoError(t, err)

	select {
	case r := <-done:
		assert.Equal(t, ResultOK, r.Code)
		assert.Equal(t, uint32(2), r.Generation)
	case <-time.After(2 * time.Second):
		t.Fatal("GetAllByDigest callback did not fire in time")
	}
}

func TestClientGetByDigestRequestsOnlyNamedBins(t *testing.T) {
	node := newFakeNode(t)
	defer node.close()

	var info1 atomic.Uint32
	node.serve(func(conn net.Conn) {
		defer conn.Close()
		info, err := readFullFrameInfo1(conn)
		if err != nil {
			return
		}
		info1.Store(uint32(info))
		conn.Write(buildOKFrame(0, 1))
	})

	c, err := Open(DefaultConfig(node.addr()))
	require.NoError(t, err)
	defer c.Close()

	d, err := CalculateDigest("users", String("k1"))
	require.NoError(t, err)

	done := make(chan Record, 1)
	err = c.GetByDigest("test", d, []string{"name"}, 2000, func(r Record) { done <- r })
	require.NoError(t, err)

	select {
	case r := <-done:
		assert.Equal(t, ResultOK, r.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("GetByDigest callback did not fire in time")
	}
	assert.Equal(t, uint32(info1Read), info1.Load())
}

func TestClientPutByDigestDeleteByDigestOperateByDigest(t *testing.T) {
	node := newFakeNode(t)
	defer node.close()
	node.serve(func(conn net.Conn) {
		defer conn.Close()
		for {
			if err := readFullFrame(conn); err != nil {
				return
			}
			if _, err := conn.Write(buildOKFrame(0, 1)); err != nil {
				return
			}
		}
	})

	c, err := Open(DefaultConfig(node.addr()))
	require.NoError(t, err)
	defer c.Close()

	d, err := CalculateDigest("users", String("k1"))
	require.NoError(t, err)

	putDone := make(chan Record, 1)
	err = c.PutByDigest("test", d, []Bin{{Name: "name", Value: String("bob")}}, nil, 2000, func(r Record) {
		putDone <- r
	})
	require.NoError(t, err)
	select {
	case r := <-putDone:
		assert.Equal(t, ResultOK, r.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("PutByDigest callback did not fire in time")
	}

	opDone := make(chan Record, 1)
	err = c.OperateByDigest("test", d, []Operation{{Kind: OpKindRead, BinName: "name"}}, nil, 2000, func(r Record) {
		opDone <- r
	})
	require.NoError(t, err)
	select {
	case r := <-opDone:
		assert.Equal(t, ResultOK, r.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("OperateByDigest callback did not fire in time")
	}

	delDone := make(chan Record, 1)
	err = c.DeleteByDigest("test", d, nil, 2000, func(r Record) {
		delDone <- r
	})
	require.NoError(t, err)
	select {
	case r := <-delDone:
		assert.Equal(t, ResultOK, r.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("DeleteByDigest callback did not fire in time")
	}

	snap := c.Metrics()
	assert.Equal(t, uint64(1), snap.PutOps)
	assert.Equal(t, uint64(1), snap.OperateOps)
	assert.Equal(t, uint64(1), snap.DeleteOps)
}

// readFullFrameInfo1 reads one full proto-header + cl_msg frame and
// returns the Info1 byte from its header, so tests can assert which
// Info1 flags a given verb actually put on the wire.
func readFullFrameInfo1(conn net.Conn) (byte, error) {
	var hdr [8]byte
	if _, err := readFullBytes(conn, hdr[:]); err != nil {
		return 0, err
	}
	size := binary.BigEndian.Uint64(hdr[:]) & 0xFFFFFFFFFFFF
	body := make([]byte, size)
	if _, err := readFullBytes(conn, body); err != nil {
		return 0, err
	}
	if len(body) < 2 {
		return 0, nil
	}
	return body[1], nil
}
