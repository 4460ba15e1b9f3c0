// Package request implements the asynchronous request engine: the core
// of citrusdb-go. A Request is a per-operation state machine that
// coordinates node selection, non-blocking socket I/O against a
// single-threaded reactor, deadline enforcement, internal retry on
// socket failure, admission throttling, and connection-pool return or
// discard.
package request

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/citrusdb/citrusdb-go/internal/bufpool"
	"github.com/citrusdb/citrusdb-go/internal/cluster"
	"github.com/citrusdb/citrusdb-go/internal/codec"
	"github.com/citrusdb/citrusdb-go/internal/constants"
	"github.com/citrusdb/citrusdb-go/internal/digest"
	"github.com/citrusdb/citrusdb-go/internal/logging"
	"github.com/citrusdb/citrusdb-go/internal/netutil"
	"github.com/citrusdb/citrusdb-go/internal/reactor"
	"github.com/citrusdb/citrusdb-go/internal/value"
)

// magic is written into every live Request as a debug sentinel; no code
// in this module reads it back or gates behavior on it.
const magic = 0xc17705db

// Outcome is the synchronous result of Engine.Start.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeClientError
	OutcomeThrottled
)

// State is the request's position in its lifecycle state machine.
type State int

const (
	StateCreated State = iota
	StateArmedTimer
	StateSelectingNode
	StatePending // parked on the cluster's pending queue, no node yet
	StateWriting
	StateReadingHeader
	StateReadingBody
	StateCompleted
	StateTimedOut
)

// lifecycle is the tri-state that replaces the original's double-purposed
// timeout_set flag: the timer event observes this explicitly instead of
// inferring doom from a reused bool.
type lifecycle int32

const (
	lifecycleInitializing lifecycle = iota
	lifecycleArmed
	lifecycleDoomed
)

// Result is delivered to the caller's callback exactly once per
// successful Start.
type Result struct {
	ResultCode int
	Bins       []value.Bin
	Generation uint32
	Expiration uint32
	UserData   interface{}
}

// Callback is invoked on the reactor's loop goroutine.
type Callback func(Result)

// StartParams is everything a verb adapter (client.go) needs to supply.
type StartParams struct {
	Namespace string
	Set       string
	Key       *value.Value
	Digest    *digest.Digest
	Info1     uint8
	Info2     uint8
	Write     *value.WriteParameters
	Ops       []value.Operation
	TimeoutMs int64
	IsWrite   bool
	Callback  Callback
	UserData  interface{}
}

// Engine drives every live Request against a shared reactor Loop and
// Cluster directory.
type Engine struct {
	Loop          *reactor.Loop
	Cluster       *cluster.Cluster
	Logger        *logging.Logger
	CrossThreaded bool
}

// NewEngine constructs an Engine.
func NewEngine(loop *reactor.Loop, cl *cluster.Cluster, logger *logging.Logger, crossThreaded bool) *Engine {
	return &Engine{Loop: loop, Cluster: cl, Logger: logger, CrossThreaded: crossThreaded}
}

// Request owns every buffer, position, and resource handle for one
// in-flight operation. It is created by the API adapter, scheduled by
// the engine, and destroyed exactly once.
type Request struct {
	magic int

	engine *Engine

	namespace string
	set       string
	isWrite   bool
	digest    digest.Digest
	writeParam *value.WriteParameters
	writePolicy value.WritePolicy

	wrBuf []byte
	wrPos int

	rdHeader    [8]byte
	rdHeaderPos int
	rdBody      []byte
	rdBodyPooled bool
	rdBodyPos   int

	node *cluster.Node
	fd   int

	timeoutMs int64
	startTime time.Time

	ioWatcher *reactor.IOWatcher
	timer     *reactor.Timer

	mayThrottleInitial bool
	baseHopArmed       atomic.Bool
	finished           atomic.Bool

	crossThreadMu sync.Mutex
	lifecycleState atomic.Int32

	callback Callback
	userData interface{}

	state State
}

// Start validates params, builds the request, and schedules it. The
// returned Outcome is synchronous; the callback (if any work was
// actually scheduled) fires later, on the loop goroutine, exactly once.
func (e *Engine) Start(p StartParams) Outcome {
	req := &Request{
		magic:     magic,
		engine:    e,
		namespace: p.Namespace,
		set:       p.Set,
		isWrite:   p.IsWrite,
		timeoutMs: p.TimeoutMs,
		callback:  p.Callback,
		userData:  p.UserData,
		fd:        -1,
		state:     StateCreated,
	}
	req.writePolicy = value.WritePolicyRetry
	if p.Write != nil {
		req.writeParam = p.Write
		req.writePolicy = p.Write.Policy
	}

	if e.CrossThreaded {
		req.crossThreadMu.Lock()
	}

	// Cheap validation, before the timer is armed: fail directly, no
	// callback, request never escapes this function.
	if p.Namespace == "" {
		e.unlock(req)
		return OutcomeClientError
	}
	if p.TimeoutMs < 0 {
		e.unlock(req)
		return OutcomeClientError
	}
	if p.Key == nil && p.Digest == nil {
		e.unlock(req)
		return OutcomeClientError
	}

	req.startTime = time.Now()
	req.armTimer()
	req.state = StateArmedTimer

	// Encode can fail late (oversize bin name, bad particle type).
	// Past this point a failure must route through the timer to
	// guarantee at-most-one destroy.
	frame, d, err := codec.EncodeRequest(codec.RequestParams{
		Info1:     p.Info1,
		Info2:     p.Info2,
		Namespace: p.Namespace,
		Set:       p.Set,
		Key:       p.Key,
		Digest:    p.Digest,
		Write:     p.Write,
		Ops:       p.Ops,
	})
	if err != nil {
		e.doom(req)
		return OutcomeClientError
	}
	req.digest = d
	req.wrBuf = frame

	req.mayThrottleInitial = (p.IsWrite && e.Cluster != nil && clusterThrottlesWrites(e.Cluster)) ||
		(!p.IsWrite && e.Cluster != nil && clusterThrottlesReads(e.Cluster))

	e.Cluster.Stats.RequestsInProgress.Add(1)

	outcome := req.restart(req.mayThrottleInitial)
	if outcome == OutcomeThrottled {
		// doom skips complete(), the only other place this counter is
		// decremented, so the throttled path must account for itself.
		e.Cluster.Stats.RequestsInProgress.Add(-1)
		e.doom(req)
		return OutcomeThrottled
	}

	req.lifecycleState.Store(int32(lifecycleArmed))
	e.unlock(req)
	return OutcomeOK
}

func (e *Engine) unlock(req *Request) {
	if e.CrossThreaded {
		req.crossThreadMu.Unlock()
	}
}

// doom marks req so the already-armed timer destroys it silently (no
// callback) instead of the caller destroying it directly. This avoids
// a race where the caller frees state the timer is about to touch.
func (e *Engine) doom(req *Request) {
	req.lifecycleState.Store(int32(lifecycleDoomed))
	e.unlock(req)
}

func clusterThrottlesReads(c *cluster.Cluster) bool  { return c.ThrottlesReads() }
func clusterThrottlesWrites(c *cluster.Cluster) bool { return c.ThrottlesWrites() }

func (r *Request) armTimer() {
	r.timer = r.engine.Loop.AddTimer(time.Duration(r.timeoutMs)*time.Millisecond, r.onTimeout)
}

func (r *Request) deadline() time.Time {
	return r.startTime.Add(time.Duration(r.timeoutMs) * time.Millisecond)
}

func (r *Request) deadlinePassed() bool {
	return time.Now().After(r.deadline())
}

// restart implements the node_get -> throttle check -> conn_acquire
// algorithm. mayThrottle is true only for the very first restart of a
// throttle-eligible verb; every subsequent call (fail-path retry,
// base-hop) passes false.
func (r *Request) restart(mayThrottle bool) Outcome {
	if r.deadlinePassed() {
		// Let the imminent timer fire; nothing to arm.
		return OutcomeOK
	}

	for attempt := 0; attempt < constants.MaxRestartAttempts; attempt++ {
		node, ok := r.engine.Cluster.NodeGet(r.namespace, r.digest, r.isWrite)
		if !ok {
			r.enqueuePending()
			return OutcomeOK
		}

		if mayThrottle && r.engine.Cluster.NodeShouldDrop(node) {
			r.engine.Cluster.NodeRelease(node)
			r.engine.Cluster.Stats.ReqThrottles.Add(1)
			return OutcomeThrottled
		}

		fd, ok := r.engine.Cluster.ConnAcquire(node)
		if !ok {
			r.engine.Cluster.NodeRelease(node)
			continue
		}

		r.node = node
		r.fd = fd
		watcher, err := r.engine.Loop.AddIO(fd, unix.EPOLLOUT, r.onWritable)
		if err != nil {
			r.engine.Cluster.ConnDiscard(node, fd)
			r.engine.Cluster.NodeRelease(node)
			r.fd = -1
			r.node = nil
			continue
		}
		r.ioWatcher = watcher
		r.state = StateWriting
		return OutcomeOK
	}

	r.enqueuePending()
	return OutcomeOK
}

func (r *Request) enqueuePending() {
	r.state = StatePending
	r.engine.Cluster.EnqueuePending(r)
}

// Restart implements cluster.PendingRequest: it hops execution back onto
// the request's own loop goroutine (the "base-hop" event) no matter
// which goroutine called it (typically the goroutine that called
// Cluster.AddNode, different from the loop).
func (r *Request) Restart() {
	if !r.baseHopArmed.CompareAndSwap(false, true) {
		return
	}
	r.engine.Loop.Post(func() {
		if !r.baseHopArmed.CompareAndSwap(true, false) {
			return
		}
		if r.finished.Load() {
			return
		}
		r.engine.Cluster.Stats.InternalRetriesOffQ.Add(1)
		if outcome := r.restart(false); outcome == OutcomeThrottled {
			// Off-queue restarts never throttle; unreachable, kept for
			// defensiveness against future callers.
			r.finishClientError()
		}
	})
}

func (r *Request) onWritable(events uint32) {
	if r.engine.CrossThreaded {
		r.crossThreadMu.Lock()
		//lint:ignore SA2001 briefly synchronizing with the caller, not protecting a critical section
		r.crossThreadMu.Unlock()
	}
	if r.finished.Load() {
		return
	}
	// The single watcher is rearmed for EPOLLIN once the request is fully
	// sent, but its callback stays this one: hand read events on.
	if r.state == StateReadingHeader || r.state == StateReadingBody {
		r.onReadable(events)
		return
	}
	if err := connectCheck(r.fd); err != nil {
		r.failPath(err)
		return
	}

	n, err := sendBytes(r.fd, r.wrBuf[r.wrPos:])
	if err != nil {
		r.failPath(err)
		return
	}
	r.wrPos += n
	if r.wrPos < len(r.wrBuf) {
		if r.deadlinePassed() {
			return
		}
		if rerr := r.ioWatcher.Rearm(unix.EPOLLOUT); rerr != nil {
			r.failPath(rerr)
		}
		return
	}

	r.state = StateReadingHeader
	if r.deadlinePassed() {
		return
	}
	if rerr := r.ioWatcher.Rearm(unix.EPOLLIN); rerr != nil {
		r.failPath(rerr)
	}
}

func (r *Request) onReadable(events uint32) {
	if r.finished.Load() {
		return
	}

	if r.state == StateReadingHeader {
		n, err := recvBytes(r.fd, r.rdHeader[r.rdHeaderPos:8])
		if err != nil {
			r.failPath(err)
			return
		}
		if n == 0 {
			r.failPath(fmt.Errorf("request: peer closed connection reading header"))
			return
		}
		r.rdHeaderPos += n
		if r.rdHeaderPos < 8 {
			r.rearmReadable()
			return
		}

		proto, err := codec.DecodeProtoHeader(r.rdHeader[:])
		if err != nil {
			r.failPath(err)
			return
		}
		bodySize := int(proto.Size)
		if bodySize <= bufpoolInlineThreshold {
			r.rdBody = make([]byte, bodySize)
		} else {
			r.rdBody = bufpool.Get(bodySize)
			r.rdBodyPooled = true
		}
		r.state = StateReadingBody
		// Fall through: there may already be body bytes buffered.
	}

	if r.state == StateReadingBody {
		if len(r.rdBody) == 0 {
			r.finishFromBody()
			return
		}
		n, err := recvBytes(r.fd, r.rdBody[r.rdBodyPos:])
		if err != nil {
			r.failPath(err)
			return
		}
		if n == 0 {
			r.failPath(fmt.Errorf("request: peer closed connection reading body"))
			return
		}
		r.rdBodyPos += n
		if r.rdBodyPos < len(r.rdBody) {
			r.rearmReadable()
			return
		}
		r.finishFromBody()
	}
}

const bufpoolInlineThreshold = 512

func (r *Request) rearmReadable() {
	if r.deadlinePassed() {
		return
	}
	if err := r.ioWatcher.Rearm(unix.EPOLLIN); err != nil {
		r.failPath(err)
	}
}

func (r *Request) finishFromBody() {
	resp, err := codec.DecodeResponse(r.rdBody, time.Now().Unix())
	if err != nil {
		r.failPath(err)
		return
	}
	if resp.Malformed && r.engine.Logger != nil {
		r.engine.Logger.Warnf("request: malformed response body from %s, delivering best-effort parse", r.nodeAddr())
	}

	resultCode := resp.ResultCode
	nodeFailedForPool := false
	if resultCode == constants.ResultServerSideTimeout {
		resultCode = constants.ResultTimeout
		nodeFailedForPool = true
	}

	r.state = StateCompleted
	if r.ioWatcher != nil {
		r.ioWatcher.Remove()
		r.ioWatcher = nil
	}
	if nodeFailedForPool {
		r.engine.Cluster.NodeRecordFailure(r.node)
	} else {
		r.engine.Cluster.NodeRecordSuccess(r.node)
	}
	r.engine.Cluster.ConnRelease(r.node, r.fd)
	r.fd = -1

	if resultCode == constants.ResultTimeout {
		r.engine.Cluster.Stats.ReqTimeouts.Add(1)
	} else {
		r.engine.Cluster.Stats.ReqSuccesses.Add(1)
	}

	r.complete(Result{
		ResultCode: resultCode,
		Bins:       resp.Bins,
		Generation: resp.Generation,
		Expiration: resp.TTLSeconds,
		UserData:   r.userData,
	})
}

// failPath handles any transient I/O failure: the fd is discarded, and
// the outcome depends on the write policy.
func (r *Request) failPath(ioErr error) {
	if r.finished.Load() {
		return
	}
	if r.engine.Logger != nil {
		r.engine.Logger.Debugf("request: fail path on %s: %v", r.nodeAddr(), ioErr)
	}

	if r.ioWatcher != nil {
		r.ioWatcher.Remove()
		r.ioWatcher = nil
	}
	if r.fd != -1 {
		if r.node != nil {
			r.engine.Cluster.ConnDiscard(r.node, r.fd)
		}
		r.fd = -1
	}

	if r.writePolicy == value.WritePolicyOneShot {
		if r.node != nil {
			r.engine.Cluster.NodeRecordFailure(r.node)
		}
		r.engine.Cluster.Stats.ReqTimeouts.Add(1)
		r.finishTimeout()
		return
	}

	if r.node != nil {
		r.engine.Cluster.NodeRelease(r.node)
		r.node = nil
	}
	r.engine.Cluster.Stats.InternalRetries.Add(1)
	// The retry resends the whole frame and reads a fresh response.
	r.wrPos = 0
	r.rdHeaderPos = 0
	r.rdBodyPos = 0
	if r.rdBodyPooled && r.rdBody != nil {
		bufpool.Put(r.rdBody)
	}
	r.rdBody = nil
	r.rdBodyPooled = false
	// restart's own return value only matters on the initial,
	// throttle-eligible call (handled in Engine.Start); fail-path
	// restarts never throttle, so the result is always OK or a
	// pending-queue park, both handled inside restart itself.
	r.restart(false)
}

// onTimeout is the sole cancellation channel. It always runs on the
// loop goroutine.
func (r *Request) onTimeout() {
	if r.engine.CrossThreaded {
		r.crossThreadMu.Lock()
		//lint:ignore SA2001 briefly synchronizing with the caller, not protecting a critical section
		r.crossThreadMu.Unlock()
	}

	if lifecycle(r.lifecycleState.Load()) == lifecycleDoomed {
		r.destroy()
		return
	}

	if r.finished.Load() {
		return
	}

	r.engine.Cluster.RemovePending(r)
	r.baseHopArmed.Store(false)

	if r.fd != -1 {
		if r.node != nil {
			r.engine.Cluster.ConnDiscard(r.node, r.fd)
		}
		r.fd = -1
	}
	if r.ioWatcher != nil {
		r.ioWatcher.Remove()
		r.ioWatcher = nil
	}

	r.state = StateTimedOut
	r.engine.Cluster.Stats.ReqTimeouts.Add(1)
	if r.node != nil {
		r.engine.Cluster.NodeRecordFailure(r.node)
	}

	r.complete(Result{ResultCode: constants.ResultTimeout, UserData: r.userData})
}

func (r *Request) finishTimeout() {
	r.state = StateTimedOut
	r.complete(Result{ResultCode: constants.ResultTimeout, UserData: r.userData})
}

func (r *Request) finishClientError() {
	r.complete(Result{ResultCode: constants.ResultClientError, UserData: r.userData})
}

// complete delivers the callback exactly once and releases every
// resource the request still holds.
func (r *Request) complete(res Result) {
	if !r.finished.CompareAndSwap(false, true) {
		return
	}
	if r.timer != nil {
		r.timer.Cancel(r.engine.Loop)
		r.timer = nil
	}
	if r.node != nil {
		r.engine.Cluster.NodeRelease(r.node)
		r.node = nil
	}
	r.engine.Cluster.Stats.RequestsInProgress.Add(-1)

	if r.callback != nil {
		r.callback(res)
	}
	r.destroy()
}

// destroy releases any pooled buffer and makes the request eligible for
// garbage collection. Safe to call more than once.
func (r *Request) destroy() {
	if r.rdBodyPooled && r.rdBody != nil {
		bufpool.Put(r.rdBody)
		r.rdBody = nil
		r.rdBodyPooled = false
	}
}

func (r *Request) nodeAddr() string {
	if r.node == nil {
		return "<no node>"
	}
	return r.node.Addr
}

// connectCheck, sendBytes, recvBytes are indirected through package
// vars so tests can swap in a fake transport without a real socket.
var connectCheck = func(fd int) error { return netutil.ConnectError(fd) }
var sendBytes = func(fd int, buf []byte) (int, error) { return netutil.Send(fd, buf) }
var recvBytes = func(fd int, buf []byte) (int, error) { return netutil.Recv(fd, buf) }
