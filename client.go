// Package citrusdb provides the public API for citrusdb-go: an
// asynchronous client for a distributed key-value store built around a
// single-threaded reactor and a per-request state machine (internal/request).
package citrusdb

import (
	"context"
	"fmt"
	"time"

	"github.com/citrusdb/citrusdb-go/internal/cluster"
	"github.com/citrusdb/citrusdb-go/internal/digest"
	"github.com/citrusdb/citrusdb-go/internal/logging"
	"github.com/citrusdb/citrusdb-go/internal/reactor"
	"github.com/citrusdb/citrusdb-go/internal/request"
	"github.com/citrusdb/citrusdb-go/internal/value"
)

// Record is a decoded server response: the result code, generation, TTL,
// and whatever bins the operation returned.
type Record struct {
	Code       ResultCode
	Generation uint32
	Expiration uint32
	Bins       []Bin
}

// Bin is a single named record attribute.
type Bin struct {
	Name  string
	Value Value
}

// Value is re-exported so callers never need to import internal/value.
type Value = value.Value

// Null, Int, Float, String, and Blob construct Values (re-exported).
func Null() Value          { return value.Null() }
func Int(v int64) Value    { return value.Int(v) }
func Float(v float64) Value { return value.Float(v) }
func String(s string) Value { return value.String(s) }
func Blob(b []byte) Value  { return value.Blob(b) }

// Operation is one entry in a multi-bin Operate call.
type Operation struct {
	Kind    OpKind
	BinName string
	Value   Value
}

// OpKind selects read, write, or add (increment) for an Operation.
type OpKind = value.OpKind

const (
	OpKindRead  = value.OpKindRead
	OpKindWrite = value.OpKindWrite
	OpKindAdd   = value.OpKindAdd
)

// WritePolicy selects retry-on-failure (default) or one-shot semantics.
type WritePolicy = value.WritePolicy

const (
	WritePolicyRetry   = value.WritePolicyRetry
	WritePolicyOneShot = value.WritePolicyOneShot
)

// WriteParameters are the optional per-write controls: check-and-set
// generation, expiration, and fail-path policy.
type WriteParameters = value.WriteParameters

// Callback receives the outcome of an asynchronous operation. It runs on
// the client's loop goroutine: it must not block, and if it calls back
// into the client, it must not do so synchronously (use Post via
// another goroutine, or a new async call, instead).
type Callback func(Record)

// Config configures a Client: seed nodes, pool sizing, throttling,
// logging, and the metrics observer. The cross-thread start guard is not
// configurable here; Open always enables it.
type Config struct {
	SeedNodes             []string
	ThrottleReads         bool
	ThrottleWrites        bool
	PoolSizePerNode       int
	ThrottleRatePerSecond float64
	ThrottleBurst         int
	Logger                *logging.Logger

	// Observer receives a latency/result-code observation for every
	// completed operation. Defaults to a MetricsObserver backed by the
	// Client's own Metrics() if left nil.
	Observer Observer
}

// DefaultConfig returns sane defaults for the given seed nodes.
func DefaultConfig(seeds ...string) Config {
	cc := cluster.DefaultConfig(seeds...)
	return Config{
		SeedNodes:             cc.SeedNodes,
		PoolSizePerNode:       cc.PoolSizePerNode,
		ThrottleRatePerSecond: cc.ThrottleRatePerSecond,
		ThrottleBurst:         cc.ThrottleBurst,
	}
}

// Client owns the reactor loop, cluster directory, and request engine
// for one logical connection to a citrusdb cluster.
type Client struct {
	loop     *reactor.Loop
	cluster  *cluster.Cluster
	engine   *request.Engine
	logger   *logging.Logger
	metrics  *Metrics
	observer Observer
}

// Open creates a Client and starts its event loop goroutine. Any
// goroutine may call the verb methods below; the cross-thread start
// guard is always engaged (Go's goroutine model makes this the safe
// default, unlike the single-caller-thread assumption of a C event
// loop client).
func Open(cfg Config) (*Client, error) {
	loop, err := reactor.New()
	if err != nil {
		return nil, fmt.Errorf("citrusdb: open: %w", err)
	}

	clCfg := cluster.Config{
		SeedNodes:             cfg.SeedNodes,
		ThrottleReads:         cfg.ThrottleReads,
		ThrottleWrites:        cfg.ThrottleWrites,
		CrossThreaded:         true,
		PoolSizePerNode:       cfg.PoolSizePerNode,
		ThrottleRatePerSecond: cfg.ThrottleRatePerSecond,
		ThrottleBurst:         cfg.ThrottleBurst,
	}
	if clCfg.PoolSizePerNode == 0 {
		clCfg.PoolSizePerNode = 8
	}
	if clCfg.ThrottleRatePerSecond == 0 {
		clCfg.ThrottleRatePerSecond = 50
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	cl := cluster.New(clCfg)
	engine := request.NewEngine(loop, cl, logger, true)

	metrics := NewMetrics()
	observer := cfg.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	go loop.Run()

	return &Client{loop: loop, cluster: cl, engine: engine, logger: logger, metrics: metrics, observer: observer}, nil
}

// Close stops the event loop and freezes the client's metrics uptime
// clock. In-flight requests are not drained; callers should let
// outstanding operations complete (or time out) before calling Close.
func (c *Client) Close() error {
	c.metrics.Stop()
	return c.loop.Close()
}

// AddNode registers a new cluster node and wakes any request parked on
// the pending queue so it gets a chance to restart against it.
func (c *Client) AddNode(addr string) {
	c.cluster.AddNode(addr)
}

// ClusterStats is a point-in-time snapshot of the engine's admission and
// retry counters, independent of the per-verb latency tracking in
// Metrics.
type ClusterStats struct {
	Successes           int64
	Failures            int64
	Timeouts            int64
	Throttles           int64
	InternalRetries     int64
	InternalRetriesOffQ int64
	RequestsInProgress  int64
}

// ClusterMetrics returns a snapshot of the engine's admission and retry
// counters.
func (c *Client) ClusterMetrics() ClusterStats {
	s := &c.cluster.Stats
	return ClusterStats{
		Successes:           s.ReqSuccesses.Load(),
		Failures:            s.ReqFailures.Load(),
		Timeouts:            s.ReqTimeouts.Load(),
		Throttles:           s.ReqThrottles.Load(),
		InternalRetries:     s.InternalRetries.Load(),
		InternalRetriesOffQ: s.InternalRetriesOffQ.Load(),
		RequestsInProgress:  s.RequestsInProgress.Load(),
	}
}

// Metrics returns a snapshot of the client's per-verb latency and
// error-rate counters.
func (c *Client) Metrics() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// CalculateDigest exposes the record-identifier computation so callers
// can route digest-addressed requests (GetByDigest, PutByDigest, ...)
// without the client doing the set/key -> digest translation for them.
func CalculateDigest(set string, key Value) ([DigestSize]byte, error) {
	d, err := digest.Calculate(set, key)
	if err != nil {
		return [DigestSize]byte{}, err
	}
	return [DigestSize]byte(d), nil
}

func toRecord(r request.Result) Record {
	bins := make([]Bin, len(r.Bins))
	for i, b := range r.Bins {
		bins[i] = Bin{Name: b.Name, Value: b.Value}
	}
	return Record{
		Code:       ResultCode(r.ResultCode),
		Generation: r.Generation,
		Expiration: r.Expiration,
		Bins:       bins,
	}
}

func toOps(ops []Operation) []value.Operation {
	if ops == nil {
		return nil
	}
	out := make([]value.Operation, len(ops))
	for i, op := range ops {
		out[i] = value.Operation{Kind: op.Kind, BinName: op.BinName, Value: op.Value}
	}
	return out
}

// observe reports one completed operation to the client's Observer,
// keyed by verb, and returns the wrapped callback the caller should
// install into request.StartParams. latency is measured from issue to
// completion, on the loop goroutine the callback itself runs on.
func (c *Client) observe(opKind string, issued time.Time, cb Callback) Callback {
	return func(r Record) {
		latencyNs := uint64(time.Since(issued).Nanoseconds())
		switch opKind {
		case "Get", "GetByDigest", "GetAll", "GetAllByDigest":
			c.observer.ObserveGet(latencyNs, r.Code)
		case "Put", "PutByDigest":
			c.observer.ObservePut(latencyNs, r.Code)
		case "Delete", "DeleteByDigest":
			c.observer.ObserveDelete(latencyNs, r.Code)
		case "Operate", "OperateByDigest":
			c.observer.ObserveOperate(latencyNs, r.Code)
		}
		cb(r)
	}
}

// binsToReadOps turns a list of bin names into the read-only, valueless
// operations a bin-specific get sends instead of Info1GetAll: one op
// per requested bin, each carrying a null value, mirroring how the
// original client pairs CL_MSG_INFO1_READ with a per-bin op list.
func binsToReadOps(binNames []string) []value.Operation {
	ops := make([]value.Operation, len(binNames))
	for i, name := range binNames {
		ops[i] = value.Operation{Kind: value.OpKindRead, BinName: name, Value: value.Null()}
	}
	return ops
}

func (c *Client) start(p request.StartParams, cb Callback) request.Outcome {
	p.Callback = func(r request.Result) { cb(toRecord(r)) }
	return c.engine.Start(p)
}

// Get reads only the named bins of a record by (namespace, set, key).
// Bins the record doesn't have are simply absent from the result.
func (c *Client) Get(namespace, set string, key Value, binNames []string, timeoutMs int64, cb Callback) error {
	outcome := c.start(request.StartParams{
		Namespace: namespace,
		Set:       set,
		Key:       &key,
		Info1:     info1Read,
		Ops:       binsToReadOps(binNames),
		TimeoutMs: timeoutMs,
	}, c.observe("Get", time.Now(), cb))
	return outcomeToErr("Get", outcome)
}

// GetByDigest is the digest-addressed variant of Get.
func (c *Client) GetByDigest(namespace string, d [DigestSize]byte, binNames []string, timeoutMs int64, cb Callback) error {
	dd := digest.Digest(d)
	outcome := c.start(request.StartParams{
		Namespace: namespace,
		Digest:    &dd,
		Info1:     info1Read,
		Ops:       binsToReadOps(binNames),
		TimeoutMs: timeoutMs,
	}, c.observe("GetByDigest", time.Now(), cb))
	return outcomeToErr("GetByDigest", outcome)
}

// GetAll reads every bin of a record by (namespace, set, key).
func (c *Client) GetAll(namespace, set string, key Value, timeoutMs int64, cb Callback) error {
	outcome := c.start(request.StartParams{
		Namespace: namespace,
		Set:       set,
		Key:       &key,
		Info1:     info1ReadAll,
		TimeoutMs: timeoutMs,
	}, c.observe("GetAll", time.Now(), cb))
	return outcomeToErr("GetAll", outcome)
}

// GetAllByDigest is the digest-addressed variant of GetAll.
func (c *Client) GetAllByDigest(namespace string, d [DigestSize]byte, timeoutMs int64, cb Callback) error {
	dd := digest.Digest(d)
	outcome := c.start(request.StartParams{
		Namespace: namespace,
		Digest:    &dd,
		Info1:     info1ReadAll,
		TimeoutMs: timeoutMs,
	}, c.observe("GetAllByDigest", time.Now(), cb))
	return outcomeToErr("GetAllByDigest", outcome)
}

// Put writes the given bins to a record by (namespace, set, key),
// creating the record if it does not already exist.
func (c *Client) Put(namespace, set string, key Value, bins []Bin, w *WriteParameters, timeoutMs int64, cb Callback) error {
	outcome := c.start(request.StartParams{
		Namespace: namespace,
		Set:       set,
		Key:       &key,
		Info2:     info2Write,
		Write:     w,
		Ops:       binsToWriteOps(bins),
		IsWrite:   true,
		TimeoutMs: timeoutMs,
	}, c.observe("Put", time.Now(), cb))
	return outcomeToErr("Put", outcome)
}

// PutByDigest is the digest-addressed variant of Put.
func (c *Client) PutByDigest(namespace string, d [DigestSize]byte, bins []Bin, w *WriteParameters, timeoutMs int64, cb Callback) error {
	dd := digest.Digest(d)
	outcome := c.start(request.StartParams{
		Namespace: namespace,
		Digest:    &dd,
		Info2:     info2Write,
		Write:     w,
		Ops:       binsToWriteOps(bins),
		IsWrite:   true,
		TimeoutMs: timeoutMs,
	}, c.observe("PutByDigest", time.Now(), cb))
	return outcomeToErr("PutByDigest", outcome)
}

// Delete removes a record by (namespace, set, key). Like the original
// client, a delete is sent as a write with the delete bit set, not as
// a distinct verb.
func (c *Client) Delete(namespace, set string, key Value, w *WriteParameters, timeoutMs int64, cb Callback) error {
	outcome := c.start(request.StartParams{
		Namespace: namespace,
		Set:       set,
		Key:       &key,
		Info2:     info2Write | info2Delete,
		Write:     w,
		IsWrite:   true,
		TimeoutMs: timeoutMs,
	}, c.observe("Delete", time.Now(), cb))
	return outcomeToErr("Delete", outcome)
}

// DeleteByDigest is the digest-addressed variant of Delete.
func (c *Client) DeleteByDigest(namespace string, d [DigestSize]byte, w *WriteParameters, timeoutMs int64, cb Callback) error {
	dd := digest.Digest(d)
	outcome := c.start(request.StartParams{
		Namespace: namespace,
		Digest:    &dd,
		Info2:     info2Write | info2Delete,
		Write:     w,
		IsWrite:   true,
		TimeoutMs: timeoutMs,
	}, c.observe("DeleteByDigest", time.Now(), cb))
	return outcomeToErr("DeleteByDigest", outcome)
}

// Operate runs a mixed batch of read/write/add operations against a
// single record in one round trip.
func (c *Client) Operate(namespace, set string, key Value, ops []Operation, w *WriteParameters, timeoutMs int64, cb Callback) error {
	outcome := c.start(request.StartParams{
		Namespace: namespace,
		Set:       set,
		Key:       &key,
		Info2:     operateInfo2(ops),
		Write:     w,
		Ops:       toOps(ops),
		IsWrite:   operateIsWrite(ops),
		TimeoutMs: timeoutMs,
	}, c.observe("Operate", time.Now(), cb))
	return outcomeToErr("Operate", outcome)
}

// OperateByDigest is the digest-addressed variant of Operate.
func (c *Client) OperateByDigest(namespace string, d [DigestSize]byte, ops []Operation, w *WriteParameters, timeoutMs int64, cb Callback) error {
	dd := digest.Digest(d)
	outcome := c.start(request.StartParams{
		Namespace: namespace,
		Digest:    &dd,
		Info2:     operateInfo2(ops),
		Write:     w,
		Ops:       toOps(ops),
		IsWrite:   operateIsWrite(ops),
		TimeoutMs: timeoutMs,
	}, c.observe("OperateByDigest", time.Now(), cb))
	return outcomeToErr("OperateByDigest", outcome)
}

func binsToWriteOps(bins []Bin) []value.Operation {
	ops := make([]value.Operation, len(bins))
	for i, b := range bins {
		ops[i] = value.Operation{Kind: value.OpKindWrite, BinName: b.Name, Value: b.Value}
	}
	return ops
}

func operateIsWrite(ops []Operation) bool {
	for _, op := range ops {
		if op.Kind != value.OpKindRead {
			return true
		}
	}
	return false
}

func operateInfo2(ops []Operation) uint8 {
	if operateIsWrite(ops) {
		return info2Write
	}
	return 0
}

const (
	info1Read    = 0x01        // Info1Read
	info1ReadAll = 0x01 | 0x02 // Info1Read | Info1GetAll
	info2Write   = 0x01        // Info2Write
	info2Delete  = 0x02        // Info2Delete
)

func outcomeToErr(op string, outcome request.Outcome) error {
	switch outcome {
	case request.OutcomeOK:
		return nil
	case request.OutcomeThrottled:
		return &Error{Op: op, Code: ResultThrottled}
	default:
		return &Error{Op: op, Code: ResultClientError}
	}
}

// GetSync is a blocking convenience wrapper around GetAll, for callers
// that don't want to manage their own completion channel. It respects
// ctx cancellation in addition to the request's own TimeoutMs.
func (c *Client) GetSync(ctx context.Context, namespace, set string, key Value, timeoutMs int64) (Record, error) {
	return c.syncCall(ctx, func(cb Callback) error {
		return c.GetAll(namespace, set, key, timeoutMs, cb)
	})
}

// PutSync is the blocking convenience wrapper around Put.
func (c *Client) PutSync(ctx context.Context, namespace, set string, key Value, bins []Bin, w *WriteParameters, timeoutMs int64) (Record, error) {
	return c.syncCall(ctx, func(cb Callback) error {
		return c.Put(namespace, set, key, bins, w, timeoutMs, cb)
	})
}

// DeleteSync is the blocking convenience wrapper around Delete.
func (c *Client) DeleteSync(ctx context.Context, namespace, set string, key Value, w *WriteParameters, timeoutMs int64) (Record, error) {
	return c.syncCall(ctx, func(cb Callback) error {
		return c.Delete(namespace, set, key, w, timeoutMs, cb)
	})
}

func (c *Client) syncCall(ctx context.Context, do func(Callback) error) (Record, error) {
	done := make(chan Record, 1)
	if err := do(func(r Record) { done <- r }); err != nil {
		return Record{}, err
	}
	select {
	case r := <-done:
		if r.Code != ResultOK {
			return r, &Error{Code: r.Code}
		}
		return r, nil
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
}
