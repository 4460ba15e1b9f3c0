package citrusdb

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets are the latency histogram bucket upper bounds, in
// nanoseconds, spanning 100us to 10s.
var LatencyBuckets = []uint64{
	100_000,        // 100us
	1_000_000,      // 1ms
	4_000_000,      // 4ms
	16_000_000,     // 16ms
	64_000_000,     // 64ms
	256_000_000,    // 256ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks per-verb operation counts, error counts, and latency
// for a Client.
type Metrics struct {
	GetOps     atomic.Uint64
	PutOps     atomic.Uint64
	DeleteOps  atomic.Uint64
	OperateOps atomic.Uint64

	GetErrors     atomic.Uint64
	PutErrors     atomic.Uint64
	DeleteErrors  atomic.Uint64
	OperateErrors atomic.Uint64

	Throttles atomic.Uint64
	Timeouts  atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// LatencyHistogram[i] is the cumulative count of operations with
	// latency <= LatencyBuckets[i].
	LatencyHistogram [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a Metrics instance with its start time set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyHistogram[i].Add(1)
		}
	}
}

// RecordGet records one Get/GetByDigest completion.
func (m *Metrics) RecordGet(latencyNs uint64, code ResultCode) {
	m.GetOps.Add(1)
	m.recordOutcome(code, &m.GetErrors)
	m.recordLatency(latencyNs)
}

// RecordPut records one Put completion.
func (m *Metrics) RecordPut(latencyNs uint64, code ResultCode) {
	m.PutOps.Add(1)
	m.recordOutcome(code, &m.PutErrors)
	m.recordLatency(latencyNs)
}

// RecordDelete records one Delete completion.
func (m *Metrics) RecordDelete(latencyNs uint64, code ResultCode) {
	m.DeleteOps.Add(1)
	m.recordOutcome(code, &m.DeleteErrors)
	m.recordLatency(latencyNs)
}

// RecordOperate records one Operate completion.
func (m *Metrics) RecordOperate(latencyNs uint64, code ResultCode) {
	m.OperateOps.Add(1)
	m.recordOutcome(code, &m.OperateErrors)
	m.recordLatency(latencyNs)
}

func (m *Metrics) recordOutcome(code ResultCode, errCounter *atomic.Uint64) {
	switch code {
	case ResultOK, ResultNotFound:
		return
	case ResultThrottled:
		m.Throttles.Add(1)
	case ResultTimeout:
		m.Timeouts.Add(1)
	default:
		errCounter.Add(1)
	}
}

// Stop marks the client as stopped, freezing uptime calculations.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, race-free read of Metrics.
type MetricsSnapshot struct {
	GetOps, PutOps, DeleteOps, OperateOps             uint64
	GetErrors, PutErrors, DeleteErrors, OperateErrors uint64
	Throttles, Timeouts                                uint64

	AvgLatencyNs  uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps  uint64
	ErrorRate float64
	UptimeNs  uint64
}

// Snapshot computes a MetricsSnapshot from the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		GetOps:        m.GetOps.Load(),
		PutOps:        m.PutOps.Load(),
		DeleteOps:     m.DeleteOps.Load(),
		OperateOps:    m.OperateOps.Load(),
		GetErrors:     m.GetErrors.Load(),
		PutErrors:     m.PutErrors.Load(),
		DeleteErrors:  m.DeleteErrors.Load(),
		OperateErrors: m.OperateErrors.Load(),
		Throttles:     m.Throttles.Load(),
		Timeouts:      m.Timeouts.Load(),
	}

	snap.TotalOps = snap.GetOps + snap.PutOps + snap.DeleteOps + snap.OperateOps

	opCount := m.OpCount.Load()
	totalLatencyNs := m.TotalLatencyNs.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	totalErrors := snap.GetErrors + snap.PutErrors + snap.DeleteErrors + snap.OperateErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyHistogram[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) by linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyHistogram[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyHistogram[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes every counter, restarting the uptime clock. Intended for
// tests.
func (m *Metrics) Reset() {
	m.GetOps.Store(0)
	m.PutOps.Store(0)
	m.DeleteOps.Store(0)
	m.OperateOps.Store(0)
	m.GetErrors.Store(0)
	m.PutErrors.Store(0)
	m.DeleteErrors.Store(0)
	m.OperateErrors.Store(0)
	m.Throttles.Store(0)
	m.Timeouts.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyHistogram[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection; a Client drives it for
// every completed operation.
type Observer interface {
	ObserveGet(latencyNs uint64, code ResultCode)
	ObservePut(latencyNs uint64, code ResultCode)
	ObserveDelete(latencyNs uint64, code ResultCode)
	ObserveOperate(latencyNs uint64, code ResultCode)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveGet(uint64, ResultCode)     {}
func (NoOpObserver) ObservePut(uint64, ResultCode)     {}
func (NoOpObserver) ObserveDelete(uint64, ResultCode)  {}
func (NoOpObserver) ObserveOperate(uint64, ResultCode) {}

// MetricsObserver is the default Observer, recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver wraps m as an Observer.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveGet(latencyNs uint64, code ResultCode)     { o.metrics.RecordGet(latencyNs, code) }
func (o *MetricsObserver) ObservePut(latencyNs uint64, code ResultCode)     { o.metrics.RecordPut(latencyNs, code) }
func (o *MetricsObserver) ObserveDelete(latencyNs uint64, code ResultCode)  { o.metrics.RecordDelete(latencyNs, code) }
func (o *MetricsObserver) ObserveOperate(latencyNs uint64, code ResultCode) { o.metrics.RecordOperate(latencyNs, code) }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
