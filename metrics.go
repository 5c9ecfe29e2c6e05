package nvme

import (
	"sync/atomic"
	"time"

	"github.com/nvme-userspace/nvme-pcie/internal/qpair"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering submission-to-completion latency from 1us to 10s.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks submission/completion statistics for a controller
// transport. A single Metrics instance is typically shared across every
// queue pair belonging to one controller; the hot submit/poll path updates
// it with lock-free atomics only.
type Metrics struct {
	SubmittedOps atomic.Uint64 // commands dispatched by QueuePair.Submit
	CompletedOps atomic.Uint64 // commands delivered to their callback
	RetriedOps   atomic.Uint64 // completions that were resubmitted instead of delivered
	QueuedOps    atomic.Uint64 // submissions that found no free tracker and went to queued_requests

	BytesTransferred atomic.Uint64

	IoErrors         atomic.Uint64
	ProtocolErrors   atomic.Uint64
	ControllerErrors atomic.Uint64

	QueueDepthTotal atomic.Uint64 // cumulative outstanding-tracker samples
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a metrics instance with its start time set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records a command handed to the submit path.
func (m *Metrics) RecordSubmit(bytes uint64) {
	m.SubmittedOps.Add(1)
	m.BytesTransferred.Add(bytes)
}

// RecordComplete records a terminal completion (not a retry) with its
// end-to-end latency and error classification.
func (m *Metrics) RecordComplete(latencyNs uint64, code ErrorCode) {
	m.CompletedOps.Add(1)
	m.recordLatency(latencyNs)
	switch code {
	case "":
		// success
	case ErrCodeProtocolError:
		m.ProtocolErrors.Add(1)
	case ErrCodeControllerError:
		m.ControllerErrors.Add(1)
	default:
		m.IoErrors.Add(1)
	}
}

// RecordRetry records a completion that was resubmitted rather than
// delivered to its caller.
func (m *Metrics) RecordRetry() {
	m.RetriedOps.Add(1)
}

// RecordQueued records a submission that found the tracker pool exhausted
// and was deferred onto the queued_requests FIFO.
func (m *Metrics) RecordQueued() {
	m.QueuedOps.Add(1)
}

// RecordQueueDepth records the current count of outstanding trackers on a
// queue pair.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the controller transport as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics plus
// derived statistics.
type MetricsSnapshot struct {
	SubmittedOps uint64
	CompletedOps uint64
	RetriedOps   uint64
	QueuedOps    uint64

	BytesTransferred uint64

	IoErrors         uint64
	ProtocolErrors   uint64
	ControllerErrors uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	IOPS      float64
	Bandwidth float64
	ErrorRate float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		SubmittedOps:     m.SubmittedOps.Load(),
		CompletedOps:     m.CompletedOps.Load(),
		RetriedOps:       m.RetriedOps.Load(),
		QueuedOps:        m.QueuedOps.Load(),
		BytesTransferred: m.BytesTransferred.Load(),
		IoErrors:         m.IoErrors.Load(),
		ProtocolErrors:   m.ProtocolErrors.Load(),
		ControllerErrors: m.ControllerErrors.Load(),
		MaxQueueDepth:    m.MaxQueueDepth.Load(),
	}

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
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

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.IOPS = float64(snap.CompletedOps) / uptimeSeconds
		snap.Bandwidth = float64(snap.BytesTransferred) / uptimeSeconds
	}

	totalErrors := snap.IoErrors + snap.ProtocolErrors + snap.ControllerErrors
	if snap.CompletedOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.CompletedOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
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

// Reset zeroes all counters, useful between test cases.
func (m *Metrics) Reset() {
	m.SubmittedOps.Store(0)
	m.CompletedOps.Store(0)
	m.RetriedOps.Store(0)
	m.QueuedOps.Store(0)
	m.BytesTransferred.Store(0)
	m.IoErrors.Store(0)
	m.ProtocolErrors.Store(0)
	m.ControllerErrors.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection at the points the submit
// and completion paths already touch.
type Observer interface {
	ObserveSubmit(bytes uint64)
	ObserveComplete(latencyNs uint64, code ErrorCode)
	ObserveRetry()
	ObserveQueued()
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(uint64)              {}
func (NoOpObserver) ObserveComplete(uint64, ErrorCode) {}
func (NoOpObserver) ObserveRetry()                     {}
func (NoOpObserver) ObserveQueued()                    {}
func (NoOpObserver) ObserveQueueDepth(uint32)          {}

// MetricsObserver implements Observer by forwarding to a Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(bytes uint64) { o.metrics.RecordSubmit(bytes) }
func (o *MetricsObserver) ObserveComplete(latencyNs uint64, code ErrorCode) {
	o.metrics.RecordComplete(latencyNs, code)
}
func (o *MetricsObserver) ObserveRetry()            { o.metrics.RecordRetry() }
func (o *MetricsObserver) ObserveQueued()           { o.metrics.RecordQueued() }
func (o *MetricsObserver) ObserveQueueDepth(d uint32) { o.metrics.RecordQueueDepth(d) }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)

// qpairObserverAdapter bridges this package's Observer (which classifies
// completions into an ErrorCode the way RecordComplete already does) to
// internal/qpair.Observer, whose hot path only ever knows whether a
// completion succeeded and whether it was marked do-not-retry, with no
// visibility into how the controller layer classifies an error. A DNR
// failure is attributed to the controller; anything else retryable-exhausted
// is attributed to plain I/O error.
type qpairObserverAdapter struct {
	inner Observer
}

func (a qpairObserverAdapter) ObserveSubmit(bytes uint64) { a.inner.ObserveSubmit(bytes) }

func (a qpairObserverAdapter) ObserveComplete(latencyNs uint64, success, dnr bool) {
	switch {
	case success:
		a.inner.ObserveComplete(latencyNs, "")
	case dnr:
		a.inner.ObserveComplete(latencyNs, ErrCodeControllerError)
	default:
		a.inner.ObserveComplete(latencyNs, ErrCodeIoError)
	}
}

func (a qpairObserverAdapter) ObserveRetry()  { a.inner.ObserveRetry() }
func (a qpairObserverAdapter) ObserveQueued() { a.inner.ObserveQueued() }
func (a qpairObserverAdapter) ObserveQueueDepth(depth int) {
	a.inner.ObserveQueueDepth(uint32(depth))
}

var _ qpair.Observer = qpairObserverAdapter{}
