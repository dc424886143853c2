package ohci

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the transaction-latency histogram buckets in
// nanoseconds, logarithmically spaced from 1us to 10s.
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

// Metrics tracks operational statistics for the controller: bus-reset
// recovery, transaction completion, and Config-ROM scan progress (spec §4.3
// step 8 "commit metrics", §8 "dispatcher.routed_bits" style invariants are
// exercised against this data by tests).
type Metrics struct {
	// Bus-reset recovery.
	BusResetCount       atomic.Uint64
	BusResetAbortCount  atomic.Uint64 // safety-timeout aborts
	BusResetErrorCount  atomic.Uint64 // landed in FSM state Error
	LastResetLatencyNs  atomic.Uint64 // first-IRQ -> Complete latency

	// Asynchronous transactions.
	TxSubmitted atomic.Uint64
	TxCompleted atomic.Uint64
	TxTimedOut  atomic.Uint64
	TxRetried   atomic.Uint64
	TxBusReset  atomic.Uint64 // cancelled by ConfirmBusGeneration

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Config-ROM scanner.
	ScansStarted   atomic.Uint64
	ScansCompleted atomic.Uint64
	ScanNodesOK    atomic.Uint64
	ScanNodesFailed atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordBusReset records the outcome of one bus-reset recovery cycle.
func (m *Metrics) RecordBusReset(latencyNs uint64, aborted, failed bool) {
	m.BusResetCount.Add(1)
	m.LastResetLatencyNs.Store(latencyNs)
	if aborted {
		m.BusResetAbortCount.Add(1)
	}
	if failed {
		m.BusResetErrorCount.Add(1)
	}
}

// RecordTransaction records one completed or cancelled transaction.
func (m *Metrics) RecordTransaction(latencyNs uint64, code ErrorCode) {
	m.TxCompleted.Add(1)
	switch code {
	case ErrCodeTimeout:
		m.TxTimedOut.Add(1)
	case ErrCodeBusReset:
		m.TxBusReset.Add(1)
	}
	m.recordLatency(latencyNs)
}

// recordTransactionCode is the string-keyed entry point used by the
// Observer implementation so internal packages (which cannot import the
// root package's ErrorCode without an import cycle) can still drive it.
func (m *Metrics) recordTransactionCode(latencyNs uint64, code string) {
	m.RecordTransaction(latencyNs, ErrorCode(code))
}

// RecordScanComplete records one finished Config-ROM scan generation.
func (m *Metrics) RecordScanComplete(nodesOK, nodesFailed uint64) {
	m.ScansCompleted.Add(1)
	m.ScanNodesOK.Add(nodesOK)
	m.ScanNodesFailed.Add(nodesFailed)
}

// RecordQueueDepth records the current command-queue depth for statistics.
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

func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	BusResetCount      uint64
	BusResetAbortCount uint64
	BusResetErrorCount uint64
	LastResetLatencyNs uint64

	TxSubmitted uint64
	TxCompleted uint64
	TxTimedOut  uint64
	TxRetried   uint64
	TxBusReset  uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ScansStarted    uint64
	ScansCompleted  uint64
	ScanNodesOK     uint64
	ScanNodesFailed uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		BusResetCount:      m.BusResetCount.Load(),
		BusResetAbortCount: m.BusResetAbortCount.Load(),
		BusResetErrorCount: m.BusResetErrorCount.Load(),
		LastResetLatencyNs: m.LastResetLatencyNs.Load(),
		TxSubmitted:        m.TxSubmitted.Load(),
		TxCompleted:        m.TxCompleted.Load(),
		TxTimedOut:         m.TxTimedOut.Load(),
		TxRetried:          m.TxRetried.Load(),
		TxBusReset:         m.TxBusReset.Load(),
		ScansStarted:       m.ScansStarted.Load(),
		ScansCompleted:     m.ScansCompleted.Load(),
		ScanNodesOK:        m.ScanNodesOK.Load(),
		ScanNodesFailed:    m.ScanNodesFailed.Load(),
		MaxQueueDepth:      m.MaxQueueDepth.Load(),
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
// by linear interpolation between histogram buckets.
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

// Reset resets all metrics counters. Useful for testing.
func (m *Metrics) Reset() {
	*m = Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
}

// Observer allows pluggable metrics collection, consumed by the bus-reset
// coordinator, transaction tracker and ROM scanner without a direct
// dependency on *Metrics.
type Observer interface {
	ObserveBusReset(latency time.Duration, aborted, failed bool)
	ObserveTransaction(latencyNs uint64, code string)
	ObserveScanComplete(generation uint8, nodesOK, nodesFailed int)
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveBusReset(time.Duration, bool, bool) {}
func (NoOpObserver) ObserveTransaction(uint64, string)         {}
func (NoOpObserver) ObserveScanComplete(uint8, int, int)       {}
func (NoOpObserver) ObserveQueueDepth(uint32)                  {}

// MetricsObserver implements Observer over the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveBusReset(latency time.Duration, aborted, failed bool) {
	o.metrics.RecordBusReset(uint64(latency.Nanoseconds()), aborted, failed)
}

func (o *MetricsObserver) ObserveTransaction(latencyNs uint64, code string) {
	o.metrics.recordTransactionCode(latencyNs, code)
}

func (o *MetricsObserver) ObserveScanComplete(generation uint8, nodesOK, nodesFailed int) {
	o.metrics.RecordScanComplete(uint64(nodesOK), uint64(nodesFailed))
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
