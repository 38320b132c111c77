package obs

import (
	"math/bits"
	"sync/atomic"
	"time"

	"exchange/internal/schema"
)

type counter int

const (
	queueDrops counter = iota
	gapMarkers
	queueClosed
	staleMarks
	walErrors
	storeErrors
	halts
	sinkWrites
	sinkRetries
	numCounters
)

// Metrics holds the engine's hot path counters. All methods are safe for concurrent use
// and are no-ops on a nil receiver, so components run unmetered in tests.
type Metrics struct {
	events   [int(schema.MaxEventType) + 1]atomic.Uint64
	rejects  [int(schema.MaxRejectReason) + 1]atomic.Uint64
	counters [numCounters]atomic.Uint64
	lastSeq  atomic.Uint64

	orderFlow Latency
	riskEval  Latency
}

// Snapshot is a copy of Metrics at one instant.
type Snapshot struct {
	EventCounts  map[schema.EventType]uint64
	RejectCounts map[schema.RejectReason]uint64
	QueueDrops   uint64
	QueueClosed  uint64
	StaleMarks   uint64
	GapMarkers   uint64
	WALErrors    uint64
	StoreErrors  uint64
	Halts        uint64
	LastSeq      uint64
	SinkWrites   uint64
	SinkRetries  uint64

	OrderFlowLatency LatencySnapshot
	RiskEvalLatency  LatencySnapshot
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) add(c counter, n uint64) {
	if m != nil {
		m.counters[c].Add(n)
	}
}

// ObserveEvent counts a sequenced event and remembers its sequence.
func (m *Metrics) ObserveEvent(header schema.EventHeader) {
	if m == nil {
		return
	}
	if int(header.Type) < len(m.events) {
		m.events[header.Type].Add(1)
	}
	if header.Seq > 0 {
		m.lastSeq.Store(header.Seq)
	}
}

func (m *Metrics) IncReject(reason schema.RejectReason) {
	if m == nil || int(reason) >= len(m.rejects) {
		return
	}
	m.rejects[reason].Add(1)
}

// IncQueueDrop records n events evicted from a subscriber queue behind one gap marker.
func (m *Metrics) IncQueueDrop(n int) {
	if n <= 0 {
		return
	}
	m.add(queueDrops, uint64(n))
	m.add(gapMarkers, 1)
}

func (m *Metrics) IncQueueClosed() { m.add(queueClosed, 1) }
func (m *Metrics) IncStale() { m.add(staleMarks, 1) }
func (m *Metrics) IncWALError() { m.add(walErrors, 1) }
func (m *Metrics) IncStoreError() { m.add(storeErrors, 1) }
func (m *Metrics) IncHalt() { m.add(halts, 1) }
func (m *Metrics) IncSinkRetry() { m.add(sinkRetries, 1) }

func (m *Metrics) AddSinkWrites(n int) {
	if n > 0 {
		m.add(sinkWrites, uint64(n))
	}
}

// ObserveOrderFlow records gateway request to ack latency.
func (m *Metrics) ObserveOrderFlow(d time.Duration) {
	if m != nil {
		m.orderFlow.Observe(d)
	}
}

// ObserveRiskEval records pre-trade check latency.
func (m *Metrics) ObserveRiskEval(d time.Duration) {
	if m != nil {
		m.riskEval.Observe(d)
	}
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	snap := Snapshot{
		EventCounts:  make(map[schema.EventType]uint64),
		RejectCounts: make(map[schema.RejectReason]uint64),
		LastSeq:      m.lastSeq.Load(),
	}
	for i := range m.events {
		if v := m.events[i].Load(); v > 0 {
			snap.EventCounts[schema.EventType(i)] = v
		}
	}
	for i := range m.rejects {
		if v := m.rejects[i].Load(); v > 0 {
			snap.RejectCounts[schema.RejectReason(i)] = v
		}
	}

	var c [numCounters]uint64
	for i := range c {
		c[i] = m.counters[i].Load()
	}
	snap.QueueDrops, snap.GapMarkers, snap.QueueClosed = c[queueDrops], c[gapMarkers], c[queueClosed]
	snap.StaleMarks, snap.WALErrors, snap.StoreErrors = c[staleMarks], c[walErrors], c[storeErrors]
	snap.Halts, snap.SinkWrites, snap.SinkRetries = c[halts], c[sinkWrites], c[sinkRetries]

	snap.OrderFlowLatency = m.orderFlow.Snapshot()
	snap.RiskEvalLatency = m.riskEval.Snapshot()
	return snap
}

// LatencyBuckets is the number of histogram buckets. Bucket i counts samples up to
// 2^i microseconds; the last one also takes everything slower.
const LatencyBuckets = 24

// Latency is a lock-free histogram of durations with power of two microsecond buckets.
// The zero value is ready to use.
type Latency struct {
	buckets [LatencyBuckets]atomic.Uint64
	count   atomic.Uint64
	sum     atomic.Uint64
	min     atomic.Uint64
	max     atomic.Uint64
}

// LatencySnapshot is a copy of a Latency. Buckets are not cumulative.
type LatencySnapshot struct {
	Count   uint64
	Sum     time.Duration
	Min     time.Duration
	Max     time.Duration
	Avg     time.Duration
	Buckets [LatencyBuckets]uint64
}

// BucketBound returns the inclusive upper bound of bucket i.
func BucketBound(i int) time.Duration {
	return time.Microsecond << i
}

func bucketOf(d time.Duration) int {
	us := (uint64(d) + uint64(time.Microsecond) - 1) / uint64(time.Microsecond)
	if us <= 1 {
		return 0
	}
	return min(bits.Len64(us-1), LatencyBuckets-1)
}

// Observe records one sample. Negative durations are ignored.
func (l *Latency) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	ns := uint64(d)
	l.buckets[bucketOf(d)].Add(1)
	l.sum.Add(ns)
	// min is stored plus one so zero means unset
	for cur := l.min.Load(); cur == 0 || ns+1 < cur; cur = l.min.Load() {
		if l.min.CompareAndSwap(cur, ns+1) {
			break
		}
	}
	for cur := l.max.Load(); ns > cur; cur = l.max.Load() {
		if l.max.CompareAndSwap(cur, ns) {
			break
		}
	}
	l.count.Add(1)
}

func (l *Latency) Snapshot() LatencySnapshot {
	var s LatencySnapshot
	if s.Count = l.count.Load(); s.Count == 0 {
		return LatencySnapshot{}
	}
	for i := range l.buckets {
		s.Buckets[i] = l.buckets[i].Load()
	}
	s.Sum = time.Duration(l.sum.Load())
	s.Min = time.Duration(l.min.Load() - 1)
	s.Max = time.Duration(l.max.Load())
	s.Avg = s.Sum / time.Duration(s.Count)
	return s
}

// Quantile returns the upper bound of the bucket holding the q-th sample, capped at Max.
func (s LatencySnapshot) Quantile(q float64) time.Duration {
	if s.Count == 0 {
		return 0
	}
	rank := uint64(q * float64(s.Count))
	if rank == 0 {
		rank = 1
	}
	var seen uint64
	for i, n := range s.Buckets {
		if seen += n; seen >= rank {
			return min(BucketBound(i), s.Max)
		}
	}
	return s.Max
}
