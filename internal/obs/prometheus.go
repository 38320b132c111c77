package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "exchange"

var (
	eventsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "events_total"),
		"Sequenced events by type.", []string{"type"}, nil)
	rejectsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "gateway", "rejects_total"),
		"Rejected requests by reason.", []string{"reason"}, nil)
	dropsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "bus", "dropped_events_total"),
		"Events evicted from subscriber queues.", nil, nil)
	gapsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "bus", "gap_markers_total"),
		"Gap markers injected into subscriber queues.", nil, nil)
	staleDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "bus", "stale_subscribers_total"),
		"Subscribers marked stale.", nil, nil)
	closedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "bus", "closed_publish_total"),
		"Publish attempts on closed queues.", nil, nil)
	walErrDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "journal", "wal_errors_total"),
		"Failed WAL appends.", nil, nil)
	storeErrDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "journal", "store_errors_total"),
		"Failed history store appends.", nil, nil)
	haltsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "matching", "halts_total"),
		"Instruments halted on an invariant breach.", nil, nil)
	lastSeqDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "journal", "last_sequence"),
		"Last sequence number handed to the journal.", nil, nil)
	sinkWritesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "sink", "writes_total"),
		"Events written to external sinks.", nil, nil)
	sinkRetriesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "sink", "retries_total"),
		"Sink writes retried after an error.", nil, nil)
	orderFlowDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "gateway", "order_flow_seconds"),
		"Gateway request to acknowledgement latency.", nil, nil)
	riskEvalDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "risk", "eval_seconds"),
		"Pre-trade risk evaluation latency.", nil, nil)
)

// Collector exports Metrics to prometheus on scrape.
type Collector struct {
	metrics *Metrics
}

// NewCollector wraps m as a prometheus.Collector.
func NewCollector(m *Metrics) *Collector {
	return &Collector{metrics: m}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		eventsDesc, rejectsDesc, dropsDesc, gapsDesc, staleDesc, closedDesc,
		walErrDesc, storeErrDesc, haltsDesc, lastSeqDesc, sinkWritesDesc, sinkRetriesDesc,
		orderFlowDesc, riskEvalDesc,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.metrics.Snapshot()
	for typ, v := range snap.EventCounts {
		ch <- prometheus.MustNewConstMetric(eventsDesc, prometheus.CounterValue, float64(v), typ.String())
	}
	for reason, v := range snap.RejectCounts {
		ch <- prometheus.MustNewConstMetric(rejectsDesc, prometheus.CounterValue, float64(v), reason.String())
	}
	ch <- prometheus.MustNewConstMetric(dropsDesc, prometheus.CounterValue, float64(snap.QueueDrops))
	ch <- prometheus.MustNewConstMetric(gapsDesc, prometheus.CounterValue, float64(snap.GapMarkers))
	ch <- prometheus.MustNewConstMetric(staleDesc, prometheus.CounterValue, float64(snap.StaleMarks))
	ch <- prometheus.MustNewConstMetric(closedDesc, prometheus.CounterValue, float64(snap.QueueClosed))
	ch <- prometheus.MustNewConstMetric(walErrDesc, prometheus.CounterValue, float64(snap.WALErrors))
	ch <- prometheus.MustNewConstMetric(storeErrDesc, prometheus.CounterValue, float64(snap.StoreErrors))
	ch <- prometheus.MustNewConstMetric(haltsDesc, prometheus.CounterValue, float64(snap.Halts))
	ch <- prometheus.MustNewConstMetric(lastSeqDesc, prometheus.GaugeValue, float64(snap.LastSeq))
	ch <- prometheus.MustNewConstMetric(sinkWritesDesc, prometheus.CounterValue, float64(snap.SinkWrites))
	ch <- prometheus.MustNewConstMetric(sinkRetriesDesc, prometheus.CounterValue, float64(snap.SinkRetries))
	ch <- latencyHistogram(orderFlowDesc, snap.OrderFlowLatency)
	ch <- latencyHistogram(riskEvalDesc, snap.RiskEvalLatency)
}

// latencyHistogram exports every bucket but the overflow one, which prometheus derives as +Inf.
func latencyHistogram(desc *prometheus.Desc, l LatencySnapshot) prometheus.Metric {
	buckets := make(map[float64]uint64, LatencyBuckets-1)
	var cumulative uint64
	for i := 0; i < LatencyBuckets-1; i++ {
		cumulative += l.Buckets[i]
		buckets[BucketBound(i).Seconds()] = cumulative
	}
	return prometheus.MustNewConstHistogram(desc, l.Count, l.Sum.Seconds(), buckets)
}

// Handler registers the collector on a fresh registry and returns the scrape handler.
func Handler(m *Metrics) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(m)); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
