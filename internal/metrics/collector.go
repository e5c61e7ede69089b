package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineStats provides the metrics collector access to pipeline state.
type PipelineStats interface {
	Listening() bool
	ActiveBackend() string
	QueuePending() int64
	SSESubscriberCount() int
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	pool  *pgxpool.Pool
	stats PipelineStats

	listening      *prometheus.Desc
	backend        *prometheus.Desc
	queuePending   *prometheus.Desc
	sseSubscribers *prometheus.Desc
	dbTotalConns   *prometheus.Desc
	dbIdleConns    *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// pool may be nil when history is kept in memory.
func NewCollector(pool *pgxpool.Pool, stats PipelineStats) *Collector {
	return &Collector{
		pool:  pool,
		stats: stats,
		listening: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "listening"),
			"1 while the capture loop is scheduling segments.",
			nil, nil,
		),
		backend: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "backend_active"),
			"Active transcription backend (1 for the active kind).",
			[]string{"backend"}, nil,
		),
		queuePending: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "transcribe_queue_pending"),
			"Segments waiting for the local engine.",
			nil, nil,
		),
		sseSubscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sse_subscribers_active"),
			"Current number of SSE subscribers.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.listening
	ch <- c.backend
	ch <- c.queuePending
	ch <- c.sseSubscribers
	ch <- c.dbTotalConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.stats != nil {
		ch <- prometheus.MustNewConstMetric(c.listening, prometheus.GaugeValue, boolGauge(c.stats.Listening()))
		if b := c.stats.ActiveBackend(); b != "" {
			ch <- prometheus.MustNewConstMetric(c.backend, prometheus.GaugeValue, 1, b)
		}
		ch <- prometheus.MustNewConstMetric(c.queuePending, prometheus.GaugeValue, float64(c.stats.QueuePending()))
		ch <- prometheus.MustNewConstMetric(c.sseSubscribers, prometheus.GaugeValue, float64(c.stats.SSESubscriberCount()))
	}

	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, 0)
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
