package ycsbkv

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects operation and pool metrics. A nil *Metrics records nothing.
type Metrics struct {
	ops        *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	indexDrift *prometheus.CounterVec
	leaseWait  prometheus.Histogram

	poolsLock sync.Mutex
	pools     []*Pool
	poolConns *prometheus.Desc
}

// NewMetrics creates the metrics and registers them with reg (if non-nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ycsbkv",
			Name:      "operations_total",
			Help:      "Record store operations by type and outcome.",
		}, []string{"op", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ycsbkv",
			Name:      "operation_duration_seconds",
			Help:      "Record store operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"op"}),
		indexDrift: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ycsbkv",
			Name:      "index_drift_total",
			Help:      "Index updates that failed after a successful record write.",
		}, []string{"op"}),
		leaseWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ycsbkv",
			Name:      "pool_lease_wait_seconds",
			Help:      "Time spent waiting for a pooled connection.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 12),
		}),
		poolConns: prometheus.NewDesc("ycsbkv_pool_connections",
			"Pooled connections by state.", []string{"state"}, nil),
	}
	if reg != nil {
		reg.MustRegister(m.ops, m.durations, m.indexDrift, m.leaseWait, poolCollector{m})
	}
	return m
}

func (m *Metrics) observeOp(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(op, StatusOf(err).String()).Inc()
	m.durations.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) countIndexDrift(op string) {
	if m == nil {
		return
	}
	m.indexDrift.WithLabelValues(op).Inc()
}

func (m *Metrics) observeLeaseWait(d time.Duration) {
	if m == nil {
		return
	}
	m.leaseWait.Observe(d.Seconds())
}

func (m *Metrics) watchPool(p *Pool) {
	if m == nil {
		return
	}
	m.poolsLock.Lock()
	defer m.poolsLock.Unlock()
	m.pools = append(m.pools, p)
}

func (m *Metrics) unwatchPool(p *Pool) {
	if m == nil {
		return
	}
	m.poolsLock.Lock()
	defer m.poolsLock.Unlock()
	for i, q := range m.pools {
		if q == p {
			m.pools = append(m.pools[:i], m.pools[i+1:]...)
			return
		}
	}
}

// poolCollector exports the live pools' connection counts at scrape time.
type poolCollector struct {
	m *Metrics
}

func (c poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.m.poolConns
}

func (c poolCollector) Collect(ch chan<- prometheus.Metric) {
	c.m.poolsLock.Lock()
	defer c.m.poolsLock.Unlock()

	var idle, acquired int32
	for _, p := range c.m.pools {
		s := p.Stat()
		idle += s.Idle
		acquired += s.Acquired
	}
	ch <- prometheus.MustNewConstMetric(c.m.poolConns, prometheus.GaugeValue, float64(idle), "idle")
	ch <- prometheus.MustNewConstMetric(c.m.poolConns, prometheus.GaugeValue, float64(acquired), "acquired")
}
