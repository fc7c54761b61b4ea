package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)

	// Dispatcher
	ClaimTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_claim_total", Help: "Claim attempts."},
		[]string{"result"}, // ok | empty | error
	)
	ClaimBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_claim_batch_size",
			Help:    "Messages claimed per tick.",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0,10,...,100
		},
	)
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "dispatch_inflight", Help: "In-flight messages in this process."},
	)
	SendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_send_total", Help: "Per-item send outcomes."},
		[]string{"kind", "outcome"}, // kind: text|contact_card|attachment|poll|promo
	)
	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_send_duration_seconds",
			Help:    "Transport send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)
	DeferTotal  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_defer_total", Help: "No-session deferrals."})
	ExpireTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_expire_total", Help: "Messages expired after the deferral ceiling."})
	StarPending = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_star_pending", Help: "Deferred star actions not yet fired."})

	// Flusher
	FlushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "flush_group_total", Help: "Per-sink flush group outcomes."},
		[]string{"result"}, // ok | error
	)
	FlushBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flush_batch_size",
			Help:    "Records per flush group.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flush_append_duration_seconds",
			Help:    "Sink append latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
	BufferedRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "flush_buffered_records", Help: "Records awaiting flush at last scan."},
	)
)

// Register default + our collectors
func MustRegister() {
	prometheus.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		HTTPRequests, HTTPDuration,
		ClaimTotal, ClaimBatchSize, InFlight,
		SendTotal, SendDuration, DeferTotal, ExpireTotal, StarPending,
		FlushTotal, FlushBatchSize, FlushDuration, BufferedRecords,
	)
}

// Export a tiny pgxpool stats exporter
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Counter
	acquireLatency prometheus.Counter
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquires_total", Help: "Total pool acquires.",
		}),
		acquireLatency: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquire_seconds_total", Help: "Sum of acquire latencies.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)

	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	for {
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			m.acquireCount.Add(float64(s.AcquireCount()))
			m.acquireLatency.Add(s.AcquireDuration().Seconds())
		}
	}
}
