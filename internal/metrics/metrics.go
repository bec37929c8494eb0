package metrics

import (
	"sync"
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
	APIEnqueue = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_enqueue_total", Help: "Notification enqueue results."},
		[]string{"result"}, // ok | idempotent | invalid | error
	)
	WebhookTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_inbound_total", Help: "Inbound provider webhooks."},
		[]string{"result"}, // session | ignored | rejected | error
	)

	// Gate
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "gate_dispatch_total", Help: "Dispatch outcomes."},
		[]string{"outcome", "error_code"},
	)
	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gate_dispatch_duration_seconds",
			Help:    "End to end dispatch latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms..~16s
		},
	)
	SessionChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "gate_session_checks_total", Help: "Session checks performed by the gate."},
		[]string{"result"}, // active | none | error | bypassed
	)
	SessionWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "session_writes_total", Help: "Session store writes."},
		[]string{"op", "result"},
	)
	TenantCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tenant_cache_total", Help: "Tenant config cache lookups."},
		[]string{"result"}, // hit | miss | error
	)

	// Provider
	ProviderSendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "provider_send_total", Help: "Provider send outcomes."},
		[]string{"outcome"}, // sent | rejected | http_error | network | malformed
	)
	ProviderSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provider_send_duration_seconds",
			Help:    "Provider send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)
	ProviderRetryTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "provider_retry_total", Help: "Network-level provider retries."})

	// Worker
	ClaimTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "worker_claim_total", Help: "Claim attempts."},
		[]string{"result"}, // ok | empty | error
	)
	ClaimBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_claim_batch_size",
			Help:    "Number of IDs returned per claim.",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0,10,...,100
		},
	)
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "worker_inflight", Help: "In-flight jobs in this process."},
	)
	RetryTotal      = prometheus.NewCounter(prometheus.CounterOpts{Name: "worker_retry_total", Help: "Job retries scheduled."})
	PermFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "worker_failed_total", Help: "Jobs failed permanently."})
)

var registerOnce sync.Once

// MustRegister registers the gate collectors with the default registry once
// per process. The default registry already carries the Go and process collectors.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequests, HTTPDuration, APIEnqueue, WebhookTotal,
			DispatchTotal, DispatchDuration, SessionChecks, SessionWrites, TenantCache,
			ProviderSendTotal, ProviderSendDuration, ProviderRetryTotal,
			ClaimTotal, ClaimBatchSize, InFlight, RetryTotal, PermFailedTotal,
		)
	})
}

// PGXPoolStats exports pgxpool stats as gauges.
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Gauge
	acquireLatency prometheus.Gauge
}

func NewPGXPoolStats(pool *pgxpool.Pool, reg prometheus.Registerer) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquires", Help: "Cumulative pool acquires.",
		}),
		acquireLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquire_seconds", Help: "Cumulative acquire latency.",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)
	return m
}

// Start samples the pool every interval until stop is closed.
func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			// pgxpool reports cumulative values, so these are gauges not counters
			m.acquireCount.Set(float64(s.AcquireCount()))
			m.acquireLatency.Set(s.AcquireDuration().Seconds())
		}
	}
}
