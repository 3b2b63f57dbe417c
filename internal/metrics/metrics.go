package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthed", Name: "http_requests_total", Help: "Processed API requests",
	}, []string{"route", "code"})
	Reconciliations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthed", Name: "reconciliations_total", Help: "Progress reconciliations by result",
	}, []string{"result"})
	SyncPending = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "healthed", Name: "sync_pending_total", Help: "Responses that reported sync pending",
	})
	StoreOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthed", Name: "store_ops_total", Help: "Document store calls by outcome",
	}, []string{"op", "outcome"})
	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "healthed", Name: "store_op_seconds", Help: "Document store call latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	BadgeAwards = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthed", Name: "badge_awards_total", Help: "Badge award attempts by result",
	}, []string{"result"})
	JournalFlushed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthed", Name: "journal_flushed_total", Help: "Journal entries replayed by result",
	}, []string{"result"})
	StorePing = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "healthed", Name: "store_ping_seconds", Help: "Document store ping latency",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(HTTPRequests, Reconciliations, SyncPending, StoreOps, StoreLatency,
		BadgeAwards, JournalFlushed, StorePing)
}

func Handler() http.Handler { return promhttp.Handler() }

func ObserveStorePing(d time.Duration) { StorePing.Observe(d.Seconds()) }

func ObserveStoreOp(op, outcome string, d time.Duration) {
	StoreOps.WithLabelValues(op, outcome).Inc()
	StoreLatency.WithLabelValues(op).Observe(d.Seconds())
}
