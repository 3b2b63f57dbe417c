package jobs

import "github.com/prometheus/client_golang/prometheus"

// Фоновые задачи сервера.
const (
	JobJournalFlush = "journal_flush" // повтор отложенных фрагментов прогресса
	JobSessionSweep = "session_sweep" // чистка истёкших сессий в памяти
)

// Исход запуска задачи.
const (
	outcomeOK    = "ok"
	outcomeError = "error"
	outcomePanic = "panic"
)

var (
	jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthed", Subsystem: "job", Name: "runs_total",
		Help: "Background job runs by outcome (ok, error, panic)",
	}, []string{"job", "outcome"})
	jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "healthed", Subsystem: "job", Name: "duration_seconds",
		Help:    "Background job run time; journal_flush grows with the pending backlog",
		Buckets: []float64{.005, .025, .1, .5, 1, 5, 15, 60},
	}, []string{"job"})
	// пока journal_flush не отработал успешно, прогресс из журнала не доехал до хранилища
	jobLastSuccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "healthed", Subsystem: "job", Name: "last_success_timestamp_seconds",
		Help: "Unix time of the last run that finished without error",
	}, []string{"job"})
)

func init() {
	prometheus.MustRegister(jobRuns, jobDuration, jobLastSuccess)
	// известные задачи видны в /metrics с нулями ещё до первого запуска
	for _, job := range []string{JobJournalFlush, JobSessionSweep} {
		for _, o := range []string{outcomeOK, outcomeError, outcomePanic} {
			jobRuns.WithLabelValues(job, o)
		}
		jobDuration.WithLabelValues(job)
	}
}
