package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquiredCounter tracks tokens obtained from a session queue.
	AcquiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "singlefile_acquired_total",
		Help: "Total number of critical sections entered",
	})
	// TimeoutCounter tracks waits that ended without a token.
	TimeoutCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "singlefile_queue_timeouts_total",
		Help: "Total number of queue waits that timed out",
	})
	// PrimeCounter tracks queue resets done by the first client of a session.
	PrimeCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "singlefile_primes_total",
		Help: "Total number of session queue primes",
	})
	// HandoffCounter tracks tokens pushed on release.
	HandoffCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "singlefile_handoffs_total",
		Help: "Total number of tokens pushed on release",
	})
	// RetryCounter tracks store commands retried after a connection failure.
	RetryCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "singlefile_retries_total",
		Help: "Total number of store command retries",
	})
	// RedirectCounter tracks client swaps triggered by MOVED replies.
	RedirectCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "singlefile_redirects_total",
		Help: "Total number of cluster redirects handled",
	})
	// HoldersGauge reports the number of critical sections running in this process.
	HoldersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "singlefile_holders",
		Help: "Current number of critical sections running",
	})
	// WaitHistogram observes how long callers waited for a token.
	WaitHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "singlefile_wait_seconds",
		Help:    "Time spent waiting for a session token",
		Buckets: prometheus.DefBuckets,
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the semaphore metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquiredCounter,
		TimeoutCounter,
		PrimeCounter,
		HandoffCounter,
		RetryCounter,
		RedirectCounter,
		HoldersGauge,
		WaitHistogram,
	)
}
