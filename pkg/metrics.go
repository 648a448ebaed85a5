package mate

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the server's prometheus collectors. A nil *Metrics records
// nothing, so call sites never check whether metrics are enabled.
type Metrics struct {
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec
	pendingWriter prometheus.Gauge
}

// NewMetrics registers the collectors on reg. Collectors that are already
// registered (a second server on the same registry) are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mate",
			Name:      "requests_total",
			Help:      "Requests served, by method and status code.",
		}, []string{"method", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mate",
			Name:      "request_duration_seconds",
			Help:      "Time from request arrival to response hand-off.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mate",
			Name:      "file_cache_lookups_total",
			Help:      "Internal file cache lookups, by result.",
		}, []string{"result"}),
		pendingWriter: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mate",
			Name:      "content_cache_writes_pending",
			Help:      "External content cache writes still running.",
		}),
	}

	var err error
	if m.requests, err = register(reg, m.requests); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.cacheLookups, err = register(reg, m.cacheLookups); err != nil {
		return nil, err
	}
	if m.pendingWriter, err = register(reg, m.pendingWriter); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) observeRequest(method Method, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method.String(), strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method.String()).Observe(elapsed.Seconds())
}

func (m *Metrics) fileCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) pendingWrites(delta float64) {
	if m == nil {
		return
	}
	m.pendingWriter.Add(delta)
}
