package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "uqueue"

// Metrics holds the collectors updated by a connection. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	received      prometheus.Counter
	overflows     prometheus.Counter
	parseErrors   prometheus.Counter
	verdicts      *prometheus.CounterVec
	verdictErrors prometheus.Counter
	poolSize      prometheus.Gauge
	poolFree      prometheus.Gauge
	queued        prometheus.Gauge
}

func New(queue string) *Metrics {
	labels := prometheus.Labels{"queue": queue}
	return &Metrics{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "packets_received_total",
			Help:        "Packets received from the kernel.",
			ConstLabels: labels,
		}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "queue_overflows_total",
			Help:        "Kernel queue overflow signals.",
			ConstLabels: labels,
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "parse_errors_total",
			Help:        "Received frames that failed to parse.",
			ConstLabels: labels,
		}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "verdicts_total",
			Help:        "Verdicts issued, by action.",
			ConstLabels: labels,
		}, []string{"verdict"}),
		verdictErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "verdict_errors_total",
			Help:        "Verdicts the driver failed to deliver.",
			ConstLabels: labels,
		}),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pool_frames",
			Help:        "Frames allocated in the buffer pool.",
			ConstLabels: labels,
		}),
		poolFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pool_free_frames",
			Help:        "Frames currently on the free list.",
			ConstLabels: labels,
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "queued_items",
			Help:        "Items waiting in the received queue.",
			ConstLabels: labels,
		}),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.received, m.overflows, m.parseErrors, m.verdicts,
		m.verdictErrors, m.poolSize, m.poolFree, m.queued,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) Received(n int) {
	if m == nil {
		return
	}
	m.received.Add(float64(n))
}

func (m *Metrics) Overflow() {
	if m == nil {
		return
	}
	m.overflows.Inc()
}

func (m *Metrics) ParseError() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}

func (m *Metrics) Verdict(verdict string, err error) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(verdict).Inc()
	if err != nil {
		m.verdictErrors.Inc()
	}
}

func (m *Metrics) Pool(size, free int) {
	if m == nil {
		return
	}
	m.poolSize.Set(float64(size))
	m.poolFree.Set(float64(free))
}

func (m *Metrics) Queued(n int) {
	if m == nil {
		return
	}
	m.queued.Set(float64(n))
}

// Serve exposes gatherer on addr/metrics from a background goroutine.
func Serve(addr string, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logrus.Infof("Serving metrics on %v", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Errorf("Metrics server on %v failed", addr)
		}
	}()
	return srv
}
