package distmq

import "github.com/prometheus/client_golang/prometheus"

// metrics is nil when no registerer is configured; all methods are
// nil-safe.
type metrics struct {
	posted    prometheus.Counter
	delivered prometheus.Counter
	flushes   prometheus.Counter
	buffered  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, queueID string) *metrics {
	if reg == nil {
		return nil
	}
	labels := prometheus.Labels{"queue": queueID}
	m := &metrics{
		posted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "distmq",
			Name:        "messages_posted_total",
			Help:        "Transport-level messages posted by this queue.",
			ConstLabels: labels,
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "distmq",
			Name:        "messages_delivered_total",
			Help:        "Transport-level messages delivered to handlers.",
			ConstLabels: labels,
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "distmq",
			Name:        "buffer_flushes_total",
			Help:        "Send buffer flushes performed by the buffered layer.",
			ConstLabels: labels,
		}),
		buffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "distmq",
			Name:        "buffered_elements",
			Help:        "Buffer elements currently held across all send buffers.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.posted, m.delivered, m.flushes, m.buffered)
	return m
}

func (m *metrics) incPosted() {
	if m != nil {
		m.posted.Inc()
	}
}

func (m *metrics) incDelivered() {
	if m != nil {
		m.delivered.Inc()
	}
}

func (m *metrics) incFlushes() {
	if m != nil {
		m.flushes.Inc()
	}
}

func (m *metrics) setBuffered(n int) {
	if m != nil {
		m.buffered.Set(float64(n))
	}
}
