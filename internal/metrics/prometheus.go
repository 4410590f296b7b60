package metrics

import (
	"errors"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tkengine/tknet/internal/sockets"
)

const namespace = "tknet"

// PrometheusHooks implements ConnectionLifecycleHook and MessageHook on top of
// Prometheus collectors. Every series is labelled with the source the hooks
// were created for, so a client and a server can share one registry.
type PrometheusHooks struct {
	source string

	open       *prometheus.GaugeVec
	total      *prometheus.CounterVec
	errors     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	messages   *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	sendErrors *prometheus.CounterVec
}

func NewPrometheusHooks(reg prometheus.Registerer, source string) (*PrometheusHooks, error) {
	h := &PrometheusHooks{
		source: source,
		open: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Currently connected peers.",
		}, []string{"source"}),
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Connections that reached the connected state.",
		}, []string{"source"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Connections that failed before they were established.",
		}, []string{"source"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_latency_seconds",
			Help:      "Time spent connecting.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages sent and received.",
		}, []string{"source", "direction", "reliability"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_bytes_total",
			Help:      "Message payload bytes sent and received.",
		}, []string{"source", "direction"}),
		sendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Messages that could not be sent.",
		}, []string{"source"}),
	}

	var err error
	if h.open, err = register(reg, h.open); err != nil {
		return nil, err
	}
	if h.total, err = register(reg, h.total); err != nil {
		return nil, err
	}
	if h.errors, err = register(reg, h.errors); err != nil {
		return nil, err
	}
	if h.latency, err = register(reg, h.latency); err != nil {
		return nil, err
	}
	if h.messages, err = register(reg, h.messages); err != nil {
		return nil, err
	}
	if h.bytes, err = register(reg, h.bytes); err != nil {
		return nil, err
	}
	if h.sendErrors, err = register(reg, h.sendErrors); err != nil {
		return nil, err
	}
	return h, nil
}

// register adds c to reg, or returns the collector that is already
// registered under the same descriptor.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (h *PrometheusHooks) EmitConnectionOpen(conn sockets.Handle, addr net.Addr, latency time.Duration) {
	h.open.WithLabelValues(h.source).Inc()
	h.total.WithLabelValues(h.source).Inc()
	if latency > 0 {
		h.latency.WithLabelValues(h.source).Observe(latency.Seconds())
	}
}

func (h *PrometheusHooks) EmitConnectionClose(conn sockets.Handle, addr net.Addr, state sockets.State) {
	h.open.WithLabelValues(h.source).Dec()
}

func (h *PrometheusHooks) EmitConnectionError() {
	h.errors.WithLabelValues(h.source).Inc()
}

func (h *PrometheusHooks) EmitMessageReceived(conn sockets.Handle, addr net.Addr, size int, rel sockets.Reliability) {
	h.messages.WithLabelValues(h.source, "in", rel.String()).Inc()
	h.bytes.WithLabelValues(h.source, "in").Add(float64(size))
}

func (h *PrometheusHooks) EmitMessageSent(conn sockets.Handle, addr net.Addr, size int, rel sockets.Reliability) {
	h.messages.WithLabelValues(h.source, "out", rel.String()).Inc()
	h.bytes.WithLabelValues(h.source, "out").Add(float64(size))
}

func (h *PrometheusHooks) EmitSendError(conn sockets.Handle, addr net.Addr) {
	h.sendErrors.WithLabelValues(h.source).Inc()
}
