package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/accelerator/internal/accelerator"
)

const namespace = "accelerator"

// Collector owns a Prometheus registry and records multiplexer and writer
// telemetry. It implements accelerator.Observer and writer.Observer.
type Collector struct {
	registry *prometheus.Registry

	state         prometheus.Gauge
	reconnects    *prometheus.CounterVec
	circuitOpens  prometheus.Counter
	messages      *prometheus.CounterVec
	ackWait       *prometheus.HistogramVec
	subscriptions prometheus.Gauge
	replayed      prometheus.Counter

	rowsInserted  prometheus.Counter
	rowsConflict  prometheus.Counter
	flushErrors   prometheus.Counter
	decodeErrors  prometheus.Counter
	flushDuration prometheus.Histogram
}

// NewCollector registers every metric on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "Connection state: 0 connected, 1 reconnecting, 2 circuit open, 3 closed.",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts by result.",
		}, []string{"result"}),
		circuitOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "circuit_open_total",
			Help:      "Times the reconnect circuit opened.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Inbound messages by type.",
		}, []string{"type"}),
		ackWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "ack_wait_seconds",
			Help:      "Time from request to acknowledgment.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		}, []string{"kind", "result"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "active",
			Help:      "Subscriptions currently bound to the relay.",
		}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "replayed_total",
			Help:      "Subscriptions re-sent after a reconnect.",
		}),

		rowsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "rows_inserted_total",
			Help:      "Transaction rows inserted.",
		}),
		rowsConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "rows_conflict_total",
			Help:      "Rows skipped because they were already stored.",
		}),
		flushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "flush_errors_total",
			Help:      "Failed batch inserts.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "decode_errors_total",
			Help:      "Transactions that could not be decoded.",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "flush_duration_seconds",
			Help:      "Duration of batch inserts.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}),
	}

	c.registry.MustRegister(
		c.state,
		c.reconnects,
		c.circuitOpens,
		c.messages,
		c.ackWait,
		c.subscriptions,
		c.replayed,
		c.rowsInserted,
		c.rowsConflict,
		c.flushErrors,
		c.decodeErrors,
		c.flushDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// WatchQueue exports fn as a gauge named accelerator_queue_<name>_depth.
func (c *Collector) WatchQueue(name string, fn func() float64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      name + "_depth",
		Help:      "Items waiting in the " + name + " queue.",
	}, fn))
}

// Handler returns an HTTP handler exposing the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes the registry on port at path until ctx ends. A non-nil
// health handler is mounted at /health.
func (c *Collector) Serve(ctx context.Context, port int, path string, health http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle(path, c.Handler())
	if health != nil {
		mux.Handle("/health", health)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}

// accelerator.Observer

func (c *Collector) StateChanged(s accelerator.State) {
	c.state.Set(float64(s))
}

func (c *Collector) ReconnectAttempted(err error) {
	c.reconnects.WithLabelValues(result(err)).Inc()
}

func (c *Collector) CircuitOpened() {
	c.circuitOpens.Inc()
}

func (c *Collector) MessageReceived(msgType string) {
	if msgType == "" {
		msgType = "untyped"
	}
	c.messages.WithLabelValues(msgType).Inc()
}

func (c *Collector) AckObserved(kind string, wait time.Duration, err error) {
	c.ackWait.WithLabelValues(kind, ackResult(err)).Observe(wait.Seconds())
}

func (c *Collector) SubscriptionsActive(n int) {
	c.subscriptions.Set(float64(n))
}

func (c *Collector) SubscriptionsReplayed(n int) {
	c.replayed.Add(float64(n))
}

// writer.Observer

func (c *Collector) Flushed(inserted, conflicts int, d time.Duration) {
	c.rowsInserted.Add(float64(inserted))
	c.rowsConflict.Add(float64(conflicts))
	c.flushDuration.Observe(d.Seconds())
}

func (c *Collector) FlushFailed(int) {
	c.flushErrors.Inc()
}

func (c *Collector) DecodeFailed() {
	c.decodeErrors.Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func ackResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, accelerator.ErrSubscribeTimeout), errors.Is(err, accelerator.ErrUnsubscribeTimeout):
		return "timeout"
	case errors.Is(err, accelerator.ErrClosed):
		return "closed"
	}
	return "error"
}
