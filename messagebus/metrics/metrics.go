// Package metrics provides Prometheus instrumentation for the message bus.
// Labels are limited to message kind, message type and handler name; message
// payloads never become labels.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	"github.com/next-trace/scg-message-bus/messagebus"
)

// Collector holds the handler metrics of one bus.
type Collector struct {
	invocations *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// New registers the bus metrics with reg. Passing prometheus.DefaultRegisterer exposes
// them on the default /metrics handler.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)

	return &Collector{
		invocations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "messagebus_handler_invocations_total",
			Help: "Total number of handler invocations, by message kind, message type and handler.",
		}, []string{"kind", "message", "handler"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "messagebus_handler_failures_total",
			Help: "Total number of failed handler invocations, by message kind, message type and handler.",
		}, []string{"kind", "message", "handler"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "messagebus_handler_duration_seconds",
			Help:    "Handler execution time in seconds, by message kind and handler.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "handler"}),
	}
}

// Middleware records every invocation it wraps. Install it first so failures
// produced by later middleware are counted too.
func (c *Collector) Middleware() messagebus.Middleware {
	return func(next messagebus.HandlerFunc) messagebus.HandlerFunc {
		return func(ctx context.Context, m cbus.Message, uow cbus.UnitOfWork) (any, error) {
			kind := cbus.Classify(m).String()
			handler := messagebus.HandlerName(ctx)
			msg := cbus.TypeName(m)

			start := time.Now()
			res, err := next(ctx, m, uow)

			c.duration.WithLabelValues(kind, handler).Observe(time.Since(start).Seconds())
			c.invocations.WithLabelValues(kind, msg, handler).Inc()

			if err != nil {
				c.failures.WithLabelValues(kind, msg, handler).Inc()
			}

			return res, err
		}
	}
}
