// Package metrics exports body accounting as prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"example.com/bytebody/internal/body"
	"example.com/bytebody/internal/config"
	"example.com/bytebody/internal/logger"
)

// Collector implements body.Observer on top of prometheus metrics. One
// collector is shared by every body of a process.
type Collector struct {
	bytesReceived   prometheus.Counter
	retainedBytes   prometheus.Gauge
	bodiesFinished  *prometheus.CounterVec
	bodyLength      prometheus.Histogram
	limitViolations *prometheus.CounterVec
	claims          *prometheus.CounterVec
	claimsRejected  *prometheus.CounterVec

	log *logger.Logger
}

// NewCollector registers the body metrics with reg under namespace. A nil reg
// uses the default prometheus registerer.
func NewCollector(namespace string, reg prometheus.Registerer, log *logger.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	c := &Collector{
		log: log.With(logger.LogFields{"component": "metrics"}),
	}

	c.bytesReceived = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "body_bytes_received_total",
			Help:      "Total number of body bytes accepted from producers",
		},
	)

	c.retainedBytes = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "body_retained_bytes",
			Help:      "Bytes currently held in shared buffers for pending consumers",
		},
	)

	c.bodiesFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bodies_finished_total",
			Help:      "Total number of bodies that reached a terminal state",
		},
		[]string{"outcome"}, // complete, error
	)

	c.bodyLength = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "body_length_bytes",
			Help:      "Length of bodies at their terminal state",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
		},
	)

	c.limitViolations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "body_limit_violations_total",
			Help:      "Total number of length and size limit violations",
		},
		[]string{"code"},
	)

	c.claims = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "body_claims_total",
			Help:      "Total number of body handles claimed",
		},
		[]string{"op"},
	)

	c.claimsRejected = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "body_claims_rejected_total",
			Help:      "Total number of claims rejected because the handle was already claimed",
		},
		[]string{"op"},
	)

	c.log.Debug("Body metrics registered", logger.LogFields{"namespace": namespace})
	return c
}

// NewCollectorFromConfig registers the collector described by cfg. It returns
// nil when metrics are disabled; a nil *Collector is a valid body.Observer that
// records nothing.
func NewCollectorFromConfig(cfg *config.MetricsConfig, reg prometheus.Registerer, log *logger.Logger) *Collector {
	namespace := config.DefaultMetricsNamespace
	if cfg != nil {
		if cfg.Enabled != nil && !*cfg.Enabled {
			log.Info("Body metrics disabled by configuration")
			return nil
		}
		if cfg.Namespace != "" {
			namespace = cfg.Namespace
		}
	}
	return NewCollector(namespace, reg, log)
}

// BytesReceived implements body.Observer.
func (c *Collector) BytesReceived(n uint64) {
	if c == nil {
		return
	}
	c.bytesReceived.Add(float64(n))
}

// RetainedBytes implements body.Observer.
func (c *Collector) RetainedBytes(delta int64) {
	if c == nil {
		return
	}
	c.retainedBytes.Add(float64(delta))
}

// BodyFinished implements body.Observer.
func (c *Collector) BodyFinished(outcome body.Outcome, length uint64) {
	if c == nil {
		return
	}
	c.bodiesFinished.WithLabelValues(string(outcome)).Inc()
	c.bodyLength.Observe(float64(length))
}

// LimitExceeded implements body.Observer.
func (c *Collector) LimitExceeded(code body.ErrorCode) {
	if c == nil {
		return
	}
	c.limitViolations.WithLabelValues(code.String()).Inc()
}

// Claimed implements body.Observer.
func (c *Collector) Claimed(op string) {
	if c == nil {
		return
	}
	c.claims.WithLabelValues(op).Inc()
}

// ClaimRejected implements body.Observer.
func (c *Collector) ClaimRejected(op string) {
	if c == nil {
		return
	}
	c.claimsRejected.WithLabelValues(op).Inc()
	c.log.Debug("Body claimed twice", logger.LogFields{"op": op})
}
