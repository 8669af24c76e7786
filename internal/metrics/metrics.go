// Package metrics holds the Prometheus collectors of the payment core. A nil
// *Collectors is valid and records nothing.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentspend"

type Collectors struct {
	gatherer prometheus.Gatherer

	operations      *prometheus.CounterVec
	operationTime   *prometheus.HistogramVec
	errors          *prometheus.CounterVec
	budgetSpent     prometheus.Gauge
	budgetAvailable prometheus.Gauge
	feeReserve      prometheus.Gauge
	feeHealthy      prometheus.Gauge
	rateLimited     prometheus.Counter
	auditFailures   *prometheus.CounterVec
}

// New registers the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg, reg)
}

func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Collectors {
	c := &Collectors{
		gatherer: gatherer,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Verify, settle and spend attempts by outcome.",
		}, []string{"operation", "result"}),
		operationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of verify, settle and spend operations.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by category.",
		}, []string{"category"}),
		budgetSpent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_spent_units",
			Help:      "Cumulative locally recorded spend.",
		}),
		budgetAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_available_units",
			Help:      "Spendable amount from the last budget check.",
		}),
		feeReserve: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fee_reserve_lamports",
			Help:      "Last observed fee payer balance.",
		}),
		feeHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fee_reserve_healthy",
			Help:      "1 when the fee payer balance is at or above the alert threshold.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-payer rate limiter.",
		}),
		auditFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_sink_failures_total",
			Help:      "Audit entries a sink failed to persist.",
		}, []string{"sink"}),
	}
	reg.MustRegister(
		c.operations,
		c.operationTime,
		c.errors,
		c.budgetSpent,
		c.budgetAvailable,
		c.feeReserve,
		c.feeHealthy,
		c.rateLimited,
		c.auditFailures,
	)
	return c
}

// RecordOp counts one attempt of operation and observes its latency.
func (c *Collectors) RecordOp(operation string, started time.Time, ok bool) {
	if c == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	operation = strings.TrimSpace(operation)
	c.operations.WithLabelValues(operation, result).Inc()
	c.operationTime.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (c *Collectors) RecordError(category string) {
	if c == nil {
		return
	}
	c.errors.WithLabelValues(strings.TrimSpace(category)).Inc()
}

func (c *Collectors) ObserveBudget(spent, available uint64) {
	if c == nil {
		return
	}
	c.budgetSpent.Set(float64(spent))
	c.budgetAvailable.Set(float64(available))
}

func (c *Collectors) ObserveFeeReserve(lamports uint64, healthy bool) {
	if c == nil {
		return
	}
	c.feeReserve.Set(float64(lamports))
	if healthy {
		c.feeHealthy.Set(1)
	} else {
		c.feeHealthy.Set(0)
	}
}

func (c *Collectors) RecordRateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Inc()
}

func (c *Collectors) RecordAuditFailure(sink string) {
	if c == nil {
		return
	}
	c.auditFailures.WithLabelValues(sink).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
