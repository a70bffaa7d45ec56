// Package metrics exports engine, ack and monitor observations as Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goliatone/go-lifecycle/ack"
	"github.com/goliatone/go-lifecycle/events"
)

const namespace = "lifecycle"

// Prometheus implements the engine, ack and monitor metrics hooks.
type Prometheus struct {
	registry *prometheus.Registry

	triggers        *prometheus.CounterVec
	triggerDuration prometheus.Histogram
	published       *prometheus.CounterVec
	fanout          *prometheus.CounterVec
	ackOutcomes     *prometheus.CounterVec
	ackRejected     *prometheus.CounterVec
	retries         *prometheus.CounterVec
	ticks           *prometheus.CounterVec
	tickDuration    prometheus.Histogram
	lastTick        prometheus.Gauge
	redispatched    *prometheus.CounterVec
}

// NewPrometheus registers the collectors on a fresh registry.
func NewPrometheus() *Prometheus {
	return NewPrometheusWith(prometheus.NewRegistry())
}

// NewPrometheusWith registers the collectors on reg.
func NewPrometheusWith(reg *prometheus.Registry) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		registry: reg,
		triggers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Triggers by outcome",
		}, []string{"applied", "reason"}),
		triggerDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trigger_duration_seconds",
			Help:      "Trigger duration in seconds, publish excluded",
			Buckets:   prometheus.DefBuckets,
		}),
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published after commit",
		}, []string{"kind", "status"}),
		fanout: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_consumers_total",
			Help:      "Consumer delivery rows requested at fan-out",
		}, []string{"kind"}),
		ackOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_outcomes_total",
			Help:      "Consumer ack outcomes",
		}, []string{"outcome", "changed"}),
		ackRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_rejected_total",
			Help:      "Ack outcomes rejected by the delivery state",
		}, []string{"outcome"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_retries_total",
			Help:      "Deliveries returned to pending",
		}, []string{"source"}),
		ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_ticks_total",
			Help:      "Dispatch monitor ticks",
		}, []string{"status"}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "monitor_tick_duration_seconds",
			Help:      "Dispatch monitor tick duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		lastTick: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitor_last_tick_redispatched",
			Help:      "Notifications redelivered by the latest tick",
		}),
		redispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_redispatched_total",
			Help:      "Notifications redelivered by the dispatch monitor",
		}, []string{"kind"}),
	}
}

// Registry returns the registry holding the collectors.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) RecordTrigger(applied bool, reason string, elapsed time.Duration) {
	p.triggers.WithLabelValues(strconv.FormatBool(applied), reason).Inc()
	p.triggerDuration.Observe(elapsed.Seconds())
}

func (p *Prometheus) RecordPublish(kind events.Kind, err error) {
	p.published.WithLabelValues(string(kind), status(err)).Inc()
}

func (p *Prometheus) RecordFanout(kind events.Kind, consumers int) {
	p.fanout.WithLabelValues(string(kind)).Add(float64(consumers))
}

func (p *Prometheus) RecordAckOutcome(outcome ack.Outcome, changed bool) {
	p.ackOutcomes.WithLabelValues(string(outcome), strconv.FormatBool(changed)).Inc()
}

func (p *Prometheus) RecordAckRejected(outcome ack.Outcome) {
	p.ackRejected.WithLabelValues(string(outcome)).Inc()
}

func (p *Prometheus) RecordRetry(source string) {
	p.retries.WithLabelValues(source).Inc()
}

func (p *Prometheus) RecordTick(redispatched int, err error, elapsed time.Duration) {
	p.ticks.WithLabelValues(status(err)).Inc()
	p.tickDuration.Observe(elapsed.Seconds())
	p.lastTick.Set(float64(redispatched))
}

func (p *Prometheus) RecordRedispatch(kind events.Kind) {
	p.redispatched.WithLabelValues(string(kind)).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
