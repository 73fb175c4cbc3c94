package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/fieldops/dispatchd/core/metrics"
)

// PromSink records scheduling events in Prometheus metrics.
type PromSink struct {
	reschedules   *prometheus.CounterVec
	conflicts     prometheus.Counter
	latency       *prometheus.HistogramVec
	notifications *prometheus.CounterVec
	resubscribes  *prometheus.CounterVec
	aggregateSize prometheus.Gauge
}

// NewPromSink registers scheduling metrics on the default Prometheus
// registerer. The Prometheus server is started separately on cfg.PrometheusPort.
func NewPromSink(cfg coremetrics.Config) (coremetrics.Sink, error) {
	return NewPromSinkWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(cfg coremetrics.Config, reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reschedules := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reschedule_transactions_total",
		Help: "Total number of drag/resize transactions by outcome",
	}, []string{"source", "outcome"})
	conflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "assignment_conflicts_total",
		Help: "Total number of conflicting (worker, job) pairs reported",
	})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reschedule_latency_seconds",
		Help:    "Time between drag start and transaction completion",
		Buckets: prometheus.DefBuckets,
	}, []string{"source", "outcome"})
	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_written_total",
		Help: "Notification fanout writes",
	}, []string{"kind", "broadcast", "failed"})
	resubscribes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_resubscribe_attempts_total",
		Help: "Live feed resubscription attempts",
	}, []string{"collection", "recovered"})
	aggregateSize := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "schedule_events",
		Help: "Number of events currently held by the aggregator",
	})

	if err := reg.Register(reschedules); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			reschedules = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(conflicts); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			conflicts = are.ExistingCollector.(prometheus.Counter)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(latency); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			latency = are.ExistingCollector.(*prometheus.HistogramVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(notifications); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			notifications = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(resubscribes); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			resubscribes = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(aggregateSize); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			aggregateSize = are.ExistingCollector.(prometheus.Gauge)
		} else {
			return nil, err
		}
	}

	return &PromSink{
		reschedules:   reschedules,
		conflicts:     conflicts,
		latency:       latency,
		notifications: notifications,
		resubscribes:  resubscribes,
		aggregateSize: aggregateSize,
	}, nil
}

// RecordReschedule increments the counters for each transaction outcome.
func (s *PromSink) RecordReschedule(events []coremetrics.RescheduleEvent) error {
	for _, ev := range events {
		outcome := string(ev.Outcome)
		s.reschedules.WithLabelValues(ev.Source, outcome).Inc()
		s.latency.WithLabelValues(ev.Source, outcome).Observe(ev.Latency.Seconds())
		if ev.Conflicts > 0 {
			s.conflicts.Add(float64(ev.Conflicts))
		}
	}
	return nil
}

// RecordNotification counts a fanout write attempt.
func (s *PromSink) RecordNotification(ev coremetrics.NotificationEvent) error {
	s.notifications.WithLabelValues(ev.Kind, strconv.FormatBool(ev.Broadcast), strconv.FormatBool(ev.Failed)).Inc()
	return nil
}

// RecordSubscription counts a feed recovery attempt.
func (s *PromSink) RecordSubscription(ev coremetrics.SubscriptionEvent) error {
	s.resubscribes.WithLabelValues(ev.Collection, strconv.FormatBool(ev.Recovered)).Inc()
	return nil
}

// RecordAggregateSize tracks the aggregator's event count.
func (s *PromSink) RecordAggregateSize(events int) error {
	s.aggregateSize.Set(float64(events))
	return nil
}
