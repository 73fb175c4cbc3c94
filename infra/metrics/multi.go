package metrics

import coremetrics "github.com/fieldops/dispatchd/core/metrics"

// MultiSink fans records out to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordReschedule forwards the events to all sinks, returning the first
// error encountered.
func (m *MultiSink) RecordReschedule(events []coremetrics.RescheduleEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordReschedule(events); err != nil {
			return err
		}
	}
	return nil
}

// RecordNotification forwards fanout events when supported by the sink.
func (m *MultiSink) RecordNotification(ev coremetrics.NotificationEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.NotificationRecorder); ok {
			if err := rec.RecordNotification(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordSubscription forwards feed recovery events when supported by the sink.
func (m *MultiSink) RecordSubscription(ev coremetrics.SubscriptionEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.SubscriptionRecorder); ok {
			if err := rec.RecordSubscription(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordAggregateSize forwards the aggregator size when supported by the sink.
func (m *MultiSink) RecordAggregateSize(events int) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.AggregateSizeRecorder); ok {
			if err := rec.RecordAggregateSize(events); err != nil {
				return err
			}
		}
	}
	return nil
}
