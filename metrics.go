package pgwatch

import "time"

// Metrics captures engine-level telemetry.
type Metrics interface {
	// ObserveDelivery records the time spent in a single consumer callback.
	ObserveDelivery(duration time.Duration)
	// AddDelivered increments the count of live deliveries.
	AddDelivered(count int)
	// AddReplayed increments the count of replayed deliveries.
	AddReplayed(count int)
	// AddFailures increments the count of consumer failures.
	AddFailures(count int)
	// AddDuplicates increments the count of notifications skipped as already delivered.
	AddDuplicates(count int)
	// AddReconnects increments the count of listener reconnects.
	AddReconnects(count int)
	// SetQueueDepth updates the number of hints waiting for a dispatcher worker.
	SetQueueDepth(depth int)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// ObserveDelivery implements Metrics.
func (NopMetrics) ObserveDelivery(time.Duration) {}

// AddDelivered implements Metrics.
func (NopMetrics) AddDelivered(int) {}

// AddReplayed implements Metrics.
func (NopMetrics) AddReplayed(int) {}

// AddFailures implements Metrics.
func (NopMetrics) AddFailures(int) {}

// AddDuplicates implements Metrics.
func (NopMetrics) AddDuplicates(int) {}

// AddReconnects implements Metrics.
func (NopMetrics) AddReconnects(int) {}

// SetQueueDepth implements Metrics.
func (NopMetrics) SetQueueDepth(int) {}
