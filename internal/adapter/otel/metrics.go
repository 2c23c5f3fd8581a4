package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "companion"

// Metrics holds all companion metric instruments.
type Metrics struct {
	AgentsSpawned      metric.Int64Counter
	AgentsExited       metric.Int64Counter
	FramesDropped      metric.Int64Counter
	HandlerFailures    metric.Int64Counter
	ContainersCreated  metric.Int64Counter
	ContainersFailed   metric.Int64Counter
	CleanupFailures    metric.Int64Counter
	ContainerCreateDur metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFrom(otel.Meter(meterName))
}

// NewMetricsFrom creates all metric instruments on the given meter.
func NewMetricsFrom(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.AgentsSpawned, err = meter.Int64Counter("companion.agents.spawned",
		metric.WithDescription("Number of agent processes started"))
	if err != nil {
		return nil, err
	}

	m.AgentsExited, err = meter.Int64Counter("companion.agents.exited",
		metric.WithDescription("Number of agent processes that exited or were killed"))
	if err != nil {
		return nil, err
	}

	m.FramesDropped, err = meter.Int64Counter("companion.frames.dropped",
		metric.WithDescription("Inbound agent frames dropped as undecodable"))
	if err != nil {
		return nil, err
	}

	m.HandlerFailures, err = meter.Int64Counter("companion.events.handler_failures",
		metric.WithDescription("Event handlers that returned an error or panicked"))
	if err != nil {
		return nil, err
	}

	m.ContainersCreated, err = meter.Int64Counter("companion.containers.created",
		metric.WithDescription("Sandbox containers created and started"))
	if err != nil {
		return nil, err
	}

	m.ContainersFailed, err = meter.Int64Counter("companion.containers.failed",
		metric.WithDescription("Sandbox container creations that failed"))
	if err != nil {
		return nil, err
	}

	m.CleanupFailures, err = meter.Int64Counter("companion.containers.cleanup_failures",
		metric.WithDescription("Container removals that failed or timed out during cleanup"))
	if err != nil {
		return nil, err
	}

	m.ContainerCreateDur, err = meter.Float64Histogram("companion.container.create_seconds",
		metric.WithDescription("Time to create, start, and map ports for a sandbox"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
