// Package telemetry sets up the OTel meter provider and the instruments
// every component reports against: scheduler latency, send queue depth, and
// connection state for the command channel.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Config controls how the meter provider exports.
type Config struct {
	// OTLPEndpoint is the collector host:port for the OTLP/HTTP exporter. If
	// empty, metrics are exported to stdout instead (used for local runs and
	// tests where no collector is reachable).
	OTLPEndpoint string
	// Insecure disables TLS on the OTLP exporter.
	Insecure bool
}

// Provider owns the meter provider and the bound instruments.
type Provider struct {
	mp *sdkmetric.MeterProvider

	EnqueueLatencyMs     metric.Float64Histogram
	SendQueueDepth       metric.Int64Gauge
	SendQueueDropped     metric.Int64Counter
	SendQueueDelivered   metric.Int64Counter
	IngressRowsProcessed metric.Int64Counter
	RateLimited          metric.Int64Counter
	CommandChannelState  metric.Int64Gauge
}

// New builds the meter provider and registers all instruments edged reports
// against. Callers must call Shutdown on exit to flush pending metrics.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	var reader sdkmetric.Reader
	if cfg.OTLPEndpoint != "" {
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))
	} else {
		exp, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(60*time.Second))
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter("edged")

	p := &Provider{mp: mp}

	var err error
	p.EnqueueLatencyMs, err = meter.Float64Histogram(
		"edged.scheduler.enqueue_latency_ms",
		metric.WithDescription("time between a scheduled message's send_at and its actual claim"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("register enqueue_latency_ms: %w", err)
	}

	p.SendQueueDepth, err = meter.Int64Gauge(
		"edged.sendqueue.depth",
		metric.WithDescription("current number of entries in the outbound send queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("register sendqueue.depth: %w", err)
	}

	p.SendQueueDropped, err = meter.Int64Counter(
		"edged.sendqueue.dropped_total",
		metric.WithDescription("entries dropped from the send queue (TTL expiry or retry exhaustion)"),
	)
	if err != nil {
		return nil, fmt.Errorf("register sendqueue.dropped_total: %w", err)
	}

	p.SendQueueDelivered, err = meter.Int64Counter(
		"edged.sendqueue.delivered_total",
		metric.WithDescription("entries successfully delivered from the send queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("register sendqueue.delivered_total: %w", err)
	}

	p.IngressRowsProcessed, err = meter.Int64Counter(
		"edged.ingress.rows_processed_total",
		metric.WithDescription("chat database rows processed by the ingress poller"),
	)
	if err != nil {
		return nil, fmt.Errorf("register ingress.rows_processed_total: %w", err)
	}

	p.RateLimited, err = meter.Int64Counter(
		"edged.transport.rate_limited_total",
		metric.WithDescription("outbound sends rejected by the local rate limiter"),
	)
	if err != nil {
		return nil, fmt.Errorf("register transport.rate_limited_total: %w", err)
	}

	p.CommandChannelState, err = meter.Int64Gauge(
		"edged.commandchannel.state",
		metric.WithDescription("0=down 1=connecting 2=open"),
	)
	if err != nil {
		return nil, fmt.Errorf("register commandchannel.state: %w", err)
	}

	return p, nil
}

// Shutdown flushes and closes the underlying meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.mp.Shutdown(ctx)
}
