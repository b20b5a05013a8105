package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"peak-tracker-service/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

type AppMetrics struct {
	sessionCreateCounter  metric.Int64Counter
	sessionJoinCounter    metric.Int64Counter
	locationUpdateCounter metric.Int64Counter
	feedPublishCounter    metric.Int64Counter
	feedDropCounter       metric.Int64Counter
	sweeperCleanedCounter metric.Int64Counter
	repositoryOpCounter   metric.Int64Counter
}

var (
	metricsMu  sync.RWMutex
	appMetrics *AppMetrics
)

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.Observability.MetricsEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Observability.OTLPEndpoint)}
	if cfg.Observability.OTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.Observability.ServiceName),
			attribute.String("deployment.environment", cfg.Observability.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.Observability.MetricsExportInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	meter := mp.Meter("peak-tracker-service")
	createCounter, err := meter.Int64Counter("session.create.attempts")
	if err != nil {
		return nil, err
	}
	joinCounter, err := meter.Int64Counter("session.join.attempts")
	if err != nil {
		return nil, err
	}
	locationCounter, err := meter.Int64Counter("member.location.updates")
	if err != nil {
		return nil, err
	}
	publishCounter, err := meter.Int64Counter("feed.deltas.published")
	if err != nil {
		return nil, err
	}
	dropCounter, err := meter.Int64Counter("feed.deltas.dropped")
	if err != nil {
		return nil, err
	}
	cleanedCounter, err := meter.Int64Counter("sweeper.sessions.cleaned")
	if err != nil {
		return nil, err
	}
	repoCounter, err := meter.Int64Counter("repository.operations")
	if err != nil {
		return nil, err
	}

	metricsMu.Lock()
	appMetrics = &AppMetrics{
		sessionCreateCounter:  createCounter,
		sessionJoinCounter:    joinCounter,
		locationUpdateCounter: locationCounter,
		feedPublishCounter:    publishCounter,
		feedDropCounter:       dropCounter,
		sweeperCleanedCounter: cleanedCounter,
		repositoryOpCounter:   repoCounter,
	}
	metricsMu.Unlock()

	logger.Info("otel metrics initialized", "endpoint", cfg.Observability.OTLPEndpoint)
	return mp, nil
}

func current() *AppMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return appMetrics
}

func RecordSessionCreate(ctx context.Context, status string) {
	m := current()
	if m == nil {
		return
	}
	m.sessionCreateCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordSessionJoin(ctx context.Context, status string) {
	m := current()
	if m == nil {
		return
	}
	m.sessionJoinCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordLocationUpdate(ctx context.Context, status string) {
	m := current()
	if m == nil {
		return
	}
	m.locationUpdateCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordFeedPublish(ctx context.Context, deltaType string) {
	m := current()
	if m == nil {
		return
	}
	m.feedPublishCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", deltaType)))
}

func RecordFeedDrop(ctx context.Context, sessionID string) {
	m := current()
	if m == nil {
		return
	}
	m.feedDropCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("session_id", sessionID)))
}

func RecordSweep(ctx context.Context, cleaned int64) {
	m := current()
	if m == nil {
		return
	}
	m.sweeperCleanedCounter.Add(ctx, cleaned)
}

func RecordRepositoryOperation(ctx context.Context, entity, operation, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.repositoryOpCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}
