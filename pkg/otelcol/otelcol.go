package otelcol

import (
	"context"

	"chipledger/pkg/config"
	"chipledger/pkg/otelcol/exporters"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("otelcol",
	fx.Provide(
		NewTracerProvider,
		NewMeterProvider,
	),
	// install the global provider even when nothing injects it
	fx.Invoke(func(trace.TracerProvider) {}),
)

func resource(cfg *config.Config) *sdkresource.Resource {
	res, err := sdkresource.Merge(sdkresource.Default(), sdkresource.NewSchemaless(
		attribute.String("service.name", cfg.AppName),
		attribute.String("service.version", cfg.AppVersion),
		attribute.String("deployment.environment", cfg.AppEnv),
	))
	if err != nil {
		return sdkresource.Default()
	}
	return res
}

// NewTracerProvider exports spans over OTLP when OTEL.ADDR is set and
// otherwise keeps the global no-op provider.
func NewTracerProvider(lc fx.Lifecycle, cfg *config.Config) trace.TracerProvider {
	if cfg.Otel.Addr == "" {
		return otel.GetTracerProvider()
	}

	exporter, err := exporters.New(cfg)
	if err != nil {
		zap.L().Error("failed to create trace exporter, tracing disabled", zap.Error(err))
		return otel.GetTracerProvider()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource(cfg)),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})

	zap.L().Info("tracing enabled", zap.String("addr", cfg.Otel.Addr), zap.String("protocol", cfg.Otel.Protocol))
	return tp
}

// NewMeterProvider returns the global meter provider; service metrics are
// exported through prometheus.
func NewMeterProvider() metric.MeterProvider {
	return otel.GetMeterProvider()
}
