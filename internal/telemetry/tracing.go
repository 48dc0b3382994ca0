package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Атрибуты спанов.
const (
	AttrTenantID  = attribute.Key("cascade.tenant_id")
	AttrScriptKey = attribute.Key("cascade.script_key")
	AttrRunID     = attribute.Key("cascade.run_id")
	AttrStatus    = attribute.Key("cascade.status")
)

// Tracer возвращает трейсер из глобального провайдера.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// SetupTracing устанавливает глобальный TracerProvider, который пишет
// завершённые спаны в logger на уровне DEBUG, и W3C propagator
// для передачи контекста через очередь.
//
// Возвращает функцию shutdown.
func SetupTracing(logger *slog.Logger) func(context.Context) error {
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(&logSpanProcessor{logger: logger}),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return provider.Shutdown
}

// RecordError отмечает спан ошибкой.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

type logSpanProcessor struct {
	logger *slog.Logger
}

func (p *logSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	if p.logger == nil || !p.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	attrs := []any{
		"span", span.Name(),
		"trace_id", span.SpanContext().TraceID().String(),
		"duration", span.EndTime().Sub(span.StartTime()),
	}
	for _, kv := range span.Attributes() {
		attrs = append(attrs, string(kv.Key), kv.Value.Emit())
	}
	if status := span.Status(); status.Code == codes.Error {
		attrs = append(attrs, "error", status.Description)
	}
	p.logger.Debug("span ended", attrs...)
}

func (p *logSpanProcessor) Shutdown(context.Context) error {
	return nil
}

func (p *logSpanProcessor) ForceFlush(context.Context) error {
	return nil
}
