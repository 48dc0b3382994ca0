package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// ParseLevel разбирает LOG_LEVEL без учёта регистра. Неизвестное — INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger инициализирует глобальный логгер сервиса из LOG_LEVEL и
// LOG_FORMAT ("json" по умолчанию, "text" для разработки).
func SetupLogger() *slog.Logger {
	return SetupLoggerWith(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stdout)
}

// SetupLoggerWith — как SetupLogger, но с явными уровнем, форматом и выводом.
// CLI пишет логи в stderr, чтобы не смешивать их с выводом команд.
//
// Записи, сделанные внутри спана, получают trace_id и span_id: по ним
// строки API, воркера и секвенсора сводятся в один запуск шага.
func SetupLoggerWith(level, format string, w io.Writer) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(traceHandler{handler})
	slog.SetDefault(logger)
	return logger
}

// traceHandler дописывает в запись идентификаторы активного спана.
type traceHandler struct {
	slog.Handler
}

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{h.Handler.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{h.Handler.WithGroup(name)}
}

type loggerKey struct{}

// WithLogger кладёт логгер запроса в контекст.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext возвращает логгер запроса, а если его нет — fallback.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

// WithTenantID возвращает логгер с добавленным tenant_id.
func WithTenantID(logger *slog.Logger, tenantID string) *slog.Logger {
	return logger.With("tenant_id", tenantID)
}

// WithStep возвращает логгер с tenant_id и script_key.
func WithStep(logger *slog.Logger, tenantID, scriptKey string) *slog.Logger {
	return logger.With("tenant_id", tenantID, "script_key", scriptKey)
}

// WithRun — как WithStep, плюс run_id запуска.
func WithRun(logger *slog.Logger, tenantID, scriptKey, runID string) *slog.Logger {
	return logger.With("tenant_id", tenantID, "script_key", scriptKey, "run_id", runID)
}
