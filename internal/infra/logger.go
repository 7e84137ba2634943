package infra

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"

	"pairlet-service/config"
)

// TraceHandler はトレース情報をログに付与するslogハンドラ。
type TraceHandler struct {
	handler     slog.Handler
	projectID   string
	otelEnabled bool
}

// NewTraceHandler はトレース情報付きのslogハンドラを生成する。
func NewTraceHandler(handler slog.Handler, cfg *config.Config) *TraceHandler {
	return &TraceHandler{
		handler:     handler,
		projectID:   cfg.GoogleCloudProject,
		otelEnabled: cfg.OtelEnabled,
	}
}

// Enabled はハンドラがログを処理するかどうかを返す。
func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle はログレコードを処理し、トレース情報を付与する。
func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.otelEnabled {
		return h.handler.Handle(ctx, r)
	}

	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return h.handler.Handle(ctx, r)
	}

	traceID := sc.TraceID().String()
	spanID := sc.SpanID().String()
	r.AddAttrs(
		slog.String("trace", traceID),
		slog.String("spanId", spanID),
		slog.Bool("traceSampled", sc.IsSampled()),
	)

	// Google Cloud Logging連携用フィールド
	if h.projectID != "" {
		r.AddAttrs(
			slog.String("logging.googleapis.com/trace", "projects/"+h.projectID+"/traces/"+traceID),
			slog.String("logging.googleapis.com/spanId", spanID),
		)
	}
	return h.handler.Handle(ctx, r)
}

// WithAttrs は属性を追加した新しいハンドラを返す。
func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{
		handler:     h.handler.WithAttrs(attrs),
		projectID:   h.projectID,
		otelEnabled: h.otelEnabled,
	}
}

// WithGroup はグループを追加した新しいハンドラを返す。
func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{
		handler:     h.handler.WithGroup(name),
		projectID:   h.projectID,
		otelEnabled: h.otelEnabled,
	}
}

// NewLogger は w にJSONを書き出す、トレース情報とデバイスID付きのロガーを生成する。
func NewLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	jsonHandler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(NewTraceHandler(jsonHandler, cfg))
	if cfg.DeviceID != "" {
		logger = logger.With("device_id", cfg.DeviceID)
	}
	return logger
}

// SetupLogger は標準出力へのロガーをグローバルに設定する。
func SetupLogger(cfg *config.Config) {
	slog.SetDefault(NewLogger(os.Stdout, cfg))
}
