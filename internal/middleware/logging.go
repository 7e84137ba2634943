// Package middleware はHTTPミドルウェアと監査ログを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// 監査ログの結果。
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// AuditLog は監査ログの構造体。
type AuditLog struct {
	Operation  string `json:"operation"`
	DeviceID   string `json:"device_id"`
	Generation uint   `json:"generation,omitempty"`
	Result     string `json:"result"`
	Timestamp  string `json:"timestamp"`
}

// WriteAuditLog は鍵ライフサイクル操作の監査ログを出力する。
func WriteAuditLog(ctx context.Context, operation string, deviceID string, generation uint, result string) {
	entry := AuditLog{
		Operation:  operation,
		DeviceID:   deviceID,
		Generation: generation,
		Result:     result,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	level := slog.LevelInfo
	if result != ResultSuccess {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "key operation completed",
		"operation", entry.Operation,
		"device_id", entry.DeviceID,
		"generation", entry.Generation,
		"result", entry.Result,
		"timestamp", entry.Timestamp,
		"request_id", chimiddleware.GetReqID(ctx),
	)
}

// RequestLogger はリクエストごとにメソッド・パス・ステータス・所要時間をslogで出力する。
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			slog.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", chimiddleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
