// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"pairlet-service/config"
	"pairlet-service/internal/clock"
	"pairlet-service/internal/handler"
	"pairlet-service/internal/infra"
	"pairlet-service/internal/repository"
	"pairlet-service/internal/usecase"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg := config.Load()
	protocol := config.LoadProtocol()

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg)

	// DB初期化
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is not set")
		os.Exit(1)
	}
	db, err := infra.NewDB(cfg.DatabaseURL, cfg)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}

	// 鍵素材の暗号化（Cloud KMSまたはローカル鍵）
	encrypter, err := infra.NewKeyEncrypter(ctx, cfg)
	if err != nil {
		slog.Error("failed to init key encrypter", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := encrypter.Close(); closeErr != nil {
			slog.Error("failed to close key encrypter", "error", closeErr)
		}
	}()

	// デバイスとセンサー
	clk := clock.Real()
	device := usecase.NewDevice(cfg.DeviceID, protocol, clk)
	device.Validator().AddSensor(infra.NewAccelerometer(clk))
	device.Validator().AddSensor(infra.NewBarometer(clk))

	// DI
	repo := repository.NewKeyRecordRepository(db)
	service := usecase.NewKeyService(device, repo, encrypter)
	if err := service.Load(ctx); err != nil {
		slog.Error("failed to load key state", "error", err)
		os.Exit(1)
	}
	h := handler.NewKeyHandler(service)
	router := handler.NewRouter(h, cfg)

	// 起動時に測定ウィンドウを収集しておく
	collected := device.Validator().CollectAsync(ctx)
	go func() {
		if err := <-collected; err != nil && ctx.Err() == nil {
			slog.Warn("initial measurement collection failed",
				"operation", "start_collection",
				"device_id", cfg.DeviceID,
				"error", err,
			)
			return
		}
		if err := device.Validator().StopCollection(); err != nil {
			slog.Warn("failed to stop sensors", "operation", "stop_collection", "error", err)
		}
	}()

	// サーバー起動
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server",
		"port", cfg.Port,
		"device_id", cfg.DeviceID,
		"sensors", device.Validator().Sensors(),
	)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
