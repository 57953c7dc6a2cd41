// assetspace server
//
// Features:
// - Tenant-scoped asset tree over S3-compatible or local storage
// - Cascade rename and delete with per-item reports
// - Zip archive import, inline or through the background queue
// - Signed download links
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/assetspace/internal/api"
	"github.com/fruitsalade/assetspace/internal/app"
	"github.com/fruitsalade/assetspace/internal/config"
	"github.com/fruitsalade/assetspace/internal/logging"
	"github.com/fruitsalade/assetspace/internal/metrics"
	"github.com/fruitsalade/assetspace/internal/queue"
	"github.com/fruitsalade/assetspace/internal/storage"
	"github.com/fruitsalade/assetspace/internal/storage/factory"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("assetspace server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		logging.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	srvCfg := api.Config{
		Service:         a.Service,
		Sweeper:         a.Sweeper,
		MaxUploadSize:   cfg.MaxUploadSize,
		MaxArchiveSize:  cfg.MaxArchiveSize,
		SweepCutoffDays: cfg.SweepCutoffDays,
		CORSOrigins:     cfg.CORSOrigins,
	}
	if lb, ok := factory.Local(a.Backend); ok {
		srvCfg.Files = lb
		srvCfg.Signer = storage.NewURLSigner(cfg.Storage.SigningSecret)
	}
	if cfg.RedisAddr != "" {
		qc := queue.NewClient(cfg.RedisAddr, cfg.RedisPassword)
		defer qc.Close()
		srvCfg.Queue = qc
	}
	srv := api.NewServer(srvCfg)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	// Start periodic metrics update
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Store.UpdateConnectionMetrics()
			}
		}
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}
