// assetspace worker: processes queued imports and sweeps, or schedules
// periodic sweeps.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fruitsalade/assetspace/internal/app"
	"github.com/fruitsalade/assetspace/internal/config"
	"github.com/fruitsalade/assetspace/internal/logging"
	"github.com/fruitsalade/assetspace/internal/queue"
)

func main() {
	mode := flag.String("mode", "worker", "Mode to run: 'worker', 'scheduler'")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic("configuration error: " + err.Error())
	}
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	redis := queue.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}

	switch *mode {
	case "worker":
		runWorker(cfg, redis)
	case "scheduler":
		runScheduler(cfg, redis)
	default:
		logging.Fatal("invalid mode, use 'worker' or 'scheduler'", zap.String("mode", *mode))
	}
}

func runWorker(cfg *config.Config, redis queue.RedisConfig) {
	logging.Info("starting in WORKER mode...")

	a, err := app.Open(context.Background(), cfg)
	if err != nil {
		logging.Fatal("failed to create worker", zap.Error(err))
	}
	defer a.Close()

	worker := queue.NewWorker(redis, cfg.WorkerConcurrency, queue.NewHandlers(a.Service, a.Sweeper))
	if err := worker.Start(); err != nil {
		logging.Fatal("worker error", zap.Error(err))
	}

	waitForSignal()
	logging.Info("shutting down worker...")
	worker.Stop()
	logging.Info("worker exited properly")
}

func runScheduler(cfg *config.Config, redis queue.RedisConfig) {
	logging.Info("starting in SCHEDULER mode...")

	scheduler, err := queue.NewScheduler(redis, cfg.SweepInterval.String(), cfg.SweepCutoffDays)
	if err != nil {
		logging.Fatal("failed to create scheduler", zap.Error(err))
	}

	go func() {
		if err := scheduler.Start(); err != nil {
			logging.Error("scheduler error", zap.Error(err))
		}
	}()

	waitForSignal()
	logging.Info("shutting down scheduler...")
	scheduler.Stop()
	logging.Info("scheduler exited properly")
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}
