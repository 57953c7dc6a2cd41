package queue

import (
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/fruitsalade/assetspace/internal/logging"
)

// zapLogger adapts the global zap logger to asynq.Logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

func newZapLogger() *zapLogger {
	return &zapLogger{s: logging.S().With("component", "asynq")}
}

func (l *zapLogger) Debug(args ...interface{}) { l.s.Debug(args...) }
func (l *zapLogger) Info(args ...interface{})  { l.s.Info(args...) }
func (l *zapLogger) Warn(args ...interface{})  { l.s.Warn(args...) }
func (l *zapLogger) Error(args ...interface{}) { l.s.Error(args...) }
func (l *zapLogger) Fatal(args ...interface{}) { l.s.Fatal(args...) }

// RedisConfig locates the Redis instance backing the queue.
type RedisConfig struct {
	Addr     string
	Password string
}

func (r RedisConfig) opt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: r.Addr, Password: r.Password}
}

// Worker processes queued tasks.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewWorker creates a worker running h with the given concurrency.
func NewWorker(redis RedisConfig, concurrency int, h *Handlers) *Worker {
	if concurrency <= 0 {
		concurrency = 10
	}
	server := asynq.NewServer(redis.opt(), asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
		Logger: newZapLogger(),
	})

	mux := asynq.NewServeMux()
	h.Register(mux)
	logging.Info("worker registered handlers",
		logging.String("types", TypeSweep+","+TypeImport))

	return &Worker{server: server, mux: mux}
}

// Start starts processing. It returns once the server is running.
func (w *Worker) Start() error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	return nil
}

// Stop waits for in-flight tasks and stops the worker.
func (w *Worker) Stop() {
	w.server.Shutdown()
}

// Scheduler enqueues periodic sweeps.
type Scheduler struct {
	scheduler *asynq.Scheduler
}

// NewScheduler registers a sweep every interval.
func NewScheduler(redis RedisConfig, interval string, cutoffDays int) (*Scheduler, error) {
	scheduler := asynq.NewScheduler(redis.opt(), &asynq.SchedulerOpts{
		Logger: newZapLogger(),
	})

	task, err := NewSweepTask(cutoffDays)
	if err != nil {
		return nil, err
	}
	spec := "@every " + interval
	entryID, err := scheduler.Register(spec, task)
	if err != nil {
		return nil, fmt.Errorf("register sweep %q: %w", spec, err)
	}
	logging.Info("sweep scheduled",
		logging.String("entry_id", entryID),
		logging.String("spec", spec),
		logging.Int("cutoff_days", cutoffDays))

	return &Scheduler{scheduler: scheduler}, nil
}

// Start starts the scheduler.
func (s *Scheduler) Start() error {
	return s.scheduler.Start()
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	s.scheduler.Shutdown()
}
