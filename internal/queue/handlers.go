package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fruitsalade/assetspace/internal/keys"
	"github.com/fruitsalade/assetspace/internal/logging"
	"github.com/fruitsalade/assetspace/internal/metadata"
	"github.com/fruitsalade/assetspace/internal/namespace"
	"github.com/fruitsalade/assetspace/internal/storage"
	"github.com/fruitsalade/assetspace/internal/sweeper"
)

// Importer imports staged archives.
type Importer interface {
	ImportStaged(ctx context.Context, tenantID, stagingKey, destFolder string) ([]*metadata.Asset, *namespace.ImportReport, error)
}

// Sweeper runs retention sweeps.
type Sweeper interface {
	Sweep(ctx context.Context, cutoff time.Duration) *sweeper.Report
}

// Handlers processes queue tasks.
type Handlers struct {
	importer Importer
	sweeper  Sweeper
}

// NewHandlers creates the task handlers.
func NewHandlers(importer Importer, sw Sweeper) *Handlers {
	return &Handlers{importer: importer, sweeper: sw}
}

// Register adds every task handler to mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeSweep, h.HandleSweep)
	mux.HandleFunc(TypeImport, h.HandleImport)
}

// HandleSweep runs a retention sweep. Per-key failures are left for the
// next sweep rather than retried.
func (h *Handlers) HandleSweep(ctx context.Context, task *asynq.Task) error {
	var p SweepPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("parse sweep payload: %v: %w", err, asynq.SkipRetry)
	}

	report := h.sweeper.Sweep(ctx, p.Cutoff())
	logging.Info("sweep task done",
		logging.Int("cutoff_days", p.CutoffDays),
		logging.Int("deleted", report.DeletedCount),
		logging.Int("errors", len(report.Errors)))
	return nil
}

// HandleImport imports a staged archive. Only retryable storage failures
// send the task back to the queue; a partial import is final.
func (h *Handlers) HandleImport(ctx context.Context, task *asynq.Task) error {
	var p ImportPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("parse import payload: %v: %w", err, asynq.SkipRetry)
	}
	log := logging.WithContext(ctx).With(logging.Tenant(p.TenantID), logging.Key(p.StagingKey))

	records, report, err := h.importer.ImportStaged(ctx, p.TenantID, p.StagingKey, p.Destination)
	var pfe *namespace.PartialFailureError
	switch {
	case err == nil:
	case errors.As(err, &pfe):
		log.Warn("import task finished with skipped entries", logging.Int("skipped", len(report.Skipped)))
	case storage.IsRetryable(err):
		log.Warn("import task will be retried", logging.Err(err))
		return err
	case storage.IsNotFound(err), errors.Is(err, namespace.ErrInvalidArchive), errors.Is(err, keys.ErrInvalidPath):
		log.Error("import task dropped", logging.Err(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		log.Error("import task failed", logging.Err(err))
		return err
	}

	log.Info("import task done", logging.Int("records", len(records)))
	return nil
}
