// Package queue runs sweeps and staged archive imports as asynq tasks.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Task types.
const (
	TypeSweep  = "assets:sweep"
	TypeImport = "assets:import"
)

// SweepPayload is the payload of a TypeSweep task.
type SweepPayload struct {
	CutoffDays int `json:"cutoff_days"`
}

// Cutoff returns the retention age, one day when unset.
func (p SweepPayload) Cutoff() time.Duration {
	if p.CutoffDays <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(p.CutoffDays) * 24 * time.Hour
}

// ImportPayload is the payload of a TypeImport task.
type ImportPayload struct {
	TenantID    string `json:"tenant_id"`
	StagingKey  string `json:"staging_key"`
	Destination string `json:"destination"`
}

// NewSweepTask builds a sweep task. Sweeps are unique per hour so a
// scheduler and an operator do not pile up duplicates.
func NewSweepTask(cutoffDays int) (*asynq.Task, error) {
	payload, err := json.Marshal(SweepPayload{CutoffDays: cutoffDays})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sweep payload: %w", err)
	}
	return asynq.NewTask(TypeSweep, payload, asynq.Queue("low"), asynq.MaxRetry(1), asynq.Unique(time.Hour)), nil
}

// NewImportTask builds an import task for an archive already staged.
func NewImportTask(p ImportPayload) (*asynq.Task, error) {
	if p.TenantID == "" || p.StagingKey == "" {
		return nil, fmt.Errorf("import task needs tenant_id and staging_key")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal import payload: %w", err)
	}
	// On timeout the import stops between entries and the retry resumes it.
	return asynq.NewTask(TypeImport, payload, asynq.Queue("default"), asynq.MaxRetry(5), asynq.Timeout(30*time.Minute)), nil
}
