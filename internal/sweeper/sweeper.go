// Package sweeper deletes stored objects older than a retention cutoff.
//
// It reclaims what failed cascades leave behind. The record store is not
// consulted: an object past the cutoff is deleted whether or not a record
// still points at it.
package sweeper

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/fruitsalade/assetspace/internal/keys"
	"github.com/fruitsalade/assetspace/internal/logging"
	"github.com/fruitsalade/assetspace/internal/metrics"
	"github.com/fruitsalade/assetspace/internal/retry"
	"github.com/fruitsalade/assetspace/internal/storage"
)

// DefaultCutoff is the retention age used when none is given.
const DefaultCutoff = 24 * time.Hour

// SweepError is a key the sweep could not delete.
type SweepError struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

// Report summarizes one sweep.
type Report struct {
	DeletedCount int          `json:"deleted_count"`
	DeletedKeys  []string     `json:"deleted_keys"`
	Errors       []SweepError `json:"errors"`
}

// Config configures a Sweeper.
type Config struct {
	AssetPrefix   string
	RatePerSecond float64 // 0 disables throttling
	Retry         retry.Config
}

// Sweeper walks every tenant's keys and deletes expired objects.
type Sweeper struct {
	backend storage.Backend
	prefix  string
	limiter *rate.Limiter
	retry   retry.Config
	now     func() time.Time
}

// New creates a Sweeper over backend.
func New(backend storage.Backend, cfg Config) *Sweeper {
	if cfg.AssetPrefix == "" {
		cfg.AssetPrefix = "assets"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &Sweeper{
		backend: backend,
		prefix:  keys.NormalizeFolderKey(cfg.AssetPrefix),
		limiter: limiter,
		retry:   cfg.Retry,
		now:     time.Now,
	}
}

// Sweep deletes every object under the asset prefix last modified more than
// cutoff ago. Folder markers are left alone. A failed key is recorded and the
// sweep moves on; a failed listing ends the sweep with what was done so far.
func (s *Sweeper) Sweep(ctx context.Context, cutoff time.Duration) *Report {
	if cutoff <= 0 {
		cutoff = DefaultCutoff
	}
	start := time.Now()
	threshold := s.now().Add(-cutoff)
	report := &Report{DeletedKeys: []string{}, Errors: []SweepError{}}
	log := logging.WithContext(ctx).With(logging.Key(s.prefix), logging.Duration("cutoff", cutoff))
	log.Info("sweep started")

	err := s.backend.Walk(ctx, s.prefix, func(page []storage.ObjectInfo) error {
		for _, obj := range page {
			if obj.IsFolder() || !obj.LastModified.Before(threshold) {
				continue
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
			err := retry.Do(ctx, s.retry, func() error {
				return s.backend.Delete(ctx, obj.Key)
			})
			if err != nil {
				report.Errors = append(report.Errors, SweepError{Key: obj.Key, Error: err.Error()})
				log.Warn("sweep delete failed", logging.String("object", obj.Key), logging.Err(err))
				continue
			}
			report.DeletedKeys = append(report.DeletedKeys, obj.Key)
			report.DeletedCount++
		}
		return nil
	})
	if err != nil {
		key := s.prefix
		var se *storage.Error
		if errors.As(err, &se) && se.Key != "" {
			key = se.Key
		}
		report.Errors = append(report.Errors, SweepError{Key: key, Error: err.Error()})
		log.Error("sweep listing failed", logging.Err(err))
	}

	metrics.RecordSweep(report.DeletedCount, len(report.Errors), time.Since(start))
	log.Info("sweep finished",
		logging.Int("deleted", report.DeletedCount),
		logging.Int("errors", len(report.Errors)))
	return report
}
