package namespace

import (
	"context"

	"github.com/fruitsalade/assetspace/internal/logging"
	"github.com/fruitsalade/assetspace/internal/metadata"
	"github.com/fruitsalade/assetspace/internal/metrics"
	"github.com/fruitsalade/assetspace/internal/storage"
)

// DeleteReport describes a delete: the per-key backend outcome, the keys
// that failed and how many records went away.
type DeleteReport struct {
	Asset          *metadata.Asset `json:"asset"`
	Outcomes       map[string]bool `json:"outcomes"`
	Failed         []string        `json:"failed,omitempty"`
	RecordsDeleted int64           `json:"records_deleted"`
}

// Delete removes an asset and, for a folder, everything below it.
//
// Backend objects are deleted first, children before their folder. The
// records are removed by key prefix whether or not every object went away;
// surviving objects are left to the sweeper and reported through a
// *PartialFailureError alongside the report.
func (s *Service) Delete(ctx context.Context, tenantID, id string) (*DeleteReport, error) {
	unlock := s.locks.Lock(tenantID)
	defer unlock()

	asset, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	log := logging.WithContext(ctx).With(logging.Tenant(tenantID), logging.Key(asset.Key))
	report := &DeleteReport{Asset: asset, Outcomes: map[string]bool{}}

	if asset.IsFolder {
		s.deleteObjects(ctx, asset.Key, report)
	} else {
		err := s.backend.Delete(ctx, asset.Key)
		report.Outcomes[asset.Key] = err == nil
		if err != nil {
			report.Failed = append(report.Failed, asset.Key)
			log.Warn("object delete failed", logging.Err(err))
		}
		metrics.RecordCascadeItem("delete", err == nil)
	}

	if asset.IsFolder {
		report.RecordsDeleted, err = s.store.DeleteByPrefix(ctx, tenantID, asset.Key)
	} else {
		var ok bool
		ok, err = s.store.Delete(ctx, tenantID, asset.ID)
		if ok {
			report.RecordsDeleted = 1
		}
	}
	if err != nil {
		log.Error("record delete failed", logging.Err(err))
		return report, err
	}

	log.Info("asset deleted",
		logging.Int("objects", len(report.Outcomes)),
		logging.Int("failed", len(report.Failed)),
		logging.Int64("records", report.RecordsDeleted))

	if len(report.Failed) > 0 {
		return report, &PartialFailureError{Op: "delete", Failed: report.Failed, Report: report}
	}
	return report, nil
}

// deleteObjects removes every object under prefix, deepest first.
func (s *Service) deleteObjects(ctx context.Context, prefix string, report *DeleteReport) {
	var objectKeys []string
	err := s.backend.Walk(ctx, prefix, func(page []storage.ObjectInfo) error {
		for _, o := range page {
			objectKeys = append(objectKeys, o.Key)
		}
		return nil
	})
	if err != nil {
		// Keys seen so far are still deleted; the listing gap is reported
		// against the folder itself.
		report.Failed = append(report.Failed, prefix)
		logging.Warn("listing for delete failed", logging.Key(prefix), logging.Err(err))
	}

	deepestFirst(objectKeys)
	results, err := s.backend.DeleteBatch(ctx, objectKeys)
	if err != nil {
		logging.Warn("batch delete incomplete", logging.Key(prefix), logging.Err(err))
	}

	for _, k := range objectKeys {
		report.Outcomes[k] = results[k]
		metrics.RecordCascadeItem("delete", results[k])
	}
	report.Failed = append(report.Failed, storage.Failed(objectKeys, results)...)
}
