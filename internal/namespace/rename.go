package namespace

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/fruitsalade/assetspace/internal/keys"
	"github.com/fruitsalade/assetspace/internal/logging"
	"github.com/fruitsalade/assetspace/internal/metadata"
	"github.com/fruitsalade/assetspace/internal/metrics"
	"github.com/fruitsalade/assetspace/internal/storage"
)

// RenameItem is the outcome for one object of a rename.
type RenameItem struct {
	OldKey  string `json:"old_key"`
	NewKey  string `json:"new_key"`
	Copied  bool   `json:"copied"`
	Deleted bool   `json:"deleted"`
	Missing bool   `json:"missing,omitempty"` // no object stored under OldKey
	Error   string `json:"error,omitempty"`
}

// RenameReport describes a rename. Committed is set once the records point
// at the new keys.
type RenameReport struct {
	Asset     *metadata.Asset `json:"asset"`
	Items     []RenameItem    `json:"items"`
	Committed bool            `json:"committed"`
}

// Failed returns the old keys of items that failed to copy or delete.
func (r *RenameReport) Failed() []string {
	var out []string
	for _, it := range r.Items {
		if it.Error != "" {
			out = append(out, it.OldKey)
		}
	}
	return out
}

// Rename gives an asset a new display name, moving its object and, for a
// folder, every descendant to the new key prefix.
//
// All copies run before any record changes. A failed copy of the asset
// itself returns a *storage.Error; a failed descendant copy returns a
// *PartialFailureError. Either way no record changes and copies already
// made stay behind for the sweeper. Once every copy succeeds, all records
// move in one transaction and the old objects are deleted; delete failures
// are reported but do not undo the rename.
func (s *Service) Rename(ctx context.Context, tenantID, id, newName string) (*RenameReport, error) {
	name, err := keys.ValidateName(newName)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(tenantID)
	defer unlock()

	asset, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	newKey := keys.Rename(asset.Key, name)
	report := &RenameReport{Asset: asset}
	if newKey == asset.Key {
		return report, nil
	}

	taken, err := s.keyTaken(ctx, tenantID, newKey)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("%w: %s", ErrAssetExists, newKey)
	}
	if asset.IsFolder {
		// Records may sit under the new prefix without a folder row of
		// their own; copying onto them would overwrite live objects.
		under, err := s.store.ListByPrefix(ctx, tenantID, newKey)
		if err != nil {
			return nil, err
		}
		if len(under) > 0 {
			return nil, fmt.Errorf("%w: %d record(s) already under %s", ErrAssetExists, len(under), newKey)
		}
	}

	// The cascade runs to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	log := logging.WithContext(ctx).With(logging.Tenant(tenantID), logging.Key(asset.Key))

	var descendants []*metadata.Asset
	if asset.IsFolder {
		descendants, err = s.store.Descendants(ctx, tenantID, asset.Key)
		if err != nil {
			return nil, err
		}
		sort.Slice(descendants, func(i, j int) bool { return descendants[i].Key < descendants[j].Key })
	}

	moves := make([]metadata.Move, 0, len(descendants)+1)
	var failed []string
	for _, d := range descendants {
		dk, _ := keys.ReplacePrefix(d.Key, asset.Key, newKey)
		item := RenameItem{OldKey: d.Key, NewKey: dk}

		err := s.backend.Copy(ctx, d.Key, dk)
		switch {
		case err == nil:
			item.Copied = true
		case storage.IsNotFound(err):
			// Nothing stored under the old key; the record still moves.
			item.Missing = true
		default:
			item.Error = err.Error()
			failed = append(failed, d.Key)
			log.Warn("rename copy failed", logging.String("item", d.Key), logging.Err(err))
		}
		metrics.RecordCascadeItem("rename", err == nil || item.Missing)

		report.Items = append(report.Items, item)
		moves = append(moves, metadata.Move{ID: d.ID, NewKey: dk, DisplayName: d.DisplayName})
	}

	rootItem := RenameItem{OldKey: asset.Key, NewKey: newKey}
	if err := s.copyRoot(ctx, asset, newKey); err != nil {
		rootItem.Error = err.Error()
		report.Items = append(report.Items, rootItem)
		metrics.RecordCascadeItem("rename", false)
		log.Error("rename aborted: asset copy failed", logging.Err(err))
		return report, err
	}
	rootItem.Copied = true
	report.Items = append(report.Items, rootItem)
	metrics.RecordCascadeItem("rename", true)
	moves = append(moves, metadata.Move{ID: asset.ID, NewKey: newKey, DisplayName: name})

	if len(failed) > 0 {
		log.Error("rename aborted: descendant copies failed", logging.Int("failed", len(failed)))
		return report, &PartialFailureError{Op: "rename", Failed: failed, Report: report}
	}

	if err := s.store.ApplyMoves(ctx, tenantID, moves); err != nil {
		log.Error("rename aborted: record update failed", logging.Err(err))
		return report, recordErr(err)
	}
	report.Committed = true

	s.deleteOldCopies(ctx, report)

	updated, err := s.Get(ctx, tenantID, asset.ID)
	if err != nil {
		return report, err
	}
	report.Asset = updated

	log.Info("asset renamed",
		logging.String("new_key", newKey),
		logging.Int("items", len(report.Items)),
		logging.Int("delete_failures", len(report.Failed())))
	return report, nil
}

// keyTaken checks both spellings of a key, so a file and a folder never
// share a name.
func (s *Service) keyTaken(ctx context.Context, tenantID, key string) (bool, error) {
	for _, k := range []string{keys.NormalizeFileKey(key), keys.NormalizeFolderKey(key)} {
		exists, err := s.store.KeyExists(ctx, tenantID, k)
		if err != nil || exists {
			return exists, err
		}
	}
	return false, nil
}

// copyRoot copies the renamed asset's own object. A folder without a marker
// gets a fresh one at the new key.
func (s *Service) copyRoot(ctx context.Context, asset *metadata.Asset, newKey string) error {
	err := s.backend.Copy(ctx, asset.Key, newKey)
	if err == nil || !asset.IsFolder || !storage.IsNotFound(err) {
		return err
	}
	return s.backend.Put(ctx, newKey, nil, 0, "")
}

// deepestFirst orders keys so children come before their folders.
func deepestFirst(objectKeys []string) {
	sort.Slice(objectKeys, func(i, j int) bool {
		di, dj := keys.Depth(objectKeys[i]), keys.Depth(objectKeys[j])
		if di != dj {
			return di > dj
		}
		return objectKeys[i] > objectKeys[j]
	})
}

// deleteOldCopies removes the old objects deepest first and records the
// outcome on each item.
func (s *Service) deleteOldCopies(ctx context.Context, report *RenameReport) {
	var old []string
	idx := make(map[string]int, len(report.Items))
	for i, it := range report.Items {
		if it.Copied {
			old = append(old, it.OldKey)
			idx[it.OldKey] = i
		}
	}
	deepestFirst(old)

	results, err := s.backend.DeleteBatch(ctx, old)
	if err != nil {
		logging.Warn("rename cleanup incomplete", logging.Err(err))
	}
	for _, k := range old {
		it := &report.Items[idx[k]]
		it.Deleted = results[k]
		if !it.Deleted {
			it.Error = errors.Join(errors.New("old object not deleted"), err).Error()
		}
	}
}
