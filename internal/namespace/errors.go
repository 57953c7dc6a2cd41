package namespace

import (
	"errors"
	"fmt"

	"github.com/fruitsalade/assetspace/internal/metadata"
)

var (
	// ErrAssetNotFound is returned when an id does not name a record of the
	// tenant, including ids already deleted.
	ErrAssetNotFound = errors.New("asset not found")

	// ErrAssetExists is returned when a target key is already taken.
	ErrAssetExists = errors.New("asset already exists")

	// ErrInvalidArchive is returned for archives that cannot be read.
	ErrInvalidArchive = errors.New("invalid archive")

	// ErrEntryTooLarge is recorded for archive entries that unpack past the
	// configured limit.
	ErrEntryTooLarge = errors.New("archive entry too large")
)

// PartialFailureError reports a cascade or batch that finished with some
// items failing. Report holds the per-item outcome (*RenameReport,
// *DeleteReport or *ImportReport).
type PartialFailureError struct {
	Op     string
	Failed []string
	Report any
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s partially failed: %d item(s) failed", e.Op, len(e.Failed))
}

// recordErr maps record store sentinels onto namespace errors.
func recordErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, metadata.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrAssetNotFound, err)
	case errors.Is(err, metadata.ErrDuplicate):
		return fmt.Errorf("%w: %v", ErrAssetExists, err)
	default:
		return err
	}
}
