package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kilnforge/kiln/internal/layout"
)

// SuccessMarker is the durable assertion that a payload was produced by a
// specific attempt. Its presence is authoritative over any missed state
// finalization (invariant 1, reconciler rule in spec.md §4.4 step 2).
type SuccessMarker struct {
	AttemptID string    `json:"attempt_id"`
	CreatedAt time.Time `json:"created_at"`
}

// WriteSuccessMarker atomically writes SUCCESS.json. Must happen before an
// attempt is finalized as success (spec.md §4.5 ordering guarantees).
func WriteSuccessMarker(d layout.Dir, attemptID string) error {
	if err := d.EnsureInternal(); err != nil {
		return err
	}
	marker := SuccessMarker{AttemptID: attemptID, CreatedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal success marker: %w", err)
	}
	return layout.WriteAtomic(d.SuccessMarkerPath(), data, 0o644)
}

// SuccessMarkerExists reports whether SUCCESS.json exists, without
// validating its contents.
func SuccessMarkerExists(d layout.Dir) bool {
	return layout.Exists(d.SuccessMarkerPath())
}

// ReadSuccessMarker reads and parses SUCCESS.json. ok=false means the file
// does not exist (not an error).
func ReadSuccessMarker(d layout.Dir) (marker SuccessMarker, ok bool, err error) {
	data, ok, err := layout.ReadFile(d.SuccessMarkerPath())
	if err != nil || !ok {
		return SuccessMarker{}, ok, err
	}
	if err := json.Unmarshal(data, &marker); err != nil {
		return SuccessMarker{}, true, fmt.Errorf("parse success marker: %w", err)
	}
	return marker, true, nil
}
