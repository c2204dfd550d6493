// Package kiln is the public facade over the coordination core, mirroring
// the teacher's root-level beads.go: a thin re-export so callers depend on
// github.com/kilnforge/kiln instead of reaching into internal/artifact
// themselves.
package kiln

import (
	"context"

	"github.com/kilnforge/kiln/internal/artifact"
	"github.com/kilnforge/kiln/internal/fingerprint"
	"github.com/kilnforge/kiln/internal/layout"
	"github.com/kilnforge/kiln/internal/migration"
	"github.com/kilnforge/kiln/internal/scheduler"
	"github.com/kilnforge/kiln/internal/state"
)

// Dir identifies one artifact directory D.
type Dir = layout.Dir

// NewDir wraps an existing path as a Dir.
func NewDir(path string) Dir { return layout.New(path) }

// ArtifactDir computes D's path from a root, namespace, and content hash.
func ArtifactDir(root, namespace, hash string) Dir {
	return layout.New(layout.ArtifactDirPath(root, namespace, hash))
}

// Fingerprint returns v's truncated canonical-JSON content hash.
func Fingerprint(v any) (string, error) { return fingerprint.Hash(v) }

// State is the current contents of D's state.json.
type State = state.State

// Owner identifies the process that started an attempt.
type Owner = state.Owner

// Options parameterizes Get/GetOrCreate for one directory.
type Options = artifact.Options

// CreateFunc computes D's payload for a GetOrCreate call.
type CreateFunc = artifact.CreateFunc

// Prober probes a remote scheduler's verdict for an in-doubt attempt.
type Prober = scheduler.Prober

// MigrationEndpoint identifies one side of a Migrate call.
type MigrationEndpoint = migration.Endpoint

// MigrationPolicy selects how Migrate relates two artifact directories.
type MigrationPolicy = migration.Policy

const (
	MigrationAlias = migration.PolicyAlias
	MigrationMove  = migration.PolicyMove
	MigrationCopy  = migration.PolicyCopy
)

// Get loads D's current (alias-resolved) state without creating anything.
func Get(d Dir, opts Options) (State, error) { return artifact.Get(d, opts) }

// GetOrCreate implements the full get-or-compute control flow: cache hit,
// reconcile-and-wait on an active attempt, or acquire the compute lock and
// run opts.Create.
func GetOrCreate(ctx context.Context, d Dir, opts Options) (State, error) {
	return artifact.GetOrCreate(ctx, d, opts)
}

// Migrate relates fromDir to toDir under policy, recording the migration
// overlay and updating both directories' state as appropriate.
func Migrate(fromDir, toDir Dir, fromEP, toEP MigrationEndpoint, policy MigrationPolicy, opts migration.Options) (migration.Record, error) {
	return artifact.Migrate(fromDir, toDir, fromEP, toEP, policy, opts)
}

// Detach marks d's migration overlay (and its reciprocal record, if any)
// overwritten; the records stay on disk.
func Detach(d Dir, reason string, opts migration.Options) error {
	return artifact.Detach(d, reason, opts)
}
