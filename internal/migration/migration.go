// Package migration implements the overlay of spec.md §4.6: a per-directory
// record that lets one artifact directory (T) reuse another's (F) payload
// under one of three policies, and the rules governing when an alias
// detaches. Record writes reuse internal/layout.WriteAtomic, the same
// temp-then-rename primitive the teacher's daemon registry uses for its own
// JSON file.
package migration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kilnforge/kiln/internal/kerrors"
	"github.com/kilnforge/kiln/internal/layout"
	"github.com/kilnforge/kiln/internal/state"
)

// Kind is the closed set of migration.json record kinds.
type Kind string

const (
	KindAlias    Kind = "alias"
	KindMoved    Kind = "moved"
	KindMigrated Kind = "migrated"
)

// Policy is the closed set of migration policies a caller may request.
type Policy string

const (
	PolicyAlias Policy = "alias"
	PolicyMove  Policy = "move"
	PolicyCopy  Policy = "copy"
)

// Endpoint identifies one side of a migration: the namespace+hash pair under
// a storage root, the same triple layout.ArtifactDirPath resolves from.
type Endpoint struct {
	Namespace string `json:"namespace"`
	Hash      string `json:"hash"`
	Root      string `json:"root"`
}

func endpointsEqual(a, b Endpoint) bool {
	return a.Namespace == b.Namespace && a.Hash == b.Hash && a.Root == b.Root
}

// Record is the contents of migration.json.
type Record struct {
	Kind          Kind           `json:"kind"`
	Policy        Policy         `json:"policy"`
	From          Endpoint       `json:"from"`
	To            Endpoint       `json:"to"`
	MigratedAt    time.Time      `json:"migrated_at"`
	OverwrittenAt *time.Time     `json:"overwritten_at,omitempty"`
	DefaultValues map[string]any `json:"default_values,omitempty"`
	Origin        string         `json:"origin,omitempty"`
	Note          string         `json:"note,omitempty"`
}

// Resolver maps an Endpoint back to the artifact directory it names.
// DefaultResolver covers the common case; callers with a custom storage
// layout may supply their own.
type Resolver func(Endpoint) layout.Dir

// DefaultResolver resolves an Endpoint via layout.ArtifactDirPath.
func DefaultResolver(e Endpoint) layout.Dir {
	return layout.New(layout.ArtifactDirPath(e.Root, e.Namespace, e.Hash))
}

// Options parameterizes one Migrate call.
type Options struct {
	DefaultValues map[string]any
	Origin        string
	Note          string
	// Resolve is used for cycle detection on alias creation. Defaults to
	// DefaultResolver when nil.
	Resolve Resolver
}

// Read loads migration.json, returning (nil, nil) when no record exists.
func Read(d layout.Dir) (*Record, error) {
	data, ok, err := layout.ReadFile(d.MigrationPath())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &kerrors.CorruptState{Path: d.MigrationPath(), Err: err}
	}
	return &r, nil
}

func write(d layout.Dir, r Record) error {
	if err := d.EnsureInternal(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal migration record: %w", err)
	}
	return layout.WriteAtomic(d.MigrationPath(), data, 0o644)
}

// Migrate implements spec.md §4.6: it validates policy and (for alias)
// rejects a cycle, applies the payload move/copy when required, writes the
// resulting record(s), and sets the affected directories' result per
// policy.
func Migrate(fromDir, toDir layout.Dir, fromEP, toEP Endpoint, policy Policy, opts Options) (Record, error) {
	resolve := opts.Resolve
	if resolve == nil {
		resolve = DefaultResolver
	}

	switch policy {
	case PolicyAlias, PolicyMove, PolicyCopy:
	default:
		return Record{}, &kerrors.MigrationError{Reason: fmt.Sprintf("unknown policy %q", policy)}
	}
	if endpointsEqual(fromEP, toEP) {
		return Record{}, &kerrors.MigrationError{Reason: "from and to endpoints are identical"}
	}
	if policy == PolicyAlias && chainReaches(fromEP, toEP, resolve, 32) {
		return Record{}, &kerrors.MigrationError{Reason: "alias would create a cycle"}
	}

	now := time.Now().UTC()
	base := Record{
		From:          fromEP,
		To:            toEP,
		Policy:        policy,
		MigratedAt:    now,
		DefaultValues: opts.DefaultValues,
		Origin:        opts.Origin,
		Note:          opts.Note,
	}

	if policy == PolicyAlias {
		rec := base
		rec.Kind = KindAlias
		if err := write(toDir, rec); err != nil {
			return Record{}, err
		}
		if _, err := state.Update(toDir, func(s state.State) (state.State, error) {
			s.Result = state.ResultMigrated{MigratedAt: now}
			return s, nil
		}); err != nil {
			return Record{}, err
		}
		state.AppendEvent(toDir, "migration_created", map[string]any{"policy": string(policy), "from_hash": fromEP.Hash})
		return rec, nil
	}

	fs, err := state.Read(fromDir)
	if err != nil {
		return Record{}, err
	}
	if fs.Result.Status() != state.ResultStatusSuccess {
		return Record{}, &kerrors.MigrationError{Reason: "move/copy requires the source directory to be result=success"}
	}

	if policy == PolicyMove {
		if err := movePayload(fromDir, toDir); err != nil {
			return Record{}, err
		}
	} else {
		if err := copyPayload(fromDir, toDir); err != nil {
			return Record{}, err
		}
	}

	tRec := base
	tRec.Kind = KindMoved
	if err := write(toDir, tRec); err != nil {
		return Record{}, err
	}
	if _, err := state.Update(toDir, func(s state.State) (state.State, error) {
		s.Result = state.ResultSuccess{CreatedAt: now}
		return s, nil
	}); err != nil {
		return Record{}, err
	}
	state.AppendEvent(toDir, "migration_created", map[string]any{"policy": string(policy), "from_hash": fromEP.Hash})

	if policy == PolicyMove {
		fRec := base
		fRec.Kind = KindMigrated
		if err := write(fromDir, fRec); err != nil {
			return Record{}, err
		}
		if _, err := state.Update(fromDir, func(s state.State) (state.State, error) {
			s.Result = state.ResultMigrated{MigratedAt: now}
			return s, nil
		}); err != nil {
			return Record{}, err
		}
		state.AppendEvent(fromDir, "migration_created", map[string]any{"policy": string(policy), "to_hash": toEP.Hash})
	}

	return tRec, nil
}

// Detach sets overwritten_at on d's own migration record and, when a
// reciprocal record exists on the other endpoint (the move policy's F-side
// "migrated" record, or an alias's F directory carrying nothing to detach),
// detaches that one too. Both directories get a migration_overwrite event.
// A no-op (nil error) if d carries no live migration record.
func Detach(d layout.Dir, reason string, opts Options) error {
	resolve := opts.Resolve
	if resolve == nil {
		resolve = DefaultResolver
	}

	rec, err := Read(d)
	if err != nil {
		return err
	}
	if rec == nil || rec.OverwrittenAt != nil {
		return nil
	}
	now := time.Now().UTC()
	rec.OverwrittenAt = &now
	if err := write(d, *rec); err != nil {
		return err
	}
	state.AppendEvent(d, "migration_overwrite", map[string]any{"reason": reason})

	var counterpart Endpoint
	switch rec.Kind {
	case KindAlias, KindMoved:
		counterpart = rec.From
	case KindMigrated:
		counterpart = rec.To
	default:
		return nil
	}

	cd := resolve(counterpart)
	crec, err := Read(cd)
	if err != nil || (crec != nil && crec.OverwrittenAt != nil) {
		return nil
	}
	if crec != nil {
		cnow := time.Now().UTC()
		crec.OverwrittenAt = &cnow
		if err := write(cd, *crec); err != nil {
			return nil
		}
	}
	state.AppendEvent(cd, "migration_overwrite", map[string]any{"reason": reason})
	return nil
}

// ResolveRead implements the alias resolution rule of spec.md §4.6: if d
// carries a live alias record and the aliased directory currently reports
// result=success, reads of d should transparently use that directory
// instead. Any failure to resolve conservatively falls back to d itself so
// a read path never errors because of a migration-record glitch.
func ResolveRead(d layout.Dir, opts Options) layout.Dir {
	resolve := opts.Resolve
	if resolve == nil {
		resolve = DefaultResolver
	}
	rec, err := Read(d)
	if err != nil || rec == nil || rec.Kind != KindAlias || rec.OverwrittenAt != nil {
		return d
	}
	fromDir := resolve(rec.From)
	s, err := state.Read(fromDir)
	if err != nil || s.Result.Status() != state.ResultStatusSuccess {
		return d
	}
	return fromDir
}

func chainReaches(start, target Endpoint, resolve Resolver, maxDepth int) bool {
	cur := start
	for i := 0; i < maxDepth; i++ {
		if endpointsEqual(cur, target) {
			return true
		}
		rec, err := Read(resolve(cur))
		if err != nil || rec == nil || rec.Kind != KindAlias || rec.OverwrittenAt != nil {
			return false
		}
		cur = rec.From
	}
	return true // a chain this long is treated as a cycle too
}

func movePayload(from, to layout.Dir) error {
	if err := os.MkdirAll(to.Path(), 0o750); err != nil {
		return fmt.Errorf("ensure destination %s: %w", to.Path(), err)
	}
	entries, err := os.ReadDir(from.Path())
	if err != nil {
		return fmt.Errorf("read source payload %s: %w", from.Path(), err)
	}
	for _, e := range entries {
		if e.Name() == layout.InternalDirName {
			continue
		}
		src := filepath.Join(from.Path(), e.Name())
		dst := filepath.Join(to.Path(), e.Name())
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("move payload %s -> %s: %w", src, dst, err)
		}
	}
	return nil
}

func copyPayload(from, to layout.Dir) error {
	if err := os.MkdirAll(to.Path(), 0o750); err != nil {
		return fmt.Errorf("ensure destination %s: %w", to.Path(), err)
	}
	entries, err := os.ReadDir(from.Path())
	if err != nil {
		return fmt.Errorf("read source payload %s: %w", from.Path(), err)
	}
	for _, e := range entries {
		if e.Name() == layout.InternalDirName {
			continue
		}
		src := filepath.Join(from.Path(), e.Name())
		dst := filepath.Join(to.Path(), e.Name())
		if err := copyAny(src, dst); err != nil {
			return err
		}
	}
	return nil
}

func copyAny(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	if info.IsDir() {
		if err := os.MkdirAll(dst, info.Mode()); err != nil {
			return fmt.Errorf("mkdir %s: %w", dst, err)
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return fmt.Errorf("read dir %s: %w", src, err)
		}
		for _, e := range entries {
			if err := copyAny(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
				return err
			}
		}
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	return os.WriteFile(dst, data, info.Mode())
}
