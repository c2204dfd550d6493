// Package index implements the optional local SQLite index of spec.md §3's
// expansion: a per-root cache of (namespace, hash) -> {status, updated_at,
// backend} that lets kilnctl list avoid a full filesystem
// walk. It is never consulted by internal/artifact for correctness — files
// under D remain the only source of truth, matching the teacher's own
// posture toward its daemon registry (a convenience cache, rebuildable from
// the filesystem at any time).
package index

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/kilnforge/kiln/internal/klog"
	"github.com/kilnforge/kiln/internal/layout"
	"github.com/kilnforge/kiln/internal/state"
)

// DBName is the SQLite file's name under a root directory.
const DBName = ".kiln-index.sqlite"

// LockName is the gofrs/flock advisory lock guarding rebuilds of DBName.
const LockName = ".kiln-index.sqlite.lock"

// Entry is one row of the artifacts table.
type Entry struct {
	Namespace string
	Hash      string
	Status    string
	Backend   string
	UpdatedAt time.Time
}

// Index wraps one open connection to a root's SQLite database.
type Index struct {
	db   *sql.DB
	root string
}

// Open opens (creating if needed) root/.kiln-index.sqlite and ensures its
// schema exists.
func Open(root string) (*Index, error) {
	path := filepath.Join(root, DBName)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: create schema: %w", err)
	}
	return &Index{db: db, root: root}, nil
}

func (ix *Index) Close() error { return ix.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	namespace  TEXT NOT NULL,
	hash       TEXT NOT NULL,
	status     TEXT NOT NULL,
	backend    TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (namespace, hash)
);
`

// Upsert records s's current status, keyed by namespace+hash. Best-effort:
// Rebuild, its caller in this module, logs and skips a failed upsert the
// same way internal/state.AppendEvent treats its own observational writes.
func (ix *Index) Upsert(namespace, hash string, s state.State) error {
	updatedAt := time.Now().UTC()
	if s.UpdatedAt != nil {
		updatedAt = *s.UpdatedAt
	}
	_, err := ix.db.Exec(
		`INSERT INTO artifacts (namespace, hash, status, backend, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(namespace, hash) DO UPDATE SET
		   status = excluded.status, backend = excluded.backend, updated_at = excluded.updated_at`,
		// Fixed-width UTC timestamps so List's ORDER BY on the text column is
		// chronological.
		namespace, hash, string(s.Result.Status()), backendOf(s), updatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
	)
	if err != nil {
		return fmt.Errorf("index: upsert %s/%s: %w", namespace, hash, err)
	}
	return nil
}

func backendOf(s state.State) string {
	if r, ok := s.Attempt.(state.AttemptRunning); ok {
		return string(r.Backend)
	}
	return ""
}

// List returns every tracked entry, newest first.
func (ix *Index) List() ([]Entry, error) {
	rows, err := ix.db.Query(`SELECT namespace, hash, status, backend, updated_at FROM artifacts ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("index: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.Namespace, &e.Hash, &e.Status, &e.Backend, &ts); err != nil {
			return nil, fmt.Errorf("index: scan: %w", err)
		}
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Rebuild walks root, re-reading every artifact directory's state.json and
// replacing the table's contents. Guarded by a gofrs/flock advisory lock on
// root/.kiln-index.sqlite.lock so two concurrent rebuilds don't interleave.
func Rebuild(ctx context.Context, root string) (*Index, error) {
	lockPath := filepath.Join(root, LockName)
	fl := flock.New(lockPath)
	locked, err := fl.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil || !locked {
		return nil, fmt.Errorf("index: could not acquire rebuild lock %s: %w", lockPath, err)
	}
	defer fl.Unlock()

	ix, err := Open(root)
	if err != nil {
		return nil, err
	}
	if _, err := ix.db.Exec(`DELETE FROM artifacts`); err != nil {
		ix.Close()
		return nil, fmt.Errorf("index: clear table: %w", err)
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return nil
		}
		if !d.IsDir() || filepath.Base(path) != layout.InternalDirName {
			return nil
		}
		artifactDir := filepath.Dir(path)
		hash := filepath.Base(artifactDir)
		namespace, rerr := filepath.Rel(root, filepath.Dir(artifactDir))
		if rerr != nil {
			return nil
		}
		s, rerr := state.Read(layout.New(artifactDir))
		if rerr != nil {
			klog.Warn("index: skipping %s during rebuild: %v", artifactDir, rerr)
			return nil
		}
		if uerr := ix.Upsert(filepath.ToSlash(namespace), hash, s); uerr != nil {
			klog.Warn("index: %v", uerr)
		}
		return nil
	})
	if err != nil {
		ix.Close()
		return nil, fmt.Errorf("index: walk %s: %w", root, err)
	}
	return ix, nil
}
