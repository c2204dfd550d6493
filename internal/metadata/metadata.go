// Package metadata names the external metadata-collector contract of
// spec.md §6.1 and ships one reference Collector good enough for
// local/single-host use. Richer VCS collection (git commit/branch/remote/
// patch/submodules) is an out-of-scope external collaborator; this package
// only defines the shape it must produce and records a sentinel when
// collection is disabled.
package metadata

import (
	"os"
	"os/user"
	"runtime"
	"strings"
	"time"
)

// Git is the optional git snapshot a Collector may attach. A nil pointer (or
// the zero value with Disabled set) means "recording is disabled", per
// spec.md §6.1.
type Git struct {
	Disabled   bool     `json:"disabled,omitempty"`
	Commit     string   `json:"commit,omitempty"`
	Branch     string   `json:"branch,omitempty"`
	Remote     string   `json:"remote,omitempty"`
	Patch      string   `json:"patch,omitempty"`
	Submodules []string `json:"submodules,omitempty"`
}

// Snapshot is the environment metadata written to metadata.json before a
// run and referenced by attempt.owner.
type Snapshot struct {
	Host           string    `json:"host"`
	User           string    `json:"user"`
	PID            int       `json:"pid"`
	Command        []string  `json:"command"`
	RuntimeVersion string    `json:"runtime_version"`
	Platform       string    `json:"platform"`
	CollectedAt    time.Time `json:"collected_at"`
	Git            *Git      `json:"git,omitempty"`
}

// Collector produces a Snapshot. AllowMissingRemote controls whether a
// Collector may omit Git.Remote without failing (the "allow missing remote"
// config switch named in spec.md §6.4); RecordGit controls whether git
// metadata is collected at all.
type Collector interface {
	Collect(recordGit, allowMissingRemote bool) (Snapshot, error)
}

// HostEnvCollector is the reference Collector: host/user/pid/command/
// runtime/platform only, no git snapshot. It never fails — metadata
// collection failures should degrade gracefully, not block a run.
type HostEnvCollector struct{}

// Collect implements Collector.
func (HostEnvCollector) Collect(recordGit, allowMissingRemote bool) (Snapshot, error) {
	host, _ := os.Hostname()
	username := currentUsername()

	snap := Snapshot{
		Host:           host,
		User:           username,
		PID:            os.Getpid(),
		Command:        os.Args,
		RuntimeVersion: runtime.Version(),
		Platform:       runtime.GOOS + "/" + runtime.GOARCH,
		CollectedAt:    time.Now().UTC(),
	}
	if recordGit {
		snap.Git = &Git{Disabled: false}
		if !allowMissingRemote {
			// The reference collector never actually inspects a VCS root; a
			// caller that both requires git recording and forbids a missing
			// remote gets an explicit "disabled" snapshot rather than a
			// fabricated remote.
			snap.Git.Disabled = true
		}
	} else {
		snap.Git = &Git{Disabled: true}
	}
	return snap, nil
}

func currentUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := strings.TrimSpace(os.Getenv("USER")); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv("USERNAME"))
}
