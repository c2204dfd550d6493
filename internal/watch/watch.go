// Package watch provides a latency-only wake-up signal for a single
// directory, grounded on the teacher's cmd/bd FileWatcher (fsnotify with a
// polling fallback). It exists purely to shave the tail off the compute
// lock's poll loop: correctness never depends on a notification firing, so
// every failure mode here degrades to "the caller's own poll_interval will
// catch it eventually" rather than to an error.
package watch

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kilnforge/kiln/internal/klog"
)

// Notifier wakes up a waiter shortly after dir's contents change. Call
// Wait() after each failed acquisition attempt; it blocks until either a
// filesystem event is observed or pollInterval elapses, whichever is first.
type Notifier struct {
	dir          string
	pollInterval time.Duration
	watcher      *fsnotify.Watcher // nil if fsnotify unavailable

	mu     sync.Mutex
	closed bool
}

// New arms a watch on dir (expected to be D/.kiln). If fsnotify cannot be
// initialized or dir cannot be watched, it returns a Notifier that falls
// straight back to polling — never an error, since watching is an
// optimization, not a requirement.
func New(dir string, pollInterval time.Duration, enabled bool) *Notifier {
	n := &Notifier{dir: dir, pollInterval: pollInterval}
	if !enabled {
		return n
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		klog.Warn("watch: fsnotify unavailable for %s, falling back to polling: %v", dir, err)
		return n
	}
	if err := w.Add(dir); err != nil {
		// dir may not exist yet (cold artifact directory); watch the parent
		// instead so a later create is still observed.
		if addErr := w.Add(filepath.Dir(dir)); addErr != nil {
			klog.Warn("watch: failed to watch %s or its parent, falling back to polling: %v", dir, err)
			_ = w.Close()
			return n
		}
	}
	n.watcher = w
	return n
}

// Wait blocks until a change is observed in the watched directory or
// pollInterval elapses. It always returns, never blocks indefinitely.
func (n *Notifier) Wait() {
	if n.watcher == nil {
		time.Sleep(n.pollInterval)
		return
	}
	timer := time.NewTimer(n.pollInterval)
	defer timer.Stop()
	select {
	case _, ok := <-n.watcher.Events:
		if !ok {
			time.Sleep(n.pollInterval)
		}
	case <-n.watcher.Errors:
	case <-timer.C:
	}
}

// Close releases the underlying fsnotify watcher, if any.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || n.watcher == nil {
		n.closed = true
		return nil
	}
	n.closed = true
	return n.watcher.Close()
}
