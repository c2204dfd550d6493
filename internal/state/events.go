package state

import (
	"bufio"
	"encoding/json"
	"os"
	"time"

	"github.com/kilnforge/kiln/internal/klog"
	"github.com/kilnforge/kiln/internal/layout"
)

// AppendEvent best-effort appends one line to events.jsonl. Failure is
// logged, never returned as fatal: events.jsonl is observational only
// (audit/dashboards), and correctness never depends on it, mirroring the
// teacher's internal/audit.Append posture for interactions.jsonl.
func AppendEvent(d layout.Dir, kind string, data map[string]any) {
	if err := appendEvent(d, kind, data); err != nil {
		klog.Warn("state: failed to append event %q for %s: %v", kind, d.Path(), err)
	}
}

func appendEvent(d layout.Dir, kind string, data map[string]any) error {
	if err := d.EnsureInternal(); err != nil {
		return err
	}
	host, _ := os.Hostname()
	ev := Event{
		Ts:   time.Now().UTC(),
		PID:  os.Getpid(),
		Host: host,
		Kind: kind,
		Data: data,
	}

	f, err := os.OpenFile(d.EventsPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ev); err != nil {
		return err
	}
	return bw.Flush()
}
