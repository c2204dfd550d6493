package computelock

import (
	"time"

	"github.com/kilnforge/kiln/internal/klog"
	"github.com/kilnforge/kiln/internal/state"
)

// startHeartbeat launches the goroutine that refreshes heartbeat_at and
// lease_expires_at at interval, per spec.md §4.5 step 2. A heartbeat write
// failure is logged and suppressed (per spec.md §7 propagation policy) —
// it never aborts the caller's work, since the reconciler will eventually
// classify a truly stuck attempt as crashed on lease expiry.
func (h *Handle) startHeartbeat(interval time.Duration) {
	h.stopHeart = make(chan struct{})
	h.heartDone = make(chan struct{})

	go func() {
		defer close(h.heartDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := state.Heartbeat(h.d, h.attemptID, h.leaseDuration); err != nil {
					klog.Warn("computelock: heartbeat failed for %s attempt %s: %v", h.d.Path(), h.attemptID, err)
				}
			case <-h.stopHeart:
				return
			}
		}
	}()
}

// stopHeartbeat signals the heartbeat goroutine to exit and waits for it.
// Safe to call more than once or from either Release or the signal handler.
func (h *Handle) stopHeartbeat() {
	h.heartbeatOnce.Do(func() {
		if h.stopHeart == nil {
			return
		}
		close(h.stopHeart)
		<-h.heartDone
	})
}
