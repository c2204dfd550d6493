package computelock

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/kilnforge/kiln/internal/kerrors"
	"github.com/kilnforge/kiln/internal/klog"
	"github.com/kilnforge/kiln/internal/state"
)

// installSignalHandler traps SIGTERM/SIGINT for the lifetime of the handle,
// per spec.md §4.5.1. The handler performs exactly one state mutation
// (finish_preempted), stops the heartbeat, releases the compute lock, and
// exits the process with the conventional shell-signal exit code. It is
// safe to invoke from any goroutine and never acquires a lock beyond the
// single state.Update call finish_preempted makes.
func (h *Handle) installSignalHandler() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	uninstalled := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			h.stopHeartbeat()
			sigErr := &kerrors.SignalTerminated{Signal: int(sig.(syscall.Signal))}
			errInfo := sigErr.ErrInfo()
			reason := errInfo["message"].(string)
			if err := state.FinishPreempted(h.d, h.attemptID, errInfo, reason); err != nil {
				klog.Warn("computelock: finish_preempted on signal failed for %s: %v", h.d.Path(), err)
			}
			_ = h.lock.Release()

			code := 143 // SIGTERM
			if sig == syscall.SIGINT {
				code = 130
			}
			os.Exit(code)
		case <-uninstalled:
		}
	}()

	h.uninstallSig = func() {
		signal.Stop(sigCh)
		close(uninstalled)
	}
}
