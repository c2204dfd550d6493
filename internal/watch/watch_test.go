package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWaitReturnsOnPollTimeoutWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	n := New(dir, 20*time.Millisecond, false)
	defer n.Close()

	start := time.Now()
	n.Wait()
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("expected Wait to honor the poll interval when watching is disabled")
	}
}

func TestWaitWakesOnChange(t *testing.T) {
	dir := t.TempDir()
	n := New(dir, 2*time.Second, true)
	defer n.Close()

	done := make(chan struct{})
	go func() {
		n.Wait()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("expected Wait to return promptly on a filesystem event")
	}
}

func TestNewFallsBackOnMissingDir(t *testing.T) {
	n := New(filepath.Join(t.TempDir(), "does-not-exist-yet"), 10*time.Millisecond, true)
	defer n.Close()
	n.Wait() // must not hang even though the watched path never existed
}
