package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-sentryd/sentryd/pkg/cache"
	"github.com/go-sentryd/sentryd/pkg/event"
	"github.com/go-sentryd/sentryd/pkg/plugin"
)

func waitForPollLen(t *testing.T, mu *sync.Mutex, received *[]event.Kind, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := len(*received)
		mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %d", n, len(*received))
}

func waitForPollDone(t *testing.T, w *PollWatch) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("poll watch did not finish")
	}
}

func TestPollWatch_DetectsModifyAndDelete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "target.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var mu sync.Mutex
	var received []event.Kind

	registry := plugin.NewRegistry()
	registry.Register("stub", recordingFactory(&mu, &received))

	c := cache.New(time.Minute, 100)
	reporter := &fakeReporter{}

	w := NewPollWatch(path, map[string]any{"plugins": "stub"}, registry, c, reporter)
	w.interval = 20 * time.Millisecond
	w.Start()

	waitForPollLen(t, &mu, &received, 1)

	// Force an mtime change distinguishable at the test's poll cadence.
	time.Sleep(30 * time.Millisecond)
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	waitForPollLen(t, &mu, &received, 2)

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	waitForPollDone(t, w)

	mu.Lock()
	defer mu.Unlock()
	want := []event.Kind{event.WatchInit, event.Modify, event.DeleteSelf, event.WatchDead}
	if len(received) != len(want) {
		t.Fatalf("received = %v, want %v", received, want)
	}
	for i := range want {
		if received[i] != want[i] {
			t.Errorf("received[%d] = %v, want %v", i, received[i], want[i])
		}
	}
	if got := w.State(); got != Dead {
		t.Errorf("State() = %v, want Dead", got)
	}
}

func TestPollWatch_MissingTargetRaisesWatchError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "never-created.txt")

	var mu sync.Mutex
	var received []event.Kind

	registry := plugin.NewRegistry()
	registry.Register("stub", recordingFactory(&mu, &received))
	c := cache.New(time.Minute, 100)
	reporter := &fakeReporter{}

	w := NewPollWatch(path, map[string]any{"plugins": "stub"}, registry, c, reporter)
	w.interval = 20 * time.Millisecond
	w.Start()

	waitForPollDone(t, w)

	if reporter.count() == 0 {
		t.Fatal("expected a watch error for a missing poll target")
	}
	if got := w.State(); got != Dead {
		t.Errorf("State() = %v, want Dead", got)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []event.Kind{event.WatchInit, event.WatchDead}
	if len(received) != len(want) {
		t.Fatalf("received = %v, want %v (no Modify/Create should ever be dispatched)", received, want)
	}
}

func TestPollWatch_NonRegularTargetRaisesWatchError(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	var received []event.Kind

	registry := plugin.NewRegistry()
	registry.Register("stub", recordingFactory(&mu, &received))
	c := cache.New(time.Minute, 100)
	reporter := &fakeReporter{}

	w := NewPollWatch(dir, map[string]any{"plugins": "stub"}, registry, c, reporter)
	w.interval = 20 * time.Millisecond
	w.Start()

	waitForPollDone(t, w)

	if reporter.count() == 0 {
		t.Fatal("expected a watch error for a non-regular poll target")
	}
	if got := w.State(); got != Dead {
		t.Errorf("State() = %v, want Dead", got)
	}
}
