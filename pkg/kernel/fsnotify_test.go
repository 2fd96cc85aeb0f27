package kernel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-sentryd/sentryd/pkg/event"
)

func drain(t *testing.T, sess Session, timeout time.Duration) []RawEvent {
	t.Helper()
	var got []RawEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-sess.Events():
			got = append(got, ev)
		case err := <-sess.Errors():
			t.Fatalf("unexpected session error: %v", err)
		case <-deadline:
			return got
		}
	}
}

func TestFsnotifySource_CreateAndModify(t *testing.T) {
	dir := t.TempDir()
	src := NewFsnotifySource()
	sess, err := src.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	target := filepath.Join(dir, "foo.txt")
	if err := os.WriteFile(target, []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := drain(t, sess, 2*time.Second)

	var sawCreate bool
	for _, ev := range got {
		if ev.Kind == event.Create && ev.Name == "foo.txt" {
			sawCreate = true
		}
	}
	if !sawCreate {
		t.Errorf("expected a Create event for foo.txt, got %+v", got)
	}
}

func TestFsnotifySource_RecursiveAutoAdd(t *testing.T) {
	dir := t.TempDir()
	src := NewFsnotifySource()
	sess, err := src.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to auto-add "sub" before creating a
	// file inside it.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(sub, "inner.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := drain(t, sess, 2*time.Second)

	var sawInner bool
	for _, ev := range got {
		if ev.Name == "inner.txt" {
			sawInner = true
		}
	}
	if !sawInner {
		t.Errorf("expected a Create event for sub/inner.txt, got %+v", got)
	}
}

func TestFsnotifySource_PairedMove(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	srcKernel := NewFsnotifySource()
	sess, err := srcKernel.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	if err := os.Rename(src, filepath.Join(sub, "a.txt")); err != nil {
		t.Fatal(err)
	}

	got := drain(t, sess, 2*time.Second)

	var from, to *RawEvent
	for i := range got {
		switch got[i].Kind {
		case event.MovedFrom:
			from = &got[i]
		case event.MovedTo:
			to = &got[i]
		}
	}
	if from == nil || to == nil {
		t.Fatalf("expected both MovedFrom and MovedTo, got %+v", got)
	}
	if from.Cookie == 0 || from.Cookie != to.Cookie {
		t.Errorf("cookies not paired: from=%d to=%d", from.Cookie, to.Cookie)
	}
}
