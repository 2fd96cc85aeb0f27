package scribe

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-sentryd/sentryd/pkg/cache"
	"github.com/go-sentryd/sentryd/pkg/event"
	"github.com/go-sentryd/sentryd/pkg/plugin"
)

type fakeWatch struct{ path string }

func (f fakeWatch) Path() string { return f.path }

func TestNew_RequiresLogDirective(t *testing.T) {
	_, err := New(fakeWatch{"/tmp"}, cache.New(0, 1), plugin.ConfigSlice{})
	if err == nil {
		t.Fatal("expected an error when scribe_log is missing")
	}
}

func TestScribe_WritesLifecycleAndEventLines(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "watch.log")

	c := cache.New(0, 1)
	p, err := New(fakeWatch{"/srv/data"}, c, plugin.ConfigSlice{"log": logPath})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, ev := range []event.Event{
		{Kind: event.WatchInit, Path: "/srv/data"},
		{Kind: event.Create, Path: "/srv/data", Name: "foo.txt"},
		{Kind: event.Open, Path: "/srv/data", Name: "foo.txt"},
		{Kind: event.CloseWrite, Path: "/srv/data", Name: "foo.txt"},
		{Kind: event.WatchDead, Path: "/srv/data"},
	} {
		if err := p.ProcessEvent(ev); err != nil {
			t.Fatalf("ProcessEvent(%v): %v", ev, err)
		}
	}

	contents, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	text := string(contents)

	for _, want := range []string{
		"WATCH STARTED",
		`file "foo.txt" was CREATED`,
		`file "foo.txt" was OPENED`,
		`file "foo.txt" was CLOSED`,
		"WATCH STOPPED",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("log missing %q, got:\n%s", want, text)
		}
	}
}

func TestScribe_MatchesMovePairByCookie(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "watch.log")
	c := cache.New(0, 1)
	p, err := New(fakeWatch{"/srv/data"}, c, plugin.ConfigSlice{"log": logPath})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.ProcessEvent(event.Event{Kind: event.MovedFrom, Path: "/srv/data", Name: "bar.txt", Cookie: 42}); err != nil {
		t.Fatalf("MOVED_FROM: %v", err)
	}
	if err := p.ProcessEvent(event.Event{Kind: event.MovedTo, Path: "/srv/data/blade", Name: "bar.txt", Cookie: 42}); err != nil {
		t.Fatalf("MOVED_TO: %v", err)
	}

	contents, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	if !strings.Contains(string(contents), "MOVE events matched") {
		t.Errorf("log missing matched-move line, got:\n%s", contents)
	}
}
