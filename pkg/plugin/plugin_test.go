package plugin

import (
	"errors"
	"testing"

	"github.com/go-sentryd/sentryd/pkg/cache"
)

func TestSlice_ExtractsPrefixedKeysOnly(t *testing.T) {
	watchConfig := map[string]any{
		"plugins":            []string{"mirror"},
		"mirror_destination": "/backup",
		"scribe_log":         "/var/log/scribe.log",
		"mirror_mode":        "sync",
	}

	slice := Slice("mirror", watchConfig)

	if len(slice) != 2 {
		t.Fatalf("len(slice) = %d, want 2, got %v", len(slice), slice)
	}
	if slice.String("destination") != "/backup" {
		t.Errorf("destination = %q, want /backup", slice.String("destination"))
	}
	if slice.String("mode") != "sync" {
		t.Errorf("mode = %q, want sync", slice.String("mode"))
	}
	if slice.Has("log") {
		t.Error("scribe_log leaked into mirror's config slice")
	}
}

func TestRegistry_RegisterLookupSnapshot(t *testing.T) {
	r := NewRegistry()
	if r.Has("mirror") {
		t.Fatal("empty registry reports mirror as present")
	}

	factory := func(w Watch, c *cache.Cache, cfg ConfigSlice) (Plugin, error) {
		return nil, nil
	}
	r.Register("mirror", factory)

	if !r.Has("mirror") {
		t.Fatal("Has(mirror) = false after Register")
	}

	snap := r.Snapshot()
	r.Register("scribe", factory)

	if snap.Has("scribe") {
		t.Error("snapshot observed a registration made after it was taken")
	}
	if !snap.Has("mirror") {
		t.Error("snapshot missing mirror registered before it was taken")
	}
}

func TestError_UnwrapsAndFormats(t *testing.T) {
	base := errors.New("boom")
	err := &Error{Plugin: "mirror", Err: base}

	if !errors.Is(err, base) {
		t.Error("errors.Is did not see through plugin.Error.Unwrap")
	}
	if got := err.Error(); got == "" {
		t.Error("Error() returned empty string")
	}
}
