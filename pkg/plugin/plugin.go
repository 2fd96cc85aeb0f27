// Package plugin defines the host-to-plugin ABI: a stateless handler
// instantiated per event delivery, bound to its owning watch, the
// shared cache, and its per-watch configuration slice.
package plugin

import (
	"fmt"

	"github.com/go-sentryd/sentryd/pkg/cache"
	"github.com/go-sentryd/sentryd/pkg/event"
)

// Watch is the narrow view of a Watch a Plugin is allowed to see. It
// is implemented by *watch.Watch; defining it here (rather than
// importing pkg/watch) avoids an import cycle, since pkg/watch must
// import pkg/plugin to dispatch events to plugins.
type Watch interface {
	Path() string
}

// Plugin is a stateless handler, constructed fresh per event delivery
// so that a reloaded plugin implementation takes effect immediately.
type Plugin interface {
	ProcessEvent(ev event.Event) error
}

// ConfigSlice is the subset of a watch's configuration whose keys
// begin with "<plugin-name>_", with that prefix stripped. The
// "plugins" key itself is never included, because it is consumed by
// the Watch before a ConfigSlice is ever built.
type ConfigSlice map[string]any

// String returns the slice's value for key as a string, or "" if
// absent or not a string.
func (c ConfigSlice) String(key string) string {
	v, ok := c[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Has reports whether key is present in the slice.
func (c ConfigSlice) Has(key string) bool {
	_, ok := c[key]
	return ok
}

// Slice extracts the plugin-scoped subset of watchConfig for plugin
// name: every key "name_<rest>" becomes "<rest>" in the result.
func Slice(name string, watchConfig map[string]any) ConfigSlice {
	prefix := name + "_"
	slice := make(ConfigSlice)
	for k, v := range watchConfig {
		if k == "plugins" {
			continue
		}
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			slice[k[len(prefix):]] = v
		}
	}
	return slice
}

// Factory constructs a Plugin instance bound to watch, cache, and its
// configuration slice. A Registry maps plugin names to Factories.
type Factory func(w Watch, c *cache.Cache, cfg ConfigSlice) (Plugin, error)

// Error wraps a plugin-originated failure. It is private to the
// dispatching Watch: the Watch catches it and reports a public
// sentryerr.WatchError carrying the plugin's name instead of
// propagating Error itself.
type Error struct {
	Plugin string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("plugin %q: %v", e.Plugin, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error for plugin name.
func Errorf(name, format string, args ...any) *Error {
	return &Error{Plugin: name, Err: fmt.Errorf(format, args...)}
}
