// Package watch implements a single watched directory (Watch) and its
// mtime-polling variant (PollWatch): each owns a dedicated event-loop
// goroutine, a kernel-notification session, and the ordered list of
// configured plugins it dispatches every event to.
package watch

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/go-sentryd/sentryd/pkg/cache"
	"github.com/go-sentryd/sentryd/pkg/event"
	"github.com/go-sentryd/sentryd/pkg/kernel"
	"github.com/go-sentryd/sentryd/pkg/plugin"
	"github.com/go-sentryd/sentryd/pkg/sentryerr"
)

// State is the lifecycle stage of a Watch, exposed for observability
// and tests.
type State int

const (
	Unstarted State = iota
	Running
	Reconfiguring
	Stopping
	Dead
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Running:
		return "running"
	case Reconfiguring:
		return "reconfiguring"
	case Stopping:
		return "stopping"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// pollInterval is the bounded wait spec.md describes as "≈ 1 s", used
// so the run loop observes control flags promptly even when no kernel
// events arrive.
const pollInterval = time.Second

type pendingConfig struct {
	availablePlugins *plugin.Registry
	config           map[string]any
}

// Watch observes a single directory via a kernel.Source session,
// dispatching every event (kernel-sourced or synthetic) to its
// configured plugins in declared order.
type Watch struct {
	id       string
	path     string
	reporter sentryerr.ErrorReporter
	cache    *cache.Cache
	source   kernel.Source
	log      *slog.Logger

	mu               sync.Mutex
	config           map[string]any
	availablePlugins *plugin.Registry
	pending          *pendingConfig
	state            State

	terminate     flag
	errorFlag     flag
	configChanged flag

	interval time.Duration
	doneCh   chan struct{}
}

// New constructs a Watch for path. Construction validates that every
// plugin referenced by config["plugins"] is present in
// availablePlugins; a missing plugin (or a config missing the
// "plugins" key entirely) is a non-fatal watch error: it is reported
// to reporter and Start() on the resulting Watch becomes a no-op.
func New(path string, config map[string]any, availablePlugins *plugin.Registry, c *cache.Cache, source kernel.Source, reporter sentryerr.ErrorReporter) *Watch {
	w := &Watch{
		id:       uuid.NewString(),
		path:     path,
		reporter: reporter,
		cache:    c,
		source:   source,
		log:      slog.With("watch", path),
		interval: pollInterval,
		doneCh:   make(chan struct{}),
	}
	w.configureLocked(availablePlugins, config)
	return w
}

// Path implements plugin.Watch.
func (w *Watch) Path() string { return w.path }

// State returns the Watch's current lifecycle stage.
func (w *Watch) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// configureLocked validates config against availablePlugins and
// installs both, reporting and flagging a watch error on failure. It
// is called both from New and from reconfigure, always from the
// single goroutine that owns w (the caller, or the Watch's own run
// loop), so it does not itself need w.mu — callers already hold it
// where required.
func (w *Watch) configureLocked(availablePlugins *plugin.Registry, config map[string]any) {
	w.availablePlugins = availablePlugins
	w.config = config

	names, err := pluginNames(config)
	if err != nil {
		w.fail("%v", err)
		return
	}
	for _, name := range names {
		if !availablePlugins.Has(name) {
			w.fail("required plugin %q is missing", name)
		}
	}
}

func (w *Watch) fail(format string, args ...any) {
	w.errorFlag.Set()
	w.reporter.ReportError(sentryerr.NewWatchError(w.path, format, args...))
}

// pluginNames extracts the ordered, de-duplicated plugin list from a
// watch config's "plugins" key, which may be a single string or a
// list of strings (or, from a YAML-backed config.Source, []any).
func pluginNames(config map[string]any) ([]string, error) {
	raw, ok := config["plugins"]
	if !ok {
		return nil, fmt.Errorf("missing 'plugins' key in configuration")
	}

	var raws []any
	switch v := raw.(type) {
	case string:
		raws = []any{v}
	case []string:
		for _, s := range v {
			raws = append(raws, s)
		}
	case []any:
		raws = v
	default:
		return nil, fmt.Errorf("'plugins' must be a string or a list of strings")
	}

	seen := make(map[string]bool, len(raws))
	names := make([]string, 0, len(raws))
	for _, r := range raws {
		s, ok := r.(string)
		if !ok {
			return nil, fmt.Errorf("'plugins' entries must be strings")
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		names = append(names, s)
	}
	return names, nil
}

// Start begins the Watch's run loop in its own goroutine. It is a
// no-op if construction (or a prior reconfigure) already flagged an
// error, or if the Watch was already told to terminate.
func (w *Watch) Start() {
	if w.errorFlag.IsSet() || w.terminate.IsSet() {
		return
	}
	w.mu.Lock()
	w.state = Running
	w.mu.Unlock()
	go w.run()
}

// Stop requests the Watch terminate. It is idempotent and does not
// block; use Done() to wait for the goroutine to actually exit.
func (w *Watch) Stop() {
	w.terminate.Set()
}

// Done returns a channel closed once the Watch's run loop has fully
// exited (after dispatching WatchDead).
func (w *Watch) Done() <-chan struct{} {
	return w.doneCh
}

// UpdateConfig publishes a new (availablePlugins, config) pair for the
// Watch to pick up on its next loop iteration: the Observer installs
// pending under the Watch's lock, releases it, then sets
// config_changed — the publish-then-signal protocol from spec.md §5.
func (w *Watch) UpdateConfig(availablePlugins *plugin.Registry, config map[string]any) {
	w.mu.Lock()
	w.pending = &pendingConfig{availablePlugins: availablePlugins, config: config}
	w.mu.Unlock()
	w.configChanged.Set()
}

func (w *Watch) run() {
	defer close(w.doneCh)

	// WATCH_INIT is the first event on a watch, before any kernel
	// event, so plugins may do one-time initialization.
	w.dispatch(event.Event{Kind: event.WatchInit, Path: w.path})

	sess, err := w.source.Open(w.path)
	if err != nil {
		w.fail("failed to open kernel session: %v", err)
		w.finish()
		return
	}
	defer sess.Close()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				w.terminate.Set()
			} else {
				w.dispatch(event.Event{Kind: ev.Kind, Path: ev.Path, Name: ev.Name, IsDir: ev.IsDir, Cookie: ev.Cookie})
			}
		case err, ok := <-sess.Errors():
			if ok {
				w.fail("kernel session error: %v", err)
			}
		case <-ticker.C:
			// Bounded wait expires; fall through to flag checks.
		}

		if w.configChanged.IsSet() {
			w.configChanged.Clear()
			w.reconfigure()
		}
		if w.errorFlag.IsSet() {
			w.terminate.Set()
		}
		if w.terminate.IsSet() {
			w.terminate.Clear()
			break
		}
	}

	w.finish()
}

func (w *Watch) reconfigure() {
	w.mu.Lock()
	pending := w.pending
	w.pending = nil
	if pending != nil {
		w.state = Reconfiguring
	}
	w.mu.Unlock()

	if pending == nil {
		return
	}

	w.configureLocked(pending.availablePlugins, pending.config)

	w.mu.Lock()
	if w.state == Reconfiguring {
		w.state = Running
	}
	w.mu.Unlock()

	w.dispatch(event.Event{Kind: event.WatchReconfig, Path: w.path})
}

func (w *Watch) finish() {
	w.mu.Lock()
	w.state = Stopping
	w.mu.Unlock()

	// WATCH_DEAD is dispatched directly, bypassing the terminate/error
	// drop check in dispatch, so plugins can always release cached
	// resources.
	w.invokePlugins(event.Event{Kind: event.WatchDead, Path: w.path})

	w.mu.Lock()
	w.state = Dead
	w.mu.Unlock()
}

// dispatch is the Watch's process_event: it drops every event
// (kernel-sourced or synthetic) while terminating or errored, handles the MoveSelf/DeleteSelf
// self-stop special cases, and otherwise hands the event to every
// configured plugin.
func (w *Watch) dispatch(ev event.Event) {
	if w.errorFlag.IsSet() || w.terminate.IsSet() {
		return
	}

	if ev.Kind == event.MoveSelf && ev.Path == w.path {
		w.Stop()
	}
	if ev.Kind == event.DeleteSelf && ev.Path == w.path {
		w.Stop()
	}

	w.invokePlugins(ev)
}

func (w *Watch) invokePlugins(ev event.Event) {
	w.mu.Lock()
	config := w.config
	registry := w.availablePlugins
	w.mu.Unlock()

	names, err := pluginNames(config)
	if err != nil {
		return
	}

	for _, name := range names {
		factory, ok := registry.Lookup(name)
		if !ok {
			w.reporter.ReportError(sentryerr.NewWatchError(w.path, "required plugin %q is missing", name))
			continue
		}

		slice := plugin.Slice(name, config)
		w.invokeOne(name, factory, slice, ev)
	}
}

func (w *Watch) invokeOne(name string, factory plugin.Factory, slice plugin.ConfigSlice, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			w.reporter.ReportError(sentryerr.NewPluginWatchError(w.path, name, fmt.Errorf("panic: %v", r)))
		}
	}()

	p, err := factory(w, w.cache, slice)
	if err != nil {
		w.reporter.ReportError(sentryerr.NewPluginWatchError(w.path, name, err))
		return
	}
	if p == nil {
		return
	}

	if err := p.ProcessEvent(ev); err != nil {
		w.reporter.ReportError(sentryerr.NewPluginWatchError(w.path, name, err))
	}
}
