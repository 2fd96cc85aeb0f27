package watch

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/go-sentryd/sentryd/pkg/cache"
	"github.com/go-sentryd/sentryd/pkg/event"
	"github.com/go-sentryd/sentryd/pkg/plugin"
	"github.com/go-sentryd/sentryd/pkg/sentryerr"
)

// pollMtimeInterval is how often PollWatch stats its target file. The
// kernel notification API this system otherwise relies on is directory
// oriented; a single regular file is watched by polling its mtime
// instead, at the same cadence Watch uses for its control-flag wait.
const pollMtimeInterval = time.Second

// PollWatch observes a single regular file by polling its modification
// time, for targets that cannot be handed to a kernel.Source directory
// watch. It shares Watch's plugin-dispatch and reconfiguration
// protocol, differing only in how it discovers change.
type PollWatch struct {
	id       string
	path     string
	reporter sentryerr.ErrorReporter
	cache    *cache.Cache

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

// NewPollWatch constructs a PollWatch for the regular file at path,
// with the same construction-time plugin validation as New.
func NewPollWatch(path string, config map[string]any, availablePlugins *plugin.Registry, c *cache.Cache, reporter sentryerr.ErrorReporter) *PollWatch {
	w := &PollWatch{
		id:       uuid.NewString(),
		path:     path,
		reporter: reporter,
		cache:    c,
		interval: pollMtimeInterval,
		doneCh:   make(chan struct{}),
	}
	w.configureLocked(availablePlugins, config)
	return w
}

func (w *PollWatch) Path() string { return w.path }

func (w *PollWatch) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *PollWatch) configureLocked(availablePlugins *plugin.Registry, config map[string]any) {
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

func (w *PollWatch) fail(format string, args ...any) {
	w.errorFlag.Set()
	w.reporter.ReportError(sentryerr.NewWatchError(w.path, format, args...))
}

func (w *PollWatch) Start() {
	if w.errorFlag.IsSet() || w.terminate.IsSet() {
		return
	}
	w.mu.Lock()
	w.state = Running
	w.mu.Unlock()
	go w.run()
}

func (w *PollWatch) Stop() {
	w.terminate.Set()
}

func (w *PollWatch) Done() <-chan struct{} {
	return w.doneCh
}

func (w *PollWatch) UpdateConfig(availablePlugins *plugin.Registry, config map[string]any) {
	w.mu.Lock()
	w.pending = &pendingConfig{availablePlugins: availablePlugins, config: config}
	w.mu.Unlock()
	w.configChanged.Set()
}

func (w *PollWatch) run() {
	defer close(w.doneCh)

	// Emitted for uniformity with Watch, even though a polling watch
	// has no kernel session to open.
	w.dispatch(event.Event{Kind: event.WatchInit, Path: w.path})

	lastMtime, lastExists, err := w.statRegular()
	if err != nil {
		w.fail("%v", err)
		w.finish()
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		<-ticker.C

		mtime, exists := w.stat()
		switch {
		case exists && !lastExists:
			w.dispatch(event.Event{Kind: event.Create, Path: w.path})
		case !exists && lastExists:
			w.dispatch(event.Event{Kind: event.DeleteSelf, Path: w.path})
		case exists && lastExists && !mtime.Equal(lastMtime):
			w.dispatch(event.Event{Kind: event.Modify, Path: w.path})
		}
		lastMtime, lastExists = mtime, exists

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

func (w *PollWatch) stat() (time.Time, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// statRegular implements spec.md §4.3 step 1: the initial stat must
// find a regular file, not merely any existing path. A target that is
// absent or that is the wrong type (a directory, a device, ...) is a
// watch error and the PollWatch never enters its poll loop. Once
// running, a target that disappears is reported via DeleteSelf instead
// (see run's main loop), matching Watch's own self-delete handling.
func (w *PollWatch) statRegular() (time.Time, bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("poll watch target %s: %w", w.path, err)
	}
	if !info.Mode().IsRegular() {
		return time.Time{}, false, fmt.Errorf("poll watch target %s is not a regular file", w.path)
	}
	return info.ModTime(), true, nil
}

func (w *PollWatch) reconfigure() {
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

func (w *PollWatch) finish() {
	w.mu.Lock()
	w.state = Stopping
	w.mu.Unlock()

	w.invokePlugins(event.Event{Kind: event.WatchDead, Path: w.path})

	w.mu.Lock()
	w.state = Dead
	w.mu.Unlock()
}

func (w *PollWatch) dispatch(ev event.Event) {
	if w.errorFlag.IsSet() || w.terminate.IsSet() {
		return
	}
	if ev.Kind == event.DeleteSelf && ev.Path == w.path {
		w.Stop()
	}
	w.invokePlugins(ev)
}

func (w *PollWatch) invokePlugins(ev event.Event) {
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

func (w *PollWatch) invokeOne(name string, factory plugin.Factory, slice plugin.ConfigSlice, ev event.Event) {
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
