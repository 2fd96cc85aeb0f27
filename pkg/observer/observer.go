// Package observer implements the top-level supervisor: it owns the
// shared cache, the plugin registry, the set of live Watches, and two
// self-watches (one on its config source, one on its plugin
// directory), reconciling the running set of Watches with declared
// configuration as that configuration changes.
package observer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-sentryd/sentryd/pkg/cache"
	"github.com/go-sentryd/sentryd/pkg/config"
	"github.com/go-sentryd/sentryd/pkg/kernel"
	"github.com/go-sentryd/sentryd/pkg/plugin"
	"github.com/go-sentryd/sentryd/pkg/sentryerr"
	"github.com/go-sentryd/sentryd/pkg/watch"
)

// defaultCacheMaxAge and defaultCachePurgeInterval match the values
// the source wired unconditionally at construction.
const (
	defaultCacheMaxAge        = 10 * time.Second
	defaultCachePurgeInterval = 100
)

// tickInterval is the Observer main loop's bounded wait.
const tickInterval = time.Second

const (
	configWatchPluginName  = "config_watch"
	pluginsWatchPluginName = "plugins_watch"
)

// Observer is the supervisor described in package doc.
type Observer struct {
	source       config.Source
	pluginsDir   string
	kernelSource kernel.Source
	cache        *cache.Cache
	registry     *plugin.Registry
	log          *slog.Logger

	mu      sync.Mutex
	doc     *config.Document
	watches map[string]*watch.Watch

	configWatch  *watch.PollWatch
	pluginsWatch *watch.Watch

	lastErrMu sync.Mutex
	lastErr   error

	terminate      flag
	errorFlag      flag
	configChanged  flag
	pluginsChanged flag

	doneCh chan struct{}
}

// New constructs an Observer from source, with registry as its
// starting plugin registry — ordinarily plugin.Default(), populated by
// the compiled-in plugin packages' own init() registrations; a test
// typically passes a fresh plugin.NewRegistry() for isolation.
// Construction loads and validates configuration, and loads any
// dynamic plugins from pluginsDir, synchronously — per spec.md,
// anything wrong before Start() propagates as a returned error rather
// than through Error().
func New(source config.Source, pluginsDir string, kernelSource kernel.Source, registry *plugin.Registry) (*Observer, error) {
	doc, err := source.Load()
	if err != nil {
		return nil, sentryerr.WrapObserverError(err, "invalid configuration")
	}

	o := &Observer{
		source:       source,
		pluginsDir:   pluginsDir,
		kernelSource: kernelSource,
		cache:        cache.New(defaultCacheMaxAge, defaultCachePurgeInterval),
		registry:     registry,
		log:          slog.With("component", "observer"),
		doc:          doc,
		watches:      make(map[string]*watch.Watch),
		doneCh:       make(chan struct{}),
	}

	if pluginsDir != "" {
		if _, err := o.registry.LoadDir(pluginsDir); err != nil {
			return nil, sentryerr.WrapObserverError(err, "could not load plugin(s)")
		}
	}

	return o, nil
}

// ReportError implements sentryerr.ErrorReporter: it is the back-
// reference handle every Watch and PollWatch (including the self-
// watches) holds to report failures discovered on their own
// goroutine. Only a public/user-visible error sets the Observer's
// error flag; all reported errors are recorded as the last error seen.
func (o *Observer) ReportError(err error) {
	o.lastErrMu.Lock()
	o.lastErr = err
	o.lastErrMu.Unlock()
	o.log.Error("reported error", "err", err)

	var observerErr *sentryerr.ObserverError
	var watchErr *sentryerr.WatchError
	if errors.As(err, &observerErr) || errors.As(err, &watchErr) {
		o.errorFlag.Set()
	}
}

// Error returns the message of the last user-visible error reported,
// or "" if none has occurred.
func (o *Observer) Error() string {
	if !o.errorFlag.IsSet() {
		return ""
	}
	o.lastErrMu.Lock()
	defer o.lastErrMu.Unlock()
	if o.lastErr == nil {
		return ""
	}
	return o.lastErr.Error()
}

// Config returns the Observer's current configuration document.
func (o *Observer) Config() *config.Document {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.doc
}

// Start enacts the global options, constructs and starts a Watch for
// every configured path, and begins the Observer's own reconciliation
// loop in a new goroutine.
func (o *Observer) Start() {
	o.mu.Lock()
	doc := o.doc
	o.obeyLocked("watch_config", doc.Global.WatchConfig)
	o.obeyLocked("watch_plugins", doc.Global.WatchPlugins)
	for path, wc := range doc.Watches {
		o.startWatchLocked(path, wc)
	}
	o.mu.Unlock()

	go o.run()
}

// Stop requests the Observer terminate; it does not block. Use Done()
// to wait for shutdown to complete.
func (o *Observer) Stop() {
	o.terminate.Set()
}

// Done returns a channel closed once the Observer and every Watch it
// owns (including the self-watches) have fully stopped.
func (o *Observer) Done() <-chan struct{} {
	return o.doneCh
}

func (o *Observer) run() {
	defer close(o.doneCh)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		<-ticker.C

		if o.terminate.IsSet() {
			break
		}
		if o.errorFlag.IsSet() {
			break
		}
		if o.pluginsChanged.IsSet() {
			o.pluginsChanged.Clear()
			o.reloadPlugins()
		}
		if o.configChanged.IsSet() {
			o.configChanged.Clear()
			o.reconcileConfig()
		}
	}

	o.mu.Lock()
	for _, w := range o.watches {
		w.Stop()
	}
	if o.configWatch != nil {
		o.configWatch.Stop()
	}
	if o.pluginsWatch != nil {
		o.pluginsWatch.Stop()
	}
	watches := make([]*watch.Watch, 0, len(o.watches))
	for _, w := range o.watches {
		watches = append(watches, w)
	}
	configWatch, pluginsWatch := o.configWatch, o.pluginsWatch
	o.mu.Unlock()

	for _, w := range watches {
		<-w.Done()
	}
	if configWatch != nil {
		<-configWatch.Done()
	}
	if pluginsWatch != nil {
		<-pluginsWatch.Done()
	}
}

func (o *Observer) reloadPlugins() {
	if o.pluginsDir == "" {
		return
	}
	if _, err := o.registry.LoadDir(o.pluginsDir); err != nil {
		o.ReportError(sentryerr.WrapObserverError(err, "could not reload plugin(s)"))
	}
}

// reconcileConfig re-reads the configuration source and diffs it
// against the previously loaded Document, exactly as spec.md §4.4
// step 3's config_changed handling describes.
func (o *Observer) reconcileConfig() {
	newDoc, err := o.source.Load()
	if err != nil {
		o.ReportError(sentryerr.WrapObserverError(err, "invalid configuration on reload"))
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	oldDoc := o.doc
	o.doc = newDoc

	if !sameTruthiness(oldDoc.Global.WatchConfig, newDoc.Global.WatchConfig) {
		o.obeyLocked("watch_config", newDoc.Global.WatchConfig)
	}
	if !sameTruthiness(oldDoc.Global.WatchPlugins, newDoc.Global.WatchPlugins) {
		o.obeyLocked("watch_plugins", newDoc.Global.WatchPlugins)
	}

	for path, w := range o.watches {
		if _, stillConfigured := newDoc.Watches[path]; !stillConfigured {
			w.Stop()
			delete(o.watches, path)
		}
	}

	snapshot := o.registry.Snapshot()
	for path, wc := range newDoc.Watches {
		if w, ok := o.watches[path]; ok {
			w.UpdateConfig(snapshot, wc)
			continue
		}
		o.startWatchLocked(path, wc)
	}
}

func sameTruthiness(a, b any) bool {
	at, aerr := config.Truthy(a)
	bt, berr := config.Truthy(b)
	if aerr != nil || berr != nil {
		return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
	}
	return at == bt
}

// startWatchLocked constructs and starts a Watch for path with config
// wc, recording it under o.watches. Caller must hold o.mu.
func (o *Observer) startWatchLocked(path string, wc config.WatchConfig) {
	w := watch.New(path, map[string]any(wc), o.registry.Snapshot(), o.cache, o.kernelSource, o)
	o.watches[path] = w
	w.Start()
}

// obeyLocked implements spec.md's obey(option): turning a self-watch
// on or off in response to either initial construction or a global
// option whose truthiness changed on reload. Caller must hold o.mu.
func (o *Observer) obeyLocked(option string, rawValue any) {
	on, err := config.Truthy(rawValue)
	if err != nil {
		o.ReportError(sentryerr.NewObserverError("invalid value for %s: %v", option, err))
		return
	}

	switch option {
	case "watch_config":
		if on {
			if o.doc.ConfigPath == "" || o.configWatch != nil {
				return
			}
			p := &selfWatchPlugin{kind: watchingConfig, onConfig: func() { o.configChanged.Set() }}
			registry := selfWatchRegistry(configWatchPluginName, p)
			cw := watch.NewPollWatch(o.doc.ConfigPath, map[string]any{"plugins": configWatchPluginName}, registry, o.cache, o)
			o.configWatch = cw
			cw.Start()
		} else if o.configWatch != nil {
			o.configWatch.Stop()
			o.configWatch = nil
		}

	case "watch_plugins":
		if on {
			if o.pluginsDir == "" || o.pluginsWatch != nil {
				return
			}
			p := &selfWatchPlugin{kind: watchingPlugins, onPlugin: func() { o.pluginsChanged.Set() }}
			registry := selfWatchRegistry(pluginsWatchPluginName, p)
			pw := watch.New(o.pluginsDir, map[string]any{"plugins": pluginsWatchPluginName}, registry, o.cache, o.kernelSource, o)
			o.pluginsWatch = pw
			pw.Start()
		} else if o.pluginsWatch != nil {
			o.pluginsWatch.Stop()
			o.pluginsWatch = nil
		}

	default:
		o.ReportError(sentryerr.NewObserverError("obey called with unknown option %q", option))
	}
}
