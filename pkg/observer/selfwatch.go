package observer

import (
	"strings"

	"github.com/go-sentryd/sentryd/pkg/cache"
	"github.com/go-sentryd/sentryd/pkg/event"
	"github.com/go-sentryd/sentryd/pkg/plugin"
)

// selfWatchPlugin is the Observer's stand-in for a Plugin, used for
// both of its self-watches (one on the config file, one on the plugin
// directory). spec.md expresses this as the Observer acting as a
// plugin on itself; here it is a narrow callback interface instead
// (selfWatchKind picks which callback), so a Watch never holds a
// cyclic reference back to a concrete *Observer type.
type selfWatchKind int

const (
	watchingConfig selfWatchKind = iota
	watchingPlugins
)

type selfWatchPlugin struct {
	kind     selfWatchKind
	onConfig func()
	onPlugin func()
}

// relevant reports whether k is in the event set the self-observation
// plugin filters to; every other kind (including the synthetic
// lifecycle kinds) is ignored.
func relevant(k event.Kind) bool {
	switch k {
	case event.Create, event.Delete, event.DeleteSelf, event.Modify,
		event.MoveSelf, event.MovedFrom, event.MovedTo:
		return true
	default:
		return false
	}
}

func (p *selfWatchPlugin) ProcessEvent(ev event.Event) error {
	if !relevant(ev.Kind) {
		return nil
	}
	if strings.HasPrefix(ev.Name, ".") {
		return nil
	}
	// Unlike the source this was adapted from (which ignores compiled
	// ".pyc" caches so only edited Python source retriggers a reload),
	// a Go plugin IS shipped as a compiled ".so" — that is the one file
	// a reload needs to see, so it is deliberately not filtered out
	// here.
	switch p.kind {
	case watchingConfig:
		p.onConfig()
	case watchingPlugins:
		p.onPlugin()
	}
	return nil
}

// selfWatchRegistry builds a one-off plugin.Registry containing a
// single factory named name that always returns p, for handing to a
// self-watch's Watch/PollWatch as its sole available plugin.
func selfWatchRegistry(name string, p *selfWatchPlugin) *plugin.Registry {
	r := plugin.NewRegistry()
	r.Register(name, func(w plugin.Watch, c *cache.Cache, cfg plugin.ConfigSlice) (plugin.Plugin, error) {
		return p, nil
	})
	return r
}
