// Package scribe is a reference plugin that writes a human-readable
// line to a log file (or stdout) for every event delivered to a watch,
// adapted from the original supervisor's "scribe" plugin.
package scribe

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-sentryd/sentryd/pkg/cache"
	"github.com/go-sentryd/sentryd/pkg/event"
	"github.com/go-sentryd/sentryd/pkg/plugin"
)

// Name is the plugin name a watch's "plugins" key refers to.
const Name = "scribe"

// stdoutTarget is the scribe_log value that means "write to stdout"
// instead of a file.
const stdoutTarget = "-"

func init() {
	plugin.Register(Name, New)
}

// New constructs a scribe Plugin bound to watch and cfg. cfg must carry
// a "log" key (from the watch's scribe_log directive): either "-" for
// stdout, or a filesystem path appended to for the life of the watch.
func New(w plugin.Watch, c *cache.Cache, cfg plugin.ConfigSlice) (plugin.Plugin, error) {
	target := cfg.String("log")
	if target == "" {
		return nil, plugin.Errorf(Name, "missing scribe_log directive")
	}
	return &scribePlugin{watch: w, cache: c, target: target}, nil
}

type scribePlugin struct {
	watch  plugin.Watch
	cache  *cache.Cache
	target string
}

var messages = map[event.Kind]string{
	event.Access:       "%s %q was ACCESSED",
	event.Attrib:       "the METADATA for %s %q was changed",
	event.CloseNowrite:  "%s %q was CLOSED without being written to",
	event.CloseWrite:    "%s %q was CLOSED",
	event.Create:        "%s %q was CREATED",
	event.Delete:        "%s %q was DELETED",
	event.DeleteSelf:    "watched %s %q was itself DELETED",
	event.Modify:        "%s %q was MODIFIED",
	event.MoveSelf:      "watched %s %q was itself MOVED",
	event.MovedFrom:     "%s %q just MOVED OUT",
	event.MovedTo:       "%s %q just MOVED IN",
	event.Open:          "%s %q was OPENED",
	event.WatchInit:     "WATCH STARTED",
	event.WatchReconfig: "WATCH RECONFIGURED",
	event.WatchDead:     "WATCH STOPPED",
}

func (p *scribePlugin) cacheKey(cookie uint32) string {
	return fmt.Sprintf("scribe_%s_%d", p.watch.Path(), cookie)
}

func (p *scribePlugin) ProcessEvent(ev event.Event) error {
	message, ok := messages[ev.Kind]
	if !ok {
		return nil
	}

	if ev.Kind.Synthetic() {
		return p.log(fmt.Sprintf("scribe: %s: %s", ev.Path, message))
	}

	kind := "file"
	if ev.IsDir {
		kind = "directory"
	}
	name := ev.Name
	if name == "" {
		name = "."
	}
	if err := p.log(fmt.Sprintf("scribe: %s: "+message, ev.Path, kind, name)); err != nil {
		return err
	}

	if ev.Kind == event.MovedFrom || ev.Kind == event.MovedTo {
		p.matchMove(ev)
	}
	return nil
}

// matchMove pairs a MovedFrom/MovedTo by cookie, logging a single
// combined "moved from -> to" line the second time its cookie is seen.
func (p *scribePlugin) matchMove(ev event.Event) {
	key := p.cacheKey(ev.Cookie)
	cached, ok := p.cache.Pop(key)
	if !ok {
		p.cache.Push(key, ev, false)
		return
	}

	other := cached.(event.Event)
	from, to := other, ev
	if ev.Kind == event.MovedFrom {
		from, to = ev, other
	}

	kind := "file"
	if ev.IsDir {
		kind = "directory"
	}
	_ = p.log(fmt.Sprintf("scribe: MOVE events matched: %s %q was moved to %q",
		kind, filepath.Join(from.Path, from.Name), filepath.Join(to.Path, to.Name)))
}

func (p *scribePlugin) log(line string) error {
	line = fmt.Sprintf("%s %s\n", time.Now().Format(time.RFC3339), line)

	if p.target == stdoutTarget {
		_, err := fmt.Fprint(os.Stdout, line)
		return err
	}

	f, ok := p.cache.Get("scribe_fd_" + p.target)
	var file *os.File
	if ok {
		file = f.(*os.File)
	} else {
		var err error
		file, err = os.OpenFile(p.target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return plugin.Errorf(Name, "could not open log file %q: %v", p.target, err)
		}
		p.cache.Push("scribe_fd_"+p.target, file, true)
	}

	if _, err := fmt.Fprint(file, line); err != nil {
		return plugin.Errorf(Name, "could not write to log file %q: %v", p.target, err)
	}
	return nil
}
