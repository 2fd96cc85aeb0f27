// Package mirror is a reference plugin that keeps a destination
// directory synchronized with the files and subdirectories of a
// watched directory, adapted from the original supervisor's "replica"
// plugin.
package mirror

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-sentryd/sentryd/pkg/cache"
	"github.com/go-sentryd/sentryd/pkg/event"
	"github.com/go-sentryd/sentryd/pkg/plugin"
)

// Name is the plugin name a watch's "plugins" key refers to, and the
// prefix its config keys carry (mirror_destination).
const Name = "mirror"

func init() {
	plugin.Register(Name, New)
}

// New constructs a mirror Plugin instance, called fresh for every
// event dispatched to a watch configured with "mirror".
func New(w plugin.Watch, c *cache.Cache, cfg plugin.ConfigSlice) (plugin.Plugin, error) {
	dest := cfg.String("destination")
	if dest == "" {
		return nil, plugin.Errorf(Name, "missing mirror_destination directive")
	}
	return &mirrorPlugin{watch: w, cache: c, destination: dest}, nil
}

type mirrorPlugin struct {
	watch       plugin.Watch
	cache       *cache.Cache
	destination string
}

func (p *mirrorPlugin) configCacheKey() string { return "mirror_config_" + p.watch.Path() }
func (p *mirrorPlugin) moveCacheKey() string   { return "mirror_move_" + p.watch.Path() }

func (p *mirrorPlugin) ProcessEvent(ev event.Event) error {
	// The pending-move cache check runs for every event, including the
	// synthetic lifecycle ones: a watch that reconfigures or dies with
	// a MovedFrom still stashed (no matching MovedTo ever arrived)
	// must not leave that half-finished move cached forever, matching
	// the original replica plugin's unconditional move-cache check.
	if pending, ok := p.cache.Pop(p.moveCacheKey()); ok {
		pendingEv := pending.(event.Event)
		if ev.Kind == event.MovedTo && ev.Cookie != 0 && ev.Cookie == pendingEv.Cookie {
			return p.finishMove(pendingEv, ev)
		}
		if err := p.deleteEvent(pendingEv); err != nil {
			return err
		}
	}

	switch ev.Kind {
	case event.WatchInit:
		p.cache.Push(p.configCacheKey(), p.destination, true)
		return p.initMirror()

	case event.WatchReconfig:
		cached, _ := p.cache.Get(p.configCacheKey())
		if cachedDest, _ := cached.(string); cachedDest != p.destination {
			p.cache.Push(p.configCacheKey(), p.destination, true)
			return p.initMirror()
		}
		return nil

	case event.WatchDead:
		return nil

	case event.Attrib:
		return p.copyStat(ev)
	case event.Create, event.Modify, event.MovedTo:
		return p.copyEvent(ev)
	case event.Delete:
		return p.deleteEvent(ev)
	case event.MovedFrom:
		p.cache.Push(p.moveCacheKey(), ev, false)
		return nil
	}
	return nil
}

func (p *mirrorPlugin) initMirror() error {
	if err := os.RemoveAll(p.destination); err != nil {
		return fmt.Errorf("mirror: failed clearing %s: %w", p.destination, err)
	}
	return copyTree(p.watch.Path(), p.destination)
}

func (p *mirrorPlugin) destinationFor(sourcePath string) string {
	rel, err := filepath.Rel(p.watch.Path(), sourcePath)
	if err != nil {
		rel = filepath.Base(sourcePath)
	}
	return filepath.Join(p.destination, rel)
}

func (p *mirrorPlugin) copyEvent(ev event.Event) error {
	source := filepath.Join(ev.Path, ev.Name)
	dest := p.destinationFor(source)
	if ev.IsDir {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			// Best-effort, like the source: the object may already be gone.
			return nil
		}
		return nil
	}
	if err := copyFile(source, dest); err != nil {
		return nil
	}
	return nil
}

func (p *mirrorPlugin) copyStat(ev event.Event) error {
	source := filepath.Join(ev.Path, ev.Name)
	dest := p.destinationFor(source)
	info, err := os.Stat(source)
	if err != nil {
		return nil
	}
	_ = os.Chmod(dest, info.Mode())
	return nil
}

func (p *mirrorPlugin) deleteEvent(ev event.Event) error {
	target := p.destinationFor(filepath.Join(ev.Path, ev.Name))
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("mirror: failed removing %s: %w", target, err)
	}
	return nil
}

func (p *mirrorPlugin) finishMove(from, to event.Event) error {
	source := p.destinationFor(filepath.Join(from.Path, from.Name))
	dest := p.destinationFor(filepath.Join(to.Path, to.Name))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("mirror: failed preparing move destination: %w", err)
	}
	if err := os.Rename(source, dest); err != nil {
		return fmt.Errorf("mirror: failed moving %s to %s: %w", source, dest, err)
	}
	return nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}

	if info, err := os.Stat(src); err == nil {
		_ = os.Chmod(dst, info.Mode())
	}
	return nil
}
