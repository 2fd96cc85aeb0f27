package kernel

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/go-sentryd/sentryd/pkg/event"
)

// movePairWindow bounds how long a MOVED_FROM is held waiting for a
// matching MOVED_TO before being emitted unpaired. fsnotify's public
// API does not expose the raw inotify rename cookie (see
// DESIGN.md for why this is a deliberate, documented limitation of the
// adapter rather than the abstract kernel.Source contract).
const movePairWindow = 50 * time.Millisecond

// FsnotifySource is the production kernel.Source, backed by
// github.com/fsnotify/fsnotify.
type FsnotifySource struct{}

// NewFsnotifySource returns the production kernel.Source.
func NewFsnotifySource() *FsnotifySource {
	return &FsnotifySource{}
}

// Open implements Source.
func (s *FsnotifySource) Open(path string) (Session, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("kernel: failed to create fsnotify watcher: %w", err)
	}

	sess := &fsnotifySession{
		root:    path,
		watcher: w,
		events:  make(chan RawEvent, 64),
		errs:    make(chan error, 8),
		done:    make(chan struct{}),
		dirs:    make(map[string]bool),
	}

	if err := sess.addRecursive(path); err != nil {
		w.Close()
		return nil, err
	}

	go sess.run()

	return sess, nil
}

type pendingMove struct {
	ev    RawEvent
	timer *time.Timer
}

type fsnotifySession struct {
	root    string
	watcher *fsnotify.Watcher
	events  chan RawEvent
	errs    chan error
	done    chan struct{}
	closed  atomic.Bool

	dirsMu sync.Mutex
	dirs   map[string]bool

	pendingMu     sync.Mutex
	pending       *pendingMove // at most one in-flight rename per session
	cookieCounter uint32
}

func (s *fsnotifySession) Events() <-chan RawEvent { return s.events }
func (s *fsnotifySession) Errors() <-chan error    { return s.errs }

func (s *fsnotifySession) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	return s.watcher.Close()
}

// addRecursive registers path and every subdirectory beneath it.
func (s *fsnotifySession) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("kernel: failed to register %s: %w", p, err)
		}
		if !d.IsDir() {
			return nil
		}
		if err := s.watcher.Add(p); err != nil {
			return fmt.Errorf("kernel: failed to register %s: %w", p, err)
		}
		s.dirsMu.Lock()
		s.dirs[p] = true
		s.dirsMu.Unlock()
		return nil
	})
}

func (s *fsnotifySession) isWatchedDir(p string) bool {
	s.dirsMu.Lock()
	defer s.dirsMu.Unlock()
	return s.dirs[p]
}

func (s *fsnotifySession) forgetDir(p string) {
	s.dirsMu.Lock()
	delete(s.dirs, p)
	s.dirsMu.Unlock()
}

func (s *fsnotifySession) run() {
	for {
		select {
		case fse, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handle(fse)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			select {
			case s.errs <- err:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *fsnotifySession) handle(fse fsnotify.Event) {
	dir := filepath.Dir(fse.Name)
	name := filepath.Base(fse.Name)
	isDir := s.isWatchedDir(fse.Name)

	switch {
	case fse.Op&fsnotify.Create != 0:
		if st, err := os.Stat(fse.Name); err == nil && st.IsDir() {
			isDir = true
			// Auto-add the new subdirectory, recursively, so files
			// created beneath it are seen too.
			_ = s.addRecursive(fse.Name)
		}
		if cached := s.matchPendingMove(); cached != nil {
			s.emitPairedMove(cached, dir, name, isDir)
			return
		}
		s.emit(RawEvent{Kind: event.Create, Path: dir, Name: name, IsDir: isDir})

	case fse.Op&fsnotify.Rename != 0:
		if fse.Name == s.root {
			s.emit(RawEvent{Kind: event.MoveSelf, Path: s.root})
			return
		}
		if s.isWatchedDir(fse.Name) {
			s.forgetDir(fse.Name)
		}
		s.holdPendingMove(dir, name, isDir)

	case fse.Op&fsnotify.Remove != 0:
		if fse.Name == s.root {
			s.emit(RawEvent{Kind: event.DeleteSelf, Path: s.root})
			return
		}
		s.forgetDir(fse.Name)
		s.emit(RawEvent{Kind: event.Delete, Path: dir, Name: name, IsDir: isDir})

	case fse.Op&fsnotify.Write != 0:
		s.emit(RawEvent{Kind: event.Modify, Path: dir, Name: name, IsDir: isDir})

	case fse.Op&fsnotify.Chmod != 0:
		s.emit(RawEvent{Kind: event.Attrib, Path: dir, Name: name, IsDir: isDir})
	}
}

// holdPendingMove stashes a rename-out, waiting movePairWindow for the
// next create anywhere under the session's root (the rename-in half)
// before giving up and emitting it unpaired. fsnotify reports a move's
// two halves as independent Rename/Create events, potentially in
// different directories (e.g. `mv a b/a`), so pairing is positional
// (next create wins) rather than keyed by path.
func (s *fsnotifySession) holdPendingMove(dir, name string, isDir bool) {
	s.pendingMu.Lock()
	cookie := atomic.AddUint32(&s.cookieCounter, 1)
	pm := &pendingMove{ev: RawEvent{Kind: event.MovedFrom, Path: dir, Name: name, IsDir: isDir, Cookie: cookie}}
	s.pending = pm
	pm.timer = time.AfterFunc(movePairWindow, func() {
		s.pendingMu.Lock()
		if s.pending == pm {
			s.pending = nil
			s.pendingMu.Unlock()
			// No matching MOVED_TO arrived; emit unpaired, per
			// kernel.Source contract Cookie == 0 for unpaired moves.
			unpaired := pm.ev
			unpaired.Cookie = 0
			s.emit(unpaired)
			return
		}
		s.pendingMu.Unlock()
	})
	s.pendingMu.Unlock()
}

// matchPendingMove looks for (and removes) the pending MOVED_FROM, if
// any.
func (s *fsnotifySession) matchPendingMove() *RawEvent {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	pm := s.pending
	if pm == nil {
		return nil
	}
	s.pending = nil
	pm.timer.Stop()
	ev := pm.ev
	return &ev
}

func (s *fsnotifySession) emitPairedMove(from *RawEvent, toDir, toName string, isDir bool) {
	s.emit(*from)
	s.emit(RawEvent{Kind: event.MovedTo, Path: toDir, Name: toName, IsDir: isDir, Cookie: from.Cookie})
}

func (s *fsnotifySession) emit(ev RawEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
