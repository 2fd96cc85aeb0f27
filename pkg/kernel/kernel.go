// Package kernel defines the abstract kernel-notification protocol a
// Watch consumes: a typed producer of inode-level events, specified
// only at this interface per the supervisor's design (the concrete
// source is an external collaborator). Two implementations are
// provided: FsnotifySource, backed by github.com/fsnotify/fsnotify for
// real directories, and FakeSource, a deterministic in-memory stand-in
// for tests.
package kernel

import "github.com/go-sentryd/sentryd/pkg/event"

// EventKind is the subset of event.Kind a kernel Source may produce.
// Synthetic kinds are never emitted by a Source; they are added by the
// Watch that owns it.
type EventKind = event.Kind

// RawEvent is a single notification read from a kernel Session.
type RawEvent struct {
	Kind   EventKind
	Path   string
	Name   string
	IsDir  bool
	Cookie uint32
}

// Session is a single open kernel-notification subscription rooted at
// one directory, with recursive auto-add on subdirectory creation.
type Session interface {
	// Events delivers already-parsed notifications.
	Events() <-chan RawEvent
	// Errors delivers session-level failures (e.g. a sub-path could
	// not be registered). A Session that sends on Errors should still
	// be Close()-able by its caller.
	Errors() <-chan error
	// Close releases the underlying OS resources. Safe to call once.
	Close() error
}

// Source opens a recursive kernel-notification Session rooted at path,
// subscribing to all inode event kinds.
type Source interface {
	Open(path string) (Session, error)
}
