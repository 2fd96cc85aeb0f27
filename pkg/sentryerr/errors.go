// Package sentryerr defines the supervisor's error taxonomy, shared by
// pkg/watch and pkg/observer without either importing the other.
//
// Two kinds are public/user-visible, surfaced via Observer.Error() and
// terminating the thread that raised them: ObserverError (config
// invalid, plugin load failure) and WatchError (missing plugin, kernel
// registration failure, target missing or wrong type, or a plugin
// failure converted by its owning Watch). A plugin-originated failure
// (pkg/plugin.Error) is private: a Watch catches it and reports a
// WatchError carrying the plugin's name instead of propagating it.
//
// Every worker goroutine reports errors it discovers through an
// explicit ErrorReporter.ReportError call, because an error raised
// inside a goroutine cannot otherwise propagate to the controlling
// Observer goroutine — this is the explicit-call replacement for the
// original implementation's side-effecting error constructors.
package sentryerr

import "fmt"

// ErrorReporter is the narrow, non-owning handle a Watch or PollWatch
// holds back to its Observer, used only to notify it of errors.
type ErrorReporter interface {
	ReportError(err error)
}

// ObserverError is a general failure of the supervisor itself: an
// invalid configuration, or a plugin-registry load failure.
type ObserverError struct {
	Message string
	Err     error
}

func (e *ObserverError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("observer: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("observer: %s", e.Message)
}

func (e *ObserverError) Unwrap() error { return e.Err }

// NewObserverError builds an *ObserverError.
func NewObserverError(format string, args ...any) *ObserverError {
	return &ObserverError{Message: fmt.Sprintf(format, args...)}
}

// WrapObserverError builds an *ObserverError around an existing error.
func WrapObserverError(err error, format string, args ...any) *ObserverError {
	return &ObserverError{Message: fmt.Sprintf(format, args...), Err: err}
}

// WatchError is a failure scoped to a single watched path: a missing
// plugin, a kernel-registration failure, a missing or wrong-type
// target, or a plugin failure during dispatch. Plugin carries the
// offending plugin's name, and is empty for watch-level failures that
// did not originate in a plugin.
type WatchError struct {
	Path    string
	Plugin  string
	Message string
	Err     error
}

func (e *WatchError) Error() string {
	prefix := fmt.Sprintf("watch %s", e.Path)
	if e.Plugin != "" {
		prefix = fmt.Sprintf("%s: plugin %q", prefix, e.Plugin)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *WatchError) Unwrap() error { return e.Err }

// NewWatchError builds a *WatchError not attributed to any plugin.
func NewWatchError(path, format string, args ...any) *WatchError {
	return &WatchError{Path: path, Message: fmt.Sprintf(format, args...)}
}

// NewPluginWatchError builds a *WatchError attributing failure err to
// plugin name while processing events for path.
func NewPluginWatchError(path, plugin string, err error) *WatchError {
	return &WatchError{Path: path, Plugin: plugin, Message: "plugin reported an error", Err: err}
}
