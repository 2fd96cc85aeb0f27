package watch

import "sync"

// flag is a signalable, mutex-guarded boolean: spec.md's "signalable
// single-producer/single-consumer boolean with wait-with-timeout
// semantics". It is deliberately not a context.Context, because
// context cancellation is one-shot and cannot model config_changed,
// which is set, observed, and cleared repeatedly across a Watch's
// lifetime; terminate is modeled the same way for uniformity.
type flag struct {
	mu  sync.Mutex
	set bool
}

func (f *flag) Set() {
	f.mu.Lock()
	f.set = true
	f.mu.Unlock()
}

func (f *flag) Clear() {
	f.mu.Lock()
	f.set = false
	f.mu.Unlock()
}

func (f *flag) IsSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}
