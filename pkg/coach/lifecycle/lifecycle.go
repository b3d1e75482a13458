package lifecycle

import (
	"sync"
	"sync/atomic"
)

// Lifecycle is the process shutdown state shared by the listener, the
// supervisor and every connection handler. Signal handlers only flip it;
// the owner of the run loop observes Done and performs the actual teardown.
type Lifecycle struct {
	draining atomic.Bool

	once sync.Once
	mu   sync.Mutex
	done chan struct{}
	why  string
}

func New() *Lifecycle {
	return &Lifecycle{done: make(chan struct{})}
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// RequestShutdown marks the process as draining and closes Done. Only the
// first reason is kept.
func (l *Lifecycle) RequestShutdown(reason string) {
	if l == nil {
		return
	}
	l.draining.Store(true)
	l.once.Do(func() {
		l.mu.Lock()
		l.why = reason
		if l.done == nil {
			l.done = make(chan struct{})
		}
		close(l.done)
		l.mu.Unlock()
	})
}

// Done is closed once shutdown has been requested.
func (l *Lifecycle) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		l.done = make(chan struct{})
	}
	return l.done
}

func (l *Lifecycle) Reason() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.why
}
