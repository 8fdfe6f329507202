// Package loop runs every callback of the call core on a single goroutine.
//
// Network reads, pion callbacks and timers never touch core state directly;
// they Post closures here. Deferred work is keyed by (scope, purpose) so at
// most one task per key is outstanding, and replacing or cancelling a key
// guarantees the old closure never runs.
package loop

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Purpose names what a deferred task is for.
type Purpose string

// Key identifies a deferred task. Scope is usually a peer id.
type Key struct {
	Scope   string
	Purpose Purpose
}

type task struct {
	timer *time.Timer
	gen   uint64
}

// Loop is a serial executor with keyed timers.
type Loop struct {
	log *zap.Logger

	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	tasks  map[Key]*task
	gen    uint64
	closed chan struct{}
	once   sync.Once
}

// New creates a loop. Call Run to start processing.
func New(log *zap.Logger) *Loop {
	return &Loop{
		log:    log.Named("loop"),
		wake:   make(chan struct{}, 1),
		tasks:  make(map[Key]*task),
		closed: make(chan struct{}),
	}
}

// Run processes posted closures until ctx is done. Pending tasks are
// cancelled on return.
func (l *Loop) Run(ctx context.Context) {
	defer l.stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			l.run(fn)

			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("handler panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

func (l *Loop) stop() {
	l.once.Do(func() {
		l.mu.Lock()
		for k, t := range l.tasks {
			t.timer.Stop()
			delete(l.tasks, k)
		}
		l.queue = nil
		l.mu.Unlock()
		close(l.closed)
	})
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.closed
}

// Post queues fn. It never blocks and is safe from any goroutine.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.closed:
		return
	default:
	}

	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop and waits for it. It returns false if the loop
// stopped first. Never call Do from the loop itself.
func (l *Loop) Do(fn func()) bool {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return true
	case <-l.closed:
		return false
	}
}

// After schedules fn on the loop after d, replacing any task under key.
func (l *Loop) After(key Key, d time.Duration, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-l.closed:
		return
	default:
	}

	if old, ok := l.tasks[key]; ok {
		old.timer.Stop()
	}
	l.gen++
	gen := l.gen
	t := &task{gen: gen}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if !l.claim(key, gen) {
				return
			}
			fn()
		})
	})
	l.tasks[key] = t
}

// claim removes the task if it is still the current one for key.
func (l *Loop) claim(key Key, gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[key]
	if !ok || t.gen != gen {
		return false
	}
	delete(l.tasks, key)
	return true
}

// Cancel drops the task under key. It reports whether one was pending.
func (l *Loop) Cancel(key Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(l.tasks, key)
	return true
}

// CancelScope drops every task whose key has the given scope.
func (l *Loop) CancelScope(scope string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, t := range l.tasks {
		if k.Scope == scope {
			t.timer.Stop()
			delete(l.tasks, k)
		}
	}
}

// Pending reports whether a task is outstanding under key.
func (l *Loop) Pending(key Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.tasks[key]
	return ok
}
