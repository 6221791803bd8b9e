package session

import "sync"

// Loop is a reactor: a single goroutine that runs posted functions one at
// a time, in the order they were posted. Everything that mutates a
// Session runs on its loop, so session state needs no further locking.
//
// A Loop can be started once. After Stop, Post reports false and the
// functions still queued are dropped. Stop may be called from a function
// running on the loop.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	started bool
	stopped bool

	wake     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// NewLoop returns a loop that is not running yet.
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Start runs the loop in a new goroutine. Calling Start again, or after
// Stop, does nothing.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.stopped {
		return
	}
	l.started = true
	go l.run()
}

// Post queues fn to run on the loop. It returns false when the loop has
// been stopped and fn will never run.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	l.signal()
	return true
}

// Stop ends the loop. The function currently running, if any, completes.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.pending = nil
	started := l.started
	l.mu.Unlock()

	if !started {
		l.finish()
		return
	}
	l.signal()
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Stopped reports whether Stop has been called.
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) finish() {
	l.doneOnce.Do(func() { close(l.done) })
}

func (l *Loop) run() {
	defer l.finish()
	for range l.wake {
		for {
			l.mu.Lock()
			if l.stopped {
				l.mu.Unlock()
				return
			}
			if len(l.pending) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.pending[0]
			l.pending[0] = nil
			l.pending = l.pending[1:]
			l.mu.Unlock()

			fn()
		}
	}
}
