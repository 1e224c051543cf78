package flow

import (
	"sync"
)

// Loop executes posted events one at a time on the goroutine calling Run.
// Posting never blocks: the mailbox is unbounded, so events may be posted from
// inside an event without deadlocking.
type Loop struct {
	onPanic func(recovered any)

	mu       sync.Mutex
	queue    []func()
	stopping bool
	stopped  bool

	wake chan struct{}
	done chan struct{}
}

// NewLoop returns a loop that hands panics raised by events to onPanic, which
// runs on the loop goroutine. A nil onPanic re-raises them.
func NewLoop(onPanic func(recovered any)) *Loop {
	return &Loop{
		onPanic: onPanic,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Post enqueues fn. It returns false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopping || l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	return true
}

// Stop makes Run return after the event currently executing. Events still
// queued are dropped.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopping = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Run drains the mailbox until Stop is called.
func (l *Loop) Run() {
	defer close(l.done)

	for {
		fn, ok := l.next()
		if !ok {
			return
		}

		l.exec(fn)
	}
}

func (l *Loop) next() (func(), bool) {
	for {
		l.mu.Lock()
		if l.stopping {
			l.stopped = true
			l.queue = nil
			l.mu.Unlock()
			return nil, false
		}
		if len(l.queue) > 0 {
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return fn, true
		}
		l.mu.Unlock()

		<-l.wake
	}
}

func (l *Loop) exec(fn func()) {
	if l.onPanic != nil {
		defer func() {
			if r := recover(); r != nil {
				l.onPanic(r)
			}
		}()
	}

	fn()
}
