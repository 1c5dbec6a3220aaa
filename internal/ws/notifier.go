package ws

import (
	"fmt"
	"log/slog"
	"sync"
)

// notifier runs callbacks one at a time, in the order they were posted,
// on its own goroutine.
type notifier struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	done    chan struct{}
	exited  chan struct{}
	once    sync.Once
}

func newNotifier() *notifier {
	n := &notifier{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) post(fn func()) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	n.pending = append(n.pending, fn)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// stop delivers what is already posted and then exits.
func (n *notifier) stop() {
	n.once.Do(func() { close(n.done) })
}

func (n *notifier) run() {
	defer close(n.exited)
	for {
		select {
		case <-n.wake:
			n.drain()
		case <-n.done:
			n.drain()
			return
		}
	}
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.pending) == 0 {
			n.mu.Unlock()
			return
		}
		fn := n.pending[0]
		n.pending[0] = nil
		n.pending = n.pending[1:]
		n.mu.Unlock()

		n.call(fn)
	}
}

func (n *notifier) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Callback panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
