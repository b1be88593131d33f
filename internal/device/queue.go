package device

import (
	"fmt"
	"sync"
)

// Queue is an in-order execution queue. Work deferred on a queue runs after
// everything previously submitted to it, which is the only ordering the
// cache relies on between a forward pass and a reorder copy.
type Queue interface {
	Name() string
	Defer(op func())
	Synchronize() error
	Close() error
}

// ImmediateQueue runs every op on the calling goroutine.
type ImmediateQueue struct{}

func (ImmediateQueue) Name() string       { return "immediate" }
func (ImmediateQueue) Defer(op func())    { op() }
func (ImmediateQueue) Synchronize() error { return nil }
func (ImmediateQueue) Close() error       { return nil }

const defaultStreamDepth = 256

type task struct {
	fn    func()
	fence bool
}

// StreamQueue executes ops asynchronously on one worker goroutine in
// submission order, the way a device stream does. The first op that panics
// poisons the queue: later ops are skipped and Synchronize reports the error.
type StreamQueue struct {
	name  string
	tasks chan task
	done  chan struct{}

	sendMu sync.RWMutex
	closed bool

	errMu sync.Mutex
	err   error
}

func NewStreamQueue(name string, depth int) *StreamQueue {
	if depth <= 0 {
		depth = defaultStreamDepth
	}
	q := &StreamQueue{
		name:  name,
		tasks: make(chan task, depth),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *StreamQueue) run() {
	defer close(q.done)
	for t := range q.tasks {
		if t.fence {
			t.fn()
			continue
		}
		if q.Err() != nil {
			continue
		}
		q.exec(t.fn)
	}
}

func (q *StreamQueue) exec(op func()) {
	defer func() {
		if r := recover(); r != nil {
			q.errMu.Lock()
			if q.err == nil {
				q.err = fmt.Errorf("stream %s: queued op panicked: %v", q.name, r)
			}
			q.errMu.Unlock()
		}
	}()
	op()
}

func (q *StreamQueue) Name() string { return q.name }

// Err returns the error that poisoned the queue, if any.
func (q *StreamQueue) Err() error {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	return q.err
}

// Defer enqueues op. After Close the queue is drained, so op runs inline.
func (q *StreamQueue) Defer(op func()) {
	q.submit(task{fn: op})
}

func (q *StreamQueue) submit(t task) {
	q.sendMu.RLock()
	if q.closed {
		q.sendMu.RUnlock()
		t.fn()
		return
	}
	q.tasks <- t
	q.sendMu.RUnlock()
}

// Synchronize blocks until every op submitted so far has run.
func (q *StreamQueue) Synchronize() error {
	fence := make(chan struct{})
	q.submit(task{fn: func() { close(fence) }, fence: true})
	<-fence
	return q.Err()
}

func (q *StreamQueue) Close() error {
	q.sendMu.Lock()
	if q.closed {
		q.sendMu.Unlock()
		return q.Err()
	}
	q.closed = true
	close(q.tasks)
	q.sendMu.Unlock()
	<-q.done
	return q.Err()
}
