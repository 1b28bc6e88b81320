package grpcduplex

import (
	"container/list"
	"context"
	"errors"
	"sync"
)

var (
	// ErrQueueFull is returned when a message is offered to a bounded queue
	// that has no room and either the queue's policy is Reject or the caller
	// cannot wait (SendNoWait).
	ErrQueueFull = errors.New("grpcduplex: queue is full")
	// ErrSendClosed is returned when a message is sent after CloseSend.
	ErrSendClosed = errors.New("grpcduplex: send after CloseSend")
)

// errQueueClosed is the internal signal for a push to a closed queue. The
// owner of the queue decides what it means to its callers.
var errQueueClosed = errors.New("queue closed")

// handoffQueue is a FIFO mailbox that moves messages from producers to a
// consumer. It is unbounded unless configured with a capacity.
//
// Waiting is done on channels rather than a sync.Cond so that a waiter can
// also give up when its context is done. The avail and space channels each
// hold at most one token; whoever consumes a token and leaves work behind for
// others passes it on, so no wakeup is lost even with several waiters.
type handoffQueue[T any] struct {
	capacity int
	policy   FullPolicy

	avail chan struct{}
	space chan struct{}
	done  chan struct{}

	mu        sync.Mutex
	items     *list.List
	err       error
	cancelled bool
}

func newHandoffQueue[T any](opts ...QueueOption) *handoffQueue[T] {
	var qo queueOpts
	for _, opt := range opts {
		opt.apply(&qo)
	}
	return &handoffQueue[T]{
		capacity: qo.capacity,
		policy:   qo.policy,
		avail:    make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		items:    list.New(),
	}
}

func (q *handoffQueue[T]) bounded() bool {
	return q.capacity > 0
}

// push adds item to the back of the queue. If the queue is bounded, full, and
// uses the Block policy, it waits for room until ctx is done.
func (q *handoffQueue[T]) push(ctx context.Context, item T) error {
	for {
		wait, err := q.offer(item, q.policy == Block)
		if !wait {
			return err
		}
		select {
		case <-q.space:
		case <-q.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tryPush adds item to the back of the queue without ever waiting.
func (q *handoffQueue[T]) tryPush(item T) error {
	_, err := q.offer(item, false)
	return err
}

func (q *handoffQueue[T]) offer(item T, canWait bool) (wait bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return false, errQueueClosed
	}
	if q.bounded() && q.items.Len() >= q.capacity {
		if canWait {
			return true, nil
		}
		return false, ErrQueueFull
	}
	q.items.PushBack(item)
	signal(q.avail)
	if q.bounded() && q.items.Len() < q.capacity {
		// let another blocked producer re-check
		signal(q.space)
	}
	return false, nil
}

// pop removes and returns the item at the front of the queue, waiting until
// one is available. Once the queue is closed and drained, it returns the
// error given to close. A cancelled queue returns its error right away.
func (q *handoffQueue[T]) pop(ctx context.Context) (T, error) {
	var zero T
	for {
		item, ok, err := q.take()
		if ok {
			return item, err
		}
		select {
		case <-q.avail:
		case <-q.done:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func (q *handoffQueue[T]) take() (item T, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancelled {
		return item, true, q.err
	}
	element := q.items.Front()
	if element != nil {
		item = q.items.Remove(element).(T)
		if q.items.Len() > 0 {
			signal(q.avail)
		}
		if q.bounded() {
			signal(q.space)
		}
		return item, true, nil
	}
	if q.err != nil {
		return item, true, q.err
	}
	return item, false, nil
}

// close stops the queue from accepting items. Items already queued are still
// delivered, after which pop returns err. Only the first close or cancel has
// any effect.
func (q *handoffQueue[T]) close(err error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handleClosure(err)
}

// cancel is like close, except queued items are discarded and pop returns err
// immediately. A cancel after close still discards what is left.
func (q *handoffQueue[T]) cancel(err error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	first := q.handleClosure(err)
	if !q.cancelled {
		q.cancelled = true
		q.items.Init() // clear list to free memory
	}
	return first
}

func (q *handoffQueue[T]) handleClosure(err error) bool {
	if q.err != nil {
		return false
	}
	q.err = err
	close(q.done)
	return true
}

func (q *handoffQueue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
