package coordinator

import (
	"context"

	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/order"
)

// task is one queued confirmation.
type task struct {
	id       string
	op       order.Op
	key      cart.Key
	call     func(ctx context.Context) error
	rollback func(reason order.Reason)
	done     chan struct{}
}

// taskQueue is the FIFO of confirmations for a single key.
//
// It is not synchronised on its own: every access happens under
// Coordinator.mu. The queue lives in the registry while its worker runs and
// is removed by the worker once it finds the queue empty, which can only
// happen if no newer task was pushed in the meantime.
type taskQueue struct {
	tasks    []*task
	active   bool // a worker is draining this queue
	inFlight int
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		tasks: make([]*task, 0, 4),
	}
}

// push appends t to the back of the queue.
func (q *taskQueue) push(t *task) {
	q.tasks = append(q.tasks, t)
}

// pop removes and returns the front task.
func (q *taskQueue) pop() (*task, bool) {
	if len(q.tasks) == 0 {
		return nil, false
	}

	t := q.tasks[0]

	// Nil out the slot so the finished task (and its closures) can be
	// collected while the backing array is still in use.
	q.tasks[0] = nil

	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}

	return t, true
}

// pending counts queued tasks plus the one in flight, if any.
func (q *taskQueue) pending() int {
	return len(q.tasks) + q.inFlight
}
