package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/order"
)

var (
	// ErrInvalidKey is returned for a zero or malformed cart.Key.
	ErrInvalidKey = errors.New("coordinator: invalid key")

	// ErrNegativePrice is returned by AddItem for a price below zero.
	ErrNegativePrice = errors.New("coordinator: negative price")
)

// Done is closed once a mutation's confirmation and any rollback have
// settled. It never reports failure; see Notifier for that.
type Done <-chan struct{}

var settled Done = func() Done {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Coordinator serialises cart mutations per key.
//
// Thread-safety model:
//   - AddItem, RemoveItem, DecrementItem: safe from any goroutine
//   - Flush, Pending: safe from any goroutine
//
// The per-key queue registry belongs to the instance; two coordinators never
// share queues.
type Coordinator struct {
	store    *cart.Store
	svc      order.Service
	logger   *slog.Logger
	notifier Notifier
	ids      IDGenerator
	timeout  time.Duration

	// applyMu orders optimistic changes and their enqueue.
	applyMu sync.Mutex

	mu      sync.Mutex // protects the fields below
	queues  map[cart.Key]*taskQueue
	pending int
	idle    chan struct{} // closed while pending == 0
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithNotifier sets the receiver of failure notices.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithIDGenerator sets the mutation ID source (default: UUIDv7Generator).
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Coordinator) {
		if g != nil {
			c.ids = g
		}
	}
}

// WithTimeout bounds each remote confirmation. Zero (the default) means the
// call runs until the service returns.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = d
	}
}

// New creates a Coordinator over store and svc.
func New(store *cart.Store, svc order.Service, opts ...Option) *Coordinator {
	idle := make(chan struct{})
	close(idle)

	c := &Coordinator{
		store:    store,
		svc:      svc,
		logger:   slog.Default(),
		notifier: discardNotifier{},
		ids:      UUIDv7Generator{},
		queues:   make(map[cart.Key]*taskQueue),
		idle:     idle,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// AddItem adds one unit of key. A new line is created at priceIfNew; an
// existing line keeps its price.
//
// On a failed confirmation the unit is taken back out: the quantity drops by
// one, and the line disappears if that leaves nothing. If the order itself is
// gone the entire cart is voided instead.
func (c *Coordinator) AddItem(key cart.Key, priceIfNew int64) (Done, error) {
	if key.IsZero() || key.ItemID == "" {
		return nil, ErrInvalidKey
	}
	if priceIfNew < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNegativePrice, priceIfNew)
	}

	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	var price int64
	c.store.Update(func(l cart.Lines) {
		line, ok := l[key]
		if ok {
			line.Quantity++
		} else {
			line = cart.Line{Quantity: 1, UnitPrice: priceIfNew}
		}
		l[key] = line
		price = line.UnitPrice
	})

	return c.enqueue(&task{
		op:  order.OpAdd,
		key: key,
		call: func(ctx context.Context) error {
			return c.svc.AddItem(ctx, key.ItemID, key.VariantID, price)
		},
		rollback: func(reason order.Reason) {
			if reason == order.ReasonOrderNotFound {
				c.voidOrder()
				return
			}
			c.store.Update(func(l cart.Lines) {
				line, ok := l[key]
				if !ok {
					return
				}
				line.Quantity-- // zero is pruned by the store
				l[key] = line
			})
		},
	}), nil
}

// RemoveItem removes the whole line for key.
//
// On a failed confirmation the exact removed line is put back, unless the
// order itself is gone, in which case the entire cart is voided.
func (c *Coordinator) RemoveItem(key cart.Key) (Done, error) {
	if key.IsZero() || key.ItemID == "" {
		return nil, ErrInvalidKey
	}

	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	var (
		removed cart.Line
		had     bool
	)
	c.store.Update(func(l cart.Lines) {
		removed, had = l[key]
		delete(l, key)
	})

	return c.enqueue(&task{
		op:  order.OpRemove,
		key: key,
		call: func(ctx context.Context) error {
			return c.svc.RemoveItem(ctx, key.ItemID, key.VariantID)
		},
		rollback: func(reason order.Reason) {
			if reason == order.ReasonOrderNotFound {
				c.voidOrder()
				return
			}
			if !had {
				return
			}
			c.store.Update(func(l cart.Lines) {
				l[key] = removed
			})
		},
	}), nil
}

// DecrementItem takes one unit of key away, removing the line at zero.
// It is a no-op, with no remote call, when key is not in the cart.
//
// On a failed confirmation the unit is added back on top of whatever the
// quantity is by then, unless the order itself is gone, in which case the
// entire cart is voided.
func (c *Coordinator) DecrementItem(key cart.Key) (Done, error) {
	if key.IsZero() || key.ItemID == "" {
		return nil, ErrInvalidKey
	}

	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	before, had := c.store.Get(key)
	if !had {
		return settled, nil
	}

	c.store.Update(func(l cart.Lines) {
		line, ok := l[key]
		if !ok {
			return
		}
		line.Quantity--
		l[key] = line
	})

	return c.enqueue(&task{
		op:  order.OpDecrement,
		key: key,
		call: func(ctx context.Context) error {
			return c.svc.DecrementItem(ctx, key.ItemID, key.VariantID)
		},
		rollback: func(reason order.Reason) {
			if reason == order.ReasonOrderNotFound {
				c.voidOrder()
				return
			}
			c.store.Update(func(l cart.Lines) {
				line, ok := l[key]
				if ok {
					line.Quantity++
				} else {
					line = cart.Line{Quantity: 1, UnitPrice: before.UnitPrice}
				}
				l[key] = line
			})
		},
	}), nil
}

// Flush blocks until every confirmation enqueued so far, and any enqueued
// while waiting, has settled, or until ctx is done.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of confirmations queued or in flight for key.
func (c *Coordinator) Pending(key cart.Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queues[key]
	if !ok {
		return 0
	}
	return q.pending()
}

// enqueue stamps t, appends it to its key's queue, and starts a worker for
// the key if none is running.
func (c *Coordinator) enqueue(t *task) Done {
	t.id = c.ids.Generate()
	t.done = make(chan struct{})

	c.mu.Lock()
	if c.pending == 0 {
		c.idle = make(chan struct{})
	}
	c.pending++

	q, ok := c.queues[t.key]
	if !ok {
		q = newTaskQueue()
		c.queues[t.key] = q
	}
	q.push(t)

	start := !q.active
	q.active = true
	c.mu.Unlock()

	c.logger.Debug("mutation enqueued",
		"mutation", t.id,
		"op", t.op,
		"key", t.key.String(),
	)

	if start {
		go c.drain(t.key, q)
	}
	return t.done
}

// drain runs the tasks of one key in FIFO order and exits once the queue is
// empty, removing it from the registry.
func (c *Coordinator) drain(key cart.Key, q *taskQueue) {
	for {
		c.mu.Lock()
		t, ok := q.pop()
		if !ok {
			q.active = false
			if c.queues[key] == q {
				delete(c.queues, key)
			}
			c.mu.Unlock()
			return
		}
		q.inFlight = 1
		c.mu.Unlock()

		c.execute(t)

		c.mu.Lock()
		q.inFlight = 0
		c.pending--
		if c.pending == 0 {
			close(c.idle)
		}
		c.mu.Unlock()

		close(t.done)
	}
}

// execute performs the remote call for t and applies its rollback on
// failure. It never panics: a panicking service counts as a generic failure.
func (c *Coordinator) execute(t *task) {
	err := c.confirm(t)
	if err == nil {
		c.logger.Debug("mutation confirmed",
			"mutation", t.id,
			"op", t.op,
			"key", t.key.String(),
		)
		return
	}

	reason := order.Classify(err)
	c.logger.Warn("mutation rejected, rolling back",
		"mutation", t.id,
		"op", t.op,
		"key", t.key.String(),
		"reason", reason,
		"error", err,
	)

	c.safeRollback(t, reason)
	c.notify(Notice{
		MutationID: t.id,
		Op:         t.op,
		Key:        t.key,
		Reason:     reason,
		Message:    order.Advisory(reason),
		Err:        err,
	})
}

func (c *Coordinator) confirm(t *task) (err error) {
	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("order service panicked: %v", r)
		}
	}()

	return t.call(ctx)
}

func (c *Coordinator) safeRollback(t *task, reason order.Reason) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("rollback panicked",
				"mutation", t.id,
				"key", t.key.String(),
				"panic", r,
			)
		}
	}()
	t.rollback(reason)
}

// voidOrder clears the cart and forgets the order id: the server no longer
// has the order the cart was built against.
func (c *Coordinator) voidOrder() {
	c.logger.Warn("order not found, resetting cart", "order_id", c.store.OrderID())
	c.store.Reset()
}

// notify delivers n to the notifier. Notices are advisory, so a panicking
// notifier is logged and otherwise ignored.
func (c *Coordinator) notify(n Notice) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("notifier panicked", "mutation", n.MutationID, "panic", r)
		}
	}()
	c.notifier.Notify(n)
}
