package cart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/cartsync/internal/store"
)

// Storage keys inside the configured namespace.
const (
	StorageKeyCart    = "cart"
	StorageKeyOrderID = "order_id"
)

// DefaultPersistTimeout bounds a single snapshot write.
const DefaultPersistTimeout = 5 * time.Second

// Store is the optimistic cart container.
//
// Thread-safety: all methods are safe for concurrent use. Mutations are
// applied under mu and are visible to the next reader immediately. Writes to
// storage happen on a single persister goroutine that always writes the
// newest snapshot, so a mutation never waits on storage and a slow write can
// never overwrite a newer snapshot. Flush waits for the writes, Close stops
// the persister.
type Store struct {
	mu      sync.Mutex
	lines   Lines
	orderID string
	version uint64

	// notifyMu orders subscriber calls by version.
	notifyMu sync.Mutex
	notified uint64

	// pmu guards the persister state below; pcond is signalled whenever
	// it changes.
	pmu          sync.Mutex
	pcond        *sync.Cond
	pending      Lines
	pendingVer   uint64
	persisted    uint64
	orderPending bool
	pendingOrder string
	writing      bool
	closing      bool
	stopped      bool
	done         chan struct{}

	storage        store.Storage
	logger         *slog.Logger
	persistTimeout time.Duration

	subMu   sync.Mutex
	subs    map[int]func(Lines)
	nextSub int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger used for persistence warnings.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPersistTimeout bounds each storage write. Zero disables the bound.
func WithPersistTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		s.persistTimeout = d
	}
}

// Open rehydrates a Store from storage.
//
// A snapshot that cannot be decoded is discarded with a warning and the cart
// starts empty; only storage read failures are returned as errors.
func Open(ctx context.Context, storage store.Storage, opts ...StoreOption) (*Store, error) {
	if storage == nil {
		return nil, errors.New("cart: nil storage")
	}

	s := &Store{
		lines:          make(Lines),
		storage:        storage,
		logger:         slog.Default(),
		persistTimeout: DefaultPersistTimeout,
		subs:           make(map[int]func(Lines)),
	}
	for _, opt := range opts {
		opt(s)
	}

	data, found, err := storage.Get(ctx, StorageKeyCart)
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}
	if found {
		lines, dropped, err := UnmarshalSnapshot(data)
		if err != nil {
			s.logger.Warn("discarding unreadable cart snapshot", "error", err)
		} else {
			s.lines = lines
			if dropped > 0 {
				s.logger.Warn("dropped invalid cart lines", "count", dropped)
			}
		}
	}

	orderID, found, err := storage.Get(ctx, StorageKeyOrderID)
	if err != nil {
		return nil, fmt.Errorf("load order id: %w", err)
	}
	if found {
		s.orderID = string(orderID)
	}

	s.logger.Debug("cart rehydrated", "lines", len(s.lines), "order_id", s.orderID)

	s.pcond = sync.NewCond(&s.pmu)
	s.done = make(chan struct{})
	go s.persistLoop()
	return s, nil
}

// Get returns the line for k.
func (s *Store) Get(k Key) (Line, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line, ok := s.lines[k]
	return line, ok
}

// Snapshot returns a copy of every line.
func (s *Store) Snapshot() Lines {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines.Clone()
}

// Len returns the number of lines.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lines)
}

// Update applies fn to the live lines atomically. fn may add, change, or
// delete entries; entries left with quantity <= 0 are removed afterwards.
// fn must not call back into the Store.
func (s *Store) Update(fn func(Lines)) {
	s.mu.Lock()
	fn(s.lines)
	s.lines.prune()
	snap, version := s.bumpLocked()
	s.mu.Unlock()

	s.commit(snap, version)
}

// Replace swaps in a copy of lines.
func (s *Store) Replace(lines Lines) {
	next := lines.Clone()
	next.prune()

	s.mu.Lock()
	s.lines = next
	snap, version := s.bumpLocked()
	s.mu.Unlock()

	s.commit(snap, version)
}

// Clear empties the cart. The order id is kept.
func (s *Store) Clear() {
	s.Replace(nil)
}

// Reset empties the cart and forgets the current order id. Used when the
// server no longer knows the order backing the cart.
func (s *Store) Reset() {
	s.mu.Lock()
	s.lines = make(Lines)
	s.orderID = ""
	snap, version := s.bumpLocked()
	s.mu.Unlock()

	s.commit(snap, version)
	s.persistOrderID("")
}

// OrderID returns the current order identifier, or "" if there is none.
func (s *Store) OrderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderID
}

// SetOrderID records the current order identifier.
func (s *Store) SetOrderID(id string) {
	s.mu.Lock()
	s.orderID = id
	s.mu.Unlock()

	s.persistOrderID(id)
}

// ClearOrderID forgets the current order identifier.
func (s *Store) ClearOrderID() {
	s.SetOrderID("")
}

// Subscribe registers fn to receive a copy of the lines after every change.
// Calls are made in change order from the goroutine that made the change.
// The returned function unregisters fn.
func (s *Store) Subscribe(fn func(Lines)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// Flush waits until every change made before the call has been written to
// storage, or until ctx is done. Write failures are logged, not returned.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	target := s.version
	s.mu.Unlock()

	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		s.pmu.Lock()
		defer s.pmu.Unlock()
		for !s.stopped && (s.persisted < target || s.orderPending || s.writing) {
			s.pcond.Wait()
		}
	}()

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close writes any pending changes and stops the persister. Changes made
// after Close stay in memory only. Safe to call more than once.
func (s *Store) Close() error {
	s.pmu.Lock()
	s.closing = true
	s.pcond.Broadcast()
	s.pmu.Unlock()

	<-s.done
	return nil
}

func (s *Store) bumpLocked() (Lines, uint64) {
	s.version++
	return s.lines.Clone(), s.version
}

// commit hands snap to the persister and notifies subscribers unless a newer
// version has already been committed.
func (s *Store) commit(snap Lines, version uint64) {
	s.pmu.Lock()
	if version > s.pendingVer {
		s.pending, s.pendingVer = snap, version
		s.pcond.Broadcast()
	}
	s.pmu.Unlock()

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if version <= s.notified {
		return
	}
	s.notified = version
	s.notify(snap)
}

func (s *Store) persistOrderID(id string) {
	s.pmu.Lock()
	s.orderPending, s.pendingOrder = true, id
	s.pcond.Broadcast()
	s.pmu.Unlock()
}

// persistLoop writes the newest pending snapshot and order id until Close.
func (s *Store) persistLoop() {
	defer close(s.done)

	s.pmu.Lock()
	defer s.pmu.Unlock()
	for {
		for !s.closing && s.pendingVer <= s.persisted && !s.orderPending {
			s.pcond.Wait()
		}
		if s.pendingVer <= s.persisted && !s.orderPending {
			s.stopped = true
			s.pcond.Broadcast()
			return
		}

		snap, version := s.pending, s.pendingVer
		writeSnap := version > s.persisted
		orderID, writeOrder := s.pendingOrder, s.orderPending
		s.pending = nil
		s.orderPending = false
		s.writing = true
		s.pmu.Unlock()

		if writeSnap {
			s.writeSnapshot(snap, version)
		}
		if writeOrder {
			s.writeOrderID(orderID)
		}

		s.pmu.Lock()
		s.writing = false
		if writeSnap {
			s.persisted = version
		}
		s.pcond.Broadcast()
	}
}

func (s *Store) writeSnapshot(snap Lines, version uint64) {
	data, err := MarshalSnapshot(snap)
	if err != nil {
		s.logger.Error("encode cart snapshot", "error", err)
		return
	}
	ctx, cancel := s.persistContext()
	defer cancel()
	if err := s.storage.Set(ctx, StorageKeyCart, data); err != nil {
		s.logger.Warn("persist cart snapshot", "version", version, "error", err)
	}
}

func (s *Store) writeOrderID(id string) {
	ctx, cancel := s.persistContext()
	defer cancel()

	var err error
	if id == "" {
		err = s.storage.Remove(ctx, StorageKeyOrderID)
	} else {
		err = s.storage.Set(ctx, StorageKeyOrderID, []byte(id))
	}
	if err != nil {
		s.logger.Warn("persist order id", "error", err)
	}
}

func (s *Store) persistContext() (context.Context, context.CancelFunc) {
	if s.persistTimeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), s.persistTimeout)
}

func (s *Store) notify(snap Lines) {
	s.subMu.Lock()
	fns := make([]func(Lines), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		s.safeCall(fn, snap.Clone())
	}
}

func (s *Store) safeCall(fn func(Lines), lines Lines) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cart subscriber panicked", "panic", r)
		}
	}()
	fn(lines)
}
