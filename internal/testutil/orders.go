package testutil

import (
	"context"
	"sync"

	"github.com/roach88/cartsync/internal/order"
)

// OrderCall records one call made to an OrderService.
type OrderCall struct {
	Op        order.Op
	ItemID    string
	VariantID string
	Price     int64
}

// OrderService is a scripted order.Service.
//
// Outcomes come from the key's queue (ScriptKey) if it has one, otherwise
// from the shared queue (Script); once both are empty every call succeeds.
// While held, calls block after being recorded until Release or their
// context ends. The outcome is taken when the call is released, so scripts
// added while calls are held still apply to them.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type OrderService struct {
	mu       sync.Mutex
	calls    []OrderCall
	outcomes []error
	perKey   map[string][]error
	gate     chan struct{}
	inFlight map[string]int
	maxPer   map[string]int
	entered  chan OrderCall
}

var _ order.Service = (*OrderService)(nil)

// NewOrderService creates a service where every call succeeds.
func NewOrderService() *OrderService {
	return &OrderService{
		perKey:   make(map[string][]error),
		inFlight: make(map[string]int),
		maxPer:   make(map[string]int),
		entered:  make(chan OrderCall, 256),
	}
}

// Script appends outcomes for the next calls. A nil entry is a success.
func (s *OrderService) Script(outcomes ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcomes...)
}

// ScriptKey appends outcomes for the next calls on one item and variant.
func (s *OrderService) ScriptKey(itemID, variantID string, outcomes ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := itemID + ":" + variantID
	s.perKey[id] = append(s.perKey[id], outcomes...)
}

// Hold makes subsequent calls block until Release.
func (s *OrderService) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate == nil {
		s.gate = make(chan struct{})
	}
}

// Release unblocks every held call and stops holding new ones.
func (s *OrderService) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

// Entered delivers each call as it starts.
func (s *OrderService) Entered() <-chan OrderCall {
	return s.entered
}

// Calls returns every call made so far, in start order.
func (s *OrderService) Calls() []OrderCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OrderCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// MaxConcurrent returns the highest number of calls ever in flight at once
// for the given item and variant.
func (s *OrderService) MaxConcurrent(itemID, variantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxPer[itemID+":"+variantID]
}

func (s *OrderService) AddItem(ctx context.Context, itemID, variantID string, price int64) error {
	return s.do(ctx, OrderCall{Op: order.OpAdd, ItemID: itemID, VariantID: variantID, Price: price})
}

func (s *OrderService) RemoveItem(ctx context.Context, itemID, variantID string) error {
	return s.do(ctx, OrderCall{Op: order.OpRemove, ItemID: itemID, VariantID: variantID})
}

func (s *OrderService) DecrementItem(ctx context.Context, itemID, variantID string) error {
	return s.do(ctx, OrderCall{Op: order.OpDecrement, ItemID: itemID, VariantID: variantID})
}

func (s *OrderService) do(ctx context.Context, call OrderCall) error {
	id := call.ItemID + ":" + call.VariantID

	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.inFlight[id]++
	if s.inFlight[id] > s.maxPer[id] {
		s.maxPer[id] = s.inFlight[id]
	}
	gate := s.gate
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight[id]--
		s.mu.Unlock()
	}()

	select {
	case s.entered <- call:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.nextOutcome(id)
}

func (s *OrderService) nextOutcome(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q := s.perKey[id]; len(q) > 0 {
		s.perKey[id] = q[1:]
		return q[0]
	}
	if len(s.outcomes) > 0 {
		outcome := s.outcomes[0]
		s.outcomes[0] = nil
		s.outcomes = s.outcomes[1:]
		return outcome
	}
	return nil
}
