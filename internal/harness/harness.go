package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/coordinator"
	"github.com/roach88/cartsync/internal/order"
	"github.com/roach88/cartsync/internal/store"
	"github.com/roach88/cartsync/internal/testutil"
)

// FlushTimeout bounds how long a flush waits for held confirmations.
const FlushTimeout = 5 * time.Second

// harness executes one scenario.
type harness struct {
	carts *cart.Store
	svc   *testutil.OrderService
	coord *coordinator.Coordinator
	ids   *recordingIDs

	mu      sync.Mutex // protects notices
	notices map[string]coordinator.Notice

	seq     int64
	pending []issued // mutations since the last flush
	result  *Result
}

type issued struct {
	id  string
	op  order.Op
	key cart.Key
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory SQLite database. Run returns
// an error only when the scenario cannot be executed; failed assertions are
// reported through Result.Pass and Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	storage, err := store.OpenSQLite(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer storage.Close()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // keep test output clean
	ns := store.Namespace(storage, scenario.Name)

	carts, err := cart.Open(ctx, ns, cart.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open cart: %w", err)
	}
	defer carts.Close()

	h := &harness{
		carts:   carts,
		svc:     testutil.NewOrderService(),
		ids:     &recordingIDs{gen: coordinator.NewSequenceGenerator("m")},
		notices: make(map[string]coordinator.Notice),
		result:  NewResult(),
	}
	h.coord = coordinator.New(carts, h.svc,
		coordinator.WithLogger(logger),
		coordinator.WithNotifier(coordinator.NotifierFunc(h.recordNotice)),
		coordinator.WithIDGenerator(h.ids),
	)

	if err := h.seed(scenario.Initial); err != nil {
		return nil, err
	}

	h.svc.Hold()
	defer h.svc.Release()

	for i, step := range scenario.Flow {
		if err := h.execute(i, step); err != nil {
			return nil, err
		}
	}
	if last := scenario.Flow[len(scenario.Flow)-1]; last.Op != StepFlush {
		if err := h.flush(); err != nil {
			return nil, err
		}
	}

	result := h.result
	result.Final = NewCartState(carts.Snapshot(), carts.OrderID())
	result.Calls = h.svc.Calls()
	result.Notices = h.noticeStates()

	// Persisted is read back only after every pending write has landed.
	if err := carts.Close(); err != nil {
		return nil, fmt.Errorf("close cart: %w", err)
	}
	reopened, err := cart.Open(ctx, ns, cart.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("reopen cart: %w", err)
	}
	defer reopened.Close()
	result.Persisted = NewCartState(reopened.Snapshot(), reopened.OrderID())

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}

	return result, nil
}

// seed installs the initial cart without tracing it.
func (h *harness) seed(initial *InitialCart) error {
	if initial == nil {
		return nil
	}

	lines := make(cart.Lines, len(initial.Lines))
	for i, l := range initial.Lines {
		key, err := cart.NewKey(l.Item, l.Variant)
		if err != nil {
			return fmt.Errorf("initial.lines[%d]: %w", i, err)
		}
		lines[key] = cart.Line{Quantity: l.Quantity, UnitPrice: l.Price}
	}
	h.carts.Replace(lines)
	if initial.OrderID != "" {
		h.carts.SetOrderID(initial.OrderID)
	}
	return nil
}

// execute applies one flow step and traces the optimistic result.
func (h *harness) execute(index int, step Step) error {
	if step.Op == StepFlush {
		return h.flush()
	}

	key, err := cart.NewKey(step.Item, step.Variant)
	if err != nil {
		return fmt.Errorf("flow[%d]: %w", index, err)
	}

	before := h.ids.count()
	switch step.Op {
	case StepAdd:
		_, err = h.coord.AddItem(key, step.Price)
	case StepRemove:
		_, err = h.coord.RemoveItem(key)
	case StepDecrement:
		_, err = h.coord.DecrementItem(key)
	default:
		return fmt.Errorf("flow[%d]: unknown op %q", index, step.Op)
	}

	event := TraceEvent{
		Type: EventApply,
		Op:   step.Op,
		Key:  key.String(),
	}
	switch {
	case err != nil:
		event.Outcome = OutcomeRejected
		event.Error = err.Error()
	case h.ids.count() == before:
		event.Outcome = OutcomeNoop
	default:
		id := h.ids.last()
		event.Mutation = id
		// Calls are held, so the outcome can be scripted after the fact.
		h.svc.ScriptKey(key.ItemID, key.VariantID, step.failure())
		h.pending = append(h.pending, issued{id: id, op: order.Op(step.Op), key: key})
	}
	h.emit(event, true)

	return nil
}

// flush releases held confirmations, waits for them to settle and traces
// their outcomes in mutation order.
func (h *harness) flush() error {
	h.svc.Release()
	defer h.svc.Hold()

	ctx, cancel := context.WithTimeout(context.Background(), FlushTimeout)
	defer cancel()
	if err := h.coord.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	for _, m := range h.pending {
		event := TraceEvent{
			Type:     EventConfirm,
			Mutation: m.id,
			Op:       string(m.op),
			Key:      m.key.String(),
			Outcome:  OutcomeOK,
		}
		if n, ok := h.notice(m.id); ok {
			event.Outcome = string(n.Reason)
			event.Notice = n.Message
		}
		h.emit(event, false)
	}
	h.pending = nil

	h.emit(TraceEvent{Type: EventFlush}, true)
	return nil
}

func (h *harness) emit(event TraceEvent, withCart bool) {
	h.seq++
	event.Seq = h.seq
	if withCart {
		state := NewCartState(h.carts.Snapshot(), h.carts.OrderID())
		event.Cart = &state
	}
	h.result.Trace = append(h.result.Trace, event)
}

func (h *harness) recordNotice(n coordinator.Notice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notices[n.MutationID] = n
}

func (h *harness) notice(id string) (coordinator.Notice, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.notices[id]
	return n, ok
}

// noticeStates returns every notice ordered by mutation sequence.
func (h *harness) noticeStates() []NoticeState {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]NoticeState, 0, len(h.notices))
	for _, n := range h.notices {
		out = append(out, NoticeState{
			Mutation: n.MutationID,
			Op:       string(n.Op),
			Key:      n.Key.String(),
			Reason:   string(n.Reason),
			Message:  n.Message,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return h.ids.position(out[i].Mutation) < h.ids.position(out[j].Mutation)
	})
	return out
}

// recordingIDs wraps a SequenceGenerator and remembers what it handed out.
type recordingIDs struct {
	gen *coordinator.SequenceGenerator

	mu  sync.Mutex
	ids []string
}

func (r *recordingIDs) Generate() string {
	id := r.gen.Generate()
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
	return id
}

func (r *recordingIDs) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func (r *recordingIDs) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ids) == 0 {
		return ""
	}
	return r.ids[len(r.ids)-1]
}

// position returns the issue order of id, or -1 if it was never issued.
func (r *recordingIDs) position(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, v := range r.ids {
		if v == id {
			return i
		}
	}
	return -1
}
