package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/order"
	"github.com/roach88/cartsync/internal/store"
	"github.com/roach88/cartsync/internal/testutil"
)

type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRecorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *noticeRecorder) all() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, len(r.notices))
	copy(out, r.notices)
	return out
}

type fixture struct {
	coord   *Coordinator
	cart    *cart.Store
	storage *store.Memory
	svc     *testutil.OrderService
	notices *noticeRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := store.NewMemory()
	cs, err := cart.Open(context.Background(), mem, cart.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })

	f := &fixture{
		cart:    cs,
		storage: mem,
		svc:     testutil.NewOrderService(),
		notices: &noticeRecorder{},
	}
	f.coord = New(cs, f.svc,
		WithLogger(logger),
		WithNotifier(f.notices),
		WithIDGenerator(NewSequenceGenerator("m")),
	)
	return f
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.coord.Flush(ctx))
}

func waitDone(t *testing.T, d Done) {
	t.Helper()
	select {
	case <-d:
	case <-time.After(5 * time.Second):
		t.Fatal("mutation did not settle")
	}
}

func waitEntered(t *testing.T, svc *testutil.OrderService) testutil.OrderCall {
	t.Helper()
	select {
	case call := <-svc.Entered():
		return call
	case <-time.After(5 * time.Second):
		t.Fatal("no confirmation started")
		return testutil.OrderCall{}
	}
}

var keyA = cart.MustKey("burger", "large")

func TestAddItem_AppliesOptimistically(t *testing.T) {
	f := newFixture(t)
	f.svc.Hold()
	defer f.svc.Release()

	_, err := f.coord.AddItem(keyA, 100)
	require.NoError(t, err)

	line, ok := f.cart.Get(keyA)
	require.True(t, ok, "line visible before confirmation")
	assert.Equal(t, cart.Line{Quantity: 1, UnitPrice: 100}, line)

	_, err = f.coord.AddItem(keyA, 999)
	require.NoError(t, err)

	line, _ = f.cart.Get(keyA)
	assert.Equal(t, cart.Line{Quantity: 2, UnitPrice: 100}, line, "existing line keeps its price")
}

func TestAddItem_SendsLinePrice(t *testing.T) {
	f := newFixture(t)
	f.cart.Update(func(l cart.Lines) { l[keyA] = cart.Line{Quantity: 1, UnitPrice: 70} })

	d, err := f.coord.AddItem(keyA, 100)
	require.NoError(t, err)
	waitDone(t, d)

	calls := f.svc.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, int64(70), calls[0].Price)
}

func TestMutations_RejectInvalidInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.AddItem(cart.Key{}, 100)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = f.coord.AddItem(keyA, -1)
	assert.ErrorIs(t, err, ErrNegativePrice)

	_, err = f.coord.RemoveItem(cart.Key{VariantID: "x"})
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = f.coord.DecrementItem(cart.Key{})
	assert.ErrorIs(t, err, ErrInvalidKey)

	assert.Equal(t, 0, f.cart.Len())
	assert.Empty(t, f.svc.Calls())
}

func TestPerKeySerializability(t *testing.T) {
	f := newFixture(t)
	f.svc.Hold()

	_, err := f.coord.AddItem(keyA, 100)
	require.NoError(t, err)
	_, err = f.coord.AddItem(keyA, 100)
	require.NoError(t, err)
	_, err = f.coord.DecrementItem(keyA)
	require.NoError(t, err)
	_, err = f.coord.RemoveItem(keyA)
	require.NoError(t, err)

	first := waitEntered(t, f.svc)
	assert.Equal(t, order.OpAdd, first.Op)

	// The second confirmation must not start while the first is held.
	select {
	case call := <-f.svc.Entered():
		t.Fatalf("second confirmation started early: %+v", call)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 4, f.coord.Pending(keyA))

	f.svc.Release()
	f.flush(t)

	ops := make([]order.Op, 0, 4)
	for _, c := range f.svc.Calls() {
		ops = append(ops, c.Op)
	}
	assert.Equal(t, []order.Op{order.OpAdd, order.OpAdd, order.OpDecrement, order.OpRemove}, ops)
	assert.Equal(t, 1, f.svc.MaxConcurrent("burger", "large"))
	assert.Equal(t, 0, f.coord.Pending(keyA))
}

func TestPerKeySerializability_Burst(t *testing.T) {
	f := newFixture(t)
	const n = 50

	for i := 0; i < n; i++ {
		_, err := f.coord.AddItem(keyA, 10)
		require.NoError(t, err)
	}
	f.flush(t)

	assert.Len(t, f.svc.Calls(), n)
	assert.Equal(t, 1, f.svc.MaxConcurrent("burger", "large"))

	line, ok := f.cart.Get(keyA)
	require.True(t, ok)
	assert.Equal(t, n, line.Quantity)
}

func TestDifferentKeysRunConcurrently(t *testing.T) {
	f := newFixture(t)
	keyB := cart.MustKey("fries", "")
	f.svc.Hold()

	_, err := f.coord.AddItem(keyA, 100)
	require.NoError(t, err)
	_, err = f.coord.AddItem(keyB, 50)
	require.NoError(t, err)

	// Both confirmations are in flight at once.
	seen := map[string]bool{}
	seen[waitEntered(t, f.svc).ItemID] = true
	seen[waitEntered(t, f.svc).ItemID] = true
	assert.Equal(t, map[string]bool{"burger": true, "fries": true}, seen)

	f.svc.Release()
	f.flush(t)
}

func TestAddFailure_RollsBackToAbsent(t *testing.T) {
	f := newFixture(t)
	f.svc.Script(errors.New("boom"))

	d, err := f.coord.AddItem(keyA, 100)
	require.NoError(t, err)
	waitDone(t, d)

	_, ok := f.cart.Get(keyA)
	assert.False(t, ok)

	notices := f.notices.all()
	require.Len(t, notices, 1)
	assert.Equal(t, order.MessageUpdateFailed, notices[0].Message)
	assert.Equal(t, order.ReasonGeneric, notices[0].Reason)
	assert.Equal(t, "m-1", notices[0].MutationID)
	assert.Equal(t, keyA, notices[0].Key)
}

func TestScenario_SecondAddFails(t *testing.T) {
	f := newFixture(t)
	f.svc.Script(nil, errors.New("server exploded"))

	_, err := f.coord.AddItem(keyA, 100)
	require.NoError(t, err)
	_, err = f.coord.AddItem(keyA, 100)
	require.NoError(t, err)
	f.flush(t)

	line, ok := f.cart.Get(keyA)
	require.True(t, ok)
	assert.Equal(t, 1, line.Quantity)
	assert.Equal(t, int64(100), line.UnitPrice)
}

func TestScenario_DecrementLastUnitSucceeds(t *testing.T) {
	f := newFixture(t)
	f.cart.Update(func(l cart.Lines) { l[keyA] = cart.Line{Quantity: 1, UnitPrice: 50} })
	f.svc.Hold()

	d, err := f.coord.DecrementItem(keyA)
	require.NoError(t, err)

	_, ok := f.cart.Get(keyA)
	assert.False(t, ok, "removed before confirmation")

	f.svc.Release()
	waitDone(t, d)

	_, ok = f.cart.Get(keyA)
	assert.False(t, ok)
	assert.Empty(t, f.notices.all())
}

func TestDecrementAbsent_IsNoop(t *testing.T) {
	f := newFixture(t)

	d, err := f.coord.DecrementItem(keyA)
	require.NoError(t, err)
	waitDone(t, d)

	assert.Empty(t, f.svc.Calls())
	assert.Equal(t, 0, f.coord.Pending(keyA))
}

func TestDecrementFailure_Reincrements(t *testing.T) {
	f := newFixture(t)
	f.cart.Update(func(l cart.Lines) { l[keyA] = cart.Line{Quantity: 3, UnitPrice: 20} })
	f.svc.Script(errors.New("nope"))

	d, err := f.coord.DecrementItem(keyA)
	require.NoError(t, err)

	line, _ := f.cart.Get(keyA)
	assert.Equal(t, 2, line.Quantity)

	waitDone(t, d)
	line, _ = f.cart.Get(keyA)
	assert.Equal(t, cart.Line{Quantity: 3, UnitPrice: 20}, line)
}

func TestDecrementFailure_RecreatesRemovedLine(t *testing.T) {
	f := newFixture(t)
	f.cart.Update(func(l cart.Lines) { l[keyA] = cart.Line{Quantity: 1, UnitPrice: 20} })
	f.svc.Script(errors.New("nope"))

	d, err := f.coord.DecrementItem(keyA)
	require.NoError(t, err)
	waitDone(t, d)

	line, ok := f.cart.Get(keyA)
	require.True(t, ok)
	assert.Equal(t, cart.Line{Quantity: 1, UnitPrice: 20}, line)
}

func TestRemoveFailure_RestoresExactLine(t *testing.T) {
	f := newFixture(t)
	f.cart.Update(func(l cart.Lines) { l[keyA] = cart.Line{Quantity: 4, UnitPrice: 250} })
	f.svc.Script(order.NewError("item unavailable"))

	d, err := f.coord.RemoveItem(keyA)
	require.NoError(t, err)

	_, ok := f.cart.Get(keyA)
	assert.False(t, ok, "removed optimistically")

	waitDone(t, d)
	line, ok := f.cart.Get(keyA)
	require.True(t, ok)
	assert.Equal(t, cart.Line{Quantity: 4, UnitPrice: 250}, line)

	notices := f.notices.all()
	require.Len(t, notices, 1)
	assert.Equal(t, order.MessageOutOfStock, notices[0].Message)
	assert.Equal(t, order.OpRemove, notices[0].Op)
}

func TestRemoveAbsent_StillConfirms(t *testing.T) {
	f := newFixture(t)
	f.svc.Script(errors.New("gone"))

	d, err := f.coord.RemoveItem(keyA)
	require.NoError(t, err)
	waitDone(t, d)

	assert.Len(t, f.svc.Calls(), 1)
	assert.Equal(t, 0, f.cart.Len(), "nothing to restore")
}

func TestStockOutMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"substring", errors.New("Sorry: ITEM UNAVAILABLE right now"), order.MessageOutOfStock},
		{"typed", &order.Error{Reason: order.ReasonStockUnavailable, Message: "sold out"}, order.MessageOutOfStock},
		{"generic", errors.New("timeout"), order.MessageUpdateFailed},
		{"order not found", errors.New("order not found"), order.MessageUpdateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.svc.Script(tt.err)

			d, err := f.coord.AddItem(keyA, 100)
			require.NoError(t, err)
			waitDone(t, d)

			notices := f.notices.all()
			require.Len(t, notices, 1)
			assert.Equal(t, tt.want, notices[0].Message)
		})
	}
}

func TestOrderNotFound_ResetsWholeCart(t *testing.T) {
	for _, op := range []order.Op{order.OpAdd, order.OpRemove, order.OpDecrement} {
		t.Run(string(op), func(t *testing.T) {
			f := newFixture(t)
			keyB := cart.MustKey("fries", "")
			f.cart.Update(func(l cart.Lines) {
				l[keyA] = cart.Line{Quantity: 2, UnitPrice: 100}
				l[keyB] = cart.Line{Quantity: 1, UnitPrice: 50}
			})
			f.cart.SetOrderID("ord-42")
			require.NoError(t, f.cart.Flush(context.Background()))

			_, found, err := f.storage.Get(context.Background(), cart.StorageKeyOrderID)
			require.NoError(t, err)
			require.True(t, found)

			f.svc.Script(errors.New("Order Not Found"))

			var d Done
			switch op {
			case order.OpAdd:
				d, err = f.coord.AddItem(keyA, 100)
			case order.OpRemove:
				d, err = f.coord.RemoveItem(keyA)
			default:
				d, err = f.coord.DecrementItem(keyA)
			}
			require.NoError(t, err)
			waitDone(t, d)

			assert.Equal(t, 0, f.cart.Len())
			assert.Empty(t, f.cart.OrderID())
			require.NoError(t, f.cart.Flush(context.Background()))

			_, found, err = f.storage.Get(context.Background(), cart.StorageKeyOrderID)
			require.NoError(t, err)
			assert.False(t, found, "persisted order id cleared")

			notices := f.notices.all()
			require.Len(t, notices, 1)
			assert.Equal(t, order.ReasonOrderNotFound, notices[0].Reason)
		})
	}
}

func TestNonNegativity(t *testing.T) {
	f := newFixture(t)
	f.svc.Script(errors.New("a"), nil, errors.New("b"), nil, errors.New("c"))

	for i := 0; i < 3; i++ {
		_, err := f.coord.AddItem(keyA, 10)
		require.NoError(t, err)
		_, err = f.coord.DecrementItem(keyA)
		require.NoError(t, err)
	}
	f.flush(t)

	for k, line := range f.cart.Snapshot() {
		assert.GreaterOrEqual(t, line.Quantity, 1, "key %s", k)
	}
}

func TestNotifierPanic_IsContained(t *testing.T) {
	f := newFixture(t)
	f.coord.notifier = NotifierFunc(func(Notice) { panic("ui exploded") })
	f.svc.Script(errors.New("boom"), nil)

	d1, err := f.coord.AddItem(keyA, 100)
	require.NoError(t, err)
	d2, err := f.coord.AddItem(keyA, 100)
	require.NoError(t, err)

	waitDone(t, d1)
	waitDone(t, d2)

	line, ok := f.cart.Get(keyA)
	require.True(t, ok)
	assert.Equal(t, 1, line.Quantity)
}

type panickingService struct{ order.Service }

func (panickingService) AddItem(context.Context, string, string, int64) error {
	panic("transport bug")
}

func TestServicePanic_TreatedAsFailure(t *testing.T) {
	f := newFixture(t)
	f.coord.svc = panickingService{}

	d, err := f.coord.AddItem(keyA, 100)
	require.NoError(t, err)
	waitDone(t, d)

	assert.Equal(t, 0, f.cart.Len())
	notices := f.notices.all()
	require.Len(t, notices, 1)
	assert.Equal(t, order.MessageUpdateFailed, notices[0].Message)
}

func TestWithTimeout_BoundsConfirmation(t *testing.T) {
	f := newFixture(t)
	f.coord.timeout = 20 * time.Millisecond
	f.svc.Hold()
	defer f.svc.Release()

	d, err := f.coord.AddItem(keyA, 100)
	require.NoError(t, err)
	waitDone(t, d)

	assert.Equal(t, 0, f.cart.Len())
	notices := f.notices.all()
	require.Len(t, notices, 1)
	assert.ErrorIs(t, notices[0].Err, context.DeadlineExceeded)
}

func TestFlush_HonoursContext(t *testing.T) {
	f := newFixture(t)
	f.svc.Hold()
	defer f.svc.Release()

	_, err := f.coord.AddItem(keyA, 100)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.coord.Flush(ctx), context.DeadlineExceeded)
}

func TestFlush_IdleReturnsImmediately(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.Flush(context.Background()))
}

func TestCoordinators_DoNotShareQueues(t *testing.T) {
	a := newFixture(t)
	b := newFixture(t)
	a.svc.Hold()
	defer a.svc.Release()

	_, err := a.coord.AddItem(keyA, 1)
	require.NoError(t, err)
	waitEntered(t, a.svc)

	d, err := b.coord.AddItem(keyA, 1)
	require.NoError(t, err)
	waitDone(t, d)

	assert.Equal(t, 1, a.coord.Pending(keyA))
	assert.Equal(t, 0, b.coord.Pending(keyA))
}

// stalledStorage blocks every Set until release is closed.
type stalledStorage struct {
	*store.Memory
	release chan struct{}
}

func (s stalledStorage) Set(ctx context.Context, key string, value []byte) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.Memory.Set(ctx, key, value)
}

func TestAddItem_DoesNotWaitOnStorage(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := store.NewMemory()
	slow := stalledStorage{Memory: mem, release: make(chan struct{})}
	cs, err := cart.Open(context.Background(), slow, cart.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	t.Cleanup(func() {
		select {
		case <-slow.release:
		default:
			close(slow.release)
		}
	})

	svc := testutil.NewOrderService()
	coord := New(cs, svc, WithLogger(logger))

	returned := make(chan Done, 1)
	go func() {
		d, err := coord.AddItem(keyA, 100)
		assert.NoError(t, err)
		returned <- d
	}()

	var d Done
	select {
	case d = <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("AddItem waited on storage")
	}
	waitDone(t, d)

	line, ok := cs.Get(keyA)
	require.True(t, ok)
	assert.Equal(t, 1, line.Quantity)

	close(slow.release)
	require.NoError(t, cs.Flush(context.Background()))
	data, found, err := mem.Get(context.Background(), cart.StorageKeyCart)
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, string(data), `"quantity":1`)
}
