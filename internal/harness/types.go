package harness

import (
	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/testutil"
)

// Trace event types.
const (
	EventApply   = "apply"
	EventConfirm = "confirm"
	EventFlush   = "flush"
)

// Outcomes recorded on trace events. Failed confirmations carry their
// order.Reason instead.
const (
	OutcomeOK       = "ok"
	OutcomeNoop     = "noop"
	OutcomeRejected = "rejected"
)

// LineState is one cart line as scenarios and traces spell it.
type LineState struct {
	Item     string `yaml:"item" json:"item"`
	Variant  string `yaml:"variant,omitempty" json:"variant,omitempty"`
	Quantity int    `yaml:"quantity" json:"quantity"`
	Price    int64  `yaml:"price" json:"price"`
}

// CartState is a cart snapshot with its lines in key order.
type CartState struct {
	Lines   []LineState `json:"lines"`
	OrderID string      `json:"order_id,omitempty"`
}

// NewCartState converts store lines into a CartState.
func NewCartState(lines cart.Lines, orderID string) CartState {
	state := CartState{
		Lines:   make([]LineState, 0, len(lines)),
		OrderID: orderID,
	}
	for _, k := range lines.Keys() {
		line := lines[k]
		state.Lines = append(state.Lines, LineState{
			Item:     k.ItemID,
			Variant:  k.VariantID,
			Quantity: line.Quantity,
			Price:    line.UnitPrice,
		})
	}
	return state
}

// TraceEvent is one entry of a scenario trace.
type TraceEvent struct {
	Seq      int64      `json:"seq"`
	Type     string     `json:"type"` // "apply", "confirm" or "flush"
	Mutation string     `json:"mutation,omitempty"`
	Op       string     `json:"op,omitempty"`
	Key      string     `json:"key,omitempty"`
	Outcome  string     `json:"outcome,omitempty"`
	Error    string     `json:"error,omitempty"`
	Notice   string     `json:"notice,omitempty"`
	Cart     *CartState `json:"cart,omitempty"`
}

// NoticeState is a failure notice as assertions see it.
type NoticeState struct {
	Mutation string `json:"mutation"`
	Op       string `json:"op"`
	Key      string `json:"key"`
	Reason   string `json:"reason"`
	Message  string `json:"message"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace lists applies, confirmations and flushes in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds one message per failed assertion.
	Errors []string `json:"errors,omitempty"`

	// Final is the cart after the last flush.
	Final CartState `json:"final"`

	// Persisted is the cart rehydrated from storage after the run.
	Persisted CartState `json:"persisted"`

	// Calls are the order-service calls in start order. Calls for different
	// keys may interleave differently between runs.
	Calls []testutil.OrderCall `json:"-"`

	// Notices are ordered by mutation.
	Notices []NoticeState `json:"notices"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		Notices: []NoticeState{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
