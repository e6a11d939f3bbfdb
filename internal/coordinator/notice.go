package coordinator

import (
	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/order"
)

// Notice is the advisory raised when a confirmation fails and its optimistic
// change has been rolled back.
type Notice struct {
	MutationID string
	Op         order.Op
	Key        cart.Key
	Reason     order.Reason
	Message    string // "Item is out of stock" or "Update failed"
	Err        error
}

// Notifier receives notices. Implementations must not block for long; they
// run on the key's confirmation worker.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) {
	f(n)
}

type discardNotifier struct{}

func (discardNotifier) Notify(Notice) {}
