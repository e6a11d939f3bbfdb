// Package order defines the contract between the cart core and the remote
// order service.
//
// The core never talks to the network itself. It calls a Service, and every
// failure it gets back is reduced to a Reason by Classify before the rollback
// policy runs.
package order

import "context"

// Service is the remote order-service collaborator.
//
// Each call reports success with a nil error. A failed call should return an
// *Error carrying a Reason; plain errors are classified by their message text.
type Service interface {
	AddItem(ctx context.Context, itemID, variantID string, price int64) error
	RemoveItem(ctx context.Context, itemID, variantID string) error
	DecrementItem(ctx context.Context, itemID, variantID string) error
}

// Op names a cart mutation.
type Op string

const (
	OpAdd       Op = "add"
	OpRemove    Op = "remove"
	OpDecrement Op = "decrement"
)

// Valid reports whether op is one of the known mutations.
func (op Op) Valid() bool {
	switch op {
	case OpAdd, OpRemove, OpDecrement:
		return true
	}
	return false
}
