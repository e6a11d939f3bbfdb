package order

import (
	"errors"
	"fmt"
	"strings"
)

// Reason classifies a failed confirmation.
type Reason string

const (
	// ReasonStockUnavailable means the item is out of stock.
	ReasonStockUnavailable Reason = "STOCK_UNAVAILABLE"

	// ReasonOrderNotFound means the server-side order backing the cart no
	// longer exists. The whole local cart is void.
	ReasonOrderNotFound Reason = "ORDER_NOT_FOUND"

	// ReasonGeneric covers every other failure.
	ReasonGeneric Reason = "GENERIC"
)

// Trigger phrases understood by existing backends. Matching is
// case-insensitive and by substring.
const (
	PhraseStockUnavailable = "item unavailable"
	PhraseOrderNotFound    = "order not found"
)

// Advisory messages shown to the user for a failed confirmation.
const (
	MessageOutOfStock   = "Item is out of stock"
	MessageUpdateFailed = "Update failed"
)

// Error is a failed order-service call.
type Error struct {
	// Reason is the classification. Empty means "derive from Message".
	Reason Reason

	// Message is the backend's text.
	Message string

	// Status is the transport status code, if any (HTTP status for orderapi).
	Status int

	// Err is the underlying cause (optional).
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status=%d)", e.reason(), msg, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.reason(), msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) reason() Reason {
	if e.Reason != "" {
		return e.Reason
	}
	if e.Message == "" && e.Err != nil {
		return Classify(e.Err)
	}
	return classifyText(e.Message)
}

// NewError builds an *Error whose reason is derived from msg.
func NewError(msg string) *Error {
	return &Error{Reason: classifyText(msg), Message: msg}
}

// Classify reduces err to a Reason. A typed *Error wins; anything else falls
// back to the trigger phrases in the error text. A nil error has no reason.
func Classify(err error) Reason {
	if err == nil {
		return ""
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe.reason()
	}
	return classifyText(err.Error())
}

func classifyText(msg string) Reason {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, PhraseStockUnavailable):
		return ReasonStockUnavailable
	case strings.Contains(lower, PhraseOrderNotFound):
		return ReasonOrderNotFound
	default:
		return ReasonGeneric
	}
}

// IsStockUnavailable reports whether err classifies as a stock-out.
func IsStockUnavailable(err error) bool {
	return Classify(err) == ReasonStockUnavailable
}

// IsOrderNotFound reports whether err classifies as a stale order.
func IsOrderNotFound(err error) bool {
	return Classify(err) == ReasonOrderNotFound
}

// Advisory returns the user-facing message for a reason.
func Advisory(r Reason) string {
	if r == ReasonStockUnavailable {
		return MessageOutOfStock
	}
	return MessageUpdateFailed
}
