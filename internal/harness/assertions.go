package harness

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/testutil"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			switch event.Type {
			case EventApply:
				fmt.Fprintf(&buf, "  [%d] apply %s %s %s\n", event.Seq, event.Op, event.Key, event.Mutation)
			case EventConfirm:
				fmt.Fprintf(&buf, "  [%d] confirm %s %s\n", event.Seq, event.Mutation, event.Outcome)
			}
		}
	}

	return buf.String()
}

// assertFinalCart checks that the cart holds exactly the expected lines.
func assertFinalCart(result *Result, assertion Assertion) error {
	expected, err := expectedLines(assertion.Lines)
	if err != nil {
		return err
	}

	if !reflect.DeepEqual(expected, result.Final.Lines) {
		return &AssertionError{
			Type:     AssertFinalCart,
			Expected: formatLines(expected),
			Actual:   formatLines(result.Final.Lines),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertOrderID checks the order id left on the cart.
func assertOrderID(result *Result, assertion Assertion) error {
	if result.Final.OrderID != assertion.OrderID {
		return &AssertionError{
			Type:     AssertOrderID,
			Expected: fmt.Sprintf("order id %q", assertion.OrderID),
			Actual:   fmt.Sprintf("order id %q", result.Final.OrderID),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertCallOrder checks the exact sequence of ops the service saw for one
// line. Calls for a single line are serialized, so their order is stable.
func assertCallOrder(result *Result, assertion Assertion) error {
	key, err := cart.NewKey(assertion.Item, assertion.Variant)
	if err != nil {
		return fmt.Errorf("call_order: %w", err)
	}

	var actual []string
	for _, c := range result.Calls {
		if callKey(c) == key {
			actual = append(actual, string(c.Op))
		}
	}

	if !reflect.DeepEqual(assertion.Ops, actual) {
		return &AssertionError{
			Type:     AssertCallOrder,
			Expected: fmt.Sprintf("calls for %s: %v", key, assertion.Ops),
			Actual:   fmt.Sprintf("calls for %s: %v", key, actual),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertCallCount checks how many calls matched the optional op and item
// filters.
func assertCallCount(result *Result, assertion Assertion) error {
	var filter *cart.Key
	if assertion.Item != "" {
		key, err := cart.NewKey(assertion.Item, assertion.Variant)
		if err != nil {
			return fmt.Errorf("call_count: %w", err)
		}
		filter = &key
	}

	count := 0
	for _, c := range result.Calls {
		if assertion.Op != "" && string(c.Op) != assertion.Op {
			continue
		}
		if filter != nil && callKey(c) != *filter {
			continue
		}
		count++
	}

	if count != assertion.Count {
		what := "calls"
		if assertion.Op != "" {
			what = assertion.Op + " calls"
		}
		if filter != nil {
			what += " for " + filter.String()
		}
		return &AssertionError{
			Type:     AssertCallCount,
			Expected: fmt.Sprintf("%d %s", assertion.Count, what),
			Actual:   fmt.Sprintf("%d %s", count, what),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertNotice checks that some notice matches every field the assertion
// sets (subset match).
func assertNotice(result *Result, assertion Assertion) error {
	for _, n := range result.Notices {
		if assertion.Mutation != "" && n.Mutation != assertion.Mutation {
			continue
		}
		if assertion.Reason != "" && n.Reason != assertion.Reason {
			continue
		}
		if assertion.Message != "" && n.Message != assertion.Message {
			continue
		}
		return nil
	}

	return &AssertionError{
		Type: AssertNotice,
		Expected: fmt.Sprintf("notice with mutation=%q reason=%q message=%q",
			assertion.Mutation, assertion.Reason, assertion.Message),
		Actual: fmt.Sprintf("notices: %v", result.Notices),
		Trace:  result.Trace,
	}
}

func assertNoticeCount(result *Result, assertion Assertion) error {
	if len(result.Notices) != assertion.Count {
		return &AssertionError{
			Type:     AssertNoticeCount,
			Expected: fmt.Sprintf("%d notices", assertion.Count),
			Actual:   fmt.Sprintf("%d notices", len(result.Notices)),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertPersisted checks that storage holds what the cart shows.
func assertPersisted(result *Result) error {
	if !reflect.DeepEqual(result.Final, result.Persisted) {
		return &AssertionError{
			Type:     AssertPersisted,
			Expected: fmt.Sprintf("%s order=%q", formatLines(result.Final.Lines), result.Final.OrderID),
			Actual:   fmt.Sprintf("%s order=%q", formatLines(result.Persisted.Lines), result.Persisted.OrderID),
			Trace:    result.Trace,
		}
	}
	return nil
}

// expectedLines normalises assertion lines into CartState order.
func expectedLines(lines []LineState) ([]LineState, error) {
	set := make(cart.Lines, len(lines))
	for i, l := range lines {
		key, err := cart.NewKey(l.Item, l.Variant)
		if err != nil {
			return nil, fmt.Errorf("final_cart lines[%d]: %w", i, err)
		}
		set[key] = cart.Line{Quantity: l.Quantity, UnitPrice: l.Price}
	}
	return NewCartState(set, "").Lines, nil
}

func callKey(c testutil.OrderCall) cart.Key {
	return cart.Key{ItemID: c.ItemID, VariantID: c.VariantID}
}

func formatLines(lines []LineState) string {
	if len(lines) == 0 {
		return "empty cart"
	}
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = fmt.Sprintf("%s:%s x%d @%d", l.Item, l.Variant, l.Quantity, l.Price)
	}
	return strings.Join(parts, ", ")
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertFinalCart:
			err = assertFinalCart(result, assertion)
		case AssertOrderID:
			err = assertOrderID(result, assertion)
		case AssertCallOrder:
			err = assertCallOrder(result, assertion)
		case AssertCallCount:
			err = assertCallCount(result, assertion)
		case AssertNotice:
			err = assertNotice(result, assertion)
		case AssertNoticeCount:
			err = assertNoticeCount(result, assertion)
		case AssertPersisted:
			err = assertPersisted(result)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
