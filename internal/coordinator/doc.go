// Package coordinator implements the cart mutation coordinator.
//
// Every mutation has two halves:
//
//  1. An optimistic change, applied to the cart.Store before the call returns.
//  2. A confirmation task, which calls the order.Service and rolls the change
//     back if the call fails.
//
// ORDERING:
//
// Confirmation tasks are queued per cart.Key. Each key with pending work has
// exactly one worker goroutine draining its queue in FIFO order, so a burst
// of N calls on one key produces N remote calls, one at a time, in the order
// the optimistic changes were applied. Keys never wait on each other.
//
// Optimistic changes are applied and enqueued under a single mutex, which
// stands in for the UI thread: the enqueue order for a key always matches the
// order in which its changes hit the store.
//
// FAILURES:
//
// Callers never see confirmation errors. A failed task classifies the error
// (order.Classify), applies the rollback policy for its operation, and raises
// one advisory Notice. OrderNotFound voids the whole cart.
//
// Tasks are not cancellable once enqueued. A caller can issue a compensating
// mutation but cannot abort one in flight.
package coordinator
