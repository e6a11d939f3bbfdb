// Package harness replays cart interaction scripts against a scripted order
// service and checks what the cart went through.
//
// # Scenario Format
//
// Scenarios are YAML files with the following structure:
//
//	name: second_add_fails
//	description: "What this scenario validates"
//	initial:
//	  order_id: ord-1
//	  lines:
//	    - { item: fries, quantity: 2, price: 30 }
//	flow:
//	  - op: add
//	    item: burger
//	    variant: large
//	    price: 100
//	  - op: add
//	    item: burger
//	    variant: large
//	    price: 100
//	    fail: "server exploded"
//	  - op: flush
//	assertions:
//	  - type: final_cart
//	    lines:
//	      - { item: burger, variant: large, quantity: 1, price: 100 }
//	  - type: notice
//	    message: "Update failed"
//
// A flow step is a cart mutation (add, remove, decrement) or a flush. The
// optional fail and reason fields script how the order service answers that
// step's confirmation; a step without them is confirmed.
//
// # Assertion Types
//
//   - final_cart: the cart holds exactly the listed lines
//   - order_id: the cart's order id after the run ("" for none)
//   - call_order: the order service saw these ops for one item, in order
//   - call_count: the number of service calls, optionally by op and item
//   - notice: some failure notice matches every field given
//   - notice_count: the number of failure notices
//   - persisted: the cart reopened from storage equals the final cart
//
// # Deterministic Testing
//
// Confirmations are held while the flow runs and released at each flush, so
// every optimistic step is traced before any rollback can touch the cart.
// Mutation IDs come from a sequence generator ("m-1", "m-2", ...), and
// confirmations are traced in mutation order rather than completion order.
// Each run gets its own in-memory SQLite database. Traces are therefore
// identical across runs and can be compared against golden files.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/second_add_fails.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, e := range result.Errors {
//	        log.Println(e)
//	    }
//	}
package harness
