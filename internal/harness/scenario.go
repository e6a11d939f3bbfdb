package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/order"
)

// Scenario is a scripted cart session with assertions on its outcome.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Initial is the cart state before the flow runs. Optional.
	Initial *InitialCart `yaml:"initial,omitempty"`

	// Flow is the sequence of cart mutations and flushes. A final flush is
	// implied when the flow does not end with one.
	Flow []Step `yaml:"flow"`

	// Assertions validate the trace and final state.
	Assertions []Assertion `yaml:"assertions"`
}

// InitialCart seeds the cart before the flow.
type InitialCart struct {
	OrderID string      `yaml:"order_id,omitempty"`
	Lines   []LineState `yaml:"lines"`
}

// Step ops. Mutation ops use the order.Op spelling.
const (
	StepAdd       = string(order.OpAdd)
	StepRemove    = string(order.OpRemove)
	StepDecrement = string(order.OpDecrement)
	StepFlush     = "flush"
)

// Step is one flow entry.
type Step struct {
	Op      string `yaml:"op"`
	Item    string `yaml:"item,omitempty"`
	Variant string `yaml:"variant,omitempty"`

	// Price is the unit price for a new line (add only).
	Price int64 `yaml:"price,omitempty"`

	// Fail is the error text the order service answers with. Its reason is
	// derived from the text unless Reason is set.
	Fail string `yaml:"fail,omitempty"`

	// Reason forces a typed failure reason.
	Reason string `yaml:"reason,omitempty"`
}

// failure returns the scripted order-service answer for the step.
func (s Step) failure() error {
	switch {
	case s.Reason != "":
		return &order.Error{Reason: order.Reason(s.Reason), Message: s.Fail}
	case s.Fail != "":
		return errors.New(s.Fail)
	default:
		return nil
	}
}

// Assertion validates the trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Item and Variant select a cart line (call_order, call_count).
	Item    string `yaml:"item,omitempty"`
	Variant string `yaml:"variant,omitempty"`

	// Op filters call_count.
	Op string `yaml:"op,omitempty"`

	// Ops is the expected call sequence for call_order.
	Ops []string `yaml:"ops,omitempty"`

	// Count is the expected number for call_count and notice_count.
	Count int `yaml:"count,omitempty"`

	// Lines is the expected cart for final_cart. Empty means an empty cart.
	Lines []LineState `yaml:"lines,omitempty"`

	// OrderID is the expected order id for order_id.
	OrderID string `yaml:"order_id,omitempty"`

	// Mutation, Reason and Message match a notice (subset match).
	Mutation string `yaml:"mutation,omitempty"`
	Reason   string `yaml:"reason,omitempty"`
	Message  string `yaml:"message,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalCart   = "final_cart"
	AssertOrderID     = "order_id"
	AssertCallOrder   = "call_order"
	AssertCallCount   = "call_count"
	AssertNotice      = "notice"
	AssertNoticeCount = "notice_count"
	AssertPersisted   = "persisted"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return scenario, nil
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // reject typos like "assertion:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// LoadScenarios loads every *.yaml and *.yml file in dir, sorted by file
// name. Scenario names must be unique.
func LoadScenarios(dir string) ([]*Scenario, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("glob scenarios: %w", err)
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)

	seen := make(map[string]string, len(paths))
	scenarios := make([]*Scenario, 0, len(paths))
	for _, path := range paths {
		s, err := LoadScenario(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("scenario %q defined in both %s and %s", s.Name, prev, path)
		}
		seen[s.Name] = path
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if s.Initial != nil {
		seen := make(map[cart.Key]bool, len(s.Initial.Lines))
		for i, line := range s.Initial.Lines {
			key, err := cart.NewKey(line.Item, line.Variant)
			if err != nil {
				return fmt.Errorf("initial.lines[%d]: %w", i, err)
			}
			if seen[key] {
				return fmt.Errorf("initial.lines[%d]: duplicate line %s", i, key)
			}
			seen[key] = true
			if line.Quantity < 1 {
				return fmt.Errorf("initial.lines[%d]: quantity must be at least 1", i)
			}
			if line.Price < 0 {
				return fmt.Errorf("initial.lines[%d]: price must be non-negative", i)
			}
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(index int, step *Step) error {
	switch step.Op {
	case StepFlush:
		if step.Item != "" || step.Fail != "" || step.Reason != "" {
			return fmt.Errorf("flow[%d]: flush takes no item or outcome", index)
		}
		return nil
	case StepAdd, StepRemove, StepDecrement:
	case "":
		return fmt.Errorf("flow[%d]: op is required", index)
	default:
		return fmt.Errorf("flow[%d]: unknown op %q", index, step.Op)
	}

	if step.Item == "" {
		return fmt.Errorf("flow[%d]: item is required for %s", index, step.Op)
	}
	if step.Op != StepAdd && step.Price != 0 {
		return fmt.Errorf("flow[%d]: price is only valid for add", index)
	}
	if step.Reason != "" && !validReason(step.Reason) {
		return fmt.Errorf("flow[%d]: unknown reason %q", index, step.Reason)
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertFinalCart, AssertOrderID, AssertPersisted:
	case AssertCallOrder:
		if a.Item == "" {
			return fmt.Errorf("assertions[%d]: item is required for call_order", index)
		}
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for call_order", index)
		}
	case AssertCallCount, AssertNoticeCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case AssertNotice:
		if a.Mutation == "" && a.Reason == "" && a.Message == "" {
			return fmt.Errorf("assertions[%d]: notice needs mutation, reason or message", index)
		}
		if a.Reason != "" && !validReason(a.Reason) {
			return fmt.Errorf("assertions[%d]: unknown reason %q", index, a.Reason)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

func validReason(r string) bool {
	switch order.Reason(r) {
	case order.ReasonStockUnavailable, order.ReasonOrderNotFound, order.ReasonGeneric:
		return true
	}
	return false
}
