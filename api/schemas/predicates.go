package schemas

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// PredicateKind names the kind of check an assertion performs.
type PredicateKind string

const (
	PredicateCount   PredicateKind = "count"
	PredicateContent PredicateKind = "content"
	PredicateScript  PredicateKind = "script"
	PredicateDismiss PredicateKind = "dismiss"
)

// Relation is a numeric comparison operator.
type Relation string

const (
	RelEqual        Relation = "=="
	RelNotEqual     Relation = "!="
	RelGreater      Relation = ">"
	RelGreaterEqual Relation = ">="
	RelLess         Relation = "<"
	RelLessEqual    Relation = "<="
)

// ParseRelation accepts the symbolic operators plus their common word aliases.
func ParseRelation(s string) (Relation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "==", "=", "eq":
		return RelEqual, nil
	case "!=", "ne":
		return RelNotEqual, nil
	case ">", "gt":
		return RelGreater, nil
	case ">=", "ge", "gte":
		return RelGreaterEqual, nil
	case "<", "lt":
		return RelLess, nil
	case "<=", "le", "lte":
		return RelLessEqual, nil
	}
	return "", fmt.Errorf("unknown comparison operator %q", s)
}

// Holds reports whether "actual rel expected" is true.
func (r Relation) Holds(actual, expected float64) bool {
	switch r {
	case RelEqual:
		return actual == expected
	case RelNotEqual:
		return actual != expected
	case RelGreater:
		return actual > expected
	case RelGreaterEqual:
		return actual >= expected
	case RelLess:
		return actual < expected
	case RelLessEqual:
		return actual <= expected
	}
	return false
}

// Predicate is a boolean check over live page state.
type Predicate struct {
	Kind PredicateKind `json:"kind" yaml:"kind"`

	// Locator is used by count and content predicates. Its index is ignored.
	Locator Locator `json:"locator,omitempty" yaml:"locator,omitempty"`

	// Op and Expected are used by count and script predicates.
	Op       Relation `json:"op,omitempty" yaml:"op,omitempty"`
	Expected float64  `json:"expected,omitempty" yaml:"expected,omitempty"`

	// Contains is the case-insensitive substring for content predicates.
	Contains string `json:"contains,omitempty" yaml:"contains,omitempty"`

	// Frame, Expr and Fallback are used by script predicates. A result equal to
	// Fallback means the page could not answer and yields an inconclusive verdict.
	Frame    FrameRef `json:"frame,omitempty" yaml:"frame,omitempty"`
	Expr     string   `json:"expr,omitempty" yaml:"expr,omitempty"`
	Fallback *float64 `json:"fallback,omitempty" yaml:"fallback,omitempty"`

	Dismiss *DismissStep `json:"dismiss,omitempty" yaml:"dismiss,omitempty"`

	// Timeout makes the evaluator poll until the predicate holds. Zero evaluates once.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Validate checks the fields required by the predicate kind.
func (p Predicate) Validate() error {
	if p.Timeout < 0 {
		return fmt.Errorf("predicate timeout must not be negative")
	}
	switch p.Kind {
	case PredicateCount:
		if err := validateLocator(p.Locator, true); err != nil {
			return err
		}
		if _, err := ParseRelation(string(p.Op)); err != nil {
			return err
		}
		if p.Expected != math.Trunc(p.Expected) {
			return fmt.Errorf("count predicate expects an integer, got %g", p.Expected)
		}
	case PredicateContent:
		if err := validateLocator(p.Locator, true); err != nil {
			return err
		}
		if p.Contains == "" {
			return fmt.Errorf("content predicate requires a substring")
		}
	case PredicateScript:
		if strings.TrimSpace(p.Expr) == "" {
			return fmt.Errorf("script predicate requires an expression")
		}
		if _, err := ParseRelation(string(p.Op)); err != nil {
			return err
		}
	case PredicateDismiss:
		if p.Dismiss == nil {
			return fmt.Errorf("dismiss predicate has no payload")
		}
		return Step{Kind: StepDismiss, Dismiss: p.Dismiss}.Validate()
	default:
		return fmt.Errorf("unknown predicate kind %q", p.Kind)
	}
	return nil
}

func (p Predicate) String() string {
	switch p.Kind {
	case PredicateCount:
		return fmt.Sprintf("count(%s) %s %g", p.Locator.Selector, p.Op, p.Expected)
	case PredicateContent:
		return fmt.Sprintf("text(%s) contains %q", p.Locator.Selector, p.Contains)
	case PredicateScript:
		return fmt.Sprintf("eval(%s) %s %g", p.Expr, p.Op, p.Expected)
	case PredicateDismiss:
		if p.Dismiss != nil {
			return fmt.Sprintf("dismiss %s via %s", p.Dismiss.Items.Selector, p.Dismiss.Button.Selector)
		}
	}
	return string(p.Kind)
}
