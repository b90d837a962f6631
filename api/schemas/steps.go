package schemas

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// -- Selectors and Locators --

// SelectorKind names the query language of a Selector.
type SelectorKind string

const (
	SelectorCSS   SelectorKind = "css"
	SelectorXPath SelectorKind = "xpath"
	SelectorText  SelectorKind = "text"
)

// Selector is a query expression in one of the supported languages.
type Selector struct {
	Kind SelectorKind `json:"kind" yaml:"kind"`
	Expr string       `json:"expr" yaml:"expr"`
}

// ParseSelector reads the prefixed form used in suite files. "xpath=", "css=" and
// "text=" select the language explicitly; an unprefixed expression starting with
// "/" or "(" is XPath, anything else is CSS.
func ParseSelector(raw string) (Selector, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Selector{}, fmt.Errorf("selector is empty")
	}
	for _, kind := range []SelectorKind{SelectorXPath, SelectorCSS, SelectorText} {
		prefix := string(kind) + "="
		if strings.HasPrefix(raw, prefix) {
			expr := strings.TrimSpace(strings.TrimPrefix(raw, prefix))
			if expr == "" {
				return Selector{}, fmt.Errorf("selector %q has an empty expression", raw)
			}
			return Selector{Kind: kind, Expr: expr}, nil
		}
	}
	if strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "(") {
		return Selector{Kind: SelectorXPath, Expr: raw}, nil
	}
	return Selector{Kind: SelectorCSS, Expr: raw}, nil
}

// MustSelector is ParseSelector for literals known to be valid. It panics otherwise.
func MustSelector(raw string) Selector {
	s, err := ParseSelector(raw)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Selector) String() string {
	return string(s.Kind) + "=" + s.Expr
}

// FrameRef identifies a frame by its path of child indexes from the root frame.
// The empty path is the root. Name and URL, when set, select a frame by name or
// URL substring instead and are resolved to a path against the live tree.
type FrameRef struct {
	Path []int `json:"path,omitempty" yaml:"path,omitempty"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	URL  string `json:"url,omitempty" yaml:"url,omitempty"`
}

// RootFrame returns the reference to the top-level document.
func RootFrame() FrameRef { return FrameRef{} }

// IsRoot reports whether the reference addresses the top-level document.
func (f FrameRef) IsRoot() bool {
	return len(f.Path) == 0 && !f.IsSymbolic()
}

// IsSymbolic reports whether the frame must be looked up by name or URL.
func (f FrameRef) IsSymbolic() bool {
	return f.Name != "" || f.URL != ""
}

// Child returns the reference to the i-th child frame of f.
func (f FrameRef) Child(i int) FrameRef {
	path := make([]int, len(f.Path), len(f.Path)+1)
	copy(path, f.Path)
	return FrameRef{Path: append(path, i)}
}

// Depth is the nesting level of the frame, 0 for the root.
func (f FrameRef) Depth() int { return len(f.Path) }

// Equal compares two resolved references.
func (f FrameRef) Equal(o FrameRef) bool {
	if len(f.Path) != len(o.Path) || f.Name != o.Name || f.URL != o.URL {
		return false
	}
	for i := range f.Path {
		if f.Path[i] != o.Path[i] {
			return false
		}
	}
	return true
}

func (f FrameRef) String() string {
	switch {
	case f.Name != "":
		return "frame[name=" + f.Name + "]"
	case f.URL != "":
		return "frame[url*=" + f.URL + "]"
	case len(f.Path) == 0:
		return "root"
	}
	var b strings.Builder
	b.WriteString("root")
	for _, i := range f.Path {
		b.WriteString(">")
		b.WriteString(strconv.Itoa(i))
	}
	return b.String()
}

// AllMatches is the Locator index meaning "every match". Only predicates accept it.
const AllMatches = -1

// Locator is an immutable description of how to find one element.
type Locator struct {
	Selector Selector `json:"selector" yaml:"selector"`
	Frame    FrameRef `json:"frame" yaml:"frame"`
	Index    int      `json:"index" yaml:"index"`
	// Scope, when set, is resolved first and Selector is evaluated relative to it.
	Scope *Locator `json:"scope,omitempty" yaml:"scope,omitempty"`
}

// At returns a copy of the locator selecting the i-th match.
func (l Locator) At(i int) Locator {
	l.Index = i
	return l
}

// Within returns a copy of the locator scoped to the given ancestor.
func (l Locator) Within(scope Locator) Locator {
	l.Scope = &scope
	return l
}

func (l Locator) String() string {
	var b strings.Builder
	if l.Scope != nil {
		b.WriteString(l.Scope.String())
		b.WriteString(" >> ")
	}
	b.WriteString(l.Selector.String())
	if l.Index == AllMatches {
		b.WriteString(" [all]")
	} else {
		fmt.Fprintf(&b, " [%d]", l.Index)
	}
	if l.Scope == nil && !l.Frame.IsRoot() {
		b.WriteString(" in ")
		b.WriteString(l.Frame.String())
	}
	return b.String()
}

// -- Steps --

// StepKind discriminates the payload carried by a Step.
type StepKind string

const (
	StepNavigate StepKind = "navigate"
	StepWait     StepKind = "wait"
	StepAct      StepKind = "act"
	StepScroll   StepKind = "scroll"
	StepEvaluate StepKind = "evaluate"
	StepAssert   StepKind = "assert"
	StepDismiss  StepKind = "dismiss"
)

// ActionKind names an element interaction.
type ActionKind string

const (
	ActionClick    ActionKind = "click"
	ActionFill     ActionKind = "fill"
	ActionScroll   ActionKind = "scroll"
	ActionEvaluate ActionKind = "evaluate"
)

// ReadyState is the navigation milestone a Navigate step waits for.
type ReadyState string

const (
	// ReadyCommit returns as soon as the navigation is committed.
	ReadyCommit           ReadyState = "commit"
	ReadyDOMContentLoaded ReadyState = "domcontentloaded"
	ReadyLoad             ReadyState = "load"
)

// Satisfied reports whether a document.readyState value meets the milestone.
func (r ReadyState) Satisfied(documentState string) bool {
	switch r {
	case ReadyCommit, "":
		return true
	case ReadyDOMContentLoaded:
		return documentState == "interactive" || documentState == "complete"
	case ReadyLoad:
		return documentState == "complete"
	}
	return false
}

// ElementState is the condition a Wait step polls for.
type ElementState string

const (
	StateAttached ElementState = "attached"
	StateDetached ElementState = "detached"
	StateVisible  ElementState = "visible"
	StateHidden   ElementState = "hidden"
)

// Step is one instruction of a test case. Exactly one payload is set, matching Kind.
type Step struct {
	Name     string        `json:"name,omitempty" yaml:"name,omitempty"`
	Kind     StepKind      `json:"kind" yaml:"kind"`
	Navigate *NavigateStep `json:"navigate,omitempty" yaml:"navigate,omitempty"`
	Wait     *WaitStep     `json:"wait,omitempty" yaml:"wait,omitempty"`
	Act      *ActStep      `json:"act,omitempty" yaml:"act,omitempty"`
	Scroll   *ScrollStep   `json:"scroll,omitempty" yaml:"scroll,omitempty"`
	Evaluate *EvaluateStep `json:"evaluate,omitempty" yaml:"evaluate,omitempty"`
	Assert   *AssertStep   `json:"assert,omitempty" yaml:"assert,omitempty"`
	Dismiss  *DismissStep  `json:"dismiss,omitempty" yaml:"dismiss,omitempty"`
}

// Label returns the step name, or a generated description when unnamed.
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	switch {
	case s.Navigate != nil:
		return "navigate " + s.Navigate.URL
	case s.Act != nil:
		return string(s.Act.Action) + " " + s.Act.Locator.String()
	case s.Wait != nil && s.Wait.Locator != nil:
		return "wait for " + s.Wait.Locator.String() + " " + string(s.Wait.State)
	case s.Wait != nil:
		return "wait " + s.Wait.Duration.String()
	case s.Scroll != nil:
		return fmt.Sprintf("scroll page by (%g, %g)", s.Scroll.DX, s.Scroll.DY)
	case s.Assert != nil && s.Assert.Message != "":
		return "assert " + s.Assert.Message
	case s.Assert != nil:
		return "assert " + string(s.Assert.Predicate.Kind)
	case s.Dismiss != nil:
		return "dismiss " + s.Dismiss.Items.Selector.String()
	}
	return string(s.Kind)
}

// Validate checks that exactly one payload is present and that it agrees with Kind.
func (s Step) Validate() error {
	set := 0
	for _, present := range []bool{
		s.Navigate != nil, s.Wait != nil, s.Act != nil, s.Scroll != nil,
		s.Evaluate != nil, s.Assert != nil, s.Dismiss != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("step must carry exactly one payload, found %d", set)
	}

	switch s.Kind {
	case StepNavigate:
		if s.Navigate == nil || s.Navigate.URL == "" {
			return fmt.Errorf("navigate step requires a url")
		}
		switch s.Navigate.Ready {
		case "", ReadyCommit, ReadyDOMContentLoaded, ReadyLoad:
		default:
			return fmt.Errorf("unknown ready state %q", s.Navigate.Ready)
		}
	case StepWait:
		if s.Wait == nil {
			return fmt.Errorf("wait step has no payload")
		}
		if s.Wait.Locator == nil && s.Wait.Duration <= 0 {
			return fmt.Errorf("wait step requires a positive duration or a selector")
		}
		if s.Wait.Locator != nil {
			if err := validateLocator(*s.Wait.Locator, false); err != nil {
				return err
			}
		}
	case StepAct:
		if s.Act == nil {
			return fmt.Errorf("act step has no payload")
		}
		if err := validateLocator(s.Act.Locator, false); err != nil {
			return err
		}
		switch s.Act.Action {
		case ActionClick, ActionFill, ActionScroll:
		case ActionEvaluate:
			if strings.TrimSpace(s.Act.Script) == "" {
				return fmt.Errorf("evaluate action requires a script")
			}
		default:
			return fmt.Errorf("unknown action %q", s.Act.Action)
		}
	case StepScroll:
		if s.Scroll == nil {
			return fmt.Errorf("scroll step has no payload")
		}
	case StepEvaluate:
		if s.Evaluate == nil || strings.TrimSpace(s.Evaluate.Script) == "" {
			return fmt.Errorf("evaluate step requires a script")
		}
	case StepAssert:
		if s.Assert == nil {
			return fmt.Errorf("assert step has no payload")
		}
		return s.Assert.Predicate.Validate()
	case StepDismiss:
		if s.Dismiss == nil {
			return fmt.Errorf("dismiss step has no payload")
		}
		if err := validateLocator(s.Dismiss.Items, true); err != nil {
			return err
		}
		if err := validateLocator(s.Dismiss.Button, false); err != nil {
			return err
		}
		if s.Dismiss.Max <= 0 {
			return fmt.Errorf("dismiss step requires a positive max")
		}
	default:
		return fmt.Errorf("unknown step kind %q", s.Kind)
	}
	return nil
}

func validateLocator(l Locator, allowAll bool) error {
	if l.Selector.Expr == "" {
		return fmt.Errorf("locator has an empty selector")
	}
	switch l.Selector.Kind {
	case SelectorCSS, SelectorXPath, SelectorText:
	default:
		return fmt.Errorf("unknown selector kind %q", l.Selector.Kind)
	}
	if l.Index < 0 && !(allowAll && l.Index == AllMatches) {
		return fmt.Errorf("locator %s has a negative index", l.Selector)
	}
	if l.Scope != nil {
		return validateLocator(*l.Scope, false)
	}
	return nil
}

// NavigateStep loads a URL in the active page.
type NavigateStep struct {
	URL     string        `json:"url" yaml:"url"`
	Ready   ReadyState    `json:"ready,omitempty" yaml:"ready,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// WaitStep either sleeps for Duration or polls until Locator reaches State.
type WaitStep struct {
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	Locator  *Locator      `json:"locator,omitempty" yaml:"locator,omitempty"`
	State    ElementState  `json:"state,omitempty" yaml:"state,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ActStep applies an interaction to the element at Locator.
type ActStep struct {
	Locator Locator       `json:"locator" yaml:"locator"`
	Action  ActionKind    `json:"action" yaml:"action"`
	Text    string        `json:"text,omitempty" yaml:"text,omitempty"`
	DX      float64       `json:"dx,omitempty" yaml:"dx,omitempty"`
	DY      float64       `json:"dy,omitempty" yaml:"dy,omitempty"`
	Script  string        `json:"script,omitempty" yaml:"script,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ScrollStep dispatches a mouse wheel event over the page. When Viewports is
// non-zero the vertical delta is that many viewport heights and DY is ignored.
type ScrollStep struct {
	DX        float64 `json:"dx,omitempty" yaml:"dx,omitempty"`
	DY        float64 `json:"dy,omitempty" yaml:"dy,omitempty"`
	Viewports float64 `json:"viewports,omitempty" yaml:"viewports,omitempty"`
}

// EvaluateStep runs a script in a frame for its side effects.
type EvaluateStep struct {
	Frame  FrameRef `json:"frame" yaml:"frame"`
	Script string   `json:"script" yaml:"script"`
}

// AssertStep checks a predicate against live page state.
type AssertStep struct {
	Predicate Predicate `json:"predicate" yaml:"predicate"`
	Message   string    `json:"message,omitempty" yaml:"message,omitempty"`
}

// DismissStep repeatedly clicks Button inside the first of Items until no items remain.
// Button is resolved relative to the first item.
type DismissStep struct {
	Items   Locator       `json:"items" yaml:"items"`
	Button  Locator       `json:"button" yaml:"button"`
	Max     int           `json:"max" yaml:"max"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// TestCase is a named, ordered list of steps run in one session.
type TestCase struct {
	Name    string `json:"name" yaml:"name"`
	Suite   string `json:"suite,omitempty" yaml:"-"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Steps   []Step `json:"steps" yaml:"steps"`
}
