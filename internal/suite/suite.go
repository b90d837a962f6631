// Package suite loads YAML suite files into validated test cases.
package suite

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/probe/api/schemas"
)

// Suite is a parsed suite file.
type Suite struct {
	Name    string
	Path    string
	BaseURL string
	Tests   []schemas.TestCase
}

// Load reads and parses the suite file at path. baseURL is used for tests that
// declare none.
func Load(path, baseURL string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite file: %w", err)
	}
	s, err := Parse(data, baseURL)
	if err != nil {
		return nil, fmt.Errorf("suite %s: %w", path, err)
	}
	s.Path = path
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		for i := range s.Tests {
			s.Tests[i].Suite = s.Name
		}
	}
	return s, nil
}

// Parse decodes a suite document. Every malformed step is reported as a
// *schemas.InvalidStepError; all of them are joined into the returned error.
func Parse(data []byte, baseURL string) (*Suite, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid suite yaml: %w", err)
	}
	if len(doc.Tests) == 0 {
		return nil, errors.New("suite declares no tests")
	}

	s := &Suite{Name: doc.Name, BaseURL: firstNonEmpty(doc.BaseURL, baseURL)}
	var errs []error
	seen := make(map[string]bool, len(doc.Tests))
	for ti, td := range doc.Tests {
		name := td.Name
		if name == "" {
			name = fmt.Sprintf("test %d", ti+1)
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("duplicate test name %q", name))
		}
		seen[name] = true

		tc := schemas.TestCase{Name: name, Suite: s.Name, BaseURL: firstNonEmpty(td.BaseURL, s.BaseURL)}
		if len(td.Steps) == 0 {
			errs = append(errs, fmt.Errorf("test %q has no steps", name))
		}
		for i := range td.Steps {
			step, err := decodeStep(&td.Steps[i], tc.BaseURL)
			if err != nil {
				errs = append(errs, &schemas.InvalidStepError{Test: name, Index: i, Reason: fmt.Sprintf("line %d: %v", td.Steps[i].Line, err)})
				continue
			}
			tc.Steps = append(tc.Steps, step)
		}
		s.Tests = append(s.Tests, tc)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return s, nil
}

// Select returns the tests whose name contains filter, case-insensitively.
func (s *Suite) Select(filter string) []schemas.TestCase {
	if filter == "" {
		return s.Tests
	}
	filter = strings.ToLower(filter)
	var out []schemas.TestCase
	for _, tc := range s.Tests {
		if strings.Contains(strings.ToLower(tc.Name), filter) {
			out = append(out, tc)
		}
	}
	return out
}

func decodeStep(node *yaml.Node, baseURL string) (schemas.Step, error) {
	if node.Kind != yaml.MappingNode {
		return schemas.Step{}, fmt.Errorf("step must be a mapping with one of: %s", stepKeyList())
	}

	var (
		step    schemas.Step
		kindKey string
		payload *yaml.Node
	)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i].Value, node.Content[i+1]
		switch {
		case key == "name":
			step.Name = val.Value
		case isStepKey(key):
			if kindKey != "" {
				return schemas.Step{}, fmt.Errorf("step has both %q and %q", kindKey, key)
			}
			kindKey, payload = key, val
		default:
			return schemas.Step{}, fmt.Errorf("unknown step key %q (want one of: %s)", key, stepKeyList())
		}
	}
	if kindKey == "" {
		return schemas.Step{}, fmt.Errorf("step has none of: %s", stepKeyList())
	}

	var err error
	switch kindKey {
	case "navigate":
		err = decodeNavigate(payload, baseURL, &step)
	case "click", "fill":
		err = decodeAct(payload, schemas.ActionKind(kindKey), &step)
	case "scroll":
		err = decodeScroll(payload, &step)
	case "wait":
		err = decodeWait(payload, &step)
	case "evaluate":
		err = decodeEvaluate(payload, &step)
	case "assert":
		err = decodeAssert(payload, &step)
	case "dismiss":
		err = decodeDismiss(payload, &step)
	}
	if err != nil {
		return schemas.Step{}, err
	}
	if err := step.Validate(); err != nil {
		return schemas.Step{}, err
	}
	return step, nil
}

func decodeNavigate(node *yaml.Node, baseURL string, step *schemas.Step) error {
	var d navigateDoc
	if err := node.Decode(&d); err != nil {
		return err
	}
	target, err := ResolveURL(baseURL, d.URL)
	if err != nil {
		return err
	}
	step.Kind = schemas.StepNavigate
	step.Navigate = &schemas.NavigateStep{URL: target, Ready: schemas.ReadyState(strings.ToLower(d.Ready)), Timeout: time.Duration(d.Timeout)}
	return nil
}

func decodeAct(node *yaml.Node, kind schemas.ActionKind, step *schemas.Step) error {
	var d actDoc
	if err := node.Decode(&d); err != nil {
		return err
	}
	loc, err := d.locatorFields.locator(0)
	if err != nil {
		return err
	}
	step.Kind = schemas.StepAct
	step.Act = &schemas.ActStep{Locator: loc, Action: kind, Text: d.Text, Timeout: time.Duration(d.Timeout)}
	return nil
}

func decodeScroll(node *yaml.Node, step *schemas.Step) error {
	var d scrollDoc
	if err := node.Decode(&d); err != nil {
		return err
	}
	var dy, viewports float64
	switch strings.ToLower(strings.TrimSpace(d.DY)) {
	case "":
	case "viewport":
		viewports = 1
	default:
		v, err := strconv.ParseFloat(d.DY, 64)
		if err != nil {
			return fmt.Errorf("scroll dy must be a number or \"viewport\", got %q", d.DY)
		}
		dy = v
	}
	if d.Viewports != 0 {
		viewports = d.Viewports
	}

	if d.Selector != "" {
		loc, err := d.locatorFields.locator(0)
		if err != nil {
			return err
		}
		if viewports != 0 {
			return errors.New("element scroll does not accept viewport units")
		}
		step.Kind = schemas.StepAct
		step.Act = &schemas.ActStep{Locator: loc, Action: schemas.ActionScroll, DX: d.DX, DY: dy, Timeout: time.Duration(d.Timeout)}
		return nil
	}
	step.Kind = schemas.StepScroll
	step.Scroll = &schemas.ScrollStep{DX: d.DX, DY: dy, Viewports: viewports}
	return nil
}

func decodeWait(node *yaml.Node, step *schemas.Step) error {
	var d waitDoc
	if err := node.Decode(&d); err != nil {
		return err
	}
	w := &schemas.WaitStep{Duration: time.Duration(d.Duration), Timeout: time.Duration(d.Timeout)}
	if d.Selector != "" {
		loc, err := d.locatorFields.locator(0)
		if err != nil {
			return err
		}
		w.Locator = &loc
		w.State = schemas.ElementState(strings.ToLower(d.State))
		switch w.State {
		case "":
			w.State = schemas.StateVisible
		case schemas.StateAttached, schemas.StateDetached, schemas.StateVisible, schemas.StateHidden:
		default:
			return fmt.Errorf("unknown wait state %q", d.State)
		}
	}
	step.Kind = schemas.StepWait
	step.Wait = w
	return nil
}

func decodeEvaluate(node *yaml.Node, step *schemas.Step) error {
	var d evaluateDoc
	if err := node.Decode(&d); err != nil {
		return err
	}
	if d.Selector != "" {
		loc, err := locatorFields{Selector: d.Selector, Index: d.Index, Frame: d.Frame, Within: d.Within}.locator(0)
		if err != nil {
			return err
		}
		step.Kind = schemas.StepAct
		step.Act = &schemas.ActStep{Locator: loc, Action: schemas.ActionEvaluate, Script: d.Script, Timeout: time.Duration(d.Timeout)}
		return nil
	}
	step.Kind = schemas.StepEvaluate
	step.Evaluate = &schemas.EvaluateStep{Frame: d.Frame.ref(), Script: d.Script}
	return nil
}

func decodeAssert(node *yaml.Node, step *schemas.Step) error {
	var d assertDoc
	if err := node.Decode(&d); err != nil {
		return err
	}
	set := 0
	for _, present := range []bool{d.Count != nil, d.Content != nil, d.Script != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return errors.New("assert requires exactly one of count, content, script")
	}

	var p schemas.Predicate
	switch {
	case d.Count != nil:
		loc, err := d.Count.locator(schemas.AllMatches)
		if err != nil {
			return err
		}
		op, err := relation(d.Count.Op)
		if err != nil {
			return err
		}
		p = schemas.Predicate{Kind: schemas.PredicateCount, Locator: loc, Op: op, Expected: d.Count.Value, Timeout: time.Duration(d.Count.Timeout)}
	case d.Content != nil:
		loc, err := d.Content.locator(schemas.AllMatches)
		if err != nil {
			return err
		}
		p = schemas.Predicate{Kind: schemas.PredicateContent, Locator: loc, Contains: d.Content.Contains, Timeout: time.Duration(d.Content.Timeout)}
	case d.Script != nil:
		op, err := relation(d.Script.Op)
		if err != nil {
			return err
		}
		p = schemas.Predicate{
			Kind:     schemas.PredicateScript,
			Frame:    d.Script.Frame.ref(),
			Expr:     d.Script.Expr,
			Op:       op,
			Expected: d.Script.Value,
			Fallback: d.Script.Fallback,
			Timeout:  time.Duration(d.Script.Timeout),
		}
	}
	step.Kind = schemas.StepAssert
	step.Assert = &schemas.AssertStep{Predicate: p, Message: d.Message}
	return nil
}

func decodeDismiss(node *yaml.Node, step *schemas.Step) error {
	var d dismissDoc
	if err := node.Decode(&d); err != nil {
		return err
	}
	items, err := d.Items.locator(0)
	if err != nil {
		return fmt.Errorf("items: %w", err)
	}
	button, err := d.Button.locator(0)
	if err != nil {
		return fmt.Errorf("button: %w", err)
	}
	step.Kind = schemas.StepDismiss
	step.Dismiss = &schemas.DismissStep{Items: items, Button: button, Max: d.Max, Timeout: time.Duration(d.Timeout)}
	return nil
}

// locator converts the decoded fields. defaultIndex applies when no index is given.
func (l locatorFields) locator(defaultIndex int) (schemas.Locator, error) {
	sel, err := schemas.ParseSelector(l.Selector)
	if err != nil {
		return schemas.Locator{}, err
	}
	loc := schemas.Locator{Selector: sel, Frame: l.Frame.ref(), Index: defaultIndex}
	if l.Index != nil {
		loc.Index = *l.Index
	}
	if l.Within != nil {
		scope, err := l.Within.locator(0)
		if err != nil {
			return schemas.Locator{}, fmt.Errorf("within: %w", err)
		}
		if l.Frame != nil && scope.Frame.IsRoot() {
			scope.Frame = loc.Frame
		}
		loc.Scope = &scope
	}
	return loc, nil
}

func (f *frameDoc) ref() schemas.FrameRef {
	if f == nil {
		return schemas.RootFrame()
	}
	return schemas.FrameRef{Path: f.Path, Name: f.Name, URL: f.URL}
}

// relation parses an operator, defaulting to equality.
func relation(op string) (schemas.Relation, error) {
	if strings.TrimSpace(op) == "" {
		return schemas.RelEqual, nil
	}
	return schemas.ParseRelation(op)
}

// ResolveURL resolves ref against base. An absolute ref is returned unchanged; a
// relative one without a base is an error.
func ResolveURL(base, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("navigate requires a url")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", ref, err)
	}
	if u.IsAbs() || strings.HasPrefix(ref, "about:") || strings.HasPrefix(ref, "data:") {
		return ref, nil
	}
	if base == "" {
		return "", fmt.Errorf("relative url %q requires a base_url", ref)
	}
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		return "", fmt.Errorf("invalid base_url %q", base)
	}
	return b.ResolveReference(u).String(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
