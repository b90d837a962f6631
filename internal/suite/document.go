package suite

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts Go duration strings ("500ms", "3s") or integer milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if ms, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, value.Value)
	}
	*d = Duration(parsed)
	return nil
}

// fileDoc is the top level of a suite file.
type fileDoc struct {
	Name    string    `yaml:"name"`
	BaseURL string    `yaml:"base_url"`
	Tests   []testDoc `yaml:"tests"`
}

type testDoc struct {
	Name    string      `yaml:"name"`
	BaseURL string      `yaml:"base_url"`
	Steps   []yaml.Node `yaml:"steps"`
}

// frameDoc is either a frame name or a mapping with name, url or path.
type frameDoc struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	Path []int  `yaml:"path"`
}

func (f *frameDoc) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		f.Name = value.Value
		return nil
	}
	type plain frameDoc
	return value.Decode((*plain)(f))
}

// locatorFields are the keys shared by every element-targeting step.
type locatorFields struct {
	Selector string      `yaml:"selector"`
	Index    *int        `yaml:"index"`
	Frame    *frameDoc   `yaml:"frame"`
	Within   *locatorDoc `yaml:"within"`
}

// locatorDoc is either a selector string or a mapping of locatorFields.
type locatorDoc struct {
	locatorFields `yaml:",inline"`
}

func (l *locatorDoc) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		l.Selector = value.Value
		return nil
	}
	return value.Decode(&l.locatorFields)
}

type navigateDoc struct {
	URL     string   `yaml:"url"`
	Ready   string   `yaml:"ready"`
	Timeout Duration `yaml:"timeout"`
}

func (n *navigateDoc) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		n.URL = value.Value
		return nil
	}
	type plain navigateDoc
	return value.Decode((*plain)(n))
}

type actDoc struct {
	locatorFields `yaml:",inline"`
	Text          string   `yaml:"text"`
	Script        string   `yaml:"script"`
	DX            float64  `yaml:"dx"`
	DY            float64  `yaml:"dy"`
	Timeout       Duration `yaml:"timeout"`
}

func (a *actDoc) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		a.Selector = value.Value
		return nil
	}
	type plain actDoc
	return value.Decode((*plain)(a))
}

// scrollDoc scrolls an element when a selector is given and the page otherwise.
// dy may be the word "viewport" for one viewport height.
type scrollDoc struct {
	locatorFields `yaml:",inline"`
	DX            float64  `yaml:"dx"`
	DY            string   `yaml:"dy"`
	Viewports     float64  `yaml:"viewports"`
	Timeout       Duration `yaml:"timeout"`
}

type waitDoc struct {
	locatorFields `yaml:",inline"`
	Duration      Duration `yaml:"duration"`
	State         string   `yaml:"state"`
	Timeout       Duration `yaml:"timeout"`
}

func (w *waitDoc) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return w.Duration.UnmarshalYAML(value)
	}
	type plain waitDoc
	return value.Decode((*plain)(w))
}

type evaluateDoc struct {
	Script   string      `yaml:"script"`
	Frame    *frameDoc   `yaml:"frame"`
	Selector string      `yaml:"selector"`
	Index    *int        `yaml:"index"`
	Within   *locatorDoc `yaml:"within"`
	Timeout  Duration    `yaml:"timeout"`
}

func (e *evaluateDoc) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		e.Script = value.Value
		return nil
	}
	type plain evaluateDoc
	return value.Decode((*plain)(e))
}

type countDoc struct {
	locatorFields `yaml:",inline"`
	Op            string   `yaml:"op"`
	Value         float64  `yaml:"value"`
	Timeout       Duration `yaml:"timeout"`
}

type contentDoc struct {
	locatorFields `yaml:",inline"`
	Contains      string   `yaml:"contains"`
	Timeout       Duration `yaml:"timeout"`
}

type scriptDoc struct {
	Expr     string    `yaml:"expr"`
	Frame    *frameDoc `yaml:"frame"`
	Op       string    `yaml:"op"`
	Value    float64   `yaml:"value"`
	Fallback *float64  `yaml:"fallback"`
	Timeout  Duration  `yaml:"timeout"`
}

type assertDoc struct {
	Count   *countDoc   `yaml:"count"`
	Content *contentDoc `yaml:"content"`
	Script  *scriptDoc  `yaml:"script"`
	Message string      `yaml:"message"`
}

type dismissDoc struct {
	Items   locatorDoc `yaml:"items"`
	Button  locatorDoc `yaml:"button"`
	Max     int        `yaml:"max"`
	Timeout Duration   `yaml:"timeout"`
}

// stepKeys lists the accepted step keys in the order they are reported in errors.
var stepKeys = []string{"navigate", "click", "fill", "scroll", "wait", "evaluate", "assert", "dismiss"}

func isStepKey(k string) bool {
	for _, s := range stepKeys {
		if s == k {
			return true
		}
	}
	return false
}

func stepKeyList() string { return strings.Join(stepKeys, ", ") }
