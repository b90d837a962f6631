package reporting

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"

	"github.com/xkilldash9x/probe/api/schemas"
)

// JUnitReporter writes the JUnit XML dialect understood by most CI systems.
// Each suite file becomes a <testsuite>, each test a <testcase>.
type JUnitReporter struct {
	writer  io.WriteCloser
	meta    Metadata
	mu      sync.Mutex
	reports []*schemas.RunReport
}

// NewJUnitReporter creates a reporter that takes ownership of writer.
func NewJUnitReporter(writer io.WriteCloser, meta Metadata) *JUnitReporter {
	return &JUnitReporter{writer: writer, meta: meta}
}

func (r *JUnitReporter) Write(report *schemas.RunReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return nil
}

func (r *JUnitReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := r.document()
	doc.Indent(2)
	if _, err := doc.WriteTo(r.writer); err != nil {
		r.writer.Close()
		return err
	}
	return r.writer.Close()
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func (r *JUnitReporter) document() *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	total := Summarize(r.reports)
	root := doc.CreateElement("testsuites")
	root.CreateAttr("name", ToolName)
	root.CreateAttr("tests", strconv.Itoa(total.Tests))
	root.CreateAttr("failures", strconv.Itoa(total.Failed))
	root.CreateAttr("errors", strconv.Itoa(total.Errors))
	root.CreateAttr("time", seconds(total.Duration))

	// Group by suite, keeping first-seen order.
	var order []string
	bySuite := make(map[string][]*schemas.RunReport)
	for _, rep := range r.reports {
		if _, ok := bySuite[rep.Suite]; !ok {
			order = append(order, rep.Suite)
		}
		bySuite[rep.Suite] = append(bySuite[rep.Suite], rep)
	}

	for _, name := range order {
		reports := bySuite[name]
		s := Summarize(reports)
		suite := root.CreateElement("testsuite")
		suite.CreateAttr("name", name)
		suite.CreateAttr("tests", strconv.Itoa(s.Tests))
		suite.CreateAttr("failures", strconv.Itoa(s.Failed))
		suite.CreateAttr("errors", strconv.Itoa(s.Errors))
		suite.CreateAttr("skipped", "0")
		suite.CreateAttr("time", seconds(s.Duration))
		if !reports[0].StartedAt.IsZero() {
			suite.CreateAttr("timestamp", reports[0].StartedAt.UTC().Format("2006-01-02T15:04:05"))
		}
		if r.meta.Revision != "" || r.meta.Version != "" {
			props := suite.CreateElement("properties")
			addProperty(props, "version", r.meta.Version)
			addProperty(props, "revision", r.meta.Revision)
		}
		for _, rep := range reports {
			testCase(suite, rep)
		}
	}
	return doc
}

func addProperty(props *etree.Element, name, value string) {
	if value == "" {
		return
	}
	p := props.CreateElement("property")
	p.CreateAttr("name", name)
	p.CreateAttr("value", value)
}

func testCase(suite *etree.Element, rep *schemas.RunReport) {
	tc := suite.CreateElement("testcase")
	tc.CreateAttr("name", rep.Test)
	tc.CreateAttr("classname", rep.Suite)
	tc.CreateAttr("time", seconds(rep.Duration()))

	inconclusive := inconclusiveSteps(rep)
	if len(inconclusive) > 0 {
		props := tc.CreateElement("properties")
		addProperty(props, "inconclusive_steps", strconv.Itoa(len(inconclusive)))
	}

	var tag string
	switch rep.Status {
	case schemas.StatusPassed:
	case schemas.StatusFailed:
		tag = "failure"
	default:
		tag = "error"
	}
	if tag != "" {
		el := tc.CreateElement(tag)
		el.CreateAttr("message", rep.Message)
		el.CreateAttr("type", string(failedKind(rep)))
		el.SetText(stepTrace(rep))
	}

	if len(rep.Artifacts) > 0 || len(rep.Requests) > 0 || len(inconclusive) > 0 {
		var b strings.Builder
		for _, res := range inconclusive {
			fmt.Fprintf(&b, "INCONCLUSIVE %d. %s: %s\n", res.StepIndex, res.Name, res.Diagnostic)
		}
		for _, a := range rep.Artifacts {
			fmt.Fprintf(&b, "[[ATTACHMENT|%s]]\n", a.Path)
		}
		for _, req := range rep.Requests {
			fmt.Fprintf(&b, "%s %s %d %s\n", req.Method, req.URL, req.Status, req.Duration.Round(time.Millisecond))
		}
		tc.CreateElement("system-out").SetText(b.String())
	}
}

func failedKind(rep *schemas.RunReport) schemas.ErrorKind {
	if rep.FailedStep >= 0 && rep.FailedStep < len(rep.Results) {
		if k := rep.Results[rep.FailedStep].ErrorKind; k != "" {
			return k
		}
	}
	for _, res := range rep.Results {
		if res.ErrorKind != "" {
			return res.ErrorKind
		}
	}
	if rep.Status == schemas.StatusError {
		return schemas.KindLaunchFailure
	}
	return schemas.KindUnknown
}

// stepTrace lists every step with its outcome and diagnostic.
func stepTrace(rep *schemas.RunReport) string {
	var b strings.Builder
	for _, res := range rep.Results {
		fmt.Fprintf(&b, "%d. %s: %s", res.StepIndex, res.Name, res.Outcome)
		if res.Diagnostic != "" {
			fmt.Fprintf(&b, ": %s", res.Diagnostic)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
