package reporting

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/probe/api/schemas"
)

// TextReporter prints one block per test as it finishes and a summary on Close.
type TextReporter struct {
	writer  io.WriteCloser
	meta    Metadata
	mu      sync.Mutex
	reports []*schemas.RunReport
}

// NewTextReporter creates a reporter writing human readable lines to writer.
func NewTextReporter(writer io.WriteCloser, meta Metadata) *TextReporter {
	return &TextReporter{writer: writer, meta: meta}
}

var statusLabels = map[schemas.RunStatus]string{
	schemas.StatusPassed: "PASS",
	schemas.StatusFailed: "FAIL",
	schemas.StatusError:  "ERROR",
}

func (r *TextReporter) Write(report *schemas.RunReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)

	w := bufio.NewWriter(r.writer)
	label, ok := statusLabels[report.Status]
	if !ok {
		label = strings.ToUpper(string(report.Status))
	}
	fmt.Fprintf(w, "%-5s %s (%s)\n", label, testName(report), report.Duration().Round(time.Millisecond))
	if report.Status == schemas.StatusPassed {
		for _, res := range inconclusiveSteps(report) {
			fmt.Fprintln(w, stepLine(res))
		}
		return w.Flush()
	}
	if report.Message != "" {
		fmt.Fprintf(w, "      %s\n", report.Message)
	}
	for _, res := range report.Results {
		if res.Outcome == schemas.OutcomePassed {
			continue
		}
		fmt.Fprintln(w, stepLine(res))
	}
	for _, a := range report.Artifacts {
		fmt.Fprintf(w, "      %s: %s\n", a.Kind, a.Path)
	}
	return w.Flush()
}

func stepLine(res schemas.Result) string {
	line := fmt.Sprintf("      step %d %q %s", res.StepIndex, res.Name, res.Outcome)
	if res.ErrorKind != "" {
		line += " [" + string(res.ErrorKind) + "]"
	}
	if res.Outcome == schemas.OutcomeInconclusive && res.Diagnostic != "" {
		line += ": " + res.Diagnostic
	}
	return line
}

func testName(report *schemas.RunReport) string {
	if report.Suite == "" {
		return report.Test
	}
	return report.Suite + " / " + report.Test
}

func (r *TextReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summarize(r.reports)
	w := bufio.NewWriter(r.writer)
	fmt.Fprintf(w, "\n%d tests: %d passed, %d failed, %d errors, %d inconclusive steps in %s\n",
		s.Tests, s.Passed, s.Failed, s.Errors, s.Inconclusive, s.Duration.Round(time.Millisecond))
	if r.meta.Revision != "" {
		fmt.Fprintf(w, "revision %s\n", r.meta.Revision)
	}
	if err := w.Flush(); err != nil {
		r.writer.Close()
		return err
	}
	return r.writer.Close()
}
