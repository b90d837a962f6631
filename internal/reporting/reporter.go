// Package reporting renders run reports for people and for CI systems.
package reporting

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/xkilldash9x/probe/api/schemas"
)

// ToolName identifies the runner in machine readable reports.
const ToolName = "probe"

// Reporter consumes run reports as tests finish.
type Reporter interface {
	// Write records one finished test run.
	Write(report *schemas.RunReport) error
	// Close finalizes the report and closes any underlying resources (e.g., file handles).
	Close() error
}

// Metadata describes the invocation a report belongs to.
type Metadata struct {
	Version     string
	Revision    string
	GeneratedAt time.Time
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a reporter for format writing to outputPath. An empty path or
// "stdout" writes to standard output.
func New(format, outputPath string, meta Metadata) (Reporter, error) {
	switch format {
	case "text", "json", "junit":
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	var writer io.WriteCloser
	if outputPath == "" || outputPath == "stdout" {
		writer = &nopWriteCloser{os.Stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}

	switch format {
	case "json":
		return NewJSONReporter(writer, meta), nil
	case "junit":
		return NewJUnitReporter(writer, meta), nil
	default:
		return NewTextReporter(writer, meta), nil
	}
}

// Multi fans every call out to several reporters. Close closes all of them and
// returns the first error.
type Multi []Reporter

func (m Multi) Write(report *schemas.RunReport) error {
	for _, r := range m {
		if err := r.Write(report); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) Close() error {
	var first error
	for _, r := range m {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Summary aggregates the status of many runs.
type Summary struct {
	Tests        int           `json:"tests"`
	Passed       int           `json:"passed"`
	Failed       int           `json:"failed"`
	Errors       int           `json:"errors"`
	Inconclusive int           `json:"inconclusive_steps"`
	Duration     time.Duration `json:"duration_ns"`
}

// Summarize counts statuses and sums run durations. Inconclusive counts steps,
// not runs, since a run with inconclusive steps can still pass.
func Summarize(reports []*schemas.RunReport) Summary {
	var s Summary
	for _, r := range reports {
		s.Tests++
		s.Duration += r.Duration()
		switch r.Status {
		case schemas.StatusPassed:
			s.Passed++
		case schemas.StatusFailed:
			s.Failed++
		default:
			s.Errors++
		}
		s.Inconclusive += len(inconclusiveSteps(r))
	}
	return s
}

func inconclusiveSteps(report *schemas.RunReport) []schemas.Result {
	var out []schemas.Result
	for _, res := range report.Results {
		if res.Outcome == schemas.OutcomeInconclusive {
			out = append(out, res)
		}
	}
	return out
}

// OK reports whether every run passed.
func (s Summary) OK() bool {
	return s.Failed == 0 && s.Errors == 0
}
