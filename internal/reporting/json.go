package reporting

import (
	"io"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/probe/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Document is the top-level object of the JSON report.
type Document struct {
	Tool        string               `json:"tool"`
	Version     string               `json:"version,omitempty"`
	Revision    string               `json:"revision,omitempty"`
	GeneratedAt time.Time            `json:"generated_at"`
	Summary     Summary              `json:"summary"`
	Runs        []*schemas.RunReport `json:"runs"`
}

// JSONReporter buffers runs and writes a single Document on Close.
type JSONReporter struct {
	writer  io.WriteCloser
	meta    Metadata
	mu      sync.Mutex
	reports []*schemas.RunReport
}

// NewJSONReporter creates a reporter that takes ownership of writer.
func NewJSONReporter(writer io.WriteCloser, meta Metadata) *JSONReporter {
	return &JSONReporter{writer: writer, meta: meta}
}

func (r *JSONReporter) Write(report *schemas.RunReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return nil
}

func (r *JSONReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	generated := r.meta.GeneratedAt
	if generated.IsZero() {
		generated = time.Now().UTC()
	}
	runs := r.reports
	if runs == nil {
		runs = []*schemas.RunReport{}
	}
	doc := Document{
		Tool:        ToolName,
		Version:     r.meta.Version,
		Revision:    r.meta.Revision,
		GeneratedAt: generated,
		Summary:     Summarize(r.reports),
		Runs:        runs,
	}
	enc := json.NewEncoder(r.writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		r.writer.Close()
		return err
	}
	return r.writer.Close()
}

// ReadDocument decodes a report written by JSONReporter.
func ReadDocument(rd io.Reader) (*Document, error) {
	var doc Document
	if err := json.NewDecoder(rd).Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}
