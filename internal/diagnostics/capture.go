// Package diagnostics writes the page state of a failed run to disk: a
// screenshot, the serialised DOM, the frame tree and, when traffic was
// captured, an HTTP archive of the run's requests.
package diagnostics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/probe/api/schemas"
)

// Artifact kinds.
const (
	KindScreenshot = "screenshot"
	KindDOM        = "dom"
	KindFrames     = "frames"
	KindRequests   = "requests"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var brotliWriterPool = sync.Pool{
	New: func() any {
		return brotli.NewWriterLevel(nil, brotli.DefaultCompression)
	},
}

// Capturer stores diagnostics under Dir/<suite>/<test>-<run id>/.
type Capturer struct {
	Dir      string
	Compress bool
	Version  string // creator version written into HTTP archives
	logger   *zap.Logger
}

// NewCapturer creates a capturer rooted at dir. With compress set the DOM is
// stored brotli compressed.
func NewCapturer(logger *zap.Logger, dir string, compress bool) *Capturer {
	return &Capturer{Dir: dir, Compress: compress, Version: "dev", logger: logger.Named("diagnostics")}
}

// Capture collects what it can. A failing source does not prevent the others;
// all errors are joined.
func (c *Capturer) Capture(ctx context.Context, page schemas.Page, report *schemas.RunReport) ([]schemas.Artifact, error) {
	dir := filepath.Join(c.Dir, slug(report.Suite), slug(report.Test)+"-"+shortID(report.RunID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}

	var (
		artifacts []schemas.Artifact
		errs      []error
	)
	keep := func(kind, name string, write func(w io.Writer) error) {
		a, err := c.write(dir, kind, name, write)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			return
		}
		artifacts = append(artifacts, a)
	}

	if png, err := page.Screenshot(ctx); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", KindScreenshot, err))
	} else {
		keep(KindScreenshot, "screenshot.png", func(w io.Writer) error {
			_, err := w.Write(png)
			return err
		})
	}

	if doc, err := page.HTML(ctx); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", KindDOM, err))
	} else if c.Compress {
		keep(KindDOM, "dom.html.br", func(w io.Writer) error { return compress(w, []byte(doc)) })
	} else {
		keep(KindDOM, "dom.html", func(w io.Writer) error {
			_, err := io.WriteString(w, doc)
			return err
		})
	}

	if frames, err := page.Frames(ctx); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", KindFrames, err))
	} else {
		keep(KindFrames, "frames.json", func(w io.Writer) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(frames)
		})
	}

	if len(report.Requests) > 0 {
		har := schemas.NewHAR("probe", c.Version)
		for _, rec := range report.Requests {
			har.Add(rec)
		}
		keep(KindRequests, "requests.har", func(w io.Writer) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(har)
		})
	}

	err := errors.Join(errs...)
	if err != nil {
		c.logger.Warn("Diagnostics were captured partially.", zap.String("dir", dir), zap.Error(err))
	} else {
		c.logger.Debug("Diagnostics captured.", zap.String("dir", dir), zap.Int("artifacts", len(artifacts)))
	}
	return artifacts, err
}

func (c *Capturer) write(dir, kind, name string, write func(w io.Writer) error) (schemas.Artifact, error) {
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return schemas.Artifact{}, err
	}
	if err := write(f); err != nil {
		f.Close()
		return schemas.Artifact{}, err
	}
	if err := f.Close(); err != nil {
		return schemas.Artifact{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return schemas.Artifact{}, err
	}
	return schemas.Artifact{Kind: kind, Path: path, Size: info.Size()}, nil
}

func compress(w io.Writer, data []byte) error {
	bw := brotliWriterPool.Get().(*brotli.Writer)
	defer brotliWriterPool.Put(bw)
	bw.Reset(w)
	if _, err := bw.Write(data); err != nil {
		return err
	}
	return bw.Close()
}

// ReadDOM returns the stored document of an artifact, decompressing .br files.
func ReadDOM(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(path, ".br") {
		return string(data), nil
	}
	out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	if err != nil {
		return "", fmt.Errorf("decompress %s: %w", path, err)
	}
	return string(out), nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// slug turns a suite or test name into a single path element.
func slug(name string) string {
	s := strings.Trim(unsafeChars.ReplaceAllString(strings.ToLower(name), "-"), "-.")
	if s == "" {
		return "unnamed"
	}
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "run"
	}
	return id
}
