// Package netcapture records the HTTP traffic of a browser session through a
// local forward proxy. Plain HTTP exchanges are recorded in full; HTTPS is
// tunnelled and only the CONNECT is recorded.
package netcapture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"

	"github.com/xkilldash9x/probe/api/schemas"
)

// Recorder is a running capture proxy.
type Recorder struct {
	logger   *zap.Logger
	proxy    *goproxy.ProxyHttpServer
	server   *http.Server
	listener net.Listener
	served   chan struct{}

	mu      sync.Mutex
	records []schemas.RequestRecord
}

// exchange is stored in the proxy context between request and response.
type exchange struct {
	index   int
	started time.Time
}

type printfLogger struct{ s *zap.SugaredLogger }

func (p printfLogger) Printf(format string, v ...any) { p.s.Debugf(format, v...) }

// Start listens on addr (host:port, port 0 for any) and serves the proxy
// until Close.
func Start(logger *zap.Logger, addr string) (*Recorder, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for capture proxy: %w", err)
	}

	r := &Recorder{
		logger:   logger.Named("netcapture"),
		proxy:    goproxy.NewProxyHttpServer(),
		listener: ln,
		served:   make(chan struct{}),
	}
	r.proxy.Logger = printfLogger{r.logger.Sugar()}
	r.proxy.OnRequest().HandleConnectFunc(r.handleConnect)
	r.proxy.OnRequest().DoFunc(r.handleRequest)
	r.proxy.OnResponse().DoFunc(r.handleResponse)

	r.server = &http.Server{Handler: r.proxy, ReadHeaderTimeout: 30 * time.Second}
	go func() {
		defer close(r.served)
		if err := r.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Warn("Capture proxy stopped.", zap.Error(err))
		}
	}()
	r.logger.Debug("Capture proxy listening.", zap.String("addr", ln.Addr().String()))
	return r, nil
}

// Addr returns the host:port the proxy listens on.
func (r *Recorder) Addr() string {
	return r.listener.Addr().String()
}

// Handler exposes the proxy for in-process use.
func (r *Recorder) Handler() http.Handler {
	return r.proxy
}

func (r *Recorder) add(rec schemas.RequestRecord) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return len(r.records) - 1
}

func (r *Recorder) update(i int, fn func(*schemas.RequestRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= 0 && i < len(r.records) {
		fn(&r.records[i])
	}
}

func (r *Recorder) handleConnect(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
	r.add(schemas.RequestRecord{Method: http.MethodConnect, URL: host, StartedAt: time.Now()})
	return goproxy.OkConnect, host
}

func (r *Recorder) handleRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	now := time.Now()
	i := r.add(schemas.RequestRecord{Method: req.Method, URL: req.URL.String(), StartedAt: now})
	ctx.UserData = &exchange{index: i, started: now}
	return req, nil
}

func (r *Recorder) handleResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	ex, ok := ctx.UserData.(*exchange)
	if !ok {
		return resp
	}
	if resp == nil {
		msg := "upstream request failed"
		if ctx.Error != nil {
			msg = ctx.Error.Error()
		}
		r.update(ex.index, func(rec *schemas.RequestRecord) {
			rec.Error = msg
			rec.Duration = time.Since(ex.started)
		})
		return resp
	}
	r.update(ex.index, func(rec *schemas.RequestRecord) {
		rec.Status = resp.StatusCode
		rec.Duration = time.Since(ex.started)
	})
	if resp.Body != nil {
		resp.Body = &countingBody{ReadCloser: resp.Body, done: func(n int64, err error) {
			r.update(ex.index, func(rec *schemas.RequestRecord) {
				rec.Bytes = n
				rec.Duration = time.Since(ex.started)
				if err != nil && rec.Error == "" {
					rec.Error = err.Error()
				}
			})
		}}
	}
	return resp
}

// Requests returns a copy of everything recorded so far in arrival order.
func (r *Recorder) Requests() []schemas.RequestRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schemas.RequestRecord(nil), r.records...)
}

// Close stops accepting connections and waits for in-flight exchanges until
// ctx ends.
func (r *Recorder) Close(ctx context.Context) error {
	err := r.server.Shutdown(ctx)
	select {
	case <-r.served:
	case <-ctx.Done():
	}
	if r.proxy.Tr != nil {
		r.proxy.Tr.CloseIdleConnections()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// countingBody counts bytes read and reports once on EOF, error or Close.
type countingBody struct {
	io.ReadCloser
	n    int64
	once sync.Once
	done func(n int64, err error)
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	if err == io.EOF {
		b.finish(nil)
	} else if err != nil {
		b.finish(err)
	}
	return n, err
}

func (b *countingBody) Close() error {
	b.finish(nil)
	return b.ReadCloser.Close()
}

func (b *countingBody) finish(err error) {
	b.once.Do(func() { b.done(b.n, err) })
}
