package cmd

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// metricsServer serves /metrics and /healthz until Shutdown.
type metricsServer struct {
	*http.Server
	addr string
}

func serveMetrics(addr string, metrics http.Handler, logger *zap.Logger) (*metricsServer, error) {
	router := chi.NewRouter()
	router.Method(http.MethodGet, "/metrics", metrics)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}
	srv := &metricsServer{
		Server: &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second},
		addr:   ln.Addr().String(),
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("Serving metrics", zap.String("addr", srv.addr))
	return srv, nil
}
