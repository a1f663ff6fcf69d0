package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

// maxScrapeConns bounds concurrent connections to the metrics endpoint.
const maxScrapeConns = 16

// MetricsServer serves the default Prometheus registry on /metrics.
type MetricsServer struct {
	srv    *http.Server
	ln     net.Listener
	logger *zap.Logger
	done   chan struct{}
}

// ServeMetrics listens on addr and serves in the background until Shutdown.
func ServeMetrics(addr string, logger *zap.Logger) (*MetricsServer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s := &MetricsServer{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:     netutil.LimitListener(ln, maxScrapeConns),
		logger: logger.With(zap.String("component", "metrics")),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		s.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return s, nil
}

// Addr returns the address the server listens on.
func (s *MetricsServer) Addr() string { return s.ln.Addr().String() }

// Shutdown stops the server and waits for it to exit.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}
