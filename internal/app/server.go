package app

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/earshot/internal/archive"
	"github.com/MrWong99/earshot/internal/observe"
)

const readHeaderTimeout = 10 * time.Second

// newServer builds the HTTP surface: /metrics, /healthz, /readyz, /feed and,
// with an archive, /transcripts. Every route goes through
// [observe.Middleware].
func (a *App) newServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	a.health.Register(mux)
	if a.feed != nil {
		mux.Handle("GET /feed", a.feed)
	}
	if a.providers.Archive != nil {
		mux.Handle("GET /transcripts", archive.NewHandler(a.providers.Archive))
	}
	return &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// startServer binds the listener and serves in the background. The returned
// channel yields the serve error, or nil after [http.Server.Shutdown].
func (a *App) startServer() (<-chan error, error) {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return nil, fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
	}

	tls := a.cfg.Server.TLS
	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", tls != nil)

	errc := make(chan error, 1)
	go func() {
		var err error
		if tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		} else if err != nil {
			err = fmt.Errorf("app: http server: %w", err)
		}
		errc <- err
	}()
	return errc, nil
}
