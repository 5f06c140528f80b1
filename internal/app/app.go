// Package app wires the relay together: UDP listeners feeding the WebSocket
// hub, and the HTTP server exposing the stream, probes and metrics.
//
// New acquires every socket up front so that bind failures surface before
// anything runs. Run serves until its context ends, and Shutdown releases
// whatever is still open.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/featurerelay/internal/config"
	"github.com/MrWong99/featurerelay/internal/health"
	"github.com/MrWong99/featurerelay/internal/hub"
	"github.com/MrWong99/featurerelay/internal/listener"
	"github.com/MrWong99/featurerelay/internal/observe"
)

// drainTimeout bounds the HTTP server drain once Run's context ends.
const drainTimeout = 5 * time.Second

// App owns the relay's sockets, the client hub and the HTTP server.
type App struct {
	cfg       *config.Config
	metrics   *observe.Metrics
	metricsH  http.Handler
	hub       *hub.Hub
	listeners []*listener.Listener

	server *http.Server
	httpLn net.Listener

	// closers run in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at GET /metrics instead of [promhttp.Handler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// New binds every configured UDP listener and the HTTP listen address. Any
// bind failure is returned, after releasing what was already acquired.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsH == nil {
		a.metricsH = promhttp.Handler()
	}

	a.hub = hub.New(
		hub.WithSendQueue(cfg.Relay.SendQueue),
		hub.WithWriteTimeout(cfg.Relay.WriteTimeout),
		hub.WithOriginPatterns(cfg.Relay.OriginPatterns...),
		hub.WithMetrics(a.metrics),
	)

	for _, lc := range cfg.Relay.Listeners {
		l, err := listener.Bind(ctx, lc, a.hub, a.metrics)
		if err != nil {
			a.release()
			return nil, fmt.Errorf("app: %w", err)
		}
		a.listeners = append(a.listeners, l)
		a.closers = append(a.closers, ignoreClosed(l.Close))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Server.ListenAddr)
	if err != nil {
		a.release()
		return nil, fmt.Errorf("app: listen %s: %w", cfg.Server.ListenAddr, err)
	}
	a.httpLn = ln

	a.server = &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Clients first so their handlers return, then the server drains.
	a.closers = append(a.closers,
		func() error { a.hub.Close(); return nil },
		ignoreClosed(ln.Close),
	)
	return a, nil
}

// routes builds the HTTP mux. The WebSocket route bypasses the request
// middleware; everything else goes through it.
func (a *App) routes() http.Handler {
	api := http.NewServeMux()
	health.New(health.Serving("listeners", a.listeners...)).Register(api)
	api.Handle("GET /metrics", a.metricsH)

	mux := http.NewServeMux()
	mux.Handle("GET "+a.cfg.Relay.WSPath, a.hub)
	mux.Handle("/", observe.Middleware(a.metrics)(api))
	return mux
}

// Run serves every listener and the HTTP server until ctx is cancelled or one
// of them fails. On cancellation the hub closes its clients and the server
// drains; Run then returns nil.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, l := range a.listeners {
		g.Go(func() error { return l.Serve(gctx) })
	}

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(a.httpLn, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(a.httpLn)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.hub.Close()

		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), drainTimeout)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			slog.Warn("http server drain incomplete", "err", err)
		}
		return nil
	})

	slog.Info("relay running",
		"http", a.httpLn.Addr().String(),
		"ws_path", a.cfg.Relay.WSPath,
		"listeners", len(a.listeners),
	)
	return g.Wait()
}

// HTTPAddr returns the bound HTTP address.
func (a *App) HTTPAddr() net.Addr { return a.httpLn.Addr() }

// UDPAddrs returns the bound listener addresses in configuration order.
func (a *App) UDPAddrs() []net.Addr {
	addrs := make([]net.Addr, len(a.listeners))
	for i, l := range a.listeners {
		addrs[i] = l.Addr()
	}
	return addrs
}

// Clients returns the number of connected WebSocket clients.
func (a *App) Clients() int { return a.hub.Len() }

// Shutdown closes the listeners, the hub and the HTTP server. If ctx expires
// first the remaining steps are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		if err := a.server.Shutdown(ctx); err != nil {
			shutdownErr = err
			return
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// release runs the closers collected so far; used when New fails midway.
func (a *App) release() {
	for _, c := range a.closers {
		_ = c()
	}
	a.hub.Close()
}

func ignoreClosed(fn func() error) func() error {
	return func() error {
		if err := fn(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	}
}
