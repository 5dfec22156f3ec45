// Package app wires all proctorlive subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates the result sinks, the
// session manager, the candidate gateway and the HTTP mux, Run serves until
// the context is cancelled, and Shutdown drains live interviews and tears
// everything down in order.
//
// For testing, inject result sinks via [WithSinks]; when no sink is injected
// New connects the stores named in the storage config.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/proctorlive/internal/config"
	"github.com/MrWong99/proctorlive/internal/gateway"
	"github.com/MrWong99/proctorlive/internal/handoff"
	"github.com/MrWong99/proctorlive/internal/handoff/postgres"
	redisqueue "github.com/MrWong99/proctorlive/internal/handoff/redis"
	"github.com/MrWong99/proctorlive/internal/health"
	"github.com/MrWong99/proctorlive/internal/observe"
	"github.com/MrWong99/proctorlive/internal/resilience"
	"github.com/MrWong99/proctorlive/internal/results"
	"github.com/MrWong99/proctorlive/pkg/provider/agent"
	"github.com/MrWong99/proctorlive/pkg/provider/vision"
)

// Providers holds the remote services every session uses. Populated by
// main.go via the config registry.
type Providers struct {
	Agent     agent.Provider
	AgentName string
	Detector  vision.Detector
}

// App owns all subsystem lifetimes of the interview server.
type App struct {
	cfg       *config.Config
	current   func() *config.Config
	providers *Providers
	metrics   *observe.Metrics
	log       *slog.Logger

	// Subsystems, initialised in New and torn down in Shutdown.
	sinks    []handoff.Named
	sink     *handoff.Multi
	reader   handoff.Reader
	checkers []health.Checker
	health   *health.Handler
	manager  *SessionManager
	gateway  *gateway.Server
	handler  http.Handler
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSinks injects result sinks instead of connecting the configured stores.
// The results API stays disabled unless [WithResultReader] is also given.
func WithSinks(sinks ...handoff.Named) Option {
	return func(a *App) { a.sinks = sinks }
}

// WithResultReader sets the store the results API reads from.
func WithResultReader(r handoff.Reader) Option {
	return func(a *App) { a.reader = r }
}

// WithConfigSource makes new sessions read their settings from fn, usually
// a [config.Watcher]'s Current method, instead of the config passed to New.
func WithConfigSource(fn func() *config.Config) Option {
	return func(a *App) { a.current = fn }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It connects the
// result stores synchronously so that a misconfigured store fails startup.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Agent == nil || providers.Detector == nil {
		return nil, errors.New("app: agent and detector providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.current == nil {
		a.current = func() *config.Config { return cfg }
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.log == nil {
		a.log = slog.Default()
	}

	// ── 1. Result sinks ──────────────────────────────────────────────────
	if a.sinks == nil {
		if err := a.initStorage(ctx); err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: init storage: %w", err)
		}
	}

	// ── 2. Sessions ──────────────────────────────────────────────────────
	a.sink = handoff.NewMulti(a.sinks...)
	a.manager = NewSessionManager(SessionManagerConfig{
		Config:    a.current,
		Agent:     providers.Agent,
		AgentName: providers.AgentName,
		Detector:  providers.Detector,
		Sink:      a.sink,
		Metrics:   a.metrics,
		Logger:    a.log,
	})

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	a.health = health.New(a.checkers, health.WithSessionCount(a.manager.Count))
	a.gateway = gateway.NewServer(a.manager,
		gateway.WithOriginPatterns(cfg.Server.AllowedOrigins...),
		gateway.WithEndTimeout(cfg.Storage.HandoffTimeout+5*time.Second),
		gateway.WithLogger(a.log),
	)

	mux := http.NewServeMux()
	a.health.Register(mux)
	a.gateway.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.Storage.ResultsAPI && a.reader != nil {
		results.New(a.reader, results.WithLogger(a.log)).Register(mux)
	}
	a.handler = observe.Middleware(a.metrics, observe.WithRequestLogger(a.log))(mux)

	return a, nil
}

// initStorage connects the Postgres archive and the Redis queue when they
// are configured and registers them as readiness checks. Without an archive
// the most recent results are kept in memory instead.
func (a *App) initStorage(ctx context.Context) error {
	st := a.cfg.Storage
	a.sinks = []handoff.Named{}

	if st.PostgresDSN != "" {
		archive, err := postgres.NewArchive(ctx, st.PostgresDSN)
		if err != nil {
			return err
		}
		a.sinks = append(a.sinks, a.guard(handoff.Named{Name: "postgres", Sink: archive}))
		a.checkers = append(a.checkers, health.Checker{Name: "archive", Check: archive.Ping})
		a.closers = append(a.closers, func() error { archive.Close(); return nil })
		a.reader = archive
		a.log.Info("result archive connected", "store", "postgres")
	} else {
		mem := handoff.NewMemory(st.MemoryResults)
		a.sinks = append(a.sinks, handoff.Named{Name: "memory", Sink: mem})
		a.reader = mem
	}

	if st.RedisURL != "" {
		var opts []redisqueue.Option
		if st.RedisKey != "" {
			opts = append(opts, redisqueue.WithKey(st.RedisKey))
		}
		if st.RedisMaxLen > 0 {
			opts = append(opts, redisqueue.WithMaxLen(st.RedisMaxLen))
		}
		if st.PostgresDSN != "" {
			// The archive keeps the images; the queue only needs the report data.
			opts = append(opts, redisqueue.WithoutSnapshots())
		}
		queue, err := redisqueue.Dial(ctx, st.RedisURL, opts...)
		if err != nil {
			return err
		}
		a.sinks = append(a.sinks, a.guard(handoff.Named{Name: "redis", Sink: queue}))
		a.checkers = append(a.checkers, health.Checker{Name: "queue", Check: queue.Ping})
		a.closers = append(a.closers, queue.Close)
		a.log.Info("result queue connected", "store", "redis")
	}
	return nil
}

// guard puts a circuit breaker in front of a store so that an outage costs
// ended sessions one fast error instead of the full hand-off timeout each.
func (a *App) guard(n handoff.Named) handoff.Named {
	return resilience.GuardSink(n, resilience.BreakerConfig{Logger: a.log})
}

// Handler returns the HTTP handler serving the gateway, health checks and metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.manager }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on server.listen_addr and blocks until ctx is cancelled or
// the listener fails. Call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	if t := a.cfg.Server.TLS; t != nil {
		a.server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if t := a.cfg.Server.TLS; t != nil {
			err = a.server.ServeTLS(ln, t.CertFile, t.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	a.log.Info("app running", "addr", ln.Addr().String(), "agent", a.providers.AgentName, "sinks", a.sink.Len())

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server as draining, ends all live interviews so their
// results are handed off, stops the HTTP server and closes the result stores.
// It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "live_sessions", a.manager.Count(), "closers", len(a.closers))
		a.health.SetDraining(true)

		var errs []error
		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				shutdownErr = errors.Join(errs...)
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		shutdownErr = errors.Join(errs...)
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}
