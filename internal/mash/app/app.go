// Package app wires the store, tick engine, and action handlers behind the
// HTTP surface. Handlers share one mutex with the tick engine: the tick is
// the single writer for its whole duration, and every mutating request takes
// the same lock for its short critical section.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mashworld/mash/common/version"
	"github.com/mashworld/mash/internal/mash/actions"
	"github.com/mashworld/mash/internal/mash/auth"
	"github.com/mashworld/mash/internal/mash/config"
	"github.com/mashworld/mash/internal/mash/dsl"
	"github.com/mashworld/mash/internal/mash/store"
	"github.com/mashworld/mash/internal/mash/tick"
)

// App is the assembled mash server.
type App struct {
	cfg       *config.Config
	store     *store.Store
	auth      *auth.Service
	engine    *tick.Engine
	handler   *actions.Handler
	logger    *slog.Logger
	mu        *sync.Mutex
	mux       *http.ServeMux
	authLimit *ipLimiter
	startedAt time.Time
	server    *http.Server
}

// New assembles the application around an open store.
func New(cfg *config.Config, s *store.Store, logger *slog.Logger) *App {
	mu := &sync.Mutex{}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	eval := dsl.New(s, logger)

	a := &App{
		cfg:       cfg,
		store:     s,
		auth:      auth.New(s, logger),
		engine:    tick.New(s, logger, rng, mu),
		handler:   actions.New(s, eval, logger, rng),
		logger:    logger.With("component", "app"),
		mu:        mu,
		mux:       http.NewServeMux(),
		authLimit: newIPLimiter(cfg.AuthRatePerMinute, cfg.AuthBurst),
		startedAt: time.Now(),
	}
	a.routes()
	return a
}

func (a *App) routes() {
	a.mux.HandleFunc("GET /health", a.handleHealth)
	a.mux.HandleFunc("POST /auth/signup", a.limited(a.handleSignup))
	a.mux.HandleFunc("POST /auth/login", a.limited(a.handleLogin))
	a.mux.HandleFunc("POST /poll", a.authed(a.handlePoll))
	a.mux.HandleFunc("POST /wait", a.authed(a.handleWait))
	a.mux.HandleFunc("POST /action/{verb}", a.authed(a.handleAction))
}

// ServeHTTP implements http.Handler so the app can be driven by httptest
// without a live listener.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

// Start opens the listener, runs the tick loop, and serves until ctx is
// cancelled. Blocks until the listener is established.
func (a *App) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.ListenAddr, err)
	}

	a.server = &http.Server{
		Handler:      a,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 2 * tick.IntervalMS * time.Millisecond,
		IdleTimeout:  60 * time.Second,
	}

	go a.engine.Run(ctx)

	go func() {
		a.logger.Info("mash server listening", "addr", ln.Addr().String(), "version", version.Version)
		if err := a.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.logger.Error("server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		a.Stop()
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (a *App) Stop() {
	if a.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("server shutdown error", "err", err)
	}
}

// Engine exposes the tick engine, used by the entry point and by tests that
// drive ticks manually.
func (a *App) Engine() *tick.Engine {
	return a.engine
}
