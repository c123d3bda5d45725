// Package server assembles the relay: storage, sessions, push delivery and
// the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"pushsocket/internal/config"
	"pushsocket/internal/metrics"
	"pushsocket/internal/middleware"
	"pushsocket/internal/model"
	"pushsocket/internal/push"
	"pushsocket/internal/registry"
	"pushsocket/internal/safehttp"
	"pushsocket/internal/session"
	"pushsocket/internal/store"
	"pushsocket/internal/vapid"
)

const (
	shutdownTimeout = 10 * time.Second

	registrationLimit  = 10
	registrationPeriod = time.Minute
)

func NewHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type App struct {
	cfg      config.Config
	logger   zerolog.Logger
	store    store.Storage
	metrics  *metrics.Metrics
	signer   *vapid.Generator
	client   *safehttp.Client
	dialer   session.Dialer
	registry *registry.Registry
	limiter  *middleware.RateLimiter
	router   *gin.Engine

	// wsEndpoint builds the provider URL of an account.
	wsEndpoint func(reg model.Registration) string
}

func NewApp(cfg config.Config, version string, logger zerolog.Logger) (*App, error) {
	st, err := store.Open(cfg.DBDriver, cfg.DB)
	if err != nil {
		return nil, err
	}
	signer, err := vapid.NewGenerator(cfg.SigningPrivateKey())
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	dialer, err := session.NewDialer(cfg.RootCAFile)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		metrics: metrics.New(),
		signer:  signer,
		client:  safehttp.New(safehttp.Options{Allowlist: cfg, Logger: logger}),
		dialer:  dialer,
		wsEndpoint: func(reg model.Registration) string {
			return cfg.WSEndpointFor(reg.AccountID, reg.DeviceID, reg.Password)
		},
	}
	a.registry = registry.New(registry.Options{Store: st, NewSession: a.newSession, Logger: logger})
	a.limiter = middleware.NewRateLimiter(registrationLimit, registrationPeriod)
	a.router = NewRouter(Deps{
		Version:   version,
		Policy:    cfg,
		Store:     st,
		Registry:  a.registry,
		Resolver:  a.client,
		Metrics:   a.metrics,
		Logger:    logger,
		Webserver: cfg.Webserver,
		Limiter:   a.limiter,
	})

	if !signer.Enabled() {
		logger.Error().Msg("No VAPID key configured: pushes are sent without an Authorization header. Generate one with `pushsocket vapid generate` and set vapid_privkey.")
	}
	return a, nil
}

func (a *App) Router() http.Handler { return a.router }

func (a *App) Registry() *registry.Registry { return a.registry }

func (a *App) newSession(reg model.Registration) (registry.Runner, error) {
	endpoint, err := url.Parse(reg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	dispatcher := push.NewDispatcher(endpoint, push.Options{
		Poster:  a.client,
		Signer:  a.signer,
		Timeout: a.cfg.PushTimeout,
		Metrics: a.metrics,
		Logger:  a.logger.With().Str("account", session.Anonymize(reg.AccountID)).Logger(),
	})
	return session.New(reg, session.Options{
		Endpoint:   a.wsEndpoint(reg),
		Dialer:     a.dialer,
		Notifier:   dispatcher,
		Metrics:    a.metrics,
		Logger:     a.logger,
		ResetAfter: a.cfg.ReconnectResetAfter,
	}), nil
}

// Run starts every stored session and serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.registry.StartAll(); err != nil {
		return err
	}

	srv := NewHTTPServer(a.cfg, a.router)
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", srv.Addr).Msg("Listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("HTTP shutdown")
	}
	return errors.Join(runErr, a.Close(shutdownCtx))
}

// Close stops the sessions and the rate limiter, then releases the store.
func (a *App) Close(ctx context.Context) error {
	a.limiter.Stop()
	return errors.Join(a.registry.Shutdown(ctx), a.store.Close())
}
