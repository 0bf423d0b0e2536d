package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/nkiryanov/bitguard/internal/credstore"
	"github.com/nkiryanov/bitguard/internal/db"
	"github.com/nkiryanov/bitguard/internal/gate"
	"github.com/nkiryanov/bitguard/internal/handlers"
	"github.com/nkiryanov/bitguard/internal/httpclient"
	"github.com/nkiryanov/bitguard/internal/logger"
	"github.com/nkiryanov/bitguard/internal/metrics"
	"github.com/nkiryanov/bitguard/internal/service/accounts"
	"github.com/nkiryanov/bitguard/internal/session"
)

const credentialsFile = "credentials.json"

// App is the wired console: one per invocation
type App struct {
	Config    *Config
	Logger    logger.Logger
	Store     credstore.Store
	Registry  *prometheus.Registry
	Transport *httpclient.Transport
	Manager   *session.Manager
	Gate      *gate.Gate

	closers []func()
}

// NewApp wires dependencies. Session is not bootstrapped yet.
// notice receives messages for the user, e.g. about expired session
func NewApp(ctx context.Context, c *Config, notice io.Writer) (*App, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	// Initialize logger
	l, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	app := &App{Config: c, Logger: l}

	store, err := app.newStore(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Store = store

	app.Registry = prometheus.NewRegistry()
	app.Registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(app.Registry)

	// Renewal goes through bare client, so refresh failures are never intercepted
	renewer := accounts.NewTokenRenewer(httpclient.NewRestyClient(c.APIURL, nil, c.RequestTimeout))
	app.Transport = httpclient.NewTransport(store, renewer,
		httpclient.WithLogger(l.With("component", "httpclient")),
		httpclient.WithMetrics(m),
		httpclient.WithTracerProvider(otel.GetTracerProvider()),
		httpclient.WithRenewTimeout(c.RequestTimeout),
	)

	api := accounts.NewClient(httpclient.NewRestyClient(c.APIURL, app.Transport, c.RequestTimeout), l)
	app.Manager = session.NewManager(store, api, l.With("component", "session"),
		session.WithLoginRedirect(func(context.Context) {
			_, _ = fmt.Fprintln(notice, "Session expired, please log in again: console login")
		}),
	)
	app.Transport.OnExpired(app.Manager.Expire)

	app.Gate = gate.New(c.UpsellPath, m)

	return app, nil
}

func (a *App) newStore(ctx context.Context) (credstore.Store, error) {
	c := a.Config

	switch c.CredentialsBackend {
	case BackendMemory:
		return credstore.NewMemoryStore(), nil

	case BackendPostgres:
		// Connect to the database and run migrations
		pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		return &credstore.PostgresStore{DB: pool, Profile: c.Profile}, nil

	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis is not reachable. Err: %w", err)
		}
		return credstore.NewRedisStore(client, c.Profile), nil

	default:
		path := c.CredentialsPath
		if path == "" {
			dir, err := os.UserConfigDir()
			if err != nil {
				return nil, fmt.Errorf("can't locate config dir, set credentials path. Err: %w", err)
			}
			path = filepath.Join(dir, "bitguard", c.Profile, credentialsFile)
		}
		a.Logger.Debug("Using credentials file", "path", path, "sealed", c.SecretKey != "")
		return credstore.NewFileStore(path, c.SecretKey), nil
	}
}

// Close releases backend connections
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler
	Logger     logger.Logger
}

func NewServerApp(app *App) (*ServerApp, error) {
	proxy, err := handlers.NewProductProxy(app.Config.APIURL, app.Transport, app.Logger)
	if err != nil {
		return nil, err
	}

	mux := handlers.NewRouter(handlers.Deps{
		Manager:  app.Manager,
		Gate:     app.Gate,
		Proxy:    proxy,
		Gatherer: app.Registry,
		Logger:   app.Logger,
	})

	return &ServerApp{
		ListenAddr: app.Config.ListenAddr,
		Handler:    mux,
		Logger:     app.Logger,
	}, nil
}

// Run starts http server and closes gracefully on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			s.Logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.Logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	s.Logger.Info("Starting server", "address", s.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
