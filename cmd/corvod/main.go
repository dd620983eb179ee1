// Command corvod runs the corvo WAMP router: a WebSocket listener serving
// one or more realms, with optional static authorization, ticket
// authentication, realm persistence and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/corvoio/corvo/auth"
	"github.com/corvoio/corvo/config"
	"github.com/corvoio/corvo/internal/logctx"
	"github.com/corvoio/corvo/metrics"
	"github.com/corvoio/corvo/realmstore"
	"github.com/corvoio/corvo/realmstore/memory"
	redisstore "github.com/corvoio/corvo/realmstore/redis"
	"github.com/corvoio/corvo/router"
	"github.com/corvoio/corvo/transport/websocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "corvod:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		listenAddr string
		watch      bool
	)
	pflag.StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")
	pflag.StringVarP(&listenAddr, "listen", "l", "", "listen address (overrides config)")
	pflag.BoolVarP(&watch, "watch", "w", false, "reload authorization rules when the config file changes")
	pflag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen.Addr = listenAddr
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metrics.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	// Authorization: static rules when realms declare roles, allow-all
	// otherwise, with an optional LRU decision cache on top.
	var authorizer auth.Authorizer
	var static *auth.StaticAuthorizer
	if rules := cfg.RoleRules(); len(rules) > 0 {
		static = auth.NewStaticAuthorizer(rules)
		authorizer = static
	} else {
		authorizer = auth.AllowAll()
	}
	if n := cfg.Router.AuthCacheSize; n > 0 {
		cached, err := auth.NewCachingAuthorizer(authorizer, n)
		if err != nil {
			return err
		}
		authorizer = cached
	}

	store, err := newStore(cfg)
	if err != nil {
		return err
	}

	factoryOpts := []router.FactoryOption{
		router.WithRouterOptions(
			router.WithLogger(log),
			router.WithMetrics(m),
			router.WithAuthorizer(authorizer),
			router.WithStore(store),
			router.WithStrictURIs(cfg.Router.StrictURIs),
			router.WithEventChunkSize(cfg.Router.EventChunkSize),
			router.WithRetainLimit(cfg.Router.RetainLimit),
		),
	}
	if names := cfg.RealmNames(); names != nil {
		factoryOpts = append(factoryOpts, router.WithRealms(names...))
	}
	factory := router.NewFactory(factoryOpts...)
	defer factory.Close()

	authenticators, err := newAuthenticators(ctx, cfg)
	if err != nil {
		return err
	}
	peer := router.NewPeer(factory, router.WithAuthenticators(authenticators...))

	mux := http.NewServeMux()
	mux.Handle(cfg.Listen.WSPath, websocket.NewHandler(peer.Serve,
		websocket.WithLogger(log),
		websocket.WithMessageSizeLimit(cfg.Listen.MaxMessageBytes),
	))
	if cfg.Listen.MetricsPath != "" {
		mux.Handle(cfg.Listen.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	srv := &http.Server{
		Addr:              cfg.Listen.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if watch && configPath != "" && static != nil {
		go func() {
			err := config.Watch(ctx, configPath, log, func(next *config.Config) {
				static.Swap(next.RoleRules())
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("config watcher stopped", slog.Any("error", err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("corvod listening",
			slog.String("addr", cfg.Listen.Addr),
			slog.String("ws_path", cfg.Listen.WSPath),
			slog.String("instance", factory.InstanceID()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	switch cfg.Logging.Format {
	case "", "json":
		inner = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		inner = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Logging.Format)
	}
	return slog.New(logctx.Handler{Handler: inner}), nil
}

func newStore(cfg *config.Config) (realmstore.Store, error) {
	switch cfg.Store.Backend {
	case "":
		return nil, nil
	case "memory":
		var opts []memory.Option
		if cfg.Store.HistoryLimit > 0 {
			opts = append(opts, memory.WithHistoryLimit(cfg.Store.HistoryLimit))
		}
		if cfg.Store.QueueLimit > 0 {
			opts = append(opts, memory.WithQueueLimit(cfg.Store.QueueLimit))
		}
		return memory.New(opts...), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		var opts []redisstore.Option
		if cfg.Store.HistoryLimit > 0 {
			opts = append(opts, redisstore.WithHistoryLimit(cfg.Store.HistoryLimit))
		}
		if cfg.Store.QueueLimit > 0 {
			opts = append(opts, redisstore.WithQueueLimit(cfg.Store.QueueLimit))
		}
		return redisstore.New(client, opts...), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func newAuthenticators(ctx context.Context, cfg *config.Config) ([]auth.Authenticator, error) {
	var out []auth.Authenticator
	if cfg.Auth.TicketSecret != "" {
		out = append(out, auth.NewHMACTicketAuthenticator([]byte(cfg.Auth.TicketSecret)))
	}
	if cfg.Auth.JWKSURL != "" {
		a, err := auth.NewJWKSTicketAuthenticator(ctx, cfg.Auth.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("jwks authenticator: %w", err)
		}
		out = append(out, a)
	}
	if cfg.Auth.AnonymousRole != "" {
		out = append(out, &auth.Anonymous{Role: cfg.Auth.AnonymousRole})
	}
	// No authenticators at all means the peer layer admits everyone
	// anonymously.
	return out, nil
}
