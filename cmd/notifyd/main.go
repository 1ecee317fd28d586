// notifyd serves a database-style LISTEN/NOTIFY subsystem over HTTP: a
// single in-process Engine that backends register against, issue
// LISTEN/NOTIFY/UNLISTEN transactions through, and stream deliveries
// from via Server-Sent Events.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"log/slog"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/ratnotify/notifyd/internal/api"
	"github.com/ratnotify/notifyd/internal/auth"
	"github.com/ratnotify/notifyd/internal/config"
	"github.com/ratnotify/notifyd/internal/notify"
	"github.com/ratnotify/notifyd/internal/postgres"
)

// validateEnv checks that critical environment variables have valid values
// before anything is wired up.
func validateEnv() []string {
	var errs []string

	if addr := os.Getenv("NOTIFYD_LISTEN_ADDR"); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("NOTIFYD_LISTEN_ADDR=%q: must be host:port (%v)", addr, err))
		}
	}
	if port := os.Getenv("PORT"); port != "" {
		if _, err := net.LookupPort("tcp", port); err != nil {
			errs = append(errs, fmt.Sprintf("PORT=%q: must be a valid port number", port))
		}
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if _, err := url.Parse(dbURL); err != nil {
			errs = append(errs, fmt.Sprintf("DATABASE_URL: not a parseable URL (%v)", err))
		}
	}

	return errs
}

// warnInsecureBind warns when the server listens on all interfaces without
// any authentication configured.
func warnInsecureBind(addr string, authEnabled bool) {
	if strings.HasPrefix(addr, "0.0.0.0") && !authEnabled {
		slog.Warn("listening on 0.0.0.0 without NOTIFYD_API_KEY — API is unauthenticated and accessible from the network")
	}
}

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /notifyd healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		addr := "127.0.0.1:8080"
		if v := os.Getenv("NOTIFYD_LISTEN_ADDR"); v != "" {
			addr = v
		}
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	logger := slog.New(api.NewContextHandler(baseHandler))
	slog.SetDefault(logger)

	if errs := validateEnv(); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("invalid environment variable", "error", e)
		}
		os.Exit(1)
	}

	configPath := config.ResolvePath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if configPath != "" {
		slog.Info("config loaded", "path", configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engineOpts := []notify.EngineOption{notify.WithLogger(logger)}

	var pool *pgxpool.Pool
	var dbHealth *postgres.HealthChecker
	if cfg.Postgres.Enabled {
		databaseURL := cfg.Postgres.Addr
		if databaseURL == "" {
			databaseURL = os.Getenv("DATABASE_URL")
		}
		pool, err = postgres.NewPool(ctx, databaseURL)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		dbHealth = postgres.NewHealthChecker(pool)
		engineOpts = append(engineOpts, notify.WithHeavyweightLockManager(postgres.NewHeavyweightLockManager(pool)))
		slog.Info("postgres-backed writer-mutex enabled")
	}

	engine := notify.NewEngine(cfg.ToNotifyConfig(), engineOpts...)

	stopHousekeeping, err := engine.StartHousekeeping(ctx, os.Getenv("NOTIFYD_HOUSEKEEPING_CRON"))
	if err != nil {
		slog.Error("failed to start housekeeping", "error", err)
		os.Exit(1)
	}

	srv := &api.Server{Engine: engine}
	if dbHealth != nil {
		srv.DBHealth = dbHealth
	}

	if apiKey := os.Getenv("NOTIFYD_API_KEY"); apiKey != "" {
		srv.Auth = auth.APIKey(apiKey)
		slog.Info("API key authentication enabled")
	} else {
		srv.Auth = auth.Noop()
	}

	if corsEnv := os.Getenv("CORS_ORIGINS"); corsEnv != "" {
		srv.CORSOrigins = strings.Split(corsEnv, ",")
	}

	if rl := os.Getenv("RATE_LIMIT"); rl != "0" {
		rlCfg := api.DefaultEndpointRateLimitConfig().Mutation
		srv.RateLimit = &rlCfg
		slog.Info("rate limiting enabled", "rps", rlCfg.RequestsPerSecond, "burst", rlCfg.Burst)
	}

	router := api.NewRouter(srv)

	addr := "127.0.0.1:8080"
	if listenAddr := os.Getenv("NOTIFYD_LISTEN_ADDR"); listenAddr != "" {
		addr = listenAddr
	} else if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	warnInsecureBind(addr, os.Getenv("NOTIFYD_API_KEY") != "")

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // SSE streams may run far longer than any fixed write timeout
		IdleTimeout:       120 * time.Second,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS13,
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		tlsCertFile := os.Getenv("TLS_CERT_FILE")
		tlsKeyFile := os.Getenv("TLS_KEY_FILE")
		if tlsCertFile != "" && tlsKeyFile != "" {
			slog.Info("starting notifyd (HTTPS)", "addr", addr)
			if err := httpServer.ListenAndServeTLS(tlsCertFile, tlsKeyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}
		slog.Info("starting notifyd", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}

		stopHousekeeping()
		slog.Info("housekeeping stopped")

		if srv.RateLimiterStop != nil {
			srv.RateLimiterStop()
			slog.Info("rate limiter stopped")
		}
		if pool != nil {
			pool.Close()
			slog.Info("database pool closed")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("notifyd exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("notifyd shutdown complete")
}
