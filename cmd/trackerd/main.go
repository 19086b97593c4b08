// Package main implements trackerd, the usage tracking server. It records
// session boundaries, folds them into daily aggregates, and serves derived
// insights over a REST API.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/joho/godotenv"

	app "github.com/haven-app/usage_layer/internal/app"
	"github.com/haven-app/usage_layer/internal/app/httpapi"
	"github.com/haven-app/usage_layer/internal/app/metrics"
	"github.com/haven-app/usage_layer/internal/app/storage/kvstore"
	"github.com/haven-app/usage_layer/internal/app/storage/postgres"
	redisstore "github.com/haven-app/usage_layer/internal/app/storage/redis"
	"github.com/haven-app/usage_layer/internal/config"
	"github.com/haven-app/usage_layer/internal/middleware"
	"github.com/haven-app/usage_layer/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	envFile := flag.String("env", "", "Path to optional .env file")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			logger.NewDefault("trackerd").WithError(err).Fatal("load env file")
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault("trackerd").WithError(err).Fatal("load configuration")
	}

	log := logger.New("trackerd", cfg.LogLevel)
	log.WithField("backend", cfg.Storage.Backend).Info("starting trackerd")

	stores, cleanup, err := buildStores(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("initialise storage")
	}
	defer cleanup()

	application, err := app.New(stores, app.Options{
		SweepSchedule:   cfg.Retention.SweepSchedule,
		JanitorInterval: cfg.Retention.JanitorInterval,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("build application")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Fatal("start application")
	}

	handler := buildHandler(cfg, application, log)

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("application shutdown")
	}
	log.Info("trackerd stopped")
}

// buildStores selects the persistence backend from configuration.
func buildStores(cfg config.Config, log *logger.Logger) (app.Stores, func(), error) {
	switch cfg.Storage.Backend {
	case "redis":
		kv := redisstore.New(redisstore.Options{
			Addr:      cfg.Storage.RedisAddr,
			Namespace: cfg.Storage.RedisPrefix,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := kv.Ping(pingCtx); err != nil {
			return app.Stores{}, nil, err
		}
		store := kvstore.New(kv)
		return app.Stores{
			Users:        store,
			OpenSessions: store,
			Aggregates:   store,
			Settings:     store,
			Rules:        store,
		}, func() { _ = kv.Close() }, nil

	case "postgres":
		db, err := sqlx.Open("postgres", cfg.Storage.PostgresDSN)
		if err != nil {
			return app.Stores{}, nil, err
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return app.Stores{}, nil, err
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return app.Stores{}, nil, err
		}
		log.Info("postgres migrations applied")
		store := postgres.New(db)
		return app.Stores{
			Users:        store,
			OpenSessions: store,
			Aggregates:   store,
			Settings:     store,
			Rules:        store,
		}, func() { _ = db.Close() }, nil

	default:
		// In-memory, for development and tests. Nil stores default inside
		// app.New.
		return app.Stores{}, func() {}, nil
	}
}

// buildHandler assembles the middleware chain around the REST API.
func buildHandler(cfg config.Config, application *app.Application, log *logger.Logger) http.Handler {
	handler := httpapi.NewHandler(application)

	if cfg.Auth.AdminTokenHash != "" {
		handler = guardAdminRoutes(handler, middleware.NewAdminAuth(cfg.Auth.AdminTokenHash, log))
	}
	if !cfg.Auth.Disabled {
		auth := middleware.NewAuthMiddleware([]byte(cfg.Auth.JWTSecret), log, []string{"/healthz", "/metrics", "/ws"})
		handler = auth.Handler(handler)
	}
	if cfg.RateLimit.RPS > 0 {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, log)
		limiter.StartCleanup(10 * time.Minute)
		handler = limiter.Handler(handler)
	}
	handler = middleware.NewCORSMiddleware([]string{"*"}).Handler(handler)
	handler = metrics.InstrumentHandler(handler)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", handler)
	return mux
}

// guardAdminRoutes puts user management behind the admin token.
func guardAdminRoutes(next http.Handler, guard *middleware.AdminAuth) http.Handler {
	protected := guard.Handler(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/users" && r.Method == http.MethodPost {
			protected.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodDelete {
			if rest, ok := strings.CutPrefix(r.URL.Path, "/users/"); ok && rest != "" && !strings.Contains(rest, "/") {
				protected.ServeHTTP(w, r)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
