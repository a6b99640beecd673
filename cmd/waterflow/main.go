// Entry point for the waterflow news aggregation service.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/waterflow/waterflow/dbopen"
	"github.com/waterflow/waterflow/news"
	"github.com/waterflow/waterflow/shield"
)

func main() {
	godotenv.Load()

	port := env("PORT", "3001")
	dbPath := env("DB_PATH", "db/news.db")
	configPath := env("CONFIG_PATH", "")
	logLevel := env("LOG_LEVEL", "info")

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Config.
	cfg, err := news.LoadConfig(configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if pw := os.Getenv("ADMIN_PASSWORD"); pw != "" {
		cfg.AdminPassword = pw
	}

	// Database.
	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := news.ApplySchema(db); err != nil {
		slog.Error("apply schema", "error", err)
		os.Exit(1)
	}
	if err := news.SeedDefaults(db, cfg.AdminPassword); err != nil {
		slog.Error("seed defaults", "error", err)
		os.Exit(1)
	}

	// News service with the daily scheduler.
	svc := news.New(db, cfg, logger)
	if err := svc.Start(ctx); err != nil {
		slog.Error("start service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	// Rate limiter. Health stays reachable for probes.
	rl := shield.NewRateLimiter(shield.DefaultRateLimit(), "/api/health")
	rl.StartGC(ctx.Done())

	// Router.
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack(rl) {
		r.Use(mw)
	}
	r.Use(apiKeyAuth(svc, os.Getenv("API_KEY_OPTIONAL") != "true"))

	registerRoutes(r, svc)

	// HTTP server.
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second, // AI calls can be slow
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// --- Helpers ---

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
