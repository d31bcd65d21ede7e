package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/nessus-analyzer/internal/config"
	"github.com/yourorg/nessus-analyzer/internal/db"
	"github.com/yourorg/nessus-analyzer/internal/logging"
	s3c "github.com/yourorg/nessus-analyzer/internal/s3"
	"github.com/yourorg/nessus-analyzer/internal/worker"
)

func main() {
	// Load environment variables from .env files if present. This helps local dev.
	// Try current directory and one level up (in case run from cmd/worker).
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log := logging.New(cfg.LogLevel, true)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Pool.Close()
	if err := store.Ping(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		if db.IsInsufficientPrivilege(err) {
			log.WithError(err).Warn("ensure schema skipped due insufficient privilege")
		} else {
			log.Fatal(err)
		}
	}

	s3, err := s3c.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Region, cfg.S3UseSSL)
	if err != nil {
		log.Fatal(err)
	}

	rules, err := cfg.Rules()
	if err != nil {
		log.Fatalf("archetype rules: %v", err)
	}
	log.WithField("labels", rules.Labels()).Info("archetype rules loaded")

	// healthz checks DB connectivity with a 2s timeout; 503 if unreachable
	if addr := cfg.HTTPAddr; addr != "" {
		go serveHealth(ctx, addr, store, log)
	}

	r := worker.NewRunner(cfg, store, s3, rules, log)
	log.Infof("worker starting with id=%s concurrency=%d", r.WorkerID(), cfg.WorkerConcurrency)

	// Re-queue jobs stuck in 'running' with no recent events (orphaned by
	// crashed workers).
	r.RecoverStaleJobs(ctx)

	if err := r.RunForever(ctx); err != nil {
		log.Fatal(err)
	}
	log.Info("worker stopped")
}

func serveHealth(ctx context.Context, addr string, store *db.Store, log logrus.FieldLogger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		dbCtx, dbCancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer dbCancel()
		w.Header().Set("Content-Type", "application/json")
		if err := store.Ping(dbCtx); err != nil {
			log.WithError(err).Warn("healthz: db ping failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy","reason":"db unreachable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	s := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(shctx)
	}()
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("health server")
	}
}
