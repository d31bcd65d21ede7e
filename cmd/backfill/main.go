package main

import (
	"context"
	"flag"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/nessus-analyzer/internal/config"
	"github.com/yourorg/nessus-analyzer/internal/db"
	"github.com/yourorg/nessus-analyzer/internal/logging"
	"github.com/yourorg/nessus-analyzer/internal/s3"
	"github.com/yourorg/nessus-analyzer/internal/worker"
)

func main() {
	var (
		batchSize = flag.Int("batch-size", 25, "number of jobs to re-analyze per batch")
		maxJobs   = flag.Int("max-jobs", 0, "maximum jobs to re-analyze (0 = unlimited)")
	)
	flag.Parse()

	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log := logging.New(cfg.LogLevel, false)
	ctx := context.Background()

	store, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer store.Pool.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		if db.IsInsufficientPrivilege(err) {
			log.WithError(err).Warn("ensure schema skipped due insufficient privilege")
		} else {
			log.Fatalf("ensure schema: %v", err)
		}
	}

	s3c, err := s3.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Region, cfg.S3UseSSL)
	if err != nil {
		log.Fatalf("s3 client: %v", err)
	}
	rules, err := cfg.Rules()
	if err != nil {
		log.Fatalf("archetype rules: %v", err)
	}
	r := worker.NewRunner(cfg, store, s3c, rules, log)

	// A job that keeps failing stays a candidate, so remember what was tried.
	tried := map[string]bool{}
	var total, okCount, failCount int
	for {
		if *maxJobs > 0 && total >= *maxJobs {
			break
		}
		limit := *batchSize
		if limit <= 0 {
			limit = 25
		}
		if *maxJobs > 0 && total+limit > *maxJobs {
			limit = *maxJobs - total
		}

		listCtx, listCancel := context.WithTimeout(ctx, 20*time.Second)
		candidates, err := store.ListBackfillCandidates(listCtx, limit+len(tried))
		listCancel()
		if err != nil {
			log.Fatalf("list candidates: %v", err)
		}

		progressed := false
		for _, candidate := range candidates {
			if tried[candidate.ID] {
				continue
			}
			if *maxJobs > 0 && total >= *maxJobs {
				break
			}
			tried[candidate.ID] = true
			progressed = true
			total++

			jobCtx, jobCancel := context.WithTimeout(ctx, 10*time.Minute)
			err := r.Backfill(jobCtx, candidate)
			jobCancel()
			if err != nil {
				failCount++
				log.Errorf("backfill job %s failed: %v", candidate.ID, err)
				continue
			}
			okCount++
		}
		if !progressed {
			break
		}
	}

	log.Infof("backfill complete: processed=%d ok=%d failed=%d", total, okCount, failCount)
}
