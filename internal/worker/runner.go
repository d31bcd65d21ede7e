package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/nessus-analyzer/internal/analysis"
	"github.com/yourorg/nessus-analyzer/internal/archetype"
	"github.com/yourorg/nessus-analyzer/internal/config"
	"github.com/yourorg/nessus-analyzer/internal/db"
	"github.com/yourorg/nessus-analyzer/internal/encode"
	"github.com/yourorg/nessus-analyzer/internal/filter"
	"github.com/yourorg/nessus-analyzer/internal/model"
	"github.com/yourorg/nessus-analyzer/internal/report"
	"github.com/yourorg/nessus-analyzer/internal/s3"
)

// Store is the job queue and result storage the runner works against.
type Store interface {
	progressRecorder
	AcquireNextQueued(ctx context.Context, workerID string) (*db.Job, error)
	MarkFailed(ctx context.Context, id, errMsg string) error
	MarkDone(ctx context.Context, id, resultsBucket, resultsPrefix string, summaryJSON []byte) error
	ReplaceJobResults(ctx context.Context, jobID string, res *analysis.Result) error
	RequeueStaleRunning(ctx context.Context, idleFor time.Duration) ([]string, error)
}

// ObjectStore holds uploaded scans and produced results.
type ObjectStore interface {
	DownloadToFile(ctx context.Context, bucket, key, filePath string) error
	UploadFile(ctx context.Context, bucket, key, filePath string, contentType string) error
}

type Runner struct {
	cfg   config.Config
	db    Store
	s3    ObjectStore
	rules *archetype.Ruleset
	log   logrus.FieldLogger
	id    string
}

func NewRunner(cfg config.Config, store Store, s3c ObjectStore, rules *archetype.Ruleset, log logrus.FieldLogger) *Runner {
	if rules == nil {
		rules = archetype.Standard()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{cfg: cfg, db: store, s3: s3c, rules: rules, log: log, id: uuid.NewString()}
}

func (r *Runner) WorkerID() string { return r.id }

// ResultsPrefix is where a job's outputs are stored in the results bucket.
func ResultsPrefix(jobID string) string {
	return "analyses/" + jobID
}

// rulesFor picks the job's profile unless a rules file is configured, which
// always wins.
func (r *Runner) rulesFor(j *db.Job) (*archetype.Ruleset, error) {
	if r.cfg.RulesPath != "" || j.RulesProfile == "" {
		return r.rules, nil
	}
	return archetype.Profile(j.RulesProfile)
}

// AllowListFor builds a job's allow-list. A job without archetypes allows
// every label of the ruleset; a job without scope IPs is rejected.
func AllowListFor(ips, archetypes []string, rules *archetype.Ruleset) (*filter.AllowList, error) {
	if len(archetypes) == 0 {
		archetypes = rules.Labels()
	}
	return filter.New(ips, archetypes, rules)
}

// analyze downloads the job's scan into scratch and runs the analysis over it.
func (r *Runner) analyze(ctx context.Context, j *db.Job, scratch string, sink func(model.ProgressEvent), log logrus.FieldLogger) (*analysis.Result, error) {
	rules, err := r.rulesFor(j)
	if err != nil {
		return nil, err
	}
	allow, err := AllowListFor(j.ScopeIPs, j.AllowedArchetypes, rules)
	if err != nil {
		return nil, err
	}

	// keep the uploaded name so it is recorded on every finding
	baseName := filepath.Base(j.ObjectKey)
	if baseName == "." || baseName == "/" || baseName == "" {
		baseName = "scan.nessus"
	}
	inputPath := filepath.Join(scratch, baseName)
	emit(sink, stageDownload, j.ObjectKey)
	if err := retry(ctx, 3, 200*time.Millisecond, func() error {
		return r.s3.DownloadToFile(ctx, j.Bucket, j.ObjectKey, inputPath)
	}); err != nil {
		log.WithError(err).Error("download failed")
		return nil, fmt.Errorf("download from s3: %w", err)
	}

	res, err := analysis.RunFile(inputPath, analysis.Options{
		AllowList: allow,
		Rules:     rules,
		Log:       log,
		Progress:  sink,
	})
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}
	return res, nil
}

func (r *Runner) processJob(ctx context.Context, j *db.Job) error {
	log := r.log.WithField("job", j.ID)
	log.WithFields(logrus.Fields{"bucket": j.Bucket, "key": j.ObjectKey, "profile": j.RulesProfile}).Info("starting")

	scratch := filepath.Join(r.cfg.ScratchDir, j.ID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	sink := progressSink(ctx, r.db, j.ID, log)
	emit(sink, stageStart, j.ObjectKey)

	res, err := r.analyze(ctx, j, scratch, sink, log)
	if err != nil {
		return err
	}

	outDir := filepath.Join(scratch, "out")
	if err := report.Write(outDir, res); err != nil {
		return fmt.Errorf("write outputs: %w", err)
	}
	files := report.Files()
	if r.cfg.EncodeMatrix {
		src := filepath.Join(outDir, report.DataWithExploits+".csv")
		if err := encode.EncodeFile(src, filepath.Join(outDir, encode.FileName)); err != nil {
			return fmt.Errorf("encode matrix: %w", err)
		}
		files = append(files, report.File{Key: "encoded_data", Name: encode.FileName, ContentType: "text/csv"})
	}

	prefix := ResultsPrefix(j.ID)
	emit(sink, stageUpload, prefix)
	for _, f := range files {
		key := s3.ObjectKey(prefix, f.Name)
		if err := retry(ctx, 3, 200*time.Millisecond, func() error {
			return r.s3.UploadFile(ctx, r.cfg.ResultsBucket, key, filepath.Join(outDir, f.Name), f.ContentType)
		}); err != nil {
			log.WithError(err).WithField("key", key).Error("upload failed")
			return fmt.Errorf("upload %s: %w", f.Name, err)
		}
	}

	emit(sink, stagePersist, "storing ranked entry points")
	if err := retry(ctx, 3, 200*time.Millisecond, func() error {
		return r.db.ReplaceJobResults(ctx, j.ID, res)
	}); err != nil {
		return fmt.Errorf("store results: %w", err)
	}

	sumBytes, _ := json.Marshal(res.Summary())
	dbctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.db.MarkDone(dbctx, j.ID, r.cfg.ResultsBucket, prefix, sumBytes); err != nil {
		log.WithError(err).Error("mark done")
		return fmt.Errorf("mark done: %w", err)
	}
	log.WithFields(logrus.Fields{
		"entry_points": len(res.RankedEntryPoints),
		"findings":     res.Findings.Len(),
		"prefix":       prefix,
	}).Info("completed and marked done")
	return nil
}

// Backfill re-runs the analysis of a finished job and stores its result rows.
// Uploaded outputs are left untouched.
func (r *Runner) Backfill(ctx context.Context, bj db.BackfillJob) error {
	log := r.log.WithField("job", bj.ID)
	scratch := filepath.Join(r.cfg.ScratchDir, "backfill", bj.ID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	j := &db.Job{
		ID:                bj.ID,
		Bucket:            bj.Bucket,
		ObjectKey:         bj.ObjectKey,
		ScopeIPs:          bj.ScopeIPs,
		AllowedArchetypes: bj.AllowedArchetypes,
		RulesProfile:      bj.RulesProfile,
	}
	sink := func(evt model.ProgressEvent) {
		log.WithField("stage", evt.Stage).Debug(evt.Detail)
	}
	res, err := r.analyze(ctx, j, scratch, sink, log)
	if err != nil {
		return err
	}
	if err := r.db.ReplaceJobResults(ctx, bj.ID, res); err != nil {
		return fmt.Errorf("store results: %w", err)
	}

	resultsBucket, prefix := bj.ResultsBucket, bj.ResultsPrefix
	if resultsBucket == "" {
		resultsBucket = r.cfg.ResultsBucket
	}
	if prefix == "" {
		prefix = ResultsPrefix(bj.ID)
	}
	sumBytes, _ := json.Marshal(res.Summary())
	if err := r.db.MarkDone(ctx, bj.ID, resultsBucket, prefix, sumBytes); err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	log.WithFields(logrus.Fields{
		"entry_points": len(res.RankedEntryPoints),
		"exploits":     len(res.Exploits),
	}).Info("backfill stored")
	return nil
}

// RecoverStaleJobs re-queues jobs left running by a worker that went away.
func (r *Runner) RecoverStaleJobs(ctx context.Context) {
	ids, err := r.db.RequeueStaleRunning(ctx, r.cfg.StaleAfter)
	if err != nil {
		r.log.WithError(err).Warn("requeue stale jobs")
		return
	}
	if len(ids) > 0 {
		r.log.WithField("jobs", ids).Info("re-queued stale jobs")
	}
}

// RunForever polls for queued jobs until ctx is done, running up to
// WorkerConcurrency jobs at a time. It waits for in-flight jobs before
// returning.
func (r *Runner) RunForever(ctx context.Context) error {
	sem := make(chan struct{}, max(r.cfg.WorkerConcurrency, 1))
	var wg sync.WaitGroup
	defer wg.Wait()

	backoff := 500 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return nil
		}

		j, err := r.db.AcquireNextQueued(ctx, r.id)
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) && ctx.Err() == nil {
				r.log.WithError(err).Warn("acquire job")
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 5*time.Second)
			continue
		}
		backoff = 500 * time.Millisecond

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			_ = r.db.MarkFailed(context.Background(), j.ID, "worker shutting down")
			return nil
		}
		wg.Add(1)
		go func(job *db.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := r.processJob(ctx, job); err != nil {
				r.log.WithField("job", job.ID).WithError(err).Error("failed")
				failCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = r.db.MarkFailed(failCtx, job.ID, err.Error())
			}
		}(j)
	}
}
