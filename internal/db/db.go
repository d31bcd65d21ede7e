package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yourorg/nessus-analyzer/internal/analysis"
	"github.com/yourorg/nessus-analyzer/internal/model"
)

const batchSize = 100

type Store struct{ Pool *pgxpool.Pool }

func Open(ctx context.Context, url string) (*Store, error) {
	p, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: p}, nil
}

// Job is one queued analysis of an uploaded scan document.
type Job struct {
	ID                string
	Status            string
	Bucket            string
	ObjectKey         string
	ScopeIPs          []string
	AllowedArchetypes []string
	RulesProfile      string
	ProgressPct       int
	ProgressMsg       *string
	ResultsBucket     *string
	ResultsPrefix     *string
	ErrorMsg          *string
	WorkerID          *string
}

// BackfillJob is a finished job whose ranked rows were never persisted.
type BackfillJob struct {
	ID                string
	Bucket            string
	ObjectKey         string
	ScopeIPs          []string
	AllowedArchetypes []string
	RulesProfile      string
	ResultsBucket     string
	ResultsPrefix     string
}

func (s *Store) notifyJobChanged(ctx context.Context, id string) {
	_, _ = s.Pool.Exec(ctx, `SELECT pg_notify('analysis_events', $1)`, id)
}

// Enqueue inserts a queued job and returns its id.
func (s *Store) Enqueue(ctx context.Context, j Job) (string, error) {
	if j.ID == "" {
		return "", errors.New("enqueue: job id is required")
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO analysis_jobs (id, status, bucket, object_key, scope_ips, allowed_archetypes, rules_profile)
		VALUES ($1::uuid, 'queued', $2, $3, $4, $5, $6)
	`, j.ID, j.Bucket, j.ObjectKey, j.ScopeIPs, j.AllowedArchetypes, coalesceString(j.RulesProfile, "standard"))
	if err != nil {
		return "", err
	}
	s.notifyJobChanged(ctx, j.ID)
	return j.ID, nil
}

func (s *Store) InsertEvent(ctx context.Context, jobID string, ts time.Time, stage, detail string, pct *int) error {
	_, err := s.Pool.Exec(ctx, `
        INSERT INTO analysis_events (job_id, ts, stage, detail, pct)
        VALUES ($1, $2, $3, $4, $5)
    `, jobID, ts, stage, detail, pct)
	return err
}

func (s *Store) AcquireNextQueued(ctx context.Context, workerID string) (*Job, error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT id::text, bucket, object_key, scope_ips, allowed_archetypes, rules_profile
		FROM analysis_jobs
		WHERE status='queued'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`)
	var j Job
	if err := row.Scan(&j.ID, &j.Bucket, &j.ObjectKey, &j.ScopeIPs, &j.AllowedArchetypes, &j.RulesProfile); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE analysis_jobs
		SET status='running', started_at=now(), progress_pct=0, progress_msg='starting',
		    worker_id=$2
		WHERE id=$1
	`, j.ID, workerID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	j.Status = "running"
	j.WorkerID = &workerID
	s.notifyJobChanged(ctx, j.ID)
	return &j, nil
}

func (s *Store) UpdateProgress(ctx context.Context, id string, pct int, msg string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE analysis_jobs
		SET progress_pct=GREATEST(progress_pct, $2),
		    progress_msg=CASE WHEN $2 >= progress_pct THEN $3 ELSE progress_msg END
		WHERE id=$1
		  AND status='running'
	`, id, pct, msg)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE analysis_jobs
		SET status='failed',
		    finished_at=now(),
		    error_msg=$2,
		    progress_msg=COALESCE(progress_msg, $2)
		WHERE id=$1
		  AND status IN ('queued','running')
	`, id, errMsg)
	if err == nil {
		s.notifyJobChanged(ctx, id)
	}
	return err
}

func (s *Store) MarkDone(ctx context.Context, id, resultsBucket, resultsPrefix string, summaryJSON []byte) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE analysis_jobs
		SET status='done', finished_at=now(),
		    progress_pct=100, progress_msg='completed',
		    results_bucket=$2, results_prefix=$3, summary_json=$4::jsonb
		WHERE id=$1
	`, id, resultsBucket, resultsPrefix, string(summaryJSON))
	if err == nil {
		s.notifyJobChanged(ctx, id)
	}
	return err
}

// ReplaceJobResults deletes a job's previous rows and stores the ranked entry
// points, exploit feed and port-zero findings of res in one transaction.
func (s *Store) ReplaceJobResults(ctx context.Context, jobID string, res *analysis.Result) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, table := range []string{"analysis_entry_points", "analysis_exploits", "analysis_port_zero"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE job_id=$1::uuid`, jobID); err != nil {
			return err
		}
	}

	if err := batchInsertEntryPoints(ctx, tx, jobID, res.RankedEntryPoints, res.MostFindings); err != nil {
		return fmt.Errorf("batch insert entry points: %w", err)
	}
	if err := batchInsertExploits(ctx, tx, jobID, res.Exploits); err != nil {
		return fmt.Errorf("batch insert exploits: %w", err)
	}
	if err := batchInsertPortZero(ctx, tx, jobID, res.PortZero.Findings); err != nil {
		return fmt.Errorf("batch insert port zero: %w", err)
	}
	return tx.Commit(ctx)
}

// batchInsertEntryPoints writes ranked rows with their 1-based rank and the
// finding count from the most-findings aggregate.
func batchInsertEntryPoints(ctx context.Context, tx pgx.Tx, jobID string, eps []model.EntryPoint, counts []model.EntryPointCount) error {
	countOf := make(map[[2]string]int, len(counts))
	for _, c := range counts {
		countOf[[2]string{c.IP, c.Port}] = c.VulnerabilityCount
	}
	for start := 0; start < len(eps); start += batchSize {
		end := min(start+batchSize, len(eps))
		chunk := eps[start:end]

		const colCount = 9
		var sb strings.Builder
		sb.WriteString(`
INSERT INTO analysis_entry_points (
  job_id, rank, ip, port, severity_score, exploit_score,
  distinct_vulnerabilities, combined_score, vulnerability_count
) VALUES `)
		args := make([]any, 0, len(chunk)*colCount)
		for i, e := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			base := i*colCount + 1
			sb.WriteString(fmt.Sprintf(
				"($%d::uuid, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
				base, base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
			))
			args = append(args,
				jobID,
				start+i+1,
				e.IP,
				e.Port,
				e.SeverityScore,
				e.ExploitScore,
				e.DistinctVulnerabilities,
				e.CombinedScore,
				countOf[[2]string{e.IP, e.Port}],
			)
		}
		if _, err := tx.Exec(ctx, sb.String(), args...); err != nil {
			return err
		}
	}
	return nil
}

func batchInsertExploits(ctx context.Context, tx pgx.Tx, jobID string, exploits []model.ExploitRecord) error {
	for start := 0; start < len(exploits); start += batchSize {
		end := min(start+batchSize, len(exploits))
		batch := &pgx.Batch{}
		for _, x := range exploits[start:end] {
			batch.Queue(`
INSERT INTO analysis_exploits (job_id, name, type, ip, port, severity)
VALUES ($1::uuid, $2, $3, $4, $5, $6)`,
				jobID, x.Name, x.Type, x.IP, x.Port, x.Severity)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}
	return nil
}

// batchInsertPortZero keeps the searchable columns of port-zero findings and
// the full attribute set as JSON.
func batchInsertPortZero(ctx context.Context, tx pgx.Tx, jobID string, findings []model.Finding) error {
	for start := 0; start < len(findings); start += batchSize {
		end := min(start+batchSize, len(findings))
		batch := &pgx.Batch{}
		for _, f := range findings[start:end] {
			rawJSON, _ := json.Marshal(f.Attributes)
			batch.Queue(`
INSERT INTO analysis_port_zero (
  job_id, ip, host_name, plugin_id, plugin_name, severity, archetype, viable_exploit, raw
)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)`,
				jobID,
				f.HostIP,
				nullableString(f.HostName),
				nullableString(f.Attr("pluginID")),
				nullableString(f.Attr("pluginName")),
				f.Severity,
				f.Archetype,
				f.ViableExploit,
				string(rawJSON),
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}
	return nil
}

func coalesceString(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.Pool.Ping(ctx)
}

// IsInsufficientPrivilege reports whether err is Postgres refusing a DDL
// statement to a role without the needed grants.
func IsInsufficientPrivilege(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42501"
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS analysis_jobs (
  id UUID PRIMARY KEY,
  status TEXT NOT NULL CHECK (status IN ('queued','running','done','failed')),
  bucket TEXT NOT NULL,
  object_key TEXT NOT NULL,
  scope_ips TEXT[] NOT NULL DEFAULT '{}',
  allowed_archetypes TEXT[] NOT NULL DEFAULT '{}',
  rules_profile TEXT NOT NULL DEFAULT 'standard',
  worker_id TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  started_at TIMESTAMPTZ,
  finished_at TIMESTAMPTZ,
  progress_pct INTEGER NOT NULL DEFAULT 0 CHECK (progress_pct BETWEEN 0 AND 100),
  progress_msg TEXT,
  results_bucket TEXT,
  results_prefix TEXT,
  error_msg TEXT,
  summary_json JSONB
);

CREATE INDEX IF NOT EXISTS idx_analysis_jobs_status_created ON analysis_jobs (status, created_at);

CREATE TABLE IF NOT EXISTS analysis_events (
  id BIGSERIAL PRIMARY KEY,
  job_id UUID NOT NULL REFERENCES analysis_jobs(id) ON DELETE CASCADE,
  ts TIMESTAMPTZ NOT NULL DEFAULT now(),
  stage TEXT NOT NULL,
  detail TEXT NOT NULL,
  pct SMALLINT
);

CREATE INDEX IF NOT EXISTS idx_analysis_events_job_ts ON analysis_events (job_id, ts);

CREATE OR REPLACE FUNCTION notify_analysis_event() RETURNS trigger AS $$
BEGIN
  PERFORM pg_notify('analysis_events', NEW.id::text);
  RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DO $$
BEGIN
  IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'analysis_jobs_notify') THEN
    CREATE TRIGGER analysis_jobs_notify
    AFTER INSERT OR UPDATE ON analysis_jobs
    FOR EACH ROW EXECUTE FUNCTION notify_analysis_event();
  END IF;
END$$;

CREATE TABLE IF NOT EXISTS analysis_entry_points (
  id BIGSERIAL PRIMARY KEY,
  job_id UUID NOT NULL REFERENCES analysis_jobs(id) ON DELETE CASCADE,
  rank INTEGER NOT NULL,
  ip TEXT NOT NULL,
  port TEXT NOT NULL,
  severity_score DOUBLE PRECISION NOT NULL,
  exploit_score DOUBLE PRECISION NOT NULL,
  distinct_vulnerabilities DOUBLE PRECISION NOT NULL,
  combined_score DOUBLE PRECISION NOT NULL,
  vulnerability_count INTEGER NOT NULL DEFAULT 0,
  UNIQUE(job_id, ip, port)
);

CREATE TABLE IF NOT EXISTS analysis_exploits (
  id BIGSERIAL PRIMARY KEY,
  job_id UUID NOT NULL REFERENCES analysis_jobs(id) ON DELETE CASCADE,
  name TEXT NOT NULL,
  type TEXT NOT NULL,
  ip TEXT NOT NULL,
  port TEXT NOT NULL,
  severity INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS analysis_port_zero (
  id BIGSERIAL PRIMARY KEY,
  job_id UUID NOT NULL REFERENCES analysis_jobs(id) ON DELETE CASCADE,
  ip TEXT NOT NULL,
  host_name TEXT,
  plugin_id TEXT,
  plugin_name TEXT,
  severity INTEGER NOT NULL,
  archetype TEXT NOT NULL,
  viable_exploit BOOLEAN NOT NULL,
  raw JSONB NOT NULL DEFAULT '{}'::jsonb
);

CREATE INDEX IF NOT EXISTS idx_analysis_entry_points_job_rank ON analysis_entry_points(job_id, rank);
CREATE INDEX IF NOT EXISTS idx_analysis_exploits_job_ip ON analysis_exploits(job_id, ip);
CREATE INDEX IF NOT EXISTS idx_analysis_port_zero_job ON analysis_port_zero(job_id);
`)
	return err
}

// RequeueStaleRunning finds jobs stuck in 'running' with no recent event and
// puts them back in the queue. Used at startup to recover jobs orphaned by a
// crashed worker.
func (s *Store) RequeueStaleRunning(ctx context.Context, idleFor time.Duration) ([]string, error) {
	seconds := int64(idleFor.Seconds())
	if seconds <= 0 {
		return nil, nil
	}
	rows, err := s.Pool.Query(ctx, `
		WITH stale AS (
			SELECT j.id
			FROM analysis_jobs j
			LEFT JOIN LATERAL (
				SELECT MAX(ts) AS last_event_ts
				FROM analysis_events e
				WHERE e.job_id = j.id
			) ev ON true
			WHERE j.status='running'
			  AND COALESCE(ev.last_event_ts, j.started_at, j.created_at)
			      < now() - ($1::bigint * interval '1 second')
		)
		UPDATE analysis_jobs j
		SET status='queued',
		    started_at=NULL,
		    worker_id=NULL,
		    progress_pct=0,
		    progress_msg='re-queued: previous worker lost'
		FROM stale
		WHERE j.id = stale.id
		RETURNING j.id::text
	`, seconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
		s.notifyJobChanged(ctx, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// ListBackfillCandidates returns done jobs that reported entry points in their
// summary but have no entry-point rows stored.
func (s *Store) ListBackfillCandidates(ctx context.Context, limit int) ([]BackfillJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.Pool.Query(ctx, `
SELECT j.id::text, j.bucket, j.object_key, j.scope_ips, j.allowed_archetypes, j.rules_profile,
       COALESCE(j.results_bucket, ''), COALESCE(j.results_prefix, '')
FROM analysis_jobs j
WHERE j.status='done'
  AND COALESCE((j.summary_json->>'entry_points')::int, -1) <> 0
  AND NOT EXISTS (SELECT 1 FROM analysis_entry_points ep WHERE ep.job_id=j.id)
ORDER BY COALESCE(j.finished_at, j.created_at), j.id
LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]BackfillJob, 0, limit)
	for rows.Next() {
		var j BackfillJob
		if err := rows.Scan(&j.ID, &j.Bucket, &j.ObjectKey, &j.ScopeIPs, &j.AllowedArchetypes,
			&j.RulesProfile, &j.ResultsBucket, &j.ResultsPrefix); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
