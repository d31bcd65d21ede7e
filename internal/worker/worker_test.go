package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/nessus-analyzer/internal/analysis"
	"github.com/yourorg/nessus-analyzer/internal/archetype"
	"github.com/yourorg/nessus-analyzer/internal/config"
	"github.com/yourorg/nessus-analyzer/internal/db"
	"github.com/yourorg/nessus-analyzer/internal/filter"
	"github.com/yourorg/nessus-analyzer/internal/model"
)

const jobScan = `<?xml version="1.0"?>
<NessusClientData_v2><Report name="t">
  <ReportHost name="app">
    <HostProperties><tag name="host-ip">10.0.0.1</tag></HostProperties>
    <ReportItem port="443" protocol="tcp" svc_name="www" severity="5" pluginID="1" pluginName="HTTP Server Type" pluginFamily="Web Servers">
      <exploit_available><exploit exploit_name="http_rce"/></exploit_available>
    </ReportItem>
    <ReportItem port="22" protocol="tcp" svc_name="ssh" severity="3" pluginID="3" pluginName="SSH Default Credentials" pluginFamily="Misc."/>
    <ReportItem port="0" protocol="tcp" svc_name="general" severity="2" pluginID="4" pluginName="Traceroute Information" pluginFamily="General"/>
  </ReportHost>
  <ReportHost name="other">
    <HostProperties><tag name="host-ip">10.0.0.2</tag></HostProperties>
    <ReportItem port="80" protocol="tcp" svc_name="www" severity="9" pluginID="5" pluginName="HTTP Server Type" pluginFamily="Web Servers"/>
  </ReportHost>
</Report></NessusClientData_v2>`

type fakeStore struct {
	mu       sync.Mutex
	queue    []*db.Job
	events   []string
	pct      map[string]int
	results  map[string]*analysis.Result
	done     map[string]string
	summary  map[string][]byte
	failed   chan string
	staleArg time.Duration
}

func newFakeStore(jobs ...*db.Job) *fakeStore {
	return &fakeStore{
		queue:   jobs,
		pct:     map[string]int{},
		results: map[string]*analysis.Result{},
		done:    map[string]string{},
		summary: map[string][]byte{},
		failed:  make(chan string, 8),
	}
}

func (s *fakeStore) UpdateProgress(_ context.Context, id string, pct int, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pct[id] = max(s.pct[id], pct)
	return nil
}

func (s *fakeStore) InsertEvent(_ context.Context, _ string, _ time.Time, stage, _ string, _ *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, stage)
	return nil
}

func (s *fakeStore) AcquireNextQueued(_ context.Context, _ string) (*db.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, pgx.ErrNoRows
	}
	j := s.queue[0]
	s.queue = s.queue[1:]
	return j, nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id, _ string) error {
	s.failed <- id
	return nil
}

func (s *fakeStore) MarkDone(_ context.Context, id, bucket, prefix string, summaryJSON []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[id] = bucket + "/" + prefix
	s.summary[id] = summaryJSON
	return nil
}

func (s *fakeStore) ReplaceJobResults(_ context.Context, jobID string, res *analysis.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[jobID] = res
	return nil
}

func (s *fakeStore) RequeueStaleRunning(_ context.Context, idleFor time.Duration) ([]string, error) {
	s.staleArg = idleFor
	return []string{"stale-1"}, nil
}

type fakeObjects struct {
	mu       sync.Mutex
	scan     string
	failGet  error
	uploaded []string
}

func (o *fakeObjects) DownloadToFile(_ context.Context, _, _, filePath string) error {
	if o.failGet != nil {
		return o.failGet
	}
	return os.WriteFile(filePath, []byte(o.scan), 0o644)
}

func (o *fakeObjects) UploadFile(_ context.Context, bucket, key, filePath string, _ string) error {
	if _, err := os.Stat(filePath); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.uploaded = append(o.uploaded, bucket+"/"+key)
	return nil
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testRunner(t *testing.T, st Store, objs ObjectStore, mutate func(*config.Config)) *Runner {
	t.Helper()
	cfg := config.Config{
		ScratchDir:        t.TempDir(),
		ResultsBucket:     "results",
		WorkerConcurrency: 1,
		StaleAfter:        10 * time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewRunner(cfg, st, objs, archetype.Standard(), quietLogger())
}

func TestDerivePct(t *testing.T) {
	tests := []struct {
		stage string
		want  int
	}{
		{stageStart, 5},
		{stageDownload, 10},
		{analysis.StageExtract, 30},
		{analysis.StageFilter, 45},
		{analysis.StageRank, 60},
		{analysis.StageDone, 70},
		{stageUpload, 85},
		{stagePersist, 95},
		{"something-else", 50},
	}
	for _, tc := range tests {
		if got := derivePct(tc.stage); got != tc.want {
			t.Errorf("derivePct(%q) = %d, want %d", tc.stage, got, tc.want)
		}
	}
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := retry(ctx, 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("retry = %v after %d calls, want nil after 3", err, calls)
	}

	calls = 0
	boom := errors.New("boom")
	if err := retry(ctx, 2, time.Millisecond, func() error { calls++; return boom }); !errors.Is(err, boom) || calls != 2 {
		t.Fatalf("retry = %v after %d calls, want boom after 2", err, calls)
	}

	calls = 0
	if err := retry(ctx, 5, time.Millisecond, func() error { calls++; return context.Canceled }); !errors.Is(err, context.Canceled) || calls != 1 {
		t.Fatalf("retry = %v after %d calls, want canceled after 1", err, calls)
	}
}

func TestAllowListFor(t *testing.T) {
	rules := archetype.Standard()

	allow, err := AllowListFor([]string{"10.0.0.1"}, nil, rules)
	if err != nil {
		t.Fatalf("AllowListFor: %v", err)
	}
	for _, label := range rules.Labels() {
		if !allow.AllowsArchetype(label) {
			t.Errorf("label %q not allowed by default", label)
		}
	}

	if _, err := AllowListFor(nil, []string{archetype.Other}, rules); !errors.Is(err, filter.ErrMissingAllowList) {
		t.Fatalf("missing scope: got %v, want ErrMissingAllowList", err)
	}
}

func TestProgressSinkRecordsEvents(t *testing.T) {
	st := newFakeStore()
	sink := progressSink(context.Background(), st, "job-1", quietLogger())
	emit(sink, stageDownload, "scan.nessus")
	sink(model.ProgressEvent{Stage: analysis.StageRank, Detail: "x", TS: "not a time"})

	if diff := cmp.Diff([]string{stageDownload, analysis.StageRank}, st.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if st.pct["job-1"] != 60 {
		t.Errorf("pct = %d, want 60", st.pct["job-1"])
	}
}

func TestProcessJob(t *testing.T) {
	st := newFakeStore()
	objs := &fakeObjects{scan: jobScan}
	r := testRunner(t, st, objs, func(c *config.Config) { c.EncodeMatrix = true })

	job := &db.Job{ID: "job-1", Bucket: "uploads", ObjectKey: "projects/p1/scan.nessus", ScopeIPs: []string{"10.0.0.1"}}
	if err := r.processJob(context.Background(), job); err != nil {
		t.Fatalf("processJob: %v", err)
	}

	wantUploads := []string{
		"results/analyses/job-1/data_with_exploits.csv",
		"results/analyses/job-1/encoded_data.csv",
		"results/analyses/job-1/entrypoint_most_info.csv",
		"results/analyses/job-1/exploits.json",
		"results/analyses/job-1/port_0_entries.csv",
		"results/analyses/job-1/ranked_entry_points.csv",
	}
	sort.Strings(objs.uploaded)
	if diff := cmp.Diff(wantUploads, objs.uploaded); diff != "" {
		t.Errorf("uploads mismatch (-want +got):\n%s", diff)
	}

	if got := st.done["job-1"]; got != "results/analyses/job-1" {
		t.Errorf("done location = %q", got)
	}
	var sum model.Summary
	if err := json.Unmarshal(st.summary["job-1"], &sum); err != nil {
		t.Fatal(err)
	}
	want := model.Summary{
		Findings:    3,
		Exploits:    1,
		EntryPoints: 2,
		PortZero:    1,
		Archetypes:  map[string]int{archetype.Other: 2, archetype.DefaultCredentials: 1},
	}
	if diff := cmp.Diff(want, sum); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}

	res := st.results["job-1"]
	if res == nil || res.Findings.Findings[0].SourceFile != "scan.nessus" {
		t.Fatalf("stored result does not carry the uploaded file name: %+v", res)
	}
	if st.pct["job-1"] != 95 {
		t.Errorf("final pct = %d, want 95", st.pct["job-1"])
	}
	if _, err := os.Stat(r.cfg.ScratchDir + "/job-1"); !os.IsNotExist(err) {
		t.Errorf("scratch dir left behind: %v", err)
	}
}

func TestProcessJobDownloadFailure(t *testing.T) {
	st := newFakeStore()
	objs := &fakeObjects{failGet: errors.New("no such key")}
	r := testRunner(t, st, objs, nil)

	job := &db.Job{ID: "job-2", Bucket: "uploads", ObjectKey: "scan.nessus", ScopeIPs: []string{"10.0.0.1"}}
	if err := r.processJob(context.Background(), job); err == nil {
		t.Fatal("expected error")
	}
	if len(objs.uploaded) != 0 || len(st.done) != 0 || len(st.results) != 0 {
		t.Errorf("failed job produced output: uploads=%v done=%v", objs.uploaded, st.done)
	}
}

func TestProcessJobJobProfile(t *testing.T) {
	st := newFakeStore()
	r := testRunner(t, st, &fakeObjects{scan: jobScan}, nil)

	job := &db.Job{ID: "job-3", Bucket: "uploads", ObjectKey: "scan.nessus", ScopeIPs: []string{"10.0.0.1"}, RulesProfile: "bogus"}
	if err := r.processJob(context.Background(), job); err == nil {
		t.Fatal("expected unknown profile error")
	}
}

func TestRunForeverMarksFailedJobs(t *testing.T) {
	st := newFakeStore(&db.Job{ID: "job-4", Bucket: "uploads", ObjectKey: "scan.nessus"})
	r := testRunner(t, st, &fakeObjects{scan: jobScan}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- r.RunForever(ctx) }()

	select {
	case id := <-st.failed:
		if id != "job-4" {
			t.Errorf("failed job = %q, want job-4", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job without scope was not marked failed")
	}
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("RunForever: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunForever did not return after cancel")
	}
}

func TestBackfill(t *testing.T) {
	st := newFakeStore()
	objs := &fakeObjects{scan: jobScan}
	r := testRunner(t, st, objs, nil)

	bj := db.BackfillJob{ID: "job-5", Bucket: "uploads", ObjectKey: "scan.nessus", ScopeIPs: []string{"10.0.0.2"}, RulesProfile: "extended"}
	if err := r.Backfill(context.Background(), bj); err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if len(objs.uploaded) != 0 {
		t.Errorf("backfill uploaded %v", objs.uploaded)
	}
	if got := st.done["job-5"]; got != "results/analyses/job-5" {
		t.Errorf("done location = %q", got)
	}
	eps := st.results["job-5"].RankedEntryPoints
	if len(eps) != 1 || eps[0].IP != "10.0.0.2" || eps[0].Port != "80" {
		t.Errorf("entry points = %+v", eps)
	}
}

func TestRecoverStaleJobs(t *testing.T) {
	st := newFakeStore()
	r := testRunner(t, st, &fakeObjects{}, func(c *config.Config) { c.StaleAfter = 3 * time.Minute })
	r.RecoverStaleJobs(context.Background())
	if st.staleArg != 3*time.Minute {
		t.Errorf("requeue idle = %v, want 3m", st.staleArg)
	}
}
