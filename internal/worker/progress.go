package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/nessus-analyzer/internal/analysis"
	"github.com/yourorg/nessus-analyzer/internal/model"
)

// Worker-side stages around the in-process analysis stages.
const (
	stageStart    = "start"
	stageDownload = "download"
	stageUpload   = "upload"
	stagePersist  = "persist"
)

func derivePct(stage string) int {
	switch stage {
	case stageStart:
		return 5
	case stageDownload:
		return 10
	case analysis.StageExtract:
		return 30
	case analysis.StageFilter:
		return 45
	case analysis.StageRank:
		return 60
	case analysis.StageDone:
		return 70
	case stageUpload:
		return 85
	case stagePersist:
		return 95
	default:
		return 50
	}
}

// progressRecorder is the subset of the store the progress sink writes to.
type progressRecorder interface {
	UpdateProgress(ctx context.Context, id string, pct int, msg string) error
	InsertEvent(ctx context.Context, jobID string, ts time.Time, stage, detail string, pct *int) error
}

// progressSink returns a callback recording each event as a job event and as
// the job's progress. Store errors are logged and otherwise ignored.
func progressSink(ctx context.Context, st progressRecorder, jobID string, log logrus.FieldLogger) func(model.ProgressEvent) {
	return func(evt model.ProgressEvent) {
		p := derivePct(evt.Stage)
		ts, err := time.Parse(time.RFC3339, evt.TS)
		if err != nil {
			ts = time.Now().UTC()
		}
		if err := st.InsertEvent(ctx, jobID, ts, evt.Stage, evt.Detail, &p); err != nil {
			log.WithError(err).Warn("insert progress event")
		}
		if err := st.UpdateProgress(ctx, jobID, p, evt.Stage+": "+evt.Detail); err != nil {
			log.WithError(err).Warn("update progress")
		}
	}
}

func emit(sink func(model.ProgressEvent), stage, detail string) {
	sink(model.ProgressEvent{Stage: stage, Detail: detail, TS: time.Now().UTC().Format(time.RFC3339)})
}
