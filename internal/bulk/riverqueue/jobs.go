// Package riverqueue runs bulk decision jobs on River so queued batches
// survive process restarts.
package riverqueue

import (
	"context"

	"github.com/riverqueue/river"

	"github.com/pesio-ai/be-edu-approvals/internal/bulk"
	"github.com/pesio-ai/be-edu-approvals/internal/logger"
)

// JobKindBulkDecision is the River kind for bulk decision jobs.
const JobKindBulkDecision = "approvals.bulk_decision"

// BulkJobArgs references a persisted bulk job. The job row carries the
// items and progress; River only carries the id.
type BulkJobArgs struct {
	JobID string `json:"job_id"`
}

// Kind implements river.JobArgs.
func (BulkJobArgs) Kind() string { return JobKindBulkDecision }

// InsertOpts implements river.JobArgsWithInsertOpts.
func (BulkJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 3}
}

// bulkWorker hands River jobs to the coordinator.
type bulkWorker struct {
	river.WorkerDefaults[BulkJobArgs]
	runner bulk.Runner
	log    *logger.Logger
}

func (w *bulkWorker) Work(ctx context.Context, job *river.Job[BulkJobArgs]) error {
	w.log.Debug().
		Str("job_id", job.Args.JobID).
		Int("attempt", job.Attempt).
		Msg("Running bulk decision job")
	return w.runner.RunJob(ctx, job.Args.JobID)
}
