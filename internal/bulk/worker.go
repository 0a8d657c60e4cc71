package bulk

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pesio-ai/be-edu-approvals/internal/logger"
	"github.com/pesio-ai/be-edu-approvals/internal/messaging"
)

// Task is the queued reference to a persisted bulk job.
type Task struct {
	JobID string
}

// Runner executes a persisted job.
type Runner interface {
	RunJob(ctx context.Context, jobID string) error
}

// Pool consumes Tasks from a messaging queue with a fixed set of workers.
// It is the in-process job queue; River replaces it when jobs must survive
// restarts.
type Pool struct {
	queue    messaging.Queue[Task]
	runner   Runner
	count    int
	log      *logger.Logger
	workers  []*worker
	workerWg sync.WaitGroup
}

type worker struct {
	id       int
	pool     *Pool
	ctx      context.Context
	cancelFn context.CancelFunc
}

func NewPool(queue messaging.Queue[Task], runner Runner, workers int, log *logger.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{queue: queue, runner: runner, count: workers, log: log.Component("bulk_pool")}
}

// Enqueue publishes a task for jobID.
func (p *Pool) Enqueue(ctx context.Context, jobID string) error {
	return p.queue.Publish(ctx, &Task{JobID: jobID})
}

// Start launches the workers. They stop when ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.count; i++ {
		workerCtx, cancel := context.WithCancel(ctx)
		w := &worker{id: i, pool: p, ctx: workerCtx, cancelFn: cancel}
		p.workers = append(p.workers, w)
		p.workerWg.Add(1)
		go w.run()
	}
	p.log.Info().Int("workers", p.count).Msg("Bulk worker pool started")
}

// Stop cancels every worker and waits for in-flight jobs to return.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.cancelFn()
	}
	p.workerWg.Wait()
	p.workers = nil
}

func (w *worker) run() {
	defer w.pool.workerWg.Done()

	for {
		msg, err := w.pool.queue.Consume(w.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || w.ctx.Err() != nil {
				return
			}
			// queue closed or transient failure
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if msg == nil {
			continue
		}

		task := msg.T()
		if rerr := w.pool.runner.RunJob(w.ctx, task.JobID); rerr != nil {
			w.pool.log.Warn().Err(rerr).
				Int("worker", w.id).
				Str("job_id", task.JobID).
				Int("attempt", msg.Attempt()).
				Msg("Bulk job failed, returning to queue")
			if nerr := msg.Nack(rerr); nerr != nil {
				w.pool.log.Error().Err(nerr).Str("job_id", task.JobID).Msg("Failed to nack bulk task")
			}
			continue
		}
		if aerr := msg.Ack(); aerr != nil {
			w.pool.log.Error().Err(aerr).Str("job_id", task.JobID).Msg("Failed to ack bulk task")
		}
	}
}
