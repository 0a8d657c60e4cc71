package riverqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"

	"github.com/pesio-ai/be-edu-approvals/internal/bulk"
	"github.com/pesio-ai/be-edu-approvals/internal/logger"
)

const (
	DefaultJobTimeout      = 10 * time.Minute
	DefaultShutdownTimeout = 30 * time.Second
)

// Config configures a Queue.
type Config struct {
	Workers         int
	JobTimeout      time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Queue is a bulk.Enqueuer backed by River.
type Queue struct {
	client  *river.Client[pgx.Tx]
	config  Config
	log     *logger.Logger
	mu      sync.Mutex
	started bool
}

// New builds a River client whose single worker runs jobs through runner.
func New(pool *pgxpool.Pool, runner bulk.Runner, cfg Config, log *logger.Logger) (*Queue, error) {
	cfg = cfg.withDefaults()
	log = log.Component("bulk_river")

	workers := river.NewWorkers()
	river.AddWorker(workers, &bulkWorker{runner: runner, log: log})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Workers},
		},
		Workers:      workers,
		JobTimeout:   cfg.JobTimeout,
		ErrorHandler: &errorHandler{log: log},
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return &Queue{client: client, config: cfg, log: log}, nil
}

// Migrate applies River's schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log *logger.Logger) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("migrate river schema: %w", err)
	}
	log.Info().Int("versions", len(res.Versions)).Msg("River migrations applied")
	return nil
}

// Enqueue inserts a job for jobID.
func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	if _, err := q.client.Insert(ctx, BulkJobArgs{JobID: jobID}, nil); err != nil {
		return fmt.Errorf("insert bulk job: %w", err)
	}
	return nil
}

// Start begins working jobs.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return nil
	}
	if err := q.client.Start(ctx); err != nil {
		return fmt.Errorf("start river client: %w", err)
	}
	q.started = true
	q.log.Info().Int("workers", q.config.Workers).Msg("River bulk queue started")
	return nil
}

// Stop waits for in-flight jobs up to the shutdown timeout.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, q.config.ShutdownTimeout)
	defer cancel()
	if err := q.client.Stop(shutdownCtx); err != nil {
		q.log.Warn().Err(err).Msg("River client stop error")
	}
	q.started = false
	q.log.Info().Msg("River bulk queue stopped")
	return nil
}

type errorHandler struct {
	log *logger.Logger
}

func (h *errorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.log.Error().Err(err).Str("job_kind", job.Kind).Int("attempt", job.Attempt).Msg("Bulk job error")
	return nil
}

func (h *errorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	h.log.Error().Str("job_kind", job.Kind).Interface("panic", panicVal).Str("trace", trace).Msg("Bulk job panic")
	return nil
}

var _ bulk.Enqueuer = (*Queue)(nil)
