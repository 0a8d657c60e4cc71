package main

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-edu-approvals/internal/access"
	"github.com/pesio-ai/be-edu-approvals/internal/approvable"
	"github.com/pesio-ai/be-edu-approvals/internal/bulk"
	"github.com/pesio-ai/be-edu-approvals/internal/bulk/riverqueue"
	"github.com/pesio-ai/be-edu-approvals/internal/client"
	"github.com/pesio-ai/be-edu-approvals/internal/config"
	"github.com/pesio-ai/be-edu-approvals/internal/database"
	"github.com/pesio-ai/be-edu-approvals/internal/hierarchy"
	"github.com/pesio-ai/be-edu-approvals/internal/logger"
	msgmemory "github.com/pesio-ai/be-edu-approvals/internal/messaging/memory"
	"github.com/pesio-ai/be-edu-approvals/internal/notify"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
	"github.com/pesio-ai/be-edu-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-edu-approvals/internal/service"
	"github.com/pesio-ai/be-edu-approvals/internal/workflow"
)

const (
	serviceName = "approvals.v1.ApprovalService"
	streamName  = "APPROVAL_NOTIFICATIONS"
)

// app holds the wired approval core.
type app struct {
	log         *logger.Logger
	hierarchy   *hierarchy.Hierarchy
	engine      *service.ApprovalEngine
	coordinator *bulk.Coordinator
	sweeper     *service.Sweeper

	pool  *bulk.Pool
	river *riverqueue.Queue

	closers []func()
}

func openDatabase(ctx context.Context, cfg config.Config) (*database.DB, error) {
	db, err := database.New(ctx, database.Config{
		DSN:         cfg.Database.DSN,
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// build wires storage, hierarchy, notifications, the engine and the bulk
// queue from cfg.
func build(ctx context.Context, cfg config.Config, log *logger.Logger) (*app, error) {
	a := &app{log: log}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	var (
		store     repository.Store
		source    hierarchy.Source
		directory repository.ApproverDirectory
		db        *database.DB
	)
	registry := approvable.NewRegistry()

	switch cfg.Storage.Driver {
	case "postgres":
		var err error
		db, err = openDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		log.Info().Msg("Database connection established")

		if cfg.Database.AutoMigrate {
			if err := db.Migrate(ctx); err != nil {
				return nil, err
			}
			if cfg.Bulk.Queue == "river" {
				if err := riverqueue.Migrate(ctx, db.Pool, log); err != nil {
					return nil, err
				}
			}
		}

		store = repository.NewPostgresStore(db, repository.WithLockTimeout(cfg.Database.LockTimeout))
		institutions := repository.NewInstitutionRepository(db)
		source, directory = institutions, institutions
		registry.Register(approvable.TypeSurveyResponse, approvable.SurveyResponses(repository.NewSurveyResponseRepository(db)))
		registry.Register(approvable.TypeDataRequest, approvable.DataRequests(repository.NewDataRequestRepository(db)))
	default:
		store = memory.New(memory.WithLockTimeout(cfg.Database.LockTimeout))
		source = hierarchy.StaticSource{}
		directory = memory.NewDirectory()
		registry.Register(approvable.TypeSurveyResponse, approvable.SurveyResponses(approvable.NewMemoryStore(approvable.TypeSurveyResponse)))
		registry.Register(approvable.TypeDataRequest, approvable.DataRequests(approvable.NewMemoryStore(approvable.TypeDataRequest)))
		log.Warn().Msg("Using in-memory storage; state is lost on restart")
	}

	tree, err := hierarchy.New(ctx, source, log.Component("hierarchy"))
	if err != nil {
		return nil, fmt.Errorf("load institution hierarchy: %w", err)
	}
	a.hierarchy = tree

	var dispatcher notify.Dispatcher = notify.Nop{}
	if cfg.NATS.Enabled {
		conn, err := client.ConnectNATS(ctx, cfg.NATS.URL, streamName, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := conn.Close(); err != nil {
				log.Warn().Err(err).Msg("NATS drain failed")
			}
		})
		dispatcher = conn.Publisher
	}

	a.engine = service.NewApprovalEngine(
		store,
		workflow.NewResolver(store, log),
		access.NewResolver(tree),
		registry,
		tree,
		directory,
		dispatcher,
		log,
		service.WithStatsTTL(cfg.Approval.StatsTTL),
	)
	a.sweeper = service.NewSweeper(a.engine, store, cfg.Approval.SweepBatchSize, log)

	a.coordinator = bulk.NewCoordinator(a.engine, store, log,
		bulk.WithSyncLimit(cfg.Approval.SyncBatchLimit),
		bulk.WithItemsPerMinute(cfg.Approval.ItemsPerMinute),
	)
	switch cfg.Bulk.Queue {
	case "river":
		q, err := riverqueue.New(db.Pool, a.coordinator, riverqueue.Config{Workers: cfg.Bulk.Workers}, log)
		if err != nil {
			return nil, err
		}
		a.river = q
		a.coordinator.UseQueue(q)
	default:
		queue := msgmemory.NewQueue[bulk.Task](msgmemory.DefaultConfig())
		a.closers = append(a.closers, queue.Close)
		a.pool = bulk.NewPool(queue, a.coordinator, cfg.Bulk.Workers, log)
		a.coordinator.UseQueue(a.pool)
	}

	ok = true
	return a, nil
}

func (a *app) startQueue(ctx context.Context) error {
	if a.river != nil {
		return a.river.Start(ctx)
	}
	a.pool.Start(ctx)
	return nil
}

func (a *app) stopQueue(ctx context.Context) {
	if a.river != nil {
		if err := a.river.Stop(ctx); err != nil {
			a.log.Warn().Err(err).Msg("River queue stop failed")
		}
		return
	}
	a.pool.Stop()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
