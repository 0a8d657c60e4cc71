//go:build integration

package repository_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pesio-ai/be-edu-approvals/internal/access"
	"github.com/pesio-ai/be-edu-approvals/internal/approvable"
	"github.com/pesio-ai/be-edu-approvals/internal/database"
	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("approvals_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := database.New(ctx, database.Config{DSN: connStr, MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.Migrate(ctx))

	_, err = db.Exec(ctx, `
		INSERT INTO institutions (id, parent_id, level, name) VALUES
		    (1, NULL, 1, 'Ministry'),
		    (10, 1, 2, 'Region'),
		    (100, 10, 3, 'Sector A'),
		    (1000, 100, 4, 'School A1'),
		    (1010, 100, 4, 'School A2');
		INSERT INTO users (id, role, institution_id, is_active) VALUES
		    (3, 'sectoradmin', 100, TRUE),
		    (4, 'schooladmin', 1000, TRUE),
		    (8, 'schooladmin', 1000, FALSE),
		    (5, 'teacher', 1000, TRUE);
		INSERT INTO survey_responses (id, survey_id, institution_id, respondent_id, status, data) VALUES
		    (1, 77, 1000, 5, 'draft', '{"q1": "yes"}'),
		    (2, 77, 1000, 5, 'draft', '{}'),
		    (3, 77, 1010, 6, 'draft', '{}');
	`)
	require.NoError(t, err)
	return db
}

func testWorkflow(id string, autoApprove *time.Duration) *repository.WorkflowDefinition {
	return &repository.WorkflowDefinition{
		ID:       id,
		Category: approvable.TypeSurveyResponse,
		Name:     "Survey approval",
		ApprovalChain: []repository.ChainStep{
			{Level: 1, Role: access.RoleSchoolAdmin, Required: true},
			{Level: 2, Role: access.RoleSectorAdmin, Required: true},
		},
		Config:   repository.WorkflowConfig{RequireAllLevels: true, AutoApproveAfter: autoApprove},
		IsActive: true,
	}
}

func testRequest(id string, approvableID, institutionID int64, submittedAt time.Time) *repository.ApprovalRequest {
	return &repository.ApprovalRequest{
		ID:                   id,
		WorkflowID:           "wf-1",
		ApprovableType:       approvable.TypeSurveyResponse,
		ApprovableID:         approvableID,
		InstitutionID:        institutionID,
		SubmittedBy:          5,
		SubmittedAt:          submittedAt,
		CurrentStatus:        repository.StatusPending,
		CurrentApprovalLevel: 1,
		Summary:              "Survey 77",
	}
}

func TestPostgresStore(t *testing.T) {
	db := setupTestDB(t)
	store := repository.NewPostgresStore(db, repository.WithLockTimeout(200*time.Millisecond))
	ctx := context.Background()
	week := 7 * 24 * time.Hour
	submitted := time.Now().Add(-8 * 24 * time.Hour).UTC().Truncate(time.Microsecond)

	t.Run("workflow definitions", func(t *testing.T) {
		require.NoError(t, store.CreateWorkflow(ctx, testWorkflow("wf-1", &week)))

		err := store.CreateWorkflow(ctx, testWorkflow("wf-2", nil))
		assert.True(t, errors.Is(err, errors.ErrDuplicateRequest))

		wf, err := store.GetActiveWorkflow(ctx, approvable.TypeSurveyResponse)
		require.NoError(t, err)
		assert.Equal(t, "wf-1", wf.ID)
		assert.Len(t, wf.ApprovalChain, 2)
		require.NotNil(t, wf.Config.AutoApproveAfter)
		assert.Equal(t, week, *wf.Config.AutoApproveAfter)

		_, err = store.GetActiveWorkflow(ctx, approvable.TypeDataRequest)
		assert.True(t, errors.Is(err, errors.ErrNotFound))
	})

	t.Run("requests", func(t *testing.T) {
		require.NoError(t, store.CreateRequest(ctx, testRequest("r-1", 1, 1000, submitted)))
		require.NoError(t, store.CreateRequest(ctx, testRequest("r-2", 2, 1000, submitted.Add(time.Hour))))
		require.NoError(t, store.CreateRequest(ctx, testRequest("r-3", 3, 1010, time.Now().UTC())))

		err := store.CreateRequest(ctx, testRequest("r-dup", 1, 1000, submitted))
		assert.True(t, errors.Is(err, errors.ErrDuplicateRequest))

		req, err := store.GetRequestByApprovable(ctx, approvable.Ref{Type: approvable.TypeSurveyResponse, ID: 2})
		require.NoError(t, err)
		assert.Equal(t, "r-2", req.ID)
		assert.Equal(t, int64(1), req.Version)

		_, err = store.GetRequest(ctx, "missing")
		assert.True(t, errors.Is(err, errors.ErrNotFound))
	})

	t.Run("transition under lock", func(t *testing.T) {
		err := store.WithRequestLock(ctx, "r-1", func(tx repository.RequestTx) error {
			req := tx.Request()
			require.NoError(t, tx.AppendAction(ctx, &repository.ApprovalAction{
				ID:                "a-1",
				ApprovalRequestID: req.ID,
				ApproverID:        4,
				ApprovalLevel:     1,
				Action:            repository.ActionApproved,
				Metadata:          map[string]any{"source": "test"},
				ActionTakenAt:     time.Now().UTC(),
			}))
			req.CurrentStatus = repository.StatusInProgress
			req.CurrentApprovalLevel = 2
			return tx.SaveRequest(ctx, req)
		})
		require.NoError(t, err)

		req, err := store.GetRequest(ctx, "r-1")
		require.NoError(t, err)
		assert.Equal(t, repository.StatusInProgress, req.CurrentStatus)
		assert.Equal(t, 2, req.CurrentApprovalLevel)
		assert.Equal(t, int64(2), req.Version)

		actions, err := store.ListActions(ctx, "r-1")
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, "test", actions[0].Metadata["source"])

		_, err = db.Exec(ctx, `UPDATE approval_actions SET comments = 'rewritten' WHERE id = 'a-1'`)
		assert.Error(t, err, "action log is append-only")
	})

	t.Run("failed callback rolls back", func(t *testing.T) {
		err := store.WithRequestLock(ctx, "r-2", func(tx repository.RequestTx) error {
			require.NoError(t, tx.AppendAction(ctx, &repository.ApprovalAction{
				ID: "a-rollback", ApprovalRequestID: "r-2", ApproverID: 4, ApprovalLevel: 1,
				Action: repository.ActionApproved, ActionTakenAt: time.Now().UTC(),
			}))
			return errors.New(errors.ErrCodeInternal, "approvable store down")
		})
		require.Error(t, err)

		actions, err := store.ListActions(ctx, "r-2")
		require.NoError(t, err)
		assert.Empty(t, actions)
	})

	t.Run("held lock times out as conflict", func(t *testing.T) {
		locked := make(chan struct{})
		release := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.WithRequestLock(ctx, "r-3", func(tx repository.RequestTx) error {
				close(locked)
				<-release
				return nil
			})
		}()
		<-locked

		err := store.WithRequestLock(ctx, "r-3", func(tx repository.RequestTx) error { return nil })
		close(release)
		wg.Wait()
		assert.True(t, errors.Is(err, errors.ErrConcurrencyConflict))
	})

	t.Run("scoped listing and counts", func(t *testing.T) {
		items, total, err := store.ListRequests(ctx, repository.RequestFilter{
			Scope: repository.ScopeFilter{InstitutionIDs: []int64{1000}},
			Limit: 10,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		ids := []string{items[0].ID, items[1].ID}
		assert.ElementsMatch(t, []string{"r-1", "r-2"}, ids)

		items, total, err = store.ListRequests(ctx, repository.RequestFilter{
			Scope: repository.ScopeFilter{OwnSubmitterID: 99, MatchRole: access.RoleSectorAdmin},
			Limit: 10,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, "r-1", items[0].ID)

		for search, expect := range map[string]int{"survey 7": 3, "Survey_77": 0, "%": 0, `\`: 0} {
			_, total, err = store.ListRequests(ctx, repository.RequestFilter{
				Scope:  repository.ScopeFilter{Unrestricted: true},
				Search: search,
				Limit:  10,
			})
			require.NoError(t, err, search)
			assert.Equal(t, expect, total, search)
		}

		counts, err := store.CountByStatus(ctx, repository.RequestFilter{Scope: repository.ScopeFilter{Unrestricted: true}})
		require.NoError(t, err)
		assert.Equal(t, 2, counts[repository.StatusPending])
		assert.Equal(t, 1, counts[repository.StatusInProgress])
	})

	t.Run("auto approve due", func(t *testing.T) {
		due, err := store.ListAutoApproveDue(ctx, time.Now(), 10)
		require.NoError(t, err)
		ids := make([]string, 0, len(due))
		for _, r := range due {
			ids = append(ids, r.ID)
		}
		assert.Equal(t, []string{"r-1", "r-2"}, ids)
	})

	t.Run("bulk jobs", func(t *testing.T) {
		job := &repository.BulkJob{
			ID:             "job-1",
			Action:         repository.BulkApprove,
			ApprovableType: approvable.TypeSurveyResponse,
			Actor:          access.Actor{UserID: 4, Role: access.RoleSchoolAdmin, InstitutionID: 1000},
			ItemIDs:        []int64{1, 2, 3},
			Status:         repository.JobQueued,
			Total:          3,
			CreatedAt:      time.Now().UTC(),
		}
		require.NoError(t, store.CreateJob(ctx, job))

		job.Status = repository.JobRunning
		job.Processed = 1
		job.Successful = 1
		job.Results = []repository.ItemResult{{ApprovableID: 1, RequestID: "r-1", Status: "in_progress"}}
		require.NoError(t, store.UpdateJob(ctx, job))

		cancelled, err := store.CancelJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, repository.JobCancelled, cancelled.Status)

		// a late progress write keeps the cancellation
		job.Processed = 2
		require.NoError(t, store.UpdateJob(ctx, job))
		loaded, err := store.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, repository.JobCancelled, loaded.Status)
		assert.Equal(t, 2, loaded.Processed)
		assert.Equal(t, []int64{1, 2, 3}, loaded.ItemIDs)
		assert.Equal(t, access.RoleSchoolAdmin, loaded.Actor.Role)
		require.Len(t, loaded.Results, 1)

		_, err = store.CancelJob(ctx, "job-1")
		assert.True(t, errors.Is(err, errors.ErrAlreadyTerminal))
	})
}

func TestInstitutionRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := repository.NewInstitutionRepository(db)
	ctx := context.Background()

	institutions, err := repo.LoadInstitutions(ctx)
	require.NoError(t, err)
	require.Len(t, institutions, 5)
	assert.Equal(t, int64(1), institutions[0].ID)
	assert.Equal(t, int64(0), institutions[0].ParentID)

	ids, err := repo.UsersWithRole(ctx, access.RoleSchoolAdmin, []int64{1000, 100, 10, 1})
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, ids)

	ids, err = repo.UsersWithRole(ctx, access.RoleSchoolAdmin, nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestApprovableRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := repository.NewSurveyResponseRepository(db)
	ctx := context.Background()

	rec, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), rec.InstitutionID)
	assert.Equal(t, int64(5), rec.OwnerID)
	assert.Equal(t, "Survey 77", rec.Title)
	assert.Equal(t, approvable.StatusDraft, rec.Status)
	assert.Equal(t, "yes", rec.Data["q1"])

	require.NoError(t, repo.SetStatus(ctx, 1, approvable.StatusRejected, 4, "incomplete"))
	rec, err = repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, approvable.StatusRejected, rec.Status)
	assert.Equal(t, "incomplete", rec.RejectionReason)
	assert.Equal(t, int64(4), rec.StatusChangedBy)

	require.NoError(t, repo.SetData(ctx, 1, map[string]any{"q1": "no"}))
	rec, err = repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "no", rec.Data["q1"])

	err = repo.SetStatus(ctx, 99, approvable.StatusApproved, 4, "")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}
