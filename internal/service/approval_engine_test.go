package service

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-edu-approvals/internal/access"
	"github.com/pesio-ai/be-edu-approvals/internal/approvable"
	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/hierarchy"
	"github.com/pesio-ai/be-edu-approvals/internal/logger"
	"github.com/pesio-ai/be-edu-approvals/internal/notify"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
	"github.com/pesio-ai/be-edu-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-edu-approvals/internal/workflow"
)

var (
	superAdmin  = access.Actor{UserID: 1, Role: access.RoleSuperAdmin, InstitutionID: 1}
	regionAdmin = access.Actor{UserID: 2, Role: access.RoleRegionAdmin, InstitutionID: 10}
	sectorAdmin = access.Actor{UserID: 3, Role: access.RoleSectorAdmin, InstitutionID: 100}
	schoolAdmin = access.Actor{UserID: 4, Role: access.RoleSchoolAdmin, InstitutionID: 1000}
	teacher     = access.Actor{UserID: 5, Role: access.RoleTeacher, InstitutionID: 1000}
	otherSector = access.Actor{UserID: 6, Role: access.RoleSectorAdmin, InstitutionID: 101}
	otherSchool = access.Actor{UserID: 7, Role: access.RoleSchoolAdmin, InstitutionID: 1010}
	operator    = access.Actor{UserID: 9, Role: access.RoleRegionOperator, InstitutionID: 10}
)

type fixture struct {
	store    *memory.Store
	surveys  *approvable.MemoryStore
	recorder *notify.Recorder
	engine   *ApprovalEngine
}

func newFixture(t *testing.T, workflows ...*repository.WorkflowDefinition) *fixture {
	t.Helper()
	ctx := context.Background()

	tree, err := hierarchy.New(ctx, hierarchy.StaticSource{
		{ID: 1, Level: 1, Name: "Ministry"},
		{ID: 10, ParentID: 1, Level: 2, Name: "Region"},
		{ID: 100, ParentID: 10, Level: 3, Name: "Sector A"},
		{ID: 101, ParentID: 10, Level: 3, Name: "Sector B"},
		{ID: 1000, ParentID: 100, Level: 4, Name: "School A1"},
		{ID: 1010, ParentID: 101, Level: 4, Name: "School B1"},
	}, logger.Nop())
	require.NoError(t, err)

	store := memory.New()
	for _, wf := range workflows {
		require.NoError(t, store.CreateWorkflow(ctx, wf))
	}

	surveys := approvable.NewMemoryStore(approvable.TypeSurveyResponse)
	registry := approvable.NewRegistry()
	registry.Register(approvable.TypeSurveyResponse, approvable.SurveyResponses(surveys))

	directory := memory.NewDirectory()
	for _, a := range []access.Actor{superAdmin, regionAdmin, sectorAdmin, schoolAdmin, otherSector, otherSchool} {
		directory.Add(memory.User{ID: a.UserID, Role: a.Role, InstitutionID: a.InstitutionID})
	}

	recorder := &notify.Recorder{}
	engine := NewApprovalEngine(
		store,
		workflow.NewResolver(store, logger.Nop()),
		access.NewResolver(tree),
		registry,
		tree,
		directory,
		recorder,
		logger.Nop(),
	)
	return &fixture{store: store, surveys: surveys, recorder: recorder, engine: engine}
}

// submit stores a draft survey response owned by owner and opens a request for it.
func (f *fixture) submit(t *testing.T, id int64, owner access.Actor) *repository.ApprovalRequest {
	t.Helper()
	f.surveys.Put(approvable.Record{
		ID:            id,
		InstitutionID: owner.InstitutionID,
		OwnerID:       owner.UserID,
		Title:         "Annual census",
		Status:        approvable.StatusDraft,
	})
	result, err := f.engine.CreateRequest(context.Background(), owner, CreateRequestInput{
		Ref: approvable.Ref{Type: approvable.TypeSurveyResponse, ID: id},
	})
	require.NoError(t, err)
	return result.Request
}

func (f *fixture) record(t *testing.T, id int64) *approvable.Record {
	t.Helper()
	rec, err := f.surveys.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (f *fixture) actions(t *testing.T, requestID string) []*repository.ApprovalAction {
	t.Helper()
	actions, err := f.store.ListActions(context.Background(), requestID)
	require.NoError(t, err)
	return actions
}

func customChain(id string, requireAll bool, required ...bool) *repository.WorkflowDefinition {
	roles := []access.Role{access.RoleSchoolAdmin, access.RoleSectorAdmin, access.RoleRegionAdmin}
	wf := &repository.WorkflowDefinition{
		ID:       id,
		Category: approvable.TypeSurveyResponse,
		IsActive: true,
		Config:   repository.WorkflowConfig{RequireAllLevels: requireAll},
	}
	for i, req := range required {
		wf.ApprovalChain = append(wf.ApprovalChain, repository.ChainStep{Level: i + 1, Role: roles[i], Required: req})
	}
	return wf
}

func TestCreateRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, 7, teacher)

	assert.Equal(t, repository.StatusPending, req.CurrentStatus)
	assert.Equal(t, 1, req.CurrentApprovalLevel)
	assert.Equal(t, int64(1000), req.InstitutionID)
	assert.Equal(t, teacher.UserID, req.SubmittedBy)
	assert.Equal(t, "Survey response #7 (Annual census)", req.Summary)
	assert.Equal(t, approvable.StatusSubmitted, f.record(t, 7).Status)

	required := f.recorder.OfType(notify.EventApprovalRequired)
	require.Len(t, required, 1)
	assert.Equal(t, []int64{schoolAdmin.UserID}, required[0].Recipients)

	_, err := f.engine.CreateRequest(ctx, teacher, CreateRequestInput{Ref: req.Ref()})
	assert.True(t, errors.Is(err, errors.ErrDuplicateRequest))

	f.surveys.Put(approvable.Record{ID: 8, InstitutionID: 1000, OwnerID: teacher.UserID})
	_, err = f.engine.CreateRequest(ctx, schoolAdmin, CreateRequestInput{Ref: approvable.Ref{Type: approvable.TypeSurveyResponse, ID: 8}})
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))

	_, err = f.engine.CreateRequest(ctx, teacher, CreateRequestInput{Ref: approvable.Ref{Type: "grade_sheet", ID: 1}})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = f.engine.CreateRequest(ctx, teacher, CreateRequestInput{Ref: approvable.Ref{Type: approvable.TypeSurveyResponse, ID: 404}})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestApprove_FullChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, 7, teacher)

	res, err := f.engine.Approve(ctx, schoolAdmin, req.ID, "looks good")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, res.Outcome)
	assert.Equal(t, repository.StatusInProgress, res.Request.CurrentStatus)
	assert.Equal(t, 2, res.Request.CurrentApprovalLevel)
	assert.Equal(t, 1, res.Action.ApprovalLevel)
	assert.NoError(t, res.NotificationErr)

	res, err = f.engine.Approve(ctx, sectorAdmin, req.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Request.CurrentApprovalLevel)
	assert.Nil(t, res.Request.CompletedAt)

	res, err = f.engine.Approve(ctx, regionAdmin, req.ID, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, repository.StatusApproved, res.Request.CurrentStatus)
	require.NotNil(t, res.Request.CompletedAt)
	assert.Equal(t, approvable.StatusApproved, f.record(t, 7).Status)

	var levels []int
	for _, a := range f.actions(t, req.ID) {
		assert.Equal(t, repository.ActionApproved, a.Action)
		levels = append(levels, a.ApprovalLevel)
	}
	assert.Equal(t, []int{1, 2, 3}, levels)

	required := f.recorder.OfType(notify.EventApprovalRequired)
	require.Len(t, required, 3)
	assert.Equal(t, []int64{sectorAdmin.UserID}, required[1].Recipients)
	assert.Equal(t, 2, required[1].Level)
	assert.Equal(t, []int64{regionAdmin.UserID}, required[2].Recipients)

	completed := f.recorder.OfType(notify.EventCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, []int64{teacher.UserID}, completed[0].Recipients)
	assert.Equal(t, req.ID, completed[0].RequestID)
}

func TestApprove_FastPath(t *testing.T) {
	ctx := context.Background()

	t.Run("optional tail", func(t *testing.T) {
		f := newFixture(t, customChain("wf-tail", false, true, true, false))
		req := f.submit(t, 7, teacher)

		res, err := f.engine.Approve(ctx, schoolAdmin, req.ID, "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeInProgress, res.Outcome)
		assert.Equal(t, 2, res.Request.CurrentApprovalLevel)

		res, err = f.engine.Approve(ctx, sectorAdmin, req.ID, "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeCompleted, res.Outcome)
		assert.Equal(t, 2, res.Request.CurrentApprovalLevel)
	})

	t.Run("nothing required after first level", func(t *testing.T) {
		f := newFixture(t, customChain("wf-fast", false, true, false, false))
		req := f.submit(t, 7, teacher)

		res, err := f.engine.Approve(ctx, schoolAdmin, req.ID, "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeCompleted, res.Outcome)
		assert.Equal(t, repository.StatusApproved, res.Request.CurrentStatus)
		assert.Equal(t, 1, res.Request.CurrentApprovalLevel)
		assert.NotNil(t, res.Request.CompletedAt)
	})
}

func TestApprove_HigherLevelActsEarly(t *testing.T) {
	f := newFixture(t)
	req := f.submit(t, 7, teacher)

	res, err := f.engine.Approve(context.Background(), sectorAdmin, req.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Action.ApprovalLevel)
	assert.Equal(t, 3, res.Request.CurrentApprovalLevel)
}

func TestApprove_OverrideAlwaysCompletes(t *testing.T) {
	f := newFixture(t)
	req := f.submit(t, 7, teacher)

	res, err := f.engine.Approve(context.Background(), superAdmin, req.ID, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, repository.StatusApproved, res.Request.CurrentStatus)
	assert.Equal(t, 1, res.Action.ApprovalLevel)
}

func TestApprove_AlreadyTerminalAppendsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, 7, teacher)

	_, err := f.engine.Approve(ctx, superAdmin, req.ID, "")
	require.NoError(t, err)
	before, err := f.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)

	_, err = f.engine.Approve(ctx, superAdmin, req.ID, "")
	assert.True(t, errors.Is(err, errors.ErrAlreadyTerminal))
	_, err = f.engine.Reject(ctx, superAdmin, req.ID, "too late")
	assert.True(t, errors.Is(err, errors.ErrAlreadyTerminal))

	assert.Len(t, f.actions(t, req.ID), 1)
	after, err := f.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, before.CompletedAt, after.CompletedAt)
	assert.Equal(t, before.Version, after.Version)

	_, err = f.engine.Approve(ctx, superAdmin, "missing", "")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestApprove_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, 7, teacher)
	secondSchoolAdmin := access.Actor{UserID: 8, Role: access.RoleSchoolAdmin, InstitutionID: 1000}

	testCases := []struct {
		description string
		actor       access.Actor
		expectErr   error
	}{
		{description: "sibling sector", actor: otherSector, expectErr: errors.ErrUnauthorized},
		{description: "sibling school", actor: otherSchool, expectErr: errors.ErrUnauthorized},
		{description: "submitter", actor: teacher, expectErr: errors.ErrUnauthorized},
		{description: "role outside the chain", actor: operator, expectErr: errors.ErrUnauthorized},
	}
	for _, tc := range testCases {
		_, err := f.engine.Approve(ctx, tc.actor, req.ID, "")
		assert.True(t, errors.Is(err, tc.expectErr), "%s: %v", tc.description, err)
	}
	assert.Empty(t, f.actions(t, req.ID))

	_, err := f.engine.Approve(ctx, schoolAdmin, req.ID, "")
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, secondSchoolAdmin, req.ID, "")
	assert.True(t, errors.Is(err, errors.ErrConcurrencyConflict))
}

func TestApprove_SelfSubmittedRoutesUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, 7, schoolAdmin)

	_, err := f.engine.Approve(ctx, schoolAdmin, req.ID, "")
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))

	ok, err := f.engine.CanAct(ctx, schoolAdmin, req)
	require.NoError(t, err)
	assert.False(t, ok)

	res, err := f.engine.Approve(ctx, sectorAdmin, req.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Action.ApprovalLevel)
	assert.Equal(t, 3, res.Request.CurrentApprovalLevel)
}

func TestApprovalRequired_RecipientsCanAct(t *testing.T) {
	sectorFirst := &repository.WorkflowDefinition{
		ID:       "wf-sector-first",
		Category: approvable.TypeSurveyResponse,
		IsActive: true,
		Config:   repository.WorkflowConfig{RequireAllLevels: true},
		ApprovalChain: []repository.ChainStep{
			{Level: 1, Role: access.RoleSectorAdmin, Required: true},
			{Level: 2, Role: access.RoleRegionAdmin, Required: true},
		},
	}
	sectorStaff := access.Actor{UserID: 12, Role: access.RoleTeacher, InstitutionID: 100}

	assertRecipientsCanAct := func(t *testing.T, f *fixture, req *repository.ApprovalRequest) {
		t.Helper()
		required := f.recorder.OfType(notify.EventApprovalRequired)
		require.NotEmpty(t, required)
		current, err := f.engine.GetRequest(context.Background(), req.ID)
		require.NoError(t, err)
		for _, id := range required[len(required)-1].Recipients {
			actor, ok := actorByID(id)
			require.True(t, ok, "unknown recipient %d", id)
			can, err := f.engine.CanAct(context.Background(), actor, current)
			require.NoError(t, err)
			assert.True(t, can, "recipient %d cannot act at level %d", id, current.CurrentApprovalLevel)
		}
	}

	t.Run("request at the approver's own institution", func(t *testing.T) {
		f := newFixture(t, sectorFirst)
		ctx := context.Background()
		req := f.submit(t, 7, sectorStaff)

		assertRecipientsCanAct(t, f, req)
		required := f.recorder.OfType(notify.EventApprovalRequired)
		assert.NotContains(t, required[0].Recipients, sectorAdmin.UserID)

		ok, err := f.engine.CanAct(ctx, sectorAdmin, req)
		require.NoError(t, err)
		assert.False(t, ok)
		_, err = f.engine.Approve(ctx, sectorAdmin, req.ID, "")
		assert.True(t, errors.Is(err, errors.ErrUnauthorized))
	})

	t.Run("every level of the default chain", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		req := f.submit(t, 7, teacher)
		assertRecipientsCanAct(t, f, req)

		for _, approver := range []access.Actor{schoolAdmin, sectorAdmin} {
			_, err := f.engine.Approve(ctx, approver, req.ID, "")
			require.NoError(t, err)
			assertRecipientsCanAct(t, f, req)
		}
	})
}

func actorByID(id int64) (access.Actor, bool) {
	for _, a := range []access.Actor{superAdmin, regionAdmin, sectorAdmin, schoolAdmin, teacher, otherSector, otherSchool, operator} {
		if a.UserID == id {
			return a, true
		}
	}
	return access.Actor{}, false
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, 7, teacher)

	_, err := f.engine.Reject(ctx, schoolAdmin, req.ID, "  ")
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = f.engine.Approve(ctx, schoolAdmin, req.ID, "")
	require.NoError(t, err)

	res, err := f.engine.Reject(ctx, sectorAdmin, req.ID, "incomplete data")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, repository.StatusRejected, res.Request.CurrentStatus)
	assert.Equal(t, 2, res.Action.ApprovalLevel)
	require.NotNil(t, res.Request.CompletedAt)

	rec := f.record(t, 7)
	assert.Equal(t, approvable.StatusRejected, rec.Status)
	assert.Equal(t, "incomplete data", rec.RejectionReason)

	rejected := f.recorder.OfType(notify.EventRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, []int64{teacher.UserID}, rejected[0].Recipients)
	assert.Equal(t, "incomplete data", rejected[0].Comments)

	_, err = f.engine.Approve(ctx, regionAdmin, req.ID, "")
	assert.True(t, errors.Is(err, errors.ErrAlreadyTerminal))
	_, err = f.engine.ReturnForRevision(ctx, regionAdmin, req.ID, "again")
	assert.True(t, errors.Is(err, errors.ErrAlreadyTerminal))
	_, err = f.engine.UpdateApprovableData(ctx, teacher, req.Ref(), map[string]any{"q1": "x"})
	assert.True(t, errors.Is(err, errors.ErrAlreadyTerminal))
	assert.Len(t, f.actions(t, req.ID), 2)
}

func TestReturnAndResubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, 7, teacher)

	_, err := f.engine.Approve(ctx, schoolAdmin, req.ID, "")
	require.NoError(t, err)

	_, err = f.engine.ReturnForRevision(ctx, sectorAdmin, req.ID, "")
	assert.True(t, errors.Is(err, errors.ErrValidation))

	res, err := f.engine.ReturnForRevision(ctx, sectorAdmin, req.ID, "fix X")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReturned, res.Outcome)
	assert.Equal(t, repository.StatusReturned, res.Request.CurrentStatus)
	assert.Equal(t, 1, res.Request.CurrentApprovalLevel)
	assert.Nil(t, res.Request.CompletedAt)
	assert.Equal(t, 2, res.Action.ApprovalLevel)
	assert.Equal(t, approvable.StatusDraft, f.record(t, 7).Status)

	returned := f.recorder.OfType(notify.EventReturned)
	require.Len(t, returned, 1)
	assert.Equal(t, "fix X", returned[0].Comments)
	assert.Equal(t, []int64{teacher.UserID}, returned[0].Recipients)

	_, err = f.engine.Approve(ctx, schoolAdmin, req.ID, "")
	assert.True(t, errors.Is(err, errors.ErrValidation))

	edit, err := f.engine.UpdateApprovableData(ctx, teacher, req.Ref(), map[string]any{"q2": "fixed", "q1": "ok"})
	require.NoError(t, err)
	assert.Equal(t, repository.ActionEdited, edit.Action)
	assert.Equal(t, []string{"q1", "q2"}, edit.Metadata["fields"])
	assert.Equal(t, "fixed", f.record(t, 7).Data["q2"])

	_, err = f.engine.Resubmit(ctx, schoolAdmin, req.ID, "")
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))

	res, err = f.engine.Resubmit(ctx, teacher, req.ID, "done")
	require.NoError(t, err)
	assert.Equal(t, OutcomeResubmitted, res.Outcome)
	assert.Equal(t, req.ID, res.Request.ID)
	assert.Equal(t, repository.StatusPending, res.Request.CurrentStatus)
	assert.Equal(t, 1, res.Request.CurrentApprovalLevel)
	assert.Equal(t, approvable.StatusSubmitted, f.record(t, 7).Status)

	_, err = f.engine.Resubmit(ctx, teacher, req.ID, "")
	assert.True(t, errors.Is(err, errors.ErrValidation))

	res, err = f.engine.Approve(ctx, schoolAdmin, req.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Request.CurrentApprovalLevel)

	var kinds []repository.ActionKind
	for _, a := range f.actions(t, req.ID) {
		kinds = append(kinds, a.Action)
	}
	assert.Equal(t, []repository.ActionKind{
		repository.ActionApproved,
		repository.ActionReturned,
		repository.ActionEdited,
		repository.ActionResubmitted,
		repository.ActionApproved,
	}, kinds)
}

func TestApprove_ConcurrentCallsCompleteOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, 7, teacher)

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := access.Actor{UserID: int64(100 + i), Role: access.RoleSuperAdmin, InstitutionID: 1}
			res, err := f.engine.Approve(ctx, actor, req.ID, "")
			if err != nil {
				assert.True(t, errors.Is(err, errors.ErrAlreadyTerminal) || errors.Is(err, errors.ErrConcurrencyConflict), err.Error())
				return
			}
			assert.Equal(t, OutcomeCompleted, res.Outcome)
			mu.Lock()
			successes++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Len(t, f.actions(t, req.ID), 1)
	assert.Len(t, f.recorder.OfType(notify.EventCompleted), 1)
}

func TestTransition_NotificationFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, 7, teacher)
	f.recorder.Fail = stderrors.New("nats unavailable")

	res, err := f.engine.Approve(ctx, schoolAdmin, req.ID, "")
	require.NoError(t, err)
	assert.EqualError(t, res.NotificationErr, "nats unavailable")

	stored, err := f.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.CurrentApprovalLevel)
}

func TestTransition_ApprovableFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, 7, teacher)
	f.surveys.FailStatus = stderrors.New("survey store down")

	_, err := f.engine.Approve(ctx, superAdmin, req.ID, "")
	assert.EqualError(t, err, "survey store down")

	stored, err := f.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, stored.CurrentStatus)
	assert.Equal(t, 1, stored.CurrentApprovalLevel)
	assert.Nil(t, stored.CompletedAt)
	assert.Empty(t, f.actions(t, req.ID))
}

func TestUpdateApprovableData_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, 7, teacher)

	_, err := f.engine.UpdateApprovableData(ctx, otherSchool, req.Ref(), map[string]any{"q1": "x"})
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))

	action, err := f.engine.UpdateApprovableData(ctx, schoolAdmin, req.Ref(), map[string]any{"q1": "corrected"})
	require.NoError(t, err)
	assert.Equal(t, 1, action.ApprovalLevel)
	assert.Equal(t, schoolAdmin.UserID, action.ApproverID)

	stored, err := f.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, stored.CurrentStatus)

	_, err = f.engine.UpdateApprovableData(ctx, teacher, req.Ref(), nil)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

// createFailingStore fails every insert with err.
type createFailingStore struct {
	*memory.Store
	err error
}

func (s createFailingStore) CreateRequest(context.Context, *repository.ApprovalRequest) error {
	return s.err
}

func TestCreateRequest_InsertFailureLeavesApprovableEditable(t *testing.T) {
	testCases := []struct {
		description  string
		insertErr    error
		expectStatus approvable.Status
	}{
		{description: "store failure reverts the mark", insertErr: stderrors.New("connection reset"), expectStatus: approvable.StatusDraft},
		{description: "lost race keeps the winner's mark", insertErr: errors.Duplicate("approval_request", "survey_response:9"), expectStatus: approvable.StatusSubmitted},
	}
	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			f := newFixture(t)
			f.engine.requests = createFailingStore{Store: f.store, err: tc.insertErr}
			f.surveys.Put(approvable.Record{ID: 9, InstitutionID: 1000, OwnerID: teacher.UserID, Status: approvable.StatusDraft})

			_, err := f.engine.CreateRequest(context.Background(), teacher, CreateRequestInput{
				Ref: approvable.Ref{Type: approvable.TypeSurveyResponse, ID: 9},
			})
			assert.ErrorIs(t, err, tc.insertErr)
			assert.Equal(t, tc.expectStatus, f.record(t, 9).Status)
			assert.Empty(t, f.recorder.Events())
		})
	}
}

func TestCreateRequest_KeepsDeadline(t *testing.T) {
	f := newFixture(t)
	deadline := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	f.surveys.Put(approvable.Record{ID: 9, InstitutionID: 1000, OwnerID: teacher.UserID})
	res, err := f.engine.CreateRequest(context.Background(), teacher, CreateRequestInput{
		Ref:      approvable.Ref{Type: approvable.TypeSurveyResponse, ID: 9},
		Deadline: &deadline,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Request.Deadline)
	assert.True(t, deadline.Equal(*res.Request.Deadline))
}
