package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	apperrors "workflow-notifications/internal/common/errors"
	"workflow-notifications/internal/common/logger"
	"workflow-notifications/internal/directory"
	"workflow-notifications/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Mock Implementations
// ==========================

type assignedEvent struct {
	stepID int64
	userID int64
}

type recordingEvents struct {
	mu        sync.Mutex
	assigned  []assignedEvent
	completed []int64
	approved  []int64
	rejected  []int64
}

func (r *recordingEvents) OnStepAssigned(_ context.Context, _ *models.FormSubmission, step *models.WorkflowStep, p *models.StepProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assigned = append(r.assigned, assignedEvent{stepID: step.ID, userID: *p.AssignedUserID})
}

func (r *recordingEvents) OnStepCompleted(_ context.Context, _ *models.FormSubmission, step *models.WorkflowStep, _ *models.StepProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, step.ID)
}

func (r *recordingEvents) OnWorkflowApproved(_ context.Context, sub *models.FormSubmission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approved = append(r.approved, sub.ID)
}

func (r *recordingEvents) OnWorkflowRejected(_ context.Context, sub *models.FormSubmission, _ *models.WorkflowStep, _ *models.StepProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, sub.ID)
}

// overlapStore widens the window between reading and writing progress rows and
// records how many reads were in flight at once.
type overlapStore struct {
	*MemoryStore
	mu       sync.Mutex
	inFlight int
	maxSeen  int
}

func (s *overlapStore) ListProgress(ctx context.Context, submissionID int64) ([]*models.StepProgress, error) {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxSeen {
		s.maxSeen = s.inFlight
	}
	s.mu.Unlock()

	rows, err := s.MemoryStore.ListProgress(ctx, submissionID)
	time.Sleep(20 * time.Millisecond)

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	return rows, err
}

func (s *overlapStore) overlapped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSeen > 1
}

// ==========================
// Fixtures
// ==========================

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

const (
	stepManager  int64 = 1
	stepFinance  int64 = 2
	stepLegal    int64 = 3
	stepDirector int64 = 4
)

func expenseWorkflow() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID: 100, Name: "Expense approval", FormID: 7, IsActive: true,
		Steps: []models.WorkflowStep{
			{
				ID: stepManager, Name: "Manager review", StepOrder: 1, Assignee: models.AssignToRole(10), DueInDays: 3,
				AllowedActions: []string{"Approve", "Reject", "Delegate"},
			},
			{
				ID: stepFinance, Name: "Finance", StepOrder: 2, IsParallel: true, IsConditional: true,
				Condition: &models.Condition{Field: "amount", Operator: "greater_than", Value: "1000"},
				Assignee:  models.AssignToDepartment(5), AllowedActions: []string{"Approve", "Reject"},
			},
			{
				ID: stepLegal, Name: "Legal", StepOrder: 2, IsParallel: true,
				Assignee: models.AssignFromFormField("legal_reviewer"), AllowedActions: []string{"Approve"},
			},
			{
				ID: stepDirector, Name: "Director sign-off", StepOrder: 3, Assignee: models.AssignToUser(5),
				AllowedActions: []string{"Sign", "Reject"},
			},
		},
	}
}

type engineFixture struct {
	engine *Engine
	store  *MemoryStore
	dir    *directory.Memory
	events *recordingEvents
	now    time.Time
}

func newEngineFixture(t *testing.T, def *models.WorkflowDefinition, answers map[string]string) *engineFixture {
	t.Helper()
	workflowID := def.ID
	f := &engineFixture{
		store:  NewMemoryStore().AddDefinition(def),
		events: &recordingEvents{},
		now:    t0,
		dir: directory.NewMemory().
			AddUser(&models.User{ID: 1, Email: "submitter@example.com", IsActive: true}).
			AddUser(&models.User{ID: 2, Email: "manager@example.com", IsActive: true}).
			AddUser(&models.User{ID: 3, Email: "finance@example.com", IsActive: true}).
			AddUser(&models.User{ID: 4, Email: "legal@example.com", IsActive: true}).
			AddUser(&models.User{ID: 5, Email: "director@example.com", IsActive: true}).
			AddUser(&models.User{ID: 6, Email: "deputy@example.com", IsActive: true}).
			AddUser(&models.User{ID: 7, Email: "former@example.com", IsActive: false}).
			AddRoleMember(10, 2).
			SetDepartmentHead(5, 3).
			AddSubmission(&models.FormSubmission{
				ID: 500, FormID: 7, FormTitle: "Travel expenses", WorkflowID: &workflowID,
				SubmittedBy: 1, SubmittedAt: t0, Status: "Submitted", Answers: answers,
			}),
	}
	f.store.AddAction(&models.WorkflowAction{Name: "Sign", RequiresSignature: true, ResultStatus: models.StepApproved})
	f.engine = NewEngine(Options{
		Store:     f.store,
		Directory: f.dir,
		Events:    f.events,
		Logger:    logger.NewTestLogger(t),
		Now:       func() time.Time { return f.now },
	})
	return f
}

func (f *engineFixture) step(t *testing.T, stepID int64) *models.StepProgress {
	t.Helper()
	rows, err := f.store.ListProgress(context.Background(), 500)
	require.NoError(t, err)
	for _, p := range rows {
		if p.StepID == stepID {
			return p
		}
	}
	t.Fatalf("no progress row for step %d", stepID)
	return nil
}

func (f *engineFixture) act(userID, stepID int64, action, comments string) error {
	_, err := f.engine.ApplyAction(context.Background(), models.ActionRequest{
		SubmissionID: 500, StepID: stepID, UserID: userID, Action: action, Comments: comments,
	})
	return err
}

func bigExpense() map[string]string {
	return map[string]string{"amount": "5000", "legal_reviewer": "legal@example.com"}
}

// ==========================
// StartWorkflow
// ==========================

func TestStartWorkflow_ActivatesFirstStep(t *testing.T) {
	f := newEngineFixture(t, expenseWorkflow(), bigExpense())

	state, err := f.engine.StartWorkflow(context.Background(), 500)
	require.NoError(t, err)
	require.Len(t, state.Steps, 4)
	assert.Equal(t, SubmissionInApproval, state.Status)
	assert.Equal(t, SubmissionInApproval, f.store.SubmissionStatus(500))

	manager := f.step(t, stepManager)
	assert.True(t, manager.Active())
	require.NotNil(t, manager.AssignedUserID)
	assert.Equal(t, int64(2), *manager.AssignedUserID)
	require.NotNil(t, manager.DueDate)
	assert.Equal(t, t0.AddDate(0, 0, 3), *manager.DueDate)

	for _, id := range []int64{stepFinance, stepLegal, stepDirector} {
		p := f.step(t, id)
		assert.Equal(t, models.StepPending, p.Status)
		assert.Nil(t, p.AssignedDate, "step %d waits on its dependencies", id)
	}
	assert.Equal(t, []assignedEvent{{stepID: stepManager, userID: 2}}, f.events.assigned)

	again, err := f.engine.StartWorkflow(context.Background(), 500)
	require.NoError(t, err)
	assert.Len(t, again.Steps, 4)
	assert.Len(t, f.events.assigned, 1, "restarting does not re-announce")
}

func TestStartWorkflow_RejectsInvalidDefinition(t *testing.T) {
	def := expenseWorkflow()
	def.Steps[2].IsParallel = false

	f := newEngineFixture(t, def, bigExpense())
	_, err := f.engine.StartWorkflow(context.Background(), 500)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidRequest))
}

// ==========================
// ApplyAction
// ==========================

func TestApplyAction_FullApprovalPath(t *testing.T) {
	f := newEngineFixture(t, expenseWorkflow(), bigExpense())
	ctx := context.Background()
	_, err := f.engine.StartWorkflow(ctx, 500)
	require.NoError(t, err)

	f.now = t0.Add(time.Hour)
	require.NoError(t, f.act(2, stepManager, "approve", "looks fine"))

	manager := f.step(t, stepManager)
	assert.Equal(t, models.StepApproved, manager.Status)
	assert.Equal(t, int64(2), *manager.ActionBy)
	assert.Equal(t, "looks fine", manager.Comments)

	finance, legal := f.step(t, stepFinance), f.step(t, stepLegal)
	require.True(t, finance.Active())
	require.True(t, legal.Active())
	assert.Equal(t, int64(3), *finance.AssignedUserID, "department head")
	assert.Equal(t, int64(4), *legal.AssignedUserID, "user named in the form field")
	assert.Nil(t, f.step(t, stepDirector).AssignedDate)

	require.NoError(t, f.act(3, stepFinance, "Approve", ""))
	assert.Nil(t, f.step(t, stepDirector).AssignedDate, "parallel sibling still pending")
	require.NoError(t, f.act(4, stepLegal, "Approve", ""))
	assert.Equal(t, int64(5), *f.step(t, stepDirector).AssignedUserID)

	err = f.act(5, stepDirector, "Sign", "")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSignatureRequired))

	state, err := f.engine.ApplyAction(ctx, models.ActionRequest{
		SubmissionID: 500, StepID: stepDirector, UserID: 5, Action: "Sign",
		Signature: &models.Signature{Payload: "sig-bytes", Timestamp: t0.Add(2 * time.Hour), IPAddress: "10.0.0.9"},
	})
	require.NoError(t, err)
	assert.Equal(t, SubmissionApproved, state.Status)
	assert.Equal(t, SubmissionApproved, f.store.SubmissionStatus(500))

	director := f.step(t, stepDirector)
	assert.Equal(t, models.StepApproved, director.Status)
	assert.Equal(t, "sig-bytes", director.SignatureData)
	assert.Equal(t, "10.0.0.9", director.SignatureIP)

	assert.Equal(t, []int64{500}, f.events.approved)
	assert.Equal(t, []int64{stepManager, stepFinance, stepLegal, stepDirector}, f.events.completed)
	assert.Len(t, f.events.assigned, 4)
}

func TestApplyAction_ConditionalStepAutoResolves(t *testing.T) {
	f := newEngineFixture(t, expenseWorkflow(), map[string]string{"amount": "250", "legal_reviewer": "4"})
	_, err := f.engine.StartWorkflow(context.Background(), 500)
	require.NoError(t, err)

	require.NoError(t, f.act(2, stepManager, "Approve", ""))

	finance := f.step(t, stepFinance)
	assert.Equal(t, models.StepAutoResolved, finance.Status)
	assert.Nil(t, finance.AssignedUserID)
	assert.Equal(t, int64(4), *f.step(t, stepLegal).AssignedUserID)

	require.NoError(t, f.act(4, stepLegal, "Approve", ""))
	assert.True(t, f.step(t, stepDirector).Active())
}

func TestApplyAction_AutoApproveCondition(t *testing.T) {
	def := expenseWorkflow()
	def.Steps[0].AutoApproveCondition = &models.Condition{Field: "amount", Operator: "<", Value: "50"}
	def.Steps = def.Steps[:1]

	f := newEngineFixture(t, def, map[string]string{"amount": "20"})
	state, err := f.engine.StartWorkflow(context.Background(), 500)
	require.NoError(t, err)

	assert.Equal(t, models.StepAutoResolved, f.step(t, stepManager).Status)
	assert.Equal(t, SubmissionApproved, state.Status)
	assert.Equal(t, []int64{500}, f.events.approved)
	assert.Empty(t, f.events.assigned)
}

func TestApplyAction_RejectCancelsRemainingSteps(t *testing.T) {
	f := newEngineFixture(t, expenseWorkflow(), bigExpense())
	_, err := f.engine.StartWorkflow(context.Background(), 500)
	require.NoError(t, err)

	err = f.act(2, stepManager, "Reject", "")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCommentRequired))

	require.NoError(t, f.act(2, stepManager, "reject", "missing receipts"))

	assert.Equal(t, models.StepRejected, f.step(t, stepManager).Status)
	for _, id := range []int64{stepFinance, stepLegal, stepDirector} {
		assert.Equal(t, models.StepCancelled, f.step(t, id).Status)
	}
	assert.Equal(t, SubmissionRejected, f.store.SubmissionStatus(500))
	assert.Equal(t, []int64{500}, f.events.rejected)
	assert.Empty(t, f.events.approved)

	err = f.act(2, stepManager, "Approve", "")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition))
}

func TestApplyAction_Guards(t *testing.T) {
	f := newEngineFixture(t, expenseWorkflow(), bigExpense())
	_, err := f.engine.StartWorkflow(context.Background(), 500)
	require.NoError(t, err)

	tests := []struct {
		name   string
		userID int64
		stepID int64
		action string
		code   apperrors.ErrorCode
	}{
		{name: "not the assignee", userID: 3, stepID: stepManager, action: "Approve", code: apperrors.ErrCodeInvalidAssignee},
		{name: "action not allowed", userID: 2, stepID: stepManager, action: "Sign", code: apperrors.ErrCodeActionNotAllowed},
		{name: "step not active yet", userID: 5, stepID: stepDirector, action: "Sign", code: apperrors.ErrCodeInvalidTransition},
		{name: "unknown step", userID: 2, stepID: 99, action: "Approve", code: apperrors.ErrCodeWorkflowStepNotFound},
		{name: "delegate through action", userID: 2, stepID: stepManager, action: "Delegate", code: apperrors.ErrCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.act(tt.userID, tt.stepID, tt.action, "comment")
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.CodeOf(err))
		})
	}
	assert.True(t, f.step(t, stepManager).Active(), "failed actions leave the step untouched")
}

func TestApplyAction_UnresolvableAssigneeStillActivates(t *testing.T) {
	def := expenseWorkflow()
	def.Steps[0].Assignee = models.AssignToRole(99)
	def.Steps = def.Steps[:1]

	f := newEngineFixture(t, def, nil)
	_, err := f.engine.StartWorkflow(context.Background(), 500)
	require.NoError(t, err)

	p := f.step(t, stepManager)
	assert.True(t, p.Active())
	assert.Nil(t, p.AssignedUserID)
	assert.Empty(t, f.events.assigned)

	require.NoError(t, f.act(6, stepManager, "Approve", ""))
	assert.Equal(t, SubmissionApproved, f.store.SubmissionStatus(500))
}

// ==========================
// Concurrent actions
// ==========================

// slowReads swaps the fixture engine for one whose progress reads overlap easily.
func (f *engineFixture) slowReads(t *testing.T) *overlapStore {
	t.Helper()
	store := &overlapStore{MemoryStore: f.store}
	f.engine = NewEngine(Options{
		Store:     store,
		Directory: f.dir,
		Events:    f.events,
		Logger:    logger.NewTestLogger(t),
		Now:       func() time.Time { return f.now },
	})
	return store
}

func runConcurrently(fns ...func() error) []error {
	errs := make([]error, len(fns))
	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		go func(i int, fn func() error) {
			defer wg.Done()
			errs[i] = fn()
		}(i, fn)
	}
	wg.Wait()
	return errs
}

func TestApplyAction_ConcurrentParallelApprovalsActivateNextStep(t *testing.T) {
	f := newEngineFixture(t, expenseWorkflow(), bigExpense())
	_, err := f.engine.StartWorkflow(context.Background(), 500)
	require.NoError(t, err)
	require.NoError(t, f.act(2, stepManager, "Approve", ""))
	store := f.slowReads(t)

	errs := runConcurrently(
		func() error { return f.act(3, stepFinance, "Approve", "") },
		func() error { return f.act(4, stepLegal, "Approve", "") },
	)
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.False(t, store.overlapped(), "actions on one submission read progress one at a time")

	assert.Equal(t, models.StepApproved, f.step(t, stepFinance).Status)
	assert.Equal(t, models.StepApproved, f.step(t, stepLegal).Status)
	director := f.step(t, stepDirector)
	require.True(t, director.Active())
	require.NotNil(t, director.AssignedUserID)
	assert.Equal(t, int64(5), *director.AssignedUserID)

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	assert.Contains(t, f.events.assigned, assignedEvent{stepID: stepDirector, userID: 5})
}

func TestApplyAction_DuplicateConcurrentApprovalSucceedsOnce(t *testing.T) {
	f := newEngineFixture(t, expenseWorkflow(), bigExpense())
	_, err := f.engine.StartWorkflow(context.Background(), 500)
	require.NoError(t, err)
	f.slowReads(t)

	errs := runConcurrently(
		func() error { return f.act(2, stepManager, "Approve", "") },
		func() error { return f.act(2, stepManager, "Approve", "") },
	)

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition), "got %v", err)
	}
	assert.Equal(t, 1, succeeded)

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	assert.Equal(t, []int64{stepManager}, f.events.completed)
}

func TestApplyAction_LockHonoursContext(t *testing.T) {
	f := newEngineFixture(t, expenseWorkflow(), bigExpense())
	_, err := f.engine.StartWorkflow(context.Background(), 500)
	require.NoError(t, err)

	unlock, err := f.engine.lockSubmission(context.Background(), 500)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.engine.ApplyAction(ctx, models.ActionRequest{SubmissionID: 500, StepID: stepManager, UserID: 2, Action: "Approve"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, models.StepPending, f.step(t, stepManager).Status)
}

// ==========================
// Delegate
// ==========================

func TestDelegate_ReassignsAndKeepsPending(t *testing.T) {
	f := newEngineFixture(t, expenseWorkflow(), bigExpense())
	ctx := context.Background()
	_, err := f.engine.StartWorkflow(ctx, 500)
	require.NoError(t, err)

	f.now = t0.Add(30 * time.Minute)
	p, err := f.engine.Delegate(ctx, models.DelegateRequest{
		SubmissionID: 500, StepID: stepManager, FromUserID: 2, ToUserID: 6, Reason: "on leave",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StepPending, p.Status)
	assert.Equal(t, int64(6), *p.AssignedUserID)
	assert.Equal(t, int64(2), *p.DelegatedBy)
	assert.Equal(t, "on leave", p.DelegationReason)
	assert.Equal(t, []int64{2}, p.DelegationChain)
	assert.Equal(t, f.now, *p.AssignedDate)
	assert.Equal(t, assignedEvent{stepID: stepManager, userID: 6}, f.events.assigned[len(f.events.assigned)-1])

	err = f.act(2, stepManager, "Approve", "")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidAssignee))
	require.NoError(t, f.act(6, stepManager, "Approve", ""))
}

func TestDelegate_Guards(t *testing.T) {
	f := newEngineFixture(t, expenseWorkflow(), bigExpense())
	ctx := context.Background()
	_, err := f.engine.StartWorkflow(ctx, 500)
	require.NoError(t, err)

	_, err = f.engine.Delegate(ctx, models.DelegateRequest{SubmissionID: 500, StepID: stepManager, FromUserID: 3, ToUserID: 6})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidAssignee), "only the assignee may delegate")

	_, err = f.engine.Delegate(ctx, models.DelegateRequest{SubmissionID: 500, StepID: stepManager, FromUserID: 2, ToUserID: 7})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidAssignee), "inactive target")

	_, err = f.engine.Delegate(ctx, models.DelegateRequest{SubmissionID: 500, StepID: stepManager, FromUserID: 2, ToUserID: 2})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidAssignee))

	require.NoError(t, f.act(2, stepManager, "Approve", ""))
	_, err = f.engine.Delegate(ctx, models.DelegateRequest{SubmissionID: 500, StepID: stepFinance, FromUserID: 3, ToUserID: 6})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeActionNotAllowed))
}

// ==========================
// Pending steps
// ==========================

func TestPendingSteps_ThrottlesReminders(t *testing.T) {
	f := newEngineFixture(t, expenseWorkflow(), bigExpense())
	ctx := context.Background()
	_, err := f.engine.StartWorkflow(ctx, 500)
	require.NoError(t, err)

	pending, err := f.engine.PendingSteps(ctx, 24*time.Hour, 24*time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "assigned too recently")

	f.now = t0.Add(25 * time.Hour)
	pending, err = f.engine.PendingSteps(ctx, 24*time.Hour, 24*time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Manager review", pending[0].StepName)

	require.NoError(t, f.engine.MarkReminded(ctx, pending[0].Progress.ID))
	f.now = t0.Add(26 * time.Hour)
	pending, err = f.engine.PendingSteps(ctx, 24*time.Hour, 24*time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "reminded within the last day")
}
