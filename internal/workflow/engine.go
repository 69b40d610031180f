// Package workflow runs the approval state machine for form submissions: it
// activates steps as their dependencies are satisfied, resolves assignees and
// applies approve, reject and delegate actions.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	apperrors "workflow-notifications/internal/common/errors"
	"workflow-notifications/internal/common/logger"
	"workflow-notifications/internal/common/observability"
	"workflow-notifications/internal/directory"
	"workflow-notifications/internal/models"
)

// Events receives state changes after they are persisted. Implementations must not
// fail the workflow operation that raised them.
type Events interface {
	OnStepAssigned(ctx context.Context, sub *models.FormSubmission, step *models.WorkflowStep, p *models.StepProgress)
	OnStepCompleted(ctx context.Context, sub *models.FormSubmission, step *models.WorkflowStep, p *models.StepProgress)
	OnWorkflowApproved(ctx context.Context, sub *models.FormSubmission)
	OnWorkflowRejected(ctx context.Context, sub *models.FormSubmission, step *models.WorkflowStep, p *models.StepProgress)
}

// State is the progress of one submission through its workflow.
type State struct {
	SubmissionID int64                  `json:"submissionId"`
	WorkflowID   int64                  `json:"workflowId"`
	Status       string                 `json:"status"`
	Steps        []*models.StepProgress `json:"steps"`
}

type Options struct {
	Store         Store
	Directory     directory.Directory
	Events        Events
	Observability *observability.Observability
	Logger        logger.Logger
	Now           func() time.Time
}

type Engine struct {
	store    Store
	dir      directory.Directory
	resolver *Resolver
	events   Events
	obs      *observability.Observability
	log      logger.Logger
	now      func() time.Time
	locks    submissionLocks
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		store:    opts.Store,
		dir:      opts.Directory,
		resolver: NewResolver(opts.Directory),
		events:   opts.Events,
		obs:      opts.Observability,
		log:      opts.Logger,
		now:      opts.Now,
	}
	if e.events == nil {
		e.events = nopEvents{}
	}
	if e.log == nil {
		e.log = logger.NewNoOpLogger()
	}
	e.log = e.log.Component("workflow")
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

// SetEvents attaches the event sink after construction.
func (e *Engine) SetEvents(events Events) {
	if events == nil {
		events = nopEvents{}
	}
	e.events = events
}

type nopEvents struct{}

func (nopEvents) OnStepAssigned(context.Context, *models.FormSubmission, *models.WorkflowStep, *models.StepProgress) {
}
func (nopEvents) OnStepCompleted(context.Context, *models.FormSubmission, *models.WorkflowStep, *models.StepProgress) {
}
func (nopEvents) OnWorkflowApproved(context.Context, *models.FormSubmission) {}
func (nopEvents) OnWorkflowRejected(context.Context, *models.FormSubmission, *models.WorkflowStep, *models.StepProgress) {
}

// transition collects what one operation changed so it can be persisted once and
// announced afterwards.
type transition struct {
	changed   map[int64]*models.StepProgress
	assigned  []*models.StepProgress
	completed *models.StepProgress
	outcome   string
}

func newTransition() *transition {
	return &transition{changed: make(map[int64]*models.StepProgress)}
}

func (t *transition) touch(p *models.StepProgress) {
	t.changed[p.ID] = p
}

func (t *transition) rows() []*models.StepProgress {
	out := make([]*models.StepProgress, 0, len(t.changed))
	for _, p := range t.changed {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) loadSubmission(ctx context.Context, submissionID int64) (*models.FormSubmission, error) {
	sub, err := e.dir.GetSubmission(ctx, submissionID)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, apperrors.NewInvalidRequestError(fmt.Sprintf("submission %d does not exist", submissionID))
	}
	if err != nil {
		return nil, err
	}
	if sub.WorkflowID == nil {
		return nil, apperrors.NewInvalidRequestError(fmt.Sprintf("submission %d has no workflow", submissionID))
	}
	return sub, nil
}

// StartWorkflow creates the progress rows for a submission and activates the first
// steps. Calling it again for a started submission returns the current state.
func (e *Engine) StartWorkflow(ctx context.Context, submissionID int64) (*State, error) {
	unlock, err := e.lockSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sub, err := e.loadSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	existing, err := e.store.ListProgress(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return e.state(sub, existing), nil
	}

	def, err := e.store.GetDefinition(ctx, *sub.WorkflowID)
	if err != nil {
		return nil, err
	}
	if !def.IsActive {
		return nil, apperrors.NewInvalidRequestError(fmt.Sprintf("workflow %d is not active", def.ID))
	}
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}

	rows := make([]*models.StepProgress, 0, len(def.Steps))
	for _, step := range def.Steps {
		rows = append(rows, &models.StepProgress{SubmissionID: submissionID, StepID: step.ID, Status: models.StepPending})
	}
	if err := e.store.CreateProgress(ctx, rows); err != nil {
		return nil, err
	}

	t := newTransition()
	if err := e.advance(ctx, def, sub, rows, t); err != nil {
		return nil, err
	}
	status := SubmissionInApproval
	if t.outcome != "" {
		status = t.outcome
	}
	if err := e.persist(ctx, sub, t, status); err != nil {
		return nil, err
	}

	e.log.Info("workflow started", map[string]interface{}{
		"submissionId": submissionID,
		"workflowId":   def.ID,
		"steps":        len(rows),
		"activated":    len(t.assigned),
	})
	e.announce(ctx, def, sub, t)
	return e.state(sub, rows), nil
}

// GetState returns the submission's progress rows.
func (e *Engine) GetState(ctx context.Context, submissionID int64) (*State, error) {
	sub, err := e.loadSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	rows, err := e.store.ListProgress(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	return e.state(sub, rows), nil
}

func (e *Engine) state(sub *models.FormSubmission, rows []*models.StepProgress) *State {
	s := &State{SubmissionID: sub.ID, WorkflowID: *sub.WorkflowID, Status: SubmissionInApproval, Steps: rows}
	if outcome, done := completion(rows); done {
		s.Status = outcome
	}
	return s
}

// ApplyAction records an approve, reject or request-changes decision on an active step.
// Actions on one submission are serialized and each sees the rows left by the last.
func (e *Engine) ApplyAction(ctx context.Context, req models.ActionRequest) (*State, error) {
	actionName := canonicalAction(req.Action)
	if strings.EqualFold(actionName, models.ActionDelegate) {
		return nil, apperrors.NewInvalidRequestError("delegation needs a target user; use Delegate")
	}

	unlock, err := e.lockSubmission(ctx, req.SubmissionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sub, def, rows, p, step, err := e.loadStep(ctx, req.SubmissionID, req.StepID)
	if err != nil {
		return nil, err
	}
	if !p.Active() {
		return nil, apperrors.NewInvalidTransitionError(string(p.Status), actionName)
	}
	if p.AssignedUserID != nil && *p.AssignedUserID != req.UserID {
		return nil, apperrors.NewInvalidAssigneeError(fmt.Sprintf("user %d is not assigned to step %d", req.UserID, step.ID))
	}
	if !step.Allows(actionName) {
		return nil, apperrors.NewActionNotAllowedError(actionName, step.ID)
	}

	action, err := e.action(ctx, actionName)
	if err != nil {
		return nil, err
	}
	if action.RequiresSignature && !req.Signature.Complete() {
		return nil, apperrors.NewSignatureRequiredError(actionName)
	}
	if action.RequiresComment && strings.TrimSpace(req.Comments) == "" {
		return nil, apperrors.NewCommentRequiredError(actionName)
	}
	if !action.ResultStatus.Terminal() {
		return nil, apperrors.NewInvalidTransitionError(string(p.Status), string(action.ResultStatus))
	}

	now := e.now()
	actor := req.UserID
	p.Status = action.ResultStatus
	p.ActionBy = &actor
	p.ActionDate = &now
	p.Comments = strings.TrimSpace(req.Comments)
	if req.Signature != nil {
		p.SignatureData = req.Signature.Payload
		ts := req.Signature.Timestamp
		p.SignatureTimestamp = &ts
		p.SignatureIP = req.Signature.IPAddress
	}

	t := newTransition()
	t.touch(p)
	t.completed = p

	if p.Status == models.StepRejected {
		for _, other := range rows {
			if other.ID != p.ID && (other.Status == models.StepPending || other.Status == models.StepDelegated) {
				other.Status = models.StepCancelled
				other.ActionDate = &now
				t.touch(other)
			}
		}
		t.outcome = SubmissionRejected
	} else if err := e.advance(ctx, def, sub, rows, t); err != nil {
		return nil, err
	}

	if err := e.persist(ctx, sub, t, ""); err != nil {
		return nil, err
	}
	e.obs.RecordStepAction(ctx, actionName, string(p.Status))
	e.log.Info("workflow step actioned", map[string]interface{}{
		"submissionId": sub.ID,
		"stepId":       step.ID,
		"action":       actionName,
		"status":       p.Status,
		"userId":       req.UserID,
	})

	e.announce(ctx, def, sub, t)
	return e.state(sub, rows), nil
}

// Delegate hands an active step to another active user. The step stays pending and
// the previous assignee is appended to the delegation chain.
func (e *Engine) Delegate(ctx context.Context, req models.DelegateRequest) (*models.StepProgress, error) {
	unlock, err := e.lockSubmission(ctx, req.SubmissionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sub, def, _, p, step, err := e.loadStep(ctx, req.SubmissionID, req.StepID)
	if err != nil {
		return nil, err
	}
	if !p.Active() {
		return nil, apperrors.NewInvalidTransitionError(string(p.Status), models.ActionDelegate)
	}
	if p.AssignedUserID == nil || *p.AssignedUserID != req.FromUserID {
		return nil, apperrors.NewInvalidAssigneeError(fmt.Sprintf("user %d is not assigned to step %d", req.FromUserID, step.ID))
	}
	if !step.Allows(models.ActionDelegate) {
		return nil, apperrors.NewActionNotAllowedError(models.ActionDelegate, step.ID)
	}
	action, err := e.action(ctx, models.ActionDelegate)
	if err != nil {
		return nil, err
	}
	if action.RequiresComment && strings.TrimSpace(req.Reason) == "" {
		return nil, apperrors.NewCommentRequiredError(models.ActionDelegate)
	}
	if req.ToUserID == req.FromUserID {
		return nil, apperrors.NewInvalidAssigneeError("cannot delegate a step to its current assignee")
	}
	if _, err := e.resolver.activeUser(ctx, req.ToUserID); err != nil {
		return nil, err
	}

	now := e.now()
	from, to := req.FromUserID, req.ToUserID
	p.DelegationChain = append(p.DelegationChain, from)
	p.DelegatedBy = &from
	p.DelegationReason = strings.TrimSpace(req.Reason)
	p.AssignedUserID = &to
	p.AssignedDate = &now
	p.Status = models.StepPending
	p.LastReminderAt = nil

	t := newTransition()
	t.touch(p)
	t.assigned = append(t.assigned, p)
	if err := e.persist(ctx, sub, t, ""); err != nil {
		return nil, err
	}
	e.obs.RecordStepAction(ctx, models.ActionDelegate, string(p.Status))
	e.log.Info("workflow step delegated", map[string]interface{}{
		"submissionId": sub.ID,
		"stepId":       step.ID,
		"from":         from,
		"to":           to,
	})

	e.announce(ctx, def, sub, t)
	return p, nil
}

func (e *Engine) loadStep(ctx context.Context, submissionID, stepID int64) (*models.FormSubmission, *models.WorkflowDefinition, []*models.StepProgress, *models.StepProgress, *models.WorkflowStep, error) {
	sub, err := e.loadSubmission(ctx, submissionID)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	def, err := e.store.GetDefinition(ctx, *sub.WorkflowID)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	rows, err := e.store.ListProgress(ctx, submissionID)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	step, ok := def.Step(stepID)
	if !ok {
		return nil, nil, nil, nil, nil, apperrors.NewWorkflowStepNotFoundError(submissionID, stepID)
	}
	for _, p := range rows {
		if p.StepID == stepID {
			return sub, def, rows, p, step, nil
		}
	}
	return nil, nil, nil, nil, nil, apperrors.NewWorkflowStepNotFoundError(submissionID, stepID)
}

func canonicalAction(name string) string {
	for _, a := range []string{models.ActionApprove, models.ActionReject, models.ActionDelegate, models.ActionRequestChanges} {
		if strings.EqualFold(a, strings.TrimSpace(name)) {
			return a
		}
	}
	return strings.TrimSpace(name)
}

func (e *Engine) action(ctx context.Context, name string) (*models.WorkflowAction, error) {
	actions, err := e.store.GetActions(ctx)
	if err != nil {
		return nil, err
	}
	for k, a := range actions {
		if strings.EqualFold(k, name) {
			if a.ResultStatus == "" {
				if builtin, ok := builtinActions[name]; ok {
					a.ResultStatus = builtin.ResultStatus
				}
			}
			return a, nil
		}
	}
	if builtin, ok := builtinActions[name]; ok {
		cp := *builtin
		return &cp, nil
	}
	return nil, apperrors.NewActionNotAllowedError(name, 0)
}

// advance activates every step whose dependencies are satisfied, repeating until no
// further step changes. Conditional steps whose condition fails and steps whose
// auto-approve condition holds resolve without an assignee.
func (e *Engine) advance(ctx context.Context, def *models.WorkflowDefinition, sub *models.FormSubmission, rows []*models.StepProgress, t *transition) error {
	byStep := make(map[int64]*models.StepProgress, len(rows))
	for _, p := range rows {
		byStep[p.StepID] = p
	}

	steps := append([]models.WorkflowStep(nil), def.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })

	for progressed := true; progressed; {
		progressed = false
		for i := range steps {
			step := &steps[i]
			p := byStep[step.ID]
			if p == nil || p.Status != models.StepPending || p.AssignedDate != nil {
				continue
			}
			if !dependenciesSatisfied(def, step, byStep) {
				continue
			}

			now := e.now()
			if step.IsConditional && step.Condition != nil && !Evaluate(*step.Condition, sub.Answers) {
				autoResolve(p, now, "condition not met")
				t.touch(p)
				progressed = true
				continue
			}
			if step.AutoApproveCondition != nil && Evaluate(*step.AutoApproveCondition, sub.Answers) {
				autoResolve(p, now, "auto-approved")
				t.touch(p)
				progressed = true
				continue
			}

			userID, err := e.resolver.Resolve(ctx, step.Assignee, sub)
			if err != nil {
				if !apperrors.HasCode(err, apperrors.ErrCodeInvalidAssignee) {
					return err
				}
				e.log.Warn("step activated without an assignee", map[string]interface{}{
					"submissionId": sub.ID,
					"stepId":       step.ID,
					"assignee":     step.Assignee.String(),
					"error":        err,
				})
			} else {
				p.AssignedUserID = &userID
			}
			p.AssignedDate = &now
			if step.DueInDays > 0 {
				due := now.AddDate(0, 0, step.DueInDays)
				p.DueDate = &due
			}
			t.touch(p)
			t.assigned = append(t.assigned, p)
		}
	}

	if outcome, done := completion(rows); done {
		t.outcome = outcome
	}
	return nil
}

func autoResolve(p *models.StepProgress, now time.Time, reason string) {
	p.Status = models.StepAutoResolved
	p.ActionDate = &now
	p.Comments = reason
}

func dependenciesSatisfied(def *models.WorkflowDefinition, step *models.WorkflowStep, byStep map[int64]*models.StepProgress) bool {
	for _, dep := range Dependencies(def, step) {
		p, ok := byStep[dep]
		if !ok || !p.Status.Satisfied() {
			return false
		}
	}
	return true
}

// completion reports the submission outcome once every step is terminal.
func completion(rows []*models.StepProgress) (string, bool) {
	if len(rows) == 0 {
		return "", false
	}
	rejected := false
	for _, p := range rows {
		if !p.Status.Terminal() {
			return "", false
		}
		if p.Status == models.StepRejected {
			rejected = true
		}
	}
	if rejected {
		return SubmissionRejected, true
	}
	return SubmissionApproved, true
}

func (e *Engine) persist(ctx context.Context, sub *models.FormSubmission, t *transition, status string) error {
	if err := e.store.UpdateProgress(ctx, t.rows()...); err != nil {
		return err
	}
	if t.outcome != "" {
		status = t.outcome
	}
	if status == "" {
		return nil
	}
	if err := e.store.UpdateSubmissionStatus(ctx, sub.ID, status); err != nil {
		return err
	}
	sub.Status = status
	return nil
}

func (e *Engine) announce(ctx context.Context, def *models.WorkflowDefinition, sub *models.FormSubmission, t *transition) {
	if t.completed != nil {
		if step, ok := def.Step(t.completed.StepID); ok {
			e.events.OnStepCompleted(ctx, sub, step, t.completed)
		}
	}
	for _, p := range t.assigned {
		if p.AssignedUserID == nil {
			continue
		}
		if step, ok := def.Step(p.StepID); ok {
			e.events.OnStepAssigned(ctx, sub, step, p)
		}
	}
	switch t.outcome {
	case SubmissionApproved:
		e.events.OnWorkflowApproved(ctx, sub)
	case SubmissionRejected:
		var step *models.WorkflowStep
		if t.completed != nil {
			step, _ = def.Step(t.completed.StepID)
		}
		e.events.OnWorkflowRejected(ctx, sub, step, t.completed)
	}
}

// PendingSteps lists active steps assigned longer than pendingFor that were not
// reminded within remindEvery.
func (e *Engine) PendingSteps(ctx context.Context, pendingFor, remindEvery time.Duration, limit int) ([]*PendingStep, error) {
	now := e.now()
	return e.store.PendingActiveSteps(ctx, now.Add(-pendingFor), now.Add(-remindEvery), limit)
}

func (e *Engine) MarkReminded(ctx context.Context, progressID int64) error {
	return e.store.MarkReminded(ctx, progressID, e.now())
}
