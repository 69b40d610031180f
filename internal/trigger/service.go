// Package trigger turns domain events into notifications. Every trigger is
// isolated: failures and panics are logged and recorded, never returned to the
// code that raised the event.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	apperrors "workflow-notifications/internal/common/errors"
	"workflow-notifications/internal/common/logger"
	"workflow-notifications/internal/common/observability"
	"workflow-notifications/internal/directory"
	"workflow-notifications/internal/models"
	"workflow-notifications/internal/workflow"
)

// Template codes used by the triggers.
const (
	TemplateAssignmentCreated = "ASSIGNMENT_CREATED"
	TemplateDeadlineReminder  = "DEADLINE_REMINDER"
	TemplateOverdueAlert      = "OVERDUE_ALERT"
	TemplateFormSubmitted     = "FORM_SUBMITTED"
	TemplateFormApproved      = "FORM_APPROVED"
	TemplateFormRejected      = "FORM_REJECTED"
	TemplateStepAssigned      = "WORKFLOW_STEP_ASSIGNED"
	TemplateStepCompleted     = "WORKFLOW_STEP_COMPLETED"
	TemplatePendingApproval   = "PENDING_APPROVAL_REMINDER"
)

// Event names recorded with each trigger outcome.
const (
	EventAssignmentCreated       = "assignment_created"
	EventDeadlineReminder        = "deadline_reminder"
	EventOverdueAlert            = "overdue_alert"
	EventFormSubmitted           = "form_submitted"
	EventFormApproved            = "form_approved"
	EventFormRejected            = "form_rejected"
	EventWorkflowStepAssigned    = "workflow_step_assigned"
	EventStepCompleted           = "step_completed"
	EventPendingApprovalReminder = "pending_approval_reminder"
)

const (
	sourceAssignment = "Assignment"
	sourceSubmission = "FormSubmission"
	dateLayout       = "2006-01-02 15:04 MST"
)

type Creator interface {
	CreateNotification(ctx context.Context, req models.CreateNotificationRequest) (*models.Notification, error)
}

// PendingSource lists active workflow steps that are waiting too long.
type PendingSource interface {
	PendingSteps(ctx context.Context, pendingFor, remindEvery time.Duration, limit int) ([]*workflow.PendingStep, error)
	MarkReminded(ctx context.Context, progressID int64) error
}

type Options struct {
	Notifications Creator
	Directory     directory.Directory
	Pending       PendingSource
	Observability *observability.Observability
	Logger        logger.Logger
	// NotifyEscalationRoles adds members of a step's escalation role to pending-approval reminders.
	NotifyEscalationRoles bool
	// ReminderInterval is the minimum gap between two reminders for the same step. Defaults to 24h.
	ReminderInterval time.Duration
	// BatchLimit caps how many pending steps one sweep reminds. Defaults to 500.
	BatchLimit int
	Now        func() time.Time
}

type Service struct {
	notifications  Creator
	dir            directory.Directory
	pending        PendingSource
	obs            *observability.Observability
	log            logger.Logger
	escalate       bool
	remindInterval time.Duration
	batchLimit     int
	now            func() time.Time
}

var _ workflow.Events = (*Service)(nil)

func NewService(opts Options) *Service {
	s := &Service{
		notifications:  opts.Notifications,
		dir:            opts.Directory,
		pending:        opts.Pending,
		obs:            opts.Observability,
		log:            opts.Logger,
		escalate:       opts.NotifyEscalationRoles,
		remindInterval: opts.ReminderInterval,
		batchLimit:     opts.BatchLimit,
		now:            opts.Now,
	}
	if s.log == nil {
		s.log = logger.NewNoOpLogger()
	}
	s.log = s.log.Component("trigger")
	if s.remindInterval <= 0 {
		s.remindInterval = 24 * time.Hour
	}
	if s.batchLimit <= 0 {
		s.batchLimit = 500
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// errSkip tells fire that the event needs no notification.
var errSkip = errors.New("nothing to notify")

// errMissingRows marks a workflow event raised without the rows it describes.
var errMissingRows = errors.New("workflow event is missing its submission or step")

// fire builds and creates one notification, absorbing every failure. It returns
// the new notification id, or "" when nothing was created.
func (s *Service) fire(ctx context.Context, event string, fields map[string]interface{}, build func(ctx context.Context) (models.CreateNotificationRequest, error)) (id string) {
	start := time.Now()
	outcome := "created"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			id = ""
			s.log.Error("trigger panicked", merge(fields, map[string]interface{}{
				"event": event,
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}))
		}
		s.obs.RecordTrigger(ctx, event, outcome, time.Since(start))
	}()

	req, err := build(ctx)
	if errors.Is(err, errSkip) {
		outcome = "skipped"
		s.log.Debug("trigger skipped", merge(fields, map[string]interface{}{"event": event}))
		return ""
	}
	if err != nil {
		outcome = "failed"
		s.log.Warn("trigger could not load its context", merge(fields, map[string]interface{}{
			"event": event,
			"error": err.Error(),
		}))
		return ""
	}

	n, err := s.notifications.CreateNotification(ctx, req)
	if err != nil {
		outcome = "failed"
		s.log.Error("trigger failed to create notification", merge(fields, map[string]interface{}{
			"event":        event,
			"templateCode": req.TemplateCode,
			"code":         string(apperrors.CodeOf(err)),
			"error":        err.Error(),
		}))
		return ""
	}
	s.log.Debug("trigger created notification", merge(fields, map[string]interface{}{
		"event":          event,
		"notificationId": n.ID,
		"recipients":     len(req.RecipientUserIDs),
	}))
	return n.ID
}

func stepFields(sub *models.FormSubmission, step *models.WorkflowStep) map[string]interface{} {
	fields := map[string]interface{}{}
	if sub != nil {
		fields["submissionId"] = sub.ID
	}
	if step != nil {
		fields["stepId"] = step.ID
	}
	return fields
}

func merge(a, b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// ==========================
// Assignment triggers
// ==========================

// AssignmentCreated tells the assignee about a new assignment.
func (s *Service) AssignmentCreated(ctx context.Context, assignmentID int64) string {
	return s.fire(ctx, EventAssignmentCreated, map[string]interface{}{"assignmentId": assignmentID},
		func(ctx context.Context) (models.CreateNotificationRequest, error) {
			a, err := s.dir.GetAssignment(ctx, assignmentID)
			if err != nil {
				return models.CreateNotificationRequest{}, err
			}
			data := s.assignmentData(ctx, a)
			data["AssignedBy"] = s.userName(ctx, a.AssignedByUserID)
			return assignmentRequest(TemplateAssignmentCreated, a, data, a.AssignedToUserID), nil
		})
}

// DeadlineReminder reminds the assignee that an assignment is due soon.
func (s *Service) DeadlineReminder(ctx context.Context, assignmentID int64) string {
	return s.fire(ctx, EventDeadlineReminder, map[string]interface{}{"assignmentId": assignmentID},
		func(ctx context.Context) (models.CreateNotificationRequest, error) {
			a, err := s.dir.GetAssignment(ctx, assignmentID)
			if err != nil {
				return models.CreateNotificationRequest{}, err
			}
			data := s.assignmentData(ctx, a)
			data["HoursRemaining"] = strconv.Itoa(hoursUntil(s.now(), a.DueDate))
			return assignmentRequest(TemplateDeadlineReminder, a, data, a.AssignedToUserID), nil
		})
}

// OverdueAlert tells the assignee and whoever assigned the work that it is overdue.
func (s *Service) OverdueAlert(ctx context.Context, assignmentID int64) string {
	return s.fire(ctx, EventOverdueAlert, map[string]interface{}{"assignmentId": assignmentID},
		func(ctx context.Context) (models.CreateNotificationRequest, error) {
			a, err := s.dir.GetAssignment(ctx, assignmentID)
			if err != nil {
				return models.CreateNotificationRequest{}, err
			}
			data := s.assignmentData(ctx, a)
			data["DaysOverdue"] = strconv.Itoa(daysSince(a.DueDate, s.now()))

			recipients := []int64{a.AssignedToUserID}
			if a.AssignedByUserID != 0 {
				recipients = append(recipients, a.AssignedByUserID)
			}
			req := assignmentRequest(TemplateOverdueAlert, a, data, recipients...)
			high := models.PriorityHigh
			req.CustomPriority = &high
			return req, nil
		})
}

func (s *Service) assignmentData(ctx context.Context, a *models.Assignment) map[string]string {
	return map[string]string{
		"AssignmentTitle": a.Title,
		"FormTitle":       a.FormTitle,
		"DueDate":         formatDate(a.DueDate),
		"AssigneeName":    s.userName(ctx, a.AssignedToUserID),
		"AssignmentId":    strconv.FormatInt(a.ID, 10),
	}
}

func assignmentRequest(code string, a *models.Assignment, data map[string]string, recipients ...int64) models.CreateNotificationRequest {
	return models.CreateNotificationRequest{
		TemplateCode:     code,
		RecipientUserIDs: recipients,
		PlaceholderData:  data,
		SourceEntityType: sourceAssignment,
		SourceEntityID:   a.ID,
	}
}

// ==========================
// Submission triggers
// ==========================

// FormSubmitted confirms a submission to its author and tells the assigner, if any.
func (s *Service) FormSubmitted(ctx context.Context, submissionID int64) string {
	return s.fire(ctx, EventFormSubmitted, map[string]interface{}{"submissionId": submissionID},
		func(ctx context.Context) (models.CreateNotificationRequest, error) {
			sub, err := s.dir.GetSubmission(ctx, submissionID)
			if err != nil {
				return models.CreateNotificationRequest{}, err
			}
			recipients := []int64{sub.SubmittedBy}
			if sub.AssignmentID != nil {
				a, err := s.dir.GetAssignment(ctx, *sub.AssignmentID)
				if err != nil && !errors.Is(err, directory.ErrNotFound) {
					return models.CreateNotificationRequest{}, err
				}
				if a != nil && a.AssignedByUserID != 0 {
					recipients = append(recipients, a.AssignedByUserID)
				}
			}
			return s.submissionRequest(ctx, TemplateFormSubmitted, sub, nil, recipients...), nil
		})
}

// FormApproved tells the submitter their submission was approved.
func (s *Service) FormApproved(ctx context.Context, submissionID int64) string {
	return s.fire(ctx, EventFormApproved, map[string]interface{}{"submissionId": submissionID},
		func(ctx context.Context) (models.CreateNotificationRequest, error) {
			sub, err := s.dir.GetSubmission(ctx, submissionID)
			if err != nil {
				return models.CreateNotificationRequest{}, err
			}
			return s.submissionRequest(ctx, TemplateFormApproved, sub, nil, sub.SubmittedBy), nil
		})
}

// FormRejected tells the submitter their submission was rejected and why.
func (s *Service) FormRejected(ctx context.Context, submissionID int64, reason string) string {
	return s.fire(ctx, EventFormRejected, map[string]interface{}{"submissionId": submissionID},
		func(ctx context.Context) (models.CreateNotificationRequest, error) {
			sub, err := s.dir.GetSubmission(ctx, submissionID)
			if err != nil {
				return models.CreateNotificationRequest{}, err
			}
			return s.submissionRequest(ctx, TemplateFormRejected, sub, map[string]string{"Reason": reason}, sub.SubmittedBy), nil
		})
}

func (s *Service) submissionRequest(ctx context.Context, code string, sub *models.FormSubmission, extra map[string]string, recipients ...int64) models.CreateNotificationRequest {
	data := map[string]string{
		"FormTitle":     sub.FormTitle,
		"SubmissionId":  strconv.FormatInt(sub.ID, 10),
		"SubmitterName": s.userName(ctx, sub.SubmittedBy),
		"SubmittedAt":   formatDate(sub.SubmittedAt),
	}
	for k, v := range extra {
		data[k] = v
	}
	return models.CreateNotificationRequest{
		TemplateCode:     code,
		RecipientUserIDs: recipients,
		PlaceholderData:  data,
		SourceEntityType: sourceSubmission,
		SourceEntityID:   sub.ID,
	}
}

// ==========================
// Workflow triggers
// ==========================

// WorkflowStepAssigned tells the step's assignee that an approval waits on them.
func (s *Service) WorkflowStepAssigned(ctx context.Context, sub *models.FormSubmission, step *models.WorkflowStep, p *models.StepProgress) string {
	return s.fire(ctx, EventWorkflowStepAssigned, stepFields(sub, step),
		func(ctx context.Context) (models.CreateNotificationRequest, error) {
			if sub == nil || step == nil || p == nil {
				return models.CreateNotificationRequest{}, errMissingRows
			}
			if p.AssignedUserID == nil {
				return models.CreateNotificationRequest{}, errSkip
			}
			extra := map[string]string{"StepName": step.Name, "DueDate": "No due date"}
			if p.DueDate != nil {
				extra["DueDate"] = formatDate(*p.DueDate)
			}
			if p.DelegatedBy != nil {
				extra["DelegatedBy"] = s.userName(ctx, *p.DelegatedBy)
				extra["DelegationReason"] = p.DelegationReason
			}
			return s.submissionRequest(ctx, TemplateStepAssigned, sub, extra, *p.AssignedUserID), nil
		})
}

// StepCompleted tells the submitter that a step of their approval finished.
func (s *Service) StepCompleted(ctx context.Context, sub *models.FormSubmission, step *models.WorkflowStep, p *models.StepProgress) string {
	return s.fire(ctx, EventStepCompleted, stepFields(sub, step),
		func(ctx context.Context) (models.CreateNotificationRequest, error) {
			if sub == nil || step == nil || p == nil {
				return models.CreateNotificationRequest{}, errMissingRows
			}
			extra := map[string]string{
				"StepName":   step.Name,
				"StepStatus": string(p.Status),
				"Comments":   p.Comments,
			}
			if p.ActionBy != nil {
				extra["ActionBy"] = s.userName(ctx, *p.ActionBy)
			}
			return s.submissionRequest(ctx, TemplateStepCompleted, sub, extra, sub.SubmittedBy), nil
		})
}

// PendingApprovalReminder nudges the assignee of a step that has been waiting,
// and optionally the members of the step's escalation role. It does not change
// the step.
func (s *Service) PendingApprovalReminder(ctx context.Context, pending *workflow.PendingStep) string {
	fields := map[string]interface{}{}
	if pending != nil && pending.Progress != nil {
		fields["submissionId"] = pending.Progress.SubmissionID
		fields["stepId"] = pending.Progress.StepID
	}
	return s.fire(ctx, EventPendingApprovalReminder, fields,
		func(ctx context.Context) (models.CreateNotificationRequest, error) {
			if pending == nil || pending.Progress == nil {
				return models.CreateNotificationRequest{}, errMissingRows
			}
			p := pending.Progress
			sub, err := s.dir.GetSubmission(ctx, p.SubmissionID)
			if err != nil {
				return models.CreateNotificationRequest{}, err
			}

			var recipients []int64
			if p.AssignedUserID != nil {
				recipients = append(recipients, *p.AssignedUserID)
			}
			if s.escalate && pending.EscalationRoleID != nil {
				members, err := s.dir.UsersInRole(ctx, *pending.EscalationRoleID)
				if err != nil {
					return models.CreateNotificationRequest{}, err
				}
				for _, u := range members {
					recipients = append(recipients, u.ID)
				}
			}
			if len(recipients) == 0 {
				return models.CreateNotificationRequest{}, errSkip
			}

			extra := map[string]string{"StepName": pending.StepName}
			if p.AssignedDate != nil {
				extra["AssignedDate"] = formatDate(*p.AssignedDate)
				extra["HoursPending"] = strconv.Itoa(int(s.now().Sub(*p.AssignedDate).Hours()))
			}
			if p.AssignedUserID != nil {
				extra["AssigneeName"] = s.userName(ctx, *p.AssignedUserID)
			}
			return s.submissionRequest(ctx, TemplatePendingApproval, sub, extra, recipients...), nil
		})
}

// ==========================
// workflow.Events
// ==========================

func (s *Service) OnStepAssigned(ctx context.Context, sub *models.FormSubmission, step *models.WorkflowStep, p *models.StepProgress) {
	s.WorkflowStepAssigned(ctx, sub, step, p)
}

// OnStepCompleted skips rejections; the rejection notice covers them.
func (s *Service) OnStepCompleted(ctx context.Context, sub *models.FormSubmission, step *models.WorkflowStep, p *models.StepProgress) {
	if p != nil && p.Status == models.StepRejected {
		return
	}
	s.StepCompleted(ctx, sub, step, p)
}

func (s *Service) OnWorkflowApproved(ctx context.Context, sub *models.FormSubmission) {
	if sub == nil {
		s.log.Warn("workflow approval raised without a submission", nil)
		return
	}
	s.FormApproved(ctx, sub.ID)
}

func (s *Service) OnWorkflowRejected(ctx context.Context, sub *models.FormSubmission, step *models.WorkflowStep, p *models.StepProgress) {
	if sub == nil {
		s.log.Warn("workflow rejection raised without a submission", nil)
		return
	}
	reason := ""
	if p != nil {
		reason = p.Comments
	}
	if reason == "" && step != nil {
		reason = "Rejected at " + step.Name
	}
	s.FormRejected(ctx, sub.ID, reason)
}

// ==========================
// Helpers
// ==========================

func (s *Service) userName(ctx context.Context, id int64) string {
	u, err := directory.GetUser(ctx, s.dir, id)
	if err != nil {
		return ""
	}
	if u.FullName != "" {
		return u.FullName
	}
	return u.Email
}

func formatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// hoursUntil rounds up so a reminder never claims zero hours while time remains.
func hoursUntil(now, due time.Time) int {
	d := due.Sub(now)
	if d <= 0 {
		return 0
	}
	h := int(d / time.Hour)
	if d%time.Hour != 0 {
		h++
	}
	return h
}

func daysSince(due, now time.Time) int {
	return (hoursUntil(due, now) + 23) / 24
}
