// internal/workers/notification/notify-event/handler.go
package notifyevent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"workflow-notifications/internal/common/camunda"
	apperrors "workflow-notifications/internal/common/errors"
	"workflow-notifications/internal/common/logger"
	"workflow-notifications/internal/common/metrics"
	"workflow-notifications/internal/common/validation"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const (
	TaskAssignmentCreated = "notify.assignment-created"
	TaskDeadlineReminder  = "notify.deadline-reminder"
	TaskOverdueAlert      = "notify.overdue-alert"
	TaskFormSubmitted     = "notify.form-submitted"
	TaskFormApproved      = "notify.form-approved"
	TaskFormRejected      = "notify.form-rejected"
)

// TaskTypes lists every domain event served by this handler.
var TaskTypes = []string{
	TaskAssignmentCreated,
	TaskDeadlineReminder,
	TaskOverdueAlert,
	TaskFormSubmitted,
	TaskFormApproved,
	TaskFormRejected,
}

// Triggers raises the notification for one domain event. Each method absorbs its
// own failures and returns "" when nothing was created.
type Triggers interface {
	AssignmentCreated(ctx context.Context, assignmentID int64) string
	DeadlineReminder(ctx context.Context, assignmentID int64) string
	OverdueAlert(ctx context.Context, assignmentID int64) string
	FormSubmitted(ctx context.Context, submissionID int64) string
	FormApproved(ctx context.Context, submissionID int64) string
	FormRejected(ctx context.Context, submissionID int64, reason string) string
}

type Handler struct {
	taskType string
	config   *Config
	triggers Triggers
	schema   *validation.Schema
	errors   *apperrors.JobErrorHandler
	logger   logger.Logger
}

// NewHandler serves one of TaskTypes. schema may be nil to skip input validation.
func NewHandler(taskType string, cfg *Config, triggers Triggers, schema *validation.Schema, log logger.Logger) (*Handler, error) {
	known := false
	for _, t := range TaskTypes {
		if t == taskType {
			known = true
		}
	}
	if !known {
		return nil, fmt.Errorf("unknown notification task type %q", taskType)
	}
	log = log.WithFields(map[string]interface{}{"taskType": taskType})
	return &Handler{
		taskType: taskType,
		config:   cfg,
		triggers: triggers,
		schema:   schema,
		errors:   apperrors.NewJobErrorHandler(log),
		logger:   log,
	}, nil
}

func (h *Handler) TaskType() string { return h.taskType }

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	input, err := h.parse(job.Variables)
	if err != nil {
		h.failJob(ctx, client, job, err)
		return
	}

	output, err := h.Execute(ctx, input)
	if err != nil {
		h.failJob(ctx, client, job, err)
		return
	}
	h.completeJob(ctx, client, job, output)
}

func (h *Handler) parse(variables string) (*Input, error) {
	if h.schema != nil {
		if res := h.schema.ValidateJSON(variables); !res.Valid {
			return nil, apperrors.NewInvalidRequestError(strings.Join(res.GetErrorMessages(), "; "))
		}
	}
	var input Input
	if err := json.Unmarshal([]byte(variables), &input); err != nil {
		return nil, apperrors.NewInvalidRequestError(fmt.Sprintf("parse input: %v", err))
	}
	return &input, nil
}

// Execute raises the event. A trigger that creates nothing still completes the job.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	if input == nil {
		return nil, apperrors.NewInvalidRequestError("input cannot be nil")
	}

	var id string
	switch h.taskType {
	case TaskAssignmentCreated, TaskDeadlineReminder, TaskOverdueAlert:
		if input.AssignmentID <= 0 {
			return nil, apperrors.NewInvalidRequestError("assignmentId is required")
		}
		switch h.taskType {
		case TaskAssignmentCreated:
			id = h.triggers.AssignmentCreated(ctx, input.AssignmentID)
		case TaskDeadlineReminder:
			id = h.triggers.DeadlineReminder(ctx, input.AssignmentID)
		default:
			id = h.triggers.OverdueAlert(ctx, input.AssignmentID)
		}
	default:
		if input.SubmissionID <= 0 {
			return nil, apperrors.NewInvalidRequestError("submissionId is required")
		}
		switch h.taskType {
		case TaskFormSubmitted:
			id = h.triggers.FormSubmitted(ctx, input.SubmissionID)
		case TaskFormApproved:
			id = h.triggers.FormApproved(ctx, input.SubmissionID)
		default:
			id = h.triggers.FormRejected(ctx, input.SubmissionID, input.Reason)
		}
	}

	return &Output{NotificationID: id, Notified: id != ""}, nil
}

func (h *Handler) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, output *Output) {
	if err := camunda.CompleteJob(ctx, client, job, output); err != nil {
		h.logger.Error("failed to complete job", map[string]interface{}{
			"jobKey": job.Key,
			"error":  err.Error(),
		})
		return
	}
	metrics.JobsCompleted.WithLabelValues(h.taskType).Inc()
}

func (h *Handler) failJob(ctx context.Context, client worker.JobClient, job entities.Job, err error) {
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.ErrCodeInternal
	}
	metrics.JobsFailed.WithLabelValues(h.taskType, string(code)).Inc()
	h.errors.HandleJobError(ctx, client, job, err)
}
