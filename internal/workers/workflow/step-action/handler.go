// internal/workers/workflow/step-action/handler.go
package stepaction

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
	"workflow-notifications/internal/models"
	"workflow-notifications/internal/workflow"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const (
	TaskType = "workflow.step-action"

	actionDelegate = "delegate"
)

type Engine interface {
	ApplyAction(ctx context.Context, req models.ActionRequest) (*workflow.State, error)
	Delegate(ctx context.Context, req models.DelegateRequest) (*models.StepProgress, error)
	GetState(ctx context.Context, submissionID int64) (*workflow.State, error)
}

type Handler struct {
	config *Config
	engine Engine
	schema *validation.Schema
	errors *apperrors.JobErrorHandler
	logger logger.Logger
}

func NewHandler(cfg *Config, engine Engine, schema *validation.Schema, log logger.Logger) *Handler {
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config: cfg,
		engine: engine,
		schema: schema,
		errors: apperrors.NewJobErrorHandler(log),
		logger: log,
	}
}

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

// Execute applies the user's action to the step. Delegate hands the step to
// DelegateToUserID; every other action goes through the action catalog.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	if input == nil {
		return nil, apperrors.NewInvalidRequestError("input cannot be nil")
	}
	if input.SubmissionID <= 0 || input.StepID <= 0 || input.UserID <= 0 {
		return nil, apperrors.NewInvalidRequestError("submissionId, stepId and userId are required")
	}

	if strings.EqualFold(strings.TrimSpace(input.Action), actionDelegate) {
		return h.delegate(ctx, input)
	}

	req := models.ActionRequest{
		SubmissionID: input.SubmissionID,
		StepID:       input.StepID,
		UserID:       input.UserID,
		Action:       input.Action,
		Comments:     input.Comments,
	}
	if input.Signature != nil {
		req.Signature = &models.Signature{
			Payload:   input.Signature.Payload,
			Timestamp: input.Signature.Timestamp,
			IPAddress: input.Signature.IPAddress,
		}
	}

	state, err := h.engine.ApplyAction(ctx, req)
	if err != nil {
		return nil, err
	}

	out := &Output{SubmissionStatus: state.Status, Completed: state.Status != workflow.SubmissionInApproval}
	if p := findStep(state, input.StepID); p != nil {
		out.StepStatus = string(p.Status)
	}
	h.logger.Info("step action applied", map[string]interface{}{
		"submissionId": input.SubmissionID,
		"stepId":       input.StepID,
		"action":       input.Action,
		"status":       state.Status,
	})
	return out, nil
}

func (h *Handler) delegate(ctx context.Context, input *Input) (*Output, error) {
	if input.DelegateToUserID <= 0 {
		return nil, apperrors.NewInvalidRequestError("delegateToUserId is required to delegate")
	}

	p, err := h.engine.Delegate(ctx, models.DelegateRequest{
		SubmissionID: input.SubmissionID,
		StepID:       input.StepID,
		FromUserID:   input.UserID,
		ToUserID:     input.DelegateToUserID,
		Reason:       input.Comments,
	})
	if err != nil {
		return nil, err
	}

	state, err := h.engine.GetState(ctx, input.SubmissionID)
	if err != nil {
		return nil, err
	}

	out := &Output{SubmissionStatus: state.Status, StepStatus: string(p.Status)}
	if p.AssignedUserID != nil {
		out.AssignedUserID = *p.AssignedUserID
	}
	return out, nil
}

func findStep(state *workflow.State, stepID int64) *models.StepProgress {
	for _, p := range state.Steps {
		if p.StepID == stepID {
			return p
		}
	}
	return nil
}

func (h *Handler) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, output *Output) {
	if err := camunda.CompleteJob(ctx, client, job, output); err != nil {
		h.logger.Error("failed to complete job", map[string]interface{}{
			"jobKey": job.Key,
			"error":  err.Error(),
		})
		return
	}
	metrics.JobsCompleted.WithLabelValues(TaskType).Inc()
}

func (h *Handler) failJob(ctx context.Context, client worker.JobClient, job entities.Job, err error) {
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.ErrCodeInternal
	}
	metrics.JobsFailed.WithLabelValues(TaskType, string(code)).Inc()
	h.errors.HandleJobError(ctx, client, job, err)
}
