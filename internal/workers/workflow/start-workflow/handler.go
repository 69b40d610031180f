// internal/workers/workflow/start-workflow/handler.go
package startworkflow

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
	"workflow-notifications/internal/workflow"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const TaskType = "workflow.start"

type Starter interface {
	StartWorkflow(ctx context.Context, submissionID int64) (*workflow.State, error)
}

type Handler struct {
	config  *Config
	starter Starter
	schema  *validation.Schema
	errors  *apperrors.JobErrorHandler
	logger  logger.Logger
}

func NewHandler(cfg *Config, starter Starter, schema *validation.Schema, log logger.Logger) *Handler {
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:  cfg,
		starter: starter,
		schema:  schema,
		errors:  apperrors.NewJobErrorHandler(log),
		logger:  log,
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

// Execute starts the submission's workflow. Starting an already started workflow
// returns its current state.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	if input == nil || input.SubmissionID <= 0 {
		return nil, apperrors.NewInvalidRequestError("submissionId is required")
	}

	state, err := h.starter.StartWorkflow(ctx, input.SubmissionID)
	if err != nil {
		return nil, err
	}

	out := &Output{
		SubmissionStatus: state.Status,
		WorkflowID:       state.WorkflowID,
		ActiveStepIDs:    []int64{},
	}
	for _, p := range state.Steps {
		if p.Active() {
			out.ActiveStepIDs = append(out.ActiveStepIDs, p.StepID)
		}
	}

	h.logger.Info("workflow started", map[string]interface{}{
		"submissionId": input.SubmissionID,
		"workflowId":   state.WorkflowID,
		"status":       state.Status,
		"activeSteps":  len(out.ActiveStepIDs),
	})
	return out, nil
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
