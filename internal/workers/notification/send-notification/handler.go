// internal/workers/notification/send-notification/handler.go
package sendnotification

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

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const TaskType = "notify.send"

type Creator interface {
	CreateNotification(ctx context.Context, req models.CreateNotificationRequest) (*models.Notification, error)
}

type Handler struct {
	config  *Config
	creator Creator
	schema  *validation.Schema
	errors  *apperrors.JobErrorHandler
	logger  logger.Logger
}

func NewHandler(cfg *Config, creator Creator, schema *validation.Schema, log logger.Logger) *Handler {
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:  cfg,
		creator: creator,
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

// Execute creates the notification. Unknown templates and bad requests surface as
// BPMN errors so the process can route around them.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	if input == nil {
		return nil, apperrors.NewInvalidRequestError("input cannot be nil")
	}

	req := models.CreateNotificationRequest{
		TemplateCode:     input.TemplateCode,
		RecipientUserIDs: input.RecipientUserIDs,
		PlaceholderData:  input.PlaceholderData,
		SourceEntityType: input.SourceEntityType,
		SourceEntityID:   input.SourceEntityID,
		CustomChannels:   input.Channels,
		ScheduledDate:    input.ScheduledDate,
		ExpiryDate:       input.ExpiryDate,
	}
	if input.Priority != "" {
		p := models.ParsePriority(input.Priority)
		req.CustomPriority = &p
	}

	n, err := h.creator.CreateNotification(ctx, req)
	if err != nil {
		return nil, err
	}

	h.logger.Info("notification created", map[string]interface{}{
		"notificationId": n.ID,
		"templateCode":   n.TemplateCode,
		"recipients":     len(input.RecipientUserIDs),
	})
	return &Output{
		NotificationID: n.ID,
		Priority:       string(n.Priority),
		Scheduled:      n.ScheduledDate != nil,
	}, nil
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
