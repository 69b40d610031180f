package notifyevent

import (
	"context"
	"testing"
	"time"

	apperrors "workflow-notifications/internal/common/errors"
	"workflow-notifications/internal/common/logger"
	"workflow-notifications/internal/common/validation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	event  string
	id     int64
	reason string
}

type mockTriggers struct {
	calls  []call
	result string
}

func (m *mockTriggers) record(event string, id int64, reason string) string {
	m.calls = append(m.calls, call{event: event, id: id, reason: reason})
	return m.result
}

func (m *mockTriggers) AssignmentCreated(_ context.Context, id int64) string {
	return m.record("assignment-created", id, "")
}
func (m *mockTriggers) DeadlineReminder(_ context.Context, id int64) string {
	return m.record("deadline-reminder", id, "")
}
func (m *mockTriggers) OverdueAlert(_ context.Context, id int64) string {
	return m.record("overdue-alert", id, "")
}
func (m *mockTriggers) FormSubmitted(_ context.Context, id int64) string {
	return m.record("form-submitted", id, "")
}
func (m *mockTriggers) FormApproved(_ context.Context, id int64) string {
	return m.record("form-approved", id, "")
}
func (m *mockTriggers) FormRejected(_ context.Context, id int64, reason string) string {
	return m.record("form-rejected", id, reason)
}

func newTestHandler(t *testing.T, taskType string, triggers Triggers) *Handler {
	t.Helper()
	h, err := NewHandler(taskType, &Config{Enabled: true, Timeout: 5 * time.Second}, triggers, nil, logger.NewTestLogger(t))
	require.NoError(t, err)
	return h
}

// ==========================
// Routing
// ==========================

func TestHandler_ExecuteRoutesByTaskType(t *testing.T) {
	tests := []struct {
		taskType string
		input    Input
		want     call
	}{
		{TaskAssignmentCreated, Input{AssignmentID: 10}, call{"assignment-created", 10, ""}},
		{TaskDeadlineReminder, Input{AssignmentID: 11}, call{"deadline-reminder", 11, ""}},
		{TaskOverdueAlert, Input{AssignmentID: 12}, call{"overdue-alert", 12, ""}},
		{TaskFormSubmitted, Input{SubmissionID: 500}, call{"form-submitted", 500, ""}},
		{TaskFormApproved, Input{SubmissionID: 501}, call{"form-approved", 501, ""}},
		{TaskFormRejected, Input{SubmissionID: 502, Reason: "missing receipts"}, call{"form-rejected", 502, "missing receipts"}},
	}

	for _, tt := range tests {
		t.Run(tt.taskType, func(t *testing.T) {
			triggers := &mockTriggers{result: "n-1"}
			h := newTestHandler(t, tt.taskType, triggers)

			input := tt.input
			out, err := h.Execute(context.Background(), &input)
			require.NoError(t, err)
			assert.Equal(t, "n-1", out.NotificationID)
			assert.True(t, out.Notified)
			require.Len(t, triggers.calls, 1)
			assert.Equal(t, tt.want, triggers.calls[0])
		})
	}
}

func TestHandler_ExecuteNothingCreated(t *testing.T) {
	h := newTestHandler(t, TaskOverdueAlert, &mockTriggers{})

	out, err := h.Execute(context.Background(), &Input{AssignmentID: 12})
	require.NoError(t, err)
	assert.Empty(t, out.NotificationID)
	assert.False(t, out.Notified)
}

// ==========================
// Validation
// ==========================

func TestHandler_ExecuteMissingIdentifier(t *testing.T) {
	triggers := &mockTriggers{result: "n-1"}

	_, err := newTestHandler(t, TaskAssignmentCreated, triggers).Execute(context.Background(), &Input{SubmissionID: 5})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidRequest))

	_, err = newTestHandler(t, TaskFormApproved, triggers).Execute(context.Background(), &Input{AssignmentID: 5})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidRequest))

	_, err = newTestHandler(t, TaskFormApproved, triggers).Execute(context.Background(), nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidRequest))

	assert.Empty(t, triggers.calls)
}

func TestNewHandler_UnknownTaskType(t *testing.T) {
	_, err := NewHandler("notify.unknown", &Config{}, &mockTriggers{}, nil, logger.NewNoOpLogger())
	assert.Error(t, err)
}

func TestHandler_ParseAgainstSchema(t *testing.T) {
	schema, err := validation.CompileSchema(map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"assignmentId"},
		"properties": map[string]interface{}{
			"assignmentId": map[string]interface{}{"type": "integer", "minimum": 1},
		},
	})
	require.NoError(t, err)

	h, err := NewHandler(TaskDeadlineReminder, &Config{Timeout: time.Second}, &mockTriggers{}, schema, logger.NewNoOpLogger())
	require.NoError(t, err)

	input, err := h.parse(`{"assignmentId": 42, "processVar": "ignored"}`)
	require.NoError(t, err)
	assert.Equal(t, int64(42), input.AssignmentID)

	_, err = h.parse(`{"submissionId": 42}`)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidRequest))

	_, err = h.parse(`not json`)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidRequest))
}
