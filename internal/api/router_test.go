package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperrors "workflow-notifications/internal/common/errors"
	"workflow-notifications/internal/common/logger"
	"workflow-notifications/internal/models"
	"workflow-notifications/internal/notification"
	"workflow-notifications/internal/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Fakes
// ==========================

type fakeInbox struct {
	CreateFunc       func(ctx context.Context, req models.CreateNotificationRequest) (*models.Notification, error)
	GetFunc          func(ctx context.Context, id string) (*models.Notification, error)
	DeactivateFunc   func(ctx context.Context, id string) error
	ListFunc         func(ctx context.Context, userID int64, f notification.ListFilter) (*notification.Page, error)
	UnreadCountFunc  func(ctx context.Context, userID int64) (int, error)
	MarkAsReadFunc   func(ctx context.Context, id string, userID int64) (*models.Recipient, error)
	MarkAllFunc      func(ctx context.Context, userID int64) (int64, error)
	DismissFunc      func(ctx context.Context, id string, userID int64) (*models.Recipient, error)
	MarkActionedFunc func(ctx context.Context, id string, userID int64) (*models.Recipient, error)
}

func (f *fakeInbox) CreateNotification(ctx context.Context, req models.CreateNotificationRequest) (*models.Notification, error) {
	return f.CreateFunc(ctx, req)
}
func (f *fakeInbox) Get(ctx context.Context, id string) (*models.Notification, error) {
	return f.GetFunc(ctx, id)
}
func (f *fakeInbox) Deactivate(ctx context.Context, id string) error {
	return f.DeactivateFunc(ctx, id)
}
func (f *fakeInbox) List(ctx context.Context, userID int64, filter notification.ListFilter) (*notification.Page, error) {
	return f.ListFunc(ctx, userID, filter)
}
func (f *fakeInbox) UnreadCount(ctx context.Context, userID int64) (int, error) {
	return f.UnreadCountFunc(ctx, userID)
}
func (f *fakeInbox) MarkAsRead(ctx context.Context, id string, userID int64) (*models.Recipient, error) {
	return f.MarkAsReadFunc(ctx, id, userID)
}
func (f *fakeInbox) MarkAllAsRead(ctx context.Context, userID int64) (int64, error) {
	return f.MarkAllFunc(ctx, userID)
}
func (f *fakeInbox) Dismiss(ctx context.Context, id string, userID int64) (*models.Recipient, error) {
	return f.DismissFunc(ctx, id, userID)
}
func (f *fakeInbox) MarkActioned(ctx context.Context, id string, userID int64) (*models.Recipient, error) {
	return f.MarkActionedFunc(ctx, id, userID)
}

type fakeDeliveries struct {
	StatusFunc func(ctx context.Context, id string) (*models.DeliveryStatusSummary, error)
	RetryFunc  func(ctx context.Context, id string) (*models.DeliveryResult, error)
	StatsFunc  func(ctx context.Context) ([]models.ChannelStats, error)
	TestFunc   func(ctx context.Context, channelType string) (bool, string, error)
}

func (f *fakeDeliveries) GetDeliveryStatus(ctx context.Context, id string) (*models.DeliveryStatusSummary, error) {
	return f.StatusFunc(ctx, id)
}
func (f *fakeDeliveries) RetryFailedDeliveries(ctx context.Context, id string) (*models.DeliveryResult, error) {
	return f.RetryFunc(ctx, id)
}
func (f *fakeDeliveries) ChannelStats(ctx context.Context) ([]models.ChannelStats, error) {
	return f.StatsFunc(ctx)
}
func (f *fakeDeliveries) TestChannel(ctx context.Context, channelType string) (bool, string, error) {
	return f.TestFunc(ctx, channelType)
}

type fakeWorkflow struct {
	StateFunc    func(ctx context.Context, submissionID int64) (*workflow.State, error)
	ActionFunc   func(ctx context.Context, req models.ActionRequest) (*workflow.State, error)
	DelegateFunc func(ctx context.Context, req models.DelegateRequest) (*models.StepProgress, error)
}

func (f *fakeWorkflow) GetState(ctx context.Context, submissionID int64) (*workflow.State, error) {
	return f.StateFunc(ctx, submissionID)
}
func (f *fakeWorkflow) ApplyAction(ctx context.Context, req models.ActionRequest) (*workflow.State, error) {
	return f.ActionFunc(ctx, req)
}
func (f *fakeWorkflow) Delegate(ctx context.Context, req models.DelegateRequest) (*models.StepProgress, error) {
	return f.DelegateFunc(ctx, req)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

// ==========================
// Inbox
// ==========================

func TestListNotifications_ParsesFilter(t *testing.T) {
	var got notification.ListFilter
	inbox := &fakeInbox{ListFunc: func(_ context.Context, userID int64, f notification.ListFilter) (*notification.Page, error) {
		assert.Equal(t, int64(7), userID)
		got = f
		return &notification.Page{Items: []*notification.InboxItem{}, Total: 0, Page: 2, PageSize: 10}, nil
	}}
	h := NewRouter(Options{Inbox: inbox, Logger: logger.NewTestLogger(t)})

	rec := do(t, h, http.MethodGet, "/api/users/7/notifications?category=Approval&read=false&search=expense&page=2&pageSize=10&includeDismissed=true", "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "Approval", got.Category)
	require.NotNil(t, got.Read)
	assert.False(t, *got.Read)
	assert.Equal(t, "expense", got.Search)
	assert.Equal(t, 2, got.Page)
	assert.Equal(t, 10, got.PageSize)
	assert.True(t, got.IncludeDismissed)

	var page notification.Page
	decode(t, rec, &page)
	assert.Equal(t, 2, page.Page)
}

func TestListNotifications_BadParams(t *testing.T) {
	h := NewRouter(Options{Inbox: &fakeInbox{}})

	for _, path := range []string{
		"/api/users/abc/notifications",
		"/api/users/0/notifications",
		"/api/users/7/notifications?read=maybe",
		"/api/users/7/notifications?page=-1",
	} {
		rec := do(t, h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)

		var body errorBody
		decode(t, rec, &body)
		assert.Equal(t, "INVALID_REQUEST", body.Code)
	}
}

func TestUnreadCountAndReadAll(t *testing.T) {
	inbox := &fakeInbox{
		UnreadCountFunc: func(context.Context, int64) (int, error) { return 4, nil },
		MarkAllFunc:     func(context.Context, int64) (int64, error) { return 4, nil },
	}
	h := NewRouter(Options{Inbox: inbox})

	rec := do(t, h, http.MethodGet, "/api/users/7/notifications/unread-count", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"unread":4}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/users/7/notifications/read-all", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"updated":4}`, rec.Body.String())
}

func TestRecipientActions(t *testing.T) {
	var calls []string
	record := func(op string) func(context.Context, string, int64) (*models.Recipient, error) {
		return func(_ context.Context, id string, userID int64) (*models.Recipient, error) {
			calls = append(calls, op+":"+id)
			return &models.Recipient{NotificationID: id, UserID: userID}, nil
		}
	}
	inbox := &fakeInbox{
		MarkAsReadFunc:   record("read"),
		DismissFunc:      record("dismiss"),
		MarkActionedFunc: record("action"),
	}
	h := NewRouter(Options{Inbox: inbox})

	for _, op := range []string{"read", "dismiss", "action"} {
		rec := do(t, h, http.MethodPost, "/api/users/7/notifications/n-1/"+op, "")
		assert.Equal(t, http.StatusOK, rec.Code, op)
	}
	assert.Equal(t, []string{"read:n-1", "dismiss:n-1", "action:n-1"}, calls)
}

func TestMarkRead_UnknownNotification(t *testing.T) {
	inbox := &fakeInbox{MarkAsReadFunc: func(context.Context, string, int64) (*models.Recipient, error) {
		return nil, apperrors.NewNotificationNotFoundError("n-404")
	}}
	h := NewRouter(Options{Inbox: inbox})

	rec := do(t, h, http.MethodPost, "/api/users/7/notifications/n-404/read", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ==========================
// Notifications
// ==========================

func TestCreateNotification(t *testing.T) {
	inbox := &fakeInbox{CreateFunc: func(_ context.Context, req models.CreateNotificationRequest) (*models.Notification, error) {
		if req.TemplateCode == "MISSING" {
			return nil, apperrors.NewTemplateNotFoundError(req.TemplateCode)
		}
		return &models.Notification{ID: "n-1", TemplateCode: req.TemplateCode}, nil
	}}
	h := NewRouter(Options{Inbox: inbox})

	rec := do(t, h, http.MethodPost, "/api/notifications", `{"templateCode":"FORM_APPROVED","recipientUserIds":[7]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var n models.Notification
	decode(t, rec, &n)
	assert.Equal(t, "n-1", n.ID)

	rec = do(t, h, http.MethodPost, "/api/notifications", `{"templateCode":"MISSING","recipientUserIds":[7]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/notifications", `{"recipientUserIds":[7]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/notifications", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeactivateAndGet(t *testing.T) {
	deactivated := ""
	inbox := &fakeInbox{
		DeactivateFunc: func(_ context.Context, id string) error { deactivated = id; return nil },
		GetFunc: func(_ context.Context, id string) (*models.Notification, error) {
			return &models.Notification{ID: id, IsActive: deactivated != id}, nil
		},
	}
	h := NewRouter(Options{Inbox: inbox})

	rec := do(t, h, http.MethodDelete, "/api/notifications/n-1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "n-1", deactivated)

	rec = do(t, h, http.MethodGet, "/api/notifications/n-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var n models.Notification
	decode(t, rec, &n)
	assert.False(t, n.IsActive)
}

func TestDeliveryStatusAndRetry(t *testing.T) {
	deliveries := &fakeDeliveries{
		StatusFunc: func(_ context.Context, id string) (*models.DeliveryStatusSummary, error) {
			return &models.DeliveryStatusSummary{NotificationID: id, Total: 2,
				ByStatus: map[models.DeliveryStatus]int{models.DeliverySent: 1, models.DeliveryFailed: 1}}, nil
		},
		RetryFunc: func(_ context.Context, id string) (*models.DeliveryResult, error) {
			return &models.DeliveryResult{NotificationID: id, Total: 1}, nil
		},
	}
	h := NewRouter(Options{Inbox: &fakeInbox{}, Deliveries: deliveries})

	rec := do(t, h, http.MethodGet, "/api/notifications/n-1/deliveries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary models.DeliveryStatusSummary
	decode(t, rec, &summary)
	assert.Equal(t, 1, summary.ByStatus[models.DeliveryFailed])

	rec = do(t, h, http.MethodPost, "/api/notifications/n-1/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

// ==========================
// Channels
// ==========================

func TestChannelStatsAndTest(t *testing.T) {
	deliveries := &fakeDeliveries{
		StatsFunc: func(context.Context) ([]models.ChannelStats, error) {
			return []models.ChannelStats{{ChannelType: "Email", Enabled: true, Sent: 3}}, nil
		},
		TestFunc: func(_ context.Context, channelType string) (bool, string, error) {
			if channelType == "SMS" {
				return false, "sns unreachable", nil
			}
			return true, "", nil
		},
	}
	h := NewRouter(Options{Inbox: &fakeInbox{}, Deliveries: deliveries})

	rec := do(t, h, http.MethodGet, "/api/channels/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats []models.ChannelStats
	decode(t, rec, &stats)
	require.Len(t, stats, 1)
	assert.Equal(t, 3, stats[0].Sent)

	rec = do(t, h, http.MethodPost, "/api/channels/SMS/test", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"channelType":"SMS","ok":false,"message":"sns unreachable"}`, rec.Body.String())
}

// ==========================
// Workflow
// ==========================

func TestStepAction_RoutesApplyAndDelegate(t *testing.T) {
	var applied models.ActionRequest
	var delegated models.DelegateRequest
	wf := &fakeWorkflow{
		ActionFunc: func(_ context.Context, req models.ActionRequest) (*workflow.State, error) {
			applied = req
			return &workflow.State{SubmissionID: req.SubmissionID, Status: workflow.SubmissionApproved}, nil
		},
		DelegateFunc: func(_ context.Context, req models.DelegateRequest) (*models.StepProgress, error) {
			delegated = req
			to := req.ToUserID
			return &models.StepProgress{StepID: req.StepID, AssignedUserID: &to, Status: models.StepPending}, nil
		},
	}
	h := NewRouter(Options{Inbox: &fakeInbox{}, Workflow: wf})

	rec := do(t, h, http.MethodPost, "/api/submissions/500/workflow/steps/4/actions",
		`{"userId":5,"action":"Sign","signature":{"payload":"abc","timestamp":"2026-05-04T09:00:00Z"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(500), applied.SubmissionID)
	assert.Equal(t, int64(4), applied.StepID)
	require.NotNil(t, applied.Signature)
	assert.NotEmpty(t, applied.Signature.IPAddress)

	rec = do(t, h, http.MethodPost, "/api/submissions/500/workflow/steps/1/actions",
		`{"userId":2,"action":"delegate","delegateToUserId":6,"comments":"on leave"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.DelegateRequest{SubmissionID: 500, StepID: 1, FromUserID: 2, ToUserID: 6, Reason: "on leave"}, delegated)

	rec = do(t, h, http.MethodPost, "/api/submissions/500/workflow/steps/1/actions", `{"userId":2,"action":"Delegate"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStepAction_MapsEngineErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{apperrors.NewCommentRequiredError("Reject"), http.StatusBadRequest},
		{apperrors.NewInvalidTransitionError("Approved", "Approve"), http.StatusConflict},
		{apperrors.NewActionNotAllowedError("Sign", 1), http.StatusForbidden},
		{apperrors.NewWorkflowStepNotFoundError(500, 9), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		wf := &fakeWorkflow{ActionFunc: func(context.Context, models.ActionRequest) (*workflow.State, error) {
			return nil, tt.err
		}}
		h := NewRouter(Options{Inbox: &fakeInbox{}, Workflow: wf})

		rec := do(t, h, http.MethodPost, "/api/submissions/500/workflow/steps/1/actions", `{"userId":2,"action":"Approve"}`)
		assert.Equal(t, tt.status, rec.Code, tt.err.Error())
	}
}

func TestWorkflowRoutesAbsentWithoutEngine(t *testing.T) {
	h := NewRouter(Options{Inbox: &fakeInbox{}})

	rec := do(t, h, http.MethodGet, "/api/submissions/500/workflow", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ==========================
// Probes
// ==========================

func TestHealthAndReady(t *testing.T) {
	postgresUp := true
	h := NewRouter(Options{
		Inbox: &fakeInbox{},
		Checks: map[string]Check{
			"postgres": func(context.Context) error {
				if postgresUp {
					return nil
				}
				return errors.New("connection refused")
			},
			"redis": func(context.Context) error { return nil },
		},
	})

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready","checks":{"postgres":"ok","redis":"ok"}}`, rec.Body.String())

	postgresUp = false
	rec = do(t, h, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewRouter(Options{Inbox: &fakeInbox{}})

	rec := do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
