// test/e2e/flow_test.go
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-notifications/internal/api"
	"workflow-notifications/internal/channel"
	"workflow-notifications/internal/common/logger"
	"workflow-notifications/internal/delivery"
	"workflow-notifications/internal/directory"
	"workflow-notifications/internal/models"
	"workflow-notifications/internal/notification"
	"workflow-notifications/internal/template"
	"workflow-notifications/internal/trigger"
	"workflow-notifications/internal/workflow"
	"workflow-notifications/pkg/registry"
)

const (
	submitterID  = int64(1)
	managerID    = int64(2)
	directorID   = int64(5)
	submissionID = int64(500)
	inAppPrefix  = "notifications:user:"
)

// stack is the whole service wired the way the worker manager wires it, with
// in-memory stores and a miniredis-backed InApp channel.
type stack struct {
	server        *httptest.Server
	rdb           *redis.Client
	engine        *workflow.Engine
	notifications *notification.MemoryStore
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()
	log := logger.NewTestLogger(t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	// --- Templates ---
	templates := template.NewCachedStore(template.NewMemoryStore(), rdb, time.Minute, log)
	reg, err := registry.Load("../../configs/registry.json")
	require.NoError(t, err)
	_, err = reg.SeedTemplates(ctx, templates)
	require.NoError(t, err)

	// --- Delivery ---
	store := notification.NewMemoryStore()
	orchestrator := delivery.NewOrchestrator(delivery.Options{
		Store: store,
		Channels: channel.NewMemoryStore(
			&models.Channel{ID: 1, Type: models.ChannelEmail, Enabled: false},
			&models.Channel{ID: 2, Type: models.ChannelPush, Enabled: false},
			&models.Channel{ID: 3, Type: models.ChannelInApp, Enabled: true, MaxRetries: 3, RetryDelayMinutes: 1},
		),
		Providers:   channel.NewRegistry(channel.NewInAppProvider(rdb, inAppPrefix)),
		Concurrency: 2,
		Logger:      log,
	})
	pool := delivery.NewPool(orchestrator, 2, 16, log)
	poolCtx, cancel := context.WithCancel(ctx)
	pool.Start(poolCtx)
	t.Cleanup(func() {
		pool.Stop()
		cancel()
	})

	// --- Directory, workflow and triggers ---
	workflowID := int64(100)
	dir := directory.NewMemory().
		AddUser(&models.User{ID: submitterID, FullName: "Sam Submitter", Email: "sam@example.com", IsActive: true}).
		AddUser(&models.User{ID: managerID, FullName: "Mia Manager", Email: "mia@example.com", IsActive: true}).
		AddUser(&models.User{ID: directorID, FullName: "Dan Director", Email: "dan@example.com", IsActive: true}).
		AddSubmission(&models.FormSubmission{
			ID: submissionID, FormID: 7, FormTitle: "Travel expenses", WorkflowID: &workflowID,
			SubmittedBy: submitterID, SubmittedAt: time.Now().UTC(), Status: "Submitted",
		})

	notifications := notification.NewService(notification.Options{
		Templates:       templates,
		Store:           store,
		Users:           dir,
		Dispatcher:      pool,
		DefaultChannels: []string{models.ChannelInApp},
		Logger:          log,
	})

	engine := workflow.NewEngine(workflow.Options{
		Store: workflow.NewMemoryStore().
			AddDefinition(&models.WorkflowDefinition{
				ID: workflowID, Name: "Expense approval", FormID: 7, IsActive: true,
				Steps: []models.WorkflowStep{
					{ID: 1, Name: "Manager review", StepOrder: 1, Assignee: models.AssignToUser(managerID),
						AllowedActions: []string{"Approve", "Reject", "Delegate"}},
					{ID: 2, Name: "Director sign-off", StepOrder: 2, Assignee: models.AssignToUser(directorID),
						AllowedActions: []string{"Sign", "Reject"}},
				},
			}).
			AddAction(&models.WorkflowAction{Name: "Sign", RequiresSignature: true, ResultStatus: models.StepApproved}),
		Directory: dir,
		Logger:    log,
	})
	triggers := trigger.NewService(trigger.Options{
		Notifications: notifications,
		Directory:     dir,
		Pending:       engine,
		Logger:        log,
	})
	engine.SetEvents(triggers)

	// --- HTTP ---
	server := httptest.NewServer(api.NewRouter(api.Options{
		Inbox:      notifications,
		Deliveries: orchestrator,
		Workflow:   engine,
		Checks:     map[string]api.Check{"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		Logger:     log,
	}))
	t.Cleanup(server.Close)

	return &stack{server: server, rdb: rdb, engine: engine, notifications: store}
}

func (s *stack) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *stack) inbox(t *testing.T, userID int64) notification.Page {
	t.Helper()
	var page notification.Page
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, fmt.Sprintf("/api/users/%d/notifications", userID), nil, &page))
	return page
}

func templateCodes(page notification.Page) []string {
	codes := make([]string, 0, len(page.Items))
	for _, item := range page.Items {
		codes = append(codes, item.Notification.TemplateCode)
	}
	return codes
}

// ==========================
// Approval flow
// ==========================

func TestApprovalFlow_NotifiesEachParticipant(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	sub := s.rdb.Subscribe(ctx, fmt.Sprintf("%s%d", inAppPrefix, managerID))
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	// Starting the workflow assigns the manager's step.
	_, err = s.engine.StartWorkflow(ctx, submissionID)
	require.NoError(t, err)

	page := s.inbox(t, managerID)
	require.Len(t, page.Items, 1)
	assert.Equal(t, trigger.TemplateStepAssigned, page.Items[0].Notification.TemplateCode)
	assignedID := page.Items[0].Notification.ID

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, assignedID)

	var summary models.DeliveryStatusSummary
	require.Eventually(t, func() bool {
		s.do(t, http.MethodGet, "/api/notifications/"+assignedID+"/deliveries", nil, &summary)
		return summary.ByChannel[models.ChannelInApp][models.DeliverySent] == 1 &&
			summary.ByChannel[models.ChannelEmail][models.DeliverySkipped] == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The manager approves and the director's step opens.
	status := s.do(t, http.MethodPost, fmt.Sprintf("/api/submissions/%d/workflow/steps/1/actions", submissionID),
		map[string]interface{}{"userId": managerID, "action": "Approve"}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, templateCodes(s.inbox(t, directorID)), trigger.TemplateStepAssigned)

	// A signature is required to sign off.
	status = s.do(t, http.MethodPost, fmt.Sprintf("/api/submissions/%d/workflow/steps/2/actions", submissionID),
		map[string]interface{}{"userId": directorID, "action": "Sign"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status = s.do(t, http.MethodPost, fmt.Sprintf("/api/submissions/%d/workflow/steps/2/actions", submissionID),
		map[string]interface{}{
			"userId": directorID, "action": "Sign",
			"signature": map[string]interface{}{"payload": "data:image/png;base64,AAAA", "timestamp": time.Now().UTC()},
		}, nil)
	require.Equal(t, http.StatusOK, status)

	var state workflow.State
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, fmt.Sprintf("/api/submissions/%d/workflow", submissionID), nil, &state))
	assert.Equal(t, workflow.SubmissionApproved, state.Status)

	// The submitter hears about each completed step and the final approval.
	codes := templateCodes(s.inbox(t, submitterID))
	assert.Contains(t, codes, trigger.TemplateStepCompleted)
	assert.Contains(t, codes, trigger.TemplateFormApproved)

	var unread map[string]int
	s.do(t, http.MethodGet, fmt.Sprintf("/api/users/%d/notifications/unread-count", submitterID), nil, &unread)
	assert.Equal(t, len(codes), unread["unread"])

	var updated map[string]int64
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, fmt.Sprintf("/api/users/%d/notifications/read-all", submitterID), nil, &updated))
	assert.Equal(t, int64(len(codes)), updated["updated"])

	s.do(t, http.MethodGet, fmt.Sprintf("/api/users/%d/notifications/unread-count", submitterID), nil, &unread)
	assert.Equal(t, 0, unread["unread"])
}

func TestRejection_NotifiesSubmitterWithReason(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	_, err := s.engine.StartWorkflow(ctx, submissionID)
	require.NoError(t, err)

	status := s.do(t, http.MethodPost, fmt.Sprintf("/api/submissions/%d/workflow/steps/1/actions", submissionID),
		map[string]interface{}{"userId": managerID, "action": "Reject"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status = s.do(t, http.MethodPost, fmt.Sprintf("/api/submissions/%d/workflow/steps/1/actions", submissionID),
		map[string]interface{}{"userId": managerID, "action": "Reject", "comments": "receipts missing"}, nil)
	require.Equal(t, http.StatusOK, status)

	page := s.inbox(t, submitterID)
	var rejected *models.Notification
	for _, item := range page.Items {
		if item.Notification.TemplateCode == trigger.TemplateFormRejected {
			rejected = item.Notification
		}
	}
	require.NotNil(t, rejected)
	assert.Contains(t, rejected.Message, "receipts missing")
	assert.Empty(t, s.inbox(t, directorID).Items)
}

func TestHealthAndReadiness(t *testing.T) {
	s := newStack(t)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil, nil))
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/ready", nil, nil))
}
