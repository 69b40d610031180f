package search

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"workflow-notifications/internal/common/config"
	"workflow-notifications/internal/common/database"
	apperrors "workflow-notifications/internal/common/errors"
	"workflow-notifications/internal/common/logger"
	"workflow-notifications/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method string
	path   string
	body   string
}

// fakeES answers like an Elasticsearch node. respond picks the status and body per
// request; every request is recorded.
type fakeES struct {
	mu       sync.Mutex
	requests []recordedRequest
	respond  func(r *http.Request) (int, string)
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{method: r.Method, path: r.URL.Path, body: string(body)})
	f.mu.Unlock()

	status, payload := http.StatusOK, `{}`
	if f.respond != nil {
		status, payload = f.respond(r)
	}
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

func newTestIndex(t *testing.T, fake *fakeES) *NotificationIndex {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	es, err := database.NewElasticsearch(config.ElasticsearchConfig{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return NewNotificationIndex(es, "test-notifications", logger.NewTestLogger(t))
}

// ==========================
// Index
// ==========================

func TestNotificationIndex_Index(t *testing.T) {
	fake := &fakeES{respond: func(*http.Request) (int, string) {
		return http.StatusCreated, `{"result":"created"}`
	}}
	idx := newTestIndex(t, fake)

	n := &models.Notification{
		ID: "n-1", Title: "Expense report approved", Message: "Your travel expenses were approved",
		Priority: models.PriorityNormal, TemplateCode: "FORM_APPROVED",
		SourceEntityType: "FormSubmission", SourceEntityID: 500,
		CreatedAt: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, idx.Index(context.Background(), n, []int64{7, 8}))

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, http.MethodPut, req.method)
	assert.Equal(t, "/test-notifications/_doc/n-1", req.path)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(req.body), &doc))
	assert.Equal(t, "Expense report approved", doc["title"])
	assert.Equal(t, []interface{}{float64(7), float64(8)}, doc["recipientUserIds"])
	assert.Equal(t, "FORM_APPROVED", doc["templateCode"])
}

func TestNotificationIndex_IndexErrorStatus(t *testing.T) {
	fake := &fakeES{respond: func(*http.Request) (int, string) {
		return http.StatusServiceUnavailable, `{"error":"unavailable"}`
	}}
	idx := newTestIndex(t, fake)

	err := idx.Index(context.Background(), &models.Notification{ID: "n-1"}, []int64{7})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSearchQueryFailed))
}

// ==========================
// Search
// ==========================

func TestNotificationIndex_Search(t *testing.T) {
	fake := &fakeES{respond: func(*http.Request) (int, string) {
		return http.StatusOK, `{"hits":{"total":{"value":2},"hits":[{"_id":"n-2","_score":3.1},{"_id":"n-1","_score":1.2}]}}`
	}}
	idx := newTestIndex(t, fake)

	ids, err := idx.Search(context.Background(), 7, "  expenses ", 20)
	require.NoError(t, err)
	assert.Equal(t, []string{"n-2", "n-1"}, ids)

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, "/test-notifications/_search", req.path)
	assert.Contains(t, req.body, `"query":"expenses"`)
	assert.Contains(t, req.body, `"recipientUserIds":7`)
}

func TestNotificationIndex_SearchBlankTermSkipsRequest(t *testing.T) {
	fake := &fakeES{}
	idx := newTestIndex(t, fake)

	ids, err := idx.Search(context.Background(), 7, "   ", 20)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, fake.requests)
}

func TestNotificationIndex_SearchFailure(t *testing.T) {
	fake := &fakeES{respond: func(*http.Request) (int, string) {
		return http.StatusBadRequest, `{"error":{"type":"parsing_exception"}}`
	}}
	idx := newTestIndex(t, fake)

	_, err := idx.Search(context.Background(), 7, "expenses", 20)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSearchQueryFailed))
}

// ==========================
// Index lifecycle
// ==========================

func TestNotificationIndex_EnsureIndexCreatesMissing(t *testing.T) {
	fake := &fakeES{respond: func(r *http.Request) (int, string) {
		if r.Method == http.MethodHead {
			return http.StatusNotFound, ``
		}
		return http.StatusOK, `{"acknowledged":true}`
	}}
	idx := newTestIndex(t, fake)

	require.NoError(t, idx.EnsureIndex(context.Background()))
	require.Len(t, fake.requests, 2)
	assert.Equal(t, http.MethodPut, fake.requests[1].method)
	assert.True(t, strings.Contains(fake.requests[1].body, `"recipientUserIds"`))
}

func TestNotificationIndex_DeleteIgnoresMissing(t *testing.T) {
	fake := &fakeES{respond: func(*http.Request) (int, string) {
		return http.StatusNotFound, `{"result":"not_found"}`
	}}
	idx := newTestIndex(t, fake)

	require.NoError(t, idx.Delete(context.Background(), "n-404"))
	assert.Equal(t, http.MethodDelete, fake.requests[0].method)
}
