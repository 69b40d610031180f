// internal/search/elasticsearch.go
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"workflow-notifications/internal/common/database"
	apperrors "workflow-notifications/internal/common/errors"
	"workflow-notifications/internal/common/logger"
	"workflow-notifications/internal/models"

	"github.com/elastic/go-elasticsearch/v8/esapi"
)

const DefaultIndex = "notifications"

const indexMapping = `{
  "mappings": {
    "properties": {
      "id":               {"type": "keyword"},
      "title":            {"type": "text"},
      "message":          {"type": "text"},
      "category":         {"type": "keyword"},
      "priority":         {"type": "keyword"},
      "templateCode":     {"type": "keyword"},
      "sourceEntityType": {"type": "keyword"},
      "sourceEntityId":   {"type": "long"},
      "recipientUserIds": {"type": "long"},
      "createdAt":        {"type": "date"}
    }
  }
}`

type document struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Message          string    `json:"message"`
	Category         string    `json:"category,omitempty"`
	Priority         string    `json:"priority"`
	TemplateCode     string    `json:"templateCode"`
	SourceEntityType string    `json:"sourceEntityType,omitempty"`
	SourceEntityID   int64     `json:"sourceEntityId,omitempty"`
	RecipientUserIDs []int64   `json:"recipientUserIds"`
	CreatedAt        time.Time `json:"createdAt"`
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID string `json:"_id"`
		} `json:"hits"`
	} `json:"hits"`
}

// NotificationIndex keeps a full-text copy of notifications so inbox searches can
// match words in titles and messages.
type NotificationIndex struct {
	es    *database.ElasticsearchClient
	index string
	log   logger.Logger
}

func NewNotificationIndex(es *database.ElasticsearchClient, index string, log logger.Logger) *NotificationIndex {
	if index == "" {
		index = DefaultIndex
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &NotificationIndex{es: es, index: index, log: log.Component("search")}
}

// EnsureIndex creates the index with its mapping when it does not exist yet.
func (x *NotificationIndex) EnsureIndex(ctx context.Context) error {
	return x.es.EnsureIndex(ctx, x.index, indexMapping)
}

// Index stores n under its id. Indexing the same notification twice overwrites it.
func (x *NotificationIndex) Index(ctx context.Context, n *models.Notification, userIDs []int64) error {
	body, err := json.Marshal(document{
		ID:               n.ID,
		Title:            n.Title,
		Message:          n.Message,
		Category:         n.Category,
		Priority:         string(n.Priority),
		TemplateCode:     n.TemplateCode,
		SourceEntityType: n.SourceEntityType,
		SourceEntityID:   n.SourceEntityID,
		RecipientUserIDs: userIDs,
		CreatedAt:        n.CreatedAt,
	})
	if err != nil {
		return apperrors.NewInternalError(fmt.Errorf("encode notification %s: %w", n.ID, err))
	}

	req := esapi.IndexRequest{
		Index:      x.index,
		DocumentID: n.ID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, x.es.Client)
	if err != nil {
		return apperrors.NewSearchQueryFailedError(x.index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return apperrors.NewSearchQueryFailedError(x.index, fmt.Errorf("index %s: %s", n.ID, res.Status()))
	}

	x.log.Debug("notification indexed", map[string]interface{}{"notificationId": n.ID})
	return nil
}

// Search returns up to limit notification ids addressed to userID that match term,
// best match first.
func (x *NotificationIndex) Search(ctx context.Context, userID int64, term string, limit int) ([]string, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	query := map[string]interface{}{
		"_source": false,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": map[string]interface{}{
					"multi_match": map[string]interface{}{
						"query":     term,
						"fields":    []string{"title^2", "message", "category"},
						"fuzziness": "AUTO",
					},
				},
				"filter": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"recipientUserIds": userID}},
				},
			},
		},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("encode search query: %w", err))
	}

	req := esapi.SearchRequest{
		Index: []string{x.index},
		Body:  bytes.NewReader(body),
		Size:  &limit,
	}
	res, err := req.Do(ctx, x.es.Client)
	if err != nil {
		return nil, apperrors.NewSearchQueryFailedError(x.index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, apperrors.NewSearchQueryFailedError(x.index, fmt.Errorf("search for user %s: %s", strconv.FormatInt(userID, 10), res.Status()))
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, apperrors.NewSearchQueryFailedError(x.index, err)
	}
	ids := make([]string, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		ids = append(ids, h.ID)
	}
	return ids, nil
}

// Delete removes the notification from the index. A missing document is not an error.
func (x *NotificationIndex) Delete(ctx context.Context, notificationID string) error {
	req := esapi.DeleteRequest{Index: x.index, DocumentID: notificationID}
	res, err := req.Do(ctx, x.es.Client)
	if err != nil {
		return apperrors.NewSearchQueryFailedError(x.index, err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != 404 {
		return apperrors.NewSearchQueryFailedError(x.index, fmt.Errorf("delete %s: %s", notificationID, res.Status()))
	}
	return nil
}
