// internal/api/notifications.go
package api

import (
	"encoding/json"
	"net/http"

	"workflow-notifications/internal/models"
	"workflow-notifications/internal/notification"

	"github.com/go-chi/chi/v5"
)

func (s *Server) createNotification(w http.ResponseWriter, r *http.Request) {
	var req models.CreateNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest("invalid request body"))
		return
	}
	if req.TemplateCode == "" || len(req.RecipientUserIDs) == 0 {
		s.writeError(w, r, badRequest("templateCode and recipientUserIds are required"))
		return
	}

	n, err := s.inbox.CreateNotification(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) getNotification(w http.ResponseWriter, r *http.Request) {
	n, err := s.inbox.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) deactivate(w http.ResponseWriter, r *http.Request) {
	if err := s.inbox.Deactivate(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	userID, err := int64Param(r, "userID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	f := notification.ListFilter{
		Category: q.Get("category"),
		Priority: q.Get("priority"),
		Search:   q.Get("search"),
	}
	if f.Read, err = boolQuery(r, "read"); err != nil {
		s.writeError(w, r, err)
		return
	}
	dismissed, err := boolQuery(r, "includeDismissed")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f.IncludeDismissed = dismissed != nil && *dismissed
	if f.Page, err = intQuery(r, "page"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.PageSize, err = intQuery(r, "pageSize"); err != nil {
		s.writeError(w, r, err)
		return
	}

	page, err := s.inbox.List(r.Context(), userID, f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) unreadCount(w http.ResponseWriter, r *http.Request) {
	userID, err := int64Param(r, "userID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.inbox.UnreadCount(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

func (s *Server) markAllRead(w http.ResponseWriter, r *http.Request) {
	userID, err := int64Param(r, "userID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.inbox.MarkAllAsRead(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

type recipientOp func(r *http.Request, notificationID string, userID int64) (*models.Recipient, error)

func (s *Server) recipientAction(op recipientOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := int64Param(r, "userID")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		rec, err := op(r, chi.URLParam(r, "id"), userID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	s.recipientAction(func(r *http.Request, id string, userID int64) (*models.Recipient, error) {
		return s.inbox.MarkAsRead(r.Context(), id, userID)
	})(w, r)
}

func (s *Server) dismiss(w http.ResponseWriter, r *http.Request) {
	s.recipientAction(func(r *http.Request, id string, userID int64) (*models.Recipient, error) {
		return s.inbox.Dismiss(r.Context(), id, userID)
	})(w, r)
}

func (s *Server) markActioned(w http.ResponseWriter, r *http.Request) {
	s.recipientAction(func(r *http.Request, id string, userID int64) (*models.Recipient, error) {
		return s.inbox.MarkActioned(r.Context(), id, userID)
	})(w, r)
}

func (s *Server) deliveryStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deliveries.GetDeliveryStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) retryDeliveries(w http.ResponseWriter, r *http.Request) {
	result, err := s.deliveries.RetryFailedDeliveries(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
