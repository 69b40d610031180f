// internal/api/respond.go
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	apperrors "workflow-notifications/internal/common/errors"

	"github.com/go-chi/chi/v5"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeInvalidRequest, apperrors.ErrCodeMissingPlaceholder,
		apperrors.ErrCodeCommentRequired, apperrors.ErrCodeSignatureRequired:
		return http.StatusBadRequest
	case apperrors.ErrCodeTemplateNotFound, apperrors.ErrCodeNotificationNotFound,
		apperrors.ErrCodeDeliveryNotFound, apperrors.ErrCodeWorkflowStepNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeInvalidAssignee, apperrors.ErrCodeActionNotAllowed:
		return http.StatusForbidden
	case apperrors.ErrCodeInvalidTransition:
		return http.StatusConflict
	case apperrors.ErrCodeRecipientInvalid, apperrors.ErrCodeChannelConfigInvalid:
		return http.StatusUnprocessableEntity
	case apperrors.ErrCodeDatabaseConnectionFailed, apperrors.ErrCodeEngineUnavailable,
		apperrors.ErrCodeProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var se *apperrors.StandardError
	if !errors.As(err, &se) {
		se = apperrors.NewInternalError(err)
	}
	status := statusFor(se.Code)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", map[string]interface{}{
			"path":  r.URL.Path,
			"code":  string(se.Code),
			"error": err.Error(),
		})
	}
	body := errorBody{Code: string(se.Code), Message: se.Message}
	if status < http.StatusInternalServerError {
		body.Details = se.Details
	}
	writeJSON(w, status, body)
}

func badRequest(details string) error {
	return apperrors.NewInvalidRequestError(details)
}

func int64Param(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, badRequest(name + " must be a positive integer")
	}
	return v, nil
}

func intQuery(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, badRequest(name + " must be a non-negative integer")
	}
	return v, nil
}

func boolQuery(r *http.Request, name string) (*bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, badRequest(name + " must be true or false")
	}
	return &v, nil
}
