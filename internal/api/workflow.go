// internal/api/workflow.go
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"workflow-notifications/internal/models"
)

type stepActionRequest struct {
	UserID           int64             `json:"userId"`
	Action           string            `json:"action"`
	Comments         string            `json:"comments"`
	DelegateToUserID int64             `json:"delegateToUserId"`
	Signature        *models.Signature `json:"signature"`
}

func (s *Server) workflowState(w http.ResponseWriter, r *http.Request) {
	submissionID, err := int64Param(r, "submissionID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	state, err := s.workflow.GetState(r.Context(), submissionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// stepAction applies an approval action. The signature IP defaults to the caller's
// address when the client does not send one.
func (s *Server) stepAction(w http.ResponseWriter, r *http.Request) {
	submissionID, err := int64Param(r, "submissionID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stepID, err := int64Param(r, "stepID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var body stepActionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, badRequest("invalid request body"))
		return
	}
	if body.UserID <= 0 || strings.TrimSpace(body.Action) == "" {
		s.writeError(w, r, badRequest("userId and action are required"))
		return
	}

	if strings.EqualFold(strings.TrimSpace(body.Action), models.ActionDelegate) {
		if body.DelegateToUserID <= 0 {
			s.writeError(w, r, badRequest("delegateToUserId is required to delegate"))
			return
		}
		p, err := s.workflow.Delegate(r.Context(), models.DelegateRequest{
			SubmissionID: submissionID,
			StepID:       stepID,
			FromUserID:   body.UserID,
			ToUserID:     body.DelegateToUserID,
			Reason:       body.Comments,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
		return
	}

	if body.Signature != nil && body.Signature.IPAddress == "" {
		body.Signature.IPAddress = r.RemoteAddr
	}
	state, err := s.workflow.ApplyAction(r.Context(), models.ActionRequest{
		SubmissionID: submissionID,
		StepID:       stepID,
		UserID:       body.UserID,
		Action:       body.Action,
		Comments:     body.Comments,
		Signature:    body.Signature,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}
