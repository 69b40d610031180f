// internal/workers/workflow/step-action/models.go
package stepaction

import "time"

type Input struct {
	SubmissionID     int64      `json:"submissionId"`
	StepID           int64      `json:"stepId"`
	UserID           int64      `json:"userId"`
	Action           string     `json:"action"`
	Comments         string     `json:"comments"`
	DelegateToUserID int64      `json:"delegateToUserId"`
	Signature        *Signature `json:"signature"`
}

type Signature struct {
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	IPAddress string    `json:"ipAddress"`
}

type Output struct {
	SubmissionStatus string `json:"submissionStatus"`
	StepStatus       string `json:"stepStatus"`
	AssignedUserID   int64  `json:"assignedUserId,omitempty"`
	Completed        bool   `json:"workflowCompleted"`
}
