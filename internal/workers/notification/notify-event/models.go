// internal/workers/notification/notify-event/models.go
package notifyevent

type Input struct {
	AssignmentID int64  `json:"assignmentId,omitempty"`
	SubmissionID int64  `json:"submissionId,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

type Output struct {
	NotificationID string `json:"notificationId"`
	Notified       bool   `json:"notified"`
}
