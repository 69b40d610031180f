package models

import "time"

// User is the read-only view of an account the engine addresses notifications to.
type User struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	Phone        string `json:"phone,omitempty"`
	FullName     string `json:"fullName"`
	DepartmentID *int64 `json:"departmentId,omitempty"`
	// PushEndpoint is the SNS platform endpoint ARN registered for the user's device.
	PushEndpoint string `json:"pushEndpoint,omitempty"`
	WebhookURL   string `json:"webhookUrl,omitempty"`
	IsActive     bool   `json:"isActive"`
}

// AddressFor returns the channel-appropriate recipient address.
func (u *User) AddressFor(channelType string) string {
	switch CanonicalChannel(channelType) {
	case ChannelEmail:
		return u.Email
	case ChannelSMS:
		return u.Phone
	case ChannelPush:
		if u.PushEndpoint != "" {
			return u.PushEndpoint
		}
	case ChannelWebhook:
		if u.WebhookURL != "" {
			return u.WebhookURL
		}
	}
	return formatID(u.ID)
}

type Assignment struct {
	ID               int64     `json:"id"`
	Title            string    `json:"title"`
	FormID           int64     `json:"formId"`
	FormTitle        string    `json:"formTitle"`
	AssignedToUserID int64     `json:"assignedToUserId"`
	AssignedByUserID int64     `json:"assignedByUserId"`
	DueDate          time.Time `json:"dueDate"`
	Status           string    `json:"status"`
}

type FormSubmission struct {
	ID           int64             `json:"id"`
	FormID       int64             `json:"formId"`
	FormTitle    string            `json:"formTitle"`
	WorkflowID   *int64            `json:"workflowId,omitempty"`
	AssignmentID *int64            `json:"assignmentId,omitempty"`
	SubmittedBy  int64             `json:"submittedBy"`
	SubmittedAt  time.Time         `json:"submittedAt"`
	Status       string            `json:"status"`
	Answers      map[string]string `json:"answers"`
}
