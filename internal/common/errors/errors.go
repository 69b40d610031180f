// Package errors defines the notification and workflow error taxonomy and its mapping to BPMN errors.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Error Codes
// ==========================

type ErrorCode string

// Notification pipeline
const (
	ErrCodeTemplateNotFound     ErrorCode = "TEMPLATE_NOT_FOUND"
	ErrCodeMissingPlaceholder   ErrorCode = "MISSING_PLACEHOLDER"
	ErrCodeProviderUnavailable  ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrCodeDeliveryFailed       ErrorCode = "DELIVERY_FAILED"
	ErrCodeRecipientInvalid     ErrorCode = "RECIPIENT_INVALID"
	ErrCodeDailyLimitReached    ErrorCode = "DAILY_LIMIT_REACHED"
	ErrCodeNotificationNotFound ErrorCode = "NOTIFICATION_NOT_FOUND"
	ErrCodeDeliveryNotFound     ErrorCode = "DELIVERY_NOT_FOUND"
	ErrCodeChannelConfigInvalid ErrorCode = "CHANNEL_CONFIG_INVALID"
	ErrCodeInvalidRequest       ErrorCode = "INVALID_REQUEST"
)

// Workflow state machine
const (
	ErrCodeWorkflowStepNotFound ErrorCode = "WORKFLOW_STEP_NOT_FOUND"
	ErrCodeInvalidTransition    ErrorCode = "INVALID_TRANSITION"
	ErrCodeActionNotAllowed     ErrorCode = "ACTION_NOT_ALLOWED"
	ErrCodeSignatureRequired    ErrorCode = "SIGNATURE_REQUIRED"
	ErrCodeCommentRequired      ErrorCode = "COMMENT_REQUIRED"
	ErrCodeInvalidAssignee      ErrorCode = "INVALID_ASSIGNEE"
)

// Infrastructure
const (
	ErrCodeDatabaseConnectionFailed ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeQueryExecutionFailed     ErrorCode = "QUERY_EXECUTION_FAILED"
	ErrCodeSearchQueryFailed        ErrorCode = "SEARCH_QUERY_FAILED"
	ErrCodeEngineUnavailable        ErrorCode = "ENGINE_UNAVAILABLE"
	ErrCodeInternal                 ErrorCode = "INTERNAL_ERROR"
)

// StandardError is the structured error carried through every layer.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("StandardError[%s]: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error { return e.cause }

// Is matches any *StandardError carrying the same code, so sentinels like
// &StandardError{Code: ErrCodeTemplateNotFound} work with errors.Is.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithMetadata attaches a key/value and returns the receiver.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

func newError(code ErrorCode, message, details string, retryable bool, cause error) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
		cause:     cause,
	}
}

// CodeOf returns the code of the first StandardError in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var se *StandardError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ""
}

// As and Is forward to the standard library so callers need a single errors import.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }

func Is(err, target error) bool { return stderrors.Is(err, target) }

// HasCode reports whether err's chain carries a StandardError with code.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// ==========================
// 2. BPMN Error Integration
// ==========================

// BPMNError is thrown back to the process engine from job handlers.
type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns the variables set on a failed or thrown job.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

// ==========================
// 3. Constructors
// ==========================

func NewTemplateNotFoundError(code string) *StandardError {
	return newError(ErrCodeTemplateNotFound, "Template not found or inactive",
		fmt.Sprintf("templateCode: %s", code), false, nil)
}

func NewMissingPlaceholderError(templateCode string, missing []string) *StandardError {
	return newError(ErrCodeMissingPlaceholder, "Placeholder data incomplete",
		fmt.Sprintf("templateCode: %s, missing: %s", templateCode, strings.Join(missing, ",")), false, nil)
}

func NewProviderUnavailableError(channelType string) *StandardError {
	return newError(ErrCodeProviderUnavailable, "No provider registered for channel",
		fmt.Sprintf("channel: %s", channelType), false, nil)
}

func NewDeliveryFailedError(channelType string, err error) *StandardError {
	details := fmt.Sprintf("channel: %s", channelType)
	if err != nil {
		details = fmt.Sprintf("channel: %s, error: %s", channelType, err.Error())
	}
	return newError(ErrCodeDeliveryFailed, "Provider failed to deliver", details, true, err)
}

func NewRecipientInvalidError(userID int64) *StandardError {
	return newError(ErrCodeRecipientInvalid, "Recipient could not be resolved",
		fmt.Sprintf("userId: %d", userID), false, nil)
}

func NewDailyLimitReachedError(channelType string, limit int) *StandardError {
	return newError(ErrCodeDailyLimitReached, "Daily send limit reached",
		fmt.Sprintf("channel: %s, limit: %d", channelType, limit), true, nil)
}

func NewNotificationNotFoundError(id string) *StandardError {
	return newError(ErrCodeNotificationNotFound, "Notification not found",
		fmt.Sprintf("notificationId: %s", id), false, nil)
}

func NewDeliveryNotFoundError(id string) *StandardError {
	return newError(ErrCodeDeliveryNotFound, "Delivery not found",
		fmt.Sprintf("deliveryId: %s", id), false, nil)
}

func NewChannelConfigInvalidError(channelType, details string) *StandardError {
	return newError(ErrCodeChannelConfigInvalid, "Channel configuration invalid",
		fmt.Sprintf("channel: %s, %s", channelType, details), false, nil)
}

func NewInvalidRequestError(details string) *StandardError {
	return newError(ErrCodeInvalidRequest, "Invalid request", details, false, nil)
}

func NewWorkflowStepNotFoundError(submissionID, stepID int64) *StandardError {
	return newError(ErrCodeWorkflowStepNotFound, "Workflow step progress not found",
		fmt.Sprintf("submissionId: %d, stepId: %d", submissionID, stepID), false, nil)
}

func NewInvalidTransitionError(from, to string) *StandardError {
	return newError(ErrCodeInvalidTransition, "Invalid workflow transition",
		fmt.Sprintf("from: %s, to: %s", from, to), false, nil)
}

func NewActionNotAllowedError(action string, stepID int64) *StandardError {
	return newError(ErrCodeActionNotAllowed, "Action not allowed on step",
		fmt.Sprintf("action: %s, stepId: %d", action, stepID), false, nil)
}

func NewSignatureRequiredError(action string) *StandardError {
	return newError(ErrCodeSignatureRequired, "Signature required",
		fmt.Sprintf("action: %s", action), false, nil)
}

func NewCommentRequiredError(action string) *StandardError {
	return newError(ErrCodeCommentRequired, "Comment required",
		fmt.Sprintf("action: %s", action), false, nil)
}

func NewInvalidAssigneeError(details string) *StandardError {
	return newError(ErrCodeInvalidAssignee, "Invalid step assignee", details, false, nil)
}

func NewDatabaseConnectionFailedError(err error) *StandardError {
	return newError(ErrCodeDatabaseConnectionFailed, "Database connection error", err.Error(), true, err)
}

func NewQueryExecutionFailedError(queryType string, err error) *StandardError {
	return newError(ErrCodeQueryExecutionFailed, "Database query execution error",
		fmt.Sprintf("queryType: %s, error: %s", queryType, err.Error()), true, err)
}

func NewSearchQueryFailedError(index string, err error) *StandardError {
	return newError(ErrCodeSearchQueryFailed, "Search query error",
		fmt.Sprintf("index: %s, error: %s", index, err.Error()), true, err)
}

func NewEngineUnavailableError(operation string, err error) *StandardError {
	return newError(ErrCodeEngineUnavailable, "Workflow engine unavailable",
		fmt.Sprintf("operation: %s, error: %s", operation, err.Error()), true, err)
}

func NewInternalError(err error) *StandardError {
	return newError(ErrCodeInternal, "Unexpected error", err.Error(), false, err)
}

// ==========================
// 4. BPMN Conversion
// ==========================

// GetRetryCount returns how many job retries a code deserves.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeDatabaseConnectionFailed,
		ErrCodeQueryExecutionFailed,
		ErrCodeSearchQueryFailed,
		ErrCodeEngineUnavailable,
		ErrCodeDeliveryFailed:
		return 3
	case ErrCodeDailyLimitReached:
		return 1
	default:
		return 0
	}
}

// ConvertToBPMNError converts a StandardError into the shape thrown to the process engine.
func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	return &BPMNError{
		Code:      string(stdErr.Code),
		Message:   stdErr.Message,
		Details:   stdErr.Details,
		Retryable: stdErr.Retryable,
		Retries:   retries,
		ErrorVariables: map[string]interface{}{
			"originalErrorCode": string(stdErr.Code),
			"errorCategory":     GetErrorCategory(stdErr.Code),
			"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
		},
	}
}

func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

func GetErrorCategory(code ErrorCode) string {
	switch code {
	case ErrCodeTemplateNotFound, ErrCodeMissingPlaceholder:
		return "TEMPLATE"
	case ErrCodeProviderUnavailable, ErrCodeDeliveryFailed, ErrCodeDailyLimitReached,
		ErrCodeChannelConfigInvalid, ErrCodeDeliveryNotFound:
		return "DELIVERY"
	case ErrCodeRecipientInvalid, ErrCodeNotificationNotFound:
		return "NOTIFICATION"
	case ErrCodeWorkflowStepNotFound, ErrCodeInvalidTransition, ErrCodeActionNotAllowed,
		ErrCodeSignatureRequired, ErrCodeCommentRequired, ErrCodeInvalidAssignee:
		return "WORKFLOW"
	case ErrCodeDatabaseConnectionFailed, ErrCodeQueryExecutionFailed:
		return "DATABASE"
	case ErrCodeSearchQueryFailed:
		return "SEARCH"
	case ErrCodeEngineUnavailable:
		return "ENGINE"
	case ErrCodeInvalidRequest:
		return "VALIDATION"
	default:
		return "OTHER"
	}
}
