// internal/workers/workflow/start-workflow/models.go
package startworkflow

type Input struct {
	SubmissionID int64 `json:"submissionId"`
}

type Output struct {
	SubmissionStatus string  `json:"submissionStatus"`
	WorkflowID       int64   `json:"workflowId"`
	ActiveStepIDs    []int64 `json:"activeStepIds"`
}
