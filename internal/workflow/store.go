package workflow

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"workflow-notifications/internal/common/database"
	apperrors "workflow-notifications/internal/common/errors"
	"workflow-notifications/internal/models"

	"github.com/lib/pq"
)

// Submission statuses written as the workflow progresses.
const (
	SubmissionInApproval = "InApproval"
	SubmissionApproved   = "Approved"
	SubmissionRejected   = "Rejected"
)

// PendingStep is an active step together with what a reminder needs to address it.
type PendingStep struct {
	Progress         *models.StepProgress
	StepName         string
	EscalationRoleID *int64
}

type Store interface {
	GetDefinition(ctx context.Context, workflowID int64) (*models.WorkflowDefinition, error)
	// GetActions returns the configured actions keyed by name.
	GetActions(ctx context.Context) (map[string]*models.WorkflowAction, error)

	ListProgress(ctx context.Context, submissionID int64) ([]*models.StepProgress, error)
	// CreateProgress inserts the rows in one transaction and fills in their ids.
	CreateProgress(ctx context.Context, rows []*models.StepProgress) error
	// UpdateProgress writes every row in one transaction.
	UpdateProgress(ctx context.Context, rows ...*models.StepProgress) error
	UpdateSubmissionStatus(ctx context.Context, submissionID int64, status string) error

	// PendingActiveSteps lists steps assigned before assignedBefore that are still waiting and
	// were not reminded since remindedBefore.
	PendingActiveSteps(ctx context.Context, assignedBefore, remindedBefore time.Time, limit int) ([]*PendingStep, error)
	MarkReminded(ctx context.Context, progressID int64, at time.Time) error
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetDefinition(ctx context.Context, workflowID int64) (*models.WorkflowDefinition, error) {
	def := &models.WorkflowDefinition{ID: workflowID}
	err := s.db.QueryRowContext(ctx, `SELECT name, form_id, is_active FROM workflows WHERE id = $1`, workflowID).
		Scan(&def.Name, &def.FormID, &def.IsActive)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewInvalidRequestError(fmt.Sprintf("workflow %d does not exist", workflowID))
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("workflow.get", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, step_order, is_parallel, is_conditional, condition, auto_approve_condition, depends_on,
		       assignee_role_id, assignee_user_id, assignee_department_id, assignee_form_field,
		       COALESCE(due_in_days, 0), escalation_role_id, allowed_actions
		FROM workflow_steps
		WHERE workflow_id = $1
		ORDER BY step_order, id`, workflowID)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("workflow.list_steps", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			step                   models.WorkflowStep
			condition, autoApprove []byte
			dependsOn              pq.Int64Array
			allowed                pq.StringArray
			roleID, userID, deptID sql.NullInt64
			escalationRole         sql.NullInt64
			fieldKey               sql.NullString
		)
		if err := rows.Scan(&step.ID, &step.Name, &step.StepOrder, &step.IsParallel, &step.IsConditional,
			&condition, &autoApprove, &dependsOn, &roleID, &userID, &deptID, &fieldKey,
			&step.DueInDays, &escalationRole, &allowed); err != nil {
			return nil, apperrors.NewQueryExecutionFailedError("workflow.scan_step", err)
		}
		step.WorkflowID = workflowID
		step.DependsOn = []int64(dependsOn)
		step.AllowedActions = []string(allowed)
		step.EscalationRoleID = int64Ptr(escalationRole)

		if step.Condition, err = decodeCondition(condition); err != nil {
			return nil, apperrors.NewInvalidRequestError(fmt.Sprintf("step %d condition: %v", step.ID, err))
		}
		if step.AutoApproveCondition, err = decodeCondition(autoApprove); err != nil {
			return nil, apperrors.NewInvalidRequestError(fmt.Sprintf("step %d auto-approve condition: %v", step.ID, err))
		}

		var field *string
		if fieldKey.Valid {
			field = &fieldKey.String
		}
		if step.Assignee, err = models.NewAssigneeRef(int64Ptr(roleID), int64Ptr(userID), int64Ptr(deptID), field); err != nil {
			return nil, apperrors.NewInvalidAssigneeError(fmt.Sprintf("step %d: %v", step.ID, err))
		}
		def.Steps = append(def.Steps, step)
	}
	return def, rows.Err()
}

func decodeCondition(raw []byte) (*models.Condition, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var c models.Condition
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	if c.Field == "" {
		return nil, nil
	}
	return &c, nil
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullInt64(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// builtinActions apply when the workflow_actions table does not define an action.
var builtinActions = map[string]*models.WorkflowAction{
	models.ActionApprove:        {Name: models.ActionApprove, ResultStatus: models.StepApproved},
	models.ActionReject:         {Name: models.ActionReject, RequiresComment: true, ResultStatus: models.StepRejected},
	models.ActionRequestChanges: {Name: models.ActionRequestChanges, RequiresComment: true, ResultStatus: models.StepRejected},
	models.ActionDelegate:       {Name: models.ActionDelegate, ResultStatus: models.StepPending},
}

func (s *PostgresStore) GetActions(ctx context.Context) (map[string]*models.WorkflowAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, requires_signature, requires_comment, COALESCE(result_status, '')
		FROM workflow_actions`)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("workflow.list_actions", err)
	}
	defer rows.Close()

	out := make(map[string]*models.WorkflowAction)
	for rows.Next() {
		var (
			a      models.WorkflowAction
			status string
		)
		if err := rows.Scan(&a.Name, &a.RequiresSignature, &a.RequiresComment, &status); err != nil {
			return nil, apperrors.NewQueryExecutionFailedError("workflow.scan_action", err)
		}
		a.ResultStatus = models.StepStatus(status)
		out[a.Name] = &a
	}
	return out, rows.Err()
}

const progressColumns = `p.id, p.submission_id, p.step_id, p.status, p.assigned_user_id, p.assigned_date, p.due_date,
	p.delegated_by, COALESCE(p.delegation_reason, ''), p.delegation_chain, COALESCE(p.signature_data, ''),
	p.signature_timestamp, COALESCE(p.signature_ip, ''), COALESCE(p.comments, ''), p.action_by, p.action_date,
	p.last_reminder_at`

type progressRow struct {
	p                                  models.StepProgress
	status                             string
	assignedUser, delegatedBy, actedBy sql.NullInt64
	assigned, due, signed, acted, seen sql.NullTime
	chain                              pq.Int64Array
}

func (r *progressRow) dest() []interface{} {
	return []interface{}{&r.p.ID, &r.p.SubmissionID, &r.p.StepID, &r.status, &r.assignedUser, &r.assigned, &r.due,
		&r.delegatedBy, &r.p.DelegationReason, &r.chain, &r.p.SignatureData, &r.signed, &r.p.SignatureIP,
		&r.p.Comments, &r.actedBy, &r.acted, &r.seen}
}

func (r *progressRow) value() *models.StepProgress {
	p := r.p
	p.Status = models.StepStatus(r.status)
	p.AssignedUserID = int64Ptr(r.assignedUser)
	p.AssignedDate = timePtr(r.assigned)
	p.DueDate = timePtr(r.due)
	p.DelegatedBy = int64Ptr(r.delegatedBy)
	p.DelegationChain = []int64(r.chain)
	p.SignatureTimestamp = timePtr(r.signed)
	p.ActionBy = int64Ptr(r.actedBy)
	p.ActionDate = timePtr(r.acted)
	p.LastReminderAt = timePtr(r.seen)
	return &p
}

func (s *PostgresStore) ListProgress(ctx context.Context, submissionID int64) ([]*models.StepProgress, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+progressColumns+`
		FROM submission_workflow_progress p
		WHERE p.submission_id = $1
		ORDER BY p.id`, submissionID)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("workflow.list_progress", err)
	}
	defer rows.Close()

	var out []*models.StepProgress
	for rows.Next() {
		var row progressRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, apperrors.NewQueryExecutionFailedError("workflow.scan_progress", err)
		}
		out = append(out, row.value())
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateProgress(ctx context.Context, rows []*models.StepProgress) error {
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, p := range rows {
			if err := tx.QueryRowContext(ctx, `
				INSERT INTO submission_workflow_progress (submission_id, step_id, status)
				VALUES ($1, $2, $3)
				RETURNING id`, p.SubmissionID, p.StepID, string(p.Status)).Scan(&p.ID); err != nil {
				return apperrors.NewQueryExecutionFailedError("workflow.insert_progress", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, rows ...*models.StepProgress) error {
	if len(rows) == 0 {
		return nil
	}
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, p := range rows {
			res, err := tx.ExecContext(ctx, `
				UPDATE submission_workflow_progress
				SET status = $2, assigned_user_id = $3, assigned_date = $4, due_date = $5, delegated_by = $6,
				    delegation_reason = $7, delegation_chain = $8, signature_data = $9, signature_timestamp = $10,
				    signature_ip = $11, comments = $12, action_by = $13, action_date = $14, last_reminder_at = $15
				WHERE id = $1`,
				p.ID, string(p.Status), nullInt64(p.AssignedUserID), nullTime(p.AssignedDate), nullTime(p.DueDate),
				nullInt64(p.DelegatedBy), p.DelegationReason, pq.Array(p.DelegationChain), p.SignatureData,
				nullTime(p.SignatureTimestamp), p.SignatureIP, p.Comments, nullInt64(p.ActionBy),
				nullTime(p.ActionDate), nullTime(p.LastReminderAt))
			if err != nil {
				return apperrors.NewQueryExecutionFailedError("workflow.update_progress", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return apperrors.NewWorkflowStepNotFoundError(p.SubmissionID, p.StepID)
			}
		}
		return nil
	})
}

func (s *PostgresStore) UpdateSubmissionStatus(ctx context.Context, submissionID int64, status string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE form_submissions SET status = $2 WHERE id = $1`, submissionID, status); err != nil {
		return apperrors.NewQueryExecutionFailedError("workflow.update_submission_status", err)
	}
	return nil
}

// LockSubmission holds a session advisory lock keyed by the submission id on a
// dedicated connection until unlock is called.
func (s *PostgresStore) LockSubmission(ctx context.Context, submissionID int64) (func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseConnectionFailedError(err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, submissionID); err != nil {
		conn.Close()
		return nil, apperrors.NewQueryExecutionFailedError("workflow.lock_submission", err)
	}
	return func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, submissionID); err != nil {
			// A session that may still hold the lock must not return to the pool.
			_ = conn.Raw(func(interface{}) error { return driver.ErrBadConn })
		}
		conn.Close()
	}, nil
}

func (s *PostgresStore) PendingActiveSteps(ctx context.Context, assignedBefore, remindedBefore time.Time, limit int) ([]*PendingStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+progressColumns+`, s.name, s.escalation_role_id
		FROM submission_workflow_progress p
		JOIN workflow_steps s ON s.id = p.step_id
		WHERE p.status IN ('Pending', 'Delegated')
		  AND p.assigned_date IS NOT NULL
		  AND p.assigned_date < $1
		  AND (p.last_reminder_at IS NULL OR p.last_reminder_at < $2)
		ORDER BY p.assigned_date
		LIMIT $3`, assignedBefore, remindedBefore, limit)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("workflow.pending_steps", err)
	}
	defer rows.Close()

	var out []*PendingStep
	for rows.Next() {
		var (
			row        progressRow
			name       string
			escalation sql.NullInt64
		)
		if err := rows.Scan(append(row.dest(), &name, &escalation)...); err != nil {
			return nil, apperrors.NewQueryExecutionFailedError("workflow.scan_pending_step", err)
		}
		out = append(out, &PendingStep{Progress: row.value(), StepName: name, EscalationRoleID: int64Ptr(escalation)})
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkReminded(ctx context.Context, progressID int64, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE submission_workflow_progress SET last_reminder_at = $2 WHERE id = $1`, progressID, at); err != nil {
		return apperrors.NewQueryExecutionFailedError("workflow.mark_reminded", err)
	}
	return nil
}
