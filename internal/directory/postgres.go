package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	apperrors "workflow-notifications/internal/common/errors"
	"workflow-notifications/internal/models"

	"github.com/lib/pq"
)

// Open assignment statuses; completed or cancelled assignments never get reminders.
var openAssignmentStatuses = []string{"Assigned", "InProgress"}

type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

const userColumns = `u.id, u.email, COALESCE(u.phone, ''), u.full_name, u.department_id,
	COALESCE(u.push_endpoint, ''), COALESCE(u.webhook_url, ''), u.is_active`

func scanUser(sc interface{ Scan(...interface{}) error }) (*models.User, error) {
	var (
		u    models.User
		dept sql.NullInt64
	)
	if err := sc.Scan(&u.ID, &u.Email, &u.Phone, &u.FullName, &dept, &u.PushEndpoint, &u.WebhookURL, &u.IsActive); err != nil {
		return nil, err
	}
	if dept.Valid {
		u.DepartmentID = &dept.Int64
	}
	return &u, nil
}

func (d *PostgresDirectory) queryUsers(ctx context.Context, op, query string, args ...interface{}) ([]*models.User, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError(op, err)
	}
	defer rows.Close()

	var out []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, apperrors.NewQueryExecutionFailedError(op, err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (d *PostgresDirectory) GetUsers(ctx context.Context, ids []int64) (map[int64]*models.User, error) {
	out := make(map[int64]*models.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	users, err := d.queryUsers(ctx, "directory.get_users",
		`SELECT `+userColumns+` FROM users u WHERE u.id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

func (d *PostgresDirectory) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := scanUser(d.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users u WHERE lower(u.email) = lower($1) LIMIT 1`, email))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("directory.find_by_email", err)
	}
	return u, nil
}

func (d *PostgresDirectory) UsersInRole(ctx context.Context, roleID int64) ([]*models.User, error) {
	return d.queryUsers(ctx, "directory.users_in_role", `
		SELECT `+userColumns+`
		FROM users u
		JOIN user_roles ur ON ur.user_id = u.id
		WHERE ur.role_id = $1 AND u.is_active = true
		ORDER BY u.id`, roleID)
}

func (d *PostgresDirectory) DepartmentHead(ctx context.Context, departmentID int64) (*models.User, error) {
	u, err := scanUser(d.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM departments dp
		JOIN users u ON u.id = dp.head_user_id
		WHERE dp.id = $1 AND u.is_active = true`, departmentID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("directory.department_head", err)
	}
	return u, nil
}

func (d *PostgresDirectory) DepartmentMembers(ctx context.Context, departmentID int64) ([]*models.User, error) {
	return d.queryUsers(ctx, "directory.department_members", `
		SELECT `+userColumns+`
		FROM users u
		WHERE u.department_id = $1 AND u.is_active = true
		ORDER BY u.id`, departmentID)
}

const assignmentColumns = `a.id, a.title, a.form_id, COALESCE(f.title, ''), a.assigned_to_user_id,
	a.assigned_by_user_id, a.due_date, a.status`

func scanAssignment(sc interface{ Scan(...interface{}) error }) (*models.Assignment, error) {
	var a models.Assignment
	err := sc.Scan(&a.ID, &a.Title, &a.FormID, &a.FormTitle, &a.AssignedToUserID, &a.AssignedByUserID, &a.DueDate, &a.Status)
	return &a, err
}

func (d *PostgresDirectory) GetAssignment(ctx context.Context, id int64) (*models.Assignment, error) {
	a, err := scanAssignment(d.db.QueryRowContext(ctx, `
		SELECT `+assignmentColumns+`
		FROM assignments a
		LEFT JOIN forms f ON f.id = a.form_id
		WHERE a.id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("directory.get_assignment", err)
	}
	return a, nil
}

func (d *PostgresDirectory) queryAssignments(ctx context.Context, op, where string, args ...interface{}) ([]*models.Assignment, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+assignmentColumns+`
		FROM assignments a
		LEFT JOIN forms f ON f.id = a.form_id
		WHERE a.status = ANY($1) AND `+where+`
		ORDER BY a.due_date, a.id`, args...)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError(op, err)
	}
	defer rows.Close()

	var out []*models.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, apperrors.NewQueryExecutionFailedError(op, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (d *PostgresDirectory) AssignmentsDueBetween(ctx context.Context, from, to time.Time) ([]*models.Assignment, error) {
	return d.queryAssignments(ctx, "directory.assignments_due", "a.due_date >= $2 AND a.due_date < $3",
		pq.Array(openAssignmentStatuses), from, to)
}

func (d *PostgresDirectory) OverdueAssignments(ctx context.Context, now time.Time) ([]*models.Assignment, error) {
	return d.queryAssignments(ctx, "directory.assignments_overdue", "a.due_date < $2",
		pq.Array(openAssignmentStatuses), now)
}

func (d *PostgresDirectory) GetSubmission(ctx context.Context, id int64) (*models.FormSubmission, error) {
	var (
		s          models.FormSubmission
		workflowID sql.NullInt64
		assignment sql.NullInt64
		answers    []byte
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT s.id, s.form_id, COALESCE(f.title, ''), COALESCE(s.workflow_id, f.workflow_id), s.assignment_id,
		       s.submitted_by, s.submitted_at, s.status, s.answers
		FROM form_submissions s
		JOIN forms f ON f.id = s.form_id
		WHERE s.id = $1`, id).Scan(
		&s.ID, &s.FormID, &s.FormTitle, &workflowID, &assignment, &s.SubmittedBy, &s.SubmittedAt, &s.Status, &answers)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("directory.get_submission", err)
	}
	if workflowID.Valid {
		s.WorkflowID = &workflowID.Int64
	}
	if assignment.Valid {
		s.AssignmentID = &assignment.Int64
	}
	s.Answers = decodeAnswers(answers)
	return &s, nil
}

// decodeAnswers flattens the answers JSON into field -> string form, which is
// what conditions and placeholder data compare against.
func decodeAnswers(raw []byte) map[string]string {
	out := make(map[string]string)
	if len(raw) == 0 {
		return out
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return out
	}
	for k, v := range generic {
		switch val := v.(type) {
		case nil:
		case string:
			out[k] = val
		default:
			b, _ := json.Marshal(val)
			out[k] = string(b)
		}
	}
	return out
}
