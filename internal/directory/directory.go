// Package directory reads the users, roles, departments, assignments and form
// submissions owned by the surrounding platform. It never writes.
package directory

import (
	"context"
	"errors"
	"time"

	"workflow-notifications/internal/models"
)

var ErrNotFound = errors.New("directory: not found")

type Directory interface {
	// GetUsers returns the users that exist, keyed by id. Unknown ids are absent from the map.
	GetUsers(ctx context.Context, ids []int64) (map[int64]*models.User, error)
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	// UsersInRole lists active members of a role ordered by id.
	UsersInRole(ctx context.Context, roleID int64) ([]*models.User, error)
	// DepartmentHead returns ErrNotFound when the department has no active head.
	DepartmentHead(ctx context.Context, departmentID int64) (*models.User, error)
	DepartmentMembers(ctx context.Context, departmentID int64) ([]*models.User, error)

	GetAssignment(ctx context.Context, id int64) (*models.Assignment, error)
	// AssignmentsDueBetween lists open assignments whose due date falls in [from, to).
	AssignmentsDueBetween(ctx context.Context, from, to time.Time) ([]*models.Assignment, error)
	// OverdueAssignments lists open assignments due before now.
	OverdueAssignments(ctx context.Context, now time.Time) ([]*models.Assignment, error)

	GetSubmission(ctx context.Context, id int64) (*models.FormSubmission, error)
}

// GetUser is a single-id convenience over GetUsers.
func GetUser(ctx context.Context, dir Directory, id int64) (*models.User, error) {
	users, err := dir.GetUsers(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	u, ok := users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}
