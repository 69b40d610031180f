package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	apperrors "workflow-notifications/internal/common/errors"
	"workflow-notifications/internal/directory"
	"workflow-notifications/internal/models"
)

// Resolver turns a step's assignee reference into one active user.
type Resolver struct {
	dir directory.Directory
}

func NewResolver(dir directory.Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve picks the user for ref. Roles resolve to their lowest-id active member,
// departments to the head or else the first active member, and form fields to the
// user whose id or email was submitted in that field.
func (r *Resolver) Resolve(ctx context.Context, ref models.AssigneeRef, sub *models.FormSubmission) (int64, error) {
	switch ref.Kind() {
	case models.AssigneeUser:
		return r.activeUser(ctx, ref.ID())

	case models.AssigneeRole:
		members, err := r.dir.UsersInRole(ctx, ref.ID())
		if err != nil {
			return 0, err
		}
		if len(members) == 0 {
			return 0, apperrors.NewInvalidAssigneeError(fmt.Sprintf("role %d has no active members", ref.ID()))
		}
		return members[0].ID, nil

	case models.AssigneeDepartment:
		head, err := r.dir.DepartmentHead(ctx, ref.ID())
		if err == nil {
			return head.ID, nil
		}
		if !errors.Is(err, directory.ErrNotFound) {
			return 0, err
		}
		members, err := r.dir.DepartmentMembers(ctx, ref.ID())
		if err != nil {
			return 0, err
		}
		if len(members) == 0 {
			return 0, apperrors.NewInvalidAssigneeError(fmt.Sprintf("department %d has no head or active members", ref.ID()))
		}
		return members[0].ID, nil

	case models.AssigneeFormField:
		if sub == nil {
			return 0, apperrors.NewInvalidAssigneeError("form field assignee needs a submission")
		}
		value := strings.TrimSpace(sub.Answers[ref.FieldKey()])
		if value == "" {
			return 0, apperrors.NewInvalidAssigneeError(fmt.Sprintf("field %q has no answer", ref.FieldKey()))
		}
		if id, err := strconv.ParseInt(value, 10, 64); err == nil {
			return r.activeUser(ctx, id)
		}
		u, err := r.dir.FindUserByEmail(ctx, value)
		if errors.Is(err, directory.ErrNotFound) || (err == nil && !u.IsActive) {
			return 0, apperrors.NewInvalidAssigneeError(fmt.Sprintf("field %q does not name an active user", ref.FieldKey()))
		}
		if err != nil {
			return 0, err
		}
		return u.ID, nil
	}
	return 0, apperrors.NewInvalidAssigneeError("step has no assignee")
}

func (r *Resolver) activeUser(ctx context.Context, id int64) (int64, error) {
	u, err := directory.GetUser(ctx, r.dir, id)
	if errors.Is(err, directory.ErrNotFound) || (err == nil && !u.IsActive) {
		return 0, apperrors.NewInvalidAssigneeError(fmt.Sprintf("user %d is not an active user", id))
	}
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}
