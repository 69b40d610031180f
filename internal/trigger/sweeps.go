package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "workflow-notifications/internal/common/errors"
)

// listFailed keeps a coded error from the source and wraps anything else as a query failure.
func listFailed(op string, err error) error {
	if apperrors.CodeOf(err) != "" {
		return err
	}
	return apperrors.NewQueryExecutionFailedError(op, err)
}

// SendDeadlineReminders reminds assignees of open assignments due within the next
// hoursBeforeDue hours. It returns how many reminders were created. Running it
// twice in the same window sends the reminders again.
func (s *Service) SendDeadlineReminders(ctx context.Context, hoursBeforeDue int) (int, error) {
	if hoursBeforeDue <= 0 {
		return 0, apperrors.NewInvalidRequestError(fmt.Sprintf("hours before due must be positive, got %d", hoursBeforeDue))
	}
	now := s.now()
	due, err := s.dir.AssignmentsDueBetween(ctx, now, now.Add(time.Duration(hoursBeforeDue)*time.Hour))
	if err != nil {
		return 0, listFailed("trigger.assignments_due", err)
	}

	sent := 0
	for _, a := range due {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if s.DeadlineReminder(ctx, a.ID) != "" {
			sent++
		}
	}
	s.log.Info("deadline reminder sweep finished", map[string]interface{}{
		"hoursBeforeDue": hoursBeforeDue,
		"candidates":     len(due),
		"sent":           sent,
	})
	return sent, nil
}

// SendOverdueAlerts alerts on every open assignment already past its due date.
func (s *Service) SendOverdueAlerts(ctx context.Context) (int, error) {
	overdue, err := s.dir.OverdueAssignments(ctx, s.now())
	if err != nil {
		return 0, listFailed("trigger.overdue_assignments", err)
	}

	sent := 0
	for _, a := range overdue {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if s.OverdueAlert(ctx, a.ID) != "" {
			sent++
		}
	}
	s.log.Info("overdue alert sweep finished", map[string]interface{}{
		"candidates": len(overdue),
		"sent":       sent,
	})
	return sent, nil
}

// SendPendingApprovalReminders reminds assignees of workflow steps active for
// longer than hoursPending. A step is reminded at most once per reminder interval.
func (s *Service) SendPendingApprovalReminders(ctx context.Context, hoursPending int) (int, error) {
	if hoursPending <= 0 {
		return 0, apperrors.NewInvalidRequestError(fmt.Sprintf("hours pending must be positive, got %d", hoursPending))
	}
	if s.pending == nil {
		return 0, apperrors.NewInternalError(errors.New("pending approval reminders need a workflow source"))
	}
	steps, err := s.pending.PendingSteps(ctx, time.Duration(hoursPending)*time.Hour, s.remindInterval, s.batchLimit)
	if err != nil {
		return 0, listFailed("trigger.pending_steps", err)
	}

	sent := 0
	for _, ps := range steps {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if s.PendingApprovalReminder(ctx, ps) == "" {
			continue
		}
		sent++
		if err := s.pending.MarkReminded(ctx, ps.Progress.ID); err != nil {
			s.log.Warn("failed to record reminder time", map[string]interface{}{
				"progressId": ps.Progress.ID,
				"error":      err.Error(),
			})
		}
	}
	s.log.Info("pending approval sweep finished", map[string]interface{}{
		"hoursPending": hoursPending,
		"candidates":   len(steps),
		"sent":         sent,
	})
	return sent, nil
}
