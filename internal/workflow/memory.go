package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "workflow-notifications/internal/common/errors"
	"workflow-notifications/internal/models"
)

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[int64]*models.WorkflowDefinition
	actions     map[string]*models.WorkflowAction
	progress    map[int64]*models.StepProgress
	statuses    map[int64]string
	nextID      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[int64]*models.WorkflowDefinition),
		actions:     make(map[string]*models.WorkflowAction),
		progress:    make(map[int64]*models.StepProgress),
		statuses:    make(map[int64]string),
	}
}

func (s *MemoryStore) AddDefinition(def *models.WorkflowDefinition) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *def
	cp.Steps = append([]models.WorkflowStep(nil), def.Steps...)
	for i := range cp.Steps {
		cp.Steps[i].WorkflowID = def.ID
	}
	s.definitions[def.ID] = &cp
	return s
}

func (s *MemoryStore) AddAction(a *models.WorkflowAction) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.actions[a.Name] = &cp
	return s
}

// SubmissionStatus returns the last status written for a submission.
func (s *MemoryStore) SubmissionStatus(submissionID int64) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statuses[submissionID]
}

func (s *MemoryStore) GetDefinition(_ context.Context, workflowID int64) (*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[workflowID]
	if !ok {
		return nil, apperrors.NewInvalidRequestError(fmt.Sprintf("workflow %d does not exist", workflowID))
	}
	cp := *def
	cp.Steps = append([]models.WorkflowStep(nil), def.Steps...)
	return &cp, nil
}

func (s *MemoryStore) GetActions(context.Context) (map[string]*models.WorkflowAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*models.WorkflowAction, len(s.actions))
	for k, v := range s.actions {
		cp := *v
		out[k] = &cp
	}
	return out, nil
}

func copyProgress(p *models.StepProgress) *models.StepProgress {
	cp := *p
	cp.DelegationChain = append([]int64(nil), p.DelegationChain...)
	return &cp
}

func (s *MemoryStore) ListProgress(_ context.Context, submissionID int64) ([]*models.StepProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.StepProgress
	for _, p := range s.progress {
		if p.SubmissionID == submissionID {
			out = append(out, copyProgress(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateProgress(_ context.Context, rows []*models.StepProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range rows {
		s.nextID++
		p.ID = s.nextID
		s.progress[p.ID] = copyProgress(p)
	}
	return nil
}

func (s *MemoryStore) UpdateProgress(_ context.Context, rows ...*models.StepProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range rows {
		if _, ok := s.progress[p.ID]; !ok {
			return apperrors.NewWorkflowStepNotFoundError(p.SubmissionID, p.StepID)
		}
	}
	for _, p := range rows {
		s.progress[p.ID] = copyProgress(p)
	}
	return nil
}

func (s *MemoryStore) UpdateSubmissionStatus(_ context.Context, submissionID int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[submissionID] = status
	return nil
}

func (s *MemoryStore) PendingActiveSteps(_ context.Context, assignedBefore, remindedBefore time.Time, limit int) ([]*PendingStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PendingStep
	for _, p := range s.progress {
		if !p.Active() || !p.AssignedDate.Before(assignedBefore) {
			continue
		}
		if p.LastReminderAt != nil && !p.LastReminderAt.Before(remindedBefore) {
			continue
		}
		ps := &PendingStep{Progress: copyProgress(p)}
		for _, def := range s.definitions {
			if step, ok := def.Step(p.StepID); ok {
				ps.StepName = step.Name
				ps.EscalationRoleID = step.EscalationRoleID
			}
		}
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Progress.AssignedDate.Before(*out[j].Progress.AssignedDate)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkReminded(_ context.Context, progressID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[progressID]
	if !ok {
		return apperrors.NewInvalidRequestError(fmt.Sprintf("progress row %d does not exist", progressID))
	}
	t := at
	p.LastReminderAt = &t
	return nil
}
