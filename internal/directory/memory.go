package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"workflow-notifications/internal/models"
)

// Memory is an in-process Directory for tests and local runs.
type Memory struct {
	mu          sync.RWMutex
	users       map[int64]*models.User
	roles       map[int64][]int64
	heads       map[int64]int64
	assignments map[int64]*models.Assignment
	submissions map[int64]*models.FormSubmission
}

func NewMemory() *Memory {
	return &Memory{
		users:       make(map[int64]*models.User),
		roles:       make(map[int64][]int64),
		heads:       make(map[int64]int64),
		assignments: make(map[int64]*models.Assignment),
		submissions: make(map[int64]*models.FormSubmission),
	}
}

func (m *Memory) AddUser(u *models.User) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
	return m
}

func (m *Memory) AddRoleMember(roleID, userID int64) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[roleID] = append(m.roles[roleID], userID)
	return m
}

func (m *Memory) SetDepartmentHead(departmentID, userID int64) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heads[departmentID] = userID
	return m
}

func (m *Memory) AddAssignment(a *models.Assignment) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.assignments[a.ID] = &cp
	return m
}

func (m *Memory) AddSubmission(s *models.FormSubmission) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.submissions[s.ID] = &cp
	return m
}

func (m *Memory) GetUsers(_ context.Context, ids []int64) (map[int64]*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]*models.User, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			cp := *u
			out[id] = &cp
		}
	}
	return out, nil
}

func (m *Memory) FindUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.sortedUsers() {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UsersInRole(_ context.Context, roleID int64) ([]*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.User
	for _, id := range m.roles[roleID] {
		if u, ok := m.users[id]; ok && u.IsActive {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DepartmentHead(_ context.Context, departmentID int64) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.heads[departmentID]
	if !ok {
		return nil, ErrNotFound
	}
	u, ok := m.users[id]
	if !ok || !u.IsActive {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) DepartmentMembers(_ context.Context, departmentID int64) ([]*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.User
	for _, u := range m.sortedUsers() {
		if u.IsActive && u.DepartmentID != nil && *u.DepartmentID == departmentID {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) sortedUsers() []*models.User {
	out := make([]*models.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) GetAssignment(_ context.Context, id int64) (*models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) filterAssignments(keep func(*models.Assignment) bool) []*models.Assignment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Assignment
	for _, a := range m.assignments {
		open := false
		for _, s := range openAssignmentStatuses {
			if a.Status == s {
				open = true
			}
		}
		if open && keep(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) AssignmentsDueBetween(_ context.Context, from, to time.Time) ([]*models.Assignment, error) {
	return m.filterAssignments(func(a *models.Assignment) bool {
		return !a.DueDate.Before(from) && a.DueDate.Before(to)
	}), nil
}

func (m *Memory) OverdueAssignments(_ context.Context, now time.Time) ([]*models.Assignment, error) {
	return m.filterAssignments(func(a *models.Assignment) bool {
		return a.DueDate.Before(now)
	}), nil
}

func (m *Memory) GetSubmission(_ context.Context, id int64) (*models.FormSubmission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.submissions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	cp.Answers = make(map[string]string, len(s.Answers))
	for k, v := range s.Answers {
		cp.Answers[k] = v
	}
	return &cp, nil
}

// SetSubmissionStatus lets the workflow store memory twin mirror status changes.
func (m *Memory) SetSubmissionStatus(id int64, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.submissions[id]; ok {
		s.Status = status
	}
}
