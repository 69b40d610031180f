package template

import (
	"context"
	"sync"
	"time"

	apperrors "workflow-notifications/internal/common/errors"
	"workflow-notifications/internal/models"
)

// MemoryStore keeps every version in process; used by tests and local runs without Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string][]*models.NotificationTemplate
	nextID   int64
}

func NewMemoryStore(templates ...*models.NotificationTemplate) *MemoryStore {
	s := &MemoryStore{versions: make(map[string][]*models.NotificationTemplate)}
	for _, t := range templates {
		_, _ = s.Publish(context.Background(), t)
	}
	return s
}

func (s *MemoryStore) GetActive(_ context.Context, code string) (*models.NotificationTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vs := s.versions[code]
	for i := len(vs) - 1; i >= 0; i-- {
		if vs[i].IsActive {
			cp := *vs[i]
			return &cp, nil
		}
	}
	return nil, apperrors.NewTemplateNotFoundError(code)
}

func (s *MemoryStore) Publish(_ context.Context, tpl *models.NotificationTemplate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vs := s.versions[tpl.Code]
	version := 1
	if n := len(vs); n > 0 {
		last := vs[n-1]
		if last.IsActive && last.SameContent(tpl) {
			return false, nil
		}
		version = last.Version + 1
		for _, v := range vs {
			v.IsActive = false
		}
	}

	s.nextID++
	cp := *tpl
	cp.ID = s.nextID
	cp.Version = version
	cp.IsActive = true
	cp.CreatedAt = time.Now().UTC()
	s.versions[tpl.Code] = append(vs, &cp)

	tpl.ID, tpl.Version, tpl.IsActive, tpl.CreatedAt = cp.ID, cp.Version, cp.IsActive, cp.CreatedAt
	return true, nil
}

// Deactivate retires every version of code.
func (s *MemoryStore) Deactivate(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions[code] {
		v.IsActive = false
	}
}
