package channel

import (
	"context"
	"strings"
	"sync"
	"time"

	"workflow-notifications/internal/models"
)

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu       sync.Mutex
	channels map[string]*models.Channel
}

func NewMemoryStore(channels ...*models.Channel) *MemoryStore {
	s := &MemoryStore{channels: make(map[string]*models.Channel)}
	for _, ch := range channels {
		cp := *ch
		cp.Type = models.CanonicalChannel(cp.Type)
		s.channels[strings.ToLower(cp.Type)] = &cp
	}
	return s
}

func (s *MemoryStore) List(context.Context) ([]*models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		cp := *ch
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Reserve(_ context.Context, channelType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[strings.ToLower(channelType)]
	if !ok {
		return false, nil
	}
	if ch.DailyLimit > 0 && ch.SentToday >= ch.DailyLimit {
		return false, nil
	}
	ch.SentToday++
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, channelType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[strings.ToLower(channelType)]; ok && ch.SentToday > 0 {
		ch.SentToday--
	}
	return nil
}

func (s *MemoryStore) ResetDailyCounters(_ context.Context, day time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day = truncateDay(day)
	var n int64
	for _, ch := range s.channels {
		if ch.LastResetDate.Before(day) {
			ch.SentToday = 0
			ch.LastResetDate = day
			n++
		}
	}
	return n, nil
}

// SentToday exposes the live counter for assertions.
func (s *MemoryStore) SentToday(channelType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[strings.ToLower(channelType)]; ok {
		return ch.SentToday
	}
	return 0
}
