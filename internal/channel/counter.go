package channel

import (
	"context"
	"strings"
	"sync"
	"time"

	"workflow-notifications/internal/models"
)

// DailyCounter serializes counter updates per channel type on top of the store's conditional update.
type DailyCounter struct {
	store Store
	now   func() time.Time
	locks sync.Map // lower-cased channel type -> *sync.Mutex

	mu      sync.Mutex
	resetOn time.Time
}

func NewDailyCounter(store Store, now func() time.Time) *DailyCounter {
	if now == nil {
		now = time.Now
	}
	return &DailyCounter{store: store, now: now}
}

func (c *DailyCounter) lock(channelType string) *sync.Mutex {
	m, _ := c.locks.LoadOrStore(strings.ToLower(channelType), &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Reserve claims one send for ch. Channels without a stored row are never capped.
// A counter last reset before today is reset first, so a missed midnight reset
// does not keep the channel capped.
func (c *DailyCounter) Reserve(ctx context.Context, ch *models.Channel) (bool, error) {
	if ch.ID == 0 {
		return true, nil
	}
	mu := c.lock(ch.Type)
	mu.Lock()
	defer mu.Unlock()
	if err := c.catchUp(ctx, ch); err != nil {
		return false, err
	}
	return c.store.Reserve(ctx, ch.Type)
}

// catchUp runs the store's once-per-day reset when ch was last reset on an earlier
// day and this counter has not already reset today.
func (c *DailyCounter) catchUp(ctx context.Context, ch *models.Channel) error {
	today := truncateDay(c.now())
	if !ch.LastResetDate.Before(today) {
		return nil
	}
	c.mu.Lock()
	done := !c.resetOn.Before(today)
	c.mu.Unlock()
	if done {
		return nil
	}
	if _, err := c.store.ResetDailyCounters(ctx, today); err != nil {
		return err
	}
	c.mu.Lock()
	if c.resetOn.Before(today) {
		c.resetOn = today
	}
	c.mu.Unlock()
	return nil
}

// Release returns a reservation after a failed send.
func (c *DailyCounter) Release(ctx context.Context, ch *models.Channel) error {
	if ch.ID == 0 {
		return nil
	}
	mu := c.lock(ch.Type)
	mu.Lock()
	defer mu.Unlock()
	return c.store.Release(ctx, ch.Type)
}
