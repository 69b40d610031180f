package channel

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"workflow-notifications/internal/models"
)

// Default retry policy for channel types that have a provider but no stored row.
const (
	DefaultMaxRetries        = 3
	DefaultRetryDelayMinutes = 5
)

// Catalog is an in-memory snapshot of the channel rows, parsed and validated once per refresh.
type Catalog struct {
	store Store

	mu       sync.RWMutex
	channels map[string]*models.Channel
	loadedAt time.Time
	maxStale time.Duration
}

func NewCatalog(store Store, maxStale time.Duration) *Catalog {
	return &Catalog{store: store, maxStale: maxStale, channels: make(map[string]*models.Channel)}
}

// Refresh reloads every channel from the store.
func (c *Catalog) Refresh(ctx context.Context) error {
	list, err := c.store.List(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]*models.Channel, len(list))
	for _, ch := range list {
		next[strings.ToLower(ch.Type)] = ch
	}
	c.mu.Lock()
	c.channels = next
	c.loadedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// Get returns a copy of the channel, reloading first when the snapshot is older than maxStale.
// Unknown types get a default enabled channel with the default retry policy.
func (c *Catalog) Get(ctx context.Context, channelType string) (*models.Channel, error) {
	c.mu.RLock()
	stale := c.loadedAt.IsZero() || (c.maxStale > 0 && time.Since(c.loadedAt) > c.maxStale)
	c.mu.RUnlock()
	if stale {
		if err := c.Refresh(ctx); err != nil {
			return nil, err
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if ch, ok := c.channels[strings.ToLower(channelType)]; ok {
		cp := *ch
		return &cp, nil
	}
	return &models.Channel{
		Type:              models.CanonicalChannel(channelType),
		Enabled:           true,
		MaxRetries:        DefaultMaxRetries,
		RetryDelayMinutes: DefaultRetryDelayMinutes,
	}, nil
}

// All reloads the snapshot and returns copies of every stored channel, sorted by type.
func (c *Catalog) All(ctx context.Context) ([]*models.Channel, error) {
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		cp := *ch
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}
