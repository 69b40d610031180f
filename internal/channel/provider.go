// Package channel holds the delivery providers, their registry and the per-channel send counters.
package channel

import (
	"context"
	"sort"
	"strings"
	"sync"

	"workflow-notifications/internal/models"
)

// Message is everything a provider needs to deliver one delivery row.
type Message struct {
	Delivery     *models.Delivery
	Notification *models.Notification
	Channel      *models.Channel
}

// Provider delivers messages for one channel type. Send returns the provider's
// response identifier on success; any error marks the attempt as failed.
type Provider interface {
	ChannelType() string
	Name() string
	Send(ctx context.Context, msg Message) (string, error)
	TestConnection(ctx context.Context, ch *models.Channel) (bool, string)
}

// Registry is the static, case-insensitive provider lookup built at startup.
type Registry struct {
	mu        sync.RWMutex
	providers map[string][]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string][]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(p.ChannelType())
	r.providers[key] = append(r.providers[key], p)
}

// Get returns the first provider registered for channelType.
func (r *Registry) Get(channelType string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ps := r.providers[strings.ToLower(channelType)]
	if len(ps) == 0 {
		return nil, false
	}
	return ps[0], true
}

// Resolve picks the provider named by the channel's ProviderName, falling back
// to the first provider for the channel type.
func (r *Registry) Resolve(ch *models.Channel) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ps := r.providers[strings.ToLower(ch.Type)]
	if len(ps) == 0 {
		return nil, false
	}
	if ch.ProviderName != "" {
		for _, p := range ps {
			if strings.EqualFold(p.Name(), ch.ProviderName) {
				return p, true
			}
		}
	}
	return ps[0], true
}

// Types lists registered channel types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for _, ps := range r.providers {
		out = append(out, ps[0].ChannelType())
	}
	sort.Strings(out)
	return out
}
