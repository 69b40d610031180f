package template

import (
	"context"
	"encoding/json"
	"time"

	"workflow-notifications/internal/common/logger"
	"workflow-notifications/internal/models"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "notification:template:"

// CachedStore puts a Redis read-through cache in front of another Store.
// Cache errors are logged and fall through to the backing store.
type CachedStore struct {
	next   Store
	redis  *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

func NewCachedStore(next Store, rdb *redis.Client, ttl time.Duration, log logger.Logger) *CachedStore {
	return &CachedStore{
		next:   next,
		redis:  rdb,
		ttl:    ttl,
		logger: log.Component("template-cache"),
	}
}

func (c *CachedStore) GetActive(ctx context.Context, code string) (*models.NotificationTemplate, error) {
	key := cacheKeyPrefix + code
	if raw, err := c.redis.Get(ctx, key).Bytes(); err == nil {
		var tpl models.NotificationTemplate
		if err := json.Unmarshal(raw, &tpl); err == nil {
			return &tpl, nil
		}
		c.logger.Warn("discarding undecodable cached template", map[string]interface{}{"code": code})
	} else if err != redis.Nil {
		c.logger.Warn("template cache read failed", map[string]interface{}{"code": code, "error": err})
	}

	tpl, err := c.next.GetActive(ctx, code)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(tpl); err == nil {
		if err := c.redis.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			c.logger.Warn("template cache write failed", map[string]interface{}{"code": code, "error": err})
		}
	}
	return tpl, nil
}

func (c *CachedStore) Publish(ctx context.Context, tpl *models.NotificationTemplate) (bool, error) {
	changed, err := c.next.Publish(ctx, tpl)
	if err != nil || !changed {
		return changed, err
	}
	if err := c.redis.Del(ctx, cacheKeyPrefix+tpl.Code).Err(); err != nil {
		c.logger.Warn("template cache invalidation failed", map[string]interface{}{"code": tpl.Code, "error": err})
	}
	return true, nil
}
