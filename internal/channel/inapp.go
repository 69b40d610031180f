package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"workflow-notifications/internal/models"

	"github.com/redis/go-redis/v9"
)

// InAppProvider publishes to a per-user Redis channel that the web tier fans out to open sessions.
// The recipient row itself is the durable in-app record, so having no subscriber is not a failure.
type InAppProvider struct {
	redis  *redis.Client
	prefix string
}

func NewInAppProvider(rdb *redis.Client, prefix string) *InAppProvider {
	return &InAppProvider{redis: rdb, prefix: prefix}
}

func (p *InAppProvider) ChannelType() string { return models.ChannelInApp }
func (p *InAppProvider) Name() string        { return "redis" }

func (p *InAppProvider) Topic(ch *models.Channel, userID int64) string {
	prefix := p.prefix
	if ch != nil && ch.Config.ChannelPrefix != "" {
		prefix = ch.Config.ChannelPrefix
	}
	return prefix + strconv.FormatInt(userID, 10)
}

func (p *InAppProvider) Send(ctx context.Context, msg Message) (string, error) {
	body, err := json.Marshal(newPayload(msg))
	if err != nil {
		return "", err
	}
	receivers, err := p.redis.Publish(ctx, p.Topic(msg.Channel, msg.Delivery.UserID), body).Result()
	if err != nil {
		return "", fmt.Errorf("redis publish: %w", err)
	}
	return fmt.Sprintf("subscribers=%d", receivers), nil
}

func (p *InAppProvider) TestConnection(ctx context.Context, _ *models.Channel) (bool, string) {
	if err := p.redis.Ping(ctx).Err(); err != nil {
		return false, fmt.Sprintf("redis unreachable: %v", err)
	}
	return true, "redis reachable"
}
