// internal/workers/notification/notify-event/config.go
package notifyevent

import (
	"time"

	"workflow-notifications/internal/common/config"
)

type Config struct {
	Enabled       bool
	MaxJobsActive int
	Timeout       time.Duration
}

func LoadConfig(cfg *config.Config, taskType string) *Config {
	wc := config.GetWorkerConfig(cfg, taskType)
	return &Config{
		Enabled:       wc.Enabled,
		MaxJobsActive: wc.MaxJobsActive,
		Timeout:       config.GetDuration(wc.Timeout),
	}
}
