package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	App           AppConfig               `mapstructure:"app"`
	Camunda       CamundaConfig           `mapstructure:"camunda"`
	Database      DatabaseConfig          `mapstructure:"database"`
	Workers       map[string]WorkerConfig `mapstructure:"workers"`
	Integrations  IntegrationConfig       `mapstructure:"integrations"`
	Logging       LoggingConfig           `mapstructure:"logging"`
	Notifications NotificationConfig      `mapstructure:"notifications"`
	HTTP          HTTPConfig              `mapstructure:"http"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type CamundaConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BrokerAddress  string `mapstructure:"broker_address"`
	MaxJobsActive  int    `mapstructure:"max_jobs_active"`
	Timeout        int    `mapstructure:"timeout"`         // milliseconds
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	Addresses         []string `mapstructure:"addresses"`
	Username          string   `mapstructure:"username"`
	Password          string   `mapstructure:"password"`
	NotificationIndex string   `mapstructure:"notification_index"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"` // milliseconds
	MaxRetries    int  `mapstructure:"max_retries"`
}

type IntegrationConfig struct {
	AWS struct {
		Region string `mapstructure:"region"`
		SES    struct {
			Enabled   bool   `mapstructure:"enabled"`
			FromEmail string `mapstructure:"from_email"`
		} `mapstructure:"ses"`
		SNS struct {
			Enabled            bool   `mapstructure:"enabled"`
			DefaultSMSSenderID string `mapstructure:"default_sms_sender_id"`
			PushPlatformARN    string `mapstructure:"push_platform_arn"`
		} `mapstructure:"sns"`
	} `mapstructure:"aws"`

	SMTP struct {
		Enabled     bool   `mapstructure:"enabled"`
		Host        string `mapstructure:"host"`
		Port        int    `mapstructure:"port"`
		Username    string `mapstructure:"username"`
		Password    string `mapstructure:"password"`
		UseTLS      bool   `mapstructure:"use_tls"`
		DefaultFrom string `mapstructure:"default_from"`
	} `mapstructure:"smtp"`

	Webhook struct {
		Enabled bool `mapstructure:"enabled"`
		Timeout int  `mapstructure:"timeout"` // milliseconds
	} `mapstructure:"webhook"`
}

// NotificationConfig tunes creation, delivery and the background sweeps.
type NotificationConfig struct {
	WorkerPoolSize       int      `mapstructure:"worker_pool_size"`
	QueueSize            int      `mapstructure:"queue_size"`
	SendConcurrency      int      `mapstructure:"send_concurrency"`
	DefaultChannels      []string `mapstructure:"default_channels"`
	TemplateCacheTTL     int      `mapstructure:"template_cache_ttl"` // seconds
	TemplateRegistryPath string   `mapstructure:"template_registry_path"`
	InAppChannelPrefix   string   `mapstructure:"inapp_channel_prefix"`

	Sweeps SweepConfig `mapstructure:"sweeps"`
}

type SweepConfig struct {
	Enabled               bool `mapstructure:"enabled"`
	DeadlineInterval      int  `mapstructure:"deadline_interval"` // minutes
	HoursBeforeDue        int  `mapstructure:"hours_before_due"`
	OverdueInterval       int  `mapstructure:"overdue_interval"` // minutes
	PendingInterval       int  `mapstructure:"pending_interval"` // minutes
	HoursPending          int  `mapstructure:"hours_pending"`
	RetryInterval         int  `mapstructure:"retry_interval"`     // minutes
	ScheduledInterval     int  `mapstructure:"scheduled_interval"` // minutes
	NotifyEscalationRoles bool `mapstructure:"notify_escalation_roles"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type HTTPConfig struct {
	Address      string `mapstructure:"address"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // milliseconds
	WriteTimeout int    `mapstructure:"write_timeout"` // milliseconds
}

func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}

func Minutes(m int) time.Duration {
	return time.Duration(m) * time.Minute
}

// WorkerKey maps a job type to its key under workers. Viper splits keys on
// dots, so notify.send is configured as notify-send.
func WorkerKey(taskType string) string {
	return strings.ToLower(strings.ReplaceAll(taskType, ".", "-"))
}

func GetWorkerConfig(cfg *Config, workerName string) WorkerConfig {
	if worker, exists := cfg.Workers[WorkerKey(workerName)]; exists {
		return worker
	}
	return WorkerConfig{
		Enabled:       true,
		MaxJobsActive: 5,
		Timeout:       30000,
		MaxRetries:    3,
	}
}

func IsWorkerEnabled(cfg *Config, workerName string) bool {
	if worker, exists := cfg.Workers[WorkerKey(workerName)]; exists {
		return worker.Enabled
	}
	return true
}
