// cmd/worker-manager/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
	"go.uber.org/zap"

	"workflow-notifications/internal/api"
	"workflow-notifications/internal/channel"
	appaws "workflow-notifications/internal/common/aws"
	"workflow-notifications/internal/common/camunda"
	"workflow-notifications/internal/common/config"
	"workflow-notifications/internal/common/database"
	apphttp "workflow-notifications/internal/common/http"
	"workflow-notifications/internal/common/logger"
	"workflow-notifications/internal/common/observability"
	"workflow-notifications/internal/delivery"
	"workflow-notifications/internal/directory"
	"workflow-notifications/internal/notification"
	"workflow-notifications/internal/scheduler"
	"workflow-notifications/internal/search"
	"workflow-notifications/internal/template"
	"workflow-notifications/internal/trigger"
	"workflow-notifications/internal/workflow"
	"workflow-notifications/pkg/registry"

	ne "workflow-notifications/internal/workers/notification/notify-event"
	sn "workflow-notifications/internal/workers/notification/send-notification"
	sw "workflow-notifications/internal/workers/workflow/start-workflow"
	sa "workflow-notifications/internal/workers/workflow/step-action"
)

// retryWithBackoff retries operation with doubling delays until it succeeds or
// maxRetries attempts have failed.
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		if err = operation(); err == nil {
			return nil
		}
		if i < maxRetries-1 {
			log.Warn(operationName+" failed, retrying",
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logger.New("info", "console")
		boot.Fatal("config load failed", zap.Error(err))
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("starting notification worker manager",
		zap.String("app", cfg.App.Name),
		zap.String("environment", cfg.App.Environment),
	)

	obs, err := observability.New(cfg.App.Name)
	if err != nil {
		zapLog.Warn("observability disabled", zap.Error(err))
		obs = observability.Noop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- PostgreSQL ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		if pg, err = database.NewPostgres(cfg.Database.Postgres); err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres unavailable", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected")

	// --- Redis ---
	rdb := database.NewRedis(cfg.Database.Redis)
	err = retryWithBackoff(func() error {
		return rdb.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("redis unavailable", zap.Error(err))
	}
	defer rdb.Close()
	zapLog.Info("Redis connected")

	// --- Elasticsearch (optional) ---
	var index *search.NotificationIndex
	if cfg.Database.Elasticsearch.Enabled {
		index, err = openSearchIndex(ctx, cfg.Database.Elasticsearch, log, zapLog)
		if err != nil {
			zapLog.Warn("search index unavailable, inbox search falls back to the database", zap.Error(err))
			index = nil
		}
	}

	// --- Templates ---
	templates := template.NewCachedStore(
		template.NewPostgresStore(pg.DB),
		rdb.Client,
		time.Duration(cfg.Notifications.TemplateCacheTTL)*time.Second,
		log,
	)
	var reg *registry.Registry
	if path := cfg.Notifications.TemplateRegistryPath; path != "" {
		reg, err = registry.Load(path)
		if err != nil {
			zapLog.Fatal("template registry load failed", zap.String("path", path), zap.Error(err))
		}
		published, err := reg.SeedTemplates(ctx, templates)
		if err != nil {
			zapLog.Fatal("template registry seed failed", zap.Error(err))
		}
		zapLog.Info("template registry seeded",
			zap.String("version", reg.Version),
			zap.Int("templates", len(reg.Templates)),
			zap.Int("published", published),
		)
	}

	// --- Delivery ---
	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		zapLog.Fatal("channel providers failed", zap.Error(err))
	}
	providers.Register(channel.NewInAppProvider(rdb.Client, cfg.Notifications.InAppChannelPrefix))

	notificationStore := notification.NewPostgresStore(pg.DB)
	orchestrator := delivery.NewOrchestrator(delivery.Options{
		Store:       notificationStore,
		Channels:    channel.NewPostgresStore(pg.DB),
		Providers:   providers,
		Concurrency: cfg.Notifications.SendConcurrency,
		Logger:      log,
	})
	pool := delivery.NewPool(orchestrator, cfg.Notifications.WorkerPoolSize, cfg.Notifications.QueueSize, log)
	pool.Start(ctx)
	go func() {
		for err := range pool.Errors() {
			zapLog.Warn("background delivery failed", zap.Error(err))
		}
	}()

	// --- Notifications ---
	dir := directory.NewPostgresDirectory(pg.DB)
	nopts := notification.Options{
		Templates:       templates,
		Store:           notificationStore,
		Users:           dir,
		Dispatcher:      pool,
		DefaultChannels: cfg.Notifications.DefaultChannels,
		Logger:          log,
	}
	if index != nil {
		nopts.Indexer = index
		nopts.Searcher = index
	}
	notifications := notification.NewService(nopts)

	// --- Workflow and triggers ---
	engine := workflow.NewEngine(workflow.Options{
		Store:         workflow.NewPostgresStore(pg.DB),
		Directory:     dir,
		Observability: obs,
		Logger:        log,
	})
	triggers := trigger.NewService(trigger.Options{
		Notifications:         notifications,
		Directory:             dir,
		Pending:               engine,
		Observability:         obs,
		Logger:                log,
		NotifyEscalationRoles: cfg.Notifications.Sweeps.NotifyEscalationRoles,
	})
	engine.SetEvents(triggers)

	// --- Zeebe workers ---
	var workers []*camunda.Worker
	var zeebe *camunda.Client
	if cfg.Camunda.Enabled {
		err = retryWithBackoff(func() error {
			var err error
			zeebe, err = camunda.NewClient(ctx, cfg.Camunda)
			return err
		}, 10, 2*time.Second, zapLog, "Zeebe client initialization")
		if err != nil {
			zapLog.Fatal("zeebe unavailable", zap.Error(err))
		}
		defer zeebe.Close()
		zapLog.Info("Zeebe client connected")

		workers, err = registerWorkers(cfg, reg, zeebe.Zeebe(), notifications, engine, triggers, log, zapLog)
		if err != nil {
			zapLog.Fatal("worker registration failed", zap.Error(err))
		}
		zapLog.Info("workers registered", zap.Int("count", len(workers)))
	}

	// --- Sweeps ---
	var sched *scheduler.Scheduler
	if cfg.Notifications.Sweeps.Enabled {
		sched = scheduler.New(scheduler.Options{
			Sweeps:     triggers,
			Deliveries: orchestrator,
			Config:     cfg.Notifications.Sweeps,
			Logger:     log,
		})
		sched.Start(ctx)
	}

	// --- HTTP ---
	checks := map[string]api.Check{
		"postgres": pg.Ping,
		"redis":    rdb.Ping,
	}
	if zeebe != nil {
		checks["zeebe"] = zeebe.HealthCheck
	}
	server := &http.Server{
		Addr: cfg.HTTP.Address,
		Handler: api.NewRouter(api.Options{
			Inbox:      notifications,
			Deliveries: orchestrator,
			Workflow:   engine,
			Checks:     checks,
			Logger:     log,
		}),
		ReadTimeout:  config.GetDuration(cfg.HTTP.ReadTimeout),
		WriteTimeout: config.GetDuration(cfg.HTTP.WriteTimeout),
	}
	go func() {
		zapLog.Info("HTTP server listening", zap.String("address", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLog.Error("HTTP server failed", zap.Error(err))
		}
	}()

	// --- Graceful shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	zapLog.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLog.Warn("HTTP server shutdown", zap.Error(err))
	}
	for _, w := range workers {
		w.Stop()
	}
	if sched != nil {
		sched.Stop()
	}
	pool.Stop()
	cancel()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		zapLog.Warn("observability shutdown", zap.Error(err))
	}
	zapLog.Info("worker manager stopped")
}

func openSearchIndex(ctx context.Context, cfg config.ElasticsearchConfig, log logger.Logger, zapLog *zap.Logger) (*search.NotificationIndex, error) {
	var es *database.ElasticsearchClient
	err := retryWithBackoff(func() error {
		var err error
		if es, err = database.NewElasticsearch(cfg); err != nil {
			return err
		}
		return es.Ping(ctx)
	}, 5, 2*time.Second, zapLog, "Elasticsearch connection")
	if err != nil {
		return nil, err
	}

	index := search.NewNotificationIndex(es, cfg.NotificationIndex, log)
	if err := index.EnsureIndex(ctx); err != nil {
		return nil, err
	}
	zapLog.Info("Elasticsearch connected", zap.String("index", cfg.NotificationIndex))
	return index, nil
}

// buildProviders registers the outbound providers enabled in the integration config.
// Channel rows pick among them by provider name.
func buildProviders(ctx context.Context, cfg *config.Config) (*channel.Registry, error) {
	reg := channel.NewRegistry()
	integ := cfg.Integrations

	if integ.AWS.SES.Enabled || integ.AWS.SNS.Enabled {
		awsCfg, err := appaws.LoadConfig(ctx, integ.AWS.Region)
		if err != nil {
			return nil, err
		}
		if integ.AWS.SES.Enabled {
			reg.Register(channel.NewSESEmailProvider(appaws.NewSESClient(awsCfg), integ.AWS.SES.FromEmail))
		}
		if integ.AWS.SNS.Enabled {
			snsClient := appaws.NewSNSClient(awsCfg)
			reg.Register(channel.NewSMSProvider(snsClient, integ.AWS.SNS.DefaultSMSSenderID))
			reg.Register(channel.NewPushProvider(snsClient, integ.AWS.SNS.PushPlatformARN))
		}
	}
	if integ.SMTP.Enabled {
		reg.Register(channel.NewSMTPEmailProvider(channel.SMTPSettings{
			Host:     integ.SMTP.Host,
			Port:     integ.SMTP.Port,
			Username: integ.SMTP.Username,
			Password: integ.SMTP.Password,
			UseTLS:   integ.SMTP.UseTLS,
			From:     integ.SMTP.DefaultFrom,
		}))
	}
	if integ.Webhook.Enabled {
		reg.Register(channel.NewWebhookProvider(apphttp.NewClient(config.GetDuration(integ.Webhook.Timeout))))
	}
	return reg, nil
}

// registerWorkers opens one job worker per task type. Inputs are validated against
// the registry's activity schemas when a registry is loaded.
func registerWorkers(
	cfg *config.Config,
	reg *registry.Registry,
	client zbc.Client,
	notifications *notification.Service,
	engine *workflow.Engine,
	triggers *trigger.Service,
	log logger.Logger,
	zapLog *zap.Logger,
) ([]*camunda.Worker, error) {
	var workers []*camunda.Worker
	start := func(taskType string, handler camunda.JobHandler) {
		if !config.IsWorkerEnabled(cfg, taskType) {
			zapLog.Info("worker disabled", zap.String("taskType", taskType))
			return
		}
		wc := config.GetWorkerConfig(cfg, taskType)
		workers = append(workers, camunda.NewWorker(client, taskType, wc.MaxJobsActive, config.GetDuration(wc.Timeout), handler, zapLog))
	}
	for _, taskType := range ne.TaskTypes {
		s, err := reg.InputSchema(taskType)
		if err != nil {
			return nil, err
		}
		h, err := ne.NewHandler(taskType, ne.LoadConfig(cfg, taskType), triggers, s, log)
		if err != nil {
			return nil, err
		}
		start(taskType, h)
	}

	s, err := reg.InputSchema(sn.TaskType)
	if err != nil {
		return nil, err
	}
	start(sn.TaskType, sn.NewHandler(sn.LoadConfig(cfg), notifications, s, log))

	if s, err = reg.InputSchema(sw.TaskType); err != nil {
		return nil, err
	}
	start(sw.TaskType, sw.NewHandler(sw.LoadConfig(cfg), engine, s, log))

	if s, err = reg.InputSchema(sa.TaskType); err != nil {
		return nil, err
	}
	start(sa.TaskType, sa.NewHandler(sa.LoadConfig(cfg), engine, s, log))
	return workers, nil
}
