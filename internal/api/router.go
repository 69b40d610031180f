// internal/api/router.go
package api

import (
	"context"
	"net/http"
	"time"

	"workflow-notifications/internal/common/logger"
	"workflow-notifications/internal/delivery"
	"workflow-notifications/internal/models"
	"workflow-notifications/internal/notification"
	"workflow-notifications/internal/workflow"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Inbox is the recipient-facing side of the notification service.
type Inbox interface {
	CreateNotification(ctx context.Context, req models.CreateNotificationRequest) (*models.Notification, error)
	Get(ctx context.Context, id string) (*models.Notification, error)
	Deactivate(ctx context.Context, id string) error
	List(ctx context.Context, userID int64, f notification.ListFilter) (*notification.Page, error)
	UnreadCount(ctx context.Context, userID int64) (int, error)
	MarkAsRead(ctx context.Context, notificationID string, userID int64) (*models.Recipient, error)
	MarkAllAsRead(ctx context.Context, userID int64) (int64, error)
	Dismiss(ctx context.Context, notificationID string, userID int64) (*models.Recipient, error)
	MarkActioned(ctx context.Context, notificationID string, userID int64) (*models.Recipient, error)
}

type Deliveries interface {
	GetDeliveryStatus(ctx context.Context, notificationID string) (*models.DeliveryStatusSummary, error)
	RetryFailedDeliveries(ctx context.Context, notificationID string) (*models.DeliveryResult, error)
	ChannelStats(ctx context.Context) ([]models.ChannelStats, error)
	TestChannel(ctx context.Context, channelType string) (bool, string, error)
}

type Workflow interface {
	GetState(ctx context.Context, submissionID int64) (*workflow.State, error)
	ApplyAction(ctx context.Context, req models.ActionRequest) (*workflow.State, error)
	Delegate(ctx context.Context, req models.DelegateRequest) (*models.StepProgress, error)
}

// Check reports whether one dependency is reachable.
type Check func(ctx context.Context) error

type Options struct {
	Inbox      Inbox
	Deliveries Deliveries
	Workflow   Workflow
	Checks     map[string]Check
	Timeout    time.Duration
	Logger     logger.Logger
}

var (
	_ Inbox      = (*notification.Service)(nil)
	_ Deliveries = (*delivery.Orchestrator)(nil)
	_ Workflow   = (*workflow.Engine)(nil)
)

type Server struct {
	inbox      Inbox
	deliveries Deliveries
	workflow   Workflow
	checks     map[string]Check
	log        logger.Logger
}

// NewRouter mounts the query API, workflow actions, probes and /metrics.
func NewRouter(opts Options) http.Handler {
	s := &Server{
		inbox:      opts.Inbox,
		deliveries: opts.Deliveries,
		workflow:   opts.Workflow,
		checks:     opts.Checks,
		log:        opts.Logger,
	}
	if s.log == nil {
		s.log = logger.NewNoOpLogger()
	}
	s.log = s.log.Component("api")
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/notifications", s.listNotifications)
			r.Get("/notifications/unread-count", s.unreadCount)
			r.Post("/notifications/read-all", s.markAllRead)
			r.Post("/notifications/{id}/read", s.markRead)
			r.Post("/notifications/{id}/dismiss", s.dismiss)
			r.Post("/notifications/{id}/action", s.markActioned)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Post("/", s.createNotification)
			r.Get("/{id}", s.getNotification)
			r.Delete("/{id}", s.deactivate)
			r.Get("/{id}/deliveries", s.deliveryStatus)
			r.Post("/{id}/retry", s.retryDeliveries)
		})

		r.Route("/channels", func(r chi.Router) {
			r.Get("/stats", s.channelStats)
			r.Post("/{type}/test", s.testChannel)
		})

		if s.workflow != nil {
			r.Route("/submissions/{submissionID}/workflow", func(r chi.Router) {
				r.Get("/", s.workflowState)
				r.Post("/steps/{stepID}/actions", s.stepAction)
			})
		}
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request", map[string]interface{}{
			"method":    r.Method,
			"path":      r.URL.Path,
			"status":    ww.Status(),
			"duration":  time.Since(start).String(),
			"requestId": middleware.GetReqID(r.Context()),
		})
	})
}
