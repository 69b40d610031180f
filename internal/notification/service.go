package notification

import (
	"context"
	"strings"
	"time"

	apperrors "workflow-notifications/internal/common/errors"
	"workflow-notifications/internal/common/logger"
	"workflow-notifications/internal/common/metrics"
	"workflow-notifications/internal/models"
	"workflow-notifications/internal/template"

	"github.com/google/uuid"
)

// Dispatcher hands a created notification to the asynchronous delivery pool.
// Enqueue reports false when the work could not be queued.
type Dispatcher interface {
	Enqueue(notificationID string) bool
}

// Indexer makes created notifications searchable.
type Indexer interface {
	Index(ctx context.Context, n *models.Notification, userIDs []int64) error
}

// Remover is implemented by indexers that can drop a deactivated notification.
type Remover interface {
	Delete(ctx context.Context, notificationID string) error
}

// Searcher resolves a free-text term to the notification ids a user may see.
type Searcher interface {
	Search(ctx context.Context, userID int64, term string, limit int) ([]string, error)
}

type UserLookup interface {
	GetUsers(ctx context.Context, ids []int64) (map[int64]*models.User, error)
}

type Options struct {
	Templates       template.Store
	Store           Store
	Users           UserLookup
	Dispatcher      Dispatcher
	Indexer         Indexer
	Searcher        Searcher
	DefaultChannels []string
	Logger          logger.Logger
	Now             func() time.Time
}

type Service struct {
	templates       template.Store
	store           Store
	users           UserLookup
	dispatcher      Dispatcher
	indexer         Indexer
	searcher        Searcher
	defaultChannels []string
	log             logger.Logger
	now             func() time.Time
}

func NewService(opts Options) *Service {
	s := &Service{
		templates:       opts.Templates,
		store:           opts.Store,
		users:           opts.Users,
		dispatcher:      opts.Dispatcher,
		indexer:         opts.Indexer,
		searcher:        opts.Searcher,
		defaultChannels: canonicalChannels(opts.DefaultChannels),
		log:             opts.Logger,
		now:             opts.Now,
	}
	if len(s.defaultChannels) == 0 {
		s.defaultChannels = []string{models.ChannelInApp}
	}
	if s.log == nil {
		s.log = logger.NewNoOpLogger()
	}
	s.log = s.log.Component("notification")
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// CreateNotification renders the template, persists the notification with one
// recipient row per distinct user and one delivery row per user and channel,
// then queues it for delivery. Only a missing template aborts creation.
func (s *Service) CreateNotification(ctx context.Context, req models.CreateNotificationRequest) (*models.Notification, error) {
	recipientIDs := distinctIDs(req.RecipientUserIDs)
	if len(recipientIDs) == 0 {
		return nil, apperrors.NewInvalidRequestError("at least one recipient is required")
	}

	tpl, err := s.templates.GetActive(ctx, req.TemplateCode)
	if err != nil {
		return nil, err
	}

	log := s.log.WithFields(map[string]interface{}{"templateCode": tpl.Code, "sourceEntityType": req.SourceEntityType, "sourceEntityId": req.SourceEntityID})

	required := tpl.Placeholders
	if len(required) == 0 {
		required = template.ExtractPlaceholders(tpl.SubjectTemplate, tpl.BodyTemplate, tpl.ShortMessageTemplate)
	}
	if missing := template.MissingPlaceholders(required, req.PlaceholderData); len(missing) > 0 {
		log.Warn("rendering with missing placeholders", map[string]interface{}{
			"error": apperrors.NewMissingPlaceholderError(tpl.Code, missing),
		})
	}

	now := s.now()
	n := &models.Notification{
		ID:               uuid.New().String(),
		Title:            template.Render(tpl.SubjectTemplate, req.PlaceholderData),
		Message:          template.Render(tpl.BodyTemplate, req.PlaceholderData),
		Priority:         tpl.DefaultPriority,
		Category:         tpl.Category,
		SourceEntityType: req.SourceEntityType,
		SourceEntityID:   req.SourceEntityID,
		TemplateCode:     tpl.Code,
		ScheduledDate:    req.ScheduledDate,
		ExpiryDate:       req.ExpiryDate,
		IsActive:         true,
		CreatedAt:        now,
	}
	if tpl.ShortMessageTemplate != "" {
		n.ShortMessage = template.Render(tpl.ShortMessageTemplate, req.PlaceholderData)
	}
	if req.CustomPriority != nil {
		n.Priority = *req.CustomPriority
	}
	if n.Priority == "" {
		n.Priority = models.PriorityNormal
	}

	channels := s.resolveChannels(req.CustomChannels, tpl.DefaultChannels)

	users, err := s.users.GetUsers(ctx, recipientIDs)
	if err != nil {
		return nil, err
	}

	recipients := make([]*models.Recipient, 0, len(recipientIDs))
	deliveries := make([]*models.Delivery, 0, len(recipientIDs)*len(channels))
	for _, userID := range recipientIDs {
		recipients = append(recipients, &models.Recipient{
			ID:             uuid.New().String(),
			NotificationID: n.ID,
			UserID:         userID,
			CreatedAt:      now,
		})

		user, ok := users[userID]
		if !ok || !user.IsActive {
			log.Warn("recipient skipped", map[string]interface{}{"error": apperrors.NewRecipientInvalidError(userID)})
			continue
		}
		for _, ch := range channels {
			deliveries = append(deliveries, newDelivery(n.ID, user, ch, now))
		}
	}

	if err := s.store.Create(ctx, n, recipients, deliveries); err != nil {
		return nil, err
	}
	metrics.NotificationsCreated.WithLabelValues(tpl.Code).Inc()

	log.Info("notification created", map[string]interface{}{
		"notificationId": n.ID,
		"recipients":     len(recipients),
		"deliveries":     len(deliveries),
		"channels":       channels,
	})

	if s.indexer != nil {
		if err := s.indexer.Index(ctx, n, recipientIDs); err != nil {
			log.Warn("search indexing failed", map[string]interface{}{"notificationId": n.ID, "error": err})
		}
	}

	if s.dispatcher != nil && n.Due(now) {
		if !s.dispatcher.Enqueue(n.ID) {
			log.Warn("dispatch queue full, leaving notification for the dispatch sweep", map[string]interface{}{
				"notificationId": n.ID,
			})
		}
	}
	return n, nil
}

func newDelivery(notificationID string, user *models.User, channelType string, now time.Time) *models.Delivery {
	d := &models.Delivery{
		ID:               uuid.New().String(),
		NotificationID:   notificationID,
		UserID:           user.ID,
		ChannelType:      channelType,
		RecipientAddress: user.AddressFor(channelType),
		Status:           models.DeliveryPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if d.RecipientAddress == "" {
		d.Status = models.DeliverySkipped
		d.ErrorCode = string(apperrors.ErrCodeRecipientInvalid)
		d.ErrorMessage = "user has no " + channelType + " address"
	}
	return d
}

// resolveChannels applies override, then template defaults, then the configured fallback.
func (s *Service) resolveChannels(override, templateDefaults []string) []string {
	if chs := canonicalChannels(override); len(chs) > 0 {
		return chs
	}
	if chs := canonicalChannels(templateDefaults); len(chs) > 0 {
		return chs
	}
	return s.defaultChannels
}

func canonicalChannels(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = models.CanonicalChannel(strings.TrimSpace(c))
		if c == "" || seen[strings.ToLower(c)] {
			continue
		}
		seen[strings.ToLower(c)] = true
		out = append(out, c)
	}
	return out
}

func distinctIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (s *Service) Get(ctx context.Context, id string) (*models.Notification, error) {
	return s.store.Get(ctx, id)
}

// Deactivate stops any further delivery; pending deliveries are skipped at send time.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	if err := s.store.Deactivate(ctx, id); err != nil {
		return err
	}
	if r, ok := s.indexer.(Remover); ok {
		if err := r.Delete(ctx, id); err != nil {
			s.log.Warn("failed to remove deactivated notification from search index", map[string]interface{}{
				"notificationId": id,
				"error":          err.Error(),
			})
		}
	}
	s.log.Info("notification deactivated", map[string]interface{}{"notificationId": id})
	return nil
}

func (s *Service) List(ctx context.Context, userID int64, f ListFilter) (*Page, error) {
	f.Now = s.now()
	if term := strings.TrimSpace(f.Search); term != "" && s.searcher != nil {
		ids, err := s.searcher.Search(ctx, userID, term, maxSearchHits)
		if err != nil {
			s.log.Warn("search index unavailable, falling back to database search", map[string]interface{}{
				"userId": userID,
				"error":  err,
			})
		} else {
			if ids == nil {
				ids = []string{}
			}
			f.IDs = ids
		}
	}
	return s.store.ListForUser(ctx, userID, f)
}

const maxSearchHits = 500

func (s *Service) UnreadCount(ctx context.Context, userID int64) (int, error) {
	return s.store.UnreadCount(ctx, userID, s.now())
}

func (s *Service) MarkAsRead(ctx context.Context, notificationID string, userID int64) (*models.Recipient, error) {
	return s.store.MarkRead(ctx, notificationID, userID, s.now())
}

func (s *Service) MarkAllAsRead(ctx context.Context, userID int64) (int64, error) {
	return s.store.MarkAllRead(ctx, userID, s.now())
}

func (s *Service) Dismiss(ctx context.Context, notificationID string, userID int64) (*models.Recipient, error) {
	return s.store.Dismiss(ctx, notificationID, userID, s.now())
}

func (s *Service) MarkActioned(ctx context.Context, notificationID string, userID int64) (*models.Recipient, error) {
	return s.store.MarkActioned(ctx, notificationID, userID, s.now())
}
