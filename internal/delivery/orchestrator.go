// Package delivery attempts notification deliveries through the channel providers,
// applying daily caps and retry policy, and runs that work on a bounded pool.
package delivery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"workflow-notifications/internal/channel"
	apperrors "workflow-notifications/internal/common/errors"
	"workflow-notifications/internal/common/logger"
	"workflow-notifications/internal/common/metrics"
	"workflow-notifications/internal/models"
	"workflow-notifications/internal/notification"

	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency   = 4
	defaultBatchSize     = 100
	defaultDispatchGrace = time.Minute
)

type Options struct {
	Store     notification.DeliveryStore
	Channels  channel.Store
	Providers *channel.Registry
	// CatalogMaxStale bounds how long channel rows are served from the in-memory snapshot.
	CatalogMaxStale time.Duration
	// Concurrency caps simultaneous provider calls within one notification.
	Concurrency int
	// DispatchGrace keeps the dispatch sweep away from deliveries the pool may still hold.
	DispatchGrace time.Duration
	BatchSize     int
	Logger        logger.Logger
	Now           func() time.Time
}

type Orchestrator struct {
	store         notification.DeliveryStore
	channels      channel.Store
	catalog       *channel.Catalog
	counter       *channel.DailyCounter
	providers     *channel.Registry
	concurrency   int
	dispatchGrace time.Duration
	batchSize     int
	log           logger.Logger
	now           func() time.Time
}

func NewOrchestrator(opts Options) *Orchestrator {
	o := &Orchestrator{
		store:         opts.Store,
		channels:      opts.Channels,
		catalog:       channel.NewCatalog(opts.Channels, opts.CatalogMaxStale),
		counter:       channel.NewDailyCounter(opts.Channels, opts.Now),
		providers:     opts.Providers,
		concurrency:   opts.Concurrency,
		dispatchGrace: opts.DispatchGrace,
		batchSize:     opts.BatchSize,
		log:           opts.Logger,
		now:           opts.Now,
	}
	if o.concurrency <= 0 {
		o.concurrency = defaultConcurrency
	}
	if o.dispatchGrace <= 0 {
		o.dispatchGrace = defaultDispatchGrace
	}
	if o.batchSize <= 0 {
		o.batchSize = defaultBatchSize
	}
	if o.providers == nil {
		o.providers = channel.NewRegistry()
	}
	if o.log == nil {
		o.log = logger.NewNoOpLogger()
	}
	o.log = o.log.Component("delivery")
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeDeferred
)

func (o outcome) String() string {
	switch o {
	case outcomeSent:
		return "sent"
	case outcomeFailed:
		return "failed"
	case outcomeSkipped:
		return "skipped"
	default:
		return "deferred"
	}
}

// SendNotification attempts every Pending delivery of the notification whose retry time,
// if any, has passed. Deliveries are independent; one failing never blocks another.
func (o *Orchestrator) SendNotification(ctx context.Context, notificationID string) (*models.DeliveryResult, error) {
	n, err := o.store.Get(ctx, notificationID)
	if err != nil {
		return nil, err
	}
	deliveries, err := o.store.ListDeliveries(ctx, notificationID)
	if err != nil {
		return nil, err
	}

	now := o.now()
	var eligible []*models.Delivery
	for _, d := range deliveries {
		if d.Status == models.DeliveryPending && (d.NextRetryAt == nil || !d.NextRetryAt.After(now)) {
			eligible = append(eligible, d)
		}
	}
	return o.run(ctx, n, eligible), nil
}

// SendDelivery attempts a single delivery and reports whether it ended up sent.
func (o *Orchestrator) SendDelivery(ctx context.Context, deliveryID string) (bool, error) {
	d, err := o.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return false, err
	}
	n, err := o.store.Get(ctx, d.NotificationID)
	if err != nil {
		return false, err
	}
	out, err := o.attempt(ctx, n, d)
	if err != nil && out != outcomeFailed {
		return false, err
	}
	return out == outcomeSent, nil
}

// RetryFailedDeliveries re-attempts the notification's Failed deliveries that still have
// retries left. Provider and configuration failures are permanent and left alone.
func (o *Orchestrator) RetryFailedDeliveries(ctx context.Context, notificationID string) (*models.DeliveryResult, error) {
	n, err := o.store.Get(ctx, notificationID)
	if err != nil {
		return nil, err
	}
	deliveries, err := o.store.ListDeliveries(ctx, notificationID)
	if err != nil {
		return nil, err
	}

	now := o.now()
	var retry []*models.Delivery
	for _, d := range deliveries {
		if d.Status != models.DeliveryFailed || permanentFailure(d.ErrorCode) {
			continue
		}
		ch, err := o.catalog.Get(ctx, d.ChannelType)
		if err != nil {
			return nil, err
		}
		if d.RetryCount >= ch.MaxRetries {
			continue
		}
		d.RetryCount++
		next := now.Add(ch.RetryDelay(d.RetryCount))
		d.NextRetryAt = &next
		d.Status = models.DeliveryPending
		d.UpdatedAt = now
		if err := o.store.UpdateDelivery(ctx, d); err != nil {
			return nil, err
		}
		retry = append(retry, d)
	}

	result := o.run(ctx, n, retry)
	if len(retry) > 0 {
		o.log.Info("retried failed deliveries", map[string]interface{}{
			"notificationId": notificationID,
			"retried":        len(retry),
			"succeeded":      result.Succeeded,
		})
	}
	return result, nil
}

func permanentFailure(code string) bool {
	return code == string(apperrors.ErrCodeProviderUnavailable) || code == string(apperrors.ErrCodeChannelConfigInvalid)
}

// run attempts the deliveries grouped by channel with at most o.concurrency in flight.
func (o *Orchestrator) run(ctx context.Context, n *models.Notification, deliveries []*models.Delivery) *models.DeliveryResult {
	result := &models.DeliveryResult{NotificationID: n.ID, Total: len(deliveries)}
	if len(deliveries) == 0 {
		return result
	}

	byChannel := make(map[string][]*models.Delivery)
	var order []string
	for _, d := range deliveries {
		key := models.CanonicalChannel(d.ChannelType)
		if _, ok := byChannel[key]; !ok {
			order = append(order, key)
		}
		byChannel[key] = append(byChannel[key], d)
	}
	sort.Strings(order)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(o.concurrency)
	for _, key := range order {
		for _, d := range byChannel[key] {
			g.Go(func() error {
				out, err := o.attempt(ctx, n, d)
				mu.Lock()
				defer mu.Unlock()
				switch out {
				case outcomeSent:
					result.Succeeded++
				case outcomeFailed:
					result.Failed++
				}
				if err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("%s %s: %v", d.ChannelType, d.ID, err))
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	o.log.Debug("delivery batch finished", map[string]interface{}{
		"notificationId": n.ID,
		"total":          result.Total,
		"succeeded":      result.Succeeded,
		"failed":         result.Failed,
	})
	return result
}

// attempt moves one delivery forward. A returned error with outcomeFailed is the
// recorded delivery error; with any other outcome it is an infrastructure error and
// the delivery row is left as it was.
func (o *Orchestrator) attempt(ctx context.Context, n *models.Notification, d *models.Delivery) (outcome, error) {
	if d.Status.IsFinalSuccess() {
		return outcomeSent, nil
	}

	now := o.now()
	log := o.log.WithFields(map[string]interface{}{
		"notificationId": n.ID,
		"deliveryId":     d.ID,
		"channel":        d.ChannelType,
	})

	if !n.Deliverable(now) {
		d.Status = models.DeliverySkipped
		d.NextRetryAt = nil
		d.ErrorMessage = "notification expired or deactivated"
		return outcomeSkipped, o.save(ctx, d, now, outcomeSkipped)
	}
	if !n.Due(now) {
		return outcomeDeferred, nil
	}

	ch, err := o.catalog.Get(ctx, d.ChannelType)
	if err != nil {
		return outcomeDeferred, err
	}
	if !ch.Enabled {
		d.Status = models.DeliverySkipped
		d.NextRetryAt = nil
		d.ErrorMessage = "channel " + ch.Type + " is disabled"
		return outcomeSkipped, o.save(ctx, d, now, outcomeSkipped)
	}
	if ch.ConfigError != "" {
		return o.fail(ctx, d, apperrors.NewChannelConfigInvalidError(ch.Type, ch.ConfigError), nil, now)
	}

	provider, ok := o.providers.Resolve(ch)
	if !ok {
		return o.fail(ctx, d, apperrors.NewProviderUnavailableError(ch.Type), nil, now)
	}

	reserved, err := o.counter.Reserve(ctx, ch)
	if err != nil {
		return outcomeDeferred, err
	}
	if !reserved {
		next := channel.NextUTCMidnight(now)
		d.Status = models.DeliveryPending
		d.NextRetryAt = &next
		d.ErrorCode = string(apperrors.ErrCodeDailyLimitReached)
		d.ErrorMessage = apperrors.NewDailyLimitReachedError(ch.Type, ch.DailyLimit).Error()
		metrics.DailyLimitDeferrals.WithLabelValues(ch.Type).Inc()
		log.Info("daily limit reached, deferring to next day", map[string]interface{}{"nextRetryAt": next})
		return outcomeDeferred, o.save(ctx, d, now, outcomeDeferred)
	}

	start := time.Now()
	resp, sendErr := provider.Send(ctx, channel.Message{Delivery: d, Notification: n, Channel: ch})
	metrics.DeliveryDuration.WithLabelValues(ch.Type).Observe(time.Since(start).Seconds())

	if sendErr != nil {
		if err := o.counter.Release(ctx, ch); err != nil {
			log.Warn("failed to release daily reservation", map[string]interface{}{"error": err})
		}
		var next *time.Time
		if d.RetryCount < ch.MaxRetries {
			t := now.Add(ch.RetryDelay(d.RetryCount + 1))
			next = &t
		}
		return o.fail(ctx, d, apperrors.NewDeliveryFailedError(ch.Type, sendErr), next, now)
	}

	d.Status = models.DeliverySent
	d.SentAt = &now
	d.ProviderResponse = resp
	d.NextRetryAt = nil
	d.ErrorCode = ""
	d.ErrorMessage = ""
	if err := o.save(ctx, d, now, outcomeSent); err != nil {
		log.Error("delivery sent but status update failed", map[string]interface{}{"error": err})
		return outcomeSent, err
	}
	return outcomeSent, nil
}

func (o *Orchestrator) fail(ctx context.Context, d *models.Delivery, cause *apperrors.StandardError, next *time.Time, now time.Time) (outcome, error) {
	d.Status = models.DeliveryFailed
	d.NextRetryAt = next
	d.ErrorCode = string(cause.Code)
	d.ErrorMessage = cause.Error()

	o.log.Warn("delivery failed", map[string]interface{}{
		"deliveryId":  d.ID,
		"channel":     d.ChannelType,
		"retryCount":  d.RetryCount,
		"errorCode":   cause.Code,
		"willRetry":   next != nil,
		"nextRetryAt": next,
	})
	if err := o.save(ctx, d, now, outcomeFailed); err != nil {
		return outcomeDeferred, err
	}
	return outcomeFailed, cause
}

func (o *Orchestrator) save(ctx context.Context, d *models.Delivery, now time.Time, out outcome) error {
	d.UpdatedAt = now
	if err := o.store.UpdateDelivery(ctx, d); err != nil {
		return err
	}
	metrics.DeliveryAttempts.WithLabelValues(models.CanonicalChannel(d.ChannelType), out.String()).Inc()
	return nil
}

// GetDeliveryStatus summarizes a notification's deliveries by status and by channel.
func (o *Orchestrator) GetDeliveryStatus(ctx context.Context, notificationID string) (*models.DeliveryStatusSummary, error) {
	if _, err := o.store.Get(ctx, notificationID); err != nil {
		return nil, err
	}
	deliveries, err := o.store.ListDeliveries(ctx, notificationID)
	if err != nil {
		return nil, err
	}
	summary := &models.DeliveryStatusSummary{
		NotificationID: notificationID,
		Total:          len(deliveries),
		ByStatus:       make(map[models.DeliveryStatus]int),
		ByChannel:      make(map[string]map[models.DeliveryStatus]int),
	}
	for _, d := range deliveries {
		summary.ByStatus[d.Status]++
		key := models.CanonicalChannel(d.ChannelType)
		if summary.ByChannel[key] == nil {
			summary.ByChannel[key] = make(map[models.DeliveryStatus]int)
		}
		summary.ByChannel[key][d.Status]++
	}
	return summary, nil
}

// RetryDue retries every notification with a Failed delivery whose next retry time has
// passed and returns how many notifications were processed.
func (o *Orchestrator) RetryDue(ctx context.Context) (int, error) {
	ids, err := o.store.DueForRetry(ctx, o.now(), o.batchSize)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if _, err := o.RetryFailedDeliveries(ctx, id); err != nil {
			o.log.Error("retry sweep failed for notification", map[string]interface{}{"notificationId": id, "error": err})
			continue
		}
		processed++
	}
	return processed, nil
}

// DispatchDue sends notifications whose Pending deliveries became eligible without
// passing through the pool: scheduled sends, deferred daily-cap sends and queue overflow.
func (o *Orchestrator) DispatchDue(ctx context.Context) (int, error) {
	now := o.now()
	ids, err := o.store.DueForDispatch(ctx, now, now.Add(-o.dispatchGrace), o.batchSize)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if _, err := o.SendNotification(ctx, id); err != nil {
			o.log.Error("dispatch sweep failed for notification", map[string]interface{}{"notificationId": id, "error": err})
			continue
		}
		processed++
	}
	return processed, nil
}

// ChannelStats reports delivery counts and daily usage for every known channel type:
// stored rows, registered providers and any type that has deliveries.
func (o *Orchestrator) ChannelStats(ctx context.Context) ([]models.ChannelStats, error) {
	channels, err := o.catalog.All(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := o.store.DeliveryCounts(ctx)
	if err != nil {
		return nil, err
	}

	stats := make(map[string]*models.ChannelStats)
	entry := func(channelType string) *models.ChannelStats {
		key := strings.ToLower(channelType)
		if s, ok := stats[key]; ok {
			return s
		}
		s := &models.ChannelStats{ChannelType: models.CanonicalChannel(channelType), Enabled: true}
		stats[key] = s
		return s
	}

	for _, ch := range channels {
		s := entry(ch.Type)
		s.Enabled = ch.Enabled
		s.SentToday = ch.SentToday
		s.DailyLimit = ch.DailyLimit
	}
	for _, t := range o.providers.Types() {
		entry(t)
	}
	for channelType, byStatus := range counts {
		s := entry(channelType)
		for status, n := range byStatus {
			s.Total += n
			switch status {
			case models.DeliveryPending:
				s.Pending += n
			case models.DeliverySent:
				s.Sent += n
			case models.DeliveryDelivered:
				s.Delivered += n
			case models.DeliveryFailed:
				s.Failed += n
			case models.DeliverySkipped:
				s.Skipped += n
			}
		}
	}

	out := make([]models.ChannelStats, 0, len(stats))
	for _, s := range stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelType < out[j].ChannelType })
	return out, nil
}

// TestChannel checks connectivity of the provider that would serve channelType.
func (o *Orchestrator) TestChannel(ctx context.Context, channelType string) (bool, string, error) {
	ch, err := o.catalog.Get(ctx, channelType)
	if err != nil {
		return false, "", err
	}
	if ch.ConfigError != "" {
		return false, ch.ConfigError, nil
	}
	provider, ok := o.providers.Resolve(ch)
	if !ok {
		return false, apperrors.NewProviderUnavailableError(ch.Type).Message, nil
	}
	okConn, msg := provider.TestConnection(ctx, ch)
	o.log.Info("channel connectivity tested", map[string]interface{}{
		"channel":  ch.Type,
		"provider": provider.Name(),
		"ok":       okConn,
	})
	return okConn, msg, nil
}

// ResetDailyCounters zeroes the per-channel send counters for the current UTC day.
func (o *Orchestrator) ResetDailyCounters(ctx context.Context) (int64, error) {
	n, err := o.channels.ResetDailyCounters(ctx, o.now())
	if err != nil {
		return 0, err
	}
	if err := o.catalog.Refresh(ctx); err != nil {
		o.log.Warn("channel catalog refresh failed after counter reset", map[string]interface{}{"error": err})
	}
	o.log.Info("daily channel counters reset", map[string]interface{}{"channels": n})
	return n, nil
}
