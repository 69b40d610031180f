package notification

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"workflow-notifications/internal/common/database"
	apperrors "workflow-notifications/internal/common/errors"
	"workflow-notifications/internal/models"

	"github.com/lib/pq"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func (s *PostgresStore) Create(ctx context.Context, n *models.Notification, recipients []*models.Recipient, deliveries []*models.Delivery) error {
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO notifications (id, title, message, short_message, priority, category, source_entity_type,
			                           source_entity_id, template_code, scheduled_date, expiry_date, is_active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			n.ID, n.Title, n.Message, n.ShortMessage, string(n.Priority), n.Category, n.SourceEntityType,
			n.SourceEntityID, n.TemplateCode, nullTime(n.ScheduledDate), nullTime(n.ExpiryDate), n.IsActive, n.CreatedAt,
		); err != nil {
			return apperrors.NewQueryExecutionFailedError("notification.insert", err)
		}

		for _, r := range recipients {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO notification_recipients (id, notification_id, user_id, is_read, is_dismissed, is_actioned, created_at)
				VALUES ($1, $2, $3, false, false, false, $4)`,
				r.ID, r.NotificationID, r.UserID, r.CreatedAt,
			); err != nil {
				return apperrors.NewQueryExecutionFailedError("notification.insert_recipient", err)
			}
		}

		for _, d := range deliveries {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO notification_deliveries (id, notification_id, user_id, channel_type, recipient_address, status,
				                                     retry_count, error_code, error_message, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
				d.ID, d.NotificationID, d.UserID, d.ChannelType, d.RecipientAddress, string(d.Status),
				d.RetryCount, d.ErrorCode, d.ErrorMessage, d.CreatedAt,
			); err != nil {
				return apperrors.NewQueryExecutionFailedError("notification.insert_delivery", err)
			}
		}
		return nil
	})
}

const notificationColumns = `n.id, n.title, n.message, COALESCE(n.short_message, ''), n.priority,
	COALESCE(n.category, ''), COALESCE(n.source_entity_type, ''), COALESCE(n.source_entity_id, 0), n.template_code,
	n.scheduled_date, n.expiry_date, n.is_active, n.created_at`

type notificationRow struct {
	n         models.Notification
	priority  string
	scheduled sql.NullTime
	expiry    sql.NullTime
}

func (r *notificationRow) dest() []interface{} {
	return []interface{}{&r.n.ID, &r.n.Title, &r.n.Message, &r.n.ShortMessage, &r.priority, &r.n.Category,
		&r.n.SourceEntityType, &r.n.SourceEntityID, &r.n.TemplateCode, &r.scheduled, &r.expiry, &r.n.IsActive, &r.n.CreatedAt}
}

func (r *notificationRow) value() *models.Notification {
	n := r.n
	n.Priority = models.Priority(r.priority)
	n.ScheduledDate = timePtr(r.scheduled)
	n.ExpiryDate = timePtr(r.expiry)
	return &n
}

const recipientColumns = `r.id, r.notification_id, r.user_id, r.is_read, r.read_date, r.is_dismissed, r.dismissed_date,
	r.is_actioned, r.actioned_date, r.created_at`

type recipientRow struct {
	r                       models.Recipient
	read, dismissed, action sql.NullTime
}

func (r *recipientRow) dest() []interface{} {
	return []interface{}{&r.r.ID, &r.r.NotificationID, &r.r.UserID, &r.r.IsRead, &r.read, &r.r.IsDismissed,
		&r.dismissed, &r.r.IsActioned, &r.action, &r.r.CreatedAt}
}

func (r *recipientRow) value() *models.Recipient {
	out := r.r
	out.ReadDate = timePtr(r.read)
	out.DismissedDate = timePtr(r.dismissed)
	out.ActionedDate = timePtr(r.action)
	return &out
}

const deliveryColumns = `id, notification_id, user_id, channel_type, COALESCE(recipient_address, ''), status, retry_count,
	next_retry_at, COALESCE(provider_response, ''), COALESCE(error_code, ''), COALESCE(error_message, ''), sent_at,
	created_at, updated_at`

type deliveryRow struct {
	d         models.Delivery
	status    string
	nextRetry sql.NullTime
	sentAt    sql.NullTime
}

func (r *deliveryRow) dest() []interface{} {
	return []interface{}{&r.d.ID, &r.d.NotificationID, &r.d.UserID, &r.d.ChannelType, &r.d.RecipientAddress, &r.status,
		&r.d.RetryCount, &r.nextRetry, &r.d.ProviderResponse, &r.d.ErrorCode, &r.d.ErrorMessage, &r.sentAt,
		&r.d.CreatedAt, &r.d.UpdatedAt}
}

func (r *deliveryRow) value() *models.Delivery {
	d := r.d
	d.Status = models.DeliveryStatus(r.status)
	d.NextRetryAt = timePtr(r.nextRetry)
	d.SentAt = timePtr(r.sentAt)
	return &d
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Notification, error) {
	var row notificationRow
	err := s.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications n WHERE n.id = $1`, id).
		Scan(row.dest()...)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotificationNotFoundError(id)
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("notification.get", err)
	}
	return row.value(), nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return apperrors.NewQueryExecutionFailedError("notification.deactivate", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotificationNotFoundError(id)
	}
	return nil
}

// inboxWhere builds the shared WHERE clause for list and count; args starts with the user id.
func inboxWhere(userID int64, f ListFilter) (string, []interface{}) {
	args := []interface{}{userID, f.Now}
	conds := []string{
		"r.user_id = $1",
		"n.is_active = true",
		"(n.expiry_date IS NULL OR n.expiry_date > $2)",
		"(n.scheduled_date IS NULL OR n.scheduled_date <= $2)",
	}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !f.IncludeDismissed {
		conds = append(conds, "r.is_dismissed = false")
	}
	if f.Category != "" {
		conds = append(conds, "n.category = "+arg(f.Category))
	}
	if f.Priority != "" {
		conds = append(conds, "n.priority = "+arg(string(models.ParsePriority(f.Priority))))
	}
	if f.Read != nil {
		conds = append(conds, "r.is_read = "+arg(*f.Read))
	}
	if f.IDs != nil {
		conds = append(conds, "n.id = ANY("+arg(pq.Array(f.IDs))+")")
	} else if term := strings.TrimSpace(f.Search); term != "" {
		p := arg("%" + term + "%")
		conds = append(conds, "(n.title ILIKE "+p+" OR n.message ILIKE "+p+")")
	}
	return strings.Join(conds, " AND "), args
}

func (s *PostgresStore) ListForUser(ctx context.Context, userID int64, f ListFilter) (*Page, error) {
	f.normalize()
	where, args := inboxWhere(userID, f)
	from := ` FROM notification_recipients r JOIN notifications n ON n.id = r.notification_id WHERE ` + where

	page := &Page{Page: f.Page, PageSize: f.PageSize, Items: []*InboxItem{}}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+from, args...).Scan(&page.Total); err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("notification.count_inbox", err)
	}
	if page.Total == 0 {
		return page, nil
	}

	args = append(args, f.PageSize, f.offset())
	rows, err := s.db.QueryContext(ctx, `SELECT `+notificationColumns+`, `+recipientColumns+from+
		fmt.Sprintf(` ORDER BY n.created_at DESC, n.id LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("notification.list_inbox", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			nr notificationRow
			rr recipientRow
		)
		if err := rows.Scan(append(nr.dest(), rr.dest()...)...); err != nil {
			return nil, apperrors.NewQueryExecutionFailedError("notification.scan_inbox", err)
		}
		page.Items = append(page.Items, &InboxItem{Notification: nr.value(), Recipient: rr.value()})
	}
	return page, rows.Err()
}

func (s *PostgresStore) UnreadCount(ctx context.Context, userID int64, now time.Time) (int, error) {
	unread := false
	where, args := inboxWhere(userID, ListFilter{Now: now, Read: &unread})
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notification_recipients r
		JOIN notifications n ON n.id = r.notification_id WHERE `+where, args...).Scan(&n)
	if err != nil {
		return 0, apperrors.NewQueryExecutionFailedError("notification.unread_count", err)
	}
	return n, nil
}

func (s *PostgresStore) updateRecipient(ctx context.Context, op, set, notificationID string, userID int64, at time.Time) (*models.Recipient, error) {
	var row recipientRow
	err := s.db.QueryRowContext(ctx, `
		UPDATE notification_recipients r SET `+set+`
		WHERE r.notification_id = $1 AND r.user_id = $2
		RETURNING `+recipientColumns, notificationID, userID, at).Scan(row.dest()...)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotificationNotFoundError(notificationID)
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError(op, err)
	}
	return row.value(), nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, notificationID string, userID int64, at time.Time) (*models.Recipient, error) {
	return s.updateRecipient(ctx, "notification.mark_read",
		"is_read = true, read_date = COALESCE(r.read_date, $3)", notificationID, userID, at)
}

func (s *PostgresStore) Dismiss(ctx context.Context, notificationID string, userID int64, at time.Time) (*models.Recipient, error) {
	return s.updateRecipient(ctx, "notification.dismiss",
		"is_dismissed = true, dismissed_date = COALESCE(r.dismissed_date, $3)", notificationID, userID, at)
}

func (s *PostgresStore) MarkActioned(ctx context.Context, notificationID string, userID int64, at time.Time) (*models.Recipient, error) {
	return s.updateRecipient(ctx, "notification.mark_actioned",
		"is_actioned = true, actioned_date = COALESCE(r.actioned_date, $3), is_read = true, read_date = COALESCE(r.read_date, $3)",
		notificationID, userID, at)
}

func (s *PostgresStore) MarkAllRead(ctx context.Context, userID int64, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_recipients
		SET is_read = true, read_date = $2
		WHERE user_id = $1 AND is_read = false`, userID, at)
	if err != nil {
		return 0, apperrors.NewQueryExecutionFailedError("notification.mark_all_read", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	var row deliveryRow
	err := s.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM notification_deliveries WHERE id = $1`, id).
		Scan(row.dest()...)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewDeliveryNotFoundError(id)
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("delivery.get", err)
	}
	return row.value(), nil
}

func (s *PostgresStore) ListDeliveries(ctx context.Context, notificationID string) ([]*models.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deliveryColumns+`
		FROM notification_deliveries
		WHERE notification_id = $1
		ORDER BY channel_type, user_id`, notificationID)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("delivery.list", err)
	}
	defer rows.Close()

	var out []*models.Delivery
	for rows.Next() {
		var row deliveryRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, apperrors.NewQueryExecutionFailedError("delivery.scan", err)
		}
		out = append(out, row.value())
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateDelivery(ctx context.Context, d *models.Delivery) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_deliveries
		SET status = $2, retry_count = $3, next_retry_at = $4, provider_response = $5, error_code = $6,
		    error_message = $7, sent_at = $8, updated_at = $9
		WHERE id = $1`,
		d.ID, string(d.Status), d.RetryCount, nullTime(d.NextRetryAt), d.ProviderResponse, d.ErrorCode,
		d.ErrorMessage, nullTime(d.SentAt), d.UpdatedAt)
	if err != nil {
		return apperrors.NewQueryExecutionFailedError("delivery.update", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewDeliveryNotFoundError(d.ID)
	}
	return nil
}

func (s *PostgresStore) notificationIDs(ctx context.Context, op, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError(op, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.NewQueryExecutionFailedError(op, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) DueForDispatch(ctx context.Context, now, settledBefore time.Time, limit int) ([]string, error) {
	return s.notificationIDs(ctx, "delivery.due_for_dispatch", `
		SELECT d.notification_id
		FROM notification_deliveries d
		JOIN notifications n ON n.id = d.notification_id
		WHERE d.status = 'Pending'
		  AND (d.next_retry_at IS NULL OR d.next_retry_at <= $1)
		  AND (n.scheduled_date IS NULL OR n.scheduled_date <= $1)
		  AND d.updated_at < $2
		GROUP BY d.notification_id
		ORDER BY MIN(d.created_at)
		LIMIT $3`, now, settledBefore, limit)
}

func (s *PostgresStore) DueForRetry(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.notificationIDs(ctx, "delivery.due_for_retry", `
		SELECT notification_id
		FROM notification_deliveries
		WHERE status = 'Failed' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		GROUP BY notification_id
		ORDER BY MIN(next_retry_at)
		LIMIT $2`, now, limit)
}

func (s *PostgresStore) DeliveryCounts(ctx context.Context) (map[string]map[models.DeliveryStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_type, status, COUNT(*)
		FROM notification_deliveries
		GROUP BY channel_type, status`)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("delivery.counts", err)
	}
	defer rows.Close()

	out := make(map[string]map[models.DeliveryStatus]int)
	for rows.Next() {
		var (
			channelType, status string
			n                   int
		)
		if err := rows.Scan(&channelType, &status, &n); err != nil {
			return nil, apperrors.NewQueryExecutionFailedError("delivery.counts", err)
		}
		channelType = models.CanonicalChannel(channelType)
		if out[channelType] == nil {
			out[channelType] = make(map[models.DeliveryStatus]int)
		}
		out[channelType][models.DeliveryStatus(status)] += n
	}
	return out, rows.Err()
}
