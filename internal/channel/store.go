package channel

import (
	"context"
	"database/sql"
	"errors"
	"time"

	apperrors "workflow-notifications/internal/common/errors"
	"workflow-notifications/internal/models"
)

var ErrNotFound = errors.New("channel not found")

// Store persists channel rows and their daily send counters.
type Store interface {
	List(ctx context.Context) ([]*models.Channel, error)
	// Reserve increments the channel's daily counter unless the cap is reached.
	Reserve(ctx context.Context, channelType string) (bool, error)
	// Release gives back a reservation whose send failed.
	Release(ctx context.Context, channelType string) error
	// ResetDailyCounters zeroes counters not yet reset for day and returns how many were reset.
	ResetDailyCounters(ctx context.Context, day time.Time) (int64, error)
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_type, is_enabled, provider_name, config, max_retries, retry_delay_minutes,
		       priority, daily_limit, sent_today, last_reset_date
		FROM notification_channels
		ORDER BY priority DESC, channel_type`)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("channel.list", err)
	}
	defer rows.Close()

	var out []*models.Channel
	for rows.Next() {
		var (
			ch        models.Channel
			provider  sql.NullString
			raw       []byte
			lastReset sql.NullTime
		)
		if err := rows.Scan(&ch.ID, &ch.Type, &ch.Enabled, &provider, &raw, &ch.MaxRetries,
			&ch.RetryDelayMinutes, &ch.PriorityWeight, &ch.DailyLimit, &ch.SentToday, &lastReset); err != nil {
			return nil, apperrors.NewQueryExecutionFailedError("channel.scan", err)
		}
		ch.Type = models.CanonicalChannel(ch.Type)
		ch.ProviderName = provider.String
		ch.RawConfig = raw
		ch.LastResetDate = lastReset.Time
		if cfg, err := ParseConfig(ch.Type, raw); err != nil {
			ch.ConfigError = err.Error()
		} else {
			ch.Config = cfg
		}
		out = append(out, &ch)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Reserve(ctx context.Context, channelType string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_channels
		SET sent_today = sent_today + 1
		WHERE lower(channel_type) = lower($1)
		  AND (daily_limit <= 0 OR sent_today < daily_limit)`, channelType)
	if err != nil {
		return false, apperrors.NewQueryExecutionFailedError("channel.reserve", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.NewQueryExecutionFailedError("channel.reserve", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) Release(ctx context.Context, channelType string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_channels
		SET sent_today = GREATEST(sent_today - 1, 0)
		WHERE lower(channel_type) = lower($1)`, channelType)
	if err != nil {
		return apperrors.NewQueryExecutionFailedError("channel.release", err)
	}
	return nil
}

func (s *PostgresStore) ResetDailyCounters(ctx context.Context, day time.Time) (int64, error) {
	day = truncateDay(day)
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_channels
		SET sent_today = 0, last_reset_date = $1
		WHERE last_reset_date IS NULL OR last_reset_date < $1`, day)
	if err != nil {
		return 0, apperrors.NewQueryExecutionFailedError("channel.reset_counters", err)
	}
	return res.RowsAffected()
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NextUTCMidnight is when a capped channel may send again.
func NextUTCMidnight(now time.Time) time.Time {
	return truncateDay(now).Add(24 * time.Hour)
}
