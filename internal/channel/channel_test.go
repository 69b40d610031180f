package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	apperrors "workflow-notifications/internal/common/errors"
	"workflow-notifications/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Mock Implementations
// ==========================

type stubProvider struct {
	channelType string
	name        string
}

func (s *stubProvider) ChannelType() string { return s.channelType }
func (s *stubProvider) Name() string        { return s.name }
func (s *stubProvider) Send(context.Context, Message) (string, error) {
	return s.name, nil
}
func (s *stubProvider) TestConnection(context.Context, *models.Channel) (bool, string) {
	return true, s.name
}

// ==========================
// Registry
// ==========================

func TestRegistry_CaseInsensitiveLookup(t *testing.T) {
	r := NewRegistry(&stubProvider{"InApp", "redis"}, &stubProvider{"Email", "ses"})

	for _, key := range []string{"inapp", "INAPP", "InApp"} {
		p, ok := r.Get(key)
		require.True(t, ok, key)
		assert.Equal(t, "redis", p.Name())
	}

	_, ok := r.Get("Fax")
	assert.False(t, ok)
	assert.Equal(t, []string{"Email", "InApp"}, r.Types())
}

func TestRegistry_ResolveByProviderName(t *testing.T) {
	r := NewRegistry(&stubProvider{"Email", "ses"}, &stubProvider{"Email", "smtp"})

	p, ok := r.Resolve(&models.Channel{Type: "email", ProviderName: "SMTP"})
	require.True(t, ok)
	assert.Equal(t, "smtp", p.Name())

	p, ok = r.Resolve(&models.Channel{Type: "Email", ProviderName: "sendgrid"})
	require.True(t, ok)
	assert.Equal(t, "ses", p.Name(), "unknown provider name falls back to the first registered")

	_, ok = r.Resolve(&models.Channel{Type: "SMS"})
	assert.False(t, ok)
}

// ==========================
// Config
// ==========================

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name        string
		channelType string
		raw         string
		wantErr     bool
		check       func(t *testing.T, cfg models.ChannelConfig)
	}{
		{
			name:        "email sender",
			channelType: "Email",
			raw:         `{"fromAddress":"noreply@example.com","fromName":"Compliance"}`,
			check: func(t *testing.T, cfg models.ChannelConfig) {
				assert.Equal(t, "noreply@example.com", cfg.FromAddress)
				assert.Equal(t, "Compliance", cfg.FromName)
			},
		},
		{name: "empty column", channelType: "SMS", raw: ""},
		{name: "null column", channelType: "SMS", raw: "null"},
		{name: "unknown property", channelType: "Email", raw: `{"smtpHost":"x"}`, wantErr: true},
		{name: "bad sms type", channelType: "SMS", raw: `{"smsType":"Bulk"}`, wantErr: true},
		{name: "webhook timeout out of range", channelType: "Webhook", raw: `{"url":"https://h.example/x","timeoutMs":5}`, wantErr: true},
		{
			name:        "webhook",
			channelType: "webhook",
			raw:         `{"url":"https://h.example/x","headers":{"X-Tenant":"7"},"secret":"s"}`,
			check: func(t *testing.T, cfg models.ChannelConfig) {
				assert.Equal(t, "7", cfg.Headers["X-Tenant"])
			},
		},
		{name: "malformed", channelType: "InApp", raw: `{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig(tt.channelType, []byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeChannelConfigInvalid))
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

// ==========================
// Postgres Store
// ==========================

var channelColumns = []string{
	"id", "channel_type", "is_enabled", "provider_name", "config", "max_retries", "retry_delay_minutes",
	"priority", "daily_limit", "sent_today", "last_reset_date",
}

func TestPostgresStore_ListMarksInvalidConfig(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM notification_channels`).WillReturnRows(sqlmock.NewRows(channelColumns).
		AddRow(1, "email", true, "ses", []byte(`{"fromAddress":"a@example.com"}`), 3, 5, 10, 1000, 12, time.Now()).
		AddRow(2, "Webhook", true, nil, []byte(`{"url":42}`), 2, 1, 1, 0, 0, nil))

	list, err := NewPostgresStore(db).List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, "Email", list[0].Type)
	assert.Equal(t, "a@example.com", list[0].Config.FromAddress)
	assert.Empty(t, list[0].ConfigError)

	assert.Equal(t, "Webhook", list[1].Type)
	assert.NotEmpty(t, list[1].ConfigError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Reserve(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	mock.ExpectExec(`UPDATE notification_channels\s+SET sent_today = sent_today \+ 1`).
		WithArgs("SMS").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE notification_channels\s+SET sent_today = sent_today \+ 1`).
		WithArgs("SMS").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.Reserve(context.Background(), "SMS")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Reserve(context.Background(), "SMS")
	require.NoError(t, err)
	assert.False(t, ok, "cap reached")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResetDailyCounters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	day := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`SET sent_today = 0, last_reset_date = \$1`).
		WithArgs(day).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := NewPostgresStore(db).ResetDailyCounters(context.Background(), day.Add(13*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Daily Counter
// ==========================

func TestDailyCounter_ConcurrentReservationsRespectCap(t *testing.T) {
	store := NewMemoryStore(&models.Channel{ID: 1, Type: "SMS", DailyLimit: 25})
	counter := NewDailyCounter(store, nil)
	ch := &models.Channel{ID: 1, Type: "sms"}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := counter.Reserve(context.Background(), ch)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 25, granted)
	assert.Equal(t, 25, store.SentToday("SMS"))

	require.NoError(t, counter.Release(context.Background(), ch))
	assert.Equal(t, 24, store.SentToday("SMS"))
}

func TestDailyCounter_UnstoredChannelIsUncapped(t *testing.T) {
	counter := NewDailyCounter(NewMemoryStore(), nil)
	ok, err := counter.Reserve(context.Background(), &models.Channel{Type: "InApp"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDailyCounter_CatchesUpMissedReset(t *testing.T) {
	today := time.Date(2026, 5, 5, 8, 30, 0, 0, time.UTC)
	yesterday := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore(&models.Channel{ID: 1, Type: "SMS", DailyLimit: 2, SentToday: 2, LastResetDate: yesterday})
	counter := NewDailyCounter(store, func() time.Time { return today })
	ch := &models.Channel{ID: 1, Type: "SMS", DailyLimit: 2, SentToday: 2, LastResetDate: yesterday}

	ok, err := counter.Reserve(context.Background(), ch)
	require.NoError(t, err)
	assert.True(t, ok, "yesterday's sends do not count against today")
	assert.Equal(t, 1, store.SentToday("SMS"))

	ok, err = counter.Reserve(context.Background(), ch)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = counter.Reserve(context.Background(), ch)
	require.NoError(t, err)
	assert.False(t, ok, "today's cap still applies after the catch-up reset")
	assert.Equal(t, 2, store.SentToday("SMS"))
}

func TestMemoryStore_ResetDailyCountersOncePerDay(t *testing.T) {
	store := NewMemoryStore(&models.Channel{ID: 1, Type: "Email", SentToday: 40, DailyLimit: 50})
	day := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	n, err := store.ResetDailyCounters(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 0, store.SentToday("Email"))

	_, _ = store.Reserve(context.Background(), "Email")
	n, err = store.ResetDailyCounters(context.Background(), day.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "second reset on the same day is a no-op")
	assert.Equal(t, 1, store.SentToday("Email"))
}

func TestNextUTCMidnight(t *testing.T) {
	now := time.Date(2026, 5, 4, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 5, 5, 0, 0, 0, 0, time.UTC), NextUTCMidnight(now))
}

// ==========================
// Catalog
// ==========================

func TestCatalog_GetDefaultsAndRefresh(t *testing.T) {
	store := NewMemoryStore(&models.Channel{ID: 3, Type: "Email", Enabled: true, MaxRetries: 5, RetryDelayMinutes: 2})
	cat := NewCatalog(store, time.Hour)
	ctx := context.Background()

	ch, err := cat.Get(ctx, "EMAIL")
	require.NoError(t, err)
	assert.Equal(t, 5, ch.MaxRetries)

	ch, err = cat.Get(ctx, "InApp")
	require.NoError(t, err)
	assert.Equal(t, int64(0), ch.ID)
	assert.True(t, ch.Enabled)
	assert.Equal(t, DefaultMaxRetries, ch.MaxRetries)
	assert.Equal(t, DefaultRetryDelayMinutes, ch.RetryDelayMinutes)
}
