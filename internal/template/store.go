package template

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "workflow-notifications/internal/common/errors"
	"workflow-notifications/internal/models"

	"github.com/lib/pq"
)

// Store resolves templates by their stable code.
type Store interface {
	// GetActive returns the newest active version or a TEMPLATE_NOT_FOUND error.
	GetActive(ctx context.Context, code string) (*models.NotificationTemplate, error)
	// Publish stores tpl as a new version unless the active version already has the same content.
	// It reports whether a new version was written.
	Publish(ctx context.Context, tpl *models.NotificationTemplate) (bool, error)
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectActiveTemplate = `
	SELECT id, code, name, category, subject_template, body_template, short_message_template,
	       placeholders, default_priority, default_channels, is_active, version, created_at
	FROM notification_templates
	WHERE code = $1 AND is_active = true
	ORDER BY version DESC
	LIMIT 1`

func (s *PostgresStore) GetActive(ctx context.Context, code string) (*models.NotificationTemplate, error) {
	var (
		t        models.NotificationTemplate
		short    sql.NullString
		priority string
	)
	err := s.db.QueryRowContext(ctx, selectActiveTemplate, code).Scan(
		&t.ID, &t.Code, &t.Name, &t.Category, &t.SubjectTemplate, &t.BodyTemplate, &short,
		pq.Array(&t.Placeholders), &priority, pq.Array(&t.DefaultChannels), &t.IsActive, &t.Version, &t.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewTemplateNotFoundError(code)
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("template.get_active", err)
	}
	t.ShortMessageTemplate = short.String
	t.DefaultPriority = models.ParsePriority(priority)
	return &t, nil
}

func (s *PostgresStore) Publish(ctx context.Context, tpl *models.NotificationTemplate) (bool, error) {
	current, err := s.GetActive(ctx, tpl.Code)
	if err != nil && !apperrors.HasCode(err, apperrors.ErrCodeTemplateNotFound) {
		return false, err
	}
	if current != nil && current.SameContent(tpl) {
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, apperrors.NewDatabaseConnectionFailedError(err)
	}
	defer tx.Rollback()

	version := 1
	if current != nil {
		version = current.Version + 1
		// Earlier versions stay referenced by notifications; they are only retired.
		if _, err := tx.ExecContext(ctx,
			`UPDATE notification_templates SET is_active = false WHERE code = $1 AND is_active = true`,
			tpl.Code); err != nil {
			return false, apperrors.NewQueryExecutionFailedError("template.retire", err)
		}
	}

	now := time.Now().UTC()
	err = tx.QueryRowContext(ctx, `
		INSERT INTO notification_templates
			(code, name, category, subject_template, body_template, short_message_template,
			 placeholders, default_priority, default_channels, is_active, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true, $10, $11)
		RETURNING id`,
		tpl.Code, tpl.Name, tpl.Category, tpl.SubjectTemplate, tpl.BodyTemplate, tpl.ShortMessageTemplate,
		pq.Array(tpl.Placeholders), string(tpl.DefaultPriority), pq.Array(tpl.DefaultChannels), version, now,
	).Scan(&tpl.ID)
	if err != nil {
		return false, apperrors.NewQueryExecutionFailedError("template.insert", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit template %s: %w", tpl.Code, err)
	}
	tpl.Version = version
	tpl.IsActive = true
	tpl.CreatedAt = now
	return true, nil
}
