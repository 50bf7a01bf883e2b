package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/llmctl/llmctl/common/db"
	"github.com/llmctl/llmctl/common/models"
)

// IntegrationRepository handles database operations for integration
// settings. Values arrive here already sealed when marked secret; this
// layer never encrypts or decrypts.
type IntegrationRepository struct {
	q db.Querier
}

// NewIntegrationRepository creates a new integration settings repository
func NewIntegrationRepository(q db.Querier) *IntegrationRepository {
	return &IntegrationRepository{q: q}
}

// Upsert writes a setting keyed by (provider, key)
func (r *IntegrationRepository) Upsert(ctx context.Context, setting *models.IntegrationSetting) error {
	query := `
		INSERT INTO integration_settings (id, provider, key, value, secret, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (provider, key)
		DO UPDATE SET value = EXCLUDED.value, secret = EXCLUDED.secret, updated_at = now()
	`

	if setting.ID == uuid.Nil {
		setting.ID = uuid.New()
	}

	_, err := r.q.Exec(ctx, query, setting.ID, setting.Provider, setting.Key, setting.Value, setting.Secret)
	if err != nil {
		return fmt.Errorf("failed to upsert integration setting: %w", err)
	}
	return nil
}

// ListByProvider returns all settings of one provider
func (r *IntegrationRepository) ListByProvider(ctx context.Context, provider string) ([]*models.IntegrationSetting, error) {
	query := `
		SELECT id, provider, key, value, secret, updated_at
		FROM integration_settings
		WHERE provider = $1
		ORDER BY key
	`

	rows, err := r.q.Query(ctx, query, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to list integration settings: %w", err)
	}
	defer rows.Close()

	var settings []*models.IntegrationSetting
	for rows.Next() {
		s := &models.IntegrationSetting{}
		if err := rows.Scan(&s.ID, &s.Provider, &s.Key, &s.Value, &s.Secret, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan integration setting: %w", err)
		}
		settings = append(settings, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating integration settings: %w", err)
	}
	return settings, nil
}

// ListAll returns every setting, used by the runtime settings loader
func (r *IntegrationRepository) ListAll(ctx context.Context) ([]*models.IntegrationSetting, error) {
	query := `
		SELECT id, provider, key, value, secret, updated_at
		FROM integration_settings
		ORDER BY provider, key
	`

	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list integration settings: %w", err)
	}
	defer rows.Close()

	var settings []*models.IntegrationSetting
	for rows.Next() {
		s := &models.IntegrationSetting{}
		if err := rows.Scan(&s.ID, &s.Provider, &s.Key, &s.Value, &s.Secret, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan integration setting: %w", err)
		}
		settings = append(settings, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating integration settings: %w", err)
	}
	return settings, nil
}
