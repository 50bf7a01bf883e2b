package models

import (
	"time"

	"github.com/google/uuid"
)

// IntegrationSetting is one (provider, key) → value runtime setting. Values
// marked secret are encrypted at rest; repositories only hand decrypted
// values to the scoped runtime loader.
// Maps to: integration_settings table
type IntegrationSetting struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Provider  string    `db:"provider" json:"provider"`
	Key       string    `db:"key" json:"key"`
	Value     string    `db:"value" json:"-"`
	Secret    bool      `db:"secret" json:"secret"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
