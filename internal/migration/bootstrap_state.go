package migration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const BootstrapStatusActive = "active"

// BootstrapState is the single row recording which schema the database was
// last migrated to.
type BootstrapState struct {
	ID            bool      `gorm:"column:id;primaryKey;default:true"`
	Status        string    `gorm:"column:status;not null"`
	SchemaVersion string    `gorm:"column:schema_version;not null"`
	Checksum      *string   `gorm:"column:checksum"`
	ActivatedAt   time.Time `gorm:"column:activated_at;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
}

func (BootstrapState) TableName() string { return "system_bootstrap_state" }

func activateBootstrapState(ctx context.Context, db *gorm.DB, schemaVersion, checksum string) error {
	now := time.Now().UTC()
	state := BootstrapState{
		ID:            true,
		Status:        BootstrapStatusActive,
		SchemaVersion: strings.TrimSpace(schemaVersion),
		ActivatedAt:   now,
		CreatedAt:     now,
	}
	if c := strings.TrimSpace(checksum); c != "" {
		state.Checksum = &c
	}

	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "schema_version", "checksum", "activated_at"}),
	}).Create(&state).Error
	if err != nil {
		return fmt.Errorf("activate system bootstrap state: %w", err)
	}
	return nil
}

// LoadBootstrapState returns nil when the database was never migrated.
func LoadBootstrapState(ctx context.Context, db *gorm.DB) (*BootstrapState, error) {
	var state BootstrapState
	result := db.WithContext(ctx).Raw(
		`SELECT id, status, schema_version, checksum, activated_at, created_at
		 FROM system_bootstrap_state
		 LIMIT 1`,
	).Scan(&state)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	state.Status = strings.ToLower(strings.TrimSpace(state.Status))
	state.SchemaVersion = strings.TrimSpace(state.SchemaVersion)
	return &state, nil
}
