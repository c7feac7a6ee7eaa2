package repository

import (
	"context"

	usagedomain "github.com/railzwaylabs/tokenmeter/internal/usage/domain"
	"gorm.io/gorm"
)

type ledger struct {
	db *gorm.DB
}

// NewLedger returns the usage_events store. Sums are computed in SQL; Query
// is used when a rollup needs per-event detail.
func NewLedger(db *gorm.DB) usagedomain.Ledger {
	return &ledger{db: db}
}

func (r *ledger) Query(ctx context.Context, filter usagedomain.ScopeFilter, window usagedomain.TimeRange) ([]usagedomain.UsageEvent, error) {
	var events []usagedomain.UsageEvent
	err := r.scoped(ctx, filter, window).
		Select("id, user_id, organization_id, team_id, feature, tokens_used, created_at").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *ledger) Sum(ctx context.Context, filter usagedomain.ScopeFilter, window usagedomain.TimeRange) (usagedomain.Totals, error) {
	var totals usagedomain.Totals
	err := r.scoped(ctx, filter, window).
		Select("COALESCE(SUM(tokens_used), 0) AS tokens, COUNT(1) AS events").
		Scan(&totals).Error
	return totals, err
}

func (r *ledger) SumByUser(ctx context.Context, userID string, window usagedomain.TimeRange) (usagedomain.Totals, error) {
	var totals usagedomain.Totals
	err := r.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(tokens_used), 0) AS tokens, COUNT(1) AS events
		 FROM usage_events
		 WHERE user_id = ? AND created_at >= ? AND created_at < ?`,
		userID,
		window.Start,
		window.End,
	).Scan(&totals).Error
	return totals, err
}

func (r *ledger) Insert(ctx context.Context, event *usagedomain.UsageEvent) error {
	return r.db.WithContext(ctx).Exec(
		`INSERT INTO usage_events (id, user_id, organization_id, team_id, feature, tokens_used, metadata, idempotency_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.UserID,
		event.OrganizationID,
		event.TeamID,
		event.Feature,
		event.TokensUsed,
		event.Metadata,
		event.IdempotencyKey,
		event.CreatedAt,
	).Error
}

func (r *ledger) FindByIdempotencyKey(ctx context.Context, organizationID, key string) (*usagedomain.UsageEvent, error) {
	var event usagedomain.UsageEvent
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, user_id, organization_id, team_id, feature, tokens_used, metadata, idempotency_key, created_at
		 FROM usage_events
		 WHERE organization_id = ? AND idempotency_key = ?
		 LIMIT 1`,
		organizationID,
		key,
	).Scan(&event).Error
	if err != nil {
		return nil, err
	}
	if event.ID == 0 {
		return nil, nil
	}
	return &event, nil
}

func (r *ledger) scoped(ctx context.Context, filter usagedomain.ScopeFilter, window usagedomain.TimeRange) *gorm.DB {
	stmt := r.db.WithContext(ctx).
		Model(&usagedomain.UsageEvent{}).
		Where("organization_id = ?", filter.OrganizationID).
		Where("created_at >= ? AND created_at < ?", window.Start, window.End)

	if filter.TeamID != "" {
		stmt = stmt.Where("team_id = ?", filter.TeamID)
	}
	if filter.UserID != "" {
		stmt = stmt.Where("user_id = ?", filter.UserID)
	}
	return stmt
}
