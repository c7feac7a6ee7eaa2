package repository

import (
	"context"

	quotadomain "github.com/railzwaylabs/tokenmeter/internal/quota/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() quotadomain.Repository {
	return &repo{}
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB, scope quotadomain.Scope, scopeID string) ([]quotadomain.UsageQuota, error) {
	var quotas []quotadomain.UsageQuota
	err := db.WithContext(ctx).Raw(
		`SELECT id, scope, scope_id, token_limit, is_active, created_at, updated_at
		 FROM usage_quotas
		 WHERE scope = ? AND scope_id = ? AND is_active = ?
		 ORDER BY token_limit ASC, id ASC`,
		scope,
		scopeID,
		true,
	).Scan(&quotas).Error
	if err != nil {
		return nil, err
	}
	return quotas, nil
}
