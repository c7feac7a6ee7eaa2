package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Scope string

const (
	ScopeOrganization Scope = "organization"
	ScopeTeam         Scope = "team"
)

// UsageQuota is an administrator override capping a scope below its plan
// limit.
type UsageQuota struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	Scope      Scope        `gorm:"size:32;not null;index:idx_usage_quotas_scope,priority:1" json:"scope"`
	ScopeID    string       `gorm:"size:36;not null;index:idx_usage_quotas_scope,priority:2" json:"scope_id"`
	TokenLimit int64        `gorm:"column:token_limit;not null" json:"limit"`
	IsActive   bool         `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time    `gorm:"not null" json:"updated_at"`
}

func (UsageQuota) TableName() string { return "usage_quotas" }

// EffectiveLimit is the lowest of the plan limit and every active quota.
// Negative values are unlimited and never lower a limit.
func EffectiveLimit(planLimit int64, quotas []UsageQuota) int64 {
	limit := planLimit
	for _, q := range quotas {
		if !q.IsActive || q.TokenLimit < 0 {
			continue
		}
		if limit < 0 || q.TokenLimit < limit {
			limit = q.TokenLimit
		}
	}
	if limit < 0 {
		return Unlimited
	}
	return limit
}
