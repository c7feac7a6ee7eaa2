package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var (
	ErrInvalidScope   = errors.New("invalid_quota_scope")
	ErrInvalidScopeID = errors.New("invalid_quota_scope_id")
	ErrQuotaExceeded  = errors.New("usage_quota_exceeded")
)

type Repository interface {
	ListActive(ctx context.Context, db *gorm.DB, scope Scope, scopeID string) ([]UsageQuota, error)
}

// Target is one scope whose quota status is requested.
type Target struct {
	Scope       Scope
	ScopeID     string
	TotalTokens int64
	PlanLimit   int64
	// OrganizationID is the owning organization of a team target. Its
	// organization quotas also bound the team.
	OrganizationID string
}

type Status struct {
	Evaluation
	Thresholds          Thresholds   `json:"thresholds"`
	PollIntervalSeconds int64        `json:"poll_interval_seconds"`
	Quotas              []UsageQuota `json:"-"`
}

type Service interface {
	ListQuotas(ctx context.Context, scope Scope, scopeID string) ([]UsageQuota, error)
	Status(ctx context.Context, target Target) (*Status, error)
	// CheckConsumption returns ErrQuotaExceeded when enforcement is on and
	// the target is at or above its limit.
	CheckConsumption(ctx context.Context, target Target) error
	Thresholds() Thresholds
	PollInterval() time.Duration
}
