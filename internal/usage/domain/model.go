// Package domain contains the usage ledger model and rollup types.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Feature names an assistant operation that consumes tokens.
type Feature string

const (
	FeatureAssist     Feature = "assist"
	FeatureRefine     Feature = "refine"
	FeatureAssessment Feature = "assessment"
)

func (f Feature) IsValid() bool {
	switch f {
	case FeatureAssist, FeatureRefine, FeatureAssessment:
		return true
	default:
		return false
	}
}

// Scope selects the level a rollup is computed for.
type Scope string

const (
	ScopeOrganization Scope = "organization"
	ScopeTeam         Scope = "team"
	ScopeUser         Scope = "user"
)

// UsageEvent stores a single token-consumption record. Rows are append-only.
// IdempotencyKey is unique per organization when present.
type UsageEvent struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	UserID         string            `gorm:"size:36;not null;index" json:"user_id"`
	OrganizationID string            `gorm:"size:36;not null;index:idx_usage_events_org_created,priority:1;uniqueIndex:ux_usage_events_idempotency,priority:1" json:"organization_id"`
	TeamID         *string           `gorm:"size:36;index" json:"team_id,omitempty"`
	Feature        Feature           `gorm:"size:32;not null" json:"feature"`
	TokensUsed     int64             `gorm:"not null" json:"tokens_used"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`
	IdempotencyKey *string           `gorm:"size:255;uniqueIndex:ux_usage_events_idempotency,priority:2" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time         `gorm:"not null;index:idx_usage_events_org_created,priority:2" json:"created_at"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

// Totals is a token sum with the number of events behind it.
type Totals struct {
	Tokens int64 `json:"tokens_used"`
	Events int64 `json:"events_count"`
}

func (t Totals) Add(o Totals) Totals {
	return Totals{Tokens: t.Tokens + o.Tokens, Events: t.Events + o.Events}
}

// EntityUsage is one row of a member or team breakdown.
type EntityUsage struct {
	ID string `json:"id"`
	Totals
}

// Rollup is the reduction of a ledger slice for one scope and window.
type Rollup struct {
	Scope   Scope     `json:"scope"`
	ScopeID string    `json:"scope_id"`
	Window  TimeRange `json:"window"`

	Total            Totals            `json:"total"`
	FeatureBreakdown map[Feature]int64 `json:"feature_breakdown"`
	// DailyUsage is keyed by UTC date (YYYY-MM-DD).
	DailyUsage map[string]int64 `json:"daily_usage"`

	// Members and Teams follow the requested roster, sorted by tokens descending.
	Members []EntityUsage `json:"members"`
	Teams   []EntityUsage `json:"teams,omitempty"`

	// UnassignedTeam holds events recorded without a team.
	UnassignedTeam Totals `json:"unassigned_team"`
	// UnlistedMembers and UnlistedTeams hold events whose user or team is
	// absent from the supplied roster, so partitions always sum to Total.
	UnlistedMembers Totals `json:"unlisted_members"`
	UnlistedTeams   Totals `json:"unlisted_teams"`

	Source string `json:"source"`
}

// DailyPoint is a single day of a daily breakdown.
type DailyPoint struct {
	Date   string
	Tokens int64
}
