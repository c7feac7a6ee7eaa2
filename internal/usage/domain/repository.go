package domain

import (
	"context"
	"time"
)

// ScopeFilter narrows a ledger query. OrganizationID is always required;
// TeamID and UserID are optional further restrictions.
type ScopeFilter struct {
	OrganizationID string
	TeamID         string
	UserID         string
}

// Ledger is the append-only store of usage events. Query returns every event
// with created_at in the window exactly once, in no particular order.
type Ledger interface {
	Query(ctx context.Context, filter ScopeFilter, window TimeRange) ([]UsageEvent, error)
	Sum(ctx context.Context, filter ScopeFilter, window TimeRange) (Totals, error)
	// SumByUser totals a user's events across every organization.
	SumByUser(ctx context.Context, userID string, window TimeRange) (Totals, error)
	Insert(ctx context.Context, event *UsageEvent) error
	// FindByIdempotencyKey returns nil when no event carries the key.
	FindByIdempotencyKey(ctx context.Context, organizationID, key string) (*UsageEvent, error)
}

// CounterStore keeps incremental per-day counters alongside the ledger.
type CounterStore interface {
	Apply(ctx context.Context, event UsageEvent) error
	Covers(ctx context.Context, scope Scope, scopeID string, window TimeRange, now time.Time) (bool, error)
	Read(ctx context.Context, scope Scope, scopeID string, window TimeRange) ([]DayCounters, error)
	Invalidate(ctx context.Context, scope Scope, scopeID string) error
}

// UnassignedTeamKey marks events recorded without a team in DayCounters.Teams.
const UnassignedTeamKey = "-"

// DayCounters is one day of materialized counters for a scope.
type DayCounters struct {
	Day      string
	Total    Totals
	Features map[Feature]int64
	Users    map[string]Totals
	Teams    map[string]Totals
}
