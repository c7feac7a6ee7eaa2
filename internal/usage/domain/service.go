package domain

import (
	"context"
	"errors"
	"fmt"
)

// RollupRequest asks for the rollup of one organization or team over Window.
// Members and Teams are rosters; every listed id appears in the result.
type RollupRequest struct {
	Scope          Scope
	OrganizationID string
	TeamID         string
	Window         TimeRange
	Members        []string
	Teams          []string
}

type RecordRequest struct {
	UserID         string         `json:"user_id" validate:"required,uuid"`
	OrganizationID string         `json:"organization_id" validate:"required,uuid"`
	TeamID         *string        `json:"team_id,omitempty" validate:"omitempty,uuid"`
	Feature        Feature        `json:"feature" validate:"required,oneof=assist refine assessment"`
	TokensUsed     int64          `json:"tokens_used" validate:"gte=0"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
}

type Service interface {
	Rollup(ctx context.Context, req RollupRequest) (*Rollup, error)
	Total(ctx context.Context, filter ScopeFilter, window TimeRange) (Totals, error)
	UserTotal(ctx context.Context, userID string, window TimeRange) (Totals, error)
	// Record appends an event. A repeated idempotency key returns the event
	// stored first and changes nothing.
	Record(ctx context.Context, req RecordRequest) (*UsageEvent, error)
	Lookup(ctx context.Context, organizationID, idempotencyKey string) (*UsageEvent, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidTeam         = errors.New("invalid_team")
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidScope        = errors.New("invalid_scope")
	ErrInvalidWindow       = errors.New("invalid_window")
	ErrInvalidFeature      = errors.New("invalid_feature")
	ErrInvalidTokens       = errors.New("invalid_tokens_used")
	ErrInvalidIdempotency  = errors.New("invalid_idempotency_key")
	ErrStoreUnavailable    = errors.New("usage_store_unavailable")
)

// StoreError reports a failed read or write against the usage ledger.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("usage store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}
