// Package domain holds the usage views served to dashboards and the request
// types of the metering flows.
package domain

import (
	"context"
	"time"

	quotadomain "github.com/railzwaylabs/tokenmeter/internal/quota/domain"
	usagedomain "github.com/railzwaylabs/tokenmeter/internal/usage/domain"
)

type OrganizationRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type TeamRef struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	OrganizationID string `json:"organization_id"`
}

type CurrentMonth struct {
	TotalTokens int64     `json:"total_tokens"`
	TotalEvents int64     `json:"total_events"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

type TeamUsage struct {
	TeamID      string `json:"team_id"`
	TeamName    string `json:"team_name"`
	TokensUsed  int64  `json:"tokens_used"`
	EventsCount int64  `json:"events_count"`
}

type MemberUsage struct {
	UserID      string `json:"user_id"`
	FullName    string `json:"full_name"`
	OrgRole     string `json:"org_role,omitempty"`
	TeamRole    string `json:"team_role,omitempty"`
	TokensUsed  int64  `json:"tokens_used"`
	EventsCount int64  `json:"events_count"`
}

type Usage struct {
	CurrentMonth     CurrentMonth                  `json:"current_month"`
	FeatureBreakdown map[usagedomain.Feature]int64 `json:"feature_breakdown"`
	// DailyUsage is keyed by UTC date; JSON object keys come out sorted.
	DailyUsage     map[string]int64    `json:"daily_usage"`
	Teams          []TeamUsage         `json:"teams,omitempty"`
	Members        []MemberUsage       `json:"members"`
	UnassignedTeam *usagedomain.Totals `json:"unassigned_team,omitempty"`
	Unlisted       *usagedomain.Totals `json:"unlisted_members,omitempty"`
}

type QuotaStatus struct {
	quotadomain.Evaluation
	Thresholds          quotadomain.Thresholds `json:"thresholds"`
	PollIntervalSeconds int64                  `json:"poll_interval_seconds"`
	// PlanHolderID is the user whose subscription plan supplied the limit.
	PlanHolderID string `json:"plan_holder_id"`
}

type OrganizationReport struct {
	Organization OrganizationRef          `json:"organization"`
	Usage        Usage                    `json:"usage"`
	Quotas       []quotadomain.UsageQuota `json:"quotas"`
	QuotaStatus  QuotaStatus              `json:"quota_status"`
}

type TeamReport struct {
	Team        TeamRef                  `json:"team"`
	Usage       Usage                    `json:"usage"`
	Quotas      []quotadomain.UsageQuota `json:"quotas"`
	QuotaStatus QuotaStatus              `json:"quota_status"`
	UserRole    string                   `json:"user_role"`
}

type QuotaStatusReport struct {
	Organization OrganizationRef       `json:"organization"`
	Window       usagedomain.TimeRange `json:"window"`
	QuotaStatus
}

// RecordRequest is a usage event reported by the authenticated caller.
type RecordRequest struct {
	OrganizationID string
	TeamID         *string
	Feature        usagedomain.Feature
	TokensUsed     int64
	Metadata       map[string]any
	IdempotencyKey string
}

type Service interface {
	OrganizationReport(ctx context.Context, userID, organizationID string) (*OrganizationReport, error)
	TeamReport(ctx context.Context, userID, teamID string) (*TeamReport, error)
	QuotaStatus(ctx context.Context, userID, organizationID string) (*QuotaStatusReport, error)
	Record(ctx context.Context, userID string, req RecordRequest) (*usagedomain.UsageEvent, error)
}
