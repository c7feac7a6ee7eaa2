package domain

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	ErrAccessDenied = errors.New("access_denied")
	// ErrNotMember and ErrInsufficientRole both match ErrAccessDenied. Only
	// logs tell them apart.
	ErrNotMember        = fmt.Errorf("not_member: %w", ErrAccessDenied)
	ErrInsufficientRole = fmt.Errorf("insufficient_role: %w", ErrAccessDenied)
	ErrNoOrganization   = fmt.Errorf("no_organization: %w", ErrAccessDenied)

	ErrInvalidUser          = errors.New("invalid_user")
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrInvalidTeam          = errors.New("invalid_team")
	ErrOrganizationNotFound = errors.New("organization_not_found")
	ErrTeamNotFound         = errors.New("team_not_found")
)

// Resources and actions of the access policy.
const (
	ResourceOrganizationUsage = "organization_usage"
	ResourceTeamUsage         = "team_usage"
	ResourceQuotaStatus       = "quota_status"
	ResourceUsageEvents       = "usage_events"

	ActionRead  = "read"
	ActionWrite = "write"
)

type Directory interface {
	FindOrganization(ctx context.Context, db *gorm.DB, id string) (*Organization, error)
	FindTeam(ctx context.Context, db *gorm.DB, id string) (*Team, error)
	FindOrgMembership(ctx context.Context, db *gorm.DB, orgID, userID string) (*OrganizationMember, error)
	FindTeamMembership(ctx context.Context, db *gorm.DB, teamID, userID string) (*TeamMember, error)
	// FirstOrgMembership returns the user's earliest organization membership.
	FirstOrgMembership(ctx context.Context, db *gorm.DB, userID string) (*OrganizationMember, error)
	// FirstOrgAdmin returns the organization's earliest org_admin membership.
	FirstOrgAdmin(ctx context.Context, db *gorm.DB, orgID string) (*OrganizationMember, error)
	ListOrgMembers(ctx context.Context, db *gorm.DB, orgID string) ([]Member, error)
	ListTeamMembers(ctx context.Context, db *gorm.DB, teamID string) ([]Member, error)
	ListTeams(ctx context.Context, db *gorm.DB, orgID string) ([]Team, error)
}

// OrgGrant is an authorized view of an organization.
type OrgGrant struct {
	Organization Organization
	Role         OrgRole
}

// TeamGrant is an authorized view of a team. OrgRole is empty when the
// caller holds no organization membership.
type TeamGrant struct {
	Team     Team
	TeamRole TeamRole
	OrgRole  OrgRole
}

type Service interface {
	// ResolveOrganization picks the organization a request acts on: the
	// requested one if the user belongs to it, else their first.
	ResolveOrganization(ctx context.Context, userID, requested string) (*OrgGrant, error)
	AuthorizeOrganization(ctx context.Context, userID, orgID string) (*OrgGrant, error)
	AuthorizeTeam(ctx context.Context, userID, teamID string) (*TeamGrant, error)
	// Allowed checks a single role against a resource and action.
	Allowed(subject, resource, action string) (bool, error)

	FindTeam(ctx context.Context, teamID string) (*Team, error)
	// PlanHolder is the member whose subscription plan bounds the
	// organization: its earliest org_admin. It is empty when there is none.
	PlanHolder(ctx context.Context, orgID string) (string, error)
	OrganizationMembers(ctx context.Context, orgID string) ([]Member, error)
	TeamMembers(ctx context.Context, teamID string) ([]Member, error)
	Teams(ctx context.Context, orgID string) ([]Team, error)
}
