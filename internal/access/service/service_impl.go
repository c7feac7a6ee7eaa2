package service

import (
	"context"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/google/uuid"
	accessdomain "github.com/railzwaylabs/tokenmeter/internal/access/domain"
	"github.com/railzwaylabs/tokenmeter/internal/config"
	"github.com/railzwaylabs/tokenmeter/internal/observability"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Directory accessdomain.Directory
	Enforcer  *casbin.SyncedEnforcer
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	dir      accessdomain.Directory
	enforcer *casbin.SyncedEnforcer
}

func NewService(p ServiceParam) accessdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("access.service"),
		dir:      p.Directory,
		enforcer: p.Enforcer,
	}
}

// ProvideEnforcer keeps policies in memory unless persistence is enabled.
func ProvideEnforcer(cfg config.Config, db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	if cfg.Authz.PersistPolicies {
		return NewEnforcer(db)
	}
	return NewEnforcer(nil)
}

func (s *Service) Allowed(subject, resource, action string) (bool, error) {
	return s.enforcer.Enforce(subject, resource, action)
}

func (s *Service) ResolveOrganization(ctx context.Context, userID, requested string) (*accessdomain.OrgGrant, error) {
	if !isUUID(userID) {
		return nil, accessdomain.ErrInvalidUser
	}

	var (
		membership *accessdomain.OrganizationMember
		err        error
	)
	if requested != "" {
		if !isUUID(requested) {
			return nil, accessdomain.ErrInvalidOrganization
		}
		membership, err = s.dir.FindOrgMembership(ctx, s.db, requested, userID)
	} else {
		membership, err = s.dir.FirstOrgMembership(ctx, s.db, userID)
	}
	if err != nil {
		return nil, err
	}
	if membership == nil {
		reason := accessdomain.ErrNoOrganization
		if requested != "" {
			reason = accessdomain.ErrNotMember
		}
		s.deny(accessdomain.ResourceOrganizationUsage, reason, zap.String("user_id", userID), zap.String("organization_id", requested))
		return nil, reason
	}

	org, err := s.dir.FindOrganization(ctx, s.db, membership.OrganizationID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, accessdomain.ErrOrganizationNotFound
	}
	return &accessdomain.OrgGrant{Organization: *org, Role: membership.Role}, nil
}

// AuthorizeOrganization admits organization admins only.
func (s *Service) AuthorizeOrganization(ctx context.Context, userID, orgID string) (*accessdomain.OrgGrant, error) {
	if !isUUID(userID) {
		return nil, accessdomain.ErrInvalidUser
	}
	if !isUUID(orgID) {
		return nil, accessdomain.ErrInvalidOrganization
	}

	membership, err := s.dir.FindOrgMembership(ctx, s.db, orgID, userID)
	if err != nil {
		return nil, err
	}
	fields := []zap.Field{zap.String("user_id", userID), zap.String("organization_id", orgID)}
	if membership == nil {
		s.deny(accessdomain.ResourceOrganizationUsage, accessdomain.ErrNotMember, fields...)
		return nil, accessdomain.ErrNotMember
	}

	ok, err := s.enforcer.Enforce(orgSubject(membership.Role), accessdomain.ResourceOrganizationUsage, accessdomain.ActionRead)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.deny(accessdomain.ResourceOrganizationUsage, accessdomain.ErrInsufficientRole, append(fields, zap.String("org_role", string(membership.Role)))...)
		return nil, accessdomain.ErrInsufficientRole
	}

	org, err := s.dir.FindOrganization(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, accessdomain.ErrOrganizationNotFound
	}
	return &accessdomain.OrgGrant{Organization: *org, Role: membership.Role}, nil
}

// AuthorizeTeam requires a team membership row first. Members then need
// team_admin in the team or org_admin in the owning organization.
func (s *Service) AuthorizeTeam(ctx context.Context, userID, teamID string) (*accessdomain.TeamGrant, error) {
	if !isUUID(userID) {
		return nil, accessdomain.ErrInvalidUser
	}
	if !isUUID(teamID) {
		return nil, accessdomain.ErrInvalidTeam
	}

	team, err := s.dir.FindTeam(ctx, s.db, teamID)
	if err != nil {
		return nil, err
	}
	if team == nil {
		return nil, accessdomain.ErrTeamNotFound
	}

	fields := []zap.Field{zap.String("user_id", userID), zap.String("team_id", teamID)}
	membership, err := s.dir.FindTeamMembership(ctx, s.db, teamID, userID)
	if err != nil {
		return nil, err
	}
	if membership == nil {
		s.deny(accessdomain.ResourceTeamUsage, accessdomain.ErrNotMember, fields...)
		return nil, accessdomain.ErrNotMember
	}

	grant := &accessdomain.TeamGrant{Team: *team, TeamRole: membership.Role}
	orgMember, err := s.dir.FindOrgMembership(ctx, s.db, team.OrganizationID, userID)
	if err != nil {
		return nil, err
	}
	subjects := []string{teamSubject(membership.Role)}
	if orgMember != nil {
		grant.OrgRole = orgMember.Role
		subjects = append(subjects, orgSubject(orgMember.Role))
	}

	for _, sub := range subjects {
		ok, err := s.enforcer.Enforce(sub, accessdomain.ResourceTeamUsage, accessdomain.ActionRead)
		if err != nil {
			return nil, err
		}
		if ok {
			return grant, nil
		}
	}

	s.deny(accessdomain.ResourceTeamUsage, accessdomain.ErrInsufficientRole, append(fields, zap.String("team_role", string(membership.Role)))...)
	return nil, accessdomain.ErrInsufficientRole
}

func (s *Service) FindTeam(ctx context.Context, teamID string) (*accessdomain.Team, error) {
	if !isUUID(teamID) {
		return nil, accessdomain.ErrInvalidTeam
	}
	team, err := s.dir.FindTeam(ctx, s.db, teamID)
	if err != nil {
		return nil, err
	}
	if team == nil {
		return nil, accessdomain.ErrTeamNotFound
	}
	return team, nil
}

func (s *Service) PlanHolder(ctx context.Context, orgID string) (string, error) {
	m, err := s.dir.FirstOrgAdmin(ctx, s.db, orgID)
	if err != nil || m == nil {
		return "", err
	}
	return m.UserID, nil
}

func (s *Service) OrganizationMembers(ctx context.Context, orgID string) ([]accessdomain.Member, error) {
	return s.dir.ListOrgMembers(ctx, s.db, orgID)
}

func (s *Service) TeamMembers(ctx context.Context, teamID string) ([]accessdomain.Member, error) {
	return s.dir.ListTeamMembers(ctx, s.db, teamID)
}

func (s *Service) Teams(ctx context.Context, orgID string) ([]accessdomain.Team, error) {
	return s.dir.ListTeams(ctx, s.db, orgID)
}

func (s *Service) deny(resource string, reason error, fields ...zap.Field) {
	label, _, _ := strings.Cut(reason.Error(), ":")
	observability.AccessDenials.WithLabelValues(resource, label).Inc()
	s.log.Info("access denied", append(fields, zap.String("resource", resource), zap.String("reason", label))...)
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
