package repository

import (
	"context"
	"errors"

	accessdomain "github.com/railzwaylabs/tokenmeter/internal/access/domain"
	"gorm.io/gorm"
)

type directory struct{}

func Provide() accessdomain.Directory {
	return &directory{}
}

func (r *directory) FindOrganization(ctx context.Context, db *gorm.DB, id string) (*accessdomain.Organization, error) {
	var org accessdomain.Organization
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, created_at FROM organizations WHERE id = ?`,
		id,
	).Scan(&org).Error
	if err != nil {
		return nil, err
	}
	if org.ID == "" {
		return nil, nil
	}
	return &org, nil
}

func (r *directory) FindTeam(ctx context.Context, db *gorm.DB, id string) (*accessdomain.Team, error) {
	var team accessdomain.Team
	err := db.WithContext(ctx).Raw(
		`SELECT id, organization_id, name, created_at FROM teams WHERE id = ?`,
		id,
	).Scan(&team).Error
	if err != nil {
		return nil, err
	}
	if team.ID == "" {
		return nil, nil
	}
	return &team, nil
}

func (r *directory) FindOrgMembership(ctx context.Context, db *gorm.DB, orgID, userID string) (*accessdomain.OrganizationMember, error) {
	var m accessdomain.OrganizationMember
	err := db.WithContext(ctx).Raw(
		`SELECT organization_id, user_id, role, created_at
		 FROM organization_members
		 WHERE organization_id = ? AND user_id = ?`,
		orgID,
		userID,
	).Scan(&m).Error
	if err != nil {
		return nil, err
	}
	if m.UserID == "" {
		return nil, nil
	}
	return &m, nil
}

func (r *directory) FindTeamMembership(ctx context.Context, db *gorm.DB, teamID, userID string) (*accessdomain.TeamMember, error) {
	var m accessdomain.TeamMember
	err := db.WithContext(ctx).Raw(
		`SELECT team_id, user_id, role, created_at
		 FROM team_members
		 WHERE team_id = ? AND user_id = ?`,
		teamID,
		userID,
	).Scan(&m).Error
	if err != nil {
		return nil, err
	}
	if m.UserID == "" {
		return nil, nil
	}
	return &m, nil
}

func (r *directory) FirstOrgMembership(ctx context.Context, db *gorm.DB, userID string) (*accessdomain.OrganizationMember, error) {
	var m accessdomain.OrganizationMember
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Order("organization_id ASC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (r *directory) FirstOrgAdmin(ctx context.Context, db *gorm.DB, orgID string) (*accessdomain.OrganizationMember, error) {
	var m accessdomain.OrganizationMember
	err := db.WithContext(ctx).Raw(
		`SELECT organization_id, user_id, role, created_at
		 FROM organization_members
		 WHERE organization_id = ? AND role = ?
		 ORDER BY created_at ASC, user_id ASC
		 LIMIT 1`,
		orgID, accessdomain.OrgRoleAdmin,
	).Scan(&m).Error
	if err != nil {
		return nil, err
	}
	if m.UserID == "" {
		return nil, nil
	}
	return &m, nil
}

func (r *directory) ListOrgMembers(ctx context.Context, db *gorm.DB, orgID string) ([]accessdomain.Member, error) {
	var members []accessdomain.Member
	err := db.WithContext(ctx).Raw(
		`SELECT om.user_id AS user_id, COALESCE(p.full_name, '') AS full_name, om.role AS role
		 FROM organization_members om
		 LEFT JOIN profiles p ON p.id = om.user_id
		 WHERE om.organization_id = ?
		 ORDER BY om.created_at ASC, om.user_id ASC`,
		orgID,
	).Scan(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (r *directory) ListTeamMembers(ctx context.Context, db *gorm.DB, teamID string) ([]accessdomain.Member, error) {
	var members []accessdomain.Member
	err := db.WithContext(ctx).Raw(
		`SELECT tm.user_id AS user_id, COALESCE(p.full_name, '') AS full_name, tm.role AS role
		 FROM team_members tm
		 LEFT JOIN profiles p ON p.id = tm.user_id
		 WHERE tm.team_id = ?
		 ORDER BY tm.created_at ASC, tm.user_id ASC`,
		teamID,
	).Scan(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (r *directory) ListTeams(ctx context.Context, db *gorm.DB, orgID string) ([]accessdomain.Team, error) {
	var teams []accessdomain.Team
	err := db.WithContext(ctx).Raw(
		`SELECT id, organization_id, name, created_at
		 FROM teams
		 WHERE organization_id = ?
		 ORDER BY name ASC, id ASC`,
		orgID,
	).Scan(&teams).Error
	if err != nil {
		return nil, err
	}
	return teams, nil
}
