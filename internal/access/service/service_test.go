package service

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	accessdomain "github.com/railzwaylabs/tokenmeter/internal/access/domain"
	"github.com/railzwaylabs/tokenmeter/internal/access/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	orgID      = "6f1c6f5e-3a4b-4a55-9d0e-8f1a2b3c4d5e"
	otherOrgID = "7a2d7e6f-4b5c-4b66-8e1f-9a2b3c4d5e6f"
	teamID     = "0b7e2d1c-1111-4c2a-8a3b-1d2e3f4a5b6c"

	orgAdmin     = "a1a1a1a1-0000-4000-8000-000000000001"
	teamAdmin    = "b2b2b2b2-0000-4000-8000-000000000002"
	teamViewer   = "c3c3c3c3-0000-4000-8000-000000000003"
	orgOnly      = "d4d4d4d4-0000-4000-8000-000000000004"
	outsider     = "e5e5e5e5-0000-4000-8000-000000000005"
	adminNoTeam  = "f6f6f6f6-0000-4000-8000-000000000006"
	teamMemberID = "0a0a0a0a-0000-4000-8000-000000000007"
)

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func setup(t *testing.T, persist bool) (accessdomain.Service, *gorm.DB) {
	t.Helper()
	db := openDB(t)

	require.NoError(t, db.AutoMigrate(
		&accessdomain.Organization{},
		&accessdomain.Team{},
		&accessdomain.OrganizationMember{},
		&accessdomain.TeamMember{},
		&accessdomain.Profile{},
	))

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create(&[]accessdomain.Organization{
		{ID: orgID, Name: "Acme", CreatedAt: base},
		{ID: otherOrgID, Name: "Globex", CreatedAt: base},
	}).Error)
	require.NoError(t, db.Create(&accessdomain.Team{ID: teamID, OrganizationID: orgID, Name: "Platform", CreatedAt: base}).Error)
	require.NoError(t, db.Create(&[]accessdomain.OrganizationMember{
		{OrganizationID: orgID, UserID: orgAdmin, Role: accessdomain.OrgRoleAdmin, CreatedAt: base},
		{OrganizationID: orgID, UserID: teamAdmin, Role: accessdomain.OrgRoleMember, CreatedAt: base.Add(time.Hour)},
		{OrganizationID: orgID, UserID: teamViewer, Role: accessdomain.OrgRoleMember, CreatedAt: base.Add(2 * time.Hour)},
		{OrganizationID: orgID, UserID: orgOnly, Role: accessdomain.OrgRoleMember, CreatedAt: base.Add(3 * time.Hour)},
		{OrganizationID: orgID, UserID: adminNoTeam, Role: accessdomain.OrgRoleAdmin, CreatedAt: base.Add(4 * time.Hour)},
		{OrganizationID: otherOrgID, UserID: orgOnly, Role: accessdomain.OrgRoleAdmin, CreatedAt: base.Add(-time.Hour)},
	}).Error)
	require.NoError(t, db.Create(&[]accessdomain.TeamMember{
		{TeamID: teamID, UserID: orgAdmin, Role: accessdomain.TeamRoleMember, CreatedAt: base},
		{TeamID: teamID, UserID: teamAdmin, Role: accessdomain.TeamRoleAdmin, CreatedAt: base},
		{TeamID: teamID, UserID: teamViewer, Role: accessdomain.TeamRoleViewer, CreatedAt: base},
		{TeamID: teamID, UserID: teamMemberID, Role: accessdomain.TeamRoleMember, CreatedAt: base},
	}).Error)
	require.NoError(t, db.Create(&accessdomain.Profile{ID: orgAdmin, FullName: "Ada Admin"}).Error)

	var enforcerDB *gorm.DB
	if persist {
		enforcerDB = db
	}
	enforcer, err := NewEnforcer(enforcerDB)
	require.NoError(t, err)

	return NewService(ServiceParam{
		DB:        db,
		Log:       zap.NewNop(),
		Directory: repository.Provide(),
		Enforcer:  enforcer,
	}), db
}

func TestAuthorizeOrganization(t *testing.T) {
	svc, _ := setup(t, false)
	ctx := context.Background()

	grant, err := svc.AuthorizeOrganization(ctx, orgAdmin, orgID)
	require.NoError(t, err)
	assert.Equal(t, "Acme", grant.Organization.Name)
	assert.Equal(t, accessdomain.OrgRoleAdmin, grant.Role)

	_, err = svc.AuthorizeOrganization(ctx, teamAdmin, orgID)
	assert.ErrorIs(t, err, accessdomain.ErrInsufficientRole)
	assert.ErrorIs(t, err, accessdomain.ErrAccessDenied)

	_, err = svc.AuthorizeOrganization(ctx, outsider, orgID)
	assert.ErrorIs(t, err, accessdomain.ErrNotMember)
	assert.ErrorIs(t, err, accessdomain.ErrAccessDenied)

	_, err = svc.AuthorizeOrganization(ctx, orgAdmin, "acme")
	assert.ErrorIs(t, err, accessdomain.ErrInvalidOrganization)
}

func TestAuthorizeTeam(t *testing.T) {
	svc, _ := setup(t, false)
	ctx := context.Background()

	grant, err := svc.AuthorizeTeam(ctx, teamAdmin, teamID)
	require.NoError(t, err)
	assert.Equal(t, accessdomain.TeamRoleAdmin, grant.TeamRole)
	assert.Equal(t, orgID, grant.Team.OrganizationID)

	// org admin holding a plain team membership
	grant, err = svc.AuthorizeTeam(ctx, orgAdmin, teamID)
	require.NoError(t, err)
	assert.Equal(t, accessdomain.TeamRoleMember, grant.TeamRole)
	assert.Equal(t, accessdomain.OrgRoleAdmin, grant.OrgRole)

	_, err = svc.AuthorizeTeam(ctx, teamMemberID, teamID)
	assert.ErrorIs(t, err, accessdomain.ErrInsufficientRole)

	_, err = svc.AuthorizeTeam(ctx, orgAdmin, "0b7e2d1c-9999-4c2a-8a3b-1d2e3f4a5b6c")
	assert.ErrorIs(t, err, accessdomain.ErrTeamNotFound)
}

func TestAuthorizeTeamDenialOrdering(t *testing.T) {
	svc, _ := setup(t, false)
	ctx := context.Background()

	_, nonMemberErr := svc.AuthorizeTeam(ctx, orgOnly, teamID)
	_, viewerErr := svc.AuthorizeTeam(ctx, teamViewer, teamID)
	// membership is checked before roles, even for organization admins
	_, adminErr := svc.AuthorizeTeam(ctx, adminNoTeam, teamID)

	assert.ErrorIs(t, nonMemberErr, accessdomain.ErrNotMember)
	assert.ErrorIs(t, viewerErr, accessdomain.ErrInsufficientRole)
	assert.ErrorIs(t, adminErr, accessdomain.ErrNotMember)

	for _, err := range []error{nonMemberErr, viewerErr, adminErr} {
		assert.ErrorIs(t, err, accessdomain.ErrAccessDenied)
	}
}

func TestResolveOrganization(t *testing.T) {
	svc, _ := setup(t, false)
	ctx := context.Background()

	grant, err := svc.ResolveOrganization(ctx, orgOnly, "")
	require.NoError(t, err)
	assert.Equal(t, otherOrgID, grant.Organization.ID, "earliest membership wins")

	grant, err = svc.ResolveOrganization(ctx, orgOnly, orgID)
	require.NoError(t, err)
	assert.Equal(t, orgID, grant.Organization.ID)
	assert.Equal(t, accessdomain.OrgRoleMember, grant.Role)

	_, err = svc.ResolveOrganization(ctx, teamAdmin, otherOrgID)
	assert.ErrorIs(t, err, accessdomain.ErrNotMember)

	_, err = svc.ResolveOrganization(ctx, outsider, "")
	assert.ErrorIs(t, err, accessdomain.ErrNoOrganization)
	assert.ErrorIs(t, err, accessdomain.ErrAccessDenied)
}

func TestRosters(t *testing.T) {
	svc, _ := setup(t, false)
	ctx := context.Background()

	members, err := svc.OrganizationMembers(ctx, orgID)
	require.NoError(t, err)
	require.Len(t, members, 5)
	assert.Equal(t, accessdomain.Member{UserID: orgAdmin, FullName: "Ada Admin", Role: "org_admin"}, members[0])
	assert.Equal(t, "", members[1].FullName)

	teamMembers, err := svc.TeamMembers(ctx, teamID)
	require.NoError(t, err)
	assert.Len(t, teamMembers, 4)

	teams, err := svc.Teams(ctx, orgID)
	require.NoError(t, err)
	require.Len(t, teams, 1)
	assert.Equal(t, "Platform", teams[0].Name)
}

func TestPlanHolder(t *testing.T) {
	svc, db := setup(t, false)
	ctx := context.Background()

	// earliest org_admin wins over the later one
	holder, err := svc.PlanHolder(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, orgAdmin, holder)

	holder, err = svc.PlanHolder(ctx, otherOrgID)
	require.NoError(t, err)
	assert.Equal(t, orgOnly, holder)

	noAdmins := "9e9e9e9e-0000-4000-8000-000000000009"
	require.NoError(t, db.Create(&accessdomain.Organization{ID: noAdmins, Name: "Initech"}).Error)
	require.NoError(t, db.Create(&accessdomain.OrganizationMember{
		OrganizationID: noAdmins, UserID: outsider, Role: accessdomain.OrgRoleMember,
	}).Error)
	holder, err = svc.PlanHolder(ctx, noAdmins)
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestPolicy(t *testing.T) {
	for _, persist := range []bool{false, true} {
		svc, db := setup(t, persist)

		cases := []struct {
			subject, resource, action string
			want                      bool
		}{
			{"org:org_admin", accessdomain.ResourceOrganizationUsage, accessdomain.ActionRead, true},
			{"org:member", accessdomain.ResourceOrganizationUsage, accessdomain.ActionRead, false},
			{"org:org_admin", accessdomain.ResourceQuotaStatus, accessdomain.ActionRead, true},
			{"org:member", accessdomain.ResourceQuotaStatus, accessdomain.ActionRead, true},
			{"org:member", accessdomain.ResourceUsageEvents, accessdomain.ActionWrite, true},
			{"team:team_admin", accessdomain.ResourceTeamUsage, accessdomain.ActionRead, true},
			{"team:member", accessdomain.ResourceTeamUsage, accessdomain.ActionRead, false},
			{"team:viewer", accessdomain.ResourceTeamUsage, accessdomain.ActionRead, false},
		}
		for _, c := range cases {
			ok, err := svc.Allowed(c.subject, c.resource, c.action)
			require.NoError(t, err)
			assert.Equal(t, c.want, ok, "persist=%v %s %s %s", persist, c.subject, c.resource, c.action)
		}

		if persist {
			var rules int64
			require.NoError(t, db.Table("casbin_rule").Count(&rules).Error)
			assert.Equal(t, int64(len(defaultPolicies)+len(defaultGroupings)), rules)

			// a second enforcer over the same table loads instead of reseeding
			_, err := NewEnforcer(db)
			require.NoError(t, err)
			require.NoError(t, db.Table("casbin_rule").Count(&rules).Error)
			assert.Equal(t, int64(len(defaultPolicies)+len(defaultGroupings)), rules)
		}
	}
}
