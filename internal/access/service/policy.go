package service

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	accessdomain "github.com/railzwaylabs/tokenmeter/internal/access/domain"
	"gorm.io/gorm"
)

// Subjects are role names namespaced by where the role is held.
const (
	orgSubjectPrefix  = "org:"
	teamSubjectPrefix = "team:"
)

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

var defaultPolicies = [][]string{
	{orgSubject(accessdomain.OrgRoleAdmin), accessdomain.ResourceOrganizationUsage, accessdomain.ActionRead},
	{orgSubject(accessdomain.OrgRoleAdmin), accessdomain.ResourceTeamUsage, accessdomain.ActionRead},
	{teamSubject(accessdomain.TeamRoleAdmin), accessdomain.ResourceTeamUsage, accessdomain.ActionRead},
	{orgSubject(accessdomain.OrgRoleMember), accessdomain.ResourceQuotaStatus, accessdomain.ActionRead},
	{orgSubject(accessdomain.OrgRoleMember), accessdomain.ResourceUsageEvents, accessdomain.ActionWrite},
}

// org_admin inherits everything a plain member may do.
var defaultGroupings = [][]string{
	{orgSubject(accessdomain.OrgRoleAdmin), orgSubject(accessdomain.OrgRoleMember)},
}

func orgSubject(role accessdomain.OrgRole) string {
	return orgSubjectPrefix + string(role)
}

func teamSubject(role accessdomain.TeamRole) string {
	return teamSubjectPrefix + string(role)
}

// NewEnforcer builds the role policy. With db set, policies are stored in the
// casbin_rule table and seeded only when the table is empty, so operators can
// extend them.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("load access model: %w", err)
	}

	if db == nil {
		e, err := casbin.NewSyncedEnforcer(m)
		if err != nil {
			return nil, err
		}
		return e, seed(e)
	}

	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, fmt.Errorf("open policy adapter: %w", err)
	}
	e, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	if err := e.LoadPolicy(); err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	policies, err := e.GetPolicy()
	if err != nil {
		return nil, err
	}
	if len(policies) == 0 {
		return e, seed(e)
	}
	return e, nil
}

func seed(e *casbin.SyncedEnforcer) error {
	for _, p := range defaultPolicies {
		if _, err := e.AddPolicy(p[0], p[1], p[2]); err != nil {
			return fmt.Errorf("seed policy %v: %w", p, err)
		}
	}
	for _, g := range defaultGroupings {
		if _, err := e.AddGroupingPolicy(g[0], g[1]); err != nil {
			return fmt.Errorf("seed grouping %v: %w", g, err)
		}
	}
	return nil
}
