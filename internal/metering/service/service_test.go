package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accessdomain "github.com/railzwaylabs/tokenmeter/internal/access/domain"
	accessrepository "github.com/railzwaylabs/tokenmeter/internal/access/repository"
	accessservice "github.com/railzwaylabs/tokenmeter/internal/access/service"
	billingdomain "github.com/railzwaylabs/tokenmeter/internal/billing/domain"
	billingrepository "github.com/railzwaylabs/tokenmeter/internal/billing/repository"
	billingservice "github.com/railzwaylabs/tokenmeter/internal/billing/service"
	"github.com/railzwaylabs/tokenmeter/internal/clock"
	"github.com/railzwaylabs/tokenmeter/internal/config"
	meteringdomain "github.com/railzwaylabs/tokenmeter/internal/metering/domain"
	quotadomain "github.com/railzwaylabs/tokenmeter/internal/quota/domain"
	quotarepository "github.com/railzwaylabs/tokenmeter/internal/quota/repository"
	quotaservice "github.com/railzwaylabs/tokenmeter/internal/quota/service"
	usagedomain "github.com/railzwaylabs/tokenmeter/internal/usage/domain"
	usagerepository "github.com/railzwaylabs/tokenmeter/internal/usage/repository"
	usageservice "github.com/railzwaylabs/tokenmeter/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	orgID     = "6f1c6f5e-3a4b-4a55-9d0e-8f1a2b3c4d5e"
	teamID    = "0b7e2d1c-1111-4c2a-8a3b-1d2e3f4a5b6c"
	otherTeam = "0b7e2d1c-2222-4c2a-8a3b-1d2e3f4a5b6c"

	admin    = "a1a1a1a1-0000-4000-8000-000000000001"
	lead     = "b2b2b2b2-0000-4000-8000-000000000002"
	member   = "c3c3c3c3-0000-4000-8000-000000000003"
	outsider = "e5e5e5e5-0000-4000-8000-000000000005"
)

var now = time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db     *gorm.DB
	svc    meteringdomain.Service
	node   *snowflake.Node
	ledger usagedomain.Ledger
}

func newFixture(t *testing.T, enforce bool) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&accessdomain.Organization{},
		&accessdomain.Team{},
		&accessdomain.OrganizationMember{},
		&accessdomain.TeamMember{},
		&accessdomain.Profile{},
		&usagedomain.UsageEvent{},
		&quotadomain.UsageQuota{},
		&billingdomain.SubscriptionPlan{},
		&billingdomain.UserSubscription{},
		&billingdomain.BillingPeriod{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create(&accessdomain.Organization{ID: orgID, Name: "Acme", CreatedAt: base}).Error)
	require.NoError(t, db.Create(&[]accessdomain.Team{
		{ID: teamID, OrganizationID: orgID, Name: "Platform", CreatedAt: base},
		{ID: otherTeam, OrganizationID: orgID, Name: "Research", CreatedAt: base},
	}).Error)
	require.NoError(t, db.Create(&[]accessdomain.OrganizationMember{
		{OrganizationID: orgID, UserID: admin, Role: accessdomain.OrgRoleAdmin, CreatedAt: base},
		{OrganizationID: orgID, UserID: lead, Role: accessdomain.OrgRoleMember, CreatedAt: base},
		{OrganizationID: orgID, UserID: member, Role: accessdomain.OrgRoleMember, CreatedAt: base},
	}).Error)
	require.NoError(t, db.Create(&[]accessdomain.TeamMember{
		{TeamID: teamID, UserID: lead, Role: accessdomain.TeamRoleAdmin, CreatedAt: base},
		{TeamID: teamID, UserID: member, Role: accessdomain.TeamRoleMember, CreatedAt: base},
	}).Error)
	require.NoError(t, db.Create(&[]accessdomain.Profile{
		{ID: admin, FullName: "Ada Admin"},
		{ID: lead, FullName: "Lee Lead"},
	}).Error)

	limit := int64(1000)
	require.NoError(t, db.Create(&billingdomain.SubscriptionPlan{
		ID: node.Generate(), Code: "free", Name: "Free", MonthlyTokenLimit: &limit, IsActive: true,
		CreatedAt: base, UpdatedAt: base,
	}).Error)

	cfg := config.Config{
		Quota: config.QuotaConfig{
			MediumPercent: 80, HighPercent: 90, CriticalPercent: 95,
			PollInterval: 5 * time.Minute, Enforce: enforce,
		},
		Billing: config.BillingConfig{DefaultPlan: "Free", PeriodLength: billingdomain.PeriodLength, RolloverBatch: 10},
	}
	clk := clock.Fixed{T: now}
	log := zap.NewNop()

	ledger := usagerepository.NewLedger(db)
	usage := usageservice.NewService(usageservice.ServiceParam{Log: log, Clock: clk, GenID: node, Ledger: ledger})
	enforcer, err := accessservice.NewEnforcer(nil)
	require.NoError(t, err)
	access := accessservice.NewService(accessservice.ServiceParam{
		DB: db, Log: log, Directory: accessrepository.Provide(), Enforcer: enforcer,
	})
	quota := quotaservice.NewService(quotaservice.ServiceParam{
		DB: db, Log: log, Config: quotadomain.FromConfig(cfg), Repo: quotarepository.Provide(),
	})
	billing := billingservice.NewService(billingservice.ServiceParam{
		DB: db, Log: log, Cfg: cfg, Clock: clk, GenID: node, Repo: billingrepository.Provide(), Usage: usage,
	})

	return &fixture{
		db:     db,
		node:   node,
		ledger: ledger,
		svc: NewService(ServiceParam{
			Log: log, Clock: clk, Access: access, Usage: usage, Quota: quota, Billing: billing,
		}),
	}
}

func (f *fixture) event(t *testing.T, user string, team *string, feature usagedomain.Feature, tokens int64, at time.Time) {
	t.Helper()
	require.NoError(t, f.ledger.Insert(context.Background(), &usagedomain.UsageEvent{
		ID:             f.node.Generate(),
		UserID:         user,
		OrganizationID: orgID,
		TeamID:         team,
		Feature:        feature,
		TokensUsed:     tokens,
		CreatedAt:      at,
	}))
}

func (f *fixture) seed(t *testing.T) {
	team := teamID
	f.event(t, admin, nil, usagedomain.FeatureAssist, 100, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	f.event(t, lead, &team, usagedomain.FeatureRefine, 300, time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC))
	f.event(t, member, &team, usagedomain.FeatureAssist, 200, time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC))
	f.event(t, outsider, nil, usagedomain.FeatureAssessment, 50, time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC))
	// previous month, outside the window
	f.event(t, admin, nil, usagedomain.FeatureAssist, 999, time.Date(2024, 4, 30, 23, 59, 59, 0, time.UTC))
}

func TestOrganizationReport(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t)

	report, err := f.svc.OrganizationReport(context.Background(), admin, orgID)
	require.NoError(t, err)

	assert.Equal(t, "Acme", report.Organization.Name)
	assert.Equal(t, int64(650), report.Usage.CurrentMonth.TotalTokens)
	assert.Equal(t, int64(4), report.Usage.CurrentMonth.TotalEvents)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), report.Usage.CurrentMonth.PeriodStart)
	assert.Equal(t, int64(300), report.Usage.FeatureBreakdown[usagedomain.FeatureAssist])
	assert.Equal(t, int64(500), report.Usage.DailyUsage["2024-05-02"])

	require.Len(t, report.Usage.Members, 3)
	assert.Equal(t, lead, report.Usage.Members[0].UserID)
	assert.Equal(t, "Lee Lead", report.Usage.Members[0].FullName)
	assert.Equal(t, string(accessdomain.OrgRoleMember), report.Usage.Members[0].OrgRole)
	require.NotNil(t, report.Usage.Unlisted)
	assert.Equal(t, int64(50), report.Usage.Unlisted.Tokens)

	require.Len(t, report.Usage.Teams, 2)
	assert.Equal(t, "Platform", report.Usage.Teams[0].TeamName)
	assert.Equal(t, int64(500), report.Usage.Teams[0].TokensUsed)
	assert.Equal(t, int64(0), report.Usage.Teams[1].TokensUsed)
	require.NotNil(t, report.Usage.UnassignedTeam)
	assert.Equal(t, int64(150), report.Usage.UnassignedTeam.Tokens)

	var members int64
	for _, m := range report.Usage.Members {
		members += m.TokensUsed
	}
	assert.Equal(t, report.Usage.CurrentMonth.TotalTokens, members+report.Usage.Unlisted.Tokens)

	assert.Equal(t, int64(1000), report.QuotaStatus.Limit)
	assert.InDelta(t, 65.0, report.QuotaStatus.Percentage, 1e-9)
	assert.Equal(t, quotadomain.WarningNone, report.QuotaStatus.WarningLevel)
	assert.Equal(t, int64(300), report.QuotaStatus.PollIntervalSeconds)
}

func TestOrganizationReportRequiresAdmin(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.OrganizationReport(context.Background(), member, orgID)
	assert.ErrorIs(t, err, accessdomain.ErrAccessDenied)

	_, err = f.svc.OrganizationReport(context.Background(), outsider, orgID)
	assert.ErrorIs(t, err, accessdomain.ErrAccessDenied)
}

func TestTeamReport(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t)
	require.NoError(t, f.db.Create(&quotadomain.UsageQuota{
		ID: f.node.Generate(), Scope: quotadomain.ScopeTeam, ScopeID: teamID, TokenLimit: 550, IsActive: true,
		CreatedAt: now, UpdatedAt: now,
	}).Error)

	report, err := f.svc.TeamReport(context.Background(), lead, teamID)
	require.NoError(t, err)

	assert.Equal(t, "Platform", report.Team.Name)
	assert.Equal(t, string(accessdomain.TeamRoleAdmin), report.UserRole)
	assert.Equal(t, int64(500), report.Usage.CurrentMonth.TotalTokens)
	require.Len(t, report.Usage.Members, 2)
	assert.Equal(t, string(accessdomain.TeamRoleAdmin), report.Usage.Members[0].TeamRole)
	assert.Nil(t, report.Usage.Unlisted)
	assert.Empty(t, report.Usage.Teams)

	require.Len(t, report.Quotas, 1)
	assert.Equal(t, int64(550), report.QuotaStatus.Limit)
	assert.Equal(t, quotadomain.WarningHigh, report.QuotaStatus.WarningLevel)

	_, err = f.svc.TeamReport(context.Background(), member, teamID)
	assert.ErrorIs(t, err, accessdomain.ErrAccessDenied)
}

func TestQuotaStatus(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t)

	// any member, organization picked from their membership
	report, err := f.svc.QuotaStatus(context.Background(), member, "")
	require.NoError(t, err)
	assert.Equal(t, orgID, report.Organization.ID)
	assert.Equal(t, int64(650), report.TotalTokens)
	require.NotNil(t, report.Remaining)
	assert.Equal(t, int64(350), *report.Remaining)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), report.Window.End)

	_, err = f.svc.QuotaStatus(context.Background(), outsider, "")
	assert.ErrorIs(t, err, accessdomain.ErrNoOrganization)
}

func TestQuotaStatusUsesOrganizationPlanHolder(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t)
	ctx := context.Background()

	proLimit := int64(5000)
	pro := billingdomain.SubscriptionPlan{
		ID: f.node.Generate(), Code: "pro", Name: "Pro", MonthlyTokenLimit: &proLimit, IsActive: true,
		CreatedAt: now, UpdatedAt: now,
	}
	enterprise := billingdomain.SubscriptionPlan{
		ID: f.node.Generate(), Code: "enterprise", Name: "Enterprise", IsActive: true,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.db.Create(&[]billingdomain.SubscriptionPlan{pro, enterprise}).Error)
	require.NoError(t, f.db.Create(&[]billingdomain.UserSubscription{
		{
			ID: f.node.Generate(), UserID: admin, PlanID: pro.ID, Status: billingdomain.SubscriptionStatusActive,
			PeriodStart: now, PeriodEnd: now.Add(billingdomain.PeriodLength), CreatedAt: now, UpdatedAt: now,
		},
		{
			ID: f.node.Generate(), UserID: member, PlanID: enterprise.ID, Status: billingdomain.SubscriptionStatusActive,
			PeriodStart: now, PeriodEnd: now.Add(billingdomain.PeriodLength), CreatedAt: now, UpdatedAt: now,
		},
	}).Error)

	// every viewer sees the limit of the organization's plan holder
	for _, viewer := range []string{admin, member, lead} {
		report, err := f.svc.QuotaStatus(ctx, viewer, orgID)
		require.NoError(t, err)
		assert.Equal(t, int64(5000), report.Limit, viewer)
		assert.False(t, report.IsUnlimited, viewer)
		assert.Equal(t, admin, report.PlanHolderID, viewer)
	}

	org, err := f.svc.OrganizationReport(ctx, admin, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), org.QuotaStatus.Limit)
	assert.Equal(t, admin, org.QuotaStatus.PlanHolderID)

	team, err := f.svc.TeamReport(ctx, lead, teamID)
	require.NoError(t, err)
	assert.Equal(t, admin, team.QuotaStatus.PlanHolderID)
}

func TestRecord(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	team := teamID
	event, err := f.svc.Record(ctx, member, meteringdomain.RecordRequest{
		OrganizationID: orgID,
		TeamID:         &team,
		Feature:        usagedomain.FeatureRefine,
		TokensUsed:     42,
	})
	require.NoError(t, err)
	assert.Equal(t, member, event.UserID)
	assert.Equal(t, now, event.CreatedAt)

	foreign := "0b7e2d1c-3333-4c2a-8a3b-1d2e3f4a5b6c"
	_, err = f.svc.Record(ctx, member, meteringdomain.RecordRequest{
		OrganizationID: orgID, TeamID: &foreign, Feature: usagedomain.FeatureAssist, TokensUsed: 1,
	})
	assert.ErrorIs(t, err, accessdomain.ErrTeamNotFound)

	_, err = f.svc.Record(ctx, member, meteringdomain.RecordRequest{
		OrganizationID: orgID, Feature: "translate", TokensUsed: 1,
	})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidFeature)

	_, err = f.svc.Record(ctx, outsider, meteringdomain.RecordRequest{
		OrganizationID: orgID, Feature: usagedomain.FeatureAssist, TokensUsed: 1,
	})
	assert.ErrorIs(t, err, accessdomain.ErrAccessDenied)
}

func TestRecordEnforcesQuota(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	req := meteringdomain.RecordRequest{OrganizationID: orgID, Feature: usagedomain.FeatureAssist, TokensUsed: 600}

	_, err := f.svc.Record(ctx, admin, req)
	require.NoError(t, err)
	_, err = f.svc.Record(ctx, admin, req)
	require.NoError(t, err)

	_, err = f.svc.Record(ctx, admin, req)
	assert.ErrorIs(t, err, quotadomain.ErrQuotaExceeded)
}

func TestRecordReplayBypassesExhaustedQuota(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	req := meteringdomain.RecordRequest{
		OrganizationID: orgID,
		Feature:        usagedomain.FeatureAssist,
		TokensUsed:     1000,
		IdempotencyKey: "batch-2024-05-20",
	}

	first, err := f.svc.Record(ctx, req)
	require.NoError(t, err)

	replay, err := f.svc.Record(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)

	req.IdempotencyKey = "batch-2024-05-21"
	_, err = f.svc.Record(ctx, req)
	assert.ErrorIs(t, err, quotadomain.ErrQuotaExceeded)
}
