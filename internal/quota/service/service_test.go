package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/railzwaylabs/tokenmeter/internal/config"
	quotadomain "github.com/railzwaylabs/tokenmeter/internal/quota/domain"
	"github.com/railzwaylabs/tokenmeter/internal/quota/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	orgID  = "6f1c6f5e-3a4b-4a55-9d0e-8f1a2b3c4d5e"
	teamID = "0b7e2d1c-1111-4c2a-8a3b-1d2e3f4a5b6c"
)

func setup(t *testing.T, enforce bool) (*service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&quotadomain.UsageQuota{}))

	svc := NewService(ServiceParam{
		DB:  db,
		Log: zap.NewNop(),
		Config: &quotadomain.Config{
			Thresholds:   quotadomain.DefaultThresholds,
			PollInterval: 5 * time.Minute,
			Enforce:      enforce,
		},
		Repo: repository.Provide(),
	})
	return svc.(*service), db
}

func seedQuota(t *testing.T, db *gorm.DB, scope quotadomain.Scope, scopeID string, limit int64, active bool) {
	t.Helper()
	node, _ := snowflake.NewNode(1)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	q := quotadomain.UsageQuota{
		ID:         node.Generate(),
		Scope:      scope,
		ScopeID:    scopeID,
		TokenLimit: limit,
		IsActive:   active,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, db.Select("*").Create(&q).Error)
}

func TestStatusUsesPlanLimitWithoutQuotas(t *testing.T) {
	svc, _ := setup(t, false)

	status, err := svc.Status(context.Background(), quotadomain.Target{
		Scope:       quotadomain.ScopeOrganization,
		ScopeID:     orgID,
		TotalTokens: 900,
		PlanLimit:   1000,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1000), status.Limit)
	assert.Equal(t, quotadomain.WarningHigh, status.WarningLevel)
	assert.Equal(t, int64(300), status.PollIntervalSeconds)
	assert.Empty(t, status.Quotas)
}

func TestStatusTeamBoundByOrganizationQuota(t *testing.T) {
	svc, db := setup(t, false)
	seedQuota(t, db, quotadomain.ScopeTeam, teamID, 800, true)
	seedQuota(t, db, quotadomain.ScopeOrganization, orgID, 500, true)
	seedQuota(t, db, quotadomain.ScopeTeam, teamID, 10, false)

	status, err := svc.Status(context.Background(), quotadomain.Target{
		Scope:          quotadomain.ScopeTeam,
		ScopeID:        teamID,
		OrganizationID: orgID,
		TotalTokens:    400,
		PlanLimit:      quotadomain.Unlimited,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(500), status.Limit)
	assert.Equal(t, quotadomain.WarningMedium, status.WarningLevel)
	require.Len(t, status.Quotas, 1)
	assert.Equal(t, int64(800), status.Quotas[0].TokenLimit)
}

func TestListQuotasValidation(t *testing.T) {
	svc, _ := setup(t, false)

	_, err := svc.ListQuotas(context.Background(), "user", orgID)
	assert.ErrorIs(t, err, quotadomain.ErrInvalidScope)

	_, err = svc.ListQuotas(context.Background(), quotadomain.ScopeTeam, "")
	assert.ErrorIs(t, err, quotadomain.ErrInvalidScopeID)
}

func TestCheckConsumption(t *testing.T) {
	target := quotadomain.Target{
		Scope:       quotadomain.ScopeOrganization,
		ScopeID:     orgID,
		TotalTokens: 1000,
		PlanLimit:   1000,
	}

	relaxed, _ := setup(t, false)
	assert.NoError(t, relaxed.CheckConsumption(context.Background(), target))

	strict, _ := setup(t, true)
	assert.ErrorIs(t, strict.CheckConsumption(context.Background(), target), quotadomain.ErrQuotaExceeded)

	target.TotalTokens = 999
	assert.NoError(t, strict.CheckConsumption(context.Background(), target))

	target.PlanLimit = quotadomain.Unlimited
	target.TotalTokens = 1 << 40
	assert.NoError(t, strict.CheckConsumption(context.Background(), target))
}

func TestReloadSwapsThresholds(t *testing.T) {
	svc, _ := setup(t, false)

	cfg := config.Config{Quota: config.QuotaConfig{
		MediumPercent:   50,
		HighPercent:     60,
		CriticalPercent: 70,
		PollInterval:    time.Minute,
	}}
	svc.reload(cfg, nil)

	assert.Equal(t, quotadomain.Thresholds{Medium: 50, High: 60, Critical: 70}, svc.Thresholds())
	assert.Equal(t, time.Minute, svc.PollInterval())

	svc.reload(config.Config{}, assert.AnError)
	assert.Equal(t, 50.0, svc.Thresholds().Medium)
}
