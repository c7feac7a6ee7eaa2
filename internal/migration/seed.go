package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	billingdomain "github.com/railzwaylabs/tokenmeter/internal/billing/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type planSeed struct {
	Name              string
	MonthlyTokenLimit *int64
	PriceCents        int64
	OverageCentsPer1K int64
}

func tokens(n int64) *int64 { return &n }

var planSeeds = []planSeed{
	{Name: "Free", MonthlyTokenLimit: tokens(100_000)},
	{Name: "Pro", MonthlyTokenLimit: tokens(2_000_000), PriceCents: 2_000, OverageCentsPer1K: 2},
	{Name: "Enterprise", PriceCents: 50_000},
}

// SeedPlans upserts the plan catalog by code. Existing plan ids are kept.
func SeedPlans(ctx context.Context, db *gorm.DB, genID *snowflake.Node) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, seed := range planSeeds {
			plan := billingdomain.SubscriptionPlan{
				ID:                genID.Generate(),
				Code:              slug.Make(seed.Name),
				Name:              seed.Name,
				MonthlyTokenLimit: seed.MonthlyTokenLimit,
				PriceCents:        seed.PriceCents,
				OverageCentsPer1K: seed.OverageCentsPer1K,
				IsActive:          true,
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "code"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"name", "monthly_token_limit", "price_cents", "overage_cents_per_1k", "is_active", "updated_at",
				}),
			}).Create(&plan).Error
			if err != nil {
				return fmt.Errorf("seed plan %s: %w", seed.Name, err)
			}
		}
		return nil
	})
}
