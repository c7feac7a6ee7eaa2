package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/railzwaylabs/tokenmeter/internal/billing/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() billingdomain.Repository {
	return &repo{}
}

const planColumns = `id, code, name, monthly_token_limit, price_cents, overage_cents_per_1k, is_active, created_at, updated_at`

const subscriptionColumns = `id, user_id, plan_id, status, period_start, period_end, created_at, updated_at`

const periodColumns = `id, subscription_id, period_start, period_end, total_tokens_used, total_amount_due, status, closed_at, created_at, updated_at`

// FindActivePlanByName picks the cheapest active plan with the given name.
func (r *repo) FindActivePlanByName(ctx context.Context, db *gorm.DB, name string) (*billingdomain.SubscriptionPlan, error) {
	var plan billingdomain.SubscriptionPlan
	err := db.WithContext(ctx).Raw(
		`SELECT `+planColumns+`
		 FROM subscription_plans
		 WHERE name = ? AND is_active = ?
		 ORDER BY price_cents ASC, id ASC
		 LIMIT 1`,
		name,
		true,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) FindPlanByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*billingdomain.SubscriptionPlan, error) {
	var plan billingdomain.SubscriptionPlan
	err := db.WithContext(ctx).Raw(
		`SELECT `+planColumns+` FROM subscription_plans WHERE id = ?`,
		id,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) FindSubscriptionByUserID(ctx context.Context, db *gorm.DB, userID string) (*billingdomain.UserSubscription, error) {
	var sub billingdomain.UserSubscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM user_subscriptions WHERE user_id = ?`,
		userID,
	).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (r *repo) FindSubscriptionForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*billingdomain.UserSubscription, error) {
	var sub billingdomain.UserSubscription
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repo) ListDueSubscriptions(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]billingdomain.UserSubscription, error) {
	var subs []billingdomain.UserSubscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM user_subscriptions
		 WHERE status = ? AND period_end <= ?
		 ORDER BY period_end ASC, id ASC
		 LIMIT ?`,
		billingdomain.SubscriptionStatusActive,
		now,
		limit,
	).Scan(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repo) InsertSubscription(ctx context.Context, db *gorm.DB, sub *billingdomain.UserSubscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO user_subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID,
		sub.UserID,
		sub.PlanID,
		sub.Status,
		sub.PeriodStart,
		sub.PeriodEnd,
		sub.CreatedAt,
		sub.UpdatedAt,
	).Error
}

func (r *repo) UpdateSubscriptionWindow(ctx context.Context, db *gorm.DB, sub *billingdomain.UserSubscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE user_subscriptions
		 SET period_start = ?, period_end = ?, updated_at = ?
		 WHERE id = ?`,
		sub.PeriodStart,
		sub.PeriodEnd,
		sub.UpdatedAt,
		sub.ID,
	).Error
}

func (r *repo) FindActivePeriod(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*billingdomain.BillingPeriod, error) {
	var period billingdomain.BillingPeriod
	err := db.WithContext(ctx).Raw(
		`SELECT `+periodColumns+`
		 FROM billing_periods
		 WHERE subscription_id = ? AND status = ?
		 ORDER BY period_start DESC
		 LIMIT 1`,
		subscriptionID,
		billingdomain.PeriodStatusActive,
	).Scan(&period).Error
	if err != nil {
		return nil, err
	}
	if period.ID == 0 {
		return nil, nil
	}
	return &period, nil
}

func (r *repo) InsertPeriod(ctx context.Context, db *gorm.DB, period *billingdomain.BillingPeriod) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing_periods (`+periodColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		period.ID,
		period.SubscriptionID,
		period.PeriodStart,
		period.PeriodEnd,
		period.TotalTokensUsed,
		period.TotalAmountDue,
		period.Status,
		period.ClosedAt,
		period.CreatedAt,
		period.UpdatedAt,
	).Error
}

func (r *repo) ClosePeriod(ctx context.Context, db *gorm.DB, period *billingdomain.BillingPeriod) error {
	return db.WithContext(ctx).Exec(
		`UPDATE billing_periods
		 SET status = ?, total_tokens_used = ?, total_amount_due = ?, closed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		billingdomain.PeriodStatusClosed,
		period.TotalTokensUsed,
		period.TotalAmountDue,
		period.ClosedAt,
		period.UpdatedAt,
		period.ID,
		billingdomain.PeriodStatusActive,
	).Error
}
