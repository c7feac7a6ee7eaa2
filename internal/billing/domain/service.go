package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrInvalidUser          = errors.New("invalid_user")
	ErrDefaultPlanNotFound  = errors.New("default_plan_not_found")
	ErrPlanNotFound         = errors.New("plan_not_found")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrActivePeriodNotFound = errors.New("active_billing_period_not_found")
)

type Repository interface {
	FindActivePlanByName(ctx context.Context, db *gorm.DB, name string) (*SubscriptionPlan, error)
	FindPlanByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*SubscriptionPlan, error)

	FindSubscriptionByUserID(ctx context.Context, db *gorm.DB, userID string) (*UserSubscription, error)
	FindSubscriptionForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*UserSubscription, error)
	ListDueSubscriptions(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]UserSubscription, error)
	InsertSubscription(ctx context.Context, db *gorm.DB, sub *UserSubscription) error
	UpdateSubscriptionWindow(ctx context.Context, db *gorm.DB, sub *UserSubscription) error

	FindActivePeriod(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*BillingPeriod, error)
	InsertPeriod(ctx context.Context, db *gorm.DB, period *BillingPeriod) error
	ClosePeriod(ctx context.Context, db *gorm.DB, period *BillingPeriod) error
}

// SetupResult is the outcome of Setup. AlreadySetUp is true when the user had
// a subscription before the call, including one created by a concurrent call.
type SetupResult struct {
	AlreadySetUp bool
	Subscription UserSubscription
	Plan         *SubscriptionPlan
}

// CurrentPeriod is a subscription's active period with totals derived from
// the usage ledger at read time.
type CurrentPeriod struct {
	Subscription UserSubscription
	Plan         SubscriptionPlan
	Period       BillingPeriod
	TokensUsed   int64
	AmountDue    int64
}

type RolloverResult struct {
	Processed int
	Closed    int
	Opened    int
	Failed    int
}

type Service interface {
	Setup(ctx context.Context, userID string) (*SetupResult, error)
	CurrentPeriod(ctx context.Context, userID string) (*CurrentPeriod, error)
	// PlanLimit is the token limit that applies to the user: their plan's
	// limit, or the default plan's when they have no subscription yet.
	PlanLimit(ctx context.Context, userID string) (int64, error)
	Rollover(ctx context.Context) (RolloverResult, error)
}
