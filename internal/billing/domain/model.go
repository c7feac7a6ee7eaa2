package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// UnlimitedTokens is the token limit of a plan without a ceiling.
const UnlimitedTokens int64 = -1

// PeriodLength is the default span of a billing period.
const PeriodLength = 30 * 24 * time.Hour

type SubscriptionPlan struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	Code              string       `gorm:"size:64;not null;uniqueIndex" json:"code"`
	Name              string       `gorm:"size:255;not null" json:"name"`
	MonthlyTokenLimit *int64       `json:"monthly_token_limit"`
	PriceCents        int64        `gorm:"not null;default:0" json:"price_cents"`
	OverageCentsPer1K int64        `gorm:"column:overage_cents_per_1k;not null;default:0" json:"overage_cents_per_1k"`
	IsActive          bool         `gorm:"not null;default:true" json:"is_active"`
	CreatedAt         time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time    `gorm:"not null" json:"updated_at"`
}

func (SubscriptionPlan) TableName() string { return "subscription_plans" }

// TokenLimit returns the monthly limit, or UnlimitedTokens when the plan has
// none.
func (p SubscriptionPlan) TokenLimit() int64 {
	if p.MonthlyTokenLimit == nil || *p.MonthlyTokenLimit < 0 {
		return UnlimitedTokens
	}
	return *p.MonthlyTokenLimit
}

type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
)

type UserSubscription struct {
	ID          snowflake.ID       `gorm:"primaryKey" json:"id"`
	UserID      string             `gorm:"size:36;not null;uniqueIndex" json:"user_id"`
	PlanID      snowflake.ID       `gorm:"not null" json:"plan_id"`
	Status      SubscriptionStatus `gorm:"size:32;not null" json:"status"`
	PeriodStart time.Time          `gorm:"not null" json:"period_start"`
	PeriodEnd   time.Time          `gorm:"not null;index" json:"period_end"`
	CreatedAt   time.Time          `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time          `gorm:"not null" json:"updated_at"`
}

func (UserSubscription) TableName() string { return "user_subscriptions" }

type PeriodStatus string

const (
	PeriodStatusActive PeriodStatus = "active"
	PeriodStatusClosed PeriodStatus = "closed"
)

type BillingPeriod struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	SubscriptionID  snowflake.ID `gorm:"not null;index" json:"subscription_id"`
	PeriodStart     time.Time    `gorm:"not null" json:"period_start"`
	PeriodEnd       time.Time    `gorm:"not null" json:"period_end"`
	TotalTokensUsed int64        `gorm:"not null;default:0" json:"total_tokens_used"`
	TotalAmountDue  int64        `gorm:"not null;default:0" json:"total_amount_due"`
	Status          PeriodStatus `gorm:"size:32;not null" json:"status"`
	ClosedAt        *time.Time   `json:"closed_at,omitempty"`
	CreatedAt       time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"not null" json:"updated_at"`
}

func (BillingPeriod) TableName() string { return "billing_periods" }

// PeriodElapsed reports whether the subscription's current window has ended
// and its active period should be closed.
func PeriodElapsed(sub UserSubscription, now time.Time) bool {
	return sub.Status == SubscriptionStatusActive && !now.Before(sub.PeriodEnd)
}

// AdvanceWindow moves [start, end) forward by whole periods until it
// contains now. Windows that already contain now are returned unchanged.
func AdvanceWindow(start, end time.Time, length time.Duration, now time.Time) (time.Time, time.Time) {
	if length <= 0 {
		length = PeriodLength
	}
	for !now.Before(end) {
		start = end
		end = end.Add(length)
	}
	return start, end
}

// Window is a half-open [Start, End) billing window.
type Window struct {
	Start time.Time
	End   time.Time
}

// SkippedWindows lists the whole periods that start at or after end and
// finish at or before now. These are the windows a late rollover passes over
// on its way to the window containing now.
func SkippedWindows(end time.Time, length time.Duration, now time.Time) []Window {
	if length <= 0 {
		length = PeriodLength
	}
	var out []Window
	for start := end; !now.Before(start.Add(length)); start = start.Add(length) {
		out = append(out, Window{Start: start, End: start.Add(length)})
	}
	return out
}

var thousand = decimal.NewFromInt(1000)

// AmountDue is the plan price plus overage for tokens beyond the limit at the
// plan's per-thousand rate, rounded up to the cent.
func AmountDue(plan SubscriptionPlan, tokensUsed int64) int64 {
	amount := decimal.NewFromInt(plan.PriceCents)

	limit := plan.TokenLimit()
	if limit == UnlimitedTokens || tokensUsed <= limit || plan.OverageCentsPer1K <= 0 {
		return amount.IntPart()
	}

	overage := decimal.NewFromInt(tokensUsed - limit)
	charge := overage.Div(thousand).Mul(decimal.NewFromInt(plan.OverageCentsPer1K)).Ceil()
	return amount.Add(charge).IntPart()
}
