package domain_test

import (
	"testing"
	"time"

	"github.com/railzwaylabs/tokenmeter/internal/billing/domain"
	"github.com/stretchr/testify/assert"
)

func limit(n int64) *int64 { return &n }

func TestAmountDue(t *testing.T) {
	pro := domain.SubscriptionPlan{PriceCents: 2000, MonthlyTokenLimit: limit(100_000), OverageCentsPer1K: 3}

	tests := []struct {
		name   string
		plan   domain.SubscriptionPlan
		tokens int64
		want   int64
	}{
		{"under limit", pro, 99_999, 2000},
		{"at limit", pro, 100_000, 2000},
		{"partial thousand rounds up to the cent", pro, 100_001, 2001},
		{"whole thousands", pro, 110_000, 2030},
		{"fractional rate", domain.SubscriptionPlan{MonthlyTokenLimit: limit(0), OverageCentsPer1K: 1}, 1500, 2},
		{"unlimited plan", domain.SubscriptionPlan{PriceCents: 5000, OverageCentsPer1K: 10}, 10_000_000, 5000},
		{"free without overage", domain.SubscriptionPlan{MonthlyTokenLimit: limit(1000)}, 50_000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.AmountDue(tt.plan, tt.tokens))
		})
	}
}

func TestTokenLimit(t *testing.T) {
	assert.Equal(t, domain.UnlimitedTokens, domain.SubscriptionPlan{}.TokenLimit())
	assert.Equal(t, domain.UnlimitedTokens, domain.SubscriptionPlan{MonthlyTokenLimit: limit(-1)}.TokenLimit())
	assert.Equal(t, int64(5000), domain.SubscriptionPlan{MonthlyTokenLimit: limit(5000)}.TokenLimit())
}

func TestPeriodElapsed(t *testing.T) {
	end := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	sub := domain.UserSubscription{Status: domain.SubscriptionStatusActive, PeriodEnd: end}

	assert.False(t, domain.PeriodElapsed(sub, end.Add(-time.Nanosecond)))
	assert.True(t, domain.PeriodElapsed(sub, end))

	sub.Status = domain.SubscriptionStatusCanceled
	assert.False(t, domain.PeriodElapsed(sub, end.Add(time.Hour)))
}

func TestAdvanceWindow(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(domain.PeriodLength)

	s, e := domain.AdvanceWindow(start, end, domain.PeriodLength, start.Add(time.Hour))
	assert.Equal(t, start, s)
	assert.Equal(t, end, e)

	now := start.Add(65 * 24 * time.Hour)
	s, e = domain.AdvanceWindow(start, end, domain.PeriodLength, now)
	assert.Equal(t, start.Add(60*24*time.Hour), s)
	assert.Equal(t, start.Add(90*24*time.Hour), e)
	assert.True(t, !now.Before(s) && now.Before(e))
}

func TestSkippedWindows(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(domain.PeriodLength)

	assert.Empty(t, domain.SkippedWindows(end, domain.PeriodLength, end.Add(time.Hour)))

	// the windows skipped are exactly those between end and AdvanceWindow's result
	now := start.Add(95 * 24 * time.Hour)
	got := domain.SkippedWindows(end, domain.PeriodLength, now)
	assert.Equal(t, []domain.Window{
		{Start: start.Add(30 * 24 * time.Hour), End: start.Add(60 * 24 * time.Hour)},
		{Start: start.Add(60 * 24 * time.Hour), End: start.Add(90 * 24 * time.Hour)},
	}, got)

	s, _ := domain.AdvanceWindow(start, end, domain.PeriodLength, now)
	assert.Equal(t, got[len(got)-1].End, s)
}
