package server

import (
	"time"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/railzwaylabs/tokenmeter/internal/billing/domain"
)

type setupSubscription struct {
	ID                 string    `json:"id"`
	PlanName           string    `json:"plan_name"`
	MonthlyTokenLimit  *int64    `json:"monthly_token_limit"`
	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
}

type setupBillingResponse struct {
	Success        bool               `json:"success"`
	Message        string             `json:"message"`
	Subscription   *setupSubscription `json:"subscription,omitempty"`
	SubscriptionID string             `json:"subscription_id,omitempty"`
}

type billingPeriodResponse struct {
	SubscriptionID    string                      `json:"subscription_id"`
	PlanName          string                      `json:"plan_name"`
	MonthlyTokenLimit *int64                      `json:"monthly_token_limit"`
	Period            billingdomain.BillingPeriod `json:"period"`
	TokensUsed        int64                       `json:"tokens_used"`
	AmountDueCents    int64                       `json:"amount_due_cents"`
}

// @Summary      Set Up Billing
// @Description  Subscribe the caller to the default plan. Repeat calls report the existing subscription.
// @Tags         billing
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  setupBillingResponse
// @Router       /usage/setup-billing [post]
func (s *Server) SetupBilling(c *gin.Context) {
	userID, err := userIDFromContext(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.billingSvc.Setup(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if result.AlreadySetUp {
		respondOK(c, setupBillingResponse{
			Success:        true,
			Message:        "already set up",
			SubscriptionID: result.Subscription.ID.String(),
		})
		return
	}

	sub := &setupSubscription{
		ID:                 result.Subscription.ID.String(),
		CurrentPeriodStart: result.Subscription.PeriodStart,
		CurrentPeriodEnd:   result.Subscription.PeriodEnd,
	}
	if result.Plan != nil {
		sub.PlanName = result.Plan.Name
		sub.MonthlyTokenLimit = result.Plan.MonthlyTokenLimit
	}
	respondOK(c, setupBillingResponse{
		Success:      true,
		Message:      "billing set up",
		Subscription: sub,
	})
}

// @Summary      Current Billing Period
// @Description  The caller's active billing period with totals derived from the usage ledger
// @Tags         billing
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  billingPeriodResponse
// @Router       /usage/billing-period [get]
func (s *Server) GetBillingPeriod(c *gin.Context) {
	userID, err := userIDFromContext(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	current, err := s.billingSvc.CurrentPeriod(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respondOK(c, billingPeriodResponse{
		SubscriptionID:    current.Subscription.ID.String(),
		PlanName:          current.Plan.Name,
		MonthlyTokenLimit: current.Plan.MonthlyTokenLimit,
		Period:            current.Period,
		TokensUsed:        current.TokensUsed,
		AmountDueCents:    current.AmountDue,
	})
}
