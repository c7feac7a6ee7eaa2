package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	billingdomain "github.com/railzwaylabs/tokenmeter/internal/billing/domain"
	"github.com/railzwaylabs/tokenmeter/internal/clock"
	"github.com/railzwaylabs/tokenmeter/internal/config"
	"github.com/railzwaylabs/tokenmeter/internal/observability"
	usagedomain "github.com/railzwaylabs/tokenmeter/internal/usage/domain"
	pkgdb "github.com/railzwaylabs/tokenmeter/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultRolloverBatch = 100

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Cfg   config.Config
	Clock clock.Clock
	GenID *snowflake.Node
	Repo  billingdomain.Repository
	Usage usagedomain.Service
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	genID       *snowflake.Node
	repo        billingdomain.Repository
	usage       usagedomain.Service
	defaultPlan string
	length      time.Duration
	batch       int
}

func NewService(p ServiceParam) billingdomain.Service {
	length := p.Cfg.Billing.PeriodLength
	if length <= 0 {
		length = billingdomain.PeriodLength
	}
	batch := p.Cfg.Billing.RolloverBatch
	if batch <= 0 {
		batch = defaultRolloverBatch
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("billing.service"),
		clock:       p.Clock,
		genID:       p.GenID,
		repo:        p.Repo,
		usage:       p.Usage,
		defaultPlan: p.Cfg.Billing.DefaultPlan,
		length:      length,
		batch:       batch,
	}
}

// Setup gives the user a subscription on the default plan with an open
// billing period. Calling it again, or concurrently, returns the existing
// subscription.
func (s *Service) Setup(ctx context.Context, userID string) (*billingdomain.SetupResult, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, billingdomain.ErrInvalidUser
	}

	existing, err := s.repo.FindSubscriptionByUserID(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.alreadySetUp(ctx, existing)
	}

	plan, err := s.repo.FindActivePlanByName(ctx, s.db, s.defaultPlan)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		s.log.Error("default subscription plan is not configured", zap.String("plan_name", s.defaultPlan))
		return nil, billingdomain.ErrDefaultPlanNotFound
	}

	now := s.clock.Now(ctx).UTC()
	sub := billingdomain.UserSubscription{
		ID:          s.genID.Generate(),
		UserID:      userID,
		PlanID:      plan.ID,
		Status:      billingdomain.SubscriptionStatusActive,
		PeriodStart: now,
		PeriodEnd:   now.Add(s.length),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	period := s.newPeriod(sub.ID, sub.PeriodStart, sub.PeriodEnd, now)

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertSubscription(ctx, tx, &sub); err != nil {
			return err
		}
		return s.repo.InsertPeriod(ctx, tx, &period)
	}); err != nil {
		if !pkgdb.IsUniqueViolation(err) {
			s.log.Error("failed to create subscription", zap.String("user_id", userID), zap.Error(err))
			return nil, err
		}
		winner, findErr := s.repo.FindSubscriptionByUserID(ctx, s.db, userID)
		if findErr != nil {
			return nil, findErr
		}
		if winner == nil {
			return nil, err
		}
		return s.alreadySetUp(ctx, winner)
	}

	observability.BillingTransitions.WithLabelValues("setup").Inc()
	s.log.Info("subscription created",
		zap.String("user_id", userID),
		zap.String("subscription_id", sub.ID.String()),
		zap.String("plan", plan.Name),
	)
	return &billingdomain.SetupResult{Subscription: sub, Plan: plan}, nil
}

func (s *Service) alreadySetUp(ctx context.Context, sub *billingdomain.UserSubscription) (*billingdomain.SetupResult, error) {
	plan, err := s.repo.FindPlanByID(ctx, s.db, sub.PlanID)
	if err != nil {
		return nil, err
	}
	return &billingdomain.SetupResult{AlreadySetUp: true, Subscription: *sub, Plan: plan}, nil
}

func (s *Service) CurrentPeriod(ctx context.Context, userID string) (*billingdomain.CurrentPeriod, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, billingdomain.ErrInvalidUser
	}

	sub, err := s.repo.FindSubscriptionByUserID(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, billingdomain.ErrSubscriptionNotFound
	}

	plan, err := s.repo.FindPlanByID(ctx, s.db, sub.PlanID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, billingdomain.ErrPlanNotFound
	}

	period, err := s.repo.FindActivePeriod(ctx, s.db, sub.ID)
	if err != nil {
		return nil, err
	}
	if period == nil {
		return nil, billingdomain.ErrActivePeriodNotFound
	}

	tokens, amount, err := s.derive(ctx, sub.UserID, *plan, period.PeriodStart, period.PeriodEnd)
	if err != nil {
		return nil, err
	}
	return &billingdomain.CurrentPeriod{
		Subscription: *sub,
		Plan:         *plan,
		Period:       *period,
		TokensUsed:   tokens,
		AmountDue:    amount,
	}, nil
}

func (s *Service) PlanLimit(ctx context.Context, userID string) (int64, error) {
	sub, err := s.repo.FindSubscriptionByUserID(ctx, s.db, userID)
	if err != nil {
		return 0, err
	}

	var plan *billingdomain.SubscriptionPlan
	if sub != nil {
		plan, err = s.repo.FindPlanByID(ctx, s.db, sub.PlanID)
	} else {
		plan, err = s.repo.FindActivePlanByName(ctx, s.db, s.defaultPlan)
	}
	if err != nil {
		return 0, err
	}
	if plan == nil {
		s.log.Warn("no plan found for quota evaluation, treating as unlimited", zap.String("user_id", userID))
		return billingdomain.UnlimitedTokens, nil
	}
	return plan.TokenLimit(), nil
}

// Rollover closes every elapsed billing period and opens the next one.
// Periods that were already rolled over are skipped, so running it twice for
// the same instant changes nothing.
func (s *Service) Rollover(ctx context.Context) (billingdomain.RolloverResult, error) {
	now := s.clock.Now(ctx).UTC()
	var result billingdomain.RolloverResult
	failed := make(map[snowflake.ID]struct{})

	for {
		subs, err := s.repo.ListDueSubscriptions(ctx, s.db, now, s.batch+len(failed))
		if err != nil {
			return result, err
		}

		progressed := false
		for _, sub := range subs {
			if _, skip := failed[sub.ID]; skip {
				continue
			}
			result.Processed++

			closed, opened, err := s.rolloverOne(ctx, sub, now)
			if err != nil {
				s.log.Error("failed to roll over billing period",
					zap.String("subscription_id", sub.ID.String()),
					zap.Error(err),
				)
				failed[sub.ID] = struct{}{}
				result.Failed++
				continue
			}
			progressed = true
			if opened {
				result.Opened++
			}
			result.Closed += closed
		}

		if !progressed || len(subs) < s.batch+len(failed) {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
	}

	s.log.Info("billing rollover finished",
		zap.Time("now", now),
		zap.Int("processed", result.Processed),
		zap.Int("closed", result.Closed),
		zap.Int("opened", result.Opened),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// rolloverOne closes the active period of sub with its final totals, records
// a closed period for every whole window that elapsed since, and opens the
// period containing now. It does nothing when sub was already rolled over.
// It reports how many periods were closed.
func (s *Service) rolloverOne(ctx context.Context, sub billingdomain.UserSubscription, now time.Time) (closed int, opened bool, err error) {
	plan, err := s.repo.FindPlanByID(ctx, s.db, sub.PlanID)
	if err != nil {
		return 0, false, err
	}
	if plan == nil {
		return 0, false, billingdomain.ErrPlanNotFound
	}

	active, err := s.repo.FindActivePeriod(ctx, s.db, sub.ID)
	if err != nil {
		return 0, false, err
	}

	// Totals come from the ledger, so they are read before the row lock.
	var tokens, amount int64
	if active != nil {
		tokens, amount, err = s.derive(ctx, sub.UserID, *plan, active.PeriodStart, active.PeriodEnd)
		if err != nil {
			return 0, false, err
		}
	}

	var skipped []billingdomain.BillingPeriod
	for _, w := range billingdomain.SkippedWindows(sub.PeriodEnd, s.length, now) {
		wTokens, wAmount, err := s.derive(ctx, sub.UserID, *plan, w.Start, w.End)
		if err != nil {
			return 0, false, err
		}
		p := s.newPeriod(sub.ID, w.Start, w.End, now)
		p.Status = billingdomain.PeriodStatusClosed
		p.TotalTokensUsed = wTokens
		p.TotalAmountDue = wAmount
		p.ClosedAt = &now
		skipped = append(skipped, p)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.FindSubscriptionForUpdate(ctx, tx, sub.ID)
		if err != nil {
			return err
		}
		if locked == nil || !billingdomain.PeriodElapsed(*locked, now) || !locked.PeriodEnd.Equal(sub.PeriodEnd) {
			return nil
		}

		current, err := s.repo.FindActivePeriod(ctx, tx, sub.ID)
		if err != nil {
			return err
		}
		if current != nil {
			if active == nil || current.ID != active.ID {
				return errConcurrentRollover
			}
			current.TotalTokensUsed = tokens
			current.TotalAmountDue = amount
			current.ClosedAt = &now
			current.UpdatedAt = now
			if err := s.repo.ClosePeriod(ctx, tx, current); err != nil {
				return err
			}
			closed++
		}

		for i := range skipped {
			if err := s.repo.InsertPeriod(ctx, tx, &skipped[i]); err != nil {
				return err
			}
			closed++
		}

		locked.PeriodStart, locked.PeriodEnd = billingdomain.AdvanceWindow(locked.PeriodStart, locked.PeriodEnd, s.length, now)
		locked.UpdatedAt = now
		if err := s.repo.UpdateSubscriptionWindow(ctx, tx, locked); err != nil {
			return err
		}

		next := s.newPeriod(locked.ID, locked.PeriodStart, locked.PeriodEnd, now)
		if err := s.repo.InsertPeriod(ctx, tx, &next); err != nil {
			return err
		}
		opened = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}

	if closed > 0 {
		observability.BillingTransitions.WithLabelValues("closed").Add(float64(closed))
	}
	if opened {
		observability.BillingTransitions.WithLabelValues("opened").Inc()
	}
	return closed, opened, nil
}

func (s *Service) derive(ctx context.Context, userID string, plan billingdomain.SubscriptionPlan, start, end time.Time) (int64, int64, error) {
	totals, err := s.usage.UserTotal(ctx, userID, usagedomain.TimeRange{Start: start, End: end})
	if err != nil {
		return 0, 0, err
	}
	return totals.Tokens, billingdomain.AmountDue(plan, totals.Tokens), nil
}

func (s *Service) newPeriod(subscriptionID snowflake.ID, start, end, now time.Time) billingdomain.BillingPeriod {
	return billingdomain.BillingPeriod{
		ID:             s.genID.Generate(),
		SubscriptionID: subscriptionID,
		PeriodStart:    start,
		PeriodEnd:      end,
		Status:         billingdomain.PeriodStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
