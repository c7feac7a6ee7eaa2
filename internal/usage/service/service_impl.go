package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/railzwaylabs/tokenmeter/internal/clock"
	"github.com/railzwaylabs/tokenmeter/internal/observability"
	usagedomain "github.com/railzwaylabs/tokenmeter/internal/usage/domain"
	pkgdb "github.com/railzwaylabs/tokenmeter/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	sourceLedger   = "ledger"
	sourceCounters = "counters"
)

type ServiceParam struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	GenID    *snowflake.Node
	Ledger   usagedomain.Ledger
	Counters usagedomain.CounterStore `optional:"true"`
}

type Service struct {
	log      *zap.Logger
	clock    clock.Clock
	genID    *snowflake.Node
	ledger   usagedomain.Ledger
	counters usagedomain.CounterStore
	validate *validator.Validate
	tracer   trace.Tracer
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		log:      p.Log.Named("usage.service"),
		clock:    p.Clock,
		genID:    p.GenID,
		ledger:   p.Ledger,
		counters: p.Counters,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		tracer:   observability.Tracer("usage"),
	}
}

func (s *Service) Rollup(ctx context.Context, req usagedomain.RollupRequest) (*usagedomain.Rollup, error) {
	scopeID, err := validateRollup(req)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "usage.Rollup", trace.WithAttributes(
		attribute.String("usage.scope", string(req.Scope)),
		attribute.String("usage.scope_id", scopeID),
	))
	defer span.End()

	if rollup, ok := s.rollupFromCounters(ctx, req, scopeID); ok {
		span.SetAttributes(attribute.String("usage.source", sourceCounters))
		observability.RollupsTotal.WithLabelValues(string(req.Scope), sourceCounters).Inc()
		return rollup, nil
	}

	events, err := s.ledger.Query(ctx, scopeFilter(req), req.Window)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger query failed")
		s.log.Error("failed to query usage ledger",
			zap.String("scope", string(req.Scope)),
			zap.String("scope_id", scopeID),
			zap.Error(err),
		)
		return nil, &usagedomain.StoreError{Op: "query", Err: err}
	}

	t := newTally()
	for _, e := range events {
		t.addEvent(e)
	}

	span.SetAttributes(
		attribute.String("usage.source", sourceLedger),
		attribute.Int("usage.events", len(events)),
	)
	observability.LedgerEventsScanned.Observe(float64(len(events)))
	observability.RollupsTotal.WithLabelValues(string(req.Scope), sourceLedger).Inc()
	return t.rollup(req, sourceLedger), nil
}

// rollupFromCounters answers from the day counters when they are warm for
// the whole window and agree with the ledger totals. Any counter error or
// disagreement falls back to the ledger.
func (s *Service) rollupFromCounters(ctx context.Context, req usagedomain.RollupRequest, scopeID string) (*usagedomain.Rollup, bool) {
	if s.counters == nil {
		return nil, false
	}

	covered, err := s.counters.Covers(ctx, req.Scope, scopeID, req.Window, s.clock.Now(ctx))
	if err != nil {
		s.log.Warn("usage counters unavailable, scanning ledger", zap.String("scope_id", scopeID), zap.Error(err))
		return nil, false
	}
	if !covered {
		return nil, false
	}

	days, err := s.counters.Read(ctx, req.Scope, scopeID, req.Window)
	if err != nil {
		s.log.Warn("failed to read usage counters, scanning ledger", zap.String("scope_id", scopeID), zap.Error(err))
		return nil, false
	}

	t := newTally()
	for _, dc := range days {
		t.addDay(dc)
	}

	// Counters miss events whose Apply and Invalidate both failed, so they are
	// only trusted when the ledger aggregate agrees.
	want, err := s.ledger.Sum(ctx, scopeFilter(req), req.Window)
	if err != nil {
		s.log.Warn("failed to reconcile usage counters, scanning ledger", zap.String("scope_id", scopeID), zap.Error(err))
		return nil, false
	}
	if want != t.total {
		s.log.Warn("usage counters drifted from ledger, invalidating",
			zap.String("scope", string(req.Scope)),
			zap.String("scope_id", scopeID),
			zap.Int64("counter_tokens", t.total.Tokens),
			zap.Int64("ledger_tokens", want.Tokens),
			zap.Int64("counter_events", t.total.Events),
			zap.Int64("ledger_events", want.Events),
		)
		observability.CounterDrift.WithLabelValues(string(req.Scope)).Inc()
		if err := s.counters.Invalidate(ctx, req.Scope, scopeID); err != nil {
			s.log.Warn("failed to invalidate drifted counters", zap.String("scope_id", scopeID), zap.Error(err))
		}
		return nil, false
	}
	return t.rollup(req, sourceCounters), true
}

func scopeFilter(req usagedomain.RollupRequest) usagedomain.ScopeFilter {
	filter := usagedomain.ScopeFilter{OrganizationID: req.OrganizationID}
	if req.Scope == usagedomain.ScopeTeam {
		filter.TeamID = req.TeamID
	}
	return filter
}

func (s *Service) Total(ctx context.Context, filter usagedomain.ScopeFilter, window usagedomain.TimeRange) (usagedomain.Totals, error) {
	if !isUUID(filter.OrganizationID) {
		return usagedomain.Totals{}, usagedomain.ErrInvalidOrganization
	}
	if filter.TeamID != "" && !isUUID(filter.TeamID) {
		return usagedomain.Totals{}, usagedomain.ErrInvalidTeam
	}
	if err := window.Validate(); err != nil {
		return usagedomain.Totals{}, err
	}

	totals, err := s.ledger.Sum(ctx, filter, window)
	if err != nil {
		s.log.Error("failed to sum usage ledger", zap.String("organization_id", filter.OrganizationID), zap.Error(err))
		return usagedomain.Totals{}, &usagedomain.StoreError{Op: "sum", Err: err}
	}
	return totals, nil
}

func (s *Service) UserTotal(ctx context.Context, userID string, window usagedomain.TimeRange) (usagedomain.Totals, error) {
	if !isUUID(userID) {
		return usagedomain.Totals{}, usagedomain.ErrInvalidUser
	}
	if err := window.Validate(); err != nil {
		return usagedomain.Totals{}, err
	}

	totals, err := s.ledger.SumByUser(ctx, userID, window)
	if err != nil {
		s.log.Error("failed to sum user usage", zap.String("user_id", userID), zap.Error(err))
		return usagedomain.Totals{}, &usagedomain.StoreError{Op: "sum_by_user", Err: err}
	}
	return totals, nil
}

func (s *Service) Record(ctx context.Context, req usagedomain.RecordRequest) (*usagedomain.UsageEvent, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, mapValidationError(err)
	}

	event := &usagedomain.UsageEvent{
		ID:             s.genID.Generate(),
		UserID:         req.UserID,
		OrganizationID: req.OrganizationID,
		TeamID:         req.TeamID,
		Feature:        req.Feature,
		TokensUsed:     req.TokensUsed,
		CreatedAt:      s.clock.Now(ctx).UTC().Truncate(time.Microsecond),
	}
	if len(req.Metadata) > 0 {
		event.Metadata = datatypes.JSONMap(req.Metadata)
	}
	if req.IdempotencyKey != "" {
		existing, err := s.Lookup(ctx, req.OrganizationID, req.IdempotencyKey)
		if err != nil || existing != nil {
			return existing, err
		}
		key := req.IdempotencyKey
		event.IdempotencyKey = &key
	}

	if err := s.ledger.Insert(ctx, event); err != nil {
		if event.IdempotencyKey != nil && pkgdb.IsUniqueViolation(err) {
			winner, findErr := s.Lookup(ctx, req.OrganizationID, req.IdempotencyKey)
			if findErr == nil && winner != nil {
				return winner, nil
			}
		}
		s.log.Error("failed to insert usage event",
			zap.String("organization_id", event.OrganizationID),
			zap.String("user_id", event.UserID),
			zap.Error(err),
		)
		return nil, &usagedomain.StoreError{Op: "insert", Err: err}
	}
	observability.TokensRecorded.WithLabelValues(string(event.Feature)).Add(float64(event.TokensUsed))

	s.applyCounters(ctx, *event)
	return event, nil
}

func (s *Service) Lookup(ctx context.Context, organizationID, idempotencyKey string) (*usagedomain.UsageEvent, error) {
	event, err := s.ledger.FindByIdempotencyKey(ctx, organizationID, idempotencyKey)
	if err != nil {
		s.log.Error("failed to look up usage event by idempotency key",
			zap.String("organization_id", organizationID),
			zap.Error(err),
		)
		return nil, &usagedomain.StoreError{Op: "lookup", Err: err}
	}
	return event, nil
}

// applyCounters bumps the day counters after the ledger write. On failure the
// affected scopes are invalidated so reads fall back to the ledger.
func (s *Service) applyCounters(ctx context.Context, event usagedomain.UsageEvent) {
	if s.counters == nil {
		return
	}
	err := s.counters.Apply(ctx, event)
	if err == nil {
		return
	}

	s.log.Warn("failed to update usage counters, invalidating",
		zap.String("organization_id", event.OrganizationID),
		zap.Error(err),
	)
	if err := s.counters.Invalidate(ctx, usagedomain.ScopeOrganization, event.OrganizationID); err != nil {
		s.log.Error("failed to invalidate organization counters; reads reconcile against the ledger",
			zap.String("organization_id", event.OrganizationID),
			zap.Error(err),
		)
	}
	if event.TeamID != nil && *event.TeamID != "" {
		if err := s.counters.Invalidate(ctx, usagedomain.ScopeTeam, *event.TeamID); err != nil {
			s.log.Error("failed to invalidate team counters",
				zap.String("team_id", *event.TeamID),
				zap.Error(err),
			)
		}
	}
}

func validateRollup(req usagedomain.RollupRequest) (string, error) {
	if !isUUID(req.OrganizationID) {
		return "", usagedomain.ErrInvalidOrganization
	}
	scopeID := req.OrganizationID
	switch req.Scope {
	case usagedomain.ScopeOrganization:
	case usagedomain.ScopeTeam:
		if !isUUID(req.TeamID) {
			return "", usagedomain.ErrInvalidTeam
		}
		scopeID = req.TeamID
	default:
		return "", usagedomain.ErrInvalidScope
	}
	if err := req.Window.Validate(); err != nil {
		return "", err
	}
	return scopeID, nil
}

func mapValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	switch verrs[0].Field() {
	case "UserID":
		return usagedomain.ErrInvalidUser
	case "OrganizationID":
		return usagedomain.ErrInvalidOrganization
	case "TeamID":
		return usagedomain.ErrInvalidTeam
	case "Feature":
		return usagedomain.ErrInvalidFeature
	case "TokensUsed":
		return usagedomain.ErrInvalidTokens
	case "IdempotencyKey":
		return usagedomain.ErrInvalidIdempotency
	default:
		return err
	}
}

func isUUID(s string) bool {
	if s == "" {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
