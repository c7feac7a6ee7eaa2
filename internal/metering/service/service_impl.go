package service

import (
	"context"

	accessdomain "github.com/railzwaylabs/tokenmeter/internal/access/domain"
	billingdomain "github.com/railzwaylabs/tokenmeter/internal/billing/domain"
	"github.com/railzwaylabs/tokenmeter/internal/clock"
	meteringdomain "github.com/railzwaylabs/tokenmeter/internal/metering/domain"
	"github.com/railzwaylabs/tokenmeter/internal/observability"
	quotadomain "github.com/railzwaylabs/tokenmeter/internal/quota/domain"
	usagedomain "github.com/railzwaylabs/tokenmeter/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type ServiceParam struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	Access  accessdomain.Service
	Usage   usagedomain.Service
	Quota   quotadomain.Service
	Billing billingdomain.Service
}

type Service struct {
	log     *zap.Logger
	clock   clock.Clock
	access  accessdomain.Service
	usage   usagedomain.Service
	quota   quotadomain.Service
	billing billingdomain.Service
}

func NewService(p ServiceParam) meteringdomain.Service {
	return &Service{
		log:     p.Log.Named("metering.service"),
		clock:   p.Clock,
		access:  p.Access,
		usage:   p.Usage,
		quota:   p.Quota,
		billing: p.Billing,
	}
}

// OrganizationReport is the current-month usage of the caller's organization.
// Only organization admins may read it.
func (s *Service) OrganizationReport(ctx context.Context, userID, organizationID string) (*meteringdomain.OrganizationReport, error) {
	resolved, err := s.access.ResolveOrganization(ctx, userID, organizationID)
	if err != nil {
		return nil, err
	}
	grant, err := s.access.AuthorizeOrganization(ctx, userID, resolved.Organization.ID)
	if err != nil {
		return nil, err
	}
	orgID := grant.Organization.ID

	var (
		members []accessdomain.Member
		teams   []accessdomain.Team
		plan    orgPlan
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		members, err = s.access.OrganizationMembers(gctx, orgID)
		return err
	})
	g.Go(func() (err error) {
		teams, err = s.access.Teams(gctx, orgID)
		return err
	})
	g.Go(func() (err error) {
		plan, err = s.planLimit(gctx, orgID, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		s.log.Error("failed to load organization report inputs", zap.String("organization_id", orgID), zap.Error(err))
		return nil, err
	}

	window := usagedomain.CurrentMonth(s.clock.Now(ctx))
	rollup, err := s.usage.Rollup(ctx, usagedomain.RollupRequest{
		Scope:          usagedomain.ScopeOrganization,
		OrganizationID: orgID,
		Window:         window,
		Members:        memberIDs(members),
		Teams:          teamIDs(teams),
	})
	if err != nil {
		return nil, err
	}

	status, err := s.quota.Status(ctx, quotadomain.Target{
		Scope:       quotadomain.ScopeOrganization,
		ScopeID:     orgID,
		TotalTokens: rollup.Total.Tokens,
		PlanLimit:   plan.Limit,
	})
	if err != nil {
		return nil, err
	}

	usage := buildUsage(rollup, members, true)
	usage.Teams = teamUsage(rollup.Teams, teams)
	if rollup.UnassignedTeam.Events > 0 {
		unassigned := rollup.UnassignedTeam
		usage.UnassignedTeam = &unassigned
	}

	return &meteringdomain.OrganizationReport{
		Organization: meteringdomain.OrganizationRef{ID: orgID, Name: grant.Organization.Name},
		Usage:        usage,
		Quotas:       status.Quotas,
		QuotaStatus:  quotaStatus(status, plan),
	}, nil
}

// TeamReport is the current-month usage of one team.
func (s *Service) TeamReport(ctx context.Context, userID, teamID string) (*meteringdomain.TeamReport, error) {
	grant, err := s.access.AuthorizeTeam(ctx, userID, teamID)
	if err != nil {
		return nil, err
	}
	team := grant.Team

	var (
		members []accessdomain.Member
		plan    orgPlan
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		members, err = s.access.TeamMembers(gctx, team.ID)
		return err
	})
	g.Go(func() (err error) {
		plan, err = s.planLimit(gctx, team.OrganizationID, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		s.log.Error("failed to load team report inputs", zap.String("team_id", team.ID), zap.Error(err))
		return nil, err
	}

	rollup, err := s.usage.Rollup(ctx, usagedomain.RollupRequest{
		Scope:          usagedomain.ScopeTeam,
		OrganizationID: team.OrganizationID,
		TeamID:         team.ID,
		Window:         usagedomain.CurrentMonth(s.clock.Now(ctx)),
		Members:        memberIDs(members),
	})
	if err != nil {
		return nil, err
	}

	status, err := s.quota.Status(ctx, quotadomain.Target{
		Scope:          quotadomain.ScopeTeam,
		ScopeID:        team.ID,
		OrganizationID: team.OrganizationID,
		TotalTokens:    rollup.Total.Tokens,
		PlanLimit:      plan.Limit,
	})
	if err != nil {
		return nil, err
	}

	return &meteringdomain.TeamReport{
		Team:        meteringdomain.TeamRef{ID: team.ID, Name: team.Name, OrganizationID: team.OrganizationID},
		Usage:       buildUsage(rollup, members, false),
		Quotas:      status.Quotas,
		QuotaStatus: quotaStatus(status, plan),
		UserRole:    string(grant.TeamRole),
	}, nil
}

// QuotaStatus evaluates the organization's current-month total against its
// limit. Any member may read it.
func (s *Service) QuotaStatus(ctx context.Context, userID, organizationID string) (*meteringdomain.QuotaStatusReport, error) {
	grant, err := s.access.ResolveOrganization(ctx, userID, organizationID)
	if err != nil {
		return nil, err
	}
	if err := s.require(grant, accessdomain.ResourceQuotaStatus, accessdomain.ActionRead); err != nil {
		return nil, err
	}
	orgID := grant.Organization.ID

	window := usagedomain.CurrentMonth(s.clock.Now(ctx))
	target, plan, err := s.organizationTarget(ctx, userID, orgID, window)
	if err != nil {
		return nil, err
	}
	status, err := s.quota.Status(ctx, target)
	if err != nil {
		return nil, err
	}

	return &meteringdomain.QuotaStatusReport{
		Organization: meteringdomain.OrganizationRef{ID: orgID, Name: grant.Organization.Name},
		Window:       window,
		QuotaStatus:  quotaStatus(status, plan),
	}, nil
}

// Record stores a usage event for the caller in one of their organizations.
func (s *Service) Record(ctx context.Context, userID string, req meteringdomain.RecordRequest) (*usagedomain.UsageEvent, error) {
	grant, err := s.access.ResolveOrganization(ctx, userID, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	if err := s.require(grant, accessdomain.ResourceUsageEvents, accessdomain.ActionWrite); err != nil {
		return nil, err
	}
	orgID := grant.Organization.ID

	if req.TeamID != nil && *req.TeamID != "" {
		team, err := s.access.FindTeam(ctx, *req.TeamID)
		if err != nil {
			return nil, err
		}
		if team.OrganizationID != orgID {
			return nil, usagedomain.ErrInvalidTeam
		}
	}

	// A replayed key returns the stored event even when the quota has
	// since been exhausted.
	if req.IdempotencyKey != "" {
		existing, err := s.usage.Lookup(ctx, orgID, req.IdempotencyKey)
		if err != nil || existing != nil {
			return existing, err
		}
	}

	target, _, err := s.organizationTarget(ctx, userID, orgID, usagedomain.CurrentMonth(s.clock.Now(ctx)))
	if err != nil {
		return nil, err
	}
	if err := s.quota.CheckConsumption(ctx, target); err != nil {
		return nil, err
	}

	return s.usage.Record(ctx, usagedomain.RecordRequest{
		UserID:         userID,
		OrganizationID: orgID,
		TeamID:         req.TeamID,
		Feature:        req.Feature,
		TokensUsed:     req.TokensUsed,
		Metadata:       req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
	})
}

// require checks the caller's organization role against the policy.
func (s *Service) require(grant *accessdomain.OrgGrant, resource, action string) error {
	ok, err := s.access.Allowed("org:"+string(grant.Role), resource, action)
	if err != nil {
		return err
	}
	if !ok {
		observability.AccessDenials.WithLabelValues(resource, "insufficient_role").Inc()
		s.log.Info("access denied",
			zap.String("organization_id", grant.Organization.ID),
			zap.String("role", string(grant.Role)),
			zap.String("resource", resource),
			zap.String("action", action),
		)
		return accessdomain.ErrInsufficientRole
	}
	return nil
}

// orgPlan is the subscription limit bounding an organization and the user
// whose plan supplied it.
type orgPlan struct {
	Limit    int64
	HolderID string
}

// planLimit resolves the organization's limit from its plan holder, so every
// viewer sees the same status. Organizations without an admin fall back to
// the caller's plan.
func (s *Service) planLimit(ctx context.Context, orgID, callerID string) (orgPlan, error) {
	holder, err := s.access.PlanHolder(ctx, orgID)
	if err != nil {
		return orgPlan{}, err
	}
	if holder == "" {
		holder = callerID
	}
	limit, err := s.billing.PlanLimit(ctx, holder)
	if err != nil {
		return orgPlan{}, err
	}
	return orgPlan{Limit: limit, HolderID: holder}, nil
}

func (s *Service) organizationTarget(ctx context.Context, userID, orgID string, window usagedomain.TimeRange) (quotadomain.Target, orgPlan, error) {
	var (
		totals usagedomain.Totals
		plan   orgPlan
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		totals, err = s.usage.Total(gctx, usagedomain.ScopeFilter{OrganizationID: orgID}, window)
		return err
	})
	g.Go(func() (err error) {
		plan, err = s.planLimit(gctx, orgID, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return quotadomain.Target{}, orgPlan{}, err
	}
	return quotadomain.Target{
		Scope:       quotadomain.ScopeOrganization,
		ScopeID:     orgID,
		TotalTokens: totals.Tokens,
		PlanLimit:   plan.Limit,
	}, plan, nil
}

func buildUsage(r *usagedomain.Rollup, members []accessdomain.Member, orgRoles bool) meteringdomain.Usage {
	usage := meteringdomain.Usage{
		CurrentMonth: meteringdomain.CurrentMonth{
			TotalTokens: r.Total.Tokens,
			TotalEvents: r.Total.Events,
			PeriodStart: r.Window.Start,
			PeriodEnd:   r.Window.End,
		},
		FeatureBreakdown: r.FeatureBreakdown,
		DailyUsage:       r.DailyUsage,
		Members:          make([]meteringdomain.MemberUsage, 0, len(r.Members)),
	}

	byID := make(map[string]accessdomain.Member, len(members))
	for _, m := range members {
		byID[m.UserID] = m
	}
	for _, row := range r.Members {
		m := byID[row.ID]
		mu := meteringdomain.MemberUsage{
			UserID:      row.ID,
			FullName:    m.FullName,
			TokensUsed:  row.Tokens,
			EventsCount: row.Events,
		}
		if orgRoles {
			mu.OrgRole = m.Role
		} else {
			mu.TeamRole = m.Role
		}
		usage.Members = append(usage.Members, mu)
	}

	if r.UnlistedMembers.Events > 0 {
		unlisted := r.UnlistedMembers
		usage.Unlisted = &unlisted
	}
	return usage
}

func teamUsage(rows []usagedomain.EntityUsage, teams []accessdomain.Team) []meteringdomain.TeamUsage {
	names := make(map[string]string, len(teams))
	for _, t := range teams {
		names[t.ID] = t.Name
	}
	out := make([]meteringdomain.TeamUsage, 0, len(rows))
	for _, row := range rows {
		out = append(out, meteringdomain.TeamUsage{
			TeamID:      row.ID,
			TeamName:    names[row.ID],
			TokensUsed:  row.Tokens,
			EventsCount: row.Events,
		})
	}
	return out
}

func quotaStatus(st *quotadomain.Status, plan orgPlan) meteringdomain.QuotaStatus {
	return meteringdomain.QuotaStatus{
		Evaluation:          st.Evaluation,
		Thresholds:          st.Thresholds,
		PollIntervalSeconds: st.PollIntervalSeconds,
		PlanHolderID:        plan.HolderID,
	}
}

func memberIDs(members []accessdomain.Member) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	return ids
}

func teamIDs(teams []accessdomain.Team) []string {
	ids := make([]string, 0, len(teams))
	for _, t := range teams {
		ids = append(ids, t.ID)
	}
	return ids
}
