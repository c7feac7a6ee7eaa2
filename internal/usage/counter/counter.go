// Package counter keeps per-day usage counters in redis so whole-day rollups
// can skip the ledger scan.
//
// Each (scope, scope id, day) is one hash:
//
//	usage:counter:{scope}:{id}:{YYYY-MM-DD}
//
// with fields tokens, events, f:{feature}, u:{user}, ue:{user}, t:{team} and
// te:{team}. A per-scope warm marker records the first day whose counters are
// complete; rollups starting before it fall back to the ledger.
package counter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/railzwaylabs/tokenmeter/internal/config"
	usagedomain "github.com/railzwaylabs/tokenmeter/internal/usage/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyPrefix = "usage:counter"

const (
	fieldTokens      = "tokens"
	fieldEvents      = "events"
	prefixFeature    = "f:"
	prefixUserTokens = "u:"
	prefixUserEvents = "ue:"
	prefixTeamTokens = "t:"
	prefixTeamEvents = "te:"
)

type Params struct {
	fx.In

	Redis *redis.Client
	Cfg   config.Config
	Log   *zap.Logger
}

// Provide returns the redis counter store, or nil when counters are disabled.
func Provide(p Params) usagedomain.CounterStore {
	if !p.Cfg.Usage.CountersEnabled {
		p.Log.Named("usage.counter").Info("usage counters disabled, rollups scan the ledger")
		return nil
	}
	return NewStore(p.Redis, p.Cfg.Usage.CounterTTL)
}

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// Apply adds one event to the organization counters and, when the event has
// a team, to the team counters.
func (s *Store) Apply(ctx context.Context, event usagedomain.UsageEvent) error {
	day := usagedomain.DayKey(event.CreatedAt)
	// Counters are complete starting the day after the first applied event.
	warmFrom := usagedomain.StartOfDay(event.CreatedAt).AddDate(0, 0, 1).Format(time.DateOnly)

	teamKey := usagedomain.UnassignedTeamKey
	if event.TeamID != nil && *event.TeamID != "" {
		teamKey = *event.TeamID
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.incr(ctx, pipe, dayKey(usagedomain.ScopeOrganization, event.OrganizationID, day), event, teamKey)
		pipe.SetNX(ctx, warmKey(usagedomain.ScopeOrganization, event.OrganizationID), warmFrom, 0)

		if teamKey != usagedomain.UnassignedTeamKey {
			s.incr(ctx, pipe, dayKey(usagedomain.ScopeTeam, teamKey, day), event, teamKey)
			pipe.SetNX(ctx, warmKey(usagedomain.ScopeTeam, teamKey), warmFrom, 0)
		}
		return nil
	})
	return err
}

func (s *Store) incr(ctx context.Context, pipe redis.Pipeliner, key string, event usagedomain.UsageEvent, teamKey string) {
	pipe.HIncrBy(ctx, key, fieldTokens, event.TokensUsed)
	pipe.HIncrBy(ctx, key, fieldEvents, 1)
	pipe.HIncrBy(ctx, key, prefixFeature+string(event.Feature), event.TokensUsed)
	pipe.HIncrBy(ctx, key, prefixUserTokens+event.UserID, event.TokensUsed)
	pipe.HIncrBy(ctx, key, prefixUserEvents+event.UserID, 1)
	pipe.HIncrBy(ctx, key, prefixTeamTokens+teamKey, event.TokensUsed)
	pipe.HIncrBy(ctx, key, prefixTeamEvents+teamKey, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
}

// Covers reports whether the counters can answer window exactly: the window
// must be whole UTC days, start on or after the warm marker and still be
// inside the counter retention.
func (s *Store) Covers(ctx context.Context, scope usagedomain.Scope, scopeID string, window usagedomain.TimeRange, now time.Time) (bool, error) {
	if scope != usagedomain.ScopeOrganization && scope != usagedomain.ScopeTeam {
		return false, nil
	}
	if !window.DayAligned() {
		return false, nil
	}
	if s.ttl > 0 && window.Start.Before(now.Add(-s.ttl)) {
		return false, nil
	}

	marker, err := s.rdb.Get(ctx, warmKey(scope, scopeID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	warmFrom, err := usagedomain.ParseDayKey(marker)
	if err != nil {
		return false, fmt.Errorf("parse warm marker %q: %w", marker, err)
	}
	return !window.Start.Before(warmFrom), nil
}

// Read returns the counters for every day of window that has any events.
func (s *Store) Read(ctx context.Context, scope usagedomain.Scope, scopeID string, window usagedomain.TimeRange) ([]usagedomain.DayCounters, error) {
	days := window.Days()
	cmds := make([]*redis.MapStringStringCmd, len(days))

	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, day := range days {
			cmds[i] = pipe.HGetAll(ctx, dayKey(scope, scopeID, day))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]usagedomain.DayCounters, 0, len(days))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		dc, err := decodeDay(days[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, dc)
	}
	return out, nil
}

// Invalidate drops the warm marker so later reads fall back to the ledger
// until counters are complete again.
func (s *Store) Invalidate(ctx context.Context, scope usagedomain.Scope, scopeID string) error {
	return s.rdb.Del(ctx, warmKey(scope, scopeID)).Err()
}

func decodeDay(day string, fields map[string]string) (usagedomain.DayCounters, error) {
	dc := usagedomain.DayCounters{
		Day:      day,
		Features: make(map[usagedomain.Feature]int64),
		Users:    make(map[string]usagedomain.Totals),
		Teams:    make(map[string]usagedomain.Totals),
	}

	for field, raw := range fields {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return dc, fmt.Errorf("counter %s field %s: %w", day, field, err)
		}

		switch {
		case field == fieldTokens:
			dc.Total.Tokens = n
		case field == fieldEvents:
			dc.Total.Events = n
		case strings.HasPrefix(field, prefixFeature):
			dc.Features[usagedomain.Feature(strings.TrimPrefix(field, prefixFeature))] = n
		case strings.HasPrefix(field, prefixUserEvents):
			id := strings.TrimPrefix(field, prefixUserEvents)
			t := dc.Users[id]
			t.Events = n
			dc.Users[id] = t
		case strings.HasPrefix(field, prefixUserTokens):
			id := strings.TrimPrefix(field, prefixUserTokens)
			t := dc.Users[id]
			t.Tokens = n
			dc.Users[id] = t
		case strings.HasPrefix(field, prefixTeamEvents):
			id := strings.TrimPrefix(field, prefixTeamEvents)
			t := dc.Teams[id]
			t.Events = n
			dc.Teams[id] = t
		case strings.HasPrefix(field, prefixTeamTokens):
			id := strings.TrimPrefix(field, prefixTeamTokens)
			t := dc.Teams[id]
			t.Tokens = n
			dc.Teams[id] = t
		}
	}
	return dc, nil
}

func dayKey(scope usagedomain.Scope, id, day string) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, scope, id, day)
}

func warmKey(scope usagedomain.Scope, id string) string {
	return fmt.Sprintf("%s:warm:%s:%s", keyPrefix, scope, id)
}
