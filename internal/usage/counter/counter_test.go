package counter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	usagedomain "github.com/railzwaylabs/tokenmeter/internal/usage/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	orgID  = "6f1c6f5e-3a4b-4a55-9d0e-8f1a2b3c4d5e"
	teamID = "0b7e2d1c-1111-4c2a-8a3b-1d2e3f4a5b6c"
	userA  = "a1a1a1a1-0000-4000-8000-000000000001"
	userB  = "b2b2b2b2-0000-4000-8000-000000000002"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, 100*24*time.Hour), mr
}

func event(user string, team *string, feature usagedomain.Feature, tokens int64, at time.Time) usagedomain.UsageEvent {
	return usagedomain.UsageEvent{
		UserID:         user,
		OrganizationID: orgID,
		TeamID:         team,
		Feature:        feature,
		TokensUsed:     tokens,
		CreatedAt:      at,
	}
}

func TestApplyAndRead(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	team := teamID

	day1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 5, 2, 0, 0, 1, 0, time.UTC)

	require.NoError(t, store.Apply(ctx, event(userA, &team, usagedomain.FeatureAssist, 100, day1)))
	require.NoError(t, store.Apply(ctx, event(userB, nil, usagedomain.FeatureRefine, 40, day1)))
	require.NoError(t, store.Apply(ctx, event(userA, &team, usagedomain.FeatureAssist, 7, day2)))

	window := usagedomain.TimeRange{
		Start: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 5, 4, 0, 0, 0, 0, time.UTC),
	}
	days, err := store.Read(ctx, usagedomain.ScopeOrganization, orgID, window)
	require.NoError(t, err)
	require.Len(t, days, 2)

	first := days[0]
	assert.Equal(t, "2024-05-01", first.Day)
	assert.Equal(t, usagedomain.Totals{Tokens: 140, Events: 2}, first.Total)
	assert.Equal(t, int64(100), first.Features[usagedomain.FeatureAssist])
	assert.Equal(t, int64(40), first.Features[usagedomain.FeatureRefine])
	assert.Equal(t, usagedomain.Totals{Tokens: 100, Events: 1}, first.Users[userA])
	assert.Equal(t, usagedomain.Totals{Tokens: 40, Events: 1}, first.Teams[usagedomain.UnassignedTeamKey])
	assert.Equal(t, usagedomain.Totals{Tokens: 100, Events: 1}, first.Teams[teamID])

	assert.Equal(t, "2024-05-02", days[1].Day)
	assert.Equal(t, usagedomain.Totals{Tokens: 7, Events: 1}, days[1].Total)

	teamDays, err := store.Read(ctx, usagedomain.ScopeTeam, teamID, window)
	require.NoError(t, err)
	require.Len(t, teamDays, 2)
	assert.Equal(t, usagedomain.Totals{Tokens: 100, Events: 1}, teamDays[0].Total)
}

func TestCovers(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	first := time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC)
	now := time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)

	june := usagedomain.CurrentMonth(now)
	covered, err := store.Covers(ctx, usagedomain.ScopeOrganization, orgID, june, now)
	require.NoError(t, err)
	assert.False(t, covered, "cold scope")

	require.NoError(t, store.Apply(ctx, event(userA, nil, usagedomain.FeatureAssist, 1, first)))

	covered, err = store.Covers(ctx, usagedomain.ScopeOrganization, orgID, june, now)
	require.NoError(t, err)
	assert.True(t, covered)

	may := usagedomain.CurrentMonth(first)
	covered, err = store.Covers(ctx, usagedomain.ScopeOrganization, orgID, may, now)
	require.NoError(t, err)
	assert.False(t, covered, "window starts before counters were complete")

	partial := usagedomain.TimeRange{Start: june.Start, End: now}
	covered, err = store.Covers(ctx, usagedomain.ScopeOrganization, orgID, partial, now)
	require.NoError(t, err)
	assert.False(t, covered, "window is not whole days")

	covered, err = store.Covers(ctx, usagedomain.ScopeUser, userA, june, now)
	require.NoError(t, err)
	assert.False(t, covered)
}

func TestCoversRespectsRetention(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	first := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Apply(ctx, event(userA, nil, usagedomain.FeatureAssist, 1, first)))

	now := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	feb := usagedomain.CurrentMonth(time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC))

	covered, err := store.Covers(ctx, usagedomain.ScopeOrganization, orgID, feb, now)
	require.NoError(t, err)
	assert.False(t, covered)
}

func TestInvalidateDropsWarmMarker(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	first := time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Apply(ctx, event(userA, nil, usagedomain.FeatureAssist, 1, first)))
	assert.True(t, mr.Exists(warmKey(usagedomain.ScopeOrganization, orgID)))

	require.NoError(t, store.Invalidate(ctx, usagedomain.ScopeOrganization, orgID))
	assert.False(t, mr.Exists(warmKey(usagedomain.ScopeOrganization, orgID)))

	now := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	covered, err := store.Covers(ctx, usagedomain.ScopeOrganization, orgID, usagedomain.CurrentMonth(now), now)
	require.NoError(t, err)
	assert.False(t, covered)
}

func TestApplyFailsWhenRedisIsDown(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	err := store.Apply(context.Background(), event(userA, nil, usagedomain.FeatureAssist, 1, time.Now().UTC()))
	assert.Error(t, err)
}
