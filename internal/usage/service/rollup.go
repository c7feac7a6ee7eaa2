package service

import (
	"sort"

	usagedomain "github.com/railzwaylabs/tokenmeter/internal/usage/domain"
)

// tally accumulates ledger events or day counters into the sums a Rollup is
// built from. Both sources must produce identical tallies for the same data.
type tally struct {
	total    usagedomain.Totals
	features map[usagedomain.Feature]int64
	daily    map[string]int64
	users    map[string]usagedomain.Totals
	teams    map[string]usagedomain.Totals
}

func newTally() *tally {
	return &tally{
		features: make(map[usagedomain.Feature]int64),
		daily:    make(map[string]int64),
		users:    make(map[string]usagedomain.Totals),
		teams:    make(map[string]usagedomain.Totals),
	}
}

func one(tokens int64) usagedomain.Totals {
	return usagedomain.Totals{Tokens: tokens, Events: 1}
}

func (t *tally) addEvent(e usagedomain.UsageEvent) {
	t.total = t.total.Add(one(e.TokensUsed))
	t.features[e.Feature] += e.TokensUsed
	t.daily[usagedomain.DayKey(e.CreatedAt)] += e.TokensUsed
	t.users[e.UserID] = t.users[e.UserID].Add(one(e.TokensUsed))

	team := usagedomain.UnassignedTeamKey
	if e.TeamID != nil && *e.TeamID != "" {
		team = *e.TeamID
	}
	t.teams[team] = t.teams[team].Add(one(e.TokensUsed))
}

func (t *tally) addDay(dc usagedomain.DayCounters) {
	if dc.Total.Events == 0 {
		return
	}
	t.total = t.total.Add(dc.Total)
	t.daily[dc.Day] += dc.Total.Tokens
	for f, n := range dc.Features {
		t.features[f] += n
	}
	for id, v := range dc.Users {
		t.users[id] = t.users[id].Add(v)
	}
	for id, v := range dc.Teams {
		t.teams[id] = t.teams[id].Add(v)
	}
}

// rollup shapes the tally for req. Roster entries without events appear with
// zero totals; ids outside the roster land in the unlisted buckets.
func (t *tally) rollup(req usagedomain.RollupRequest, source string) *usagedomain.Rollup {
	r := &usagedomain.Rollup{
		Scope:            req.Scope,
		ScopeID:          req.OrganizationID,
		Window:           req.Window,
		Total:            t.total,
		FeatureBreakdown: t.features,
		DailyUsage:       t.daily,
		Source:           source,
	}

	var listedMembers usagedomain.Totals
	r.Members, listedMembers = breakdown(req.Members, t.users)
	r.UnlistedMembers = sub(t.total, listedMembers)

	if req.Scope == usagedomain.ScopeTeam {
		r.ScopeID = req.TeamID
		return r
	}

	var listedTeams usagedomain.Totals
	r.Teams, listedTeams = breakdown(req.Teams, t.teams)
	r.UnassignedTeam = t.teams[usagedomain.UnassignedTeamKey]
	r.UnlistedTeams = sub(sub(t.total, listedTeams), r.UnassignedTeam)
	return r
}

func breakdown(roster []string, sums map[string]usagedomain.Totals) ([]usagedomain.EntityUsage, usagedomain.Totals) {
	var listed usagedomain.Totals
	seen := make(map[string]struct{}, len(roster))
	out := make([]usagedomain.EntityUsage, 0, len(roster))

	for _, id := range roster {
		if id == "" || id == usagedomain.UnassignedTeamKey {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		v := sums[id]
		listed = listed.Add(v)
		out = append(out, usagedomain.EntityUsage{ID: id, Totals: v})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Tokens != out[j].Tokens {
			return out[i].Tokens > out[j].Tokens
		}
		return out[i].ID < out[j].ID
	})
	return out, listed
}

func sub(a, b usagedomain.Totals) usagedomain.Totals {
	return usagedomain.Totals{Tokens: a.Tokens - b.Tokens, Events: a.Events - b.Events}
}
