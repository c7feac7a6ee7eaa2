package domain

import "time"

// WarningSession is client-held dismissal state for quota warnings. The
// server never stores it; callers pass it in and persist the result.
type WarningSession struct {
	LastPercentageSeen float64   `json:"last_percentage_seen"`
	DismissedUntil     time.Time `json:"dismissed_until"`
}

// ShouldDisplay reports whether a warning for eval should be shown. A
// dismissed warning stays hidden until DismissedUntil unless usage has
// crossed into a higher level since it was dismissed.
func (s WarningSession) ShouldDisplay(eval Evaluation, th Thresholds, now time.Time) bool {
	if eval.WarningLevel == WarningNone {
		return false
	}
	if !now.Before(s.DismissedUntil) {
		return true
	}
	return eval.WarningLevel.Exceeds(th.Level(s.LastPercentageSeen))
}

// Dismiss hides the current warning for d.
func (s WarningSession) Dismiss(eval Evaluation, now time.Time, d time.Duration) WarningSession {
	return WarningSession{
		LastPercentageSeen: eval.Percentage,
		DismissedUntil:     now.Add(d),
	}
}
