package domain

// Unlimited marks a limit with no ceiling. Any negative limit is unlimited.
const Unlimited int64 = -1

type WarningLevel string

const (
	WarningNone     WarningLevel = "none"
	WarningMedium   WarningLevel = "medium"
	WarningHigh     WarningLevel = "high"
	WarningCritical WarningLevel = "critical"
)

func (l WarningLevel) rank() int {
	switch l {
	case WarningMedium:
		return 1
	case WarningHigh:
		return 2
	case WarningCritical:
		return 3
	default:
		return 0
	}
}

// Exceeds reports whether l is a strictly higher warning than o.
func (l WarningLevel) Exceeds(o WarningLevel) bool {
	return l.rank() > o.rank()
}

type Evaluation struct {
	TotalTokens  int64        `json:"total_tokens"`
	Limit        int64        `json:"limit"`
	Percentage   float64      `json:"percentage"`
	IsUnlimited  bool         `json:"is_unlimited"`
	WarningLevel WarningLevel `json:"warning_level"`
	// Remaining is nil when the limit is unlimited.
	Remaining *int64 `json:"remaining"`
}

// Exhausted reports whether the limit has been reached.
func (e Evaluation) Exhausted() bool {
	return !e.IsUnlimited && e.TotalTokens >= e.Limit
}

// Evaluate maps a token total and a limit to a percentage and warning level.
// The percentage is not capped at 100. A zero limit reads as 0% with no
// usage and as 100% critical otherwise.
func Evaluate(total, limit int64, th Thresholds) Evaluation {
	if total < 0 {
		total = 0
	}
	if limit < 0 {
		return Evaluation{
			TotalTokens:  total,
			Limit:        Unlimited,
			IsUnlimited:  true,
			WarningLevel: WarningNone,
		}
	}

	remaining := limit - total
	if remaining < 0 {
		remaining = 0
	}
	eval := Evaluation{
		TotalTokens: total,
		Limit:       limit,
		Remaining:   &remaining,
	}

	switch {
	case limit == 0 && total == 0:
		eval.Percentage = 0
		eval.WarningLevel = WarningNone
		return eval
	case limit == 0:
		eval.Percentage = 100
		eval.WarningLevel = WarningCritical
		return eval
	}

	eval.Percentage = float64(total) * 100 / float64(limit)
	eval.WarningLevel = th.Level(eval.Percentage)
	return eval
}

// Level returns the highest warning whose threshold percentage reaches.
func (th Thresholds) Level(percentage float64) WarningLevel {
	switch {
	case percentage >= th.Critical:
		return WarningCritical
	case percentage >= th.High:
		return WarningHigh
	case percentage >= th.Medium:
		return WarningMedium
	default:
		return WarningNone
	}
}
