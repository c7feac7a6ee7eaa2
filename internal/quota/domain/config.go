package domain

import (
	"time"

	"github.com/railzwaylabs/tokenmeter/internal/config"
)

// Thresholds are the warning boundaries, in percent of the limit.
type Thresholds struct {
	Medium   float64 `json:"medium"`
	High     float64 `json:"high"`
	Critical float64 `json:"critical"`
}

var DefaultThresholds = Thresholds{Medium: 80, High: 90, Critical: 95}

type Config struct {
	Thresholds   Thresholds
	PollInterval time.Duration
	// Enforce rejects new usage events once an organization reaches 100%.
	Enforce bool
}

func FromConfig(cfg config.Config) *Config {
	return &Config{
		Thresholds: Thresholds{
			Medium:   cfg.Quota.MediumPercent,
			High:     cfg.Quota.HighPercent,
			Critical: cfg.Quota.CriticalPercent,
		},
		PollInterval: cfg.Quota.PollInterval,
		Enforce:      cfg.Quota.Enforce,
	}
}
