package domain_test

import (
	"testing"
	"time"

	"github.com/railzwaylabs/tokenmeter/internal/config"
	"github.com/railzwaylabs/tokenmeter/internal/quota/domain"
	"github.com/stretchr/testify/assert"
)

func TestFromConfig(t *testing.T) {
	cfg := domain.FromConfig(config.Config{
		Quota: config.QuotaConfig{
			MediumPercent:   70,
			HighPercent:     85,
			CriticalPercent: 99,
			PollInterval:    time.Minute,
			Enforce:         true,
		},
	})

	assert.Equal(t, domain.Thresholds{Medium: 70, High: 85, Critical: 99}, cfg.Thresholds)
	assert.Equal(t, time.Minute, cfg.PollInterval)
	assert.True(t, cfg.Enforce)
}
