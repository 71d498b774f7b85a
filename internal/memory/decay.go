package memory

import (
	"math"
	"time"
)

// DecayConfig controls activation decay.
type DecayConfig struct {
	HalfLife      time.Duration // time for activation to halve (default 168h)
	MinActivation float64       // floor value, never decay below this (default 0.05)
}

// DefaultDecayConfig returns sensible defaults.
func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		HalfLife:      168 * time.Hour,
		MinActivation: 0.05,
	}
}

// DecaySweep applies exponential decay to every crystal's activation based
// on the time since it was last activated, then restarts that clock. It
// returns how many crystals changed. Callers serialise access to essence.
func DecaySweep(essence *IdentityEssence, cfg DecayConfig, now time.Time) int {
	if cfg.HalfLife <= 0 {
		cfg = DefaultDecayConfig()
	}

	updated := 0
	for _, c := range essence.Crystals {
		if c.Activation <= cfg.MinActivation {
			continue
		}
		elapsed := now.Sub(c.LastActivatedAt)
		if elapsed <= 0 {
			continue
		}
		// activation * 2^(-elapsed / half_life), floored at MinActivation
		next := c.Activation * math.Pow(0.5, float64(elapsed)/float64(cfg.HalfLife))
		if next < cfg.MinActivation {
			next = cfg.MinActivation
		}
		c.Activation = clamp(next)
		c.LastActivatedAt = now
		updated++
	}
	return updated
}
