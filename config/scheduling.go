package config

import (
	"fmt"
	"strings"
	"time"
)

// SchedulingConfig tunes the conflict policy, feed recovery and timeline
// rendering.
type SchedulingConfig struct {
	// MinGapMinutes is the required buffer between consecutive jobs of one
	// worker. Zero keeps plain half-open semantics: touching endpoints are
	// allowed.
	MinGapMinutes int `json:"min_gap_minutes"`

	// ResubscribeBaseMS is the first feed retry delay; each attempt doubles it.
	ResubscribeBaseMS int `json:"resubscribe_base_ms"`
	// ResubscribeMax bounds the retry count before the error surfaces.
	ResubscribeMax int `json:"resubscribe_max"`

	// ColorOverrides pins display colors per worker id. Workers without an
	// override get a stable hash-derived palette color.
	ColorOverrides map[string]string `json:"color_overrides"`
	// ColorPalette replaces the built-in palette when non-empty.
	ColorPalette []string `json:"color_palette"`
}

// SetDefaults applies sane defaults.
func (c *SchedulingConfig) SetDefaults() {
	if c.ResubscribeBaseMS <= 0 {
		c.ResubscribeBaseMS = 100
	}
	if c.ResubscribeMax <= 0 {
		c.ResubscribeMax = 5
	}
}

// Validate checks color formats and gap bounds.
func (c SchedulingConfig) Validate() error {
	if c.MinGapMinutes < 0 {
		return fmt.Errorf("min_gap_minutes must not be negative")
	}
	for worker, color := range c.ColorOverrides {
		if !validColor(color) {
			return fmt.Errorf("invalid color %q for worker %s", color, worker)
		}
	}
	for _, color := range c.ColorPalette {
		if !validColor(color) {
			return fmt.Errorf("invalid palette color %q", color)
		}
	}
	return nil
}

// MinGap returns the configured buffer as a duration.
func (c SchedulingConfig) MinGap() time.Duration {
	return time.Duration(c.MinGapMinutes) * time.Minute
}

// ResubscribeBase returns the configured base retry delay as a duration.
func (c SchedulingConfig) ResubscribeBase() time.Duration {
	return time.Duration(c.ResubscribeBaseMS) * time.Millisecond
}

func validColor(s string) bool {
	if !strings.HasPrefix(s, "#") || (len(s) != 4 && len(s) != 7) {
		return false
	}
	for _, r := range s[1:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
