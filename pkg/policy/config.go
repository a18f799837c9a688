package policy

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "60s" or "2m".
type Duration time.Duration

// UnmarshalYAML parses a duration string, also accepting bare integers as
// seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"60s\": %w", err)
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		var seconds int64
		if _, convErr := fmt.Sscanf(s, "%d", &seconds); convErr == nil && fmt.Sprintf("%d", seconds) == s {
			*d = Duration(time.Duration(seconds) * time.Second)
			return nil
		}
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the product constants of the wellbeing control plane.
// The force-grant and escalation thresholds are product decisions, not
// derived from any measured signal, so they live in configuration.
type Config struct {
	Karma       KarmaConfig       `yaml:"karma"`
	Timer       TimerConfig       `yaml:"timer"`
	Nudge       NudgeConfig       `yaml:"nudge"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
}

// KarmaConfig controls the scoring engine.
type KarmaConfig struct {
	// HideThreshold is the score at or below which an app is hidden.
	HideThreshold int `yaml:"hideThreshold"`
	// PerNudgeIgnored is the score delta applied per unanswered nudge interval.
	PerNudgeIgnored int `yaml:"perNudgeIgnored"`
	// ClosedOnTime is the score recovery for ending a session before expiry
	// (also applied for a close inside the grace window).
	ClosedOnTime int `yaml:"closedOnTime"`
}

// TimerConfig controls the session timer.
type TimerConfig struct {
	// TickInterval is the countdown resolution.
	TickInterval Duration `yaml:"tickInterval"`
	// GraceWindow is the overrun period still treated as "closed on time".
	GraceWindow Duration `yaml:"graceWindow"`
	// DefaultDurationMinutes is used when a session is started without a budget.
	DefaultDurationMinutes int `yaml:"defaultDurationMinutes"`
}

// NudgeConfig controls the overrun reminder schedule.
type NudgeConfig struct {
	// Interval between nudges while the timer is expired.
	Interval Duration `yaml:"interval"`
}

// NegotiationConfig controls the conversational gatekeeper.
type NegotiationConfig struct {
	// ForceGrantExchanges is the gatekeeper exchange count at which access
	// is granted regardless of the model's decision.
	ForceGrantExchanges int `yaml:"forceGrantExchanges"`
	// DefaultModel is the backend model id used for remote negotiations.
	DefaultModel string `yaml:"defaultModel"`
	// Models is the fallback catalog shown when the backend is unreachable.
	Models []ModelOption `yaml:"models"`
}

// ModelOption describes one selectable backend model.
type ModelOption struct {
	ID          string `yaml:"id"`
	Label       string `yaml:"label"`
	Description string `yaml:"description"`
}

// Default returns the built-in product constants. A policy file overrides
// individual fields; absent fields keep these values.
func Default() *Config {
	return &Config{
		Karma: KarmaConfig{
			HideThreshold:   -10,
			PerNudgeIgnored: -1,
			ClosedOnTime:    1,
		},
		Timer: TimerConfig{
			TickInterval:           Duration(time.Second),
			GraceWindow:            Duration(time.Minute),
			DefaultDurationMinutes: 5,
		},
		Nudge: NudgeConfig{
			Interval: Duration(2 * time.Minute),
		},
		Negotiation: NegotiationConfig{
			ForceGrantExchanges: 3,
			DefaultModel:        "gemini-2.5-flash",
			Models: []ModelOption{
				{ID: "gemini-2.5-flash", Label: "Gemini 2.5 Flash", Description: "Fast, capable, best value (recommended)"},
				{ID: "gemini-2.5-flash-lite", Label: "Gemini 2.5 Flash Lite", Description: "Fastest, lowest cost"},
				{ID: "gemini-2.5-pro", Label: "Gemini 2.5 Pro", Description: "Most capable, thinking model, higher cost"},
			},
		},
	}
}

// Load reads a policy configuration from a YAML file, overlaying the
// defaults. Supports environment variable expansion in the form
// ${VAR_NAME} or ${VAR_NAME:default}.
func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}

	expanded := expandEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML policy: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	return config, nil
}

// Validate validates the configuration for common errors.
func (c *Config) Validate() error {
	if c.Karma.HideThreshold > 0 {
		return fmt.Errorf("karma.hideThreshold must be <= 0, got %d", c.Karma.HideThreshold)
	}
	if c.Karma.PerNudgeIgnored >= 0 {
		return fmt.Errorf("karma.perNudgeIgnored must be negative, got %d", c.Karma.PerNudgeIgnored)
	}
	if c.Karma.ClosedOnTime <= 0 {
		return fmt.Errorf("karma.closedOnTime must be positive, got %d", c.Karma.ClosedOnTime)
	}
	if c.Timer.TickInterval <= 0 {
		return fmt.Errorf("timer.tickInterval must be positive, got %v", c.Timer.TickInterval.Std())
	}
	if c.Timer.GraceWindow < 0 {
		return fmt.Errorf("timer.graceWindow must be non-negative, got %v", c.Timer.GraceWindow.Std())
	}
	if c.Nudge.Interval <= 0 {
		return fmt.Errorf("nudge.interval must be positive, got %v", c.Nudge.Interval.Std())
	}
	if c.Negotiation.ForceGrantExchanges < 1 {
		return fmt.Errorf("negotiation.forceGrantExchanges must be >= 1, got %d", c.Negotiation.ForceGrantExchanges)
	}
	if c.Negotiation.DefaultModel == "" {
		return fmt.Errorf("negotiation.defaultModel must not be empty")
	}

	seen := make(map[string]bool)
	for _, m := range c.Negotiation.Models {
		if m.ID == "" {
			return fmt.Errorf("model with empty ID found")
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate model ID: %s", m.ID)
		}
		seen[m.ID] = true
	}

	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}.
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		// Support ${VAR:default} syntax
		parts := strings.SplitN(key, ":", 2)
		varName := parts[0]
		defaultValue := ""
		if len(parts) == 2 {
			defaultValue = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			return defaultValue
		}
		return value
	})
}
