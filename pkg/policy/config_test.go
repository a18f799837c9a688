package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() is invalid: %v", err)
	}
}

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}
	return path
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writePolicy(t, `
karma:
  hideThreshold: -5
nudge:
  interval: 30s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Karma.HideThreshold != -5 {
		t.Errorf("HideThreshold = %d, expected -5", cfg.Karma.HideThreshold)
	}
	if cfg.Nudge.Interval.Std() != 30*time.Second {
		t.Errorf("Nudge.Interval = %v, expected 30s", cfg.Nudge.Interval.Std())
	}

	// Untouched fields keep defaults.
	if cfg.Karma.PerNudgeIgnored != -1 {
		t.Errorf("PerNudgeIgnored = %d, expected default -1", cfg.Karma.PerNudgeIgnored)
	}
	if cfg.Negotiation.ForceGrantExchanges != 3 {
		t.Errorf("ForceGrantExchanges = %d, expected default 3", cfg.Negotiation.ForceGrantExchanges)
	}
	if cfg.Negotiation.DefaultModel != "gemini-2.5-flash" {
		t.Errorf("DefaultModel = %s, expected default", cfg.Negotiation.DefaultModel)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_POLICY_MODEL", "gemini-2.5-pro")

	path := writePolicy(t, `
negotiation:
  defaultModel: ${TEST_POLICY_MODEL:gemini-2.5-flash}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Negotiation.DefaultModel != "gemini-2.5-pro" {
		t.Errorf("DefaultModel = %s, expected env value", cfg.Negotiation.DefaultModel)
	}
}

func TestLoad_EnvExpansionDefault(t *testing.T) {
	path := writePolicy(t, `
negotiation:
  defaultModel: ${UNSET_POLICY_MODEL_VAR:gemini-2.5-flash-lite}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Negotiation.DefaultModel != "gemini-2.5-flash-lite" {
		t.Errorf("DefaultModel = %s, expected fallback", cfg.Negotiation.DefaultModel)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"positive hide threshold": "karma:\n  hideThreshold: 5\n",
		"zero nudge interval":     "nudge:\n  interval: 0s\n",
		"empty model":             "negotiation:\n  defaultModel: \"\"\n",
		"duplicate model ids":     "negotiation:\n  models:\n    - id: a\n    - id: a\n",
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writePolicy(t, content)); err == nil {
				t.Error("Load() accepted invalid policy")
			}
		})
	}
}

func TestValidate_NonNegativeGraceWindow(t *testing.T) {
	cfg := Default()
	cfg.Timer.GraceWindow = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("zero grace window should be valid: %v", err)
	}
}
