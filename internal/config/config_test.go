package config

import "testing"

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HTTPPort != 8180 {
		t.Errorf("HTTPPort = %d, expected 8180", cfg.HTTPPort)
	}
	if cfg.MetricsPort != 8080 {
		t.Errorf("MetricsPort = %d, expected 8080", cfg.MetricsPort)
	}
	if cfg.ServiceName != "sessiond" {
		t.Errorf("ServiceName = %q", cfg.ServiceName)
	}
	if cfg.PolicyPath != "config/policy.yaml" {
		t.Errorf("PolicyPath = %q", cfg.PolicyPath)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config is invalid: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("BACKEND_BASE_URL", "http://localhost:8000")
	t.Setenv("SESSION_LOGS_DIR", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPPort != 9000 {
		t.Errorf("HTTPPort = %d, expected 9000", cfg.HTTPPort)
	}
	if cfg.BackendBaseURL != "http://localhost:8000" {
		t.Errorf("BackendBaseURL = %q", cfg.BackendBaseURL)
	}
}

func TestValidate_RejectsBadConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"http port too low":  func(c *Config) { c.HTTPPort = 0 },
		"metrics port high":  func(c *Config) { c.MetricsPort = 70000 },
		"colliding ports":    func(c *Config) { c.MetricsPort = c.HTTPPort },
		"missing redis host": func(c *Config) { c.RedisHost = "" },
		"missing policy":     func(c *Config) { c.PolicyPath = "" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := &Config{
				HTTPPort:    8180,
				MetricsPort: 8080,
				RedisHost:   "localhost",
				PolicyPath:  "config/policy.yaml",
			}
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() accepted invalid config")
			}
		})
	}
}
