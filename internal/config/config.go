package config

// Config holds all daemon configuration loaded from environment variables.
// Product constants (thresholds, intervals) live in the policy file instead;
// see pkg/policy.
type Config struct {
	// Server configuration
	HTTPPort    int    `env:"HTTP_PORT" envDefault:"8180"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"dev"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"sessiond"`

	// Redis configuration
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     string `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// Remote negotiation service. An empty base URL disables the remote
	// transport entirely.
	BackendBaseURL string `env:"BACKEND_BASE_URL"`
	// IDTokenVar names the environment variable holding the identity token
	// used for the token exchange.
	IDTokenVar string `env:"ID_TOKEN_VAR" envDefault:"MINDFULHOME_ID_TOKEN"`

	// Local OpenAI-compatible model server (llama.cpp, ollama). Empty
	// disables the on-device transport.
	LocalModelBaseURL string `env:"LOCAL_MODEL_BASE_URL"`
	LocalModelName    string `env:"LOCAL_MODEL_NAME" envDefault:"llama3.2"`

	// PolicyPath points at the YAML product constants.
	PolicyPath string `env:"POLICY_PATH" envDefault:"config/policy.yaml"`

	// SessionLogsDir receives one markdown file per session. Empty disables
	// session logging.
	SessionLogsDir string `env:"SESSION_LOGS_DIR" envDefault:"logs"`

	// Telemetry configuration
	OtelEnabled bool `env:"OTEL_ENABLED" envDefault:"true"`
}
