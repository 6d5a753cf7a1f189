package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the service configuration.
type Config struct {
	DataDir      string           `yaml:"data_dir"`
	Server       ServerConfig     `yaml:"server"`
	Repositories []Repository     `yaml:"repositories"`
	Runner       RunnerConfig     `yaml:"runner"`
	Retry        RetryConfig      `yaml:"retry,omitempty"`
	Schedule     *ScheduleConfig  `yaml:"schedule,omitempty"`
	NATS         *NATSConfig      `yaml:"nats,omitempty"`
	Metrics      MetricsConfig    `yaml:"metrics,omitempty"`
	Logging      LoggingConfig    `yaml:"logging,omitempty"`
}

// ServerConfig holds HTTP listener settings for the daemon.
type ServerConfig struct {
	WebhookAddr   string `yaml:"webhook_addr"`
	AdminAddr     string `yaml:"admin_addr"`
	WebhookSecret string `yaml:"webhook_secret,omitempty"`
}

// Repository represents a Git repository whose workflows this service runs.
type Repository struct {
	URL       string      `yaml:"url"`
	Name      string      `yaml:"name"`
	Branch    string      `yaml:"branch,omitempty"`
	Auth      *AuthConfig `yaml:"auth,omitempty"`
	Workflows []string    `yaml:"workflows"` // Paths to workflow definition files
}

// AuthConfig represents git transport authentication configuration.
type AuthConfig struct {
	Type     string `yaml:"type"` // "ssh", "token", "basic"
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Token    string `yaml:"token,omitempty"`
	KeyPath  string `yaml:"key_path,omitempty"`
}

// RunnerConfig controls the run queue and workers.
type RunnerConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// RetryBackoffMode enumerates backoff strategies for transient failures.
type RetryBackoffMode string

const (
	RetryBackoffFixed       RetryBackoffMode = "fixed"
	RetryBackoffLinear      RetryBackoffMode = "linear"
	RetryBackoffExponential RetryBackoffMode = "exponential"
)

// RetryConfig holds retry/backoff settings for transient git failures.
type RetryConfig struct {
	Backoff    RetryBackoffMode `yaml:"backoff,omitempty"`
	Initial    time.Duration    `yaml:"initial,omitempty"`
	Max        time.Duration    `yaml:"max,omitempty"`
	MaxRetries int              `yaml:"max_retries,omitempty"`
}

// ScheduleConfig enables periodic re-sync runs for all repositories.
type ScheduleConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// NATSConfig enables publication of run lifecycle events to JetStream.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject,omitempty"`
	Stream  string `yaml:"stream,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug|info|warn|error
	Format string `yaml:"format,omitempty"` // text|json
}

// Load loads configuration from the specified file.
func Load(configPath string) (*Config, error) {
	// Load .env first so ${VAR} references in the YAML resolve.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Note: .env file couldn't be loaded: %v\n", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./docflow-data"
	}
	if c.Server.WebhookAddr == "" {
		c.Server.WebhookAddr = ":8090"
	}
	if c.Server.AdminAddr == "" {
		c.Server.AdminAddr = ":8091"
	}
	if c.Runner.Workers <= 0 {
		c.Runner.Workers = 2
	}
	if c.Runner.QueueSize <= 0 {
		c.Runner.QueueSize = 100
	}
	if c.NATS != nil && c.NATS.Subject == "" {
		c.NATS.Subject = "docflow.runs"
	}
	if c.NATS != nil && c.NATS.Stream == "" {
		c.NATS.Stream = "DOCFLOW"
	}
	for i := range c.Repositories {
		if c.Repositories[i].Branch == "" {
			c.Repositories[i].Branch = "main"
		}
	}
}

// Validate checks the configuration for errors that would prevent startup.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Repositories))
	for _, repo := range c.Repositories {
		if repo.Name == "" {
			return fmt.Errorf("repository with URL %q has no name", repo.URL)
		}
		if repo.URL == "" {
			return fmt.Errorf("repository %q has no URL", repo.Name)
		}
		if seen[repo.Name] {
			return fmt.Errorf("duplicate repository name: %s", repo.Name)
		}
		seen[repo.Name] = true
		if len(repo.Workflows) == 0 {
			return fmt.Errorf("repository %q has no workflow files", repo.Name)
		}
		if repo.Auth != nil {
			switch repo.Auth.Type {
			case "", "none", "ssh", "token", "basic":
			default:
				return fmt.Errorf("repository %q: unsupported auth type %q", repo.Name, repo.Auth.Type)
			}
		}
	}
	if c.Schedule != nil && c.Schedule.Enabled && c.Schedule.Interval <= 0 {
		return fmt.Errorf("schedule interval must be > 0 when schedule is enabled")
	}
	if c.NATS != nil && c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats url is required when nats is enabled")
	}
	return nil
}

// Init creates a new configuration file with example content.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	exampleConfig := Config{
		DataDir: "./docflow-data",
		Server: ServerConfig{
			WebhookAddr:   ":8090",
			AdminAddr:     ":8091",
			WebhookSecret: "${DOCFLOW_WEBHOOK_SECRET}",
		},
		Repositories: []Repository{
			{
				URL:    "https://github.com/example/csplotter.git",
				Name:   "csplotter",
				Branch: "main",
				Auth: &AuthConfig{
					Type:  "token",
					Token: "${GITHUB_TOKEN}",
				},
				Workflows: []string{"workflows/publish-docs.yaml"},
			},
		},
		Runner: RunnerConfig{Workers: 2, QueueSize: 100},
		Retry: RetryConfig{
			Backoff:    RetryBackoffLinear,
			Initial:    time.Second,
			Max:        30 * time.Second,
			MaxRetries: 2,
		},
		Metrics: MetricsConfig{Enabled: true},
	}

	data, err := yaml.Marshal(&exampleConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
