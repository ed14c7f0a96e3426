// Package config handles loading and validating agentbench configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for agentbench.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty" toml:"workspace,omitempty"`    // Host workspace root. Default: ~/.agentbench/workspace. Override: AGENTBENCH_WORKSPACE.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty" toml:"data_dir,omitempty"`       // Persistent data directory. Default: ~/.agentbench/data. Override: AGENTBENCH_DATA_DIR.
	TasksDir      string               `json:"tasks_dir,omitempty" yaml:"tasks_dir,omitempty" toml:"tasks_dir,omitempty"`    // Task manifest directory. Empty = built-in tasks. Override: AGENTBENCH_TASKS_DIR.
	Container     ContainerConfig      `json:"container" yaml:"container" toml:"container"`
	Exec          ExecConfig           `json:"exec" yaml:"exec" toml:"exec"`
	Agent         AgentConfig          `json:"agent" yaml:"agent" toml:"agent"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers" toml:"providers"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty" toml:"storage,omitempty"`                   // nil = SQLite under data_dir
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty" toml:"observability,omitempty"` // nil = observability disabled
	MCP           MCPConfig            `json:"mcp" yaml:"mcp" toml:"mcp"`
	Verify        *VerifyConfig        `json:"verify,omitempty" yaml:"verify,omitempty" toml:"verify,omitempty"`       // nil = no test verification
	Schedule      *ScheduleConfig      `json:"schedule,omitempty" yaml:"schedule,omitempty" toml:"schedule,omitempty"` // nil = bench runs once
}

// ContainerConfig configures the sandbox container.
type ContainerConfig struct {
	Name         string   `json:"name" yaml:"name" toml:"name"`                            // Default: "sandbox_container".
	Image        string   `json:"image" yaml:"image" toml:"image"`                         // Default: "node:22-slim".
	WorkDir      string   `json:"work_dir" yaml:"work_dir" toml:"work_dir"`                // Mount point and working directory. Default: "/app".
	KeepAlive    []string `json:"keep_alive,omitempty" yaml:"keep_alive,omitempty" toml:"keep_alive,omitempty"`
	Ports        []string `json:"ports,omitempty" yaml:"ports,omitempty" toml:"ports,omitempty"` // docker-style specs. Default: ["5000:5000/tcp"].
	Env          []string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
	PreserveDirs []string `json:"preserve_dirs,omitempty" yaml:"preserve_dirs,omitempty" toml:"preserve_dirs,omitempty"` // Kept across resets. Default: ["node_modules"].
	PullImage    bool     `json:"pull_image" yaml:"pull_image" toml:"pull_image"`
	Network      string   `json:"network,omitempty" yaml:"network,omitempty" toml:"network,omitempty"`
}

// ExecConfig configures the command executor.
type ExecConfig struct {
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`    // Default: 30.
	PollIntervalMS int    `json:"poll_interval_ms" yaml:"poll_interval_ms" toml:"poll_interval_ms"` // Default: 100.
	MaxOutputBytes int    `json:"max_output_bytes" yaml:"max_output_bytes" toml:"max_output_bytes"` // Default: 1 MiB.
	EchoTarget     string `json:"echo_target,omitempty" yaml:"echo_target,omitempty" toml:"echo_target,omitempty"`
}

// Timeout returns the default per-command timeout.
func (e *ExecConfig) Timeout() time.Duration {
	if e != nil && e.TimeoutSeconds > 0 {
		return time.Duration(e.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// PollInterval returns the read deadline step.
func (e *ExecConfig) PollInterval() time.Duration {
	if e != nil && e.PollIntervalMS > 0 {
		return time.Duration(e.PollIntervalMS) * time.Millisecond
	}
	return 100 * time.Millisecond
}

// AgentConfig configures the tool dispatch loop.
type AgentConfig struct {
	Seed             *int                   `json:"seed,omitempty" yaml:"seed,omitempty" toml:"seed,omitempty"`                      // Default: 2222.
	Temperature      *float64               `json:"temperature,omitempty" yaml:"temperature,omitempty" toml:"temperature,omitempty"` // Default: 0.
	MaxIterations    int                    `json:"max_iterations" yaml:"max_iterations" toml:"max_iterations"`                      // Default: 25.
	MaxTokens        int                    `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`                                  // 0 = provider default.
	Tools            []string               `json:"tools,omitempty" yaml:"tools,omitempty" toml:"tools,omitempty"`                   // Agent-facing tool subset. Default: DefaultAgentTools.
	ForcedCompletion ForcedCompletionConfig `json:"forced_completion" yaml:"forced_completion" toml:"forced_completion"`
}

// ForcedCompletionConfig controls the courtesy step taken when the model
// stops calling tools.
type ForcedCompletionConfig struct {
	Message     string `json:"message,omitempty" yaml:"message,omitempty" toml:"message,omitempty"`                // Default: "run the server".
	ExecCommand string `json:"exec_command,omitempty" yaml:"exec_command,omitempty" toml:"exec_command,omitempty"` // When set, executed directly instead of asking the model.
}

// DefaultAgentTools is the tool subset offered to the model.
var DefaultAgentTools = []string{"list_files", "read_file", "write_file", "exec", "get_container_logs"}

// SeedValue returns the sampling seed.
func (a *AgentConfig) SeedValue() int {
	if a != nil && a.Seed != nil {
		return *a.Seed
	}
	return 2222
}

// TemperatureValue returns the sampling temperature.
func (a *AgentConfig) TemperatureValue() float64 {
	if a != nil && a.Temperature != nil {
		return *a.Temperature
	}
	return 0
}

// Iterations returns the loop bound.
func (a *AgentConfig) Iterations() int {
	if a != nil && a.MaxIterations > 0 {
		return a.MaxIterations
	}
	return 25
}

// ToolNames returns the agent-facing tool subset.
func (a *AgentConfig) ToolNames() []string {
	if a != nil && len(a.Tools) > 0 {
		return a.Tools
	}
	return DefaultAgentTools
}

// ForcedMessage returns the user instruction sent on forced completion.
func (a *AgentConfig) ForcedMessage() string {
	if a != nil && a.ForcedCompletion.Message != "" {
		return a.ForcedCompletion.Message
	}
	return "run the server"
}

// ProvidersConfig selects the chat model backend.
type ProvidersConfig struct {
	Default  string       `json:"default" yaml:"default" toml:"default"`                                // "ollama" or "openai". Empty = "ollama".
	Fallback []string     `json:"fallback,omitempty" yaml:"fallback,omitempty" toml:"fallback,omitempty"` // Tried in order when default fails.
	OpenAI   OpenAIConfig `json:"openai" yaml:"openai" toml:"openai"`
	Ollama   OllamaConfig `json:"ollama" yaml:"ollama" toml:"ollama"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key" toml:"api_key"`
	Model   string `json:"model" yaml:"model" toml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url" toml:"base_url"` // Optional. Defaults to https://api.openai.com.
}

type OllamaConfig struct {
	Model   string `json:"model" yaml:"model" toml:"model"`          // Default: "qwen3".
	BaseURL string `json:"base_url" yaml:"base_url" toml:"base_url"` // Optional. Defaults to http://localhost:11434. Override: OLLAMA_HOST.
}

// StorageConfig configures the run history backend.
// When nil, defaults to SQLite under the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver" toml:"driver"`                                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty" toml:"sqlite,omitempty"`           // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty" toml:"postgres,omitempty"`     // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"` // Database file path. Default: <data_dir>/agentbench.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode" toml:"journal_mode"`       // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn" toml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns" toml:"max_open_conns"`                // Default: 4
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns" toml:"max_idle_conns"`                // Default: 2
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s" toml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
	ConnectTimeoutS  int    `json:"connect_timeout_s" yaml:"connect_timeout_s" toml:"connect_timeout_s"`       // Default: 10. How long Open waits for the server.
}

// ObservabilityConfig configures metrics, tracing, health checks and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty" toml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty" toml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty" toml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty" toml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path" yaml:"path" toml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" toml:"endpoint"`             // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol" toml:"protocol"`             // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name" toml:"service_name"` // Default: "agentbench"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate" toml:"sample_rate"`    // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure" toml:"insecure"`             // Skip TLS for dev
}

// HealthConfig configures dependency health checks for the readiness endpoint.
type HealthConfig struct {
	IncludeDB     bool `json:"include_db" yaml:"include_db" toml:"include_db"`
	IncludeDocker bool `json:"include_docker" yaml:"include_docker" toml:"include_docker"`
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold" toml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds" toml:"window_seconds"`                   // Sliding window. Default: 300.
}

// MCPConfig configures the MCP tool server and remote tool sources.
type MCPConfig struct {
	Server  MCPListenConfig   `json:"server" yaml:"server" toml:"server"`
	Servers []MCPServerConfig `json:"servers,omitempty" yaml:"servers,omitempty" toml:"servers,omitempty"` // Remote servers whose tools are registered for the agent.
}

// MCPListenConfig configures agentbench's own MCP server.
type MCPListenConfig struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr"` // Default: ":8000".
	Path string `json:"path" yaml:"path" toml:"path"` // Default: "/mcp".

	// APIKeys maps bearer tokens to client names for the /v1 API. Empty = unauthenticated.
	APIKeys map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty" toml:"api_keys,omitempty"`
	Docs    bool              `json:"docs" yaml:"docs" toml:"docs"` // Serve OpenAPI docs.

	RunsPerHour int `json:"runs_per_hour" yaml:"runs_per_hour" toml:"runs_per_hour"` // Per-client POST /v1/runs budget. 0 = unlimited.
}

// MCPServerConfig defines a single external MCP server connection.
// agentbench acts as an MCP client, connecting at startup, discovering tools,
// and registering them in the tool registry.
type MCPServerConfig struct {
	Name      string            `json:"name" yaml:"name" toml:"name"`                                        // Server ID, used as the tool prefix when Namespace is set.
	Transport string            `json:"transport" yaml:"transport" toml:"transport"`                         // "stdio", "sse", or "streamable_http".
	Command   string            `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"` // Executable to launch (stdio only).
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`          // Command arguments (stdio only).
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`             // Subprocess env vars (stdio only). Values support ${VAR} expansion.
	URL       string            `json:"url,omitempty" yaml:"url,omitempty" toml:"url,omitempty"`             // Server endpoint (sse/streamable_http only).
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers,omitempty"` // HTTP headers (sse/streamable_http). Values support ${VAR} expansion.
	Namespace bool              `json:"namespace" yaml:"namespace" toml:"namespace"`                         // Register tools as mcp__<name>__<tool>.
}

// VerifyConfig configures the external API test run after each task.
type VerifyConfig struct {
	Enabled             bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Image               string `json:"image" yaml:"image" toml:"image"`                                           // Default: "postman/newman".
	BaseURL             string `json:"base_url" yaml:"base_url" toml:"base_url"`                                  // Passed as the baseUrl collection variable. Default: http://localhost:5000.
	ReadyURL            string `json:"ready_url" yaml:"ready_url" toml:"ready_url"`                               // Default: base_url.
	ReadyTimeoutSeconds int    `json:"ready_timeout_seconds" yaml:"ready_timeout_seconds" toml:"ready_timeout_seconds"` // Default: 90.
	ReadyIntervalMS     int    `json:"ready_interval_ms" yaml:"ready_interval_ms" toml:"ready_interval_ms"`       // Default: 500.
	Network             string `json:"network" yaml:"network" toml:"network"`                                     // Default: "host".
}

// ReadyTimeout returns how long to wait for the server under test.
func (v *VerifyConfig) ReadyTimeout() time.Duration {
	if v != nil && v.ReadyTimeoutSeconds > 0 {
		return time.Duration(v.ReadyTimeoutSeconds) * time.Second
	}
	return 90 * time.Second
}

// ReadyInterval returns the readiness check interval.
func (v *VerifyConfig) ReadyInterval() time.Duration {
	if v != nil && v.ReadyIntervalMS > 0 {
		return time.Duration(v.ReadyIntervalMS) * time.Millisecond
	}
	return 500 * time.Millisecond
}

// ScheduleConfig configures recurring benchmark runs.
type ScheduleConfig struct {
	Cron  string `json:"cron" yaml:"cron" toml:"cron"`                               // Standard 5-field cron expression.
	Tasks []int  `json:"tasks,omitempty" yaml:"tasks,omitempty" toml:"tasks,omitempty"` // Empty = all tasks.
}

// DefaultConfigPath returns the default config file path (~/.agentbench/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/agentbench.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".agentbench", "config.yaml")
}

// Load reads a JSON, YAML or TOML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, .toml for
// TOML, everything else for JSON. An empty path yields the defaults.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
		if err := decode(resolved, data, &cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".agentbench", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parsing TOML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		if !strings.Contains(v, "://") {
			v = "http://" + v
		}
		c.Providers.Ollama.BaseURL = v
	}
	if v := os.Getenv("AGENTBENCH_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("AGENTBENCH_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("AGENTBENCH_TASKS_DIR"); v != "" {
		c.TasksDir = v
	}
	if v := os.Getenv("AGENTBENCH_STORAGE_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.Driver = "postgres"
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".agentbench", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// ResolvedWorkspace returns the host workspace root, or "" for the default.
func (c *Config) ResolvedWorkspace() string {
	if c.Workspace == "" {
		return ""
	}
	resolved, err := resolvePath(c.Workspace)
	if err != nil {
		return c.Workspace
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "agentbench.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// ListenAddr returns the MCP server listen address.
func (c *Config) ListenAddr() string {
	if c.MCP.Server.Addr != "" {
		return c.MCP.Server.Addr
	}
	return ":8000"
}

// MCPPath returns the MCP endpoint path.
func (c *Config) MCPPath() string {
	if c.MCP.Server.Path != "" {
		return c.MCP.Server.Path
	}
	return "/mcp"
}

func (c *Config) validate() error {
	if c.Providers.Default == "" {
		c.Providers.Default = "ollama"
	}
	if c.Providers.Ollama.Model == "" {
		c.Providers.Ollama.Model = "qwen3"
	}
	if err := c.validateProvider(c.Providers.Default); err != nil {
		return err
	}
	for _, name := range c.Providers.Fallback {
		if name == c.Providers.Default {
			return fmt.Errorf("providers.fallback must not repeat the default provider %q", name)
		}
		if err := c.validateProvider(name); err != nil {
			return fmt.Errorf("providers.fallback: %w", err)
		}
	}
	if c.Exec.TimeoutSeconds < 0 {
		return fmt.Errorf("exec.timeout_seconds must not be negative")
	}
	if c.Exec.MaxOutputBytes < 0 {
		return fmt.Errorf("exec.max_output_bytes must not be negative")
	}
	if c.Agent.MaxIterations < 0 {
		return fmt.Errorf("agent.max_iterations must not be negative")
	}
	if t := c.Agent.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("agent.temperature must be between 0 and 2")
	}
	if c.Container.WorkDir != "" && !strings.HasPrefix(c.Container.WorkDir, "/") {
		return fmt.Errorf("container.work_dir must be absolute, got %q", c.Container.WorkDir)
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set AGENTBENCH_STORAGE_DSN)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Schedule != nil && c.Schedule.Cron == "" {
		return fmt.Errorf("schedule.cron is required when schedule is set")
	}
	names := make(map[string]bool, len(c.MCP.Servers))
	for i, srv := range c.MCP.Servers {
		if srv.Name == "" {
			return fmt.Errorf("mcp.servers[%d].name is required", i)
		}
		if names[srv.Name] {
			return fmt.Errorf("mcp.servers[%d]: duplicate server name %q", i, srv.Name)
		}
		names[srv.Name] = true
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("mcp.servers[%d] (%q): command is required for stdio transport", i, srv.Name)
			}
		case "sse", "streamable_http":
			if srv.URL == "" {
				return fmt.Errorf("mcp.servers[%d] (%q): url is required for %s transport", i, srv.Name, srv.Transport)
			}
		default:
			return fmt.Errorf("mcp.servers[%d] (%q): transport must be stdio, sse, or streamable_http", i, srv.Name)
		}
	}
	return nil
}

// validateProvider checks that the named LLM provider has the required fields.
func (c *Config) validateProvider(name string) error {
	switch name {
	case "openai":
		if c.Providers.OpenAI.Model == "" {
			return fmt.Errorf("providers.openai.model is required")
		}
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("providers.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	case "ollama":
	default:
		return fmt.Errorf("provider %q is not supported (use ollama or openai)", name)
	}
	return nil
}
