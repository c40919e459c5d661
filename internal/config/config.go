// Package config loads gateway configuration from a YAML file with
// environment variable overrides, following the same
// defaults-then-file-then-env priority used across this codebase's lineage.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete gateway configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server" env:"SERVER"`
	Router       RouterConfig       `yaml:"router" env:"ROUTER"`
	Retry        RetryConfig        `yaml:"retry" env:"RETRY"`
	Providers    ProvidersConfig    `yaml:"providers" env:"PROVIDERS"`
	CLIProxy     CLIProxyConfig     `yaml:"cli_proxy" env:"CLI_PROXY"`
	Convo        ConvoConfig        `yaml:"convo" env:"CONVO"`
	Log          LogConfig          `yaml:"log" env:"LOG"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" env:"TELEMETRY"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" env:"ORCHESTRATOR"`
}

// OrchestratorConfig controls the gateway.Orchestrator fields that have no
// other natural home: the JSON-mode system-prompt directive and the bound
// on AI-judge recursive re-entry.
type OrchestratorConfig struct {
	JSONModeInstruction string `yaml:"json_mode_instruction" env:"JSON_MODE_INSTRUCTION"`
	MaxRecursionDepth   int    `yaml:"max_recursion_depth" env:"MAX_RECURSION_DEPTH"`
}

// ServerConfig controls the gateway's own HTTP listener (distinct from the
// CLI proxy's listener, which CLIProxyConfig controls).
type ServerConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// RouterConfig controls model selection and staged escalation.
type RouterConfig struct {
	DefaultModel    string   `yaml:"default_model" env:"DEFAULT_MODEL"`
	EscalationChain []string `yaml:"escalation_chain" env:"ESCALATION_CHAIN"`
}

// RetryConfig controls the retry/validation engine's backoff schedule.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BackoffFactor float64       `yaml:"backoff_factor" env:"BACKOFF_FACTOR"`
	InitialDelay  time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay      time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
}

// ProvidersConfig carries the credentials and endpoints each httpchat
// dialect client needs.
type ProvidersConfig struct {
	OpenAIAPIKey       string `yaml:"-" env:"OPENAI_API_KEY"`
	AnthropicAPIKey    string `yaml:"-" env:"ANTHROPIC_API_KEY"`
	GoogleCloudProject string `yaml:"-" env:"GOOGLE_CLOUD_PROJECT"`
	GoogleCloudRegion  string `yaml:"google_cloud_region" env:"GOOGLE_CLOUD_REGION"`
}

// CLIProxyConfig controls the CLI subprocess executor and proxy server.
type CLIProxyConfig struct {
	BinPath        string        `yaml:"bin_path" env:"CLI_BIN_PATH"`
	Host           string        `yaml:"host" env:"PROXY_HOST"`
	Port           int           `yaml:"port" env:"PROXY_PORT"`
	WorkDir        string        `yaml:"work_dir" env:"WORK_DIR"`
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	KillGrace      time.Duration `yaml:"kill_grace" env:"KILL_GRACE"`
	MaxConcurrent  int           `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	PollingDBPath  string        `yaml:"polling_db_path" env:"POLLING_DB_PATH"`
	CleanupAfter   time.Duration `yaml:"cleanup_after" env:"CLEANUP_AFTER"`
}

// ConvoConfig selects and configures the conversation store backend.
type ConvoConfig struct {
	Driver   string `yaml:"driver" env:"DRIVER"`
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	MySQLDSN string `yaml:"-" env:"MYSQL_DSN"`
}

// LogConfig controls the emit.Emitter the gateway constructs at startup.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// TelemetryConfig controls OpenTelemetry span export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// DefaultConfig returns a Config populated with the gateway's baseline
// defaults, before any file or environment overrides are applied.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Router: RouterConfig{
			DefaultModel: "gpt-3.5-turbo",
		},
		Retry: RetryConfig{
			MaxAttempts:   3,
			BackoffFactor: 2.0,
			InitialDelay:  time.Second,
			MaxDelay:      60 * time.Second,
		},
		Providers: ProvidersConfig{
			GoogleCloudRegion: "us-central1",
		},
		CLIProxy: CLIProxyConfig{
			Host:          "127.0.0.1",
			Port:          3010,
			Timeout:       120 * time.Second,
			KillGrace:     5 * time.Second,
			MaxConcurrent: 8,
			PollingDBPath: "llmgate_polling.db",
			CleanupAfter:  24 * time.Hour,
		},
		Convo: ConvoConfig{
			Driver:     "sqlite",
			SQLitePath: "llmgate_convo.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			SampleRate: 1.0,
		},
		Orchestrator: OrchestratorConfig{
			JSONModeInstruction: "You must respond with valid JSON only. Do not include any text outside the JSON object.",
			MaxRecursionDepth:   3,
		},
	}
}

// Loader assembles a Config from defaults, an optional YAML file, and
// environment variable overrides, in that priority order.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a Loader with the "LLMGATE" environment prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "LLMGATE"}
}

// WithConfigPath sets the YAML file Load reads, if it exists.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the default "LLMGATE" environment variable
// prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator registers a validation function Load runs after assembling
// the final Config.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load assembles and returns the final Config: defaults, then the YAML
// file (if configPath is set and exists), then environment variables,
// then validators.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("config: failed to load from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to load from environment: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config: validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: failed to read %q: %w", l.configPath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: failed to parse %q: %w", l.configPath, err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		var envKey string
		if isWellKnownExternalVar(envTag) {
			envKey = envTag
		} else {
			envKey = prefix + "_" + envTag
		}

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("config: failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

// isWellKnownExternalVar reports whether envTag names one of the standard
// unprefixed variables (provider credentials such as OPENAI_API_KEY, plus
// CLI_BIN_PATH, PROXY_PORT and friends), which are read verbatim rather than
// nested under LLMGATE_.
func isWellKnownExternalVar(envTag string) bool {
	switch envTag {
	case "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GOOGLE_CLOUD_PROJECT", "GOOGLE_CLOUD_REGION",
		"CLI_BIN_PATH", "PROXY_PORT", "PROXY_HOST", "LOG_LEVEL", "MYSQL_DSN":
		return true
	default:
		return false
	}
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(n)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads configuration from path, panicking on failure. Intended
// for cmd/ entry points where a bad config should fail fast at startup.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("config: failed to load: %v", err))
	}
	return cfg
}

// Validate checks invariants Load's structural parsing can't express on
// its own (ranges, required fields once a feature is enabled).
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.CLIProxy.Port <= 0 || c.CLIProxy.Port > 65535 {
		errs = append(errs, "cli_proxy.port must be between 1 and 65535")
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry.max_attempts must be positive")
	}
	if c.Retry.BackoffFactor < 1.0 {
		errs = append(errs, "retry.backoff_factor must be >= 1.0")
	}
	if c.CLIProxy.MaxConcurrent <= 0 {
		errs = append(errs, "cli_proxy.max_concurrent must be positive")
	}
	switch c.Convo.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("convo.driver %q is not one of sqlite, mysql", c.Convo.Driver))
	}
	if c.Convo.Driver == "mysql" && c.Convo.MySQLDSN == "" {
		errs = append(errs, "convo.driver is mysql but MYSQL_DSN is not set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// BaseURL returns the CLI proxy's HTTP base URL for clients like
// gateway/provider/cliproxy.Client to target.
func (c *CLIProxyConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}
