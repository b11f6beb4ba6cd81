// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	LLM     LLMConfig     `mapstructure:"llm" yaml:"llm"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	// Run gets its marching orders from CLI flags, not the config file.
	Run RunConfig `mapstructure:"-" yaml:"-"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// AgentConfig tunes the step state machine and its run driver.
type AgentConfig struct {
	MaxSteps                  int             `mapstructure:"max_steps" yaml:"max_steps"`
	StepTimeout               time.Duration   `mapstructure:"step_timeout" yaml:"step_timeout"`
	MaxFailures               int             `mapstructure:"max_failures" yaml:"max_failures"`
	FinalResponseAfterFailure bool            `mapstructure:"final_response_after_failure" yaml:"final_response_after_failure"`
	MaxActionsPerStep         int             `mapstructure:"max_actions_per_step" yaml:"max_actions_per_step"`
	GenerateArtifact          bool            `mapstructure:"generate_artifact" yaml:"generate_artifact"`
	ArtifactPath              string          `mapstructure:"artifact_path" yaml:"artifact_path"`
	Telemetry                 TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// TelemetryConfig controls run event dispatch.
type TelemetryConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	BufferSize  int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	StopTimeout time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
}

// BrowserConfig holds settings for the headless browser instance.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ScreenshotDir     string        `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
	MaxElements       int           `mapstructure:"max_elements" yaml:"max_elements"`
	MaxTextLength     int           `mapstructure:"max_text_length" yaml:"max_text_length"`
	Persona           PersonaConfig `mapstructure:"persona" yaml:"persona"`
}

// PersonaConfig overrides how the browser presents itself to pages. Empty
// fields keep the built-in profile.
type PersonaConfig struct {
	Enabled   bool     `mapstructure:"enabled" yaml:"enabled"`
	UserAgent string   `mapstructure:"user_agent" yaml:"user_agent"`
	Languages []string `mapstructure:"languages" yaml:"languages"`
	Timezone  string   `mapstructure:"timezone" yaml:"timezone"`
	Locale    string   `mapstructure:"locale" yaml:"locale"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
)

// LLMConfig configures the planning model.
type LLMConfig struct {
	Provider          LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"api_key" yaml:"-"`
	APITimeout        time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature       float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens         int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries"`
}

// StoreConfig selects where step history is persisted.
type StoreConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	URL  string `mapstructure:"url" yaml:"url"`
}

// RunConfig holds settings populated from CLI flags for a specific run.
type RunConfig struct {
	Task     string
	StartURL string
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "browsegraph")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Agent --
	v.SetDefault("agent.max_steps", 100)
	v.SetDefault("agent.step_timeout", "30s")
	v.SetDefault("agent.max_failures", 3)
	v.SetDefault("agent.final_response_after_failure", false)
	v.SetDefault("agent.max_actions_per_step", 10)
	v.SetDefault("agent.generate_artifact", false)
	v.SetDefault("agent.artifact_path", "agent_history.json")
	v.SetDefault("agent.telemetry.enabled", true)
	v.SetDefault("agent.telemetry.buffer_size", 100)
	v.SetDefault("agent.telemetry.stop_timeout", "3s")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 1100)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.max_elements", 200)
	v.SetDefault("browser.max_text_length", 4000)
	v.SetDefault("browser.persona.enabled", false)

	// -- LLM --
	v.SetDefault("llm.provider", string(ProviderGemini))
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.api_timeout", "60s")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.requests_per_minute", 30.0)
	v.SetDefault("llm.max_retries", 3)

	// -- Store --
	v.SetDefault("store.type", "memory")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	_ = v.BindEnv("llm.api_key", "BROWSEGRAPH_LLM_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("store.url", "BROWSEGRAPH_STORE_URL", "DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the key if Unmarshal didn't pick it up.
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent configuration invalid: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store configuration invalid: %w", err)
	}
	if c.LLM.RequestsPerMinute < 0 {
		return fmt.Errorf("llm.requests_per_minute must not be negative")
	}
	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("llm.max_retries must not be negative")
	}
	return nil
}

// Validate checks the AgentConfig settings.
func (a *AgentConfig) Validate() error {
	if a.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be a positive integer")
	}
	if a.StepTimeout <= 0 {
		return fmt.Errorf("step_timeout must be a positive duration")
	}
	if a.MaxFailures < 0 {
		return fmt.Errorf("max_failures must not be negative")
	}
	if a.MaxActionsPerStep <= 0 {
		return fmt.Errorf("max_actions_per_step must be a positive integer")
	}
	if a.GenerateArtifact && a.ArtifactPath == "" {
		return fmt.Errorf("artifact_path is required when generate_artifact is enabled")
	}
	return nil
}

// Validate checks the StoreConfig settings.
func (s *StoreConfig) Validate() error {
	switch s.Type {
	case "memory", "":
		return nil
	case "postgres":
		if s.URL == "" {
			return fmt.Errorf("url is required for the postgres store (BROWSEGRAPH_STORE_URL)")
		}
		return nil
	default:
		return fmt.Errorf("unknown store type specified: %s", s.Type)
	}
}
