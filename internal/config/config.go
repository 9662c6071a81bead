// File: internal/config/config.go
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

// Interface defines the contract for accessing application configuration.
// Components depend on the narrow getter they need rather than on globals.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Browser() BrowserConfig
	Stealth() StealthConfig
	Timeouts() TimeoutsConfig
	Retry() RetryConfig
	Form() FormConfig
	Server() ServerConfig

	SetBrowserHeadless(bool)
	SetStealthEnabled(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	StealthCfg  StealthConfig  `mapstructure:"stealth" yaml:"stealth"`
	TimeoutsCfg TimeoutsConfig `mapstructure:"timeouts" yaml:"timeouts"`
	RetryCfg    RetryConfig    `mapstructure:"retry" yaml:"retry"`
	FormCfg     FormConfig     `mapstructure:"form" yaml:"form"`
	ServerCfg   ServerConfig   `mapstructure:"server" yaml:"server"`
}

var _ Interface = (*Config)(nil)

// --- Getters ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Stealth() StealthConfig   { return c.StealthCfg }
func (c *Config) Timeouts() TimeoutsConfig { return c.TimeoutsCfg }
func (c *Config) Retry() RetryConfig       { return c.RetryCfg }
func (c *Config) Form() FormConfig         { return c.FormCfg }
func (c *Config) Server() ServerConfig     { return c.ServerCfg }

// --- Setters ---

func (c *Config) SetBrowserHeadless(b bool) { c.BrowserCfg.Headless = b }
func (c *Config) SetStealthEnabled(b bool)  { c.StealthCfg.Enabled = b }

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

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the optional history database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// HumanoidConfig tunes the typing cadence used when filling fields.
type HumanoidConfig struct {
	Enabled          bool    `mapstructure:"enabled" yaml:"enabled"`
	KeyDelayMeanMs   float64 `mapstructure:"key_delay_mean_ms" yaml:"key_delay_mean_ms"`
	KeyDelayStdDevMs float64 `mapstructure:"key_delay_stddev_ms" yaml:"key_delay_stddev_ms"`
	Seed             int64   `mapstructure:"seed" yaml:"seed"`
}

// BrowserConfig holds settings for the session pool and browser processes.
type BrowserConfig struct {
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	Debug           bool     `mapstructure:"debug" yaml:"debug"`
	ExecPath        string   `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir     string   `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args            []string `mapstructure:"args" yaml:"args"`

	PoolSize            int           `mapstructure:"pool_size" yaml:"pool_size"`
	AcquireTimeout      time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ReapInterval        time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
	MaxSessionUses      int           `mapstructure:"max_session_uses" yaml:"max_session_uses"`
	MaxLaunchFailures   int           `mapstructure:"max_launch_failures" yaml:"max_launch_failures"`
	LaunchTimeout       time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	LaunchRatePerSecond float64       `mapstructure:"launch_rate_per_second" yaml:"launch_rate_per_second"`
	HealthCheckTimeout  time.Duration `mapstructure:"health_check_timeout" yaml:"health_check_timeout"`

	Humanoid HumanoidConfig `mapstructure:"humanoid" yaml:"humanoid"`
}

// StealthConfig holds the default stealth profile. When disabled, sessions
// are launched with a bare profile that only carries the viewport.
type StealthConfig struct {
	Enabled bool                   `mapstructure:"enabled" yaml:"enabled"`
	Profile schemas.StealthProfile `mapstructure:",squash" yaml:",inline"`
}

// EffectiveProfile returns the profile sessions should use by default.
func (s StealthConfig) EffectiveProfile() schemas.StealthProfile {
	if s.Enabled {
		return s.Profile
	}
	return schemas.StealthProfile{Viewport: s.Profile.Viewport, Proxy: s.Profile.Proxy}
}

// TimeoutsConfig bounds every blocking step.
type TimeoutsConfig struct {
	Navigation       time.Duration `mapstructure:"navigation" yaml:"navigation"`
	Readiness        time.Duration `mapstructure:"readiness" yaml:"readiness"`
	NetworkIdleQuiet time.Duration `mapstructure:"network_idle_quiet" yaml:"network_idle_quiet"`
	FieldReadBack    time.Duration `mapstructure:"field_read_back" yaml:"field_read_back"`
	Confirmation     time.Duration `mapstructure:"confirmation" yaml:"confirmation"`
	ConfirmPoll      time.Duration `mapstructure:"confirm_poll" yaml:"confirm_poll"`
	Task             time.Duration `mapstructure:"task" yaml:"task"`
}

// RetryConfig is the retry/backoff policy.
type RetryConfig struct {
	MaxAttempts                 int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay                   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	Multiplier                  float64       `mapstructure:"multiplier" yaml:"multiplier"`
	Jitter                      float64       `mapstructure:"jitter" yaml:"jitter"`
	MaxDelay                    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	ExtractionMismatchThreshold int           `mapstructure:"extraction_mismatch_threshold" yaml:"extraction_mismatch_threshold"`
	FieldMismatchThreshold      int           `mapstructure:"field_mismatch_threshold" yaml:"field_mismatch_threshold"`
}

// FormConfig tunes the submission state machine.
type FormConfig struct {
	FieldRetryLimit int `mapstructure:"field_retry_limit" yaml:"field_retry_limit"`
	VerifyRounds    int `mapstructure:"verify_rounds" yaml:"verify_rounds"`
	HistoryLimit    int `mapstructure:"history_limit" yaml:"history_limit"`
}

// ServerConfig configures the HTTP front end.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	TaskRetention   time.Duration `mapstructure:"task_retention" yaml:"task_retention"`
}

// Addr is the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "formpilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Database --
	v.SetDefault("database.url", "")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_data_dir", "")
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.pool_size", 3)
	v.SetDefault("browser.acquire_timeout", "30s")
	v.SetDefault("browser.idle_timeout", "5m")
	v.SetDefault("browser.reap_interval", "30s")
	v.SetDefault("browser.max_session_uses", 25)
	v.SetDefault("browser.max_launch_failures", 3)
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.launch_rate_per_second", 2.0)
	v.SetDefault("browser.health_check_timeout", "5s")
	v.SetDefault("browser.humanoid.enabled", true)
	v.SetDefault("browser.humanoid.key_delay_mean_ms", 85.0)
	v.SetDefault("browser.humanoid.key_delay_stddev_ms", 30.0)
	v.SetDefault("browser.humanoid.seed", 0)

	// -- Stealth --
	def := schemas.DefaultStealthProfile
	v.SetDefault("stealth.enabled", true)
	v.SetDefault("stealth.user_agent", def.UserAgent)
	v.SetDefault("stealth.viewport.width", def.Viewport.Width)
	v.SetDefault("stealth.viewport.height", def.Viewport.Height)
	v.SetDefault("stealth.timezone", def.Timezone)
	v.SetDefault("stealth.locale", def.Locale)
	v.SetDefault("stealth.disable_automation_flags", def.DisableAutomationFlags)
	v.SetDefault("stealth.proxy", "")

	// -- Timeouts --
	v.SetDefault("timeouts.navigation", "30s")
	v.SetDefault("timeouts.readiness", "15s")
	v.SetDefault("timeouts.network_idle_quiet", "500ms")
	v.SetDefault("timeouts.field_read_back", "5s")
	v.SetDefault("timeouts.confirmation", "15s")
	v.SetDefault("timeouts.confirm_poll", "250ms")
	v.SetDefault("timeouts.task", "5m")

	// -- Retry --
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("retry.max_delay", "15s")
	v.SetDefault("retry.extraction_mismatch_threshold", 3)
	v.SetDefault("retry.field_mismatch_threshold", 3)

	// -- Form --
	v.SetDefault("form.field_retry_limit", 3)
	v.SetDefault("form.verify_rounds", 2)
	v.SetDefault("form.history_limit", 50)

	// -- Server --
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.request_timeout", "10m")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.task_retention", "1h")
}

// legacyEnv maps configuration keys onto the environment names used by the
// original container entrypoints.
var legacyEnv = map[string]string{
	"browser.headless":  "HEADLESS",
	"browser.debug":     "DEBUG",
	"browser.exec_path": "CHROME_BIN",
	"stealth.enabled":   "USE_STEALTH",
	"server.port":       "PORT",
	"database.url":      "DATABASE_URL",
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, EnvName(key), legacy); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// EnvName returns the prefixed environment variable for a dotted key.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "FORMPILOT"

func (c *Config) expandPaths() error {
	var err error
	if c.LoggerCfg.LogFile, err = homedir.Expand(c.LoggerCfg.LogFile); err != nil {
		return fmt.Errorf("could not resolve logger.log_file: %w", err)
	}
	if c.BrowserCfg.UserDataDir, err = homedir.Expand(c.BrowserCfg.UserDataDir); err != nil {
		return fmt.Errorf("could not resolve browser.user_data_dir: %w", err)
	}
	if c.BrowserCfg.ExecPath, err = homedir.Expand(c.BrowserCfg.ExecPath); err != nil {
		return fmt.Errorf("could not resolve browser.exec_path: %w", err)
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	b := c.BrowserCfg
	if b.PoolSize <= 0 {
		return fmt.Errorf("browser.pool_size must be a positive integer")
	}
	if b.MaxLaunchFailures <= 0 {
		return fmt.Errorf("browser.max_launch_failures must be a positive integer")
	}
	if b.AcquireTimeout <= 0 || b.LaunchTimeout <= 0 || b.HealthCheckTimeout <= 0 {
		return fmt.Errorf("browser timeouts must be positive durations")
	}
	if b.LaunchRatePerSecond <= 0 {
		return fmt.Errorf("browser.launch_rate_per_second must be positive")
	}

	if err := c.StealthCfg.validate(); err != nil {
		return err
	}

	t := c.TimeoutsCfg
	for name, d := range map[string]time.Duration{
		"timeouts.navigation":      t.Navigation,
		"timeouts.readiness":       t.Readiness,
		"timeouts.field_read_back": t.FieldReadBack,
		"timeouts.confirmation":    t.Confirmation,
		"timeouts.confirm_poll":    t.ConfirmPoll,
		"timeouts.task":            t.Task,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", name)
		}
	}

	r := c.RetryCfg
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be a positive integer")
	}
	if r.Multiplier < 1.0 {
		return fmt.Errorf("retry.multiplier must be at least 1.0")
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be between 0.0 and 1.0")
	}
	if r.BaseDelay < 0 || r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("retry.max_delay must not be smaller than retry.base_delay")
	}
	if r.ExtractionMismatchThreshold <= 0 || r.FieldMismatchThreshold <= 0 {
		return fmt.Errorf("retry mismatch thresholds must be positive integers")
	}

	if c.FormCfg.FieldRetryLimit < 0 || c.FormCfg.VerifyRounds <= 0 {
		return fmt.Errorf("form.field_retry_limit must be >= 0 and form.verify_rounds > 0")
	}
	if c.FormCfg.HistoryLimit <= 0 {
		return fmt.Errorf("form.history_limit must be a positive integer")
	}

	if c.ServerCfg.Port <= 0 || c.ServerCfg.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	return nil
}

func (s StealthConfig) validate() error {
	p := s.Profile
	if p.Viewport.Width <= 0 || p.Viewport.Height <= 0 {
		return fmt.Errorf("stealth.viewport width and height must be positive")
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return fmt.Errorf("stealth.timezone %q is not a valid IANA zone: %w", p.Timezone, err)
		}
	}
	if p.Proxy != "" {
		if _, err := schemas.ParseProxy(p.Proxy); err != nil {
			return fmt.Errorf("stealth.proxy is invalid: %w", err)
		}
	}
	return nil
}
