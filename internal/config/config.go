package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration of a probe run.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts" yaml:"timeouts"`
	Runner   RunnerConfig   `mapstructure:"runner" yaml:"runner"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Target   TargetConfig   `mapstructure:"target" yaml:"target"`
	Report   ReportConfig   `mapstructure:"report" yaml:"report"`
	Network  NetworkConfig  `mapstructure:"network" yaml:"network"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing" yaml:"tracing"`
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

// ColorConfig names the terminal colour of each log level.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
}

// BrowserConfig controls how Chromium is launched.
type BrowserConfig struct {
	Headless     bool           `mapstructure:"headless" yaml:"headless"`
	ExecPath     string         `mapstructure:"exec_path" yaml:"exec_path"`
	Args         []string       `mapstructure:"args" yaml:"args"`
	Viewport     ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	NoSandbox    bool           `mapstructure:"no_sandbox" yaml:"no_sandbox"`
	CloseTimeout time.Duration  `mapstructure:"close_timeout" yaml:"close_timeout"`
	Debug        bool           `mapstructure:"debug" yaml:"debug"`
}

// ViewportConfig is the window size in CSS pixels.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// TimeoutsConfig holds the default bounds of every waiting operation.
type TimeoutsConfig struct {
	Action     time.Duration `mapstructure:"action" yaml:"action"`
	Navigation time.Duration `mapstructure:"navigation" yaml:"navigation"`
	FrameReady time.Duration `mapstructure:"frame_ready" yaml:"frame_ready"`
	Settle     time.Duration `mapstructure:"settle" yaml:"settle"`
	SettleMode string        `mapstructure:"settle_mode" yaml:"settle_mode"`
	Poll       time.Duration `mapstructure:"poll" yaml:"poll"`
}

// RunnerConfig tunes per-test execution.
type RunnerConfig struct {
	StrictInconclusive bool `mapstructure:"strict_inconclusive" yaml:"strict_inconclusive"`
	CaptureOnFailure   bool `mapstructure:"capture_on_failure" yaml:"capture_on_failure"`
}

// EngineConfig configures how a suite's tests are scheduled.
type EngineConfig struct {
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
	LaunchRate  float64       `mapstructure:"launch_rate" yaml:"launch_rate"`
	LaunchBurst int           `mapstructure:"launch_burst" yaml:"launch_burst"`
	TestTimeout time.Duration `mapstructure:"test_timeout" yaml:"test_timeout"`
}

// TargetConfig describes the application under test.
type TargetConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// ReportConfig selects the report outputs.
type ReportConfig struct {
	JSONPath          string `mapstructure:"json_path" yaml:"json_path"`
	JUnitPath         string `mapstructure:"junit_path" yaml:"junit_path"`
	ArtifactsDir      string `mapstructure:"artifacts_dir" yaml:"artifacts_dir"`
	CompressArtifacts bool   `mapstructure:"compress_artifacts" yaml:"compress_artifacts"`
}

// NetworkConfig enables the recording proxy.
type NetworkConfig struct {
	Capture     bool   `mapstructure:"capture" yaml:"capture"`
	ProxyListen string `mapstructure:"proxy_listen" yaml:"proxy_listen"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// MetricsConfig exposes Prometheus metrics over HTTP when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// TracingConfig writes OpenTelemetry spans to a file when enabled.
type TracingConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Output  string `mapstructure:"output" yaml:"output"`
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

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "probe")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.viewport.width", 1280)
	v.SetDefault("browser.viewport.height", 720)
	v.SetDefault("browser.no_sandbox", true)
	v.SetDefault("browser.close_timeout", "10s")
	v.SetDefault("browser.debug", false)

	// -- Timeouts --
	v.SetDefault("timeouts.action", "5s")
	v.SetDefault("timeouts.navigation", "10s")
	v.SetDefault("timeouts.frame_ready", "3s")
	v.SetDefault("timeouts.settle", "3s")
	v.SetDefault("timeouts.settle_mode", "stable")
	v.SetDefault("timeouts.poll", "100ms")

	// -- Runner --
	v.SetDefault("runner.strict_inconclusive", false)
	v.SetDefault("runner.capture_on_failure", true)

	// -- Engine --
	v.SetDefault("engine.concurrency", 1)
	v.SetDefault("engine.launch_rate", 2.0)
	v.SetDefault("engine.launch_burst", 1)
	v.SetDefault("engine.test_timeout", "5m")

	// -- Report --
	v.SetDefault("report.artifacts_dir", "probe-artifacts")
	v.SetDefault("report.compress_artifacts", true)

	// -- Network --
	v.SetDefault("network.capture", false)
	v.SetDefault("network.proxy_listen", "127.0.0.1:0")

	// -- Tracing --
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.output", "")
}

// NewConfigFromViper creates a validated configuration from a viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Keys without a default are invisible to AutomaticEnv during Unmarshal.
	_ = v.BindEnv("database.url", "PROBE_DATABASE_URL")
	_ = v.BindEnv("target.base_url", "PROBE_TARGET_BASE_URL", "PROBE_BASE_URL")
	_ = v.BindEnv("metrics.addr", "PROBE_METRICS_ADDR")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for sane values.
func (c *Config) Validate() error {
	if c.Engine.Concurrency <= 0 {
		return fmt.Errorf("engine.concurrency must be a positive integer")
	}
	if c.Engine.LaunchRate < 0 {
		return fmt.Errorf("engine.launch_rate must not be negative")
	}
	if c.Browser.Viewport.Width <= 0 || c.Browser.Viewport.Height <= 0 {
		return fmt.Errorf("browser.viewport must have a positive width and height")
	}
	if err := c.Timeouts.Validate(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	return nil
}

// Validate checks the timeout settings.
func (t *TimeoutsConfig) Validate() error {
	for name, d := range map[string]time.Duration{
		"action":      t.Action,
		"navigation":  t.Navigation,
		"frame_ready": t.FrameReady,
		"poll":        t.Poll,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", name)
		}
	}
	if t.Settle < 0 {
		return fmt.Errorf("settle must not be negative")
	}
	switch t.SettleMode {
	case "stable", "fixed", "off":
	default:
		return fmt.Errorf("settle_mode must be one of stable, fixed, off; got %q", t.SettleMode)
	}
	return nil
}
