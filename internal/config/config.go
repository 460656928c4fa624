// Package config loads daemon settings from a TOML file and CLIPROXYCTL_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/cliproxyctl/internal/logger"
)

// EnvPrefix is prepended to environment overrides, e.g. CLIPROXYCTL_SERVER_PORT.
const EnvPrefix = "CLIPROXYCTL"

type Config struct {
	Server     ServerConfig     `toml:"server" mapstructure:"server"`
	Proxy      ProxyConfig      `toml:"proxy" mapstructure:"proxy"`
	Supervisor SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	Login      LoginConfig      `toml:"login" mapstructure:"login"`
	Update     UpdateConfig     `toml:"update" mapstructure:"update"`
	Models     ModelsConfig     `toml:"models" mapstructure:"models"`
	Log        logger.Config    `toml:"log" mapstructure:"log"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
	Metrics    MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
}

// ServerConfig controls the HTTP gateway.
type ServerConfig struct {
	Host         string        `toml:"host" mapstructure:"host"`
	Port         int           `toml:"port" mapstructure:"port"`
	BindAttempts int           `toml:"bind_attempts" mapstructure:"bind_attempts"`
	BindBackoff  time.Duration `toml:"bind_backoff" mapstructure:"bind_backoff"`
	StaticDir    string        `toml:"static_dir" mapstructure:"static_dir"`
	ReadTimeout  time.Duration `toml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `toml:"idle_timeout" mapstructure:"idle_timeout"`
	PIDFile      string        `toml:"pid_file" mapstructure:"pid_file"` // daemon's own pid when daemonized
}

// ProxyConfig describes the supervised CLIProxyAPI+ server.
type ProxyConfig struct {
	Binary     string   `toml:"binary" mapstructure:"binary"`
	ConfigDir  string   `toml:"config_dir" mapstructure:"config_dir"`
	ConfigFile string   `toml:"config_file" mapstructure:"config_file"`
	PIDFile    string   `toml:"pid_file" mapstructure:"pid_file"`
	Port       int      `toml:"port" mapstructure:"port"`
	LogFile    string   `toml:"log_file" mapstructure:"log_file"`
	Env        []string `toml:"env" mapstructure:"env"`
	EnvFiles   []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv   bool     `toml:"use_os_env" mapstructure:"use_os_env"`
}

type SupervisorConfig struct {
	Settle          time.Duration `toml:"settle" mapstructure:"settle"`
	PollInterval    time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	PollAttempts    int           `toml:"poll_attempts" mapstructure:"poll_attempts"`
	RestartCooldown time.Duration `toml:"restart_cooldown" mapstructure:"restart_cooldown"`
}

type LoginConfig struct {
	Script string `toml:"script" mapstructure:"script"`
}

type UpdateConfig struct {
	URL            string        `toml:"url" mapstructure:"url"`
	CurrentVersion string        `toml:"current_version" mapstructure:"current_version"`
	Timeout        time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type ModelsConfig struct {
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

// HistoryConfig lists lifecycle history sinks by DSN (see history/factory).
type HistoryConfig struct {
	Sinks []string `toml:"sinks" mapstructure:"sinks"`
}

type MetricsConfig struct {
	Enabled        bool          `toml:"enabled" mapstructure:"enabled"`
	Path           string        `toml:"path" mapstructure:"path"`
	SampleInterval time.Duration `toml:"sample_interval" mapstructure:"sample_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8173)
	v.SetDefault("server.bind_attempts", 5)
	v.SetDefault("server.bind_backoff", 500*time.Millisecond)
	v.SetDefault("server.static_dir", "gui")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.pid_file", "cliproxyctl.pid")

	v.SetDefault("proxy.binary", "~/bin/cliproxyapi-plus")
	v.SetDefault("proxy.config_dir", "~/.cli-proxy-api")
	v.SetDefault("proxy.config_file", "config.yaml")
	v.SetDefault("proxy.pid_file", "server.pid")
	v.SetDefault("proxy.port", 8317)
	v.SetDefault("proxy.log_file", "")
	v.SetDefault("proxy.env", []string{})
	v.SetDefault("proxy.env_files", []string{})
	v.SetDefault("proxy.use_os_env", true)

	v.SetDefault("supervisor.settle", 500*time.Millisecond)
	v.SetDefault("supervisor.poll_interval", 200*time.Millisecond)
	v.SetDefault("supervisor.poll_attempts", 10)
	v.SetDefault("supervisor.restart_cooldown", time.Second)

	v.SetDefault("login.script", "~/bin/cliproxyapi-oauth")

	v.SetDefault("update.url", "https://api.github.com/repos/julianromli/CLIProxyAPIPlus-Easy-Installation/releases/latest")
	v.SetDefault("update.current_version", "1.1.0")
	v.SetDefault("update.timeout", 5*time.Second)

	v.SetDefault("models.timeout", 2*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.show_time", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("history.sinks", []string{})

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.sample_interval", 5*time.Second)
}

// Load reads the TOML file at path (optional) over built-in defaults, applies
// CLIPROXYCTL_* environment overrides, resolves paths and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.resolvePaths()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ConfigPath is the absolute location of the proxy's YAML config.
func (c *Config) ConfigPath() string { return c.Proxy.ConfigFile }

// PIDPath is the absolute location of the proxy's PID file.
func (c *Config) PIDPath() string { return c.Proxy.PIDFile }

func (c *Config) resolvePaths() {
	home, _ := os.UserHomeDir()
	exp := func(p string) string { return expandHome(p, home) }

	c.Proxy.ConfigDir = exp(c.Proxy.ConfigDir)
	c.Proxy.Binary = exp(c.Proxy.Binary)
	c.Proxy.ConfigFile = inDir(c.Proxy.ConfigDir, exp(c.Proxy.ConfigFile))
	c.Proxy.PIDFile = inDir(c.Proxy.ConfigDir, exp(c.Proxy.PIDFile))
	if c.Proxy.LogFile != "" {
		c.Proxy.LogFile = inDir(c.Proxy.ConfigDir, exp(c.Proxy.LogFile))
	}
	for i, f := range c.Proxy.EnvFiles {
		c.Proxy.EnvFiles[i] = inDir(c.Proxy.ConfigDir, exp(f))
	}
	c.Server.PIDFile = inDir(c.Proxy.ConfigDir, exp(c.Server.PIDFile))
	c.Server.StaticDir = exp(c.Server.StaticDir)
	c.Login.Script = exp(c.Login.Script)
	if c.Log.File != "" {
		c.Log.File = inDir(c.Proxy.ConfigDir, exp(c.Log.File))
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.BindAttempts < 1 {
		errs = append(errs, fmt.Errorf("server.bind_attempts must be >= 1, got %d", c.Server.BindAttempts))
	}
	if c.Server.BindBackoff < 0 {
		errs = append(errs, errors.New("server.bind_backoff cannot be negative"))
	}
	if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
		errs = append(errs, fmt.Errorf("proxy.port out of range: %d", c.Proxy.Port))
	}
	if strings.TrimSpace(c.Proxy.Binary) == "" {
		errs = append(errs, errors.New("proxy.binary is required"))
	}
	if c.Supervisor.Settle < 0 || c.Supervisor.PollInterval <= 0 || c.Supervisor.RestartCooldown < 0 {
		errs = append(errs, errors.New("supervisor intervals must be positive"))
	}
	if c.Supervisor.PollAttempts < 1 {
		errs = append(errs, fmt.Errorf("supervisor.poll_attempts must be >= 1, got %d", c.Supervisor.PollAttempts))
	}
	if c.Update.Timeout <= 0 || c.Models.Timeout <= 0 {
		errs = append(errs, errors.New("update.timeout and models.timeout must be positive"))
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path must start with '/': %q", c.Metrics.Path))
	}
	if c.Metrics.Enabled && strings.HasPrefix(c.Metrics.Path, "/api/") {
		errs = append(errs, fmt.Errorf("metrics.path must not live under /api/: %q", c.Metrics.Path))
	}
	return errors.Join(errs...)
}

func expandHome(p, home string) string {
	if home == "" {
		return p
	}
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}

func inDir(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
