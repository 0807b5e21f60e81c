// Package config loads skillet's own settings through viper: flags, then
// SKILLET_* environment variables, then ~/.skillet/config.yaml or
// ./config.yaml, then built-in defaults.
package config

import (
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/jingkaihe/skillet/pkg/backend"
	"github.com/jingkaihe/skillet/pkg/telemetry"
)

// EnvPrefix is prepended to every environment variable viper reads.
const EnvPrefix = "SKILLET"

// replacer maps nested keys such as server.port to SKILLET_SERVER_PORT.
var replacer = strings.NewReplacer(".", "_")

// Config is the decoded configuration.
type Config struct {
	LogLevel  string           `mapstructure:"log_level"`
	LogFormat string           `mapstructure:"log_format"`
	Manifest  string           `mapstructure:"manifest"`
	WorkDir   string           `mapstructure:"work_dir"`
	Watch     bool             `mapstructure:"watch"`
	Audit     AuditConfig      `mapstructure:"audit"`
	Runtime   RuntimeConfig    `mapstructure:"runtime"`
	Server    ServerConfig     `mapstructure:"server"`
	MCP       MCPConfig        `mapstructure:"mcp"`
	Tracing   telemetry.Config `mapstructure:"tracing"`
}

// AuditConfig controls the invocation history store.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
	// Retention prunes records older than this at startup; zero keeps all.
	Retention time.Duration `mapstructure:"retention"`
}

// RuntimeConfig tunes the execution backends.
type RuntimeConfig struct {
	KillGrace      time.Duration `mapstructure:"kill_grace"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes"`
	DockerPath     string        `mapstructure:"docker_path"`
	PassEnv        []string      `mapstructure:"pass_env"`
}

// ServerConfig is the HTTP listener of skillet serve.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// MCPConfig tunes the MCP server.
type MCPConfig struct {
	MaxOutput int `mapstructure:"max_output"`
}

// SetDefaults registers the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "fmt")
	v.SetDefault("manifest", "")
	v.SetDefault("work_dir", "")
	v.SetDefault("watch", false)
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.db_path", "")
	v.SetDefault("audit.retention", "0s")
	v.SetDefault("runtime.kill_grace", "2s")
	v.SetDefault("runtime.max_output_bytes", backend.DefaultMaxOutputBytes)
	v.SetDefault("runtime.docker_path", backend.DefaultDockerPath)
	v.SetDefault("runtime.pass_env", backend.DefaultPassEnv)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("mcp.max_output", 50000)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", telemetry.DefaultServiceName)
	v.SetDefault("tracing.sampler", "always")
	v.SetDefault("tracing.sampler_ratio", 1.0)
}

// Init prepares v to read the environment and the config file. A missing
// config file is not an error; a malformed one is.
func Init(v *viper.Viper) error {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME/.skillet")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.Wrap(err, "failed to read config file")
	}
	return nil
}

// Load decodes the merged settings of v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create config decoder")
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	switch c.LogFormat {
	case "fmt", "json":
	default:
		result = multierror.Append(result, errors.Errorf("log_format: must be fmt or json, got %q", c.LogFormat))
	}
	if c.Runtime.KillGrace < 0 {
		result = multierror.Append(result, errors.Errorf("runtime.kill_grace: must not be negative, got %s", c.Runtime.KillGrace))
	}
	if c.Runtime.MaxOutputBytes <= 0 {
		result = multierror.Append(result, errors.Errorf("runtime.max_output_bytes: must be positive, got %d", c.Runtime.MaxOutputBytes))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		result = multierror.Append(result, errors.Errorf("server.port: must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.MCP.MaxOutput < 0 {
		result = multierror.Append(result, errors.Errorf("mcp.max_output: must not be negative, got %d", c.MCP.MaxOutput))
	}
	switch c.Tracing.Sampler {
	case "always", "never":
	case "ratio":
		if c.Tracing.SamplerRatio < 0 || c.Tracing.SamplerRatio > 1 {
			result = multierror.Append(result, errors.Errorf("tracing.sampler_ratio: must be within [0, 1], got %g", c.Tracing.SamplerRatio))
		}
	default:
		result = multierror.Append(result, errors.Errorf("tracing.sampler: must be always, never or ratio, got %q", c.Tracing.Sampler))
	}

	return result.ErrorOrNil()
}

// BackendOptions converts the runtime settings for backend.NewDefaultRegistry.
func (c *Config) BackendOptions() backend.Options {
	return backend.Options{
		KillGrace:      c.Runtime.KillGrace,
		MaxOutputBytes: c.Runtime.MaxOutputBytes,
		PassEnv:        c.Runtime.PassEnv,
		DockerPath:     c.Runtime.DockerPath,
	}
}
