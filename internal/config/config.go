// Package config loads the process configuration: defaults, then an
// optional YAML file, then SKYWORK_* environment variables, with later
// layers overriding earlier ones.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full process configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Job      JobConfig      `mapstructure:"job"`
	Email    EmailConfig    `mapstructure:"email"`
	History  HistoryConfig  `mapstructure:"history"`
	Artifact ArtifactConfig `mapstructure:"artifact"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// ResultsBaseURL is the public URL prefix of the results view, used
	// for default result descriptors and email links.
	ResultsBaseURL string `mapstructure:"results_base_url"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Structured bool   `mapstructure:"structured"`
}

// JobConfig tunes the scheduler.
type JobConfig struct {
	MaxPackagers      int           `mapstructure:"max_packagers"`
	PackagerQueue     int           `mapstructure:"packager_queue"`
	WaitComplete      time.Duration `mapstructure:"wait_complete"`
	ExecutionDuration int           `mapstructure:"execution_duration"`
	Retention         time.Duration `mapstructure:"retention"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	Expiry            time.Duration `mapstructure:"expiry"`
	UnmonitoredGrace  time.Duration `mapstructure:"unmonitored_grace"`
	WorkDir           string        `mapstructure:"work_dir"`
	MaxBundleBytes    int64         `mapstructure:"max_bundle_bytes"`
}

// EmailConfig configures completion notification mail.
type EmailConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	From        string `mapstructure:"from"`
	SupportAddr string `mapstructure:"support_addr"`
	AppName     string `mapstructure:"app_name"`
	AppURL      string `mapstructure:"app_url"`
}

// HistoryConfig configures UWS history import.
type HistoryConfig struct {
	// Services holds pipe-delimited descriptors: url|serviceId|serviceType.
	Services []string `mapstructure:"services"`

	// IgnoreRunIDs are glob patterns for internal bookkeeping jobs.
	IgnoreRunIDs []string `mapstructure:"ignore_run_ids"`
}

// ArtifactConfig selects and configures the artifact backend.
type ArtifactConfig struct {
	// Backend is "local" or "s3".
	Backend string `mapstructure:"backend"`

	LocalDir string `mapstructure:"local_dir"`
	BaseURL  string `mapstructure:"base_url"`

	S3 S3Config `mapstructure:"s3"`
}

// S3Config configures the S3 artifact backend.
type S3Config struct {
	Bucket          string        `mapstructure:"bucket"`
	Prefix          string        `mapstructure:"prefix"`
	Region          string        `mapstructure:"region"`
	Endpoint        string        `mapstructure:"endpoint"`
	Profile         string        `mapstructure:"profile"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	ForcePathStyle  bool          `mapstructure:"force_path_style"`
	PresignTTL      time.Duration `mapstructure:"presign_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.results_base_url", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.structured", true)

	v.SetDefault("job.max_packagers", 10)
	v.SetDefault("job.packager_queue", 100)
	v.SetDefault("job.wait_complete", time.Second)
	v.SetDefault("job.execution_duration", 0)
	v.SetDefault("job.retention", 7*24*time.Hour)
	v.SetDefault("job.sweep_interval", 30*time.Second)
	v.SetDefault("job.expiry", 14*24*time.Hour)
	v.SetDefault("job.unmonitored_grace", time.Hour)
	v.SetDefault("job.work_dir", "./data/jobs")
	v.SetDefault("job.max_bundle_bytes", int64(0))

	v.SetDefault("email.enabled", false)
	v.SetDefault("email.host", "")
	v.SetDefault("email.port", 587)
	v.SetDefault("email.username", "")
	v.SetDefault("email.password", "")
	v.SetDefault("email.from", "")
	v.SetDefault("email.support_addr", "")
	v.SetDefault("email.app_name", "Skywork")
	v.SetDefault("email.app_url", "")

	v.SetDefault("history.services", []string{})
	v.SetDefault("history.ignore_run_ids", []string{})

	v.SetDefault("artifact.backend", "local")
	v.SetDefault("artifact.local_dir", "./data/artifacts")
	v.SetDefault("artifact.base_url", "")
	v.SetDefault("artifact.s3.bucket", "")
	v.SetDefault("artifact.s3.prefix", "")
	v.SetDefault("artifact.s3.region", "")
	v.SetDefault("artifact.s3.endpoint", "")
	v.SetDefault("artifact.s3.profile", "")
	v.SetDefault("artifact.s3.access_key_id", "")
	v.SetDefault("artifact.s3.secret_access_key", "")
	v.SetDefault("artifact.s3.force_path_style", false)
	v.SetDefault("artifact.s3.presign_ttl", 7*24*time.Hour)
}

// Load reads the configuration. path optionally points at an explicit
// YAML file; when empty, skywork.yaml is searched in the working
// directory and $HOME/.skywork, and its absence is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SKYWORK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("skywork")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.skywork")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations that cannot start.
func (c *Config) Validate() error {
	switch c.Artifact.Backend {
	case "local":
	case "s3":
		if strings.TrimSpace(c.Artifact.S3.Bucket) == "" {
			return fmt.Errorf("artifact.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown artifact backend %q", c.Artifact.Backend)
	}
	if c.Email.Enabled && strings.TrimSpace(c.Email.Host) == "" {
		return fmt.Errorf("email.host is required when email is enabled")
	}
	return nil
}
