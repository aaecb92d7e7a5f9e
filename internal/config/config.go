// Package config loads jobsup configuration.
//
// Precedence, highest first: runtime overrides, JOBSUP_* environment
// variables, the YAML config file, built-in defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/jobsup/pkg/jobregistry"
)

const EnvPrefix = "JOBSUP"

// FileEnv names a config file used when none is given explicitly. The CLI
// exports it so re-executed workers read the same file as their parent.
const FileEnv = EnvPrefix + "_CONFIG_FILE"

// Config is the full jobsup configuration.
type Config struct {
	BaseDir          string             `mapstructure:"base_dir"`
	SpawnGracePeriod time.Duration      `mapstructure:"spawn_grace_period"`
	Logging          LoggingConfig      `mapstructure:"logging"`
	Worker           WorkerConfig       `mapstructure:"worker"`
	Stop             StopConfig         `mapstructure:"stop"`
	Housekeeping     HousekeepingConfig `mapstructure:"housekeeping"`
	Server           ServerConfig       `mapstructure:"server"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type WorkerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// LogLevel applies to the worker.log file in each job directory.
	LogLevel string `mapstructure:"log_level"`
}

type StopConfig struct {
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type HousekeepingConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Classes  []ClassConfig `mapstructure:"classes"`
}

// ClassConfig is one housekeeping job class.
type ClassConfig struct {
	Prefix   string        `mapstructure:"prefix"`
	MaxAge   time.Duration `mapstructure:"max_age"`
	MaxCount int           `mapstructure:"max_count"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// Load builds the configuration from defaults, an optional jobsup.yaml in the
// user config dir, the environment and overrides.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", overrides...)
}

// LoadFile is Load with an explicit config file. An empty path falls back to
// $JOBSUP_CONFIG_FILE, then searches the default locations; a missing default
// file is not an error, a missing explicit one is.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if path == "" {
		path = os.Getenv(FileEnv)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("jobsup")
		for _, dir := range defaultConfigDirs() {
			v.AddConfigPath(dir)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// Set ranks above env, MergeConfigMap would not.
	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base_dir: %w", err)
	}
	cfg.BaseDir = abs

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate rejects values the manager cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.BaseDir) == "" {
		errs = append(errs, errors.New("base_dir must not be empty"))
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"spawn_grace_period", c.SpawnGracePeriod},
		{"worker.poll_interval", c.Worker.PollInterval},
		{"stop.grace_period", c.Stop.GracePeriod},
		{"stop.poll_interval", c.Stop.PollInterval},
		{"housekeeping.interval", c.Housekeeping.Interval},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", d.key))
		}
	}
	for i, cl := range c.Housekeeping.Classes {
		if cl.MaxAge < 0 || cl.MaxCount < 0 {
			errs = append(errs, fmt.Errorf("housekeeping.classes[%d]: limits must not be negative", i))
		}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// JobClasses converts the configured classes, applying default limits where
// a class leaves them at zero.
func (c *Config) JobClasses() []jobregistry.JobClass {
	out := make([]jobregistry.JobClass, 0, len(c.Housekeeping.Classes))
	for _, cl := range c.Housekeeping.Classes {
		jc := jobregistry.NewJobClass(cl.Prefix)
		if cl.MaxAge > 0 {
			jc.MaxAge = cl.MaxAge
		}
		if cl.MaxCount > 0 {
			jc.MaxCount = cl.MaxCount
		}
		out = append(out, jc)
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base_dir", defaultBaseDir())
	v.SetDefault("spawn_grace_period", jobregistry.DefaultSpawnGracePeriod.String())

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("worker.poll_interval", jobregistry.DefaultPollInterval.String())
	v.SetDefault("worker.log_level", "info")

	v.SetDefault("stop.grace_period", jobregistry.DefaultStopGracePeriod.String())
	v.SetDefault("stop.poll_interval", jobregistry.DefaultStopPollInterval.String())

	v.SetDefault("housekeeping.interval", "1h")
	v.SetDefault("housekeeping.classes", []map[string]any{{"prefix": ""}})

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
}

func defaultBaseDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "jobsup", "jobs")
	}
	return filepath.Join(os.TempDir(), "jobsup", "jobs")
}

func defaultConfigDirs() []string {
	var dirs []string
	if dir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(dir, "jobsup"))
	}
	return append(dirs, "/etc/jobsup")
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
