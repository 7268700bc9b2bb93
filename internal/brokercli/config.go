// config.go holds broker configuration: defaults, the YAML file, DSMQ_*
// environment variables, flags and positional host/port, in rising precedence.
package brokercli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/contenox/dsmq/brokerservice"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	backendSQLite = "sqlite"
	backendValkey = "valkey"
	backendMemory = "memory"
)

var errUsage = errors.New("expected at most two arguments: [host [port]]")

// Config is the resolved broker configuration.
type Config struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	TTL            time.Duration `yaml:"ttl"`
	Backend        string        `yaml:"backend"`
	DBName         string        `yaml:"db_name"`
	Retries        int           `yaml:"retries"`
	FirstRetry     time.Duration `yaml:"first_retry"`
	ValkeyAddr     string        `yaml:"valkey_addr"`
	ValkeyPassword string        `yaml:"valkey_password"`
	NATSURL        string        `yaml:"nats_url"`
	NATSUser       string        `yaml:"nats_user"`
	NATSPassword   string        `yaml:"nats_password"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	ReadBufferSize int           `yaml:"read_buffer_size"`
	MaxFrameSize   int           `yaml:"max_frame_size"`
	LogLevel       string        `yaml:"log_level"`
	Trace          bool          `yaml:"trace"`
}

func defaultConfig() Config {
	return Config{
		Host:           brokerservice.DefaultHost,
		Port:           brokerservice.DefaultPort,
		TTL:            brokerservice.DefaultTTL,
		Backend:        backendSQLite,
		DBName:         "dsmq",
		Retries:        5,
		FirstRetry:     10 * time.Millisecond,
		ReadBufferSize: brokerservice.DefaultReadBufferSize,
		MaxFrameSize:   brokerservice.DefaultMaxFrameSize,
		LogLevel:       "info",
	}
}

// loadConfigFile overlays the YAML file at path onto cfg. With an empty path
// ./.dsmq/config.yaml is tried and may be absent.
func loadConfigFile(path string, cfg *Config) (string, error) {
	explicit := path != ""
	if !explicit {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		path = filepath.Join(cwd, ".dsmq", "config.yaml")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return path, nil
}

// applyEnv overlays DSMQ_* variables onto cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = n
		}
		return nil
	}
	dur := func(name string, dst *time.Duration) error {
		if v, ok := lookup(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = d
		}
		return nil
	}
	flag := func(name string, dst *bool) error {
		if v, ok := lookup(name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = b
		}
		return nil
	}

	str("DSMQ_HOST", &cfg.Host)
	str("DSMQ_BACKEND", &cfg.Backend)
	str("DSMQ_DB_NAME", &cfg.DBName)
	str("DSMQ_VALKEY_ADDR", &cfg.ValkeyAddr)
	str("DSMQ_VALKEY_PASSWORD", &cfg.ValkeyPassword)
	str("DSMQ_NATS_URL", &cfg.NATSURL)
	str("DSMQ_NATS_USER", &cfg.NATSUser)
	str("DSMQ_NATS_PASSWORD", &cfg.NATSPassword)
	str("DSMQ_METRICS_ADDR", &cfg.MetricsAddr)
	str("DSMQ_LOG_LEVEL", &cfg.LogLevel)
	return errors.Join(
		flag("DSMQ_TRACE", &cfg.Trace),
		num("DSMQ_PORT", &cfg.Port),
		num("DSMQ_RETRIES", &cfg.Retries),
		dur("DSMQ_TTL", &cfg.TTL),
		dur("DSMQ_FIRST_RETRY", &cfg.FirstRetry),
		dur("DSMQ_SWEEP_INTERVAL", &cfg.SweepInterval),
	)
}

// applyFlags overlays the flags the user actually set.
func applyFlags(cmd *cobra.Command, cfg *Config) {
	f := cmd.Flags()
	changed := func(name string) bool { return f.Changed(name) }

	if changed("ttl") {
		cfg.TTL, _ = f.GetDuration("ttl")
	}
	if changed("backend") {
		cfg.Backend, _ = f.GetString("backend")
	}
	if changed("db-name") {
		cfg.DBName, _ = f.GetString("db-name")
	}
	if changed("retries") {
		cfg.Retries, _ = f.GetInt("retries")
	}
	if changed("first-retry") {
		cfg.FirstRetry, _ = f.GetDuration("first-retry")
	}
	if changed("valkey-addr") {
		cfg.ValkeyAddr, _ = f.GetString("valkey-addr")
	}
	if changed("valkey-password") {
		cfg.ValkeyPassword, _ = f.GetString("valkey-password")
	}
	if changed("nats-url") {
		cfg.NATSURL, _ = f.GetString("nats-url")
	}
	if changed("nats-user") {
		cfg.NATSUser, _ = f.GetString("nats-user")
	}
	if changed("nats-password") {
		cfg.NATSPassword, _ = f.GetString("nats-password")
	}
	if changed("max-frame") {
		cfg.MaxFrameSize, _ = f.GetInt("max-frame")
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr, _ = f.GetString("metrics-addr")
	}
	if changed("sweep-interval") {
		cfg.SweepInterval, _ = f.GetDuration("sweep-interval")
	}
	if changed("read-buffer") {
		cfg.ReadBufferSize, _ = f.GetInt("read-buffer")
	}
	if changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}
	if changed("trace") {
		cfg.Trace, _ = f.GetBool("trace")
	}
}

// applyArgs takes the positional [host [port]].
func applyArgs(args []string, cfg *Config) error {
	switch len(args) {
	case 0:
	case 1:
		cfg.Host = args[0]
	case 2:
		port, err := strconv.Atoi(args[1])
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("invalid port %q", args[1])
		}
		cfg.Host, cfg.Port = args[0], port
	default:
		return errUsage
	}
	return nil
}

func (c Config) validate() error {
	switch strings.ToLower(c.Backend) {
	case backendSQLite:
		if c.DBName == "" {
			return errors.New("db_name is required for the sqlite backend")
		}
	case backendValkey:
		if c.ValkeyAddr == "" {
			return errors.New("valkey_addr is required for the valkey backend")
		}
	case backendMemory:
	default:
		return fmt.Errorf("unknown backend %q (want sqlite, valkey or memory)", c.Backend)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", c.TTL)
	}
	return nil
}

// resolveConfig builds the serve configuration for cmd.
func resolveConfig(cmd *cobra.Command, args []string) (Config, error) {
	cfg := defaultConfig()
	path, _ := cmd.Flags().GetString("config")
	if _, err := loadConfigFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	applyFlags(cmd, &cfg)
	if err := applyArgs(args, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}
