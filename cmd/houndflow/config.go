package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/rendis/houndflow/internal/engine"
	"github.com/rendis/houndflow/internal/host"
	"github.com/rendis/houndflow/internal/runner"
)

// Config holds all houndflow configuration.
// Priority: flags > HOUNDFLOW_* env vars > settings.json > defaults.
type Config struct {
	HostURL           string   `json:"host_url"`
	HostTimeout       duration `json:"host_timeout"`
	Store             string   `json:"store"`
	DBPath            string   `json:"db_path"`
	RedisAddr         string   `json:"redis_addr"`
	RedisTTL          duration `json:"redis_ttl"`
	LogLevel          string   `json:"log_level"`
	LogFormat         string   `json:"log_format"`
	MaxRetries        int      `json:"max_retries"`
	RetryDelay        duration `json:"retry_delay"`
	Backoff           string   `json:"backoff"`
	RetryableErrors   []string `json:"retryable_errors"`
	StepTimeout       duration `json:"step_timeout"`
	BreakerThreshold  int      `json:"breaker_threshold"`
	PoolSize          int      `json:"pool_size"`
	ResultRetention   duration `json:"result_retention"`
	SchedulerInterval duration `json:"scheduler_interval"`
}

// duration reads either a Go duration string ("1.5s") or milliseconds.
type duration time.Duration

func (d duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = duration(time.Duration(val) * time.Millisecond)
	case string:
		parsed, err := parseDuration(val)
		if err != nil {
			return err
		}
		*d = duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", data)
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

func defaultConfig() Config {
	return Config{
		HostURL:           host.DefaultURL,
		HostTimeout:       duration(host.DefaultCommandTimeout),
		Store:             "libsql",
		DBPath:            filepath.Join(houndflowDir(), "houndflow.db"),
		RedisAddr:         "localhost:6379",
		LogLevel:          "info",
		LogFormat:         "text",
		MaxRetries:        3,
		RetryDelay:        duration(time.Second),
		Backoff:           string(engine.BackoffExponential),
		RetryableErrors:   []string{"HostError"},
		BreakerThreshold:  host.DefaultBreakerConfig().FailureThreshold,
		PoolSize:          4,
		ResultRetention:   duration(runner.DefaultResultRetention),
		SchedulerInterval: duration(time.Minute),
	}
}

func houndflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".houndflow"
	}
	return filepath.Join(home, ".houndflow")
}

func settingsPath() string {
	return filepath.Join(houndflowDir(), "settings.json")
}

// loadConfig layers settings file and environment over the defaults. A
// missing default settings file is ignored; an explicit path must exist.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case explicit || !os.IsNotExist(err):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	dur := func(key string, dst *duration) error {
		if v := getenv(key); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = duration(d)
		}
		return nil
	}

	str("HOUNDFLOW_HOST_URL", &cfg.HostURL)
	str("HOUNDFLOW_STORE", &cfg.Store)
	str("HOUNDFLOW_DB_PATH", &cfg.DBPath)
	str("HOUNDFLOW_REDIS_ADDR", &cfg.RedisAddr)
	str("HOUNDFLOW_LOG_LEVEL", &cfg.LogLevel)
	str("HOUNDFLOW_LOG_FORMAT", &cfg.LogFormat)
	str("HOUNDFLOW_BACKOFF", &cfg.Backoff)
	if v := getenv("HOUNDFLOW_RETRYABLE_ERRORS"); v != "" {
		cfg.RetryableErrors = splitList(v)
	}

	for _, f := range []func() error{
		func() error { return num("HOUNDFLOW_MAX_RETRIES", &cfg.MaxRetries) },
		func() error { return num("HOUNDFLOW_BREAKER_THRESHOLD", &cfg.BreakerThreshold) },
		func() error { return num("HOUNDFLOW_POOL_SIZE", &cfg.PoolSize) },
		func() error { return dur("HOUNDFLOW_HOST_TIMEOUT", &cfg.HostTimeout) },
		func() error { return dur("HOUNDFLOW_REDIS_TTL", &cfg.RedisTTL) },
		func() error { return dur("HOUNDFLOW_RETRY_DELAY", &cfg.RetryDelay) },
		func() error { return dur("HOUNDFLOW_STEP_TIMEOUT", &cfg.StepTimeout) },
		func() error { return dur("HOUNDFLOW_SCHEDULER_INTERVAL", &cfg.SchedulerInterval) },
		func() error { return dur("HOUNDFLOW_RESULT_RETENTION", &cfg.ResultRetention) },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

// applyFlags overrides cfg with the global flags the user actually set.
func applyFlags(cfg *Config, cmd *cli.Command) {
	if cmd.IsSet("host-url") {
		cfg.HostURL = cmd.String("host-url")
	}
	if cmd.IsSet("store") {
		cfg.Store = cmd.String("store")
	}
	if cmd.IsSet("db-path") {
		cfg.DBPath = cmd.String("db-path")
	}
	if cmd.IsSet("redis-addr") {
		cfg.RedisAddr = cmd.String("redis-addr")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.LogFormat = cmd.String("log-format")
	}
	if cmd.IsSet("max-retries") {
		cfg.MaxRetries = int(cmd.Int("max-retries"))
	}
	if cmd.IsSet("step-timeout") {
		cfg.StepTimeout = duration(cmd.Duration("step-timeout"))
	}
}

func (c Config) validate() error {
	switch c.Store {
	case "memory", "libsql", "redis":
	default:
		return fmt.Errorf("unknown store %q (want memory, libsql or redis)", c.Store)
	}
	if _, err := engine.ParseBackoff(c.Backoff); err != nil {
		return err
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	return nil
}

func (c Config) engineConfig() engine.Config {
	backoff, _ := engine.ParseBackoff(c.Backoff)
	return engine.Config{
		Retry: engine.RetryConfig{
			MaxRetries:      c.MaxRetries,
			RetryDelay:      time.Duration(c.RetryDelay),
			Backoff:         backoff,
			RetryableErrors: c.RetryableErrors,
		},
		Checkpoint: c.Store != "memory",
	}
}

// diffConfigs returns the JSON names of fields that differ between two
// configurations, sorted.
func diffConfigs(old, new Config) []string {
	a, b := configFields(old), configFields(new)
	var changed []string
	for name, v := range b {
		if !reflect.DeepEqual(a[name], v) {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

func configFields(c Config) map[string]any {
	data, _ := json.Marshal(c)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return m
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
