// Package config loads fleetpatch configuration.
//
// Values are layered, lowest to highest precedence: built-in defaults, an
// optional fleetpatch.yaml, FLEETPATCH_* environment variables, and runtime
// overrides passed to Load.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/fleetpatch/pkg/archive"
	"github.com/3leaps/fleetpatch/pkg/orchestrator"
	"github.com/3leaps/fleetpatch/pkg/scheduler"
)

// Config is the fully resolved configuration.
type Config struct {
	Server       ServerConfig        `mapstructure:"server"`
	Logging      LoggingConfig       `mapstructure:"logging"`
	Metrics      MetricsConfig       `mapstructure:"metrics"`
	Health       HealthConfig        `mapstructure:"health"`
	Debug        DebugConfig         `mapstructure:"debug"`
	Store        StoreConfig         `mapstructure:"store"`
	Queue        QueueConfig         `mapstructure:"queue"`
	Orchestrator orchestrator.Config `mapstructure:"orchestrator"`
	Reboot       RebootConfig        `mapstructure:"reboot"`
	Rollout      RolloutConfig       `mapstructure:"rollout"`
	Archive      archive.Config      `mapstructure:"archive"`
	Scheduler    scheduler.Config    `mapstructure:"scheduler"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// Profile is STRUCTURED (JSON) or CONSOLE.
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
	DSN       string `mapstructure:"dsn"`
}

type QueueConfig struct {
	// Backend is memory or nats.
	Backend     string        `mapstructure:"backend"`
	NATSURL     string        `mapstructure:"nats_url"`
	Stream      string        `mapstructure:"stream"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

type RebootConfig struct {
	Delay time.Duration `mapstructure:"delay"`
}

type RolloutConfig struct {
	WindowGate     string `mapstructure:"window_gate"`
	BackoffMinutes []int  `mapstructure:"backoff_minutes"`
}

// identity names the application for file and environment lookup.
type identity struct {
	BinaryName string
	ConfigName string
	EnvPrefix  string
}

// EnvSpec maps a short environment variable onto a config key path.
type EnvSpec struct {
	Name string
	Path []string
}

var (
	configMu    sync.RWMutex
	appConfig   *Config
	appIdentity *identity
)

func defaultIdentity() *identity {
	return &identity{BinaryName: "fleetpatch", ConfigName: "fleetpatch", EnvPrefix: "FLEETPATCH_"}
}

// Load resolves configuration and stores it for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	configMu.Lock()
	if appIdentity == nil {
		appIdentity = defaultIdentity()
	}
	id := *appIdentity
	configMu.Unlock()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName(id.ConfigName)
	v.SetConfigType("yaml")
	if explicit := os.Getenv(id.EnvPrefix + "CONFIG"); explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		if root, err := findProjectRoot(); err == nil {
			v.AddConfigPath(root)
		}
		for _, p := range getUserConfigPaths() {
			v.AddConfigPath(p)
		}
		v.AddConfigPath("/etc/" + id.BinaryName)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	// Full paths (FLEETPATCH_SERVER_PORT) plus the short aliases below.
	v.SetEnvPrefix(strings.TrimSuffix(id.EnvPrefix, "_"))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		full := id.EnvPrefix + strings.ToUpper(strings.Join(spec.Path, "_"))
		if err := v.BindEnv(strings.Join(spec.Path, "."), spec.Name, full); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToIntSliceHook(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "fleetpatch.db")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.dsn", "")

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("queue.stream", "FLEETPATCH")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.retry_delay", 5*time.Second)

	v.SetDefault("orchestrator.job_workers", orchestrator.DefaultJobWorkers)
	v.SetDefault("orchestrator.device_workers", orchestrator.DefaultDeviceWorkers)
	v.SetDefault("orchestrator.poll_interval", orchestrator.DefaultPollInterval)
	v.SetDefault("orchestrator.poll_timeout", orchestrator.DefaultPollTimeout)
	v.SetDefault("orchestrator.sweep_delay", orchestrator.DefaultSweepDelay)
	v.SetDefault("orchestrator.output_limit", orchestrator.DefaultOutputLimit)
	v.SetDefault("orchestrator.dispatch_rate", 0.0)

	v.SetDefault("reboot.delay", 5*time.Minute)

	v.SetDefault("rollout.window_gate", "in_window")
	v.SetDefault("rollout.backoff_minutes", []int{5, 15, 60})

	v.SetDefault("archive.backend", archive.BackendNone)
	v.SetDefault("archive.dir", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.profile", "")
	v.SetDefault("archive.access_key_id", "")
	v.SetDefault("archive.secret_access_key", "")
	v.SetDefault("archive.force_path_style", false)

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.reload", scheduler.DefaultReload)
}

// getEnvSpecs lists the short environment aliases. Every key is also
// reachable through its full path, e.g. FLEETPATCH_ORCHESTRATOR_POLL_TIMEOUT.
func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []EnvSpec{}
	}
	p := id.EnvPrefix
	return []EnvSpec{
		{Name: p + "HOST", Path: []string{"server", "host"}},
		{Name: p + "PORT", Path: []string{"server", "port"}},
		{Name: p + "READ_TIMEOUT", Path: []string{"server", "read_timeout"}},
		{Name: p + "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}},
		{Name: p + "LOG_LEVEL", Path: []string{"logging", "level"}},
		{Name: p + "LOG_PROFILE", Path: []string{"logging", "profile"}},
		{Name: p + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}},
		{Name: p + "DB_DRIVER", Path: []string{"store", "driver"}},
		{Name: p + "DB_PATH", Path: []string{"store", "path"}},
		{Name: p + "DB_URL", Path: []string{"store", "url"}},
		{Name: p + "DB_AUTH_TOKEN", Path: []string{"store", "auth_token"}},
		{Name: p + "DATABASE_URL", Path: []string{"store", "dsn"}},
		{Name: p + "NATS_URL", Path: []string{"queue", "nats_url"}},
	}
}

// getUserConfigPaths returns per-user config directories.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}

	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, id.BinaryName))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", id.BinaryName))
	}
	return paths
}

// findProjectRoot walks up from the working directory to the nearest
// go.mod or fleetpatch.yaml. In CI the walk is bounded by the workspace
// directory when one is advertised; otherwise the working directory is used.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	boundary := ""
	if os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true" {
		for _, key := range []string{"FLEETPATCH_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"} {
			if b := ciBoundary(os.Getenv(key), cwd); b != "" {
				boundary = b
				break
			}
		}
	}

	dir := cwd
	for {
		for _, marker := range []string{"go.mod", "fleetpatch.yaml"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		if dir == boundary {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	if boundary != "" {
		return boundary, nil
	}
	return cwd, nil
}

// ciBoundary accepts an absolute, existing directory containing cwd.
func ciBoundary(candidate, cwd string) string {
	if candidate == "" || !filepath.IsAbs(candidate) {
		return ""
	}
	info, err := os.Stat(candidate)
	if err != nil || !info.IsDir() {
		return ""
	}
	rel, err := filepath.Rel(candidate, cwd)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.Clean(candidate)
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := m[k].(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = m[k]
	}
	return out
}

// stringToIntSliceHook decodes "5,15,60" into []int.
func stringToIntSliceHook() mapstructure.DecodeHookFuncType {
	intSlice := reflect.TypeOf([]int(nil))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != intSlice {
			return data, nil
		}
		raw := strings.TrimSpace(reflect.ValueOf(data).String())
		if raw == "" {
			return []int{}, nil
		}
		parts := strings.Split(raw, ",")
		out := make([]int, 0, len(parts))
		for _, part := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return nil, fmt.Errorf("invalid integer list %q: %w", raw, err)
			}
			out = append(out, n)
		}
		return out, nil
	}
}
