// Package config loads the dzqueue configuration.
//
// Precedence, lowest first: built-in defaults, the JSON config file in the
// user config directory, a .env file, DZQ_* environment variables, and
// command-line flags. Nested keys use "__" in environment variables:
//
//	DZQ_MAX_RETRIES=5          -> max_retries
//	DZQ_CONCURRENCY__DOWNLOAD  -> concurrency.download
//	DZQ_LOG__LEVEL=debug       -> log.level
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const (
	appName        = "dzqueue"
	configFileName = "config.json"
	EnvPrefix      = "DZQ_"
)

type Config struct {
	DataDir          string            `koanf:"data_dir" json:"data_dir"`
	MaxRetries       int               `koanf:"max_retries" json:"max_retries"`
	BackoffBase      float64           `koanf:"backoff_base" json:"backoff_base"`
	BackoffDelay     time.Duration     `koanf:"backoff_delay" json:"backoff_delay"`
	BackoffMax       time.Duration     `koanf:"backoff_max" json:"backoff_max"`
	PollInterval     time.Duration     `koanf:"poll_interval" json:"poll_interval"`
	ProgressInterval time.Duration     `koanf:"progress_interval" json:"progress_interval"`
	CancelGrace      time.Duration     `koanf:"cancel_grace" json:"cancel_grace"`
	CancelPolicy     string            `koanf:"cancel_policy" json:"cancel_policy"`
	Concurrency      ConcurrencyConfig `koanf:"concurrency" json:"concurrency"`
	Tools            ToolsConfig       `koanf:"tools" json:"tools"`
	Log              LogConfig         `koanf:"log" json:"log"`
	HTTP             HTTPConfig        `koanf:"http" json:"http"`
}

type ConcurrencyConfig struct {
	Download int `koanf:"download" json:"download"`
	Extract  int `koanf:"extract" json:"extract"`
}

type ToolsConfig struct {
	Wget     string `koanf:"wget" json:"wget"`
	SevenZip string `koanf:"sevenzip" json:"sevenzip"`
}

type LogConfig struct {
	Level  string `koanf:"level" json:"level"`
	Format string `koanf:"format" json:"format"`
	File   string `koanf:"file" json:"file"`
}

type HTTPConfig struct {
	Addr        string   `koanf:"addr" json:"addr"`
	CORSOrigins []string `koanf:"cors_origins" json:"cors_origins"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:          "./db",
		MaxRetries:       3,
		BackoffBase:      2.0,
		BackoffDelay:     time.Second,
		BackoffMax:       time.Hour,
		PollInterval:     time.Second,
		ProgressInterval: 500 * time.Millisecond,
		CancelGrace:      time.Second,
		CancelPolicy:     "terminal",
		Concurrency: ConcurrencyConfig{
			Download: 3,
			Extract:  1,
		},
		Tools: ToolsConfig{
			Wget:     "wget",
			SevenZip: "7z",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		HTTP: HTTPConfig{
			CORSOrigins: []string{"*"},
		},
	}
}

// defaultsMap flattens DefaultConfig for the confmap provider.
func defaultsMap() map[string]any {
	def := DefaultConfig()
	return map[string]any{
		"data_dir":             def.DataDir,
		"max_retries":          def.MaxRetries,
		"backoff_base":         def.BackoffBase,
		"backoff_delay":        def.BackoffDelay.String(),
		"backoff_max":          def.BackoffMax.String(),
		"poll_interval":        def.PollInterval.String(),
		"progress_interval":    def.ProgressInterval.String(),
		"cancel_grace":         def.CancelGrace.String(),
		"cancel_policy":        def.CancelPolicy,
		"concurrency.download": def.Concurrency.Download,
		"concurrency.extract":  def.Concurrency.Extract,
		"tools.wget":           def.Tools.Wget,
		"tools.sevenzip":       def.Tools.SevenZip,
		"log.level":            def.Log.Level,
		"log.format":           def.Log.Format,
		"log.file":             def.Log.File,
		"http.addr":            def.HTTP.Addr,
		"http.cors_origins":    def.HTTP.CORSOrigins,
	}
}

// Keys lists every configuration key.
func Keys() []string {
	keys := make([]string, 0, len(defaultsMap()))
	for k := range defaultsMap() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Manager owns the koanf instance and the file it persists to.
type Manager struct {
	k        *koanf.Koanf
	path     string
	envFiles []string
}

// NewManager creates a Manager backed by path. An empty path uses the file
// in the user config directory.
func NewManager(path string) (*Manager, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return &Manager{k: koanf.New("."), path: path}, nil
}

// WithEnvFiles sets the dotenv files to load. The default is ".env" in the
// working directory.
func (m *Manager) WithEnvFiles(files ...string) *Manager {
	m.envFiles = append([]string{}, files...)
	return m
}

// DefaultPath returns <user config dir>/dzqueue/config.json.
func DefaultPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate user config dir: %w", err)
	}
	return filepath.Join(configDir, appName, configFileName), nil
}

func (m *Manager) Path() string { return m.path }

// Load merges all sources. flags may be nil; only flags the user changed
// override lower layers.
func (m *Manager) Load(flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultsMap(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if _, err := os.Stat(m.path); err == nil {
		if err := k.Load(file.Provider(m.path), json.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", m.path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	envFiles := m.envFiles
	if envFiles == nil {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// godotenv never overrides variables that are already set.
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, flagKey(flags)), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.k = k
	return &cfg, nil
}

// envKey maps DZQ_CONCURRENCY__DOWNLOAD to concurrency.download.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// flagKey maps --max-retries and --log.level to their keys. Flags the user
// did not set are skipped so they do not mask the file or environment, and
// so are flags that are not configuration keys.
func flagKey(fs *pflag.FlagSet) func(f *pflag.Flag) (string, any) {
	known := defaultsMap()
	return func(f *pflag.Flag) (string, any) {
		if !f.Changed {
			return "", nil
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		if _, ok := known[key]; !ok {
			return "", nil
		}
		return key, posflag.FlagVal(fs, f)
	}
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	switch {
	case c.DataDir == "":
		return errors.New("config: data_dir is required")
	case c.MaxRetries < 1:
		return fmt.Errorf("config: max_retries must be at least 1, got %d", c.MaxRetries)
	case c.BackoffBase < 1:
		return fmt.Errorf("config: backoff_base must be at least 1, got %g", c.BackoffBase)
	case c.Concurrency.Download < 1 || c.Concurrency.Extract < 1:
		return errors.New("config: concurrency limits must be at least 1")
	}
	switch c.CancelPolicy {
	case "terminal", "retry":
	default:
		return fmt.Errorf("config: cancel_policy must be terminal or retry, got %q", c.CancelPolicy)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// All returns the effective flattened configuration.
func (m *Manager) All() map[string]any {
	return m.k.All()
}

// Set validates value for key and writes it to the config file. Only keys
// already present in the file, plus the one being set, are persisted.
func (m *Manager) Set(key, value string) error {
	key = strings.ReplaceAll(key, "-", "_")
	if _, ok := defaultsMap()[key]; !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}

	stored := koanf.New(".")
	if _, err := os.Stat(m.path); err == nil {
		if err := stored.Load(file.Provider(m.path), json.Parser()); err != nil {
			return fmt.Errorf("load config file %s: %w", m.path, err)
		}
	}

	var v any = value
	switch defaultsMap()[key].(type) {
	case int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %s", key, value)
		}
		v = n
	case float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %s", key, value)
		}
		v = f
	case []string:
		v = strings.Split(value, ",")
	}
	if err := stored.Set(key, v); err != nil {
		return err
	}

	// Reject values that would not load.
	check := koanf.New(".")
	_ = check.Load(confmap.Provider(defaultsMap(), "."), nil)
	_ = check.Merge(stored)
	var cfg Config
	if err := check.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := stored.Marshal(json.Parser())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0o644)
}
