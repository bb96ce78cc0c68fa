// Package config loads the application configuration.
//
// Values are layered: built-in defaults, then an optional sqlpage.yaml (or
// sqlpage.json) file in the configuration directory, then SQLPAGE_* environment
// variables. Command-line flags are applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// EnvConfigDir names the environment variable that overrides the configuration directory.
	EnvConfigDir = "SQLPAGE_CONFIGURATION_DIRECTORY"

	envPrefix          = "SQLPAGE_"
	defaultConfigDir   = "sqlpage"
	defaultDatabaseRel = "sqlpage.db"
)

// Environment distinguishes development from production behavior.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// AppConfig holds every runtime knob.
type AppConfig struct {
	DatabaseURL      string `yaml:"database_url"`
	DatabasePassword string `yaml:"database_password"`

	MaxDatabasePoolConnections              int     `yaml:"max_database_pool_connections"`
	DatabaseConnectionIdleTimeoutSeconds    float64 `yaml:"database_connection_idle_timeout_seconds"`
	DatabaseConnectionMaxLifetimeSeconds    float64 `yaml:"database_connection_max_lifetime_seconds"`
	DatabaseConnectionAcquireTimeoutSeconds float64 `yaml:"database_connection_acquire_timeout_seconds"`
	DatabaseConnectionRetries               int     `yaml:"database_connection_retries"`

	WebRoot                string `yaml:"web_root"`
	ConfigurationDirectory string `yaml:"configuration_directory"`
	SitePrefix             string `yaml:"site_prefix"`
	ListenOn               string `yaml:"listen_on"`
	Port                   int    `yaml:"port"`

	MaxPendingRows      int   `yaml:"max_pending_rows"`
	MaxRecursionDepth   int   `yaml:"max_recursion_depth"`
	MaxUploadedFileSize int64 `yaml:"max_uploaded_file_size"`
	AllowExec           bool  `yaml:"allow_exec"`

	Environment           Environment `yaml:"environment"`
	CompressResponses     bool        `yaml:"compress_responses"`
	ContentSecurityPolicy string      `yaml:"content_security_policy"`
	LogLevel              string      `yaml:"log_level"`
}

// Default returns a configuration populated with built-in defaults.
// The database URL is left empty and resolved by Load.
func Default() *AppConfig {
	return &AppConfig{
		DatabaseConnectionAcquireTimeoutSeconds: 10,
		DatabaseConnectionRetries:               6,
		WebRoot:                                 ".",
		ConfigurationDirectory:                  defaultConfigDir,
		SitePrefix:                              "/",
		ListenOn:                                "0.0.0.0",
		Port:                                    8080,
		MaxPendingRows:                          256,
		MaxRecursionDepth:                       10,
		MaxUploadedFileSize:                     5 * 1024 * 1024,
		Environment:                             Development,
		CompressResponses:                       true,
		ContentSecurityPolicy:                   "script-src 'self' 'nonce-{NONCE}'",
		LogLevel:                                "info",
	}
}

// Load builds the configuration for configDir. An empty configDir falls back to
// $SQLPAGE_CONFIGURATION_DIRECTORY and then ./sqlpage.
func Load(configDir string) (*AppConfig, error) {
	cfg := Default()
	if configDir == "" {
		configDir = os.Getenv(EnvConfigDir)
	}
	if configDir != "" {
		cfg.ConfigurationDirectory = configDir
	}
	if err := cfg.loadFile(); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile reads the first configuration file found in the configuration directory.
func (c *AppConfig) loadFile() error {
	for _, name := range []string{"sqlpage.yaml", "sqlpage.yml", "sqlpage.json"} {
		path := filepath.Join(c.ConfigurationDirectory, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		// JSON is a subset of YAML, so a single decoder covers both formats.
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		slog.Debug("loaded configuration file", "path", path)
		return nil
	}
	return nil
}

// applyEnv overrides fields from SQLPAGE_<NAME> variables, plus the bare
// DATABASE_URL, PORT and LISTEN_ON variables.
func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) error {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if name == "" {
			continue
		}
		raw, ok := lookup(envPrefix + strings.ToUpper(name))
		if !ok {
			switch name {
			case "database_url", "port", "listen_on":
				raw, ok = lookup(strings.ToUpper(name))
			}
		}
		if !ok {
			continue
		}
		if err := setField(v.Field(i), raw); err != nil {
			return fmt.Errorf("environment variable for %s: %w", name, err)
		}
	}
	return nil
}

func setField(f reflect.Value, raw string) error {
	switch f.Kind() {
	case reflect.String:
		f.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		f.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		f.SetInt(n)
	case reflect.Float64:
		x, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		f.SetFloat(x)
	default:
		return fmt.Errorf("unsupported field kind %s", f.Kind())
	}
	return nil
}

// Finish validates the configuration and fills in derived defaults.
// It must be called again after flags have been applied.
func (c *AppConfig) Finish() error {
	if c.MaxPendingRows <= 0 {
		return errors.New("max_pending_rows must be greater than zero")
	}
	if c.MaxRecursionDepth < 0 {
		return errors.New("max_recursion_depth must not be negative")
	}
	switch c.Environment {
	case Development, Production:
	case "dev":
		c.Environment = Development
	case "prod":
		c.Environment = Production
	default:
		return fmt.Errorf("invalid environment %q: expected development or production", c.Environment)
	}
	c.SitePrefix = NormalizeSitePrefix(c.SitePrefix)
	if c.DatabaseURL == "" {
		c.DatabaseURL = c.defaultDatabaseURL()
	}
	return nil
}

// defaultDatabaseURL prefers a SQLite file in the configuration directory, and
// falls back to an in-memory database when that directory is not writable.
func (c *AppConfig) defaultDatabaseURL() string {
	path := filepath.Join(c.ConfigurationDirectory, defaultDatabaseRel)
	if _, err := os.Stat(path); err == nil {
		return "sqlite://" + filepath.ToSlash(path)
	}
	if err := os.MkdirAll(c.ConfigurationDirectory, 0o755); err == nil {
		if f, err := os.Create(path); err == nil {
			f.Close()
			_ = os.Remove(path)
			return "sqlite://" + filepath.ToSlash(path) + "?mode=rwc"
		}
	}
	slog.Warn("no database_url provided and the configuration directory is not writable; using a temporary in-memory database")
	return "sqlite://:memory:"
}

// NormalizeSitePrefix returns prefix with exactly one leading and one trailing
// slash, with each path segment percent-encoded.
func NormalizeSitePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return "/"
	}
	parts := strings.Split(prefix, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return "/" + strings.Join(parts, "/") + "/"
}

// IsProduction reports whether detailed errors must be hidden from clients.
func (c *AppConfig) IsProduction() bool { return c.Environment == Production }

// AcquireTimeout is the maximum wait for a pooled database connection.
func (c *AppConfig) AcquireTimeout() time.Duration {
	return seconds(c.DatabaseConnectionAcquireTimeoutSeconds)
}

// IdleTimeout is zero when idle connections are never closed.
func (c *AppConfig) IdleTimeout() time.Duration {
	return seconds(c.DatabaseConnectionIdleTimeoutSeconds)
}

// MaxLifetime is zero when connections are reused forever.
func (c *AppConfig) MaxLifetime() time.Duration {
	return seconds(c.DatabaseConnectionMaxLifetimeSeconds)
}

// ListenAddr joins ListenOn and Port. A ListenOn value that already carries a
// port wins.
func (c *AppConfig) ListenAddr() string {
	if _, _, err := net.SplitHostPort(c.ListenOn); err == nil {
		return c.ListenOn
	}
	return net.JoinHostPort(c.ListenOn, strconv.Itoa(c.Port))
}

// TemplatesDir holds user-provided component templates.
func (c *AppConfig) TemplatesDir() string {
	return filepath.Join(c.ConfigurationDirectory, "templates")
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
