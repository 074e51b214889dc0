// Package config loads couchsync settings from a YAML file, a .env file and
// COUCHMODEL_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/couchmodel/couchmodel.go/pkg/constants"
)

const EnvPrefix = "COUCHMODEL_"

// Backends accepted in store.backend.
const (
	BackendCouchDB = "couchdb"
	BackendPebble  = "pebble"
	BackendMemory  = "memory"
)

type Config struct {
	Store struct {
		Backend  string        `yaml:"backend"`
		URL      string        `yaml:"url"`
		Username string        `yaml:"username"`
		Password string        `yaml:"password"`
		Path     string        `yaml:"path"`
		TypeKey  string        `yaml:"type_key"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"store"`
	Migration struct {
		Activate      bool `yaml:"activate"`
		Workers       int  `yaml:"workers"`
		MaxProxyDepth int  `yaml:"max_proxy_depth"`
	} `yaml:"migration"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // json|console
		File   string `yaml:"file"`
	} `yaml:"log"`
	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
}

// Default returns the settings used for anything left unset.
func Default() *Config {
	var c Config
	c.Store.Backend = BackendCouchDB
	c.Store.URL = "http://localhost:5984"
	c.Store.TypeKey = constants.DefaultTypeKey
	c.Store.Timeout = constants.DefaultStoreTimeout
	c.Migration.Activate = true
	c.Migration.Workers = constants.DefaultWorkers
	c.Migration.MaxProxyDepth = constants.DefaultMaxProxyDepth
	c.Log.Level = "info"
	c.Log.Format = "json"
	return &c
}

// Load reads path over the defaults, then applies the environment. An empty
// path skips the file. A .env file in the working directory is loaded into
// the process environment when present, without overriding set variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides settings from COUCHMODEL_* variables looked up with getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	str("STORE_BACKEND", &c.Store.Backend)
	str("STORE_URL", &c.Store.URL)
	str("STORE_USERNAME", &c.Store.Username)
	str("STORE_PASSWORD", &c.Store.Password)
	str("STORE_PATH", &c.Store.Path)
	str("STORE_TYPE_KEY", &c.Store.TypeKey)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_FILE", &c.Log.File)
	str("METRICS_LISTEN", &c.Metrics.Listen)

	var errs []error
	if v := getenv(EnvPrefix + "STORE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSTORE_TIMEOUT: %w", EnvPrefix, err))
		}
		c.Store.Timeout = d
	}
	if v := getenv(EnvPrefix + "MIGRATION_ACTIVATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sMIGRATION_ACTIVATE: %w", EnvPrefix, err))
		}
		c.Migration.Activate = b
	}
	for key, dst := range map[string]*int{
		"MIGRATION_WORKERS":         &c.Migration.Workers,
		"MIGRATION_MAX_PROXY_DEPTH": &c.Migration.MaxProxyDepth,
	} {
		v := getenv(EnvPrefix + key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			continue
		}
		*dst = n
	}
	return errors.Join(errs...)
}

// Validate checks the settings for consistency.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendCouchDB:
		if c.Store.URL == "" {
			errs = append(errs, errors.New("store.url is required for the couchdb backend"))
		} else if !strings.HasPrefix(c.Store.URL, constants.HTTPScheme+"://") &&
			!strings.HasPrefix(c.Store.URL, constants.HTTPSecureScheme+"://") {
			errs = append(errs, fmt.Errorf("store.url %q: unsupported scheme", c.Store.URL))
		}
	case BackendPebble:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the pebble backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("store.backend %q: %w", c.Store.Backend, constants.ErrUnknownStore))
	}
	if c.Store.TypeKey == "" {
		errs = append(errs, errors.New("store.type_key must not be empty"))
	}
	if c.Store.Timeout < 0 {
		errs = append(errs, errors.New("store.timeout must not be negative"))
	}
	if c.Migration.Workers < 1 {
		errs = append(errs, errors.New("migration.workers must be at least 1"))
	}
	if c.Migration.MaxProxyDepth < 1 {
		errs = append(errs, errors.New("migration.max_proxy_depth must be at least 1"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}
