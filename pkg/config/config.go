// Package config loads imgsync settings. Values are layered: built-in
// defaults, then an optional YAML file, then a .env file and the process
// environment, then command-line flags (applied by the CLI).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/eunmann/imgsync/pkg/catalog"
	"github.com/eunmann/imgsync/pkg/history"
)

// Environment variables holding bearer tokens.
const (
	TokenEnv        = "SEAFOWL_PASSWORD"
	CatalogTokenEnv = "IMGSYNC_CATALOG_TOKEN"
)

// DefaultStoreEndpoint is a store running on the local machine.
const DefaultStoreEndpoint = "http://localhost:8080"

// Config is the full set of settings.
type Config struct {
	Catalog CatalogConfig `yaml:"catalog"`
	Store   StoreConfig   `yaml:"store"`
	History HistoryConfig `yaml:"history"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Models  ModelsConfig  `yaml:"models"`
	Log     LogConfig     `yaml:"log"`
}

// CatalogConfig identifies the catalog and the dataset to mirror.
type CatalogConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	Namespace       string        `yaml:"namespace"`
	Repository      string        `yaml:"repository"`
	SourceTable     string        `yaml:"source_table"`
	Attempts        int           `yaml:"attempts"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollInterval time.Duration `yaml:"max_poll_interval"`
	ExportTimeout   time.Duration `yaml:"export_timeout"`
	// Token is only read from the environment. The public catalog needs
	// none.
	Token string `yaml:"-"`
}

// StoreConfig identifies the analytical store.
type StoreConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
	// Token is only read from the environment.
	Token string `yaml:"-"`
}

// HistoryConfig names the history table.
type HistoryConfig struct {
	Schema string `yaml:"schema"`
	Table  string `yaml:"table"`
}

// IngestConfig controls an ingest run.
type IngestConfig struct {
	Daily       bool   `yaml:"daily"`
	MaxImages   int    `yaml:"max_images"`
	Validate    bool   `yaml:"validate"`
	Archive     string `yaml:"archive"`
	Pushgateway string `yaml:"pushgateway"`
	TempDir     string `yaml:"temp_dir"`
}

// ModelsConfig controls the model build.
type ModelsConfig struct {
	// Dir replaces the compiled-in model definitions when set.
	Dir string `yaml:"dir"`
}

// LogConfig controls log output.
type LogConfig struct {
	Debug bool `yaml:"debug"`
	Human bool `yaml:"human"`
}

// Default returns the built-in settings.
func Default() Config {
	cat := catalog.DefaultConfig()
	tbl := history.DefaultTable()
	return Config{
		Catalog: CatalogConfig{
			Endpoint:        cat.Endpoint,
			Namespace:       cat.Namespace,
			Repository:      cat.Repository,
			SourceTable:     cat.SourceTable,
			Attempts:        cat.Attempts,
			PollInterval:    cat.Poll.InitialInterval,
			MaxPollInterval: cat.Poll.MaxInterval,
			ExportTimeout:   cat.Poll.Timeout,
		},
		Store: StoreConfig{
			Endpoint: DefaultStoreEndpoint,
			Timeout:  5 * time.Minute,
		},
		History: HistoryConfig{
			Schema: tbl.Schema,
			Table:  tbl.Name,
		},
		Ingest: IngestConfig{
			Daily: true,
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadDotEnv loads variables from the given .env files (or ./.env) into the
// process environment. Missing files are ignored. Variables already set
// are left alone.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides settings from the environment through lookup, which
// is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(TokenEnv); ok {
		c.Store.Token = v
	}
	if v, ok := lookup(CatalogTokenEnv); ok {
		c.Catalog.Token = v
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"IMGSYNC_CATALOG_ENDPOINT", &c.Catalog.Endpoint},
		{"IMGSYNC_STORE_ENDPOINT", &c.Store.Endpoint},
		{"IMGSYNC_ARCHIVE", &c.Ingest.Archive},
		{"IMGSYNC_PUSHGATEWAY", &c.Ingest.Pushgateway},
		{"IMGSYNC_MODELS_DIR", &c.Models.Dir},
	}
	for _, s := range strs {
		if v, ok := lookup(s.key); ok {
			*s.dst = v
		}
	}

	if v, ok := lookup("IMGSYNC_MAX_IMAGES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("IMGSYNC_MAX_IMAGES: %w", err)
		}
		c.Ingest.MaxImages = n
	}
	if v, ok := lookup("IMGSYNC_DAILY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("IMGSYNC_DAILY: %w", err)
		}
		c.Ingest.Daily = b
	}
	return nil
}

// Validate checks that the settings can drive a run.
func (c *Config) Validate() error {
	if c.Catalog.Endpoint == "" {
		return errors.New("catalog endpoint is required")
	}
	if c.Store.Endpoint == "" {
		return errors.New("store endpoint is required")
	}
	if c.Catalog.Attempts < 1 {
		return fmt.Errorf("catalog attempts must be at least 1, got %d", c.Catalog.Attempts)
	}
	if c.Catalog.PollInterval <= 0 || c.Catalog.MaxPollInterval < c.Catalog.PollInterval {
		return fmt.Errorf("invalid poll intervals %s..%s", c.Catalog.PollInterval, c.Catalog.MaxPollInterval)
	}
	if c.Catalog.ExportTimeout <= 0 {
		return fmt.Errorf("export_timeout must be positive, got %s", c.Catalog.ExportTimeout)
	}
	if c.Ingest.MaxImages < 0 {
		return fmt.Errorf("max_images must not be negative, got %d", c.Ingest.MaxImages)
	}
	if c.History.Schema == "" || c.History.Table == "" {
		return errors.New("history schema and table are required")
	}
	return nil
}

// ClientConfig returns the catalog client settings.
func (c *Config) ClientConfig() catalog.Config {
	return catalog.Config{
		Endpoint:    c.Catalog.Endpoint,
		Namespace:   c.Catalog.Namespace,
		Repository:  c.Catalog.Repository,
		SourceTable: c.Catalog.SourceTable,
		Token:       c.Catalog.Token,
		Attempts:    c.Catalog.Attempts,
		Poll: catalog.PollConfig{
			InitialInterval: c.Catalog.PollInterval,
			MaxInterval:     c.Catalog.MaxPollInterval,
			Timeout:         c.Catalog.ExportTimeout,
		},
	}
}

// HistoryTable returns the history table with the configured names.
func (c *Config) HistoryTable() history.Table {
	t := history.DefaultTable()
	t.Schema = c.History.Schema
	t.Name = c.History.Table
	return t
}
