// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

// Package config loads the settings of one epss-sync invocation from a YAML
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/bonial-oss/epss-sync/internal/enricher"
	"github.com/bonial-oss/epss-sync/internal/logging"
)

const (
	BackendFS     = "fs"
	BackendS3     = "s3"
	BackendValkey = "valkey"
	BackendSQLite = "sqlite"

	defaultEPSSURL   = "https://epss.empiricalsecurity.com"
	defaultNVDFeeds  = "https://nvd.nist.gov/feeds/json/cve/1.1"
	defaultNVDAPI    = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	defaultFeed      = "nvdcve-1.1-modified"
	defaultS3Region  = "auto"
	defaultMetricJob = "epss-sync"

	// NVD asks for six seconds between requests without an API key.
	anonymousRequestDelay = 6 * time.Second
	keyedRequestDelay     = 600 * time.Millisecond
)

// Config holds everything a command needs to build its collaborators.
type Config struct {
	Log     logging.Config `yaml:"log"`
	Store   Store          `yaml:"store"`
	EPSS    EPSS           `yaml:"epss"`
	NVD     NVD            `yaml:"nvd"`
	Sync    Sync           `yaml:"sync"`
	Metrics Metrics        `yaml:"metrics"`
}

// Store selects and configures the blob backend.
type Store struct {
	Backend string `yaml:"backend"`

	// fs
	Dir string `yaml:"dir"`

	// s3 (R2 and other S3-compatible endpoints)
	Bucket          string `yaml:"bucket"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	// valkey
	ValkeyAddr string `yaml:"valkey_addr"`

	// sqlite
	SQLitePath string `yaml:"sqlite_path"`
}

// EPSS configures the bulk score feed.
type EPSS struct {
	URL        string        `yaml:"url"`
	CacheDir   string        `yaml:"cache_dir"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
	SkipUpdate bool          `yaml:"skip_update"`
}

// NVD configures the vulnerability feeds and API.
type NVD struct {
	FeedURL      string        `yaml:"feed_url"`
	APIURL       string        `yaml:"api_url"`
	APIKey       string        `yaml:"api_key"`
	Feeds        []string      `yaml:"feeds"`
	RequestDelay time.Duration `yaml:"request_delay"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   uint64        `yaml:"max_retries"`
}

// Sync configures the engine's write and fingerprint policies.
type Sync struct {
	WritePolicy      string `yaml:"write_policy"`
	DeferFingerprint bool   `yaml:"defer_fingerprint"`
}

// Metrics configures the optional Prometheus push at the end of a run.
type Metrics struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Log: logging.Config{Level: "info", Format: "console"},
		Store: Store{
			Backend:    BackendFS,
			Dir:        filepath.Join(dataDir(), "store"),
			Region:     defaultS3Region,
			SQLitePath: filepath.Join(dataDir(), "epss-sync.db"),
		},
		EPSS: EPSS{
			URL:      defaultEPSSURL,
			CacheDir: filepath.Join(cacheDir(), "epss"),
			CacheTTL: 24 * time.Hour,
		},
		NVD: NVD{
			FeedURL:    defaultNVDFeeds,
			APIURL:     defaultNVDAPI,
			Feeds:      []string{defaultFeed},
			Timeout:    60 * time.Second,
			MaxRetries: 5,
		},
		Sync:    Sync{WritePolicy: enricher.WriteOnHit.String()},
		Metrics: Metrics{Job: defaultMetricJob},
	}
}

// Load reads the YAML file at path over the defaults (an empty path skips
// the file) and applies environment overrides. Callers apply their own
// overrides and then call Validate.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides settings from the environment. The R2_* and
// NVD_API_KEY names are kept for existing deployments.
func (c *Config) applyEnv() {
	c.Log.Level = lookupEnv("EPSS_SYNC_LOG_LEVEL", c.Log.Level)
	c.Log.Format = lookupEnv("EPSS_SYNC_LOG_FORMAT", c.Log.Format)

	c.Store.Backend = lookupEnv("EPSS_SYNC_STORE", c.Store.Backend)
	c.Store.Dir = lookupEnv("EPSS_SYNC_STORE_DIR", c.Store.Dir)
	c.Store.Bucket = lookupEnv("R2_BUCKET", c.Store.Bucket)
	c.Store.Endpoint = lookupEnv("R2_ENDPOINT_URL", c.Store.Endpoint)
	c.Store.AccessKeyID = lookupEnv("R2_ACCESS_KEY_ID", c.Store.AccessKeyID)
	c.Store.SecretAccessKey = lookupEnv("R2_SECRET_ACCESS_KEY", c.Store.SecretAccessKey)
	c.Store.ValkeyAddr = lookupEnv("VALKEY_ADDR", c.Store.ValkeyAddr)
	c.Store.SQLitePath = lookupEnv("EPSS_SYNC_SQLITE_PATH", c.Store.SQLitePath)

	c.EPSS.CacheDir = lookupEnv("EPSS_SYNC_CACHE_DIR", c.EPSS.CacheDir)
	c.NVD.APIKey = lookupEnv("NVD_API_KEY", c.NVD.APIKey)

	c.Metrics.PushgatewayURL = lookupEnv("EPSS_SYNC_PUSHGATEWAY_URL", c.Metrics.PushgatewayURL)
}

// Validate checks the settings and fills in values derived from others.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendFS:
		if c.Store.Dir == "" {
			errs = append(errs, errors.New("store.dir is required for the fs backend"))
		}
	case BackendS3:
		if c.Store.Bucket == "" {
			errs = append(errs, errors.New("store.bucket is required for the s3 backend"))
		}
	case BackendValkey:
		if c.Store.ValkeyAddr == "" {
			errs = append(errs, errors.New("store.valkey_addr is required for the valkey backend"))
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported store backend: %q", c.Store.Backend))
	}

	if _, err := enricher.ParseWritePolicy(c.Sync.WritePolicy); err != nil {
		errs = append(errs, err)
	}
	if c.EPSS.URL == "" {
		errs = append(errs, errors.New("epss.url is required"))
	}
	if c.NVD.RequestDelay < 0 {
		errs = append(errs, errors.New("nvd.request_delay must not be negative"))
	}
	if c.NVD.RequestDelay == 0 {
		c.NVD.RequestDelay = anonymousRequestDelay
		if c.NVD.APIKey != "" {
			c.NVD.RequestDelay = keyedRequestDelay
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// dataDir follows XDG_DATA_HOME, falling back to ~/.local/share.
func dataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "epss-sync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "epss-sync")
	}
	return filepath.Join(home, ".local", "share", "epss-sync")
}

func cacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "epss-sync")
}

func lookupEnv(key, defaultValue string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultValue
}
