// Package config loads the proxy's immutable startup configuration: an
// optional local YAML file, overridden field-by-field by environment
// variables.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the proxy reads at startup: listen address,
// upstream base, host identity, optional cache store credentials, and
// the cache policy knobs.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	WikiBase   string `yaml:"wiki_base"`
	PublicHost string `yaml:"public_host"`

	SupabaseURL        string `yaml:"supabase_url"`
	SupabaseServiceKey string `yaml:"supabase_service_role_key"`
	CacheTable         string `yaml:"wiki_cache_table"`

	RewriteVersion int     `yaml:"cache_rewrite_version"`
	TTLMinSeconds  int     `yaml:"cache_ttl_min_seconds"`
	TTLMaxSeconds  int     `yaml:"cache_ttl_max_seconds"`
	TTLGrowth      float64 `yaml:"cache_ttl_growth_factor"`
}

const (
	defaultListenAddr     = ":8080"
	defaultWikiBase       = "https://en.m.wikipedia.org"
	defaultCacheTable     = "wikipro_cache"
	defaultRewriteVersion = 1
	defaultTTLMin         = 600
	defaultTTLMax         = 86400
	defaultTTLGrowth      = 2.0
)

// Load builds a Config from an optional YAML file (WIKIPRO_CONFIG, or
// config.yaml if present) and then environment variables, which always
// take precedence. Unlike many of the values it loads, Load never fails:
// a missing or malformed config file is silently skipped, and absent
// Supabase settings simply leave the cache disabled.
func Load() Config {
	cfg := Config{
		ListenAddr:     defaultListenAddr,
		WikiBase:       defaultWikiBase,
		CacheTable:     defaultCacheTable,
		RewriteVersion: defaultRewriteVersion,
		TTLMinSeconds:  defaultTTLMin,
		TTLMaxSeconds:  defaultTTLMax,
		TTLGrowth:      defaultTTLGrowth,
	}

	path := os.Getenv("WIKIPRO_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	if b, err := os.ReadFile(path); err == nil {
		_ = yaml.Unmarshal(b, &cfg)
	}

	if v := os.Getenv("WIKIPRO_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("WIKI_BASE"); v != "" {
		cfg.WikiBase = v
	}
	if v := os.Getenv("WIKIPRO_PUBLIC_HOST"); v != "" {
		cfg.PublicHost = v
	}
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		cfg.SupabaseURL = v
	}
	if v := os.Getenv("SUPABASE_SERVICE_ROLE_KEY"); v != "" {
		cfg.SupabaseServiceKey = v
	}
	if v := os.Getenv("WIKI_CACHE_TABLE"); v != "" {
		cfg.CacheTable = v
	}
	if v := os.Getenv("CACHE_REWRITE_VERSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RewriteVersion = n
		}
	}
	if v := os.Getenv("CACHE_TTL_MIN_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TTLMinSeconds = n
		}
	}
	if v := os.Getenv("CACHE_TTL_MAX_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TTLMaxSeconds = n
		}
	}
	if v := os.Getenv("CACHE_TTL_GROWTH_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.TTLGrowth = f
		}
	}

	cfg.WikiBase = strings.TrimRight(cfg.WikiBase, "/")
	return cfg
}

// CacheEnabled reports whether enough Supabase settings are present to
// stand up a store.
func (c Config) CacheEnabled() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceKey != ""
}
