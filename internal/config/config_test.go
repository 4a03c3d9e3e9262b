package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.WikiBase != defaultWikiBase {
		t.Errorf("WikiBase = %q, want %q", cfg.WikiBase, defaultWikiBase)
	}
	if cfg.CacheEnabled() {
		t.Error("CacheEnabled() = true with no Supabase env set")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("WIKIPRO_LISTEN_ADDR", ":9090")
	t.Setenv("WIKI_BASE", "https://de.m.wikipedia.org/")
	t.Setenv("SUPABASE_URL", "https://example.supabase.co")
	t.Setenv("SUPABASE_SERVICE_ROLE_KEY", "secret")
	t.Setenv("CACHE_TTL_MIN_SECONDS", "120")

	cfg := Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.WikiBase != "https://de.m.wikipedia.org" {
		t.Errorf("WikiBase = %q, want trailing slash trimmed", cfg.WikiBase)
	}
	if !cfg.CacheEnabled() {
		t.Error("CacheEnabled() = false with Supabase env set")
	}
	if cfg.TTLMinSeconds != 120 {
		t.Errorf("TTLMinSeconds = %d, want 120", cfg.TTLMinSeconds)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("WIKIPRO_CONFIG", "/nonexistent-wikipro-config.yaml")
	for _, k := range []string{
		"WIKIPRO_LISTEN_ADDR", "WIKI_BASE", "WIKIPRO_PUBLIC_HOST",
		"SUPABASE_URL", "SUPABASE_SERVICE_ROLE_KEY", "WIKI_CACHE_TABLE",
		"CACHE_REWRITE_VERSION", "CACHE_TTL_MIN_SECONDS",
		"CACHE_TTL_MAX_SECONDS", "CACHE_TTL_GROWTH_FACTOR",
	} {
		t.Setenv(k, "")
	}
}
