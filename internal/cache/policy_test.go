package cache

import "testing"

func TestKeyDeterminism(t *testing.T) {
	p := DefaultPolicy()
	k1 := p.Key("en", "https://en.m.wikipedia.org/wiki/Cat")
	k2 := p.Key("en", "https://en.m.wikipedia.org/wiki/Cat")
	if k1 != k2 {
		t.Fatalf("equal inputs produced different keys: %q vs %q", k1, k2)
	}
	if len(k1) != 64 {
		t.Fatalf("key must be 64 hex chars, got %d", len(k1))
	}

	k3 := p.Key("fr", "https://en.m.wikipedia.org/wiki/Cat")
	if k1 == k3 {
		t.Fatalf("different lang_key must change the cache key")
	}

	k4 := p.Key("en", "https://en.m.wikipedia.org/wiki/Dog")
	if k1 == k4 {
		t.Fatalf("different url must change the cache key")
	}

	p2 := p
	p2.RewriteVersion++
	k5 := p2.Key("en", "https://en.m.wikipedia.org/wiki/Cat")
	if k1 == k5 {
		t.Fatalf("different rewrite_version must change the cache key")
	}
}

func TestNextTTLMonotonic(t *testing.T) {
	p := DefaultPolicy()
	ttl := p.TTLMin
	prev := ttl
	for i := 0; i < 10; i++ {
		ttl = p.NextTTL(ttl, true)
		if ttl < prev {
			t.Fatalf("TTL decreased under can_grow=true: %d -> %d", prev, ttl)
		}
		if ttl > p.TTLMax {
			t.Fatalf("TTL exceeded TTLMax: %d", ttl)
		}
		prev = ttl
	}
	if ttl != p.TTLMax {
		t.Fatalf("expected TTL to clamp at TTLMax after repeated growth, got %d", ttl)
	}

	reset := p.NextTTL(ttl, false)
	if reset != p.TTLMin {
		t.Fatalf("can_grow=false must reset TTL to TTLMin, got %d", reset)
	}
}

func TestNextTTLFirstGrowth(t *testing.T) {
	p := DefaultPolicy()
	got := p.NextTTL(p.TTLMin, true)
	want := p.TTLMin * 2
	if got != want {
		t.Fatalf("NextTTL(TTLMin, true) = %d, want %d", got, want)
	}
}

func TestLangKey(t *testing.T) {
	cases := map[string]string{
		"":                      "en",
		"en-US,en;q=0.9":        "en-us",
		"fr;q=0.8":              "fr",
		"  DE  , en;q=0.5":      "de",
	}
	for in, want := range cases {
		if got := LangKey(in); got != want {
			t.Errorf("LangKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCacheable(t *testing.T) {
	cases := map[string]bool{
		"":                 true,
		"/":                true,
		"/wiki/Cat":        true,
		"/w/index.php":     true,
		"/w/api.php":       false,
		"/static/foo.css":  false,
	}
	for in, want := range cases {
		if got := Cacheable(in); got != want {
			t.Errorf("Cacheable(%q) = %v, want %v", in, got, want)
		}
	}
}
