package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/Siunami/wikipedia-pro/internal/cache"
	"github.com/Siunami/wikipedia-pro/internal/httpx"
)

// memStore is a minimal in-memory Store fake for exercising the cache
// state machine without a real Supabase-backed table.
type memStore struct {
	rows map[string]cache.Entry
}

func newMemStore() *memStore { return &memStore{rows: map[string]cache.Entry{}} }

func (m *memStore) Get(ctx context.Context, key string) *cache.Entry {
	if e, ok := m.rows[key]; ok {
		return &e
	}
	return nil
}

func (m *memStore) Upsert(ctx context.Context, e cache.Entry) error {
	m.rows[e.Key] = e
	return nil
}

// redirectTransport rewrites every outbound request to target the given
// httptest server, regardless of the URL the handler resolved to — this
// lets tests exercise real allowlisted Wikimedia hosts without a network.
type redirectTransport struct {
	base *url.URL
}

func (rt redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Scheme = rt.base.Scheme
	clone.URL.Host = rt.base.Host
	clone.Host = rt.base.Host
	return http.DefaultTransport.RoundTrip(clone)
}

func newTestHandler(t *testing.T, upstream *httptest.Server, store Store) *Handler {
	t.Helper()
	base, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}
	client := httpx.NewClientWithTransport(redirectTransport{base: base})
	return New("https://en.m.wikipedia.org", "proxy.example", store, client, cache.DefaultPolicy())
}

func TestRootRedirectsToFeaturedArticle(t *testing.T) {
	h := New("https://en.m.wikipedia.org", "", nil, httpx.NewClient(), cache.DefaultPolicy())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.Root(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusFound)
	}
	if loc := rec.Header().Get("Location"); loc != "/m?path=/wiki/The_Simpsons" {
		t.Fatalf("Location = %q", loc)
	}
}

func TestHTMLRejectsDisallowedHost(t *testing.T) {
	h := New("https://en.m.wikipedia.org", "", nil, httpx.NewClient(), cache.DefaultPolicy())
	req := httptest.NewRequest(http.MethodGet, "/m?url=https%3A%2F%2Fevil.example.com%2F", nil)
	rec := httptest.NewRecorder()
	h.HTML(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if !strings.Contains(rec.Body.String(), "not allowed") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestHTMLMissFetchesRewritesAndCaches(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(`<html><head><base href="/"></head><body><a href="/wiki/Dog">Dog</a></body></html>`))
	}))
	defer upstream.Close()

	store := newMemStore()
	h := newTestHandler(t, upstream, store)

	req := httptest.NewRequest(http.MethodGet, "/m?path=/wiki/Cat", nil)
	rec := httptest.NewRecorder()
	h.HTML(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-WikiPro-Cache"); got != "MISS" {
		t.Fatalf("X-WikiPro-Cache = %q, want MISS", got)
	}
	if !strings.Contains(rec.Body.String(), "/m?url=https%3A%2F%2Fen.m.wikipedia.org%2Fwiki%2FDog") {
		t.Fatalf("anchor not rewritten: %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "<base") {
		t.Fatalf("base element was not stripped: %s", rec.Body.String())
	}
	if len(store.rows) != 1 {
		t.Fatalf("expected one cached row, got %d", len(store.rows))
	}
}

func TestHTMLRevalidate304RefreshesValidatorsAndTTL(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inm := r.Header.Get("If-None-Match"); inm != `"v1"` {
			t.Errorf("If-None-Match = %q, want %q", inm, `"v1"`)
		}
		w.Header().Set("ETag", `"v2-rotated"`)
		w.Header().Set("Last-Modified", "Wed, 03 Jan 2024 00:00:00 GMT")
		w.WriteHeader(http.StatusNotModified)
	}))
	defer upstream.Close()

	store := newMemStore()
	h := newTestHandler(t, upstream, store)

	canonical := "https://en.m.wikipedia.org/wiki/Cat"
	langKey := "en"
	key := h.Policy.Key(langKey, canonical)
	now := time.Now().UTC()
	store.rows[key] = cache.Entry{
		Key:           key,
		URL:           canonical,
		LangKey:       langKey,
		Status:        http.StatusOK,
		Body:          "<html>cached</html>",
		BodySHA256:    "unchanged-hash",
		ETag:          `"v1"`,
		TTLSeconds:    600,
		NextRefreshAt: now.Add(-time.Second),
		FetchedAt:     now.Add(-time.Hour),
		LastCheckedAt: now.Add(-time.Hour),
		LastChangedAt: now.Add(-time.Hour),
	}

	req := httptest.NewRequest(http.MethodGet, "/m?path=/wiki/Cat", nil)
	rec := httptest.NewRecorder()
	h.HTML(rec, req)

	if got := rec.Header().Get("X-WikiPro-Cache"); got != "REVALIDATED" {
		t.Fatalf("X-WikiPro-Cache = %q, want REVALIDATED", got)
	}
	if rec.Body.String() != "<html>cached</html>" {
		t.Fatalf("body = %q, want cached body replayed", rec.Body.String())
	}
	updated := store.rows[key]
	if updated.ETag != `"v2-rotated"` {
		t.Fatalf("stored ETag = %q, want rotated validator", updated.ETag)
	}
	if updated.LastModified != "Wed, 03 Jan 2024 00:00:00 GMT" {
		t.Fatalf("stored LastModified = %q, want rotated validator", updated.LastModified)
	}
	if updated.TTLSeconds <= 600 {
		t.Fatalf("TTLSeconds = %d, want growth beyond the prior 600", updated.TTLSeconds)
	}
}

func TestHTMLRevalidateUnchangedBodyRefreshesValidators(t *testing.T) {
	html := `<html><head><base href="/"></head><body><a href="/wiki/Dog">Dog</a></body></html>`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("ETag", `"v2-rotated"`)
		w.Write([]byte(html))
	}))
	defer upstream.Close()

	store := newMemStore()
	h := newTestHandler(t, upstream, store)

	canonical := "https://en.m.wikipedia.org/wiki/Cat"
	langKey := "en"
	key := h.Policy.Key(langKey, canonical)
	now := time.Now().UTC()

	// Seed the cached row with the body the rewriter would have produced
	// for the same upstream HTML, so the refetched body hashes equal.
	req := httptest.NewRequest(http.MethodGet, "/m?path=/wiki/Cat", nil)
	rec := httptest.NewRecorder()
	h.HTML(rec, req)
	seeded := store.rows[key]
	seeded.ETag = `"v1"`
	seeded.NextRefreshAt = now.Add(-time.Second)
	store.rows[key] = seeded

	req2 := httptest.NewRequest(http.MethodGet, "/m?path=/wiki/Cat", nil)
	rec2 := httptest.NewRecorder()
	h.HTML(rec2, req2)

	if got := rec2.Header().Get("X-WikiPro-Cache"); got != "UNCHANGED" {
		t.Fatalf("X-WikiPro-Cache = %q, want UNCHANGED", got)
	}
	updated := store.rows[key]
	if updated.ETag != `"v2-rotated"` {
		t.Fatalf("stored ETag = %q, want rotated validator picked up from the unchanged refetch", updated.ETag)
	}
}

func TestHTMLRevalidateChangedBodyWritesRefreshedEntry(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("ETag", `"v3"`)
		w.Write([]byte(`<html><body>new content</body></html>`))
	}))
	defer upstream.Close()

	store := newMemStore()
	h := newTestHandler(t, upstream, store)

	canonical := "https://en.m.wikipedia.org/wiki/Cat"
	langKey := "en"
	key := h.Policy.Key(langKey, canonical)
	now := time.Now().UTC()
	store.rows[key] = cache.Entry{
		Key:           key,
		URL:           canonical,
		LangKey:       langKey,
		Status:        http.StatusOK,
		Body:          "<html>stale</html>",
		BodySHA256:    "stale-hash",
		ETag:          `"v2"`,
		TTLSeconds:    600,
		NextRefreshAt: now.Add(-time.Second),
		FetchedAt:     now.Add(-time.Hour),
		LastCheckedAt: now.Add(-time.Hour),
		LastChangedAt: now.Add(-time.Hour),
	}

	req := httptest.NewRequest(http.MethodGet, "/m?path=/wiki/Cat", nil)
	rec := httptest.NewRecorder()
	h.HTML(rec, req)

	if got := rec.Header().Get("X-WikiPro-Cache"); got != "REFRESH" {
		t.Fatalf("X-WikiPro-Cache = %q, want REFRESH", got)
	}
	updated := store.rows[key]
	if updated.ETag != `"v3"` {
		t.Fatalf("stored ETag = %q, want the newly fetched validator", updated.ETag)
	}
	if updated.TTLSeconds != h.Policy.TTLMin {
		t.Fatalf("TTLSeconds = %d, want reset to TTLMin %d on content change", updated.TTLSeconds, h.Policy.TTLMin)
	}
}

func TestHTMLUpstreamErrorServesStaleEntry(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer upstream.Close()

	store := newMemStore()
	h := newTestHandler(t, upstream, store)

	canonical := "https://en.m.wikipedia.org/wiki/Cat"
	langKey := "en"
	key := h.Policy.Key(langKey, canonical)
	now := time.Now().UTC()
	store.rows[key] = cache.Entry{
		Key:           key,
		URL:           canonical,
		LangKey:       langKey,
		Status:        http.StatusOK,
		Body:          "<html>stale but servable</html>",
		TTLSeconds:    600,
		NextRefreshAt: now.Add(-time.Second),
		FetchedAt:     now.Add(-time.Hour),
		LastCheckedAt: now.Add(-time.Hour),
		LastChangedAt: now.Add(-time.Hour),
	}

	req := httptest.NewRequest(http.MethodGet, "/m?path=/wiki/Cat", nil)
	rec := httptest.NewRecorder()
	h.HTML(rec, req)

	if got := rec.Header().Get("X-WikiPro-Cache"); got != "STALE" {
		t.Fatalf("X-WikiPro-Cache = %q, want STALE", got)
	}
	if rec.Body.String() != "<html>stale but servable</html>" {
		t.Fatalf("body = %q, want the stale cached body", rec.Body.String())
	}
}

func TestHTMLForwardsRealAcceptLanguageToUpstream(t *testing.T) {
	var gotLang string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLang = r.Header.Get("Accept-Language")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><body>hola</body></html>`))
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream, newMemStore())

	req := httptest.NewRequest(http.MethodGet, "/m?path=/wiki/Cat", nil)
	req.Header.Set("Accept-Language", "es-ES,es;q=0.9")
	rec := httptest.NewRecorder()
	h.HTML(rec, req)

	if gotLang != "es-ES,es;q=0.9" {
		t.Fatalf("upstream Accept-Language = %q, want the client's real header forwarded", gotLang)
	}
}

func TestHTMLFreshHitServesCachedBody(t *testing.T) {
	store := newMemStore()
	h := New("https://en.m.wikipedia.org", "", store, httpx.NewClient(), cache.DefaultPolicy())

	canonical := "https://en.m.wikipedia.org/wiki/Cat"
	langKey := "en"
	key := h.Policy.Key(langKey, canonical)
	now := time.Now().UTC()
	store.rows[key] = cache.Entry{
		Key:           key,
		URL:           canonical,
		LangKey:       langKey,
		Status:        http.StatusOK,
		Body:          "<html>cached</html>",
		TTLSeconds:    600,
		NextRefreshAt: now.Add(600 * time.Second),
		FetchedAt:     now,
		LastCheckedAt: now,
		LastChangedAt: now,
	}

	req := httptest.NewRequest(http.MethodGet, "/m?path=/wiki/Cat", nil)
	rec := httptest.NewRecorder()
	h.HTML(rec, req)

	if got := rec.Header().Get("X-WikiPro-Cache"); got != "HIT" {
		t.Fatalf("X-WikiPro-Cache = %q, want HIT", got)
	}
	if rec.Body.String() != "<html>cached</html>" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}
