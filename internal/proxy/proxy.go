// Package proxy wires the allowlist, URL unwrapper, cache policy, store,
// upstream fetcher, and rewriter into the HTTP surface: the HTML proxy
// endpoint's cache state machine, the passthrough endpoints, and the
// root redirect.
package proxy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Siunami/wikipedia-pro/internal/allowlist"
	"github.com/Siunami/wikipedia-pro/internal/applog"
	"github.com/Siunami/wikipedia-pro/internal/cache"
	"github.com/Siunami/wikipedia-pro/internal/httpx"
	"github.com/Siunami/wikipedia-pro/internal/metrics"
	"github.com/Siunami/wikipedia-pro/internal/rewrite"
	"github.com/Siunami/wikipedia-pro/internal/urlutil"
)

const desktopOrigin = "https://en.wikipedia.org/"

// Store is the narrow persistence capability the handler consumes. A nil
// Store (or one wrapping a disabled backend) behaves as a permanent miss.
type Store interface {
	Get(ctx context.Context, key string) *cache.Entry
	Upsert(ctx context.Context, entry cache.Entry) error
}

// Handler serves the proxy's full HTTP surface.
type Handler struct {
	WikiBase   string
	PublicHost string
	Store      Store
	Client     *httpx.Client
	Policy     cache.Policy
}

// New builds a Handler ready to register against a mux.
func New(wikiBase, publicHost string, store Store, client *httpx.Client, policy cache.Policy) *Handler {
	return &Handler{
		WikiBase:   strings.TrimRight(wikiBase, "/"),
		PublicHost: publicHost,
		Store:      store,
		Client:     client,
		Policy:     policy,
	}
}

// Root redirects "/" to a representative article via the HTML endpoint.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/m?path=/wiki/The_Simpsons", http.StatusFound)
}

func (h *Handler) selfHost(r *http.Request) string {
	if h.PublicHost != "" {
		return h.PublicHost
	}
	return r.Host
}

// HTML serves GET /m: the cache state machine of the HTML proxy endpoint.
func (h *Handler) HTML(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()

	target, status := h.resolveTarget(r, q.Get("url"), q.Get("path"))
	if status != 0 {
		writeErrorStatus(w, status)
		metrics.ObserveRequest("html", "", status, time.Since(start))
		return
	}

	canonicalURL := urlutil.Canonicalize(target)
	langKey := cache.LangKey(r.Header.Get("Accept-Language"))
	cacheable := cache.Cacheable(pathOf(canonicalURL))

	var cacheKey string
	var entry *cache.Entry
	if cacheable && h.Store != nil {
		cacheKey = h.Policy.Key(langKey, canonicalURL)
		entry = h.Store.Get(r.Context(), cacheKey)
	}

	accept := r.Header.Get("Accept")
	acceptLanguage := r.Header.Get("Accept-Language")
	cacheState, httpStatus := h.serveHTML(r.Context(), w, canonicalURL, cacheKey, entry, langKey, cacheable, accept, acceptLanguage)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if cacheState != "" {
		w.Header().Set("X-WikiPro-Cache", cacheState)
	}
	applog.Logger.Info("html",
		"request_id", applog.RequestID(r.Context()),
		"target", canonicalURL,
		"cache", cacheState,
		"status", httpStatus,
	)
	metrics.ObserveRequest("html", cacheState, httpStatus, time.Since(start))
}

// serveHTML implements the state machine table: it writes the response
// body and headers itself (so it can stream raw bytes on the non-HTML
// revalidate/miss branches) and returns the cache-state marker and the
// HTTP status actually written.
func (h *Handler) serveHTML(ctx context.Context, w http.ResponseWriter, canonicalURL, cacheKey string, entry *cache.Entry, langKey string, cacheable bool, accept, acceptLanguage string) (string, int) {
	now := time.Now().UTC()

	if entry != nil && entry.Fresh(now) {
		w.WriteHeader(entry.Status)
		_, _ = io.WriteString(w, entry.Body)
		return "HIT", entry.Status
	}

	var prior httpx.Validators
	if entry != nil {
		prior = httpx.Validators{ETag: entry.ETag, LastModified: entry.LastModified}
	}

	resp, err := h.Client.FetchHTML(ctx, canonicalURL, accept, acceptLanguage, prior)
	if err != nil {
		metrics.ObserveUpstream("error")
		if entry != nil {
			w.WriteHeader(entry.Status)
			_, _ = io.WriteString(w, entry.Body)
			return "STALE", entry.Status
		}
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "Upstream error.")
		return "", http.StatusBadGateway
	}

	if resp.NotModified && entry != nil {
		metrics.ObserveUpstream("not_modified")
		canGrow := entry.Status == http.StatusOK
		h.refreshEntry(ctx, cacheKey, entry, entry.Body, entry.BodySHA256, resp.ETag, resp.LastModified, canGrow, now)
		w.WriteHeader(entry.Status)
		_, _ = io.WriteString(w, entry.Body)
		return "REVALIDATED", entry.Status
	}
	metrics.ObserveUpstream("ok")

	if !strings.Contains(resp.ContentType, "text/html") {
		if entry != nil {
			// Stale entry, but upstream now serves non-HTML: pass the
			// bytes through untouched and leave the cached row alone.
			writePassthrough(w, resp)
			return "", resp.Status
		}
		writePassthrough(w, resp)
		return "", resp.Status
	}

	body, err := rewrite.Rewrite(resp.Body, resp.ContentType, canonicalURL, rewrite.InjectedScript)
	if err != nil {
		if entry != nil {
			w.WriteHeader(entry.Status)
			_, _ = io.WriteString(w, entry.Body)
			return "STALE", entry.Status
		}
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "Upstream error.")
		return "", http.StatusBadGateway
	}
	sum := sha256.Sum256([]byte(body))
	bodyHash := hex.EncodeToString(sum[:])

	if entry != nil {
		if bodyHash == entry.BodySHA256 {
			h.refreshEntry(ctx, cacheKey, entry, body, bodyHash, resp.ETag, resp.LastModified, true, now)
			w.WriteHeader(resp.Status)
			_, _ = io.WriteString(w, body)
			return "UNCHANGED", resp.Status
		}
		h.writeEntry(ctx, cacheKey, canonicalURL, langKey, resp, body, bodyHash, h.Policy.TTLMin, now, now)
		w.WriteHeader(resp.Status)
		_, _ = io.WriteString(w, body)
		return "REFRESH", resp.Status
	}

	cacheState := ""
	if cacheable && h.Store != nil {
		h.writeEntry(ctx, cacheKey, canonicalURL, langKey, resp, body, bodyHash, h.Policy.TTLMin, now, now)
		cacheState = "MISS"
	}
	w.WriteHeader(resp.Status)
	_, _ = io.WriteString(w, body)
	return cacheState, resp.Status
}

func (h *Handler) refreshEntry(ctx context.Context, cacheKey string, entry *cache.Entry, body, bodyHash, etag, lastModified string, canGrow bool, now time.Time) {
	if cacheKey == "" {
		return
	}
	ttl := h.Policy.NextTTL(entry.TTLSeconds, canGrow)
	next := *entry
	next.Body = body
	next.BodySHA256 = bodyHash
	// Upstream doesn't always repeat validators on 304 or unchanged
	// responses; keep the prior ones rather than blanking them out.
	if etag != "" {
		next.ETag = etag
	}
	if lastModified != "" {
		next.LastModified = lastModified
	}
	next.TTLSeconds = ttl
	next.NextRefreshAt = now.Add(time.Duration(ttl) * time.Second)
	next.LastCheckedAt = now
	if !canGrow {
		next.LastChangedAt = now
	}
	metrics.ObserveTTLWritten(ttl)
	_ = h.Store.Upsert(ctx, next)
}

func (h *Handler) writeEntry(ctx context.Context, cacheKey, canonicalURL, langKey string, resp *httpx.Response, body, bodyHash string, ttl int, fetchedAt, now time.Time) {
	if cacheKey == "" {
		return
	}
	metrics.ObserveTTLWritten(ttl)
	_ = h.Store.Upsert(ctx, cache.Entry{
		Key:            cacheKey,
		URL:            canonicalURL,
		LangKey:        langKey,
		RewriteVersion: h.Policy.RewriteVersion,
		Status:         resp.Status,
		ContentType:    "text/html; charset=utf-8",
		Body:           body,
		BodySHA256:     bodyHash,
		ETag:           resp.ETag,
		LastModified:   resp.LastModified,
		TTLSeconds:     ttl,
		NextRefreshAt:  now.Add(time.Duration(ttl) * time.Second),
		FetchedAt:      fetchedAt,
		LastCheckedAt:  now,
		LastChangedAt:  now,
	})
}

// resolveTarget implements the HTML endpoint's target resolution: url
// (possibly a /path shorthand) or path, unwrapped and allowlist-checked.
// Returns a non-zero status when the request should be rejected.
func (h *Handler) resolveTarget(r *http.Request, rawURL, rawPath string) (string, int) {
	var target string
	switch {
	case rawURL != "" && strings.HasPrefix(rawURL, "/"):
		target = urlutil.Resolve(h.WikiBase, rawURL)
	case rawURL != "":
		target = urlutil.Unwrap(rawURL, h.selfHost(r), h.WikiBase)
	case rawPath != "":
		target = urlutil.Resolve(h.WikiBase, rawPath)
	default:
		target = h.WikiBase
	}

	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", http.StatusBadRequest
	}
	if !allowlist.Allowed(u.Host) {
		return "", http.StatusForbidden
	}
	return target, 0
}

// Image serves GET /i: unwrap, allowlist check, then stream through.
func (h *Handler) Image(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeErrorStatus(w, http.StatusBadRequest)
		metrics.ObserveRequest("image", "", http.StatusBadRequest, time.Since(start))
		return
	}
	target := urlutil.Unwrap(rawURL, h.selfHost(r), h.WikiBase)
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		writeErrorStatus(w, http.StatusBadRequest)
		metrics.ObserveRequest("image", "", http.StatusBadRequest, time.Since(start))
		return
	}
	if !allowlist.Allowed(u.Host) {
		writeErrorStatus(w, http.StatusForbidden)
		metrics.ObserveRequest("image", "", http.StatusForbidden, time.Since(start))
		return
	}
	status := h.streamThrough(r, w, target)
	metrics.ObserveRequest("image", "", status, time.Since(start))
}

// Static serves GET /static/{path} against the desktop origin.
func (h *Handler) Static(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	target := urlutil.Resolve(desktopOrigin, "static/"+strings.TrimPrefix(r.URL.Path, "/static/"))
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	status := h.streamThrough(r, w, target)
	metrics.ObserveRequest("static", "", status, time.Since(start))
}

// Passthrough serves the generic GET /{path} route.
func (h *Handler) Passthrough(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	path := strings.TrimPrefix(r.URL.Path, "/")
	var target string
	if strings.HasPrefix(path, "static/") {
		target = urlutil.Resolve(desktopOrigin, path)
	} else {
		target = urlutil.Resolve(h.WikiBase, path)
	}
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	ctx, cancel := context.WithTimeout(r.Context(), httpx.HTMLTimeout)
	defer cancel()
	status := h.streamThrough(r.WithContext(ctx), w, target)
	metrics.ObserveRequest("passthrough", "", status, time.Since(start))
}

// streamThrough fetches target and copies the upstream response bytes and
// content type straight to the client.
func (h *Handler) streamThrough(r *http.Request, w http.ResponseWriter, target string) int {
	resp, err := h.Client.FetchPassthrough(r.Context(), target, r.Header.Get("Accept"), r.Header.Get("Referer"), true)
	if err != nil {
		metrics.ObserveUpstream("error")
		writeErrorStatus(w, http.StatusBadGateway)
		return http.StatusBadGateway
	}
	metrics.ObserveUpstream("ok")
	writePassthrough(w, resp)
	return resp.Status
}

func writePassthrough(w http.ResponseWriter, resp *httpx.Response) {
	ct := resp.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(resp.Status)
	_, _ = io.Copy(w, bytes.NewReader(resp.Body))
}

func writeErrorStatus(w http.ResponseWriter, status int) {
	msg := "Bad request."
	switch status {
	case http.StatusForbidden:
		msg = "Host not allowed."
	case http.StatusBadGateway:
		msg = "Upstream error."
	}
	http.Error(w, msg, status)
}

func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Path
}
