// Package store reads and upserts a single cache-entry row keyed by
// cache_key against an external Supabase-backed table. It is a thin,
// swappable adapter satisfying the narrow interface internal/proxy
// actually consumes, keeping the storage backend behind a small
// interface rather than threading SDK types through the handler.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/supabase-community/postgrest-go"

	"github.com/Siunami/wikipedia-pro/internal/cache"
)

// Store reads and upserts CacheEntry rows by cache_key. A nil *Store is
// valid and behaves as a no-op.
type Store struct {
	client *postgrest.Client
	table  string
}

// New builds a Store against a Supabase project's PostgREST endpoint. It
// returns (nil, nil) — a valid no-op store — when baseURL or serviceKey is
// empty, so an unconfigured store leaves the proxy running statelessly.
func New(baseURL, serviceKey, table string) (*Store, error) {
	if baseURL == "" || serviceKey == "" {
		return nil, nil
	}
	if table == "" {
		table = "wikipro_cache"
	}
	restURL := strings.TrimRight(baseURL, "/") + "/rest/v1"
	headers := map[string]string{
		"apikey":        serviceKey,
		"Authorization": "Bearer " + serviceKey,
	}
	client := postgrest.NewClient(restURL, "public", headers)
	return &Store{client: client, table: table}, nil
}

// Get reads the row for key. It returns nil on a miss or any store
// failure — cache-store errors are always swallowed: a failed get
// behaves as a miss, never as a client-visible error.
func (s *Store) Get(ctx context.Context, key string) *cache.Entry {
	if s == nil || s.client == nil {
		return nil
	}
	var rows []row
	_, err := s.client.From(s.table).
		Select("*", "", false).
		Eq("cache_key", key).
		ExecuteTo(&rows)
	if err != nil || len(rows) == 0 {
		return nil
	}
	return rows[0].toEntry()
}

// Upsert writes entry keyed by its Key field and returns any store error.
// internal/proxy discards that error; it is not logged.
func (s *Store) Upsert(ctx context.Context, entry cache.Entry) error {
	if s == nil || s.client == nil {
		return nil
	}
	r := fromEntry(entry)
	_, err := s.client.From(s.table).
		Upsert(r, "cache_key", "", "minimal").
		ExecuteTo(nil)
	return err
}

// Ping performs a lightweight existence check used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	var rows []row
	_, err := s.client.From(s.table).
		Select("cache_key", "exact", true).
		Limit(1, "").
		ExecuteTo(&rows)
	return err
}

// row is the wire shape of one cache table record; field names are the
// Postgres column names.
type row struct {
	CacheKey       string `json:"cache_key"`
	URL            string `json:"url"`
	LangKey        string `json:"lang_key"`
	RewriteVersion int    `json:"rewrite_version"`
	Status         int    `json:"status"`
	ContentType    string `json:"content_type"`
	Body           string `json:"body"`
	BodySHA256     string `json:"body_sha256"`
	ETag           string `json:"etag"`
	LastModified   string `json:"last_modified"`
	TTLSeconds     int    `json:"ttl_seconds"`
	NextRefreshAt  string `json:"next_refresh_at"`
	FetchedAt      string `json:"fetched_at"`
	LastCheckedAt  string `json:"last_checked_at"`
	LastChangedAt  string `json:"last_changed_at"`
}

const rfc3339Z = "2006-01-02T15:04:05Z"

func fromEntry(e cache.Entry) row {
	return row{
		CacheKey:       e.Key,
		URL:            e.URL,
		LangKey:        e.LangKey,
		RewriteVersion: e.RewriteVersion,
		Status:         e.Status,
		ContentType:    e.ContentType,
		Body:           e.Body,
		BodySHA256:     e.BodySHA256,
		ETag:           e.ETag,
		LastModified:   e.LastModified,
		TTLSeconds:     e.TTLSeconds,
		NextRefreshAt:  e.NextRefreshAt.UTC().Format(rfc3339Z),
		FetchedAt:      e.FetchedAt.UTC().Format(rfc3339Z),
		LastCheckedAt:  e.LastCheckedAt.UTC().Format(rfc3339Z),
		LastChangedAt:  e.LastChangedAt.UTC().Format(rfc3339Z),
	}
}

func (r row) toEntry() *cache.Entry {
	parse := func(s string) time.Time {
		t, err := time.Parse(rfc3339Z, s)
		if err != nil {
			return time.Time{}
		}
		return t
	}
	return &cache.Entry{
		Key:            r.CacheKey,
		URL:            r.URL,
		LangKey:        r.LangKey,
		RewriteVersion: r.RewriteVersion,
		Status:         r.Status,
		ContentType:    r.ContentType,
		Body:           r.Body,
		BodySHA256:     r.BodySHA256,
		ETag:           r.ETag,
		LastModified:   r.LastModified,
		TTLSeconds:     r.TTLSeconds,
		NextRefreshAt:  parse(r.NextRefreshAt),
		FetchedAt:      parse(r.FetchedAt),
		LastCheckedAt:  parse(r.LastCheckedAt),
		LastChangedAt:  parse(r.LastChangedAt),
	}
}
