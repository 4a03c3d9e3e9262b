// Package cache implements the cache key / adaptive TTL policy and the
// row model for the persistent HTML cache.
package cache

import "time"

// Entry is one row of the persistent cache table, keyed by Key.
type Entry struct {
	Key            string    `json:"cache_key"`
	URL            string    `json:"url"`
	LangKey        string    `json:"lang_key"`
	RewriteVersion int       `json:"rewrite_version"`
	Status         int       `json:"status"`
	ContentType    string    `json:"content_type"`
	Body           string    `json:"body"`
	BodySHA256     string    `json:"body_sha256"`
	ETag           string    `json:"etag"`
	LastModified   string    `json:"last_modified"`
	TTLSeconds     int       `json:"ttl_seconds"`
	NextRefreshAt  time.Time `json:"next_refresh_at"`
	FetchedAt      time.Time `json:"fetched_at"`
	LastCheckedAt  time.Time `json:"last_checked_at"`
	LastChangedAt  time.Time `json:"last_changed_at"`
}

// Fresh reports whether the entry can be served without revalidation at
// the given instant.
func (e *Entry) Fresh(now time.Time) bool {
	return e.Body != "" && now.Before(e.NextRefreshAt)
}
