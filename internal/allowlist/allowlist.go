// Package allowlist decides whether a host is a permitted Wikimedia endpoint.
package allowlist

import (
	"net"
	"strings"
)

// uploadHosts are exact hosts (not apex-suffix matched) permitted outright.
var uploadHosts = map[string]bool{
	"commons.wikimedia.org": true,
	"upload.wikimedia.org":  true,
}

// apexes are the Wikimedia family domains; a host matches if it equals an
// apex or is a dot-suffix of one.
var apexes = []string{
	"wikipedia.org",
	"wiktionary.org",
	"wikidata.org",
	"wikimedia.org",
	"wikibooks.org",
	"wikiquote.org",
	"wikiversity.org",
	"wikivoyage.org",
	"wikisource.org",
	"wikinews.org",
	"mediawiki.org",
}

// Allowed reports whether host (optionally carrying a ":port" suffix) is a
// permitted Wikimedia endpoint. An empty host is always rejected.
func Allowed(host string) bool {
	host = strings.ToLower(stripPort(host))
	if host == "" {
		return false
	}
	if uploadHosts[host] {
		return true
	}
	for _, apex := range apexes {
		if host == apex || strings.HasSuffix(host, "."+apex) {
			return true
		}
	}
	return false
}

// stripPort removes a trailing ":port" from a host[:port] or [ipv6]:port
// value. Inputs without a port (including bare IPv6 literals) pass through
// unchanged.
func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.Trim(host, "[]")
}
