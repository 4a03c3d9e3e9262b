// Package urlutil canonicalizes target URLs and peels self-referential
// proxy wrappers.
package urlutil

import (
	"net/url"
	"strings"
)

// maxUnwrapHops bounds the unwrap loop so it always terminates.
const maxUnwrapHops = 8

// loopbackAliases are host names treated as equivalent to each other (but
// only pairwise at equal ports) for the purposes of self-reference
// detection, so a proxy reached via "localhost" recognizes links it wrote
// against "127.0.0.1" and vice versa.
var loopbackAliases = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"0.0.0.0":   true,
	"::1":       true,
}

// Canonicalize parses rawURL, strips its fragment, and re-serializes it.
// It returns the input unchanged if it fails to parse.
func Canonicalize(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// Unwrap peels self-referential /m or /i proxy wrappers out of rawURL,
// where "self" is selfHost (typically the request's Host header, or a
// configured public host). It returns the innermost absolute target. The
// loop runs at most maxUnwrapHops times and always terminates.
func Unwrap(rawURL, selfHost, upstreamBase string) string {
	current := rawURL
	for i := 0; i < maxUnwrapHops; i++ {
		u, err := url.Parse(current)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			break
		}
		if !sameHost(u.Host, selfHost) {
			break
		}

		inner, innerPath, _ := innerParams(u.RawQuery)
		switch u.Path {
		case "/m":
			switch {
			case inner != "":
				current = inner
			case innerPath != "":
				current = Resolve(upstreamBase, innerPath)
			default:
				return current
			}
		case "/i":
			if inner == "" {
				return current
			}
			current = inner
		default:
			return current
		}
	}
	return current
}

// innerParams extracts the "url" and "path" query parameters, handling
// malformed double-encoding by falling back to a decode-then-reparse
// pass and finally a bare "url=..."/"path=..." prefix match.
func innerParams(rawQuery string) (innerURL, innerPath string, found bool) {
	q, _ := url.ParseQuery(rawQuery)
	if v := q.Get("url"); v != "" {
		return v, "", true
	}
	if v := q.Get("path"); v != "" {
		return "", v, true
	}

	if strings.Contains(rawQuery, "%3D") || strings.Contains(rawQuery, "%26") {
		if decoded, err := url.QueryUnescape(rawQuery); err == nil {
			if q2, err := url.ParseQuery(decoded); err == nil {
				if v := q2.Get("url"); v != "" {
					return v, "", true
				}
				if v := q2.Get("path"); v != "" {
					return "", v, true
				}
			}
		}
	}

	// Malformed double-encoding: the whole query parsed as a single key
	// with an empty value, of the form "url=<value>" or "path=<value>".
	if len(q) == 1 {
		for k := range q {
			if rest, ok := cutPrefix(k, "url="); ok {
				return rest, "", true
			}
			if rest, ok := cutPrefix(k, "path="); ok {
				return "", rest, true
			}
		}
	}
	return "", "", false
}

func cutPrefix(s, prefix string) (string, bool) {
	if strings.HasPrefix(s, prefix) {
		return s[len(prefix):], true
	}
	return "", false
}

// sameHost reports whether a and b refer to the same server: either an
// exact case-insensitive match, or both are loopback aliases on equal
// ports.
func sameHost(a, b string) bool {
	if strings.EqualFold(a, b) {
		return true
	}
	ah, ap := splitHostPort(a)
	bh, bp := splitHostPort(b)
	if ap != bp {
		return false
	}
	return loopbackAliases[strings.ToLower(ah)] && loopbackAliases[strings.ToLower(bh)]
}

// splitHostPort splits a "host:port" or "[ipv6]:port" value. Inputs with
// no port, including bare IPv6 literals, return an empty port.
func splitHostPort(hostport string) (host, port string) {
	if strings.HasPrefix(hostport, "[") {
		if end := strings.IndexByte(hostport, ']'); end >= 0 {
			host = hostport[1:end]
			rest := hostport[end+1:]
			if strings.HasPrefix(rest, ":") {
				port = rest[1:]
			}
			return host, port
		}
	}
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 && strings.Count(hostport, ":") == 1 {
		return hostport[:i], hostport[i+1:]
	}
	return hostport, ""
}

// Resolve joins ref against base per RFC 3986, returning base unchanged
// if either fails to parse.
func Resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return base
	}
	r, err := url.Parse(ref)
	if err != nil {
		return base
	}
	return b.ResolveReference(r).String()
}
