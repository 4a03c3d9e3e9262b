// Package rewrite parses upstream HTML with a tolerant HTML5 tree,
// rewrites links/assets/forms so that subsequent navigation and
// sub-resource loads route back through the proxy, and injects the
// client-side gesture-relay script.
//
// Mutations are made directly on the parsed tree — never with regular
// expressions — because the anchor-classification rules require real
// structural inspection (ancestor/descendant lookups, class lists).
package rewrite

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

// desktopOrigin is where /static/ assets actually live, as opposed to the
// mobile base most pages are fetched from.
const desktopOrigin = "https://en.wikipedia.org/"

var mediaImageClasses = map[string]bool{
	"image":               true,
	"thumb":               true,
	"thumbimage":          true,
	"mwe-image":           true,
	"mw-file-description": true,
}

// Rewrite decodes rawBody (using the response's declared content type for
// charset sniffing), rewrites it against baseURL, appends injectedScript,
// and returns the serialized document.
func Rewrite(rawBody []byte, contentType, baseURL string, injectedScript []byte) (string, error) {
	reader, err := charset.NewReader(bytes.NewReader(rawBody), contentType)
	if err != nil {
		reader = bytes.NewReader(rawBody)
	}

	doc, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		return "", err
	}

	neutralizeEmbedding(doc)
	rewriteAnchors(doc, baseURL)
	rewriteAssetAttr(doc, "link", "href", baseURL)
	rewriteAssetAttr(doc, "script", "src", baseURL)
	normalizeStaticTags(doc)
	rewriteForms(doc, baseURL)
	injectScript(doc, injectedScript)

	var buf bytes.Buffer
	if len(doc.Nodes) == 0 {
		return "", err
	}
	if err := html.Render(&buf, doc.Nodes[0]); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// neutralizeEmbedding removes <meta http-equiv> tags that would otherwise
// block embedding or proxying, and any <base> element.
func neutralizeEmbedding(doc *goquery.Document) {
	doc.Find("meta[http-equiv]").Each(func(_ int, s *goquery.Selection) {
		v := strings.ToLower(strings.TrimSpace(s.AttrOr("http-equiv", "")))
		switch v {
		case "content-security-policy", "x-frame-options", "refresh":
			s.Remove()
		}
	})
	doc.Find("base").Remove()
}

// rewriteAnchors points every non-media anchor back through the proxy.
func rewriteAnchors(doc *goquery.Document, baseURL string) {
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		abs, ok := resolveAbs(baseURL, href)
		if !ok {
			return
		}
		if isMediaLink(a, abs) {
			return
		}
		a.SetAttr("href", wrapHTMLProxy(abs))
	})
}

// isMediaLink classifies an anchor as pointing at a file/image resource
// rather than another article, so it is left unwrapped for passthrough.
func isMediaLink(a *goquery.Selection, absHref string) bool {
	if a.Find("img").Length() > 0 {
		return true
	}
	u, err := url.Parse(absHref)
	path := ""
	if err == nil {
		path = u.Path
	}
	if strings.HasPrefix(path, "/wiki/File:") ||
		strings.HasPrefix(path, "/wiki/Media:") ||
		strings.Contains(path, "/wiki/Special:FilePath/") {
		return true
	}
	classAttr, _ := a.Attr("class")
	for _, c := range strings.Fields(classAttr) {
		if mediaImageClasses[c] {
			return true
		}
	}
	if _, ok := a.Attr("data-file"); ok {
		return true
	}
	return false
}

// rewriteAssetAttr rewrites <link href> and <script src> so their fetch
// routes back through the proxy's /m?url= endpoint.
func rewriteAssetAttr(doc *goquery.Document, tag, attr, baseURL string) {
	doc.Find(tag + "[" + attr + "]").Each(func(_ int, s *goquery.Selection) {
		v, _ := s.Attr(attr)
		if rewritten, ok := rewriteAssetValue(v, baseURL); ok {
			s.SetAttr(attr, rewritten)
		}
	})
}

func rewriteAssetValue(v, baseURL string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" || isSkippableURL(v) {
		return "", false
	}
	var abs string
	var ok bool
	if strings.HasPrefix(v, "/static/") {
		abs, ok = resolveAbs(desktopOrigin, v)
	} else {
		abs, ok = resolveAbs(baseURL, v)
	}
	if !ok {
		return "", false
	}
	return wrapHTMLProxy(abs), true
}

// normalizeStaticTags rewrites img/source/video/audio src and srcset
// attributes so desktop static-origin URLs resolve through /static/.
func normalizeStaticTags(doc *goquery.Document) {
	doc.Find("img, source").Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr("src"); ok {
			if norm, changed := normalizeStaticURL(v); changed {
				s.SetAttr("src", norm)
			}
		}
		if v, ok := s.Attr("srcset"); ok {
			s.SetAttr("srcset", normalizeSrcset(v))
		}
	})
	doc.Find("video, audio").Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr("src"); ok {
			if norm, changed := normalizeStaticURL(v); changed {
				s.SetAttr("src", norm)
			}
		}
	})
}

// normalizeSrcset rewrites only the first (URL) token of each
// comma-separated candidate, preserving width/density descriptors.
func normalizeSrcset(srcset string) string {
	parts := strings.Split(srcset, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		fields := strings.Fields(p)
		if len(fields) == 0 {
			continue
		}
		if norm, changed := normalizeStaticURL(fields[0]); changed {
			fields[0] = norm
		}
		out = append(out, strings.Join(fields, " "))
	}
	return strings.Join(out, ", ")
}

// normalizeStaticURL rewrites absolute Wikipedia static-origin URLs to
// root-relative so the proxy's /static/* route can serve them;
// everything else is returned unchanged.
func normalizeStaticURL(raw string) (string, bool) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return raw, false
	}
	if strings.HasPrefix(v, "/static/") {
		return v, false
	}
	parseTarget := v
	if strings.HasPrefix(v, "//") {
		parseTarget = "https:" + v
	}
	u, err := url.Parse(parseTarget)
	if err != nil {
		return raw, false
	}
	host := strings.ToLower(u.Host)
	if (host == "en.wikipedia.org" || host == "www.wikipedia.org") && strings.HasPrefix(u.Path, "/static/") {
		rel := u.Path
		if u.RawQuery != "" {
			rel += "?" + u.RawQuery
		}
		return rel, true
	}
	return raw, false
}

// rewriteForms routes form submissions back through the proxy.
func rewriteForms(doc *goquery.Document, baseURL string) {
	doc.Find("form[action]").Each(func(_ int, f *goquery.Selection) {
		action, _ := f.Attr("action")
		abs, ok := resolveAbs(baseURL, action)
		if !ok {
			return
		}
		f.SetAttr("action", wrapHTMLProxy(abs))
	})
}

// injectScript appends the literal gesture-relay payload at the end of
// <body>, falling back to <head>, falling back to the document root.
func injectScript(doc *goquery.Document, script []byte) {
	tag := "<script>" + string(script) + "</script>"
	if body := doc.Find("body").First(); body.Length() > 0 {
		body.AppendHtml(tag)
		return
	}
	if head := doc.Find("head").First(); head.Length() > 0 {
		head.AppendHtml(tag)
		return
	}
	if root := doc.Find("html").First(); root.Length() > 0 {
		root.AppendHtml(tag)
		return
	}
	doc.Selection.AppendHtml(tag)
}

// isSkippableURL reports values that must never be rewritten: empty,
// fragment-only, data: or javascript: URLs.
func isSkippableURL(v string) bool {
	switch {
	case v == "":
		return true
	case strings.HasPrefix(v, "#"):
		return true
	case strings.HasPrefix(v, "data:"):
		return true
	case strings.HasPrefix(v, "javascript:"):
		return true
	default:
		return false
	}
}

// resolveAbs resolves ref against base per RFC 3986, skipping values that
// must never be rewritten.
func resolveAbs(base, ref string) (string, bool) {
	if isSkippableURL(ref) {
		return "", false
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", false
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	return b.ResolveReference(r).String(), true
}

// wrapHTMLProxy wraps an absolute URL into the /m?url= proxy format with
// every character outside RFC 3986's unreserved set percent-encoded, so
// the resulting link is stable and safe to embed in HTML attributes.
func wrapHTMLProxy(absURL string) string {
	return "/m?url=" + percentEncodeAll(absURL)
}

const hexDigits = "0123456789ABCDEF"

func percentEncodeAll(s string) string {
	var b strings.Builder
	b.Grow(len(s) * 3)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0F])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	default:
		return false
	}
}
