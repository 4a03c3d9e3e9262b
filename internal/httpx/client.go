// Package httpx is the outbound upstream fetcher: it issues one
// synchronous GET per call with the headers and timeouts the proxy
// endpoints require, and never retries automatically.
package httpx

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	// HTMLTimeout bounds HTML proxy and generic passthrough fetches.
	HTMLTimeout = 15 * time.Second
	// AssetTimeout bounds image and /static passthrough fetches.
	AssetTimeout = 20 * time.Second

	desktopUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	proxyUserAgent          = "wikipedia-pro/1.0 (+https://github.com/Siunami/wikipedia-pro)"
	defaultAccept           = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"
	defaultAcceptLanguage   = "en-US,en;q=0.9"
)

// sharedTransport is reused across both clients so connection pooling
// amortizes across HTML and asset fetches alike.
var sharedTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
	ForceAttemptHTTP2:     true,
	MaxIdleConns:          200,
	MaxIdleConnsPerHost:   50,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// Client wraps two *http.Client instances sized for the two timeout
// classes the proxy needs: HTML fetches and asset/passthrough fetches.
type Client struct {
	html   *http.Client
	assets *http.Client
}

// NewClient builds a Client ready for HTML, passthrough, and asset fetches.
func NewClient() *Client {
	return NewClientWithTransport(sharedTransport)
}

// NewClientWithTransport builds a Client over a caller-supplied transport,
// letting tests substitute a RoundTripper that redirects to a local
// httptest server regardless of the dialed host.
func NewClientWithTransport(rt http.RoundTripper) *Client {
	return &Client{
		html:   &http.Client{Timeout: HTMLTimeout, Transport: rt},
		assets: &http.Client{Timeout: AssetTimeout, Transport: rt},
	}
}

// Response is a fetched upstream response, already drained into memory
// except for the 304 Not Modified case.
type Response struct {
	Status       int
	Header       http.Header
	Body         []byte
	ContentType  string
	ETag         string
	LastModified string
	NotModified  bool
}

// Validators carries the conditional-request validators captured from a
// prior successful fetch.
type Validators struct {
	ETag         string
	LastModified string
}

// FetchHTML issues a GET for an HTML proxy target, forwarding the client's
// Accept/Accept-Language and, when present, conditional validators.
func (c *Client) FetchHTML(ctx context.Context, target, accept, acceptLanguage string, prior Validators) (*Response, error) {
	if accept == "" {
		accept = defaultAccept
	}
	if acceptLanguage == "" {
		acceptLanguage = defaultAcceptLanguage
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", desktopUserAgent)
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", acceptLanguage)
	if prior.ETag != "" {
		req.Header.Set("If-None-Match", prior.ETag)
	}
	if prior.LastModified != "" {
		req.Header.Set("If-Modified-Since", prior.LastModified)
	}
	return c.do(ctx, c.html, req)
}

// FetchPassthrough issues a GET for a generic asset/passthrough target with
// a short proxy User-Agent, forwarding the client's Accept and (when
// forwardReferer is set) Referer headers.
func (c *Client) FetchPassthrough(ctx context.Context, target, accept, referer string, forwardReferer bool) (*Response, error) {
	if accept == "" {
		accept = "*/*"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", proxyUserAgent)
	req.Header.Set("Accept", accept)
	if forwardReferer && referer != "" {
		req.Header.Set("Referer", referer)
	}
	return c.do(ctx, c.assets, req)
}

func (c *Client) do(ctx context.Context, hc *http.Client, req *http.Request) (*Response, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &Response{
			Status:       resp.StatusCode,
			Header:       resp.Header,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			NotModified:  true,
		}, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{
		Status:       resp.StatusCode,
		Header:       resp.Header,
		Body:         body,
		ContentType:  resp.Header.Get("Content-Type"),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}
