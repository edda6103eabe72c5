// Package s3http implements the HTTP request engine: signs, issues, retries
// redirects for, and decodes exactly one logical request against an
// S3-compatible endpoint on an already-acquired Connection.
package s3http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config holds the wire-level parameters an Engine needs on every request.
type Config struct {
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
	Host            string
	Port            int
	SSL             bool
	MaxRedirects    int
}

// Connection is an HTTP client bound to one host:port, kept alive across
// requests by the underlying http.Transport's connection pooling. The
// pool package hands out exclusive leases on these.
type Connection struct {
	client *http.Client
	host   string // current target host:port, mutated on a 301 redirect
}

// NewConnection builds a keep-alive-capable client for a pool factory.
func NewConnection(host string, timeout time.Duration) *Connection {
	return &Connection{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DisableCompression: true, // Accept-Encoding: identity
				MaxIdleConnsPerHost: 1,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		host: host,
	}
}

// Close releases the connection's idle sockets.
func (c *Connection) Close() {
	c.client.CloseIdleConnections()
}

// Response is what MakeRequest delivers on success.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Stats are the cumulative, approximate counters the engine tracks for the
// observability endpoint.
type Stats struct {
	Jobs          int64
	Errors        int64
	Connects      int64
	BytesSent     int64
	BytesReceived int64
}

// Engine signs, issues, and retries exactly one logical S3 request per
// MakeRequest call.
type Engine struct {
	cfg    Config
	logger *zap.SugaredLogger

	jobs, errs, connects           int64
	bytesSent, bytesReceived       int64
}

// New builds an Engine bound to cfg.
func New(cfg Config, logger *zap.SugaredLogger) *Engine {
	return &Engine{cfg: cfg, logger: logger}
}

// Stats returns a snapshot of the engine's cumulative counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Jobs:          atomic.LoadInt64(&e.jobs),
		Errors:        atomic.LoadInt64(&e.errs),
		Connects:      atomic.LoadInt64(&e.connects),
		BytesSent:     atomic.LoadInt64(&e.bytesSent),
		BytesReceived: atomic.LoadInt64(&e.bytesReceived),
	}
}

// escapePath URL-escapes resourcePath while preserving the leading "/" and
// any query string untouched (the query carries S3 sub-resource markers
// like "?uploads" that must reach the server literally).
func escapePath(resourcePath string) string {
	if resourcePath == "" {
		return "/"
	}
	if resourcePath[0] == '?' {
		return resourcePath
	}
	path, query, _ := cutQuery(resourcePath)
	u := &url.URL{Path: path}
	escaped := u.EscapedPath()
	if escaped == "" {
		escaped = "/"
	}
	if query != "" {
		escaped += "?" + query
	}
	return escaped
}

func cutQuery(s string) (path, query string, found bool) {
	for i, c := range s {
		if c == '?' {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

// requestURL builds the wire URL for resourcePath: "/<bucket>/<key>" when
// path-style addressing is configured, "/<key>" with the bucket folded
// into the host otherwise.
func (e *Engine) requestURL(host, resourcePath string) string {
	escaped := escapePath(resourcePath)
	prefix := ""
	if e.cfg.PathStyle {
		prefix = "/" + e.cfg.Bucket
	}
	scheme := "http"
	if e.cfg.SSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s%s", scheme, host, prefix, escaped)
}

// MakeRequest issues one logical request on conn, following up to
// MaxRedirects 301 hops transparently before returning. Only 200, 204 and
// 206 count as success; on any other terminal status (other 3xx included)
// or a transport error it returns a classified *Error;
// conn remains usable either way.
func (e *Engine) MakeRequest(ctx context.Context, conn *Connection, resourcePath, method string, body []byte, headers Headers) (*Response, error) {
	return e.makeRequest(ctx, conn, resourcePath, method, body, headers, 0)
}

func (e *Engine) makeRequest(ctx context.Context, conn *Connection, resourcePath, method string, body []byte, headers Headers, redirects int) (*Response, error) {
	if redirects > e.cfg.MaxRedirects {
		atomic.AddInt64(&e.errs, 1)
		return nil, newError(KindTransport, "MakeRequest", fmt.Errorf("exceeded %d redirects", e.cfg.MaxRedirects))
	}

	dateStr := time.Now().UTC().Format(http.TimeFormat)

	signed := append(Headers{}, headers...)
	stringToSign := StringToSign(method, e.cfg.Bucket, resourcePath, dateStr, signed)
	signature := Sign(e.cfg.SecretAccessKey, stringToSign)

	wireURL := e.requestURL(conn.host, resourcePath)
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, wireURL, reqBody)
	if err != nil {
		atomic.AddInt64(&e.errs, 1)
		return nil, newError(KindTransport, "MakeRequest", err)
	}

	req.Header.Set("Authorization", AuthorizationHeader(e.cfg.AccessKeyID, signature))
	req.Header.Set("Host", conn.host)
	req.Header.Set("Date", dateStr)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept-Encoding", "identity")
	for _, h := range signed {
		req.Header.Add(h.Key, h.Value)
	}
	if body != nil {
		req.ContentLength = int64(len(body))
	}

	atomic.AddInt64(&e.jobs, 1)
	atomic.AddInt64(&e.bytesSent, int64(len(body)))

	resp, err := conn.client.Do(req)
	if err != nil {
		atomic.AddInt64(&e.errs, 1)
		e.logger.Errorf("s3http: %s %s: %v", method, resourcePath, err)
		return nil, newError(KindTransport, "MakeRequest", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		atomic.AddInt64(&e.errs, 1)
		return nil, newError(KindTransport, "MakeRequest", err)
	}
	atomic.AddInt64(&e.bytesReceived, int64(len(respBody)))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusPartialContent:
		return &Response{StatusCode: resp.StatusCode, Body: respBody, Header: resp.Header}, nil

	case http.StatusMovedPermanently:
		loc := resp.Header.Get("Location")
		if loc == "" {
			loc = parseRedirectEndpoint(respBody)
		}
		if loc == "" {
			atomic.AddInt64(&e.errs, 1)
			return nil, newError(KindProtocol, "MakeRequest", fmt.Errorf("301 response carried no Location or Endpoint"))
		}
		conn.host = stripScheme(loc)
		atomic.AddInt64(&e.connects, 1)
		return e.makeRequest(ctx, conn, resourcePath, method, body, headers, redirects+1)

	case http.StatusNotFound:
		return nil, newError(KindNotFound, "MakeRequest", fmt.Errorf("404: %s", firstLine(respBody)))

	default:
		atomic.AddInt64(&e.errs, 1)
		return nil, newError(KindProtocol, "MakeRequest", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, firstLine(respBody)))
	}
}

// ProbeBucket issues a HEAD against the bucket root to confirm credentials
// and connectivity before mounting. A failure here is fatal to startup.
func (e *Engine) ProbeBucket(ctx context.Context, conn *Connection) error {
	_, err := e.MakeRequest(ctx, conn, "/", http.MethodHead, nil, nil)
	if err != nil {
		return newError(KindAuth, "ProbeBucket", err)
	}
	return nil
}

func stripScheme(loc string) string {
	if u, err := url.Parse(loc); err == nil && u.Host != "" {
		return u.Host
	}
	return loc
}

func firstLine(b []byte) string {
	const max = 200
	if len(b) > max {
		b = b[:max]
	}
	for i, c := range b {
		if c == '\n' {
			return string(b[:i])
		}
	}
	return string(b)
}
