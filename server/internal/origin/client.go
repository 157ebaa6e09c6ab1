package origin

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/qrankd/qrankd/server/internal/config"
)

// ErrTransport is wrapped by every failure to obtain the dataset from the
// origin: network errors, unexpected statuses and truncated bodies.
var ErrTransport = errors.New("origin: transport failure")

// StatusError reports an HTTP status other than 2xx or 304.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// Download is the result of a successful Fetch.
type Download struct {
	// Unchanged is true when the origin confirmed the token is current. Body
	// is nil in that case.
	Unchanged bool

	// Token is the new validation token from the ETag header. May be empty
	// if the origin did not send one.
	Token string

	// ContentLength is the advertised body length, or -1 if unknown.
	ContentLength int64

	// Body streams the artifact. The caller must close it.
	Body io.ReadCloser
}

// Client fetches the dataset from a single origin URL.
type Client struct {
	url    string
	client *http.Client
}

// New builds a Client from the origin configuration. The HTTP client is built
// once and reused across fetches.
func New(cfg config.OriginConfig, version string) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("origin: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("origin: url must have http or https scheme: %s", cfg.URL)
	}
	return &Client{url: u.String(), client: buildHTTPClient(cfg, version)}, nil
}

// URL returns the origin URL.
func (c *Client) URL() string { return c.url }

// Fetch requests the dataset. A non-empty token is sent as If-None-Match
// unless force is set.
func (c *Client) Fetch(ctx context.Context, token string, force bool) (*Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("origin: build request: %w", err)
	}
	if token != "" && !force {
		req.Header.Set("If-None-Match", token)
	}

	slog.Info("origin: fetching dataset", "url", c.url, "force", force, "conditional", req.Header.Get("If-None-Match") != "")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	slog.Info("origin: response", "status", resp.StatusCode, "content_length", resp.ContentLength)

	switch {
	case resp.StatusCode == http.StatusNotModified:
		drain(resp.Body)
		return &Download{Unchanged: true, Token: token, ContentLength: -1}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		etag := resp.Header.Get("ETag")
		if etag == "" {
			slog.Warn("origin: response carries no ETag; next refresh will fetch in full")
		}
		return &Download{
			Token:         etag,
			ContentLength: resp.ContentLength,
			Body:          &transportBody{rc: resp.Body},
		}, nil

	default:
		drain(resp.Body)
		return nil, fmt.Errorf("%w: %w", ErrTransport, &StatusError{Code: resp.StatusCode, Status: resp.Status})
	}
}

// transportBody tags body read failures as transport errors.
type transportBody struct {
	rc io.ReadCloser
}

func (b *transportBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("%w: read body: %w", ErrTransport, err)
	}
	return n, err
}

func (b *transportBody) Close() error { return b.rc.Close() }

// drain discards up to 64KiB of an unused body so the connection can be
// reused, then closes it.
func drain(rc io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(rc, 64<<10)) //nolint:errcheck
	rc.Close()
}

// userAgentRoundTripper stamps every outgoing request with the service's
// User-Agent.
type userAgentRoundTripper struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(req)
}

// buildHTTPClient wraps a plain transport in a retrying client. The returned
// client's Timeout bounds the whole fetch, retries and body included.
func buildHTTPClient(cfg config.OriginConfig, version string) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // user-configured
	}

	rc := &retryablehttp.Client{
		HTTPClient: &http.Client{
			Transport: &userAgentRoundTripper{base: transport, userAgent: "qrankd/" + version},
		},
		Logger:       slog.Default(),
		RetryWaitMin: cfg.RetryWaitMin,
		RetryWaitMax: cfg.RetryWaitMax,
		RetryMax:     cfg.RetryMax,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
	std := rc.StandardClient()
	std.Timeout = cfg.FetchTimeout
	return std
}
