package checker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Sentinel fetch errors. Both map onto protocol_error outcomes.
var (
	errOversized        = errors.New("response body exceeds size limit")
	errTooManyRedirects = errors.New("redirect limit exceeded")
)

// crossOriginError reports a redirect that left the probed origin.
// Target is the off-origin destination; Status is the 3xx code that sent
// us there.
type crossOriginError struct {
	Target *url.URL
	Status int
}

func (e *crossOriginError) Error() string {
	return fmt.Sprintf("cross-origin redirect (%d) to %s", e.Status, e.Target.Host)
}

// httpClient is the hardened HTTP side of a probe: connect/read timeouts,
// a same-origin redirect policy, and capped body reads.
type httpClient struct {
	cfg    Config
	origin *url.URL
	client *http.Client
}

func newHTTPClient(cfg Config) *httpClient {
	origin := &url.URL{Scheme: cfg.Scheme, Host: cfg.Host}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConns:          4,
		MaxIdleConnsPerHost:   4,
		ForceAttemptHTTP2:     false,
	}

	hc := &httpClient{cfg: cfg, origin: origin}
	hc.client = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > cfg.MaxRedirects {
				return errTooManyRedirects
			}
			if !sameOrigin(req.URL, origin) {
				status := 0
				if req.Response != nil {
					status = req.Response.StatusCode
				}
				return &crossOriginError{Target: req.URL, Status: status}
			}
			return nil
		},
	}
	return hc
}

// get fetches a path on the probed origin. A "?query" suffix on path
// becomes the request's query string.
func (h *httpClient) get(ctx context.Context, path string) (int, []byte, error) {
	u := *h.origin
	u.Path, u.RawQuery, _ = strings.Cut(path, "?")
	return h.getURL(ctx, &u)
}

// getURL fetches an absolute URL under the same-origin policy and the
// body cap. The returned error is one of: a *crossOriginError,
// errOversized, errTooManyRedirects, or a network-level failure.
func (h *httpClient) getURL(ctx context.Context, u *url.URL) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("building request for %s: %w", u, err)
	}
	req.Header.Set("User-Agent", h.cfg.UserAgent)
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := h.client.Do(req)
	if err != nil {
		// The redirect policy's verdict comes back wrapped in *url.Error.
		var cross *crossOriginError
		if errors.As(err, &cross) {
			return 0, nil, cross
		}
		if errors.Is(err, errTooManyRedirects) {
			return 0, nil, errTooManyRedirects
		}
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodyBytes+1))
	if err != nil {
		return 0, nil, fmt.Errorf("reading body of %s: %w", u, err)
	}
	if int64(len(body)) > h.cfg.MaxBodyBytes {
		return 0, nil, errOversized
	}
	return resp.StatusCode, body, nil
}

// parseSameOrigin parses href and requires it to share the probed origin.
func (h *httpClient) parseSameOrigin(href string) (*url.URL, error) {
	u, err := url.Parse(href)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("nodeinfo href %q is not an absolute URL", href)
	}
	if !sameOrigin(u, h.origin) {
		return nil, fmt.Errorf("nodeinfo href %q is not on origin %s", href, h.origin.Host)
	}
	return u, nil
}

// sameOrigin compares scheme, hostname, and effective port.
func sameOrigin(a, b *url.URL) bool {
	return a.Scheme == b.Scheme &&
		a.Hostname() == b.Hostname() &&
		effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch u.Scheme {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}
