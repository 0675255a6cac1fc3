package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/doridoridoriand/latency-probe/internal/clock"
)

// UserAgent is sent with every HTTP probe.
var UserAgent = "latency-probe"

// HTTPProber measures from request issue until response headers arrive.
// Connections are never reused, so every sample includes DNS, TCP and TLS
// setup. The body is not read. Redirects are not followed.
type HTTPProber struct {
	clock  clock.Clock
	client *http.Client
}

func NewHTTPProber(c clock.Clock) *HTTPProber {
	return &HTTPProber{
		clock: c,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:             http.ProxyFromEnvironment,
				DisableKeepAlives: true,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Probe issues a GET. Responses with a 5xx status are errors; any other
// response counts as a successful round trip.
func (p *HTTPProber) Probe(ctx context.Context, host string, port uint16, timeout time.Duration) Outcome {
	ctx, cancel := withDeadline(ctx, timeout)
	defer cancel()

	target, err := targetURL(host, port)
	if err != nil {
		return failure(0, ReasonMalformed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return failure(0, ReasonMalformed, err)
	}
	req.Header.Set("User-Agent", UserAgent)

	start := p.clock.Now()
	resp, err := p.client.Do(req)
	elapsed := clock.Since(p.clock, start)
	if err != nil {
		return fromError(ctx, elapsed, unwrapURLError(err))
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return failure(elapsed, ReasonHTTPStatus, fmt.Errorf("unexpected status %s", resp.Status))
	}
	return success(elapsed)
}

// targetURL builds the request URL. host may already be a full URL; a
// non-zero port replaces the URL's port.
func targetURL(host string, port uint16) (string, error) {
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil {
			return "", err
		}
		if u.Hostname() == "" {
			return "", fmt.Errorf("missing host in %q", host)
		}
		if port != 0 {
			u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(int(port)))
		}
		if u.Path == "" {
			u.Path = "/"
		}
		return u.String(), nil
	}

	if host == "" {
		return "", errors.New("missing host")
	}
	scheme := "http"
	if port == 443 {
		scheme = "https"
	}
	if port == 0 {
		port = 80
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, strconv.Itoa(int(port))), Path: "/"}
	return u.String(), nil
}

func unwrapURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}
