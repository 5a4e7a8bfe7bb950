package ipinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"egress-runner/pkg/fetch"
	"egress-runner/pkg/models"
)

// DefaultEndpoints are plain address-echo services that answer with the caller's IP.
var DefaultEndpoints = []string{
	"https://api.ipify.org?format=json",
	"https://ifconfig.me/ip",
	"https://checkip.amazonaws.com",
	"https://icanhazip.com",
}

var ipPattern = regexp.MustCompile(`\d{1,3}(?:\.\d{1,3}){3}|[0-9a-fA-F]{0,4}(?::[0-9a-fA-F]{0,4}){2,7}`)

// Options bounds a single Resolve call.
type Options struct {
	Timeout     time.Duration
	MaxAttempts int
}

// FetchFunc matches fetch.Fetch and can be replaced in tests.
type FetchFunc func(ctx context.Context, target string, opts fetch.Options) (*fetch.Result, error)

// Resolver finds the real egress IP of a proxy. Results are never cached: the exit
// address of a proxy may change between calls.
type Resolver struct {
	endpoints []string
	fetch     FetchFunc
	logger    *slog.Logger
}

func NewResolver(endpoints []string, logger *slog.Logger) *Resolver {
	if len(endpoints) == 0 {
		endpoints = DefaultEndpoints
	}
	return &Resolver{
		endpoints: endpoints,
		fetch:     fetch.Fetch,
		logger:    logger,
	}
}

// WithFetch replaces the function used to issue lookups.
func (r *Resolver) WithFetch(f FetchFunc) *Resolver {
	r.fetch = f
	return r
}

// Resolve issues lookups through proxy, cycling through the endpoints across attempts,
// and returns the first address parsed from a response.
func (r *Resolver) Resolve(ctx context.Context, proxy models.ProxyRecord, opts Options) (string, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	var proxyURL *url.URL
	if proxy.Address != "" {
		proxyURL = proxy.URL()
	}

	var lastErr error
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %v", models.ErrResolutionFailed, err)
		}
		endpoint := r.endpoints[attempt%len(r.endpoints)]

		ip, err := r.lookup(ctx, endpoint, proxyURL, opts.Timeout)
		if err != nil {
			r.logger.Debug("egress lookup failed",
				"proxy", proxy.Label,
				"endpoint", endpoint,
				"attempt", attempt+1,
				"error", err)
			lastErr = err
			continue
		}

		r.logger.Debug("resolved egress IP",
			"proxy", proxy.Label,
			"ip", ip,
			"endpoint", endpoint,
			"attempt", attempt+1)
		return ip, nil
	}

	return "", fmt.Errorf("%w: proxy %s after %d attempts: %v", models.ErrResolutionFailed, proxy.Label, opts.MaxAttempts, lastErr)
}

func (r *Resolver) lookup(ctx context.Context, endpoint string, proxy *url.URL, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := r.fetch(ctx, endpoint, fetch.Options{
		Proxy:   proxy,
		Method:  "GET",
		Headers: []string{"User-Agent: egress-runner/1.0", "Accept: application/json, text/plain"},
		Timeout: timeout,
	})
	if err != nil {
		return "", err
	}
	if result.Response != nil && result.Response.StatusCode/100 != 2 {
		return "", fmt.Errorf("endpoint returned status %d", result.Response.StatusCode)
	}
	return ParseIP(result.Body)
}

// ParseIP extracts an address from an echo response. It accepts JSON bodies with an
// "ip" field, bare addresses and HTML pages containing one address.
func ParseIP(body []byte) (string, error) {
	text := strings.TrimSpace(string(body))

	var payload struct {
		IP     string `json:"ip"`
		Origin string `json:"origin"`
	}
	if strings.HasPrefix(text, "{") && json.Unmarshal([]byte(text), &payload) == nil {
		candidate := payload.IP
		if candidate == "" {
			// httpbin style, may be "a, b" when proxies chain
			candidate = strings.TrimSpace(strings.Split(payload.Origin, ",")[0])
		}
		if ip := net.ParseIP(candidate); ip != nil {
			return ip.String(), nil
		}
	}

	if ip := net.ParseIP(text); ip != nil {
		return ip.String(), nil
	}

	for _, m := range ipPattern.FindAllString(text, -1) {
		if ip := net.ParseIP(m); ip != nil {
			return ip.String(), nil
		}
	}
	return "", fmt.Errorf("no IP address in response %q", truncate(text, 64))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
