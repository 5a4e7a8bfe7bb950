// Package fetch provides functionality to make HTTP requests through egress proxies
package fetch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
)

// Options contains all the configuration options for making a fetch request
type Options struct {
	// Proxy to send the request through. nil means a direct connection.
	// http/https proxies use CONNECT; any other scheme is handed to configurl
	// (socks5://, ss://, ...).
	Proxy *url.URL
	// HTTP method to use (default: "GET")
	Method string
	// Raw HTTP headers to add (without \r\n)
	Headers []string
	// Timeout for the whole request (default: 5s)
	Timeout time.Duration
	// Maximum body size to read (default: 64KiB)
	MaxBodyBytes int64
}

// Result contains the response from a fetch request
type Result struct {
	// HTTP response
	Response *http.Response
	// Response body as bytes
	Body []byte
	// Time to the first response byte
	Elapsed time.Duration
}

// NewStreamDialer builds an outline-sdk dialer from a proxy URL.
func NewStreamDialer(proxy *url.URL) (transport.StreamDialer, error) {
	config := ""
	if proxy != nil {
		config = proxy.String()
	}
	return configurl.NewDefaultConfigToDialer().NewStreamDialer(config)
}

func newTransport(proxy *url.URL) (*http.Transport, error) {
	if proxy != nil && (proxy.Scheme == "http" || proxy.Scheme == "https") {
		return &http.Transport{
			Proxy:             http.ProxyURL(proxy),
			DisableKeepAlives: true,
		}, nil
	}

	dialer, err := NewStreamDialer(proxy)
	if err != nil {
		return nil, fmt.Errorf("could not create dialer: %w", err)
	}

	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !strings.HasPrefix(network, "tcp") {
			return nil, fmt.Errorf("protocol not supported: %v", network)
		}
		return dialer.DialStream(ctx, addr)
	}
	return &http.Transport{DialContext: dialContext, DisableKeepAlives: true}, nil
}

// Fetch makes an HTTP request with the given options
func Fetch(ctx context.Context, target string, opts Options) (*Result, error) {
	if opts.Method == "" {
		opts.Method = "GET"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 << 10
	}

	tr, err := newTransport(opts.Proxy)
	if err != nil {
		return nil, err
	}
	defer tr.CloseIdleConnections()

	httpClient := &http.Client{
		Transport: tr,
		Timeout:   opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, opts.Method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Process headers
	if len(opts.Headers) > 0 {
		headerText := strings.Join(opts.Headers, "\r\n") + "\r\n\r\n"
		h, err := textproto.NewReader(bufio.NewReader(strings.NewReader(headerText))).ReadMIMEHeader()
		if err != nil {
			return nil, fmt.Errorf("invalid header line: %w", err)
		}
		for name, values := range h {
			for _, value := range values {
				req.Header.Add(name, value)
			}
		}
	}

	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	body, err := io.ReadAll(io.LimitReader(resp.Body, opts.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read of page body failed: %w", err)
	}

	return &Result{
		Response: resp,
		Body:     body,
		Elapsed:  elapsed,
	}, nil
}
