package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestFetchDirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "egress-runner/1.0" {
			t.Errorf("User-Agent = %q", got)
		}
		w.Write([]byte("203.0.113.7"))
	}))
	defer srv.Close()

	res, err := Fetch(context.Background(), srv.URL, Options{
		Headers: []string{"User-Agent: egress-runner/1.0"},
		Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(res.Body) != "203.0.113.7" {
		t.Errorf("Fetch() body = %q", res.Body)
	}
}

func TestFetchThroughHTTPProxy(t *testing.T) {
	var proxied bool
	// A plain-HTTP request through a forward proxy arrives with an absolute URI.
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied = r.URL.IsAbs()
		w.Write([]byte(`{"ip":"198.51.100.1"}`))
	}))
	defer proxySrv.Close()

	proxyURL, _ := url.Parse(proxySrv.URL)
	res, err := Fetch(context.Background(), "http://echo.invalid/ip", Options{Proxy: proxyURL, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !proxied {
		t.Error("request did not go through the proxy")
	}
	if string(res.Body) != `{"ip":"198.51.100.1"}` {
		t.Errorf("Fetch() body = %q", res.Body)
	}
}

func TestFetchInvalidHeader(t *testing.T) {
	_, err := Fetch(context.Background(), "http://127.0.0.1:1", Options{Headers: []string{"no colon here"}})
	if err == nil {
		t.Fatal("expected error for malformed header")
	}
}
