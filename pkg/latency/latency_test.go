package latency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"egress-runner/pkg/fetch"
	"egress-runner/pkg/models"
)

func TestMeasure(t *testing.T) {
	delays := map[string]time.Duration{
		"fast.proxy.test:8080": 20 * time.Millisecond,
		"slow.proxy.test:8080": 90 * time.Millisecond,
	}
	var inFlight, peak atomic.Int32
	p := NewProber(slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.Concurrency = 2
	p.Fetch = func(ctx context.Context, target string, opts fetch.Options) (*fetch.Result, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		if opts.Method != "HEAD" || target != DefaultTarget {
			t.Errorf("unexpected request %s %s", opts.Method, target)
		}
		d, ok := delays[opts.Proxy.Host]
		if !ok {
			return nil, errors.New("connection refused")
		}
		time.Sleep(10 * time.Millisecond)
		return &fetch.Result{Elapsed: d}, nil
	}

	proxies := []models.ProxyRecord{
		{Label: "slow", Address: "slow.proxy.test:8080", Type: models.HTTPType},
		{Label: "dead", Address: "dead.proxy.test:8080", Type: models.HTTPType},
		{Label: "fast", Address: "fast.proxy.test:8080", Type: models.HTTPType},
		{Label: "fast2", Address: "fast.proxy.test:8080", Type: models.SOCKS5Type},
	}
	ms, err := p.Measure(context.Background(), proxies)
	if err != nil {
		t.Fatalf("Measure() error = %v", err)
	}
	if len(ms) != len(proxies) {
		t.Fatalf("Measure() returned %d results, want %d", len(ms), len(proxies))
	}
	if ms[0].Latency != 90*time.Millisecond || ms[2].Latency != 20*time.Millisecond {
		t.Errorf("latencies = %v, %v", ms[0].Latency, ms[2].Latency)
	}
	if ms[1].Err == nil || !strings.Contains(ms[1].Err.Error(), "connection refused") {
		t.Errorf("dead proxy error = %v", ms[1].Err)
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}

	updated := Apply(proxies, ms)
	if updated[0].LatencyMs != 90 || updated[1].LatencyMs != 0 || updated[2].LatencyMs != 20 {
		t.Errorf("Apply() = %+v", updated)
	}
	if proxies[0].LatencyMs != 0 {
		t.Error("Apply() modified its input")
	}
}
