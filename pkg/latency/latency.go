// Package latency measures how quickly each proxy answers, for the fastest rotation strategy.
package latency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"egress-runner/pkg/fetch"
	"egress-runner/pkg/ipinfo"
	"egress-runner/pkg/models"
)

const DefaultTarget = "https://www.gstatic.com/generate_204"

type Prober struct {
	Target      string
	Timeout     time.Duration
	Concurrency int
	// Samples per proxy; the fastest sample is kept.
	Samples int
	Fetch   ipinfo.FetchFunc
	Logger  *slog.Logger
}

func NewProber(logger *slog.Logger) *Prober {
	return &Prober{
		Target:      DefaultTarget,
		Timeout:     10 * time.Second,
		Concurrency: 8,
		Samples:     1,
		Fetch:       fetch.Fetch,
		Logger:      logger,
	}
}

// Measurement is the result of probing one proxy.
type Measurement struct {
	Label   string
	Latency time.Duration
	Err     error
}

// Measure probes every proxy with bounded concurrency. Failed probes are reported in
// the result rather than aborting the others. Results keep the input order.
func (p *Prober) Measure(ctx context.Context, proxies []models.ProxyRecord) ([]Measurement, error) {
	results := make([]Measurement, len(proxies))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.Concurrency, 1))

	var mu sync.Mutex
	done := 0
	for i, proxy := range proxies {
		g.Go(func() error {
			d, err := p.probe(gctx, proxy)
			results[i] = Measurement{Label: proxy.Label, Latency: d, Err: err}

			mu.Lock()
			done++
			n := done
			mu.Unlock()
			if err != nil {
				p.Logger.Warn("Latency probe failed", "proxy", proxy.Label, "error", err, "progress", fmt.Sprintf("%d/%d", n, len(proxies)))
			} else {
				p.Logger.Debug("Latency measured", "proxy", proxy.Label, "latency", d, "progress", fmt.Sprintf("%d/%d", n, len(proxies)))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}

func (p *Prober) probe(ctx context.Context, proxy models.ProxyRecord) (time.Duration, error) {
	var best time.Duration
	var lastErr error
	for i := 0; i < max(p.Samples, 1); i++ {
		res, err := p.Fetch(ctx, p.Target, fetch.Options{
			Proxy:        proxy.URL(),
			Method:       "HEAD",
			Timeout:      p.Timeout,
			MaxBodyBytes: 1,
		})
		if err != nil {
			lastErr = err
			continue
		}
		if best == 0 || res.Elapsed < best {
			best = res.Elapsed
		}
	}
	if best == 0 {
		return 0, fmt.Errorf("no successful sample: %w", lastErr)
	}
	return best, nil
}

// Apply copies successful measurements onto the matching proxy records.
func Apply(proxies []models.ProxyRecord, ms []Measurement) []models.ProxyRecord {
	byLabel := make(map[string]time.Duration, len(ms))
	for _, m := range ms {
		if m.Err == nil && m.Latency > 0 {
			byLabel[m.Label] = m.Latency
		}
	}
	out := make([]models.ProxyRecord, len(proxies))
	for i, p := range proxies {
		if d, ok := byLabel[p.Label]; ok {
			p.LatencyMs = max(d.Milliseconds(), 1)
		}
		out[i] = p
	}
	return out
}
