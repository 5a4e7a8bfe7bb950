// Package rotation selects an egress proxy for each attempt while capping how many
// attempts any single egress IP may carry.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"time"

	"egress-runner/pkg/catalog"
	"egress-runner/pkg/ipinfo"
	"egress-runner/pkg/models"
)

// IPResolver finds the real egress address of a proxy.
type IPResolver interface {
	Resolve(ctx context.Context, proxy models.ProxyRecord, opts ipinfo.Options) (string, error)
}

// Locator maps an address to an ISO country code.
type Locator interface {
	Country(ctx context.Context, ip string) (string, error)
}

type Config struct {
	Strategy   Strategy
	StartLabel string
	Filter     catalog.Filter
	// MaxPerIP is the cap on attempts per egress IP. Values below 1 are treated as 1.
	MaxPerIP int
	// CheckIP resolves the real egress IP. When false the proxy's declared host stands in.
	CheckIP bool
	// AcceptUnresolved accepts a proxy whose IP could not be resolved, without cap
	// enforcement. When false such a proxy is rejected and another one is tried.
	AcceptUnresolved bool
	Resolve          ipinfo.Options
}

// Selection is the proxy handed to one attempt.
type Selection struct {
	Proxy models.ProxyRecord
	// IP is the resolved egress address, or "" when resolution failed and the
	// proxy was accepted anyway.
	IP string
}

// State is the mutable rotation state. It belongs to exactly one Rotator.
type State struct {
	Strategy   Strategy
	StartLabel string
	Cycles     int

	proxyUses  map[string]int
	proxyIPs   map[string][]string
	ineligible map[string]bool
	offered    map[string]bool
	cursor     int
	bucketUses []int
	bucketCurs []int
	unresolved int
	selections int
}

type Rotator struct {
	proxies  []models.ProxyRecord
	index    map[string]int
	buckets  []int // bucket per proxy, geographic strategy only
	cfg      Config
	ledger   *Ledger
	state    *State
	resolver IPResolver
	locator  Locator
	logger   *slog.Logger
}

// New loads the catalog, applies the filter and prepares a fresh rotation state.
func New(ctx context.Context, cat catalog.Catalog, cfg Config, resolver IPResolver, logger *slog.Logger) (*Rotator, error) {
	records, err := cat.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	proxies := cfg.Filter.Apply(records)

	if cfg.Strategy == nil {
		cfg.Strategy = RoundRobin{}
	}
	if cfg.MaxPerIP < 1 {
		cfg.MaxPerIP = 1
	}
	if cfg.CheckIP && resolver == nil {
		return nil, fmt.Errorf("IP checking is enabled but no resolver was supplied")
	}

	var buckets []int
	if geo, ok := cfg.Strategy.(Geographic); ok {
		kept := proxies[:0:0]
		for _, p := range proxies {
			b := geo.Ratio.BucketFor(p.Country)
			if b < 0 {
				logger.Warn("Proxy country matches no ratio bucket, excluding it",
					"proxy", p.Label,
					"country", p.Country,
					"ratio", geo.Ratio.String())
				continue
			}
			kept = append(kept, p)
			buckets = append(buckets, b)
		}
		proxies = kept
	}

	if len(proxies) == 0 {
		return nil, models.ErrNoProxiesAvailable
	}

	r := &Rotator{
		proxies:  proxies,
		index:    make(map[string]int, len(proxies)),
		buckets:  buckets,
		cfg:      cfg,
		ledger:   NewLedger(cfg.MaxPerIP),
		resolver: resolver,
		logger:   logger,
	}
	for i, p := range proxies {
		r.index[p.Label] = i
	}
	r.state = r.newState()

	if cfg.StartLabel != "" {
		i, ok := r.index[cfg.StartLabel]
		if !ok {
			return nil, fmt.Errorf("start label %q is not in the filtered catalog", cfg.StartLabel)
		}
		r.state.cursor = i
		if r.buckets != nil {
			r.state.bucketCurs[r.buckets[i]] = i
		}
	}

	logger.Info("Proxy rotator initialized",
		"proxies", len(proxies),
		"strategy", cfg.Strategy.Name(),
		"maxPerIP", cfg.MaxPerIP,
		"checkIP", cfg.CheckIP,
		"startLabel", cfg.StartLabel)

	return r, nil
}

func (r *Rotator) newState() *State {
	s := &State{
		Strategy:   r.cfg.Strategy,
		StartLabel: r.cfg.StartLabel,
		proxyUses:  make(map[string]int),
		proxyIPs:   make(map[string][]string),
		ineligible: make(map[string]bool),
		offered:    make(map[string]bool),
	}
	if geo, ok := r.cfg.Strategy.(Geographic); ok {
		s.bucketUses = make([]int, len(geo.Ratio))
		s.bucketCurs = make([]int, len(geo.Ratio))
	}
	return s
}

// WithLocator enables a country cross-check of every resolved address.
func (r *Rotator) WithLocator(l Locator) *Rotator {
	r.locator = l
	return r
}

// Proxies returns the filtered catalog in selection order.
func (r *Rotator) Proxies() []models.ProxyRecord {
	out := make([]models.ProxyRecord, len(r.proxies))
	copy(out, r.proxies)
	return out
}

// Reset clears the ledger and all rotation state.
func (r *Rotator) Reset() {
	r.ledger.Reset()
	r.state = r.newState()
}

// Next selects the next proxy. It returns ErrRotationExhausted when neither the
// current pass nor one additional full pass yields an eligible proxy and IP.
func (r *Rotator) Next(ctx context.Context) (Selection, error) {
	rejected := make(map[string]bool)

	for pass := 0; pass < 2; pass++ {
		for {
			if err := ctx.Err(); err != nil {
				return Selection{}, err
			}

			i, ok := r.pick(rejected)
			if !ok {
				break
			}
			p := r.proxies[i]
			r.markOffered(p.Label)

			ip, enforce, err := r.egressIP(ctx, p)
			if err != nil {
				rejected[p.Label] = true
				continue
			}

			if enforce {
				if !r.ledger.Record(ip, p.Label) {
					r.logger.Debug("Egress IP at cap, proxy ineligible",
						"proxy", p.Label,
						"ip", ip,
						"uses", r.ledger.Count(ip))
					r.markIneligible(p.Label)
					continue
				}
				r.addProxyIP(p.Label, ip)
			} else {
				r.state.unresolved++
			}

			r.commit(i)
			r.logger.Debug("Selected proxy",
				"proxy", p.Label,
				"ip", ip,
				"ipUses", r.ledger.Count(ip),
				"cycle", r.state.Cycles)
			return Selection{Proxy: p, IP: ip}, nil
		}

		// Every candidate of this pass is spent. Start another full pass.
		if len(r.state.offered) > 0 {
			r.state.Cycles++
			r.state.offered = make(map[string]bool)
		}
		rejected = make(map[string]bool)
		r.logger.Debug("Rotation pass exhausted", "cycle", r.state.Cycles, "retry", pass == 0)
	}

	return Selection{}, models.ErrRotationExhausted
}

func (r *Rotator) markIneligible(label string) {
	r.state.ineligible[label] = true
	delete(r.state.offered, label)
}

func (r *Rotator) available(i int, rejected map[string]bool) bool {
	label := r.proxies[i].Label
	return !r.state.ineligible[label] && !rejected[label]
}

// markOffered counts a proxy toward the current cycle. A cycle completes once every
// eligible proxy has been offered.
func (r *Rotator) markOffered(label string) {
	r.state.offered[label] = true
	for _, p := range r.proxies {
		if !r.state.ineligible[p.Label] && !r.state.offered[p.Label] {
			return
		}
	}
	r.state.Cycles++
	r.state.offered = make(map[string]bool)
}

func (r *Rotator) commit(i int) {
	p := r.proxies[i]
	r.state.proxyUses[p.Label]++
	r.state.selections++
	if r.buckets != nil {
		r.state.bucketUses[r.buckets[i]]++
	}
}

func (r *Rotator) addProxyIP(label, ip string) {
	for _, existing := range r.state.proxyIPs[label] {
		if existing == ip {
			return
		}
	}
	r.state.proxyIPs[label] = append(r.state.proxyIPs[label], ip)
}

// egressIP returns the address to account the attempt against and whether the cap applies.
func (r *Rotator) egressIP(ctx context.Context, p models.ProxyRecord) (string, bool, error) {
	if !r.cfg.CheckIP {
		return p.Host(), true, nil
	}

	ip, err := r.resolver.Resolve(ctx, p, r.cfg.Resolve)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		if r.cfg.AcceptUnresolved && errors.Is(err, models.ErrResolutionFailed) {
			r.logger.Warn("Accepting proxy with unresolved egress IP, cap not enforced",
				"proxy", p.Label,
				"error", err)
			return "", false, nil
		}
		r.logger.Warn("Rejecting proxy with unresolved egress IP",
			"proxy", p.Label,
			"error", err)
		return "", false, err
	}

	if r.locator != nil {
		country, err := r.locator.Country(ctx, ip)
		if err != nil {
			r.logger.Debug("Country lookup failed", "ip", ip, "error", err)
		} else if country != "" && !strings.EqualFold(country, p.Country) {
			r.logger.Warn("Egress IP is from a different country",
				"proxy", p.Label,
				"ip", ip,
				"expected", p.Country,
				"actual", country)
		}
	}

	return ip, true, nil
}

// pick returns the index of the next candidate under the configured strategy.
func (r *Rotator) pick(rejected map[string]bool) (int, bool) {
	switch s := r.cfg.Strategy.(type) {
	case RoundRobin:
		return r.pickRoundRobin(rejected)
	case Random:
		return r.pickRandom(s.Rand, rejected)
	case Fastest:
		return r.pickFastest(rejected)
	case Geographic:
		return r.pickGeographic(s.Ratio, rejected)
	default:
		return -1, false
	}
}

func (r *Rotator) pickRoundRobin(rejected map[string]bool) (int, bool) {
	n := len(r.proxies)
	for k := 0; k < n; k++ {
		i := (r.state.cursor + k) % n
		if r.available(i, rejected) {
			r.state.cursor = (i + 1) % n
			return i, true
		}
	}
	return -1, false
}

func (r *Rotator) pickRandom(rng *rand.Rand, rejected map[string]bool) (int, bool) {
	var candidates []int
	for i := range r.proxies {
		if r.available(i, rejected) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return -1, false
	}
	if rng == nil {
		return candidates[rand.Intn(len(candidates))], true
	}
	return candidates[rng.Intn(len(candidates))], true
}

func (r *Rotator) pickFastest(rejected map[string]bool) (int, bool) {
	best, firstUnmeasured := -1, -1
	var bestLatency time.Duration
	for i, p := range r.proxies {
		if !r.available(i, rejected) {
			continue
		}
		latency, measured := p.Latency()
		if !measured {
			if firstUnmeasured < 0 {
				firstUnmeasured = i
			}
			continue
		}
		if best < 0 || latency < bestLatency {
			best = i
			bestLatency = latency
		}
	}
	if best < 0 {
		best = firstUnmeasured
	}
	return best, best >= 0
}

func (r *Rotator) pickGeographic(ratio GeographicRatio, rejected map[string]bool) (int, bool) {
	total := ratio.total()
	order := make([]int, 0, len(ratio))
	deficit := make([]float64, len(ratio))
	for b := range ratio {
		share := 0.0
		if r.state.selections > 0 {
			share = float64(r.state.bucketUses[b]) / float64(r.state.selections)
		}
		deficit[b] = ratio[b].Percent/total - share
		order = append(order, b)
	}
	// Ties keep ratio order.
	sort.SliceStable(order, func(a, b int) bool { return deficit[order[a]] > deficit[order[b]] })

	n := len(r.proxies)
	for _, b := range order {
		if ratio[b].Percent <= 0 {
			continue
		}
		start := r.state.bucketCurs[b]
		for k := 0; k < n; k++ {
			i := (start + k) % n
			if r.buckets[i] == b && r.available(i, rejected) {
				r.state.bucketCurs[b] = (i + 1) % n
				return i, true
			}
		}
	}
	return -1, false
}
