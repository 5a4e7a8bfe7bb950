package rotation

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// Strategy is one of RoundRobin, Random, Fastest or Geographic.
type Strategy interface {
	Name() string
	strategy()
}

// RoundRobin walks the catalog in order, wrapping at the end.
type RoundRobin struct{}

// Random picks uniformly among eligible proxies.
type Random struct {
	Rand *rand.Rand
}

// Fastest picks the eligible proxy with the lowest measured latency.
// Proxies without a measurement rank after all measured ones, in catalog order.
type Fastest struct{}

// Geographic picks the bucket furthest below its target share, then round-robins inside it.
type Geographic struct {
	Ratio GeographicRatio
}

func (RoundRobin) Name() string { return "round-robin" }
func (Random) Name() string     { return "random" }
func (Fastest) Name() string    { return "fastest" }
func (Geographic) Name() string { return "geographic" }

func (RoundRobin) strategy() {}
func (Random) strategy()     {}
func (Fastest) strategy()    {}
func (Geographic) strategy() {}

// ParseStrategy maps a strategy name and an optional ratio string to a Strategy.
func ParseStrategy(name, ratio string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "round-robin", "roundrobin", "round_robin", "rr":
		return RoundRobin{}, nil
	case "random":
		return Random{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}, nil
	case "fastest", "latency":
		return Fastest{}, nil
	case "geographic", "geo", "country-ratio", "ratio":
		r, err := ParseGeographicRatio(ratio)
		if err != nil {
			return nil, err
		}
		return Geographic{Ratio: r}, nil
	default:
		return nil, fmt.Errorf("unknown rotation strategy %q", name)
	}
}

// OtherBucket matches every country not named by another bucket.
const OtherBucket = "OTHER"

type RatioBucket struct {
	Name    string
	Percent float64
}

// GeographicRatio is an ordered list of target shares, e.g. "US:45,Other:55".
type GeographicRatio []RatioBucket

func ParseGeographicRatio(s string) (GeographicRatio, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("geographic strategy requires a ratio such as \"US:45,Other:55\"")
	}

	var ratio GeographicRatio
	seen := make(map[string]bool)
	var total float64
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid ratio entry %q", part)
		}
		name := strings.ToUpper(strings.TrimSpace(kv[0]))
		if name == "" {
			return nil, fmt.Errorf("invalid ratio entry %q: empty bucket", part)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate ratio bucket %q", name)
		}
		pct, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(kv[1]), "%"), 64)
		if err != nil || pct < 0 {
			return nil, fmt.Errorf("invalid percentage in %q", part)
		}
		seen[name] = true
		total += pct
		ratio = append(ratio, RatioBucket{Name: name, Percent: pct})
	}
	if total <= 0 {
		return nil, fmt.Errorf("ratio %q has no positive share", s)
	}
	return ratio, nil
}

// BucketFor returns the bucket index for a country, or -1 if no bucket accepts it.
func (r GeographicRatio) BucketFor(country string) int {
	country = strings.ToUpper(country)
	other := -1
	for i, b := range r {
		if b.Name == country {
			return i
		}
		if b.Name == OtherBucket {
			other = i
		}
	}
	return other
}

func (r GeographicRatio) String() string {
	parts := make([]string, len(r))
	for i, b := range r {
		parts[i] = fmt.Sprintf("%s:%g", b.Name, b.Percent)
	}
	return strings.Join(parts, ",")
}

func (r GeographicRatio) total() float64 {
	var t float64
	for _, b := range r {
		t += b.Percent
	}
	return t
}
