package rotation

import "sort"

type ipUsage struct {
	labels []string
	count  int
}

// Ledger counts attempts per egress IP. A count never exceeds the cap; once an IP
// reaches it, every proxy resolving to that IP is ineligible until Reset.
type Ledger struct {
	cap int
	ips map[string]*ipUsage
}

func NewLedger(cap int) *Ledger {
	return &Ledger{cap: cap, ips: make(map[string]*ipUsage)}
}

func (l *Ledger) entry(ip string) *ipUsage {
	u, ok := l.ips[ip]
	if !ok {
		u = &ipUsage{}
		l.ips[ip] = u
	}
	return u
}

// Observe notes that label resolves to ip without counting an attempt.
func (l *Ledger) Observe(ip, label string) {
	u := l.entry(ip)
	for _, existing := range u.labels {
		if existing == label {
			return
		}
	}
	u.labels = append(u.labels, label)
}

func (l *Ledger) AtCap(ip string) bool {
	u, ok := l.ips[ip]
	return ok && u.count >= l.cap
}

// Record counts one dispatched attempt. It reports false, without counting, when ip is at cap.
func (l *Ledger) Record(ip, label string) bool {
	if l.AtCap(ip) {
		l.Observe(ip, label)
		return false
	}
	l.Observe(ip, label)
	l.ips[ip].count++
	return true
}

func (l *Ledger) Count(ip string) int {
	if u, ok := l.ips[ip]; ok {
		return u.count
	}
	return 0
}

func (l *Ledger) Labels(ip string) []string {
	u, ok := l.ips[ip]
	if !ok {
		return nil
	}
	out := make([]string, len(u.labels))
	copy(out, u.labels)
	return out
}

// IPs returns every observed address, sorted.
func (l *Ledger) IPs() []string {
	out := make([]string, 0, len(l.ips))
	for ip := range l.ips {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}

func (l *Ledger) Reset() {
	l.ips = make(map[string]*ipUsage)
}
