package rotation

type ProxyStats struct {
	Label   string
	Country string
	Uses    int
	IPs     []string
	// Ineligible is set once the proxy resolved to an IP at cap.
	Ineligible bool
}

type IPStats struct {
	IP     string
	Uses   int
	Labels []string
	AtCap  bool
}

type Stats struct {
	Strategy   string
	MaxPerIP   int
	Cycles     int
	Selections int
	UniqueIPs  int
	IPsAtCap   int
	// Unresolved counts selections accepted without a resolved IP.
	Unresolved int
	Proxies    []ProxyStats
	IPs        []IPStats
}

// Stats returns a snapshot of the rotation state and the IP usage ledger.
func (r *Rotator) Stats() Stats {
	st := Stats{
		Strategy:   r.cfg.Strategy.Name(),
		MaxPerIP:   r.cfg.MaxPerIP,
		Cycles:     r.state.Cycles,
		Selections: r.state.selections,
		Unresolved: r.state.unresolved,
	}

	for _, p := range r.proxies {
		ips := make([]string, len(r.state.proxyIPs[p.Label]))
		copy(ips, r.state.proxyIPs[p.Label])
		st.Proxies = append(st.Proxies, ProxyStats{
			Label:      p.Label,
			Country:    p.Country,
			Uses:       r.state.proxyUses[p.Label],
			IPs:        ips,
			Ineligible: r.state.ineligible[p.Label],
		})
	}

	for _, ip := range r.ledger.IPs() {
		is := IPStats{
			IP:     ip,
			Uses:   r.ledger.Count(ip),
			Labels: r.ledger.Labels(ip),
			AtCap:  r.ledger.AtCap(ip),
		}
		st.IPs = append(st.IPs, is)
		st.UniqueIPs++
		if is.AtCap {
			st.IPsAtCap++
		}
	}

	return st
}
