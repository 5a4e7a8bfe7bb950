package models

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/uptrace/bun"
)

type ProxyType string

const (
	HTTPType        ProxyType = "http"
	SOCKS5Type      ProxyType = "socks5"
	ShadowsocksType ProxyType = "ss"
)

type ConnectionClass string

const (
	ResidentClass   ConnectionClass = "resident"
	DatacenterClass ConnectionClass = "datacenter"
	MobileClass     ConnectionClass = "mobile"
)

// ParseConnectionClass accepts the class names used in catalog files and on the command line.
func ParseConnectionClass(s string) (ConnectionClass, error) {
	switch s {
	case "resident", "residential":
		return ResidentClass, nil
	case "datacenter", "dc":
		return DatacenterClass, nil
	case "mobile":
		return MobileClass, nil
	default:
		return "", fmt.Errorf("unknown connection class %q", s)
	}
}

// ProxyRecord is one configured egress proxy. Records are immutable once loaded.
type ProxyRecord struct {
	bun.BaseModel `bun:"table:proxies,alias:p"`

	Label   string `bun:",pk"`
	Address string `bun:",notnull"` // host:port
	// Username and Password hold the cipher and secret for Shadowsocks proxies.
	Username string
	Password string
	// Prefix is the Shadowsocks salt prefix, if any.
	Prefix    string
	Type      ProxyType       `bun:",notnull"`
	Class     ConnectionClass `bun:",notnull"`
	Country   string          `bun:",notnull"`
	LatencyMs int64           `bun:",nullzero"` // 0 means not measured
	CreatedAt time.Time       `bun:",nullzero,notnull,default:current_timestamp"`
}

// Latency returns the measured latency and whether one is known.
func (p ProxyRecord) Latency() (time.Duration, bool) {
	if p.LatencyMs <= 0 {
		return 0, false
	}
	return time.Duration(p.LatencyMs) * time.Millisecond, true
}

// URL returns the proxy URL including credentials.
func (p ProxyRecord) URL() *url.URL {
	scheme := string(p.Type)
	if scheme == "" {
		scheme = string(HTTPType)
	}
	u := &url.URL{Scheme: scheme, Host: p.Address}
	if p.Type == ShadowsocksType {
		// SIP002: base64url("method:password") as the userinfo.
		u.User = url.User(base64.URLEncoding.EncodeToString([]byte(p.Username + ":" + p.Password)))
		if p.Prefix != "" {
			u.RawQuery = url.Values{"prefix": {p.Prefix}}.Encode()
		}
		return u
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// Host returns the declared host of the proxy without the port.
func (p ProxyRecord) Host() string {
	return p.URL().Hostname()
}
