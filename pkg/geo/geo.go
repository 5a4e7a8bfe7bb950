// Package geo maps egress addresses to countries using a local MaxMind database.
package geo

import (
	"context"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

type GeoIPLocator struct {
	reader *geoip2.Reader
}

// Open loads a GeoLite2/GeoIP2 Country or City database.
func Open(path string) (*GeoIPLocator, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database %s: %w", path, err)
	}
	return &GeoIPLocator{reader: reader}, nil
}

func (l *GeoIPLocator) Country(_ context.Context, ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("invalid IP address %q", ip)
	}
	record, err := l.reader.Country(parsed)
	if err != nil {
		return "", err
	}
	return record.Country.IsoCode, nil
}

func (l *GeoIPLocator) Close() error {
	return l.reader.Close()
}
