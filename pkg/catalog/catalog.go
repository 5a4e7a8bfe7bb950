// Package catalog loads the static list of egress proxies.
package catalog

import (
	"context"
	"strings"

	"egress-runner/pkg/models"
)

// Catalog is the source of truth for proxy records.
type Catalog interface {
	Load(ctx context.Context) ([]models.ProxyRecord, error)
}

// Filter restricts a catalog to matching records. Empty fields match everything.
type Filter struct {
	Types     []models.ProxyType
	Classes   []models.ConnectionClass
	Countries []string
}

func (f Filter) Match(p models.ProxyRecord) bool {
	if len(f.Types) > 0 && !contains(f.Types, p.Type) {
		return false
	}
	if len(f.Classes) > 0 && !contains(f.Classes, p.Class) {
		return false
	}
	if len(f.Countries) > 0 {
		found := false
		for _, c := range f.Countries {
			if strings.EqualFold(c, p.Country) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Apply returns the matching records in catalog order.
func (f Filter) Apply(records []models.ProxyRecord) []models.ProxyRecord {
	out := make([]models.ProxyRecord, 0, len(records))
	for _, p := range records {
		if f.Match(p) {
			out = append(out, p)
		}
	}
	return out
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Static is an in-memory catalog.
type Static []models.ProxyRecord

func (s Static) Load(context.Context) ([]models.ProxyRecord, error) {
	out := make([]models.ProxyRecord, len(s))
	copy(out, s)
	return out, nil
}
