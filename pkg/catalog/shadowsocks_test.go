package catalog

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"egress-runner/pkg/models"
)

const ssURL = "ss://Y2hhY2hhMjAtaWV0Zi1wb2x5MTMwNTpXaFJaMkNlTVI1UkNnc3cx@admin.c1.havij.co:443?prefix=POST%2520x2a8a1eO"

func TestShadowsocksURL(t *testing.T) {
	testCases := []struct {
		name   string
		record models.ProxyRecord
	}{
		{
			name: "JSON config with prefix",
			record: func() models.ProxyRecord {
				r, err := ParseSSConfig(`{
					"label": "ss-1",
					"server": "admin.c1.havij.co",
					"server_port": 443,
					"method": "chacha20-ietf-poly1305",
					"password": "WhRZ2CeMR5RCgsw1",
					"prefix": "POST%20x2a8a1eO",
					"country": "nl"
				}`)
				if err != nil {
					t.Fatalf("ParseSSConfig() error = %v", err)
				}
				return r
			}(),
		},
		{
			name: "catalog line",
			record: func() models.ProxyRecord {
				r, err := ParseLine("ss-1|" + ssURL + "|resident|NL")
				if err != nil {
					t.Fatalf("ParseLine() error = %v", err)
				}
				return r
			}(),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := tc.record
			if r.Type != models.ShadowsocksType || r.Username != "chacha20-ietf-poly1305" || r.Password != "WhRZ2CeMR5RCgsw1" {
				t.Errorf("record = %+v", r)
			}
			if r.Country != "NL" || r.Class != models.ResidentClass {
				t.Errorf("country/class = %s/%s", r.Country, r.Class)
			}
			if got := r.URL().String(); got != ssURL {
				t.Errorf("URL() = %v, want %v", got, ssURL)
			}
		})
	}
}

func TestShadowsocksPlainUserInfo(t *testing.T) {
	r, err := ParseLine("ss-2|ss://aes-256-gcm:pw@192.0.2.9:8388|dc|US")
	if err != nil {
		t.Fatalf("ParseLine() error = %v", err)
	}
	if r.Username != "aes-256-gcm" || r.Password != "pw" {
		t.Errorf("method/password = %s/%s", r.Username, r.Password)
	}
}

func TestParseMixedCatalog(t *testing.T) {
	in := strings.Join([]string{
		"# mixed catalog",
		"us-1|http://10.0.0.1:8080|resident|US",
		`{"label":"ss-1","server":"192.0.2.9","server_port":8388,"method":"aes-256-gcm","password":"pw","class":"mobile","country":"de"}`,
		`{"label":"broken","server":"192.0.2.9"}`,
	}, "\n")
	records, err := Parse(strings.NewReader(in), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Parse() returned %d records, want 2", len(records))
	}
	if records[1].Type != models.ShadowsocksType || records[1].Class != models.MobileClass || records[1].Address != "192.0.2.9:8388" {
		t.Errorf("shadowsocks record = %+v", records[1])
	}
}
