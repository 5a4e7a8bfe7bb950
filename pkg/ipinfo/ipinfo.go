package ipinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type IPInfoResponse struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
	Anycast  bool   `json:"anycast"`
	City     string `json:"city"`
	Region   string `json:"region"`
	Country  string `json:"country"`
	Loc      string `json:"loc"`
	Org      string `json:"org"`
	Postal   string `json:"postal"`
	Timezone string `json:"timezone"`
}

// ASN splits the "org" field ("AS13335 Cloudflare, Inc.") into number and name.
func (r IPInfoResponse) ASN() (number, org string) {
	orgParts := strings.SplitN(r.Org, " ", 2)
	if len(orgParts) == 2 && strings.HasPrefix(orgParts[0], "AS") {
		return strings.TrimPrefix(orgParts[0], "AS"), orgParts[1]
	}
	return "", r.Org
}

// Client queries ipinfo.io for metadata about an address.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(token string) *Client {
	return &Client{
		BaseURL: "https://ipinfo.io",
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) GetIPInfo(ctx context.Context, ip string) (IPInfoResponse, error) {
	url := fmt.Sprintf("%s/%s?token=%s", c.BaseURL, ip, c.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return IPInfoResponse{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return IPInfoResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return IPInfoResponse{}, fmt.Errorf("ipinfo returned status %d", resp.StatusCode)
	}

	var ipInfo IPInfoResponse
	err = json.NewDecoder(resp.Body).Decode(&ipInfo)
	if err != nil {
		return IPInfoResponse{}, err
	}

	return ipInfo, nil
}

// Country implements the rotation package's locator contract.
func (c *Client) Country(ctx context.Context, ip string) (string, error) {
	info, err := c.GetIPInfo(ctx, ip)
	if err != nil {
		return "", err
	}
	return info.Country, nil
}
