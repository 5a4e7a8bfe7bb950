package catalog

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"egress-runner/pkg/models"
)

// SSConfig is a Shadowsocks server definition in the JSON form used by Outline
// dynamic access keys, extended with the catalog attributes.
type SSConfig struct {
	Label      string `json:"label"`
	Server     string `json:"server"`
	ServerPort int    `json:"server_port"`
	Method     string `json:"method"`
	Password   string `json:"password"`
	Prefix     string `json:"prefix"`
	Class      string `json:"class"`
	Country    string `json:"country"`
}

// Record converts the config into a catalog entry.
func (c SSConfig) Record() (models.ProxyRecord, error) {
	if c.Label == "" {
		return models.ProxyRecord{}, fmt.Errorf("empty label")
	}
	if c.Server == "" || c.ServerPort <= 0 {
		return models.ProxyRecord{}, fmt.Errorf("shadowsocks config %q needs server and server_port", c.Label)
	}
	if c.Method == "" {
		return models.ProxyRecord{}, fmt.Errorf("shadowsocks config %q has no method", c.Label)
	}
	class := models.ResidentClass
	if c.Class != "" {
		var err error
		if class, err = models.ParseConnectionClass(strings.ToLower(c.Class)); err != nil {
			return models.ProxyRecord{}, err
		}
	}
	return models.ProxyRecord{
		Label:    c.Label,
		Address:  fmt.Sprintf("%s:%d", c.Server, c.ServerPort),
		Username: c.Method,
		Password: c.Password,
		Prefix:   c.Prefix,
		Type:     models.ShadowsocksType,
		Class:    class,
		Country:  strings.ToUpper(c.Country),
	}, nil
}

// ParseSSConfig parses a JSON Shadowsocks definition into a catalog entry.
func ParseSSConfig(jsonConfig string) (models.ProxyRecord, error) {
	var config SSConfig
	if err := json.Unmarshal([]byte(jsonConfig), &config); err != nil {
		return models.ProxyRecord{}, fmt.Errorf("failed to parse JSON config: %w", err)
	}
	return config.Record()
}

// decodeSSUserInfo extracts method and password from a SIP002 ss:// URL, whose userinfo
// is either base64("method:password") or a plain "method:password" pair.
func decodeSSUserInfo(u *url.URL) (method, password string, err error) {
	if u.User == nil {
		return "", "", fmt.Errorf("shadowsocks URL has no credentials")
	}
	if p, ok := u.User.Password(); ok {
		return u.User.Username(), p, nil
	}
	raw := u.User.Username()
	var decoded []byte
	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.RawURLEncoding, base64.StdEncoding, base64.RawStdEncoding} {
		if decoded, err = enc.DecodeString(raw); err == nil {
			break
		}
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to decode shadowsocks userinfo: %w", err)
	}
	method, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", fmt.Errorf("shadowsocks userinfo is not method:password")
	}
	return method, password, nil
}
