package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// IPInfo maps ipinfo.io's privacy block. Relays count as proxies: the
// client's real address is hidden either way.
type IPInfo struct {
	client  *Client
	token   string
	baseURL string
}

const ipinfoConfidence = 90

func NewIPInfo(client *Client, token string) *IPInfo {
	return &IPInfo{client: client, token: token, baseURL: "https://ipinfo.io"}
}

func (p *IPInfo) WithBaseURL(url string) *IPInfo {
	p.baseURL = strings.TrimRight(url, "/")
	return p
}

func (p *IPInfo) Name() string  { return "ipinfo" }
func (p *IPInfo) Priority() int { return 5 }
func (p *IPInfo) Enabled() bool { return p.token != "" }

type ipinfoResponse struct {
	Country string `json:"country"`
	Org     string `json:"org"` // "AS15169 Google LLC"
	Privacy struct {
		VPN     bool `json:"vpn"`
		Proxy   bool `json:"proxy"`
		Tor     bool `json:"tor"`
		Relay   bool `json:"relay"`
		Hosting bool `json:"hosting"`
	} `json:"privacy"`
}

func (p *IPInfo) Check(ctx context.Context, address string) (*Result, error) {
	raw, err := p.client.Get(ctx,
		fmt.Sprintf("%s/%s?token=%s", p.baseURL, address, p.token), nil)
	if err != nil {
		return nil, err
	}
	var resp ipinfoResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	res := &Result{
		Address:    address,
		Proxy:      resp.Privacy.Proxy || resp.Privacy.Relay,
		VPN:        resp.Privacy.VPN,
		Tor:        resp.Privacy.Tor,
		Hosting:    resp.Privacy.Hosting,
		Confidence: ipinfoConfidence,
		Country:    resp.Country,
		Raw:        string(raw),
	}
	if asn, org := parseAS(resp.Org); asn != 0 {
		res.ASN = &asn
		res.ASNOrg = org
	}
	return res, nil
}
