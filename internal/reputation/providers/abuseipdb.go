package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AbuseIPDB derives flags from the usage-type string plus the 0..100
// abuse-confidence score.
type AbuseIPDB struct {
	client  *Client
	key     string
	baseURL string
}

func NewAbuseIPDB(client *Client, key string) *AbuseIPDB {
	return &AbuseIPDB{client: client, key: key, baseURL: "https://api.abuseipdb.com/api/v2"}
}

func (p *AbuseIPDB) WithBaseURL(url string) *AbuseIPDB {
	p.baseURL = strings.TrimRight(url, "/")
	return p
}

func (p *AbuseIPDB) Name() string  { return "abuseipdb" }
func (p *AbuseIPDB) Priority() int { return 8 }
func (p *AbuseIPDB) Enabled() bool { return p.key != "" }

type abuseResponse struct {
	Data struct {
		AbuseConfidenceScore int    `json:"abuseConfidenceScore"`
		UsageType            string `json:"usageType"`
		ISP                  string `json:"isp"`
		CountryCode          string `json:"countryCode"`
		IsTor                bool   `json:"isTor"`
	} `json:"data"`
}

func (p *AbuseIPDB) Check(ctx context.Context, address string) (*Result, error) {
	raw, err := p.client.Get(ctx,
		fmt.Sprintf("%s/check?ipAddress=%s&maxAgeInDays=90", p.baseURL, address),
		map[string]string{"Key": p.key})
	if err != nil {
		return nil, err
	}
	var resp abuseResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	usage := strings.ToLower(resp.Data.UsageType)
	score := resp.Data.AbuseConfidenceScore
	confidence := score + 50
	if confidence > 100 {
		confidence = 100
	}
	return &Result{
		Address:    address,
		Proxy:      score >= 75,
		VPN:        strings.Contains(usage, "vpn"),
		Tor:        resp.Data.IsTor,
		Hosting:    strings.Contains(usage, "data center") || strings.Contains(usage, "hosting"),
		Confidence: confidence,
		ASNOrg:     resp.Data.ISP,
		Country:    resp.Data.CountryCode,
		Raw:        string(raw),
	}, nil
}
