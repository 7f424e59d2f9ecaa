package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FreeASN wraps the free ip-api.com lookup. It carries ASN metadata only (no
// abuse flags), so the engine's ASN-heuristic layer uses it directly and the
// provider chain skips past it.
type FreeASN struct {
	client  *Client
	baseURL string
}

const freeASNConfidence = 75

func NewFreeASN(client *Client) *FreeASN {
	return &FreeASN{client: client, baseURL: "http://ip-api.com/json"}
}

// WithBaseURL points the adapter at a test server.
func (p *FreeASN) WithBaseURL(url string) *FreeASN {
	p.baseURL = strings.TrimRight(url, "/")
	return p
}

func (p *FreeASN) Name() string  { return "ip-api" }
func (p *FreeASN) Priority() int { return 10 }
func (p *FreeASN) Enabled() bool { return true } // no token needed

type ipapiResponse struct {
	Status  string `json:"status"`
	AS      string `json:"as"` // "AS15169 Google LLC"
	Org     string `json:"org"`
	ISP     string `json:"isp"`
	Country string `json:"countryCode"`
}

func (p *FreeASN) Check(ctx context.Context, address string) (*Result, error) {
	raw, err := p.client.Get(ctx, fmt.Sprintf("%s/%s?fields=status,as,org,isp,countryCode", p.baseURL, address), nil)
	if err != nil {
		return nil, err
	}
	var resp ipapiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "" && resp.Status != "success" {
		return nil, fmt.Errorf("lookup failed for %s", address)
	}
	res := &Result{
		Address:    address,
		Confidence: freeASNConfidence,
		Country:    resp.Country,
		Raw:        string(raw),
	}
	asn, org := parseAS(resp.AS)
	if asn != 0 {
		res.ASN = &asn
	}
	if org == "" {
		org = resp.Org
	}
	if org == "" {
		org = resp.ISP
	}
	res.ASNOrg = org
	return res, nil
}

// parseAS splits "AS<digits> <org>" into its parts.
func parseAS(s string) (int, string) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "AS") {
		return 0, s
	}
	rest := s[2:]
	i := strings.IndexByte(rest, ' ')
	numPart, org := rest, ""
	if i >= 0 {
		numPart, org = rest[:i], strings.TrimSpace(rest[i+1:])
	}
	n, err := strconv.Atoi(numPart)
	if err != nil {
		return 0, s
	}
	return n, org
}
