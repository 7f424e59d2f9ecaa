// Package providers holds the external IP-intelligence adapters. Each adapter
// normalizes one upstream API into a Result; absent upstream fields map to
// false flags and empty scalars.
package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

// Result is a normalized provider answer for one address.
type Result struct {
	Address    string
	Proxy      bool
	VPN        bool
	Tor        bool
	Hosting    bool
	Confidence int
	ASN        *int
	ASNOrg     string
	Country    string
	Raw        string // upstream response body, cached verbatim
}

// Positive reports whether any flag fired; the engine stops at the first
// provider with a positive indicator.
func (r *Result) Positive() bool {
	return r.Proxy || r.VPN || r.Tor || r.Hosting
}

// Provider is the adapter capability set. Lower Priority is consulted first.
type Provider interface {
	Name() string
	Priority() int
	Enabled() bool
	Check(ctx context.Context, address string) (*Result, error)
}

// Client is the shared HTTP layer: one per-call deadline for every adapter,
// so a stalled upstream cannot hold a classification past its budget.
type Client struct {
	http    *http.Client
	timeout time.Duration
}

const defaultTimeout = 5 * time.Second

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    20,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		timeout: timeout,
	}
}

// Get fetches url with the per-call deadline and returns the body. Non-2xx is
// an error.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// Registry returns the enabled providers sorted by priority. Composed once at
// startup; there is no runtime registration.
func Registry(ps ...Provider) []Provider {
	out := make([]Provider, 0, len(ps))
	for _, p := range ps {
		if p.Enabled() {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority() < out[j].Priority() })
	return out
}
