package httpserver

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skywalker-88/stormkeep/internal/admission"
	"github.com/skywalker-88/stormkeep/internal/bans"
	"github.com/skywalker-88/stormkeep/internal/geo"
	"github.com/skywalker-88/stormkeep/internal/keys"
	"github.com/skywalker-88/stormkeep/internal/middleware"
	"github.com/skywalker-88/stormkeep/internal/reputation"
	"github.com/skywalker-88/stormkeep/internal/requestlog"
	"github.com/skywalker-88/stormkeep/internal/store"
)

// Deps carries everything the router needs; all values are created once in
// main and shared.
type Deps struct {
	DB         *sqlx.DB
	Pipeline   *admission.Pipeline
	Engine     *reputation.Engine
	Reputation *reputation.Store
	Bans       *bans.Registry
	Keys       *keys.Registry
	Geo        *geo.Registry
	Logs       *requestlog.Log
	AdminToken string
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(middleware.AccessLoggerFromEnv())

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"name":   "stormkeep",
			"status": "ok",
			"hint":   "see /health and /metrics",
		})
	})

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if IsDraining() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
			return
		}
		if d.DB != nil {
			if err := d.DB.PingContext(req.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unreachable"})
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Post("/v1/check", d.handleCheck)
	r.Get("/v1/reputation/{address}", d.handleReputation)

	if d.AdminToken != "" {
		r.Route("/v1/admin", func(admin chi.Router) {
			admin.Use(bearerAuth(d.AdminToken))

			admin.Post("/keys", d.handleKeyCreate)
			admin.Get("/keys", d.handleKeyList)
			admin.Get("/keys/{id}", d.handleKeyGet)
			admin.Post("/keys/{id}/rotate", d.handleKeyRotate)
			admin.Post("/keys/{id}/deactivate", d.handleKeyDeactivate)
			admin.Delete("/keys/{id}", d.handleKeyDelete)

			admin.Post("/bans", d.handleBanCreate)
			admin.Get("/bans", d.handleBanList)
			admin.Delete("/bans/{id}", d.handleBanRemove)
			admin.Delete("/bans", d.handleBanRemoveAll)

			admin.Get("/geo", d.handleGeoGet)
			admin.Put("/geo", d.handleGeoSet)
			admin.Post("/geo/countries", d.handleGeoAdd)
			admin.Put("/geo/countries", d.handleGeoReplace)
			admin.Delete("/geo/countries/{code}", d.handleGeoRemove)

			admin.Get("/blocks", d.handleBlockList)
			admin.Post("/blocks", d.handleBlockAdd)
			admin.Delete("/blocks", d.handleBlockRemove)

			admin.Get("/stats", d.handleStats)
		})
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	})
	return r
}

// ---------- admission ----------

type checkRequest struct {
	Address  string `json:"address"`
	APIKey   string `json:"api_key"`
	Metadata struct {
		Path      string `json:"path"`
		Method    string `json:"method"`
		Country   string `json:"country"`
		UserAgent string `json:"user_agent"`
	} `json:"metadata"`
}

type checkResponse struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason"`
	Remaining  int    `json:"remaining"`
	ResetAt    int64  `json:"reset_at"`
	Limit      int    `json:"limit,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func (d Deps) handleCheck(w http.ResponseWriter, req *http.Request) {
	var body checkRequest
	if req.Body != nil {
		_ = json.NewDecoder(req.Body).Decode(&body) // empty body = header-derived check
	}
	if body.Address == "" && body.APIKey == "" {
		body.Address = clientAddress(req)
	}

	dec := d.Pipeline.Check(req.Context(), admission.Envelope{
		Address:   body.Address,
		APIKey:    body.APIKey,
		Path:      body.Metadata.Path,
		Method:    body.Metadata.Method,
		Country:   body.Metadata.Country,
		UserAgent: body.Metadata.UserAgent,
	})

	if dec.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAt, 10))

	status := http.StatusOK
	if !dec.Allowed {
		if dec.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
		}
		switch dec.Reason {
		case admission.ReasonRateLimited, admission.ReasonBanned:
			status = http.StatusTooManyRequests
		default:
			status = http.StatusForbidden
		}
	}
	writeJSON(w, status, checkResponse{
		Allowed:    dec.Allowed,
		Reason:     dec.Reason,
		Remaining:  dec.Remaining,
		ResetAt:    dec.ResetAt,
		Limit:      dec.Limit,
		RetryAfter: dec.RetryAfter,
	})
}

// clientAddress derives the caller's address from standard proxy headers.
func clientAddress(req *http.Request) string {
	if v := req.Header.Get("CF-Connecting-IP"); v != "" {
		return strings.TrimSpace(v)
	}
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if v := req.Header.Get("X-Real-IP"); v != "" {
		return strings.TrimSpace(v)
	}
	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil && host != "" {
		return host
	}
	return req.RemoteAddr
}

// ---------- reputation ----------

type reputationResponse struct {
	Address     string `json:"address"`
	Type        string `json:"type"`
	Proxy       bool   `json:"proxy"`
	VPN         bool   `json:"vpn"`
	Tor         bool   `json:"tor"`
	Hosting     bool   `json:"hosting"`
	Residential bool   `json:"residential"`
	Confidence  int    `json:"confidence"`
	Reason      string `json:"reason"`
	Source      string `json:"source"`
	ASN         *int   `json:"asn,omitempty"`
	ASNOrg      string `json:"asn_org,omitempty"`
	Country     string `json:"country,omitempty"`
}

func (d Deps) handleReputation(w http.ResponseWriter, req *http.Request) {
	address := chi.URLParam(req, "address")
	if _, ok := reputation.ParseIPv4(address); !ok {
		writeErr(w, store.Validationf("invalid IPv4 address: %q", address))
		return
	}
	bypass := req.URL.Query().Get("bypass_cache") == "1" ||
		req.URL.Query().Get("bypass_cache") == "true"

	rec := d.Engine.Classify(req.Context(), address, bypass)
	writeJSON(w, http.StatusOK, reputationResponse{
		Address:     address,
		Type:        rec.Type(),
		Proxy:       rec.Proxy,
		VPN:         rec.VPN,
		Tor:         rec.Tor,
		Hosting:     rec.Hosting,
		Residential: rec.Residential,
		Confidence:  rec.Confidence,
		Reason:      rec.Reason,
		Source:      rec.Source,
		ASN:         rec.ASN,
		ASNOrg:      rec.ASNOrg,
		Country:     rec.Country,
	})
}

// ---------- helpers ----------

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			got := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
			if got != token {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_credentials"})
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "validation_error",
			"message": err.Error(),
		})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
	}
}

func readJSON(req *http.Request, v any) error {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		return store.Validationf("malformed JSON body")
	}
	return nil
}

func parseTimePtr(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, store.Validationf("invalid timestamp %q", s)
	}
	return &t, nil
}
