package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skywalker-88/stormkeep/internal/admission"
	"github.com/skywalker-88/stormkeep/internal/bans"
	"github.com/skywalker-88/stormkeep/internal/counter"
	"github.com/skywalker-88/stormkeep/internal/geo"
	"github.com/skywalker-88/stormkeep/internal/keys"
	"github.com/skywalker-88/stormkeep/internal/reputation"
	"github.com/skywalker-88/stormkeep/internal/reputation/providers"
	"github.com/skywalker-88/stormkeep/internal/requestlog"
	"github.com/skywalker-88/stormkeep/internal/store"
	"github.com/skywalker-88/stormkeep/pkg/config"
)

var t0 = time.Date(2024, 1, 19, 12, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type testServer struct {
	handler http.Handler
	keys    *keys.Registry
	bans    *bans.Registry
	rep     *reputation.Store
	clock   *fakeClock
}

func newTestServer(t *testing.T, adminToken string) *testServer {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Bootstrap(context.Background(), db))

	clk := &fakeClock{now: t0}
	cfg := config.Defaults()
	cfg.Default = config.Limit{Limit: 3, WindowSeconds: 60}

	banReg := bans.NewRegistry(db, time.Hour).WithClock(clk.Now)
	keyReg := keys.NewRegistry(db, cfg.Default.Limit, cfg.Default.WindowSeconds).WithClock(clk.Now)
	logs := requestlog.NewLog(db).WithClock(clk.Now)
	geoReg := geo.NewRegistry(db)
	counters := counter.NewSQLStore(db).WithClock(clk.Now)
	repStore := reputation.NewStore(db).WithClock(clk.Now)

	// The ASN lookup always fails, so classification is driven entirely by
	// local state and stays deterministic.
	asnSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"fail"}`)
	}))
	t.Cleanup(asnSrv.Close)
	asn := providers.NewFreeASN(providers.NewClient(time.Second)).WithBaseURL(asnSrv.URL)
	engine := reputation.NewEngine(repStore, asn, nil, reputation.EngineConfig{IPTTL: time.Hour}).WithClock(clk.Now)

	pipeline := admission.NewPipeline(counters, banReg, keyReg, logs, geoReg, cfg).WithClock(clk.Now)

	handler := NewRouter(Deps{
		DB:         db,
		Pipeline:   pipeline,
		Engine:     engine,
		Reputation: repStore,
		Bans:       banReg,
		Keys:       keyReg,
		Geo:        geoReg,
		Logs:       logs,
		AdminToken: adminToken,
	})
	return &testServer{handler: handler, keys: keyReg, bans: banReg, rep: repStore, clock: clk}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	SetDraining(true)
	t.Cleanup(func() { SetDraining(false) })
	rec = ts.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCheck_RateLimitHeaders(t *testing.T) {
	ts := newTestServer(t, "")
	body := map[string]string{"address": "203.0.113.7"}

	for _, wantRemaining := range []string{"2", "1", "0"} {
		rec := ts.do(t, http.MethodPost, "/v1/check", body, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
		require.Equal(t, wantRemaining, rec.Header().Get("X-RateLimit-Remaining"))
		require.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
		resp := decode[map[string]any](t, rec)
		require.Equal(t, true, resp["allowed"])
		require.Equal(t, "ok", resp["reason"])
	}

	rec := ts.do(t, http.MethodPost, "/v1/check", body, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	resp := decode[map[string]any](t, rec)
	require.Equal(t, false, resp["allowed"])
	require.Equal(t, "rate_limited", resp["reason"])
}

func TestCheck_AddressFromProxyHeaders(t *testing.T) {
	ts := newTestServer(t, "")

	// No body: the address comes from the forwarding headers.
	rec := ts.do(t, http.MethodPost, "/v1/check", nil, map[string]string{
		"X-Forwarded-For": "203.0.113.9, 10.0.0.1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Same client again: the budget carries over, proving the identity stuck.
	rec = ts.do(t, http.MethodPost, "/v1/check", nil, map[string]string{
		"X-Forwarded-For": "203.0.113.9",
	})
	require.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestCheck_BannedReturns429(t *testing.T) {
	ts := newTestServer(t, "")
	dur := 600
	_, err := ts.bans.Create(context.Background(), "203.0.113.7", "manual", &dur, "admin")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/v1/check", map[string]string{"address": "203.0.113.7"}, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "600", rec.Header().Get("Retry-After"))
	resp := decode[map[string]any](t, rec)
	require.Equal(t, "banned", resp["reason"])
}

func TestCheck_InvalidKeyReturns403(t *testing.T) {
	ts := newTestServer(t, "")
	rec := ts.do(t, http.MethodPost, "/v1/check", map[string]string{"api_key": "rl_bogus"}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	resp := decode[map[string]any](t, rec)
	require.Equal(t, "invalid_key", resp["reason"])
}

func TestReputation_Endpoint(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodGet, "/v1/reputation/not-an-ip", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[map[string]string](t, rec)
	require.Equal(t, "validation_error", resp["error"])

	_, err := ts.rep.AddManualBlock(context.Background(), "203.0.113.7", reputation.KindAddress, "abuse", "admin", nil)
	require.NoError(t, err)

	rec = ts.do(t, http.MethodGet, "/v1/reputation/203.0.113.7", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	require.Equal(t, "proxy", body["type"])
	require.Equal(t, "manual", body["source"])
	require.EqualValues(t, 100, body["confidence"])

	// Second read echoes the cache; bypass forces reclassification.
	rec = ts.do(t, http.MethodGet, "/v1/reputation/203.0.113.7", nil, nil)
	body = decode[map[string]any](t, rec)
	require.Equal(t, "cache", body["source"])

	rec = ts.do(t, http.MethodGet, "/v1/reputation/203.0.113.7?bypass_cache=1", nil, nil)
	body = decode[map[string]any](t, rec)
	require.Equal(t, "manual", body["source"])
}

func TestAdmin_RequiresBearerToken(t *testing.T) {
	ts := newTestServer(t, "sekrit")

	rec := ts.do(t, http.MethodGet, "/v1/admin/keys", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/admin/keys", nil, map[string]string{"Authorization": "Bearer wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/admin/keys", nil, map[string]string{"Authorization": "Bearer sekrit"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdmin_AbsentWithoutToken(t *testing.T) {
	ts := newTestServer(t, "")
	rec := ts.do(t, http.MethodGet, "/v1/admin/keys", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_KeyLifecycle(t *testing.T) {
	ts := newTestServer(t, "sekrit")
	auth := map[string]string{"Authorization": "Bearer sekrit"}

	rec := ts.do(t, http.MethodPost, "/v1/admin/keys",
		map[string]any{"name": "ci-bot", "limit": 10, "window_seconds": 60}, auth)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[map[string]any](t, rec)
	plaintext, _ := created["key"].(string)
	require.True(t, strings.HasPrefix(plaintext, "rl_"))
	id := created["id"].(string)

	// The plaintext is shown exactly once: list and get omit it.
	rec = ts.do(t, http.MethodGet, "/v1/admin/keys", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), plaintext)
	require.NotContains(t, rec.Body.String(), `"key"`)

	rec = ts.do(t, http.MethodPost, "/v1/admin/keys/"+id+"/rotate", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	rotated := decode[map[string]any](t, rec)
	require.True(t, strings.HasPrefix(rotated["key"].(string), "rl_"))
	require.NotEqual(t, plaintext, rotated["key"])

	rec = ts.do(t, http.MethodPost, "/v1/admin/keys/"+id+"/deactivate", nil, auth)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/v1/admin/keys/"+id, nil, auth)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodDelete, "/v1/admin/keys/"+id, nil, auth)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/admin/keys", map[string]any{"name": ""}, auth)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_BanLifecycle(t *testing.T) {
	ts := newTestServer(t, "sekrit")
	auth := map[string]string{"Authorization": "Bearer sekrit"}

	rec := ts.do(t, http.MethodPost, "/v1/admin/bans",
		map[string]any{"identifier": "203.0.113.7", "reason": "abuse", "duration_seconds": 600}, auth)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[map[string]any](t, rec)
	require.Equal(t, "admin", created["created_by"])

	rec = ts.do(t, http.MethodGet, "/v1/admin/bans", nil, auth)
	list := decode[[]map[string]any](t, rec)
	require.Len(t, list, 1)

	rec = ts.do(t, http.MethodDelete, "/v1/admin/bans", nil, auth)
	require.Equal(t, http.StatusBadRequest, rec.Code, "identifier query parameter is required")

	rec = ts.do(t, http.MethodDelete, "/v1/admin/bans?identifier=203.0.113.7", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	removed := decode[map[string]int64](t, rec)
	require.EqualValues(t, 1, removed["removed"])
}

func TestAdmin_GeoAndBlocks(t *testing.T) {
	ts := newTestServer(t, "sekrit")
	auth := map[string]string{"Authorization": "Bearer sekrit"}

	rec := ts.do(t, http.MethodPut, "/v1/admin/geo", map[string]any{"enabled": true}, auth)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodPost, "/v1/admin/geo/countries", map[string]string{"code": "ru", "name": "Russia"}, auth)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/admin/geo", nil, auth)
	geoState := decode[map[string]any](t, rec)
	require.Equal(t, true, geoState["enabled"])
	require.Len(t, geoState["blocked_countries"], 1)

	rec = ts.do(t, http.MethodDelete, "/v1/admin/geo/countries/RU", nil, auth)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/admin/blocks",
		map[string]string{"identifier": "10.0.0.0/8", "kind": "cidr", "reason": "internal"}, auth)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/admin/blocks", nil, auth)
	blocks := decode[[]map[string]any](t, rec)
	require.Len(t, blocks, 1)

	rec = ts.do(t, http.MethodDelete, "/v1/admin/blocks?identifier=10.0.0.0/8&kind=cidr", nil, auth)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdmin_Stats(t *testing.T) {
	ts := newTestServer(t, "sekrit")
	auth := map[string]string{"Authorization": "Bearer sekrit"}

	// Two check calls, one denied, leave traces for the aggregator.
	for i := 0; i < 4; i++ {
		ts.do(t, http.MethodPost, "/v1/check", map[string]string{"address": "203.0.113.7"}, nil)
	}

	rec := ts.do(t, http.MethodGet, "/v1/admin/stats?hours=1&top=5", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[map[string]any](t, rec)
	require.Contains(t, stats, "requests")
	require.Contains(t, stats, "reputation")
}
