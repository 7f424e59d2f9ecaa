package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/skywalker-88/stormkeep/internal/bans"
	"github.com/skywalker-88/stormkeep/internal/geo"
	"github.com/skywalker-88/stormkeep/internal/keys"
	"github.com/skywalker-88/stormkeep/internal/store"
)

// ---------- keys ----------

type keyResponse struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Limit         int               `json:"limit"`
	WindowSeconds int               `json:"window_seconds"`
	Active        bool              `json:"active"`
	CreatedAt     string            `json:"created_at"`
	ExpiresAt     *string           `json:"expires_at,omitempty"`
	LastUsedAt    *string           `json:"last_used_at,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Plaintext     string            `json:"key,omitempty"` // present only at create/rotate
}

func keyToResponse(k *keys.ApiKey, plaintext string) keyResponse {
	resp := keyResponse{
		ID:            k.ID,
		Name:          k.Name,
		Limit:         k.Limit,
		WindowSeconds: k.WindowSeconds,
		Active:        k.Active,
		CreatedAt:     store.FormatTime(k.CreatedAt),
		ExpiresAt:     store.FormatNullTime(k.ExpiresAt),
		LastUsedAt:    store.FormatNullTime(k.LastUsedAt),
		Metadata:      k.Metadata,
		Plaintext:     plaintext,
	}
	return resp
}

func (d Deps) handleKeyCreate(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Name          string            `json:"name"`
		Limit         int               `json:"limit"`
		WindowSeconds int               `json:"window_seconds"`
		ExpiresAt     string            `json:"expires_at"`
		Metadata      map[string]string `json:"metadata"`
	}
	if err := readJSON(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	expiresAt, err := parseTimePtr(body.ExpiresAt)
	if err != nil {
		writeErr(w, err)
		return
	}
	k, plaintext, err := d.Keys.Create(req.Context(), body.Name, body.Limit, body.WindowSeconds, expiresAt, body.Metadata)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, keyToResponse(k, plaintext))
}

func (d Deps) handleKeyList(w http.ResponseWriter, req *http.Request) {
	limit, offset := pagination(req)
	list, err := d.Keys.List(req.Context(), limit, offset)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]keyResponse, 0, len(list))
	for _, k := range list {
		out = append(out, keyToResponse(k, ""))
	}
	writeJSON(w, http.StatusOK, out)
}

func (d Deps) handleKeyGet(w http.ResponseWriter, req *http.Request) {
	k, err := d.Keys.GetByID(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keyToResponse(k, ""))
}

func (d Deps) handleKeyRotate(w http.ResponseWriter, req *http.Request) {
	k, plaintext, err := d.Keys.Rotate(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keyToResponse(k, plaintext))
}

func (d Deps) handleKeyDeactivate(w http.ResponseWriter, req *http.Request) {
	if err := d.Keys.Deactivate(req.Context(), chi.URLParam(req, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Deps) handleKeyDelete(w http.ResponseWriter, req *http.Request) {
	if err := d.Keys.Delete(req.Context(), chi.URLParam(req, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------- bans ----------

type banResponse struct {
	ID         string  `json:"id"`
	Identifier string  `json:"identifier"`
	Reason     string  `json:"reason"`
	BannedAt   string  `json:"banned_at"`
	ExpiresAt  *string `json:"expires_at,omitempty"`
	CreatedBy  string  `json:"created_by"`
}

func banToResponse(b *bans.Ban) banResponse {
	return banResponse{
		ID:         b.ID,
		Identifier: b.Identifier,
		Reason:     b.Reason,
		BannedAt:   store.FormatTime(b.BannedAt),
		ExpiresAt:  store.FormatNullTime(b.ExpiresAt),
		CreatedBy:  b.CreatedBy,
	}
}

func (d Deps) handleBanCreate(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Identifier      string `json:"identifier"`
		Reason          string `json:"reason"`
		DurationSeconds *int   `json:"duration_seconds"`
	}
	if err := readJSON(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	b, err := d.Bans.Create(req.Context(), body.Identifier, body.Reason, body.DurationSeconds, "admin")
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, banToResponse(b))
}

func (d Deps) handleBanList(w http.ResponseWriter, req *http.Request) {
	limit, offset := pagination(req)
	list, err := d.Bans.ListActive(req.Context(), limit, offset)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]banResponse, 0, len(list))
	for _, b := range list {
		out = append(out, banToResponse(b))
	}
	writeJSON(w, http.StatusOK, out)
}

func (d Deps) handleBanRemove(w http.ResponseWriter, req *http.Request) {
	if err := d.Bans.Remove(req.Context(), chi.URLParam(req, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Deps) handleBanRemoveAll(w http.ResponseWriter, req *http.Request) {
	identifier := req.URL.Query().Get("identifier")
	if identifier == "" {
		writeErr(w, store.Validationf("identifier query parameter required"))
		return
	}
	n, err := d.Bans.RemoveAll(req.Context(), identifier)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
}

// ---------- geo ----------

func (d Deps) handleGeoGet(w http.ResponseWriter, req *http.Request) {
	enabled, err := d.Geo.IsEnabled(req.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	list, err := d.Geo.List(req.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":           enabled,
		"blocked_countries": list,
	})
}

func (d Deps) handleGeoSet(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := readJSON(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	if err := d.Geo.SetEnabled(req.Context(), body.Enabled); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Deps) handleGeoAdd(w http.ResponseWriter, req *http.Request) {
	var body geo.Country
	if err := readJSON(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	if err := d.Geo.Add(req.Context(), body.Code, body.Name); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Deps) handleGeoReplace(w http.ResponseWriter, req *http.Request) {
	var body []geo.Country
	if err := readJSON(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	if err := d.Geo.ReplaceAll(req.Context(), body); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Deps) handleGeoRemove(w http.ResponseWriter, req *http.Request) {
	if err := d.Geo.Remove(req.Context(), chi.URLParam(req, "code")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------- manual reputation blocks ----------

type blockResponse struct {
	ID         string  `json:"id"`
	Identifier string  `json:"identifier"`
	Kind       string  `json:"kind"`
	Reason     string  `json:"reason"`
	BlockedBy  string  `json:"blocked_by"`
	BlockedAt  string  `json:"blocked_at"`
	ExpiresAt  *string `json:"expires_at,omitempty"`
}

func (d Deps) handleBlockList(w http.ResponseWriter, req *http.Request) {
	list, err := d.Reputation.ListManualBlocks(req.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]blockResponse, 0, len(list))
	for _, b := range list {
		out = append(out, blockResponse{
			ID:         b.ID,
			Identifier: b.Identifier,
			Kind:       b.Kind,
			Reason:     b.Reason,
			BlockedBy:  b.BlockedBy,
			BlockedAt:  store.FormatTime(b.BlockedAt),
			ExpiresAt:  store.FormatNullTime(b.ExpiresAt),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (d Deps) handleBlockAdd(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Identifier string `json:"identifier"`
		Kind       string `json:"kind"`
		Reason     string `json:"reason"`
		ExpiresAt  string `json:"expires_at"`
	}
	if err := readJSON(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	expiresAt, err := parseTimePtr(body.ExpiresAt)
	if err != nil {
		writeErr(w, err)
		return
	}
	b, err := d.Reputation.AddManualBlock(req.Context(), body.Identifier, body.Kind, body.Reason, "admin", expiresAt)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, blockResponse{
		ID:         b.ID,
		Identifier: b.Identifier,
		Kind:       b.Kind,
		Reason:     b.Reason,
		BlockedBy:  b.BlockedBy,
		BlockedAt:  store.FormatTime(b.BlockedAt),
		ExpiresAt:  store.FormatNullTime(b.ExpiresAt),
	})
}

func (d Deps) handleBlockRemove(w http.ResponseWriter, req *http.Request) {
	identifier := req.URL.Query().Get("identifier")
	kind := req.URL.Query().Get("kind")
	if identifier == "" || kind == "" {
		writeErr(w, store.Validationf("identifier and kind query parameters required"))
		return
	}
	if err := d.Reputation.RemoveManualBlock(req.Context(), identifier, kind); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------- stats ----------

func (d Deps) handleStats(w http.ResponseWriter, req *http.Request) {
	hours := 24
	if v := req.URL.Query().Get("hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hours = n
		}
	}
	topN := 10
	if v := req.URL.Query().Get("top"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			topN = n
		}
	}
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)

	agg, err := d.Logs.Aggregate(req.Context(), start, end, topN)
	if err != nil {
		writeErr(w, err)
		return
	}
	repStats, err := d.Reputation.AggregateStats(req.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests":   agg,
		"reputation": repStats,
	})
}

func pagination(req *http.Request) (limit, offset int) {
	limit, offset = 50, 0
	if v := req.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := req.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
