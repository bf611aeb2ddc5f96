package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onnwee/clip-tender/db"
	"github.com/onnwee/clip-tender/telemetry"
)

// HandleClips lists recorded clips. Query: broadcaster_id (optional), limit
// (default 50, max 200).
func (h *Handlers) HandleClips(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Clips == nil {
		http.Error(w, "clips unavailable", http.StatusServiceUnavailable)
		return
	}
	var broadcasterID int64
	if s := r.URL.Query().Get("broadcaster_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "invalid broadcaster_id", http.StatusBadRequest)
			return
		}
		broadcasterID = id
	}
	limit := db.ClampClipsLimit(parseIntQuery(r, "limit", db.DefaultClipsLimit))

	clips, err := h.deps.Clips.ListClips(r.Context(), broadcasterID, limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list clips", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "failed to list clips", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"clips": clips, "count": len(clips)})
}

// HandleStatus returns the pipeline snapshot supplied by main.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var body any = map[string]string{}
	if h.deps.Status != nil {
		body = h.deps.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
