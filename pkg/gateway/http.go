package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/nlazarev/chatgate/pkg/logger"
	"github.com/nlazarev/chatgate/pkg/observability"
)

// Handler exposes the gateway over HTTP for transports that bridge in via
// webhooks. Bot-protocol specifics stay outside this module.
func Handler(g *Gateway) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/message", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID string `json:"user_id"`
			Text   string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.Text == "" {
			http.Error(w, `{"error":"user_id and text are required"}`, http.StatusBadRequest)
			return
		}

		reply := g.HandleUserMessage(r.Context(), req.UserID, req.Text, time.Now())

		w.Header().Set("Content-Type", "application/json")
		resp := struct {
			Replies []string `json:"replies"`
		}{Replies: SplitReply(reply)}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.ErrorCF("gateway", "Failed to encode reply", map[string]interface{}{"error": err.Error()})
		}
	})

	mux.HandleFunc("POST /v1/context/clear", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID string `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			http.Error(w, `{"error":"user_id is required"}`, http.StatusBadRequest)
			return
		}
		if err := g.ClearContext(r.Context(), req.UserID); err != nil {
			http.Error(w, `{"error":"context store unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"cleared"}`))
	})

	mux.HandleFunc("GET /v1/context/summary", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, `{"error":"user_id is required"}`, http.StatusBadRequest)
			return
		}
		summary := g.ContextSummary(r.Context(), userID, time.Now())
		w.Header().Set("Content-Type", "application/json")
		resp := struct {
			Count  int    `json:"message_count"`
			Oldest string `json:"oldest_message,omitempty"`
			Newest string `json:"newest_message,omitempty"`
		}{Count: summary.Count}
		if summary.Count > 0 {
			resp.Oldest = summary.Oldest.Format(time.RFC3339)
			resp.Newest = summary.Newest.Format(time.RFC3339)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	mux.Handle("GET /healthz", observability.HealthzHandler())
	mux.Handle("GET /metrics", observability.MetricsHandler())

	return mux
}
