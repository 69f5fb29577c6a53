// Package admin serves the operational HTTP surface: health and stats
// probes, prometheus metrics, and API-key-gated moderation endpoints.
// It binds separately from the websocket listener so it can stay off the
// public internet.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/whisper-relay/accounts"
	"github.com/opd-ai/whisper-relay/call"
	"github.com/opd-ai/whisper-relay/identity"
	"github.com/opd-ai/whisper-relay/presence"
	"github.com/opd-ai/whisper-relay/store"
)

// Server is the admin HTTP handler set.
type Server struct {
	kv       store.KV
	presence *presence.Manager
	offers   *call.OfferStore
	turn     *call.TURNIssuer
	accounts *accounts.Service
	apiKey   string
	started  time.Time
}

// New creates the admin server. An empty apiKey disables the gated
// endpoints entirely; a nil turn issuer disables /turn-credentials.
func New(kv store.KV, pm *presence.Manager, offers *call.OfferStore, turn *call.TURNIssuer, accts *accounts.Service, apiKey string) *Server {
	return &Server{
		kv:       kv,
		presence: pm,
		offers:   offers,
		turn:     turn,
		accounts: accts,
		apiKey:   apiKey,
		started:  time.Now(),
	}
}

// Handler builds the admin mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /turn-credentials", s.gated(s.handleTURN))
	mux.HandleFunc("POST /admin/ban", s.gated(s.handleBan))
	mux.HandleFunc("POST /admin/delete", s.gated(s.handleDelete))
	mux.HandleFunc("GET /admin/reports", s.gated(s.handleReports))
	return mux
}

// gated requires the X-API-Key header to match the configured key.
func (s *Server) gated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || r.Header.Get("X-API-Key") != s.apiKey {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.kv.Exists(ctx, "health:probe"); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	registered, err := s.kv.Keys(ctx, "registered:*")
	if err != nil {
		logrus.WithField("error", err.Error()).Warn("Stats scan failed")
	}
	queues, err := s.kv.Keys(ctx, "queue:*")
	if err != nil {
		logrus.WithField("error", err.Error()).Warn("Stats scan failed")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connectionsLocal":  s.presence.Count(),
		"registered24h":     len(registered),
		"queuesActive":      len(queues),
		"pendingCallOffers": s.offers.Len(),
	})
}

// handleTURN mints TURN credentials for an operator-supplied identity,
// for connectivity debugging without a client session.
func (s *Server) handleTURN(w http.ResponseWriter, r *http.Request) {
	if s.turn == nil {
		http.Error(w, "TURN not configured", http.StatusNotFound)
		return
	}
	whisperID := r.URL.Query().Get("whisperId")
	if err := identity.CheckWhisperID(whisperID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.turn.Credentials(whisperID))
}

type moderationRequest struct {
	WhisperID string `json:"whisperId"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	var req moderationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if err := identity.CheckWhisperID(req.WhisperID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	destroyed := s.accounts.Ban(r.Context(), req.WhisperID, req.Reason)
	writeJSON(w, http.StatusOK, map[string]any{
		"banned":          req.WhisperID,
		"groupsDestroyed": len(destroyed),
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req moderationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if err := identity.CheckWhisperID(req.WhisperID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	destroyed := s.accounts.Delete(r.Context(), req.WhisperID)
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted":         req.WhisperID,
		"groupsDestroyed": len(destroyed),
	})
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.accounts.Reports(r.Context())
	if err != nil {
		http.Error(w, "report scan failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}
