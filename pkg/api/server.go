// Package api is the HTTP surface of a links node. Routes are village
// scoped; reads of the policy feed are open, writes and claim pulls sit
// behind member bearer tokens with per-role capabilities. Every error body
// is {"detail": reason} with the reason string mirrored into audit events.
package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/villagelabs/links/pkg/anchors"
	"github.com/villagelabs/links/pkg/archive"
	"github.com/villagelabs/links/pkg/audit"
	"github.com/villagelabs/links/pkg/canon"
	"github.com/villagelabs/links/pkg/crypto"
	"github.com/villagelabs/links/pkg/feed"
	"github.com/villagelabs/links/pkg/observability"
	"github.com/villagelabs/links/pkg/ratelimit"
	"github.com/villagelabs/links/pkg/store"
	"github.com/villagelabs/links/pkg/transparency"
	"github.com/villagelabs/links/pkg/village"
)

// Config carries the node components a server routes to. Signer, Archive
// and Observability are optional; a nil signer disables manifest, denial
// and export signatures without failing the operations themselves.
type Config struct {
	Villages      *village.Store
	Feed          *feed.Log
	Anchors       *anchors.Registry
	Claims        *store.Store
	Audit         *audit.Log
	Transparency  *transparency.Log
	Limiter       ratelimit.Store
	Signer        *crypto.Signer
	Archive       archive.Store
	Observability *observability.Provider
	PublicPolicy  bool
	Logger        *slog.Logger
}

// Server wires the HTTP handlers to the node's stores.
type Server struct {
	villages     *village.Store
	feed         *feed.Log
	anchors      *anchors.Registry
	claims       *store.Store
	audit        *audit.Log
	transparency *transparency.Log
	limiter      ratelimit.Store
	signer       *crypto.Signer
	archive      archive.Store
	obs          *observability.Provider
	publicPolicy bool
	logger       *slog.Logger
}

func New(cfg Config) *Server {
	s := &Server{
		villages:     cfg.Villages,
		feed:         cfg.Feed,
		anchors:      cfg.Anchors,
		claims:       cfg.Claims,
		audit:        cfg.Audit,
		transparency: cfg.Transparency,
		limiter:      cfg.Limiter,
		signer:       cfg.Signer,
		archive:      cfg.Archive,
		obs:          cfg.Observability,
		publicPolicy: cfg.PublicPolicy,
		logger:       cfg.Logger,
	}
	if s.limiter == nil {
		s.limiter = ratelimit.NewMemoryStore()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Handler builds the route table. Rate limiting applies to village-scoped
// paths only; request logging and telemetry wrap everything.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("GET /villages/{village_id}/policy/latest", s.handlePolicyLatest)
	mux.HandleFunc("GET /villages/{village_id}/policy/updates", s.handlePolicyUpdates)
	mux.HandleFunc("GET /villages/{village_id}/policy/updates_page", s.handlePolicyUpdatesPage)
	mux.HandleFunc("GET /villages/{village_id}/policy/manifest", s.handlePolicyManifest)
	mux.HandleFunc("POST /villages/{village_id}/policy", s.handlePolicyApply)
	mux.HandleFunc("GET /villages/{village_id}/claims/latest", s.handleClaimsLatest)
	mux.HandleFunc("POST /villages/{village_id}/inbox", s.handleInbox)
	mux.HandleFunc("GET /villages/{village_id}/transparency/policy_log", s.handleTransparencyLog)
	mux.HandleFunc("GET /villages/{village_id}/audit/export", s.handleAuditExport)

	mux.HandleFunc("GET /public/villages/{village_id}/policy/latest", s.handlePublicPolicyLatest)

	var h http.Handler = mux
	h = s.rateLimit(h)
	h = s.requestLog(h)
	if s.obs != nil {
		h = s.obs.Middleware(h)
	}
	return h
}

// villageID validates the path's village id, writing the 400 itself when
// the id is malformed.
func (s *Server) villageID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("village_id")
	if !ValidVillageID(id) {
		WriteBadRequest(w, "invalid village_id")
		return "", false
	}
	return id, true
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// authorize resolves the bearer token to a member and checks the role
// capability under the village's current policy. Absent, unknown and
// revoked tokens all come back as a plain forbidden.
func (s *Server) authorize(r *http.Request, villageID, action string) (*village.Member, *village.Village, bool) {
	token := bearerToken(r)
	if token == "" {
		return nil, nil, false
	}
	member, err := s.villages.Authorize(villageID, token)
	if err != nil || member == nil {
		return nil, nil, false
	}
	v, err := s.villages.Load(villageID)
	if err != nil {
		return nil, nil, false
	}
	if !v.Policy.RoleCan(member.Role, action) {
		return nil, v, false
	}
	return member, v, true
}

// writeJSON responds with the canonical serialization of v.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := canon.Marshal(v)
	if err != nil {
		WriteInternal(w, s.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeRawJSON responds with pre-serialized JSON bytes.
func writeRawJSON(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
