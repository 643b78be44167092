package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/villagelabs/links/pkg/audit"
	"github.com/villagelabs/links/pkg/canon"
	"github.com/villagelabs/links/pkg/feed"
	"github.com/villagelabs/links/pkg/governance"
	"github.com/villagelabs/links/pkg/policy"
	"github.com/villagelabs/links/pkg/store"
	"github.com/villagelabs/links/pkg/village"
)

const maxBodyBytes = 1 << 20

func (s *Server) handlePolicyLatest(w http.ResponseWriter, r *http.Request) {
	villageID, ok := s.villageID(w, r)
	if !ok {
		return
	}
	u, err := s.feed.Latest(villageID)
	if err != nil {
		WriteInternal(w, s.logger, err)
		return
	}
	if u == nil {
		WriteNotFound(w, "no policy updates")
		return
	}
	data, err := u.Encode()
	if err != nil {
		WriteInternal(w, s.logger, err)
		return
	}
	writeRawJSON(w, http.StatusOK, data)
}

func (s *Server) handlePolicyUpdates(w http.ResponseWriter, r *http.Request) {
	villageID, ok := s.villageID(w, r)
	if !ok {
		return
	}
	since := r.URL.Query().Get("since")
	ups, err := s.feed.Since(villageID, since)
	if err != nil {
		WriteInternal(w, s.logger, err)
		return
	}
	items, err := encodeUpdates(ups)
	if err != nil {
		WriteInternal(w, s.logger, err)
		return
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) handlePolicyUpdatesPage(w http.ResponseWriter, r *http.Request) {
	villageID, ok := s.villageID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	since := q.Get("since")
	cursor := q.Get("cursor")

	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > feed.MaxPageSize {
			WriteBadRequest(w, fmt.Sprintf("limit must be between 1 and %d", feed.MaxPageSize))
			return
		}
		limit = n
	}

	ups, err := s.feed.Since(villageID, since)
	if err != nil {
		WriteInternal(w, s.logger, err)
		return
	}
	page, next := feed.Paginate(ups, cursor, limit)
	items, err := encodeUpdates(page)
	if err != nil {
		WriteInternal(w, s.logger, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"village_id":  villageID,
		"since":       nullableStr(since),
		"cursor":      nullableStr(cursor),
		"limit":       limit,
		"next_cursor": next,
		"items":       items,
	})
}

func (s *Server) handlePolicyManifest(w http.ResponseWriter, r *http.Request) {
	villageID, ok := s.villageID(w, r)
	if !ok {
		return
	}
	m, err := s.feed.BuildManifest(villageID)
	if err != nil {
		WriteInternal(w, s.logger, err)
		return
	}
	if s.signer != nil {
		// Manifest is still served unsigned if signing fails, so a
		// misconfigured key never takes the feed down.
		if err := feed.SignManifest(m, s.signer); err != nil {
			s.logger.Warn("manifest signing failed", "village_id", villageID, "error", err)
		}
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handlePolicyApply(w http.ResponseWriter, r *http.Request) {
	villageID, ok := s.villageID(w, r)
	if !ok {
		return
	}
	member, v, ok := s.authorize(r, villageID, policy.ActionManage)
	if !ok {
		WriteForbidden(w)
		return
	}
	actor := member.MemberID

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteBadRequest(w, "unreadable body")
		return
	}
	obj, err := canon.DecodeObject(body)
	if err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}

	// A body carrying the full update artifact is taken as-is so peer
	// relays keep their signatures. Anything else is treated as a policy
	// object, wrapped in {"policy": ...} or bare, and built fresh.
	var u *governance.Update
	if isUpdateArtifact(obj) {
		u, err = governance.ParseUpdate(body)
		if err != nil {
			WriteBadRequest(w, "invalid policy update")
			return
		}
	} else {
		polAny, has := obj["policy"]
		if !has {
			polAny = any(obj)
		}
		pol, isMap := polAny.(map[string]any)
		if !isMap {
			WriteBadRequest(w, "policy must be an object")
			return
		}
		u, err = governance.Build(villageID, pol, governance.BuildParams{Actor: actor})
		if err != nil {
			WriteBadRequest(w, "invalid policy update")
			return
		}
	}

	if allowed, msg := governance.SignerAllowed(v.Policy, u); !allowed {
		WriteBadRequest(w, fmt.Sprintf("policy update rejected: %s", msg))
		return
	}

	ctx := r.Context()
	if _, err := s.feed.Append(ctx, u); err != nil {
		WriteInternal(w, s.logger, err)
		return
	}
	meta := map[string]any{"policy_hash": u.PolicyHash, "policy_update": "stored"}
	if err := s.villages.ApplyPolicyUpdate(ctx, villageID, u.Policy, actor, meta); err != nil {
		WriteInternal(w, s.logger, err)
		return
	}

	var updateHash *string
	if uh, err := u.UpdateHash(); err == nil {
		updateHash = &uh
	}
	if _, err := s.transparency.Append(ctx, villageID, u.PolicyHash, updateHash, s.signer, nil); err != nil {
		WriteInternal(w, s.logger, err)
		return
	}
	if err := s.audit.Write(ctx, audit.Event{
		Action:     audit.ActionPolicyApply,
		VillageID:  villageID,
		Actor:      actor,
		PolicyHash: u.PolicyHash,
		Reason:     "policy update stored",
	}); err != nil {
		WriteInternal(w, s.logger, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"village_id":  villageID,
		"policy_hash": u.PolicyHash,
	})
}

func (s *Server) handleClaimsLatest(w http.ResponseWriter, r *http.Request) {
	villageID, ok := s.villageID(w, r)
	if !ok {
		return
	}
	if _, _, ok := s.authorize(r, villageID, policy.ActionPull); !ok {
		WriteForbidden(w)
		return
	}
	b, err := s.claims.LatestBundle(villageID)
	if err != nil {
		WriteInternal(w, s.logger, err)
		return
	}
	if b == nil {
		WriteNotFound(w, "no bundles")
		return
	}
	data, err := b.Encode()
	if err != nil {
		WriteInternal(w, s.logger, err)
		return
	}
	writeRawJSON(w, http.StatusOK, data)
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	villageID, ok := s.villageID(w, r)
	if !ok {
		return
	}
	if _, _, ok := s.authorize(r, villageID, policy.ActionPush); !ok {
		WriteForbidden(w)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteBadRequest(w, "unreadable body")
		return
	}
	obj, err := canon.DecodeObject(body)
	if err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if err := validateBundleBody(obj); err != nil {
		WriteBadRequest(w, "bundle failed schema validation")
		return
	}

	ctx := r.Context()
	outcome, err := s.claims.Ingest(ctx, villageID, body)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrReplay):
			WriteBadRequest(w, store.ErrReplay.Error())
		case errors.Is(err, village.ErrNotFound):
			WriteNotFound(w, village.ErrNotFound.Error())
		default:
			WriteInternal(w, s.logger, err)
		}
		return
	}
	if s.obs != nil {
		s.obs.RecordAdmission(ctx, villageID, outcome.Status)
	}

	switch outcome.Status {
	case store.StatusAccepted:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status":    store.StatusAccepted,
			"bundle_id": outcome.BundleID,
			"claims":    outcome.Claims,
		})
	case store.StatusQuarantined:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status":    store.StatusQuarantined,
			"bundle_id": outcome.BundleID,
			"reason":    outcome.Reason,
		})
	default:
		WriteBadRequest(w, outcome.Reason)
	}
}

func (s *Server) handleTransparencyLog(w http.ResponseWriter, r *http.Request) {
	villageID, ok := s.villageID(w, r)
	if !ok {
		return
	}
	limit := 500
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 5000 {
			WriteBadRequest(w, "limit must be between 1 and 5000")
			return
		}
		limit = n
	}
	lines, err := s.transparency.Tail(villageID, limit)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			WriteNotFound(w, "no transparency log")
			return
		}
		WriteInternal(w, s.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	for _, line := range lines {
		_, _ = io.WriteString(w, line)
		_, _ = io.WriteString(w, "\n")
	}
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	villageID, ok := s.villageID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	format := q.Get("fmt")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		WriteBadRequest(w, "fmt must be json or csv")
		return
	}
	sign := true
	if raw := q.Get("sign"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			WriteBadRequest(w, "sign must be a boolean")
			return
		}
		sign = b
	}

	if _, err := os.Stat(s.audit.Path()); err != nil {
		WriteNotFound(w, "no audit log")
		return
	}
	// The audit log is node-global; the export filters to the requested
	// village at read time.
	events, err := s.audit.VillageEvents(villageID)
	if err != nil {
		WriteInternal(w, s.logger, err)
		return
	}

	ctx := r.Context()
	outDir := filepath.Join(s.audit.Dir(), "exports", villageID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		WriteInternal(w, s.logger, err)
		return
	}
	if err := audit.WriteFilteredLog(ctx, events, filepath.Join(outDir, "audit.filtered.jsonl")); err != nil {
		WriteInternal(w, s.logger, err)
		return
	}

	outPath := filepath.Join(outDir, "audit."+format)
	var digest string
	var count int
	if format == "json" {
		digest, count, err = audit.ExportJSON(events, outPath)
	} else {
		digest, count, err = audit.ExportCSV(events, outPath)
	}
	if err != nil {
		WriteInternal(w, s.logger, err)
		return
	}

	signed := false
	if sign && s.signer != nil {
		sigHex, err := audit.SignDigestHex(digest, s.signer)
		if err != nil {
			s.logger.Warn("export digest signing failed", "village_id", villageID, "error", err)
		} else if err := writeSidecars(outPath, digest, sigHex); err != nil {
			s.logger.Warn("export sidecar write failed", "village_id", villageID, "error", err)
		} else {
			signed = true
		}
	}

	if s.archive != nil {
		if err := s.archiveExport(ctx, villageID, format, outPath); err != nil {
			s.logger.Warn("export archival failed", "village_id", villageID, "error", err)
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"village_id": villageID,
		"format":     format,
		"count":      count,
		"sha256":     digest,
		"signed":     signed,
	})
}

func (s *Server) handlePublicPolicyLatest(w http.ResponseWriter, r *http.Request) {
	villageID, ok := s.villageID(w, r)
	if !ok {
		return
	}
	enabled := s.publicPolicy
	if !enabled {
		if v, err := s.villages.Load(villageID); err == nil {
			if b, ok := v.Policy.Map()["public_policy_endpoint"].(bool); ok && b {
				enabled = true
			} else if v.Policy.Visibility() == policy.VisibilityPublic {
				enabled = true
			}
		}
	}
	if !enabled {
		WriteNotFound(w, "public policy endpoint not enabled")
		return
	}
	u, err := s.feed.Latest(villageID)
	if err != nil {
		WriteInternal(w, s.logger, err)
		return
	}
	if u == nil {
		WriteNotFound(w, "no policy updates found")
		return
	}
	data, err := u.Encode()
	if err != nil {
		WriteInternal(w, s.logger, err)
		return
	}
	writeRawJSON(w, http.StatusOK, data)
}

func (s *Server) archiveExport(ctx context.Context, villageID, format, outPath string) error {
	data, err := os.ReadFile(outPath)
	if err != nil {
		return err
	}
	stamp := time.Now().UTC().Format("20060102T150405Z")
	key := fmt.Sprintf("%s/audit-%s.%s", villageID, stamp, format)
	return s.archive.Put(ctx, key, data)
}

func writeSidecars(outPath, digest, sigHex string) error {
	if err := os.WriteFile(outPath+".sha256", []byte(digest+"\n"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(outPath+".sighex", []byte(sigHex+"\n"), 0o644)
}

func encodeUpdates(ups []*governance.Update) ([]json.RawMessage, error) {
	items := make([]json.RawMessage, 0, len(ups))
	for _, u := range ups {
		data, err := u.Encode()
		if err != nil {
			return nil, err
		}
		items = append(items, json.RawMessage(data))
	}
	return items, nil
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
