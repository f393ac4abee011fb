package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tphummel/panel_sync/internal/db"
	"github.com/tphummel/panel_sync/internal/panel"
	"github.com/tphummel/panel_sync/internal/panelerr"
	"github.com/tphummel/panel_sync/internal/reconcile"
)

// PanelSettings is the live-reloadable part of the panel client.
type PanelSettings interface {
	Update(func(*panel.Settings)) (panel.Settings, error)
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	DB      *db.DB
	Service *reconcile.Service
	Panel   PanelSettings
	Version string
	Commit  string
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeProblem writes err as a structured problem body with the status its
// kind maps to.
func writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	p := panelerr.Describe(err)
	status := panelerr.HTTPStatus(p.Error)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "kind", string(p.Error), "error", err)
	}
	if p.Error == panelerr.KindInternal {
		p.Message = "internal error"
	}
	writeJSON(w, status, p)
}

// decodeJSON reads a bounded JSON body into v, writing the error response
// itself on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// Health handles GET /healthz. No auth required.
// Returns 503 if the database is unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.Version,
		"commit":  h.Commit,
	})
}

// SyncAll handles POST /api/v1/sync. Per-server failures are part of a 200
// response; a failed panel listing is answered with the status of its kind.
func (h *Handler) SyncAll(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.SyncAll(r.Context())
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	status := http.StatusOK
	if len(res.Synced) == 0 && len(res.Failures) == 1 && res.Failures[0].Identifier == "" {
		status = panelerr.HTTPStatus(res.Failures[0].Kind)
	}
	writeJSON(w, status, res)
}

// ListServers handles GET /api/v1/servers with an optional ?status= filter.
func (h *Handler) ListServers(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Service.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// GetServer handles GET /api/v1/servers/{identifier}.
func (h *Handler) GetServer(w http.ResponseWriter, r *http.Request) {
	row, err := h.Service.Get(r.Context(), r.PathValue("identifier"))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// SyncServer handles POST /api/v1/servers/{identifier}/sync.
func (h *Handler) SyncServer(w http.ResponseWriter, r *http.Request) {
	row, err := h.Service.SyncOne(r.Context(), r.PathValue("identifier"))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// ServerStatus handles GET /api/v1/servers/{identifier}/status.
func (h *Handler) ServerStatus(w http.ResponseWriter, r *http.Request) {
	ls, err := h.Service.LiveStatus(r.Context(), r.PathValue("identifier"))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ls)
}

type powerRequest struct {
	Signal string `json:"signal"`
}

// Power handles POST /api/v1/servers/{identifier}/power.
func (h *Handler) Power(w http.ResponseWriter, r *http.Request) {
	var req powerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.Service.SendPower(r.Context(), r.PathValue("identifier"), req.Signal)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// DeleteServer handles DELETE /api/v1/servers/{identifier}.
func (h *Handler) DeleteServer(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Delete(r.Context(), r.PathValue("identifier")); err != nil {
		writeProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Prune handles POST /api/v1/prune with an optional ?dry_run=true.
func (h *Handler) Prune(w http.ResponseWriter, r *http.Request) {
	dryRun := false
	if v := r.URL.Query().Get("dry_run"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid dry_run")
			return
		}
		dryRun = b
	}
	res, err := h.Service.Prune(r.Context(), dryRun)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type settingsRequest struct {
	BaseURL        string `json:"base_url"`
	ApplicationKey string `json:"application_key"`
	ClientKey      string `json:"client_key"`
	BypassEnabled  *bool  `json:"bypass_enabled"`
}

type settingsResponse struct {
	BaseURL             string `json:"base_url"`
	BypassEnabled       bool   `json:"bypass_enabled"`
	ClientKeyConfigured bool   `json:"client_key_configured"`
}

// UpdatePanelSettings handles PUT /api/v1/panel/settings. Omitted fields
// keep their current values. Keys are never echoed back.
func (h *Handler) UpdatePanelSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cur, err := h.Panel.Update(func(s *panel.Settings) {
		if req.BaseURL != "" {
			s.BaseURL = req.BaseURL
		}
		if req.ApplicationKey != "" {
			s.ApplicationKey = req.ApplicationKey
		}
		if req.ClientKey != "" {
			s.ClientKey = req.ClientKey
		}
		if req.BypassEnabled != nil {
			s.BypassEnabled = *req.BypassEnabled
		}
	})
	if err != nil {
		writeProblem(w, r, err)
		return
	}

	slog.InfoContext(r.Context(), "panel settings reloaded", "base_url", cur.BaseURL, "bypass_enabled", cur.BypassEnabled)
	writeJSON(w, http.StatusOK, settingsResponse{
		BaseURL:             cur.BaseURL,
		BypassEnabled:       cur.BypassEnabled,
		ClientKeyConfigured: cur.ClientKey != "",
	})
}
