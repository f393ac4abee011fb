package handlers

import (
	"net/http"

	"github.com/tphummel/panel_sync/internal/metrics"
	"github.com/tphummel/panel_sync/internal/middleware"
)

// Routes registers every endpoint on mux. API routes require token and all
// routes record HTTP metrics under their pattern.
func Routes(mux *http.ServeMux, h *Handler, token string) {
	open := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, metrics.Middleware(pattern, fn))
	}
	api := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, metrics.Middleware(pattern, middleware.Auth(token, fn)))
	}

	// Unauthenticated: health, metrics and docs.
	open("GET /healthz", h.Health)
	mux.Handle("GET /metrics", metrics.Handler())
	open("GET /openapi.yaml", OpenAPISpec)
	open("GET /docs", Docs)

	api("POST /api/v1/sync", h.SyncAll)
	api("GET /api/v1/servers", h.ListServers)
	api("GET /api/v1/servers/{identifier}", h.GetServer)
	api("DELETE /api/v1/servers/{identifier}", h.DeleteServer)
	api("POST /api/v1/servers/{identifier}/sync", h.SyncServer)
	api("GET /api/v1/servers/{identifier}/status", h.ServerStatus)
	api("POST /api/v1/servers/{identifier}/power", h.Power)
	api("POST /api/v1/prune", h.Prune)
	api("PUT /api/v1/panel/settings", h.UpdatePanelSettings)
}
