package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// relayStatus is the body of the status endpoint.
type relayStatus struct {
	Status          string   `json:"status"`
	Version         string   `json:"version"`
	OpenRelay       bool     `json:"open_relay"`
	OriginWhitelist []string `json:"origin_whitelist"`
	RequireHeader   []string `json:"require_header"`
	RemoveHeaders   []string `json:"remove_headers"`
	UpstreamTimeout string   `json:"upstream_timeout"`
}

// Status reports the version and the effective relay policy.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, relayStatus{
		Status:          "ok",
		Version:         string(h.version),
		OpenRelay:       len(h.cfg.Relay.OriginWhitelist) == 0,
		OriginWhitelist: h.cfg.Relay.OriginWhitelist,
		RequireHeader:   h.cfg.Relay.RequireHeader,
		RemoveHeaders:   h.cfg.Relay.RemoveHeaders,
		UpstreamTimeout: h.cfg.Upstream.ResponseTimeout.String(),
	})
}
