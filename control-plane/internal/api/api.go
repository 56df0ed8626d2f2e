// Package api provides HTTP handlers for the control plane.
//
// # Endpoints
//
// Device API:
//   - GET    /api/v1/devices/{id} - Get device
//   - PUT    /api/v1/devices/{id} - Update device tags, identifier or health
//   - DELETE /api/v1/devices/{id} - Soft-delete device
//   - POST   /api/v1/devices/{id}/firmware - Report running firmware
//   - GET    /api/v1/devices/{id}/update - Check for an update
//   - GET    /api/v1/devices/{id}/audit - Audit trail for a device
//
// Firmware delivery:
//   - GET /firmware/{product}/{uuid}.fw - Verify a signed URL and redirect to storage
//
// Health:
//   - GET /api/v1/health - Health check
//   - GET /metrics - Prometheus metrics
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pilot-net/fwrollout/control-plane/internal/service"
	"github.com/pilot-net/fwrollout/pkg/types"
)

// DeviceService is the business logic behind the device endpoints.
type DeviceService interface {
	GetDevice(ctx context.Context, id string) (*types.Device, error)
	UpdateDevice(ctx context.Context, id string, patch service.DevicePatch) (*types.Device, error)
	ReportFirmware(ctx context.Context, id string, meta *types.FirmwareMetadata) (*types.Device, error)
	CheckForUpdate(ctx context.Context, id string) (*types.UpdatePayload, error)
	DeleteDevice(ctx context.Context, id string) (bool, error)
	ListDeviceAudit(ctx context.Context, id string, limit int) ([]types.AuditEvent, error)
}

// HealthReporter reports infrastructure health.
type HealthReporter interface {
	GetInfrastructureHealth(ctx context.Context) *types.InfrastructureHealth
}

// DownloadVerifier checks signed firmware URLs.
type DownloadVerifier interface {
	// Verify returns the storage location of the firmware, or "" if it no
	// longer exists.
	Verify(ctx context.Context, productID, uuid string, query url.Values) (string, error)
}

// Server is the HTTP API server.
type Server struct {
	svc       DeviceService
	health    HealthReporter   // may be nil
	downloads DownloadVerifier // may be nil
	logger    *slog.Logger
	mux       *http.ServeMux
}

// NewServer creates a new API server.
func NewServer(svc DeviceService, health HealthReporter, downloads DownloadVerifier, logger *slog.Logger) *Server {
	s := &Server{
		svc:       svc,
		health:    health,
		downloads: downloads,
		logger:    logger.With("component", "api"),
		mux:       http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Add CORS headers
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Actor")

	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Log request
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	// Health
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Devices
	s.mux.HandleFunc("GET /api/v1/devices/{id}", s.handleGetDevice)
	s.mux.HandleFunc("PUT /api/v1/devices/{id}", s.handleUpdateDevice)
	s.mux.HandleFunc("DELETE /api/v1/devices/{id}", s.handleDeleteDevice)
	s.mux.HandleFunc("POST /api/v1/devices/{id}/firmware", s.handleReportFirmware)
	s.mux.HandleFunc("GET /api/v1/devices/{id}/update", s.handleCheckForUpdate)
	s.mux.HandleFunc("GET /api/v1/devices/{id}/audit", s.handleDeviceAudit)

	// Firmware delivery
	s.mux.HandleFunc("GET /firmware/{product}/{file}", s.handleFirmwareDownload)
}

// =============================================================================
// HEALTH
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	health := s.health.GetInfrastructureHealth(r.Context())
	status := http.StatusOK
	if health.Database.Status == "down" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}
