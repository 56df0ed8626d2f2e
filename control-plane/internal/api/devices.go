package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/pilot-net/fwrollout/control-plane/internal/service"
	"github.com/pilot-net/fwrollout/control-plane/internal/store"
	"github.com/pilot-net/fwrollout/pkg/types"
)

// =============================================================================
// DEVICE ENDPOINTS
// =============================================================================

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	device, err := s.svc.GetDevice(r.Context(), id)
	if err != nil {
		s.logger.Error("getting device failed", "device_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get device")
		return
	}
	if device == nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}

	s.writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var patch service.DevicePatch
	if err := s.readJSON(r, &patch); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	patch.Actor = r.Header.Get("X-Actor")

	device, err := s.svc.UpdateDevice(r.Context(), id, patch)
	if err != nil {
		s.writeWriteError(w, id, err)
		return
	}
	if device == nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}

	s.writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	deleted, err := s.svc.DeleteDevice(r.Context(), id)
	if err != nil {
		s.logger.Error("deleting device failed", "device_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete device")
		return
	}
	if !deleted {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReportFirmware(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var meta types.FirmwareMetadata
	if err := s.readJSON(r, &meta); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	device, err := s.svc.ReportFirmware(r.Context(), id, &meta)
	if err != nil {
		s.writeWriteError(w, id, err)
		return
	}
	if device == nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}

	s.writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleCheckForUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	payload, err := s.svc.CheckForUpdate(r.Context(), id)
	if err != nil {
		s.logger.Error("update check failed", "device_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to check for update")
		return
	}
	if payload == nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}

	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleDeviceAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	events, err := s.svc.ListDeviceAudit(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("listing device audit failed", "device_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []types.AuditEvent{}
	}

	s.writeJSON(w, http.StatusOK, events)
}

// writeWriteError maps a device write error to a response.
func (s *Server) writeWriteError(w http.ResponseWriter, id string, err error) {
	var verr *types.ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusUnprocessableEntity, verr)
	case errors.Is(err, store.ErrStaleDevice):
		s.writeError(w, http.StatusConflict, "device was modified concurrently, retry")
	default:
		s.logger.Error("device write failed", "device_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to update device")
	}
}
