package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/pilot-net/fwrollout/control-plane/internal/catalog"
)

// =============================================================================
// FIRMWARE DELIVERY
// =============================================================================

// handleFirmwareDownload verifies a signed delivery URL and redirects the
// device to the firmware in storage.
func (s *Server) handleFirmwareDownload(w http.ResponseWriter, r *http.Request) {
	if s.downloads == nil {
		s.writeError(w, http.StatusServiceUnavailable, "firmware delivery not configured")
		return
	}

	product := r.PathValue("product")
	uuid, ok := strings.CutSuffix(r.PathValue("file"), ".fw")
	if !ok || uuid == "" {
		s.writeError(w, http.StatusNotFound, "firmware not found")
		return
	}

	location, err := s.downloads.Verify(r.Context(), product, uuid, r.URL.Query())
	switch {
	case errors.Is(err, catalog.ErrURLExpired):
		s.writeError(w, http.StatusGone, "firmware url expired")
		return
	case errors.Is(err, catalog.ErrBadSignature):
		s.logger.Warn("rejected firmware download", "product_id", product, "firmware_uuid", uuid)
		s.writeError(w, http.StatusForbidden, "invalid firmware url")
		return
	case err != nil:
		s.logger.Error("verifying firmware download failed", "firmware_uuid", uuid, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to verify firmware url")
		return
	}
	if location == "" {
		s.writeError(w, http.StatusNotFound, "firmware not found")
		return
	}

	http.Redirect(w, r, location, http.StatusFound)
}
