package handler

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/gioiasoftware/wine-inventory/middleware"
	"github.com/gioiasoftware/wine-inventory/store"
)

// SnapshotHandler serves the viewer-token-authenticated snapshot
// endpoint (spec §6, §4.H): rows plus facets for client-side filter UIs.
type SnapshotHandler struct {
	logger zerolog.Logger
	store  *store.Store
}

func NewSnapshotHandler(logger zerolog.Logger, st *store.Store) *SnapshotHandler {
	return &SnapshotHandler{logger: logger, store: st}
}

type snapshotResponse struct {
	Wines  interface{}  `json:"wines"`
	Facets store.Facets `json:"facets"`
}

// Get returns the tenant snapshot bound to the caller's verified
// viewer token — the tenant identity comes from the token, never from
// a client-supplied parameter, so a leaked link can only ever read the
// tenant it was minted for.
func (h *SnapshotHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantKey := middleware.GetViewerTenant(r.Context())
	if tenantKey == "" {
		writeError(w, http.StatusUnauthorized, "missing viewer tenant binding")
		return
	}

	snap, err := h.store.Snapshot(r.Context(), tenantKey)
	if err != nil {
		h.logger.Error().Err(err).Str("tenant", tenantKey).Msg("failed to load snapshot")
		writeError(w, http.StatusInternalServerError, "failed to load snapshot")
		return
	}

	writeJSON(w, http.StatusOK, snapshotResponse{Wines: snap.Wines, Facets: snap.Facets})
}
