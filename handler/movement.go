package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/gioiasoftware/wine-inventory/model"
	"github.com/gioiasoftware/wine-inventory/movement"
)

// MovementHandler serves the synchronous movement endpoint (spec §6,
// §4.I): apply_movement(tenant, wine_lookup_term, movement_type,
// quantity) as one atomic transaction.
type MovementHandler struct {
	logger zerolog.Logger
	engine *movement.Engine
}

func NewMovementHandler(logger zerolog.Logger, engine *movement.Engine) *MovementHandler {
	return &MovementHandler{logger: logger, engine: engine}
}

type movementRequest struct {
	UserID       string `json:"user_id"`
	BusinessName string `json:"business_name"`
	WineName     string `json:"wine_name"`
	MovementType string `json:"movement_type"`
	Quantity     int    `json:"quantity"`
}

type movementResponse struct {
	Status         string `json:"status"`
	WineID         int64  `json:"wine_id,omitempty"`
	WineName       string `json:"wine_name,omitempty"`
	QuantityBefore int    `json:"quantity_before,omitempty"`
	QuantityAfter  int    `json:"quantity_after,omitempty"`
	MovementType   string `json:"movement_type,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

func (h *MovementHandler) Apply(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.BusinessName == "" || req.WineName == "" {
		writeError(w, http.StatusBadRequest, "user_id, business_name, and wine_name are required")
		return
	}
	if req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "quantity must be greater than zero")
		return
	}
	var movementType model.MovementType
	switch req.MovementType {
	case string(model.MovementConsumo):
		movementType = model.MovementConsumo
	case string(model.MovementRifornimento):
		movementType = model.MovementRifornimento
	default:
		writeError(w, http.StatusBadRequest, "movement_type must be consumo or rifornimento")
		return
	}

	tenant := model.Tenant{UserID: req.UserID, BusinessName: req.BusinessName}
	outcome, err := h.engine.Apply(r.Context(), tenant.Key(), req.WineName, movementType, req.Quantity)
	switch {
	case errors.Is(err, movement.ErrWineNotFound):
		writeJSON(w, http.StatusNotFound, movementResponse{Status: "error", ErrorMessage: "wine not found"})
		return
	case errors.Is(err, movement.ErrInsufficientQuantity):
		writeJSON(w, http.StatusConflict, movementResponse{Status: "error", ErrorMessage: "insufficient quantity on hand"})
		return
	case err != nil:
		h.logger.Error().Err(err).Str("tenant", tenant.Key()).Msg("failed to apply movement")
		writeJSON(w, http.StatusInternalServerError, movementResponse{Status: "error", ErrorMessage: "failed to apply movement"})
		return
	}

	writeJSON(w, http.StatusOK, movementResponse{
		Status:         "ok",
		WineID:         outcome.WineID,
		WineName:       outcome.WineName,
		QuantityBefore: outcome.QuantityBefore,
		QuantityAfter:  outcome.QuantityAfter,
		MovementType:   string(outcome.MovementType),
	})
}
