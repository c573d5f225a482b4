package handler

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/gioiasoftware/wine-inventory/llm"
	"github.com/gioiasoftware/wine-inventory/model"
	"github.com/gioiasoftware/wine-inventory/viewertoken"
)

// AdminHandler serves ops/admin visibility endpoints (spec §6's
// provider-pricing contract) and viewer-token minting — the piece the
// source spec explicitly leaves unspecified ("OAuth-style viewer
// tokens... reimplemented freely").
type AdminHandler struct {
	logger  zerolog.Logger
	pricing *llm.PricingTable
	models  *llm.Registry
	issuer  *viewertoken.Issuer
}

func NewAdminHandler(logger zerolog.Logger, pricing *llm.PricingTable, registry *llm.Registry, issuer *viewertoken.Issuer) *AdminHandler {
	return &AdminHandler{logger: logger, pricing: pricing, models: registry, issuer: issuer}
}

type pricingEntry struct {
	Model       string  `json:"model"`
	InputPer1M  float64 `json:"input_per_1m_eur"`
	OutputPer1M float64 `json:"output_per_1m_eur"`
}

// Pricing exposes the current LLM pricing table for ops visibility.
func (h *AdminHandler) Pricing(w http.ResponseWriter, r *http.Request) {
	entries := make([]pricingEntry, 0)
	for _, m := range h.models.ModelNames() {
		in := h.pricing.EstimateCost(m, llm.Usage{PromptTokens: 1_000_000})
		out := h.pricing.EstimateCost(m, llm.Usage{CompletionTokens: 1_000_000})
		entries = append(entries, pricingEntry{Model: m, InputPer1M: in, OutputPer1M: out})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": entries})
}

type viewerTokenRequest struct {
	UserID       string `json:"user_id"`
	BusinessName string `json:"business_name"`
}

// IssueViewerToken mints a short-lived token binding a tenant, for the
// snapshot endpoint (spec §6, §4.H).
func (h *AdminHandler) IssueViewerToken(w http.ResponseWriter, r *http.Request) {
	var req viewerTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.BusinessName == "" {
		writeError(w, http.StatusBadRequest, "user_id and business_name are required")
		return
	}
	tenant := model.Tenant{UserID: req.UserID, BusinessName: req.BusinessName}
	token := h.issuer.Issue(tenant.Key())
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
