package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/STRATINT/polwatch/internal/models"
)

// CampaignService is the operator surface of the campaign aggregator.
type CampaignService interface {
	Acknowledge(ctx context.Context, id string) (*models.Campaign, error)
	Resolve(ctx context.Context, id string) (*models.Campaign, error)
	Monitor(ctx context.Context, id string) (*models.Campaign, error)
	Get(ctx context.Context, id string) (*models.Campaign, error)
	List(ctx context.Context, limit int) ([]models.Campaign, error)
}

// CampaignHandler handles campaign inspection and status changes.
type CampaignHandler struct {
	campaigns CampaignService
	logger    *slog.Logger
}

// NewCampaignHandler creates a new campaign handler.
func NewCampaignHandler(campaigns CampaignService, logger *slog.Logger) *CampaignHandler {
	return &CampaignHandler{campaigns: campaigns, logger: logger}
}

// List handles GET /api/campaigns?limit=N
func (h *CampaignHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := ValidateLimit("limit", r.URL.Query().Get("limit"), defaultCampaignLimit, maxCampaignLimit)
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}
	campaigns, err := h.campaigns.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list campaigns", "error", err)
		writeError(w, h.logger, statusFor(err), "failed to list campaigns")
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"campaigns": campaigns,
		"count":     len(campaigns),
	})
}

// Get handles GET /api/campaigns/{id}
func (h *CampaignHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, statusFor(err), err.Error())
		return
	}
	writeJSON(w, h.logger, http.StatusOK, c)
}

// Acknowledge handles POST /api/campaigns/{id}/acknowledge
func (h *CampaignHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "acknowledge", h.campaigns.Acknowledge)
}

// Resolve handles POST /api/campaigns/{id}/resolve
func (h *CampaignHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "resolve", h.campaigns.Resolve)
}

// Monitor handles POST /api/campaigns/{id}/monitor
func (h *CampaignHandler) Monitor(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "monitor", h.campaigns.Monitor)
}

func (h *CampaignHandler) transition(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, string) (*models.Campaign, error)) {
	id := r.PathValue("id")
	c, err := fn(r.Context(), id)
	if err != nil {
		h.logger.Warn("campaign transition rejected",
			"campaign_id", id,
			"action", action,
			"error", err,
		)
		writeError(w, h.logger, statusFor(err), err.Error())
		return
	}
	writeJSON(w, h.logger, http.StatusOK, c)
}
