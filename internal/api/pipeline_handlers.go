package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/STRATINT/polwatch/internal/ingestion"
)

// PipelineService is the orchestrator surface exposed over HTTP.
type PipelineService interface {
	CollectCluster(ctx context.Context, req ingestion.CollectRequest) (*ingestion.CollectionResult, error)
	CollectAllActiveClusters(ctx context.Context, req ingestion.CollectAllRequest) (*ingestion.AggregateResult, error)
	ProcessBacklog(ctx context.Context, req ingestion.BacklogRequest) (*ingestion.BacklogResult, error)
	RequeueFailed(ctx context.Context, limit int) (int, error)
	GetStatus(ctx context.Context) *ingestion.Status
}

// PipelineHandler handles the pipeline trigger endpoints.
type PipelineHandler struct {
	pipeline PipelineService
	logger   *slog.Logger
	now      func() time.Time
}

// NewPipelineHandler creates a new pipeline handler.
func NewPipelineHandler(pipeline PipelineService, logger *slog.Logger) *PipelineHandler {
	return &PipelineHandler{
		pipeline: pipeline,
		logger:   logger,
		now:      time.Now,
	}
}

// extendWriteDeadline lets a long synchronous trigger outlive the server's
// default write timeout.
func extendWriteDeadline(w http.ResponseWriter, d time.Duration) {
	_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(d))
}

// CollectCluster handles POST /api/pipeline/clusters/{id}/collect
func (h *PipelineHandler) CollectCluster(w http.ResponseWriter, r *http.Request) {
	var body collectBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}
	sources, err := ValidateSources(body.Sources)
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}

	clusterID := r.PathValue("id")
	extendWriteDeadline(w, maxBacklogRunTime)
	result, err := h.pipeline.CollectCluster(r.Context(), ingestion.CollectRequest{
		ClusterID:    clusterID,
		Sources:      sources,
		EnrichInline: body.EnrichInline,
	})
	if err != nil {
		h.logger.Error("manual collection failed", "cluster_id", clusterID, "error", err)
		writeError(w, h.logger, statusFor(err), err.Error())
		return
	}
	writeJSON(w, h.logger, http.StatusOK, result)
}

// CollectAll handles POST /api/pipeline/collect
func (h *PipelineHandler) CollectAll(w http.ResponseWriter, r *http.Request) {
	var body collectBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}
	sources, err := ValidateSources(body.Sources)
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}
	clusterType, err := ValidateClusterType(body.ClusterType)
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}

	extendWriteDeadline(w, maxBacklogRunTime)
	result, err := h.pipeline.CollectAllActiveClusters(r.Context(), ingestion.CollectAllRequest{
		ClusterType:  clusterType,
		Sources:      sources,
		EnrichInline: body.EnrichInline,
	})
	if err != nil {
		h.logger.Error("manual collect-all failed", "error", err)
		writeError(w, h.logger, statusFor(err), err.Error())
		return
	}
	writeJSON(w, h.logger, http.StatusOK, result)
}

// ProcessBacklog handles POST /api/pipeline/backlog
func (h *PipelineHandler) ProcessBacklog(w http.ResponseWriter, r *http.Request) {
	var body backlogBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}
	req, err := ValidateBacklog(body, h.now())
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}

	extendWriteDeadline(w, maxBacklogRunTime)
	result, err := h.pipeline.ProcessBacklog(r.Context(), req)
	if err != nil {
		// partial progress is still reported alongside the error
		writeJSON(w, h.logger, statusFor(err), map[string]any{
			"error":  err.Error(),
			"result": result,
		})
		return
	}
	writeJSON(w, h.logger, http.StatusOK, result)
}

// RequeueFailed handles POST /api/pipeline/requeue-failed?limit=N
func (h *PipelineHandler) RequeueFailed(w http.ResponseWriter, r *http.Request) {
	limit, err := ValidateLimit("limit", r.URL.Query().Get("limit"), maxRequeueLimit, maxRequeueLimit)
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}
	n, err := h.pipeline.RequeueFailed(r.Context(), limit)
	if err != nil {
		writeError(w, h.logger, statusFor(err), err.Error())
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]int{"requeued": n})
}

// Status handles GET /api/pipeline/status
func (h *PipelineHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, h.pipeline.GetStatus(r.Context()))
}
