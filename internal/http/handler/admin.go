package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dealbridge.app/sync/internal/domain"
	"dealbridge.app/sync/internal/http/dto"
	"dealbridge.app/sync/internal/service"
)

// Resyncer runs a full republish sync inline. Mirrors the orchestrator entry
// point to avoid pulling the whole wiring into the handler.
type Resyncer interface {
	DealRepublished(ctx context.Context, dealID string, occurredAt int64) (service.Result, error)
}

type RunLister interface {
	ListSyncRuns(ctx context.Context, dealID string, limit int32) ([]domain.SyncRun, error)
}

// AdminHandler serves the operational endpoints: manual resync and sync-run
// history. All routes sit behind the admin API key.
type AdminHandler struct {
	resyncer Resyncer
	runs     RunLister
}

func NewAdminHandler(resyncer Resyncer, runs RunLister) *AdminHandler {
	return &AdminHandler{resyncer: resyncer, runs: runs}
}

// Resync runs the full consolidated write synchronously and reports the
// outcome, unlike the webhooks which only enqueue.
func (h *AdminHandler) Resync(c *gin.Context) {
	ctx := c.Request.Context()
	dealID := c.Param("id")

	result, err := h.resyncer.DealRepublished(ctx, dealID, time.Now().UnixMilli())
	if err != nil {
		slog.ErrorContext(ctx, "manual resync failed", "deal_id", dealID, "error", err)
		c.JSON(http.StatusBadGateway, dto.SyncResponse{
			Status: string(result.Status),
			Reason: result.Reason,
		})
		return
	}

	c.JSON(http.StatusOK, dto.SyncResponse{
		Status:    string(result.Status),
		Reason:    result.Reason,
		OrderID:   result.OrderID,
		ItemCount: result.ItemCount,
	})
}

func (h *AdminHandler) ListRuns(c *gin.Context) {
	ctx := c.Request.Context()
	dealID := c.Param("id")

	runs, err := h.runs.ListSyncRuns(ctx, dealID, 50)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list sync runs", "deal_id", dealID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sync runs"})
		return
	}

	out := make([]dto.SyncRunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, dto.SyncRunResponse{
			ID:         run.ID,
			DealID:     run.DealID,
			Workflow:   run.Workflow,
			Status:     run.Status,
			Reason:     run.Reason,
			Error:      run.Error,
			ItemCount:  run.ItemCount,
			StartedAt:  run.StartedAt.Format(time.RFC3339),
			FinishedAt: run.FinishedAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"runs": out})
}
