package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kay-ou/SimTradeData/internal/model"
)

// SyncRunner is the orchestrator surface the handler consumes.
type SyncRunner interface {
	Running() bool
	LastReport() *model.RunReport
	RunSync(ctx context.Context, targetDate time.Time) (*model.RunReport, error)
}

// PhaseCounter reports per-state row counts for one sync phase.
type PhaseCounter interface {
	PhaseCounts(ctx context.Context, phase model.Phase) (map[string]int, error)
}

// StatsSource summarizes the stored market data set.
type StatsSource interface {
	Stats(ctx context.Context) (*model.DataStats, error)
}

// SyncHandler exposes the sync engine over HTTP: run triggering, run
// reports, phase progress, and data statistics.
type SyncHandler struct {
	orchestrator SyncRunner
	phases       PhaseCounter
	stats        StatsSource
	logger       *zap.Logger
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(orchestrator SyncRunner, phases PhaseCounter, stats StatsSource, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{
		orchestrator: orchestrator,
		phases:       phases,
		stats:        stats,
		logger:       logger,
	}
}

// Register mounts the handler's routes on the router.
func (h *SyncHandler) Register(router *gin.Engine) {
	router.GET("/health", h.Health)

	api := router.Group("/api/v1")
	{
		api.POST("/sync/run", h.TriggerRun)
		api.GET("/sync/report", h.LatestReport)
		api.GET("/sync/status/:phase", h.PhaseStatus)
		api.GET("/data/stats", h.DataStats)
	}
}

// Health reports service liveness and whether a run is in progress.
func (h *SyncHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"running": h.orchestrator.Running(),
	})
}

// TriggerRun starts a sync run in the background. The target date defaults
// to today and can be overridden with ?date=YYYY-MM-DD.
func (h *SyncHandler) TriggerRun(c *gin.Context) {
	target := time.Now().UTC().Truncate(24 * time.Hour)
	if dateStr := c.Query("date"); dateStr != "" {
		parsed, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date, expected YYYY-MM-DD"})
			return
		}
		target = parsed
	}

	if h.orchestrator.Running() {
		c.JSON(http.StatusConflict, gin.H{"error": "A sync run is already in progress"})
		return
	}

	go func() {
		if _, err := h.orchestrator.RunSync(context.Background(), target); err != nil {
			h.logger.Error("Background sync run failed",
				zap.Time("target_date", target),
				zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"message":     "Sync run started",
		"target_date": target.Format("2006-01-02"),
	})
}

// LatestReport returns the most recent run report.
func (h *SyncHandler) LatestReport(c *gin.Context) {
	report := h.orchestrator.LastReport()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No sync run has completed yet"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// PhaseStatus returns per-state symbol counts for one phase.
func (h *SyncHandler) PhaseStatus(c *gin.Context) {
	phase := model.Phase(c.Param("phase"))
	switch phase {
	case model.PhaseCalendar, model.PhaseStockList, model.PhaseIncremental,
		model.PhaseExtended, model.PhaseGapRepair, model.PhaseValidation:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown phase"})
		return
	}

	counts, err := h.phases.PhaseCounts(c.Request.Context(), phase)
	if err != nil {
		h.logger.Error("Failed to load phase counts",
			zap.String("phase", string(phase)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load phase status"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"phase":  phase,
		"counts": counts,
	})
}

// DataStats returns aggregate statistics for the stored market data.
func (h *SyncHandler) DataStats(c *gin.Context) {
	stats, err := h.stats.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to load data stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load data stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
