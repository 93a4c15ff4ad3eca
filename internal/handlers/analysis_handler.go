package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"regtech-pipeline/internal/models"
	"regtech-pipeline/internal/pkg/logger"
	"regtech-pipeline/internal/services"
)

// AnalysisOrchestrator is the slice of the orchestrator the HTTP layer
// depends on. Tests supply a mock.
type AnalysisOrchestrator interface {
	StartAnalysis(profile models.BusinessProfile, recipients []string) (string, error)
	GetAnalysis(ctx context.Context, analysisID string) (*models.PipelineState, error)
	GetStats(ctx context.Context) (*services.PipelineStats, error)
	Uptime() time.Duration
}

// DependencyCheck is a named liveness probe for one external dependency,
// reported by the health endpoint.
type DependencyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type AnalysisHandler struct {
	orchestrator AnalysisOrchestrator
	logger       *logger.Logger
	checks       []DependencyCheck
}

func NewAnalysisHandler(orchestrator AnalysisOrchestrator, log *logger.Logger, checks ...DependencyCheck) *AnalysisHandler {
	return &AnalysisHandler{
		orchestrator: orchestrator,
		logger:       log,
		checks:       checks,
	}
}

type AnalyzeRequest struct {
	Profile    models.BusinessProfile `json:"business_profile" binding:"required"`
	Recipients []string               `json:"email_recipients"`
}

// StartAnalysis triggers a pipeline run and returns its id immediately.
// POST /api/analyze
func (handler *AnalysisHandler) StartAnalysis(c *gin.Context) {
	var request AnalyzeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid request body",
			"details": err.Error(),
		})
		return
	}

	analysisID, err := handler.orchestrator.StartAnalysis(request.Profile, request.Recipients)
	if err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) && appErr.Kind == models.KindValidation {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":    appErr.Message,
				"code":     appErr.Code,
				"metadata": appErr.Metadata,
			})
			return
		}
		handler.logger.WithError(err).Error("Failed to start analysis")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start analysis"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"analysis_id": analysisID,
		"status":      string(models.AnalysisStatusPending),
	})
}

// GetAnalysis returns the current state and summary of one run.
// GET /api/analysis/:id
func (handler *AnalysisHandler) GetAnalysis(c *gin.Context) {
	analysisID := c.Param("id")

	state, err := handler.orchestrator.GetAnalysis(c.Request.Context(), analysisID)
	if err != nil {
		if errors.Is(err, models.ErrAnalysisNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found", "analysis_id": analysisID})
			return
		}
		handler.logger.WithError(err).Error("Failed to load analysis", "analysis_id", analysisID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load analysis"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"analysis": state,
		"summary":  state.Summarize(),
	})
}

// DownloadReport serves the rendered report artifact, preferring PDF.
// GET /api/download/:id
func (handler *AnalysisHandler) DownloadReport(c *gin.Context) {
	analysisID := c.Param("id")

	state, err := handler.orchestrator.GetAnalysis(c.Request.Context(), analysisID)
	if err != nil {
		if errors.Is(err, models.ErrAnalysisNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found", "analysis_id": analysisID})
			return
		}
		handler.logger.WithError(err).Error("Failed to load analysis", "analysis_id", analysisID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load analysis"})
		return
	}

	if state.FinalReport == nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "report not ready",
			"status": string(state.Status),
		})
		return
	}

	switch {
	case state.FinalReport.ReportPDFPath != "":
		c.FileAttachment(state.FinalReport.ReportPDFPath, "compliance_report.pdf")
	case state.FinalReport.ReportHTMLPath != "":
		c.FileAttachment(state.FinalReport.ReportHTMLPath, "compliance_report.html")
	case state.FinalReport.ReportJSONPath != "":
		c.FileAttachment(state.FinalReport.ReportJSONPath, "compliance_report.json")
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "no report artifact available"})
	}
}

// GetStats returns aggregate pipeline statistics.
// GET /api/stats
func (handler *AnalysisHandler) GetStats(c *gin.Context) {
	stats, err := handler.orchestrator.GetStats(c.Request.Context())
	if err != nil {
		handler.logger.WithError(err).Error("Failed to aggregate stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Health reports process liveness plus the state of each registered
// dependency. Any failing dependency degrades the response to 503.
// GET /health
func (handler *AnalysisHandler) Health(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK

	dependencies := gin.H{}
	for _, dep := range handler.checks {
		checkCtx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		err := dep.Check(checkCtx)
		cancel()
		if err != nil {
			handler.logger.WithError(err).Warn("Dependency check failed", "dependency", dep.Name)
			dependencies[dep.Name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		dependencies[dep.Name] = "ok"
	}

	response := gin.H{
		"status":         status,
		"uptime_seconds": int(handler.orchestrator.Uptime().Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	if len(dependencies) > 0 {
		response["dependencies"] = dependencies
	}
	c.JSON(code, response)
}

// RegisterRoutes wires the handler into the router.
func (handler *AnalysisHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", handler.Health)

	api := router.Group("/api")
	{
		api.POST("/analyze", handler.StartAnalysis)
		api.GET("/analysis/:id", handler.GetAnalysis)
		api.GET("/download/:id", handler.DownloadReport)
		api.GET("/stats", handler.GetStats)
	}
}
