package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"regtech-pipeline/internal/config"
	"regtech-pipeline/internal/models"
	"regtech-pipeline/internal/pkg/logger"
)

// CompletionService is the reasoning surface the orchestrator needs.
// *GeminiService satisfies it in production.
type CompletionService interface {
	ExtractKeywords(ctx context.Context, profile models.BusinessProfile) ([]string, error)
	ClassifyRegulations(ctx context.Context, profile models.BusinessProfile, results []models.SearchResult) ([]models.Regulation, error)
	PrioritizeRegulations(ctx context.Context, profile models.BusinessProfile, regulations []models.Regulation) ([]models.Regulation, error)
	GenerateChecklist(ctx context.Context, reg models.Regulation, now time.Time) ([]models.ChecklistItem, error)
	AssessRisk(ctx context.Context, reg models.Regulation, profile models.BusinessProfile) (models.RiskItem, error)
	PlanExecution(ctx context.Context, reg models.Regulation, items []models.ChecklistItem) (*PlanDraft, error)
}

// SearchProvider retrieves regulation documents for a keyword set.
type SearchProvider interface {
	SearchRegulations(ctx context.Context, keywords []string) ([]models.SearchResult, error)
}

// StateStore persists analysis state and progress updates.
type StateStore interface {
	StoreState(ctx context.Context, state *models.PipelineState) error
	GetState(ctx context.Context, analysisID string) (*models.PipelineState, error)
	PublishUpdate(ctx context.Context, update models.StageUpdate)
	GetStats(ctx context.Context) (*PipelineStats, error)
}

// ReportBuilder assembles the final report artifacts.
type ReportBuilder interface {
	BuildReport(ctx context.Context, state *models.PipelineState) (*models.FinalReport, error)
}

// Notifier delivers the finished report. Delivery failures are recorded,
// never escalated.
type Notifier interface {
	SendReport(ctx context.Context, state *models.PipelineState) *models.DeliveryStatus
}

// Orchestrator owns the pipeline state machine. Stages never touch the
// state record directly: each receives a snapshot and returns a patch,
// which is checked against the stage's declared ownership before merging.
type Orchestrator struct {
	completion CompletionService
	search     SearchProvider
	store      StateStore
	reports    ReportBuilder
	notifier   Notifier

	config config.PipelineConfig
	logger *logger.Logger

	startTime time.Time

	// Clock anchors checklist deadline normalization. Tests pin it.
	Clock func() time.Time
}

// AnalysisExecutor carries one run through the stage table.
type AnalysisExecutor struct {
	orchestrator *Orchestrator
	state        *models.PipelineState
	logger       *logger.Logger
}

type stageFunc func(ctx context.Context, executor *AnalysisExecutor, snapshot models.PipelineState) (*models.StagePatch, error)

// stageDef declares one stage: its name, the state fields it may write,
// and the function that runs it.
type stageDef struct {
	name string
	owns []models.StateField
	run  stageFunc
}

const (
	StageAnalyze    = "analyze"
	StageSearch     = "search"
	StageClassify   = "classify"
	StagePrioritize = "prioritize"
	StageChecklist  = "checklist"
	StageRisk       = "risk"
	StagePlan       = "plan"
	StageReport     = "report"
	StageNotify     = "notify"
)

func NewOrchestrator(
	completion CompletionService,
	search SearchProvider,
	store StateStore,
	reports ReportBuilder,
	notifier Notifier,
	cfg config.PipelineConfig,
	log *logger.Logger,
) *Orchestrator {
	orchestrator := &Orchestrator{
		completion: completion,
		search:     search,
		store:      store,
		reports:    reports,
		notifier:   notifier,
		config:     cfg,
		logger:     log,
		startTime:  time.Now(),
		Clock:      time.Now,
	}

	log.Info("Orchestrator initialized",
		"stage_attempts", cfg.StageAttempts,
		"stage_timeout", cfg.StageTimeout.String(),
		"total_timeout", cfg.TotalRunTimeout.String(),
	)

	return orchestrator
}

// StartAnalysis validates the profile and launches the run in the
// background, returning the analysis id immediately.
func (orchestrator *Orchestrator) StartAnalysis(profile models.BusinessProfile, recipients []string) (string, error) {
	if err := profile.Validate(); err != nil {
		return "", err
	}

	state := models.NewPipelineState(profile, recipients, models.GenerateRequestID())

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), orchestrator.config.TotalRunTimeout)
		defer cancel()
		if _, err := orchestrator.run(ctx, state); err != nil {
			orchestrator.logger.WithError(err).Error("Analysis run failed", "analysis_id", state.ID)
		}
	}()

	return state.ID, nil
}

// RunAnalysis executes a run synchronously. Used by tests and batch
// callers; the HTTP trigger goes through StartAnalysis.
func (orchestrator *Orchestrator) RunAnalysis(ctx context.Context, profile models.BusinessProfile, recipients []string) (*models.PipelineState, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, orchestrator.config.TotalRunTimeout)
	defer cancel()

	state := models.NewPipelineState(profile, recipients, models.GenerateRequestID())
	return orchestrator.run(runCtx, state)
}

func (orchestrator *Orchestrator) run(ctx context.Context, state *models.PipelineState) (*models.PipelineState, error) {
	startTime := time.Now()

	state.MarkRunning()
	orchestrator.persist(ctx, state)
	orchestrator.logger.LogAnalysis(state.ID, "analysis_started", map[string]interface{}{
		"industry": state.Profile.Industry,
		"product":  state.Profile.ProductName,
	})

	executor := &AnalysisExecutor{
		orchestrator: orchestrator,
		state:        state,
		logger:       orchestrator.logger,
	}

	err := executor.executePipeline(ctx)

	duration := time.Since(startTime)
	if err != nil {
		var failure *models.StageFailure
		stage := "unknown"
		if errors.As(err, &failure) {
			stage = failure.Stage
		}
		state.MarkFailed(stage, err)
		orchestrator.persist(context.WithoutCancel(ctx), state)
		orchestrator.logger.LogStage(state.ID, stage, "failed", duration, nil, err)
		return state, err
	}

	state.MarkCompleted()
	orchestrator.persist(ctx, state)
	orchestrator.logger.LogAnalysis(state.ID, "analysis_completed", map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
		"regulations": len(state.Regulations),
		"checklists":  len(state.Checklists),
	})

	return state, nil
}

func (executor *AnalysisExecutor) executePipeline(ctx context.Context) error {
	sequential := []stageDef{
		{StageAnalyze, []models.StateField{models.FieldKeywords}, runAnalyzeStage},
		{StageSearch, []models.StateField{models.FieldSearchResults}, runSearchStage},
		{StageClassify, []models.StateField{models.FieldRegulations}, runClassifyStage},
		{StagePrioritize, []models.StateField{models.FieldRegulations}, runPrioritizeStage},
	}

	for _, def := range sequential {
		if err := executor.runStage(ctx, def); err != nil {
			return err
		}
	}

	if err := executor.runFanOut(ctx); err != nil {
		return err
	}

	tail := []stageDef{
		{StagePlan, []models.StateField{models.FieldExecutionPlans}, runPlanStage},
		{StageReport, []models.StateField{models.FieldFinalReport}, runReportStage},
	}
	for _, def := range tail {
		if err := executor.runStage(ctx, def); err != nil {
			return err
		}
	}

	// Notification is best-effort: its outcome is recorded in the state
	// but never fails the run.
	notify := stageDef{StageNotify, []models.StateField{models.FieldDeliveryStatus}, runNotifyStage}
	if err := executor.runStage(ctx, notify); err != nil {
		executor.logger.WithError(err).Warn("Notification failed, run still completes", "analysis_id", executor.state.ID)
		executor.state.Apply(&models.StagePatch{
			DeliveryStatus: &models.DeliveryStatus{Attempted: true, Success: false, Error: err.Error()},
		})
	}

	return nil
}

// runStage executes one stage against the live state with the retry
// budget, then validates and merges its patch.
func (executor *AnalysisExecutor) runStage(ctx context.Context, def stageDef) error {
	patch, stats, err := executor.orchestrator.attemptStage(ctx, def, executor, executor.state.Snapshot())
	executor.state.UpdateStageStats(def.name, stats)
	if err != nil {
		executor.publish(ctx, def.name, "failed", err.Error())
		return err
	}

	if err := validateOwnership(def, patch); err != nil {
		executor.publish(ctx, def.name, "failed", err.Error())
		return err
	}

	executor.state.Apply(patch)
	executor.orchestrator.persist(ctx, executor.state)
	executor.publish(ctx, def.name, "completed", fmt.Sprintf("stage %s completed", def.name))
	return nil
}

// attemptStage runs one stage with per-attempt timeouts and retries on
// recoverable failures. It never mutates the live state.
func (orchestrator *Orchestrator) attemptStage(ctx context.Context, def stageDef, executor *AnalysisExecutor, snapshot models.PipelineState) (*models.StagePatch, models.StageStats, error) {
	stats := models.StageStats{Name: def.name, StartTime: time.Now()}

	var patch *models.StagePatch
	var lastErr error

	for attempt := 1; attempt <= orchestrator.config.StageAttempts; attempt++ {
		stats.Attempts = attempt

		stageCtx, cancel := context.WithTimeout(ctx, orchestrator.config.StageTimeout)
		patch, lastErr = def.run(stageCtx, executor, snapshot)
		// Read the deadline state before cancel(), which would overwrite
		// it with context.Canceled on every path.
		timedOut := errors.Is(stageCtx.Err(), context.DeadlineExceeded)
		cancel()

		if lastErr == nil {
			stats.Status = "completed"
			stats.EndTime = time.Now()
			stats.Duration = stats.EndTime.Sub(stats.StartTime)
			return patch, stats, nil
		}

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			lastErr = models.NewTimeoutError("RUN_TIMEOUT", "analysis run timed out").WithCause(lastErr)
			break
		}
		if ctx.Err() != nil {
			// Cancelled from outside, e.g. a failed sibling branch.
			break
		}
		if timedOut {
			lastErr = models.NewTimeoutError("STAGE_TIMEOUT", fmt.Sprintf("stage %s timed out", def.name)).WithCause(lastErr)
		}

		failure := asStageFailure(def.name, lastErr)
		lastErr = failure
		if !failure.Recoverable || attempt == orchestrator.config.StageAttempts {
			break
		}

		wait := orchestrator.retryWait(attempt)
		orchestrator.logger.Warn("Stage failed, retrying",
			"analysis_id", executor.state.ID,
			"stage", def.name,
			"attempt", attempt,
			"wait", wait.String(),
			"error", failure.Cause,
		)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				lastErr = models.NewTimeoutError("RUN_TIMEOUT", "analysis run timed out").WithCause(ctx.Err())
			}
			break
		}
	}

	stats.Status = "failed"
	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)

	// No attempts remain: whatever escaped here is final, so the failure
	// is unrecoverable regardless of the cause's own classification. The
	// fan-out relies on this to cancel a sibling branch.
	failure := asStageFailure(def.name, lastErr)
	failure.Recoverable = false
	return nil, stats, failure
}

func (orchestrator *Orchestrator) retryWait(attempt int) time.Duration {
	wait := float64(orchestrator.config.RetryInterval) * math.Pow(orchestrator.config.RetryMultiplier, float64(attempt-1))
	if wait > float64(orchestrator.config.MaxRetryWait) {
		wait = float64(orchestrator.config.MaxRetryWait)
	}
	return time.Duration(wait)
}

func asStageFailure(stage string, err error) *models.StageFailure {
	var failure *models.StageFailure
	if errors.As(err, &failure) {
		return failure
	}
	return models.NewStageFailure(stage, err)
}

// validateOwnership rejects a patch writing fields outside the stage's
// declared ownership. That is a bug in a stage, surfaced as an integrity
// fault rather than silently merged.
func validateOwnership(def stageDef, patch *models.StagePatch) error {
	owned := make(map[models.StateField]bool, len(def.owns))
	for _, field := range def.owns {
		owned[field] = true
	}
	for _, field := range patch.Fields() {
		if !owned[field] {
			return models.NewStageFailure(def.name,
				models.NewIntegrityError("STAGE_OWNERSHIP",
					fmt.Sprintf("stage %s wrote unowned field %s", def.name, field)))
		}
	}
	return nil
}

// runFanOut executes the checklist and risk stages concurrently from the
// same post-prioritize snapshot. A fatal failure in either cancels the
// sibling and discards both results; merge happens only when both
// succeed.
func (executor *AnalysisExecutor) runFanOut(ctx context.Context) error {
	checklistDef := stageDef{StageChecklist, []models.StateField{models.FieldChecklists}, runChecklistStage}
	riskDef := stageDef{StageRisk, []models.StateField{models.FieldRiskAssessment}, runRiskStage}

	snapshot := executor.state.Snapshot()

	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type branchResult struct {
		def   stageDef
		patch *models.StagePatch
		stats models.StageStats
		err   error
	}

	results := make(chan branchResult, 2)
	var wg sync.WaitGroup

	for _, def := range []stageDef{checklistDef, riskDef} {
		wg.Add(1)
		go func(def stageDef) {
			defer wg.Done()
			executor.publish(fanCtx, def.name, "running", fmt.Sprintf("stage %s started", def.name))
			patch, stats, err := executor.orchestrator.attemptStage(fanCtx, def, executor, snapshot)
			if err != nil {
				failure := asStageFailure(def.name, err)
				if !failure.Recoverable {
					cancel()
				}
				results <- branchResult{def: def, stats: stats, err: failure}
				return
			}
			results <- branchResult{def: def, patch: patch, stats: stats}
		}(def)
	}

	wg.Wait()
	close(results)

	branches := make(map[string]branchResult, 2)
	var firstErr error
	for result := range results {
		branches[result.def.name] = result
		executor.state.UpdateStageStats(result.def.name, result.stats)
		if result.err != nil && firstErr == nil {
			firstErr = result.err
		}
	}

	if firstErr != nil {
		var failure *models.StageFailure
		errors.As(firstErr, &failure)
		executor.publish(ctx, failure.Stage, "failed", failure.Error())
		return firstErr
	}

	// Fan-in: both branches succeeded, merge under the merging status.
	executor.state.MarkMerging()
	executor.orchestrator.persist(ctx, executor.state)

	for _, def := range []stageDef{checklistDef, riskDef} {
		result := branches[def.name]
		if err := validateOwnership(def, result.patch); err != nil {
			return err
		}
		executor.state.Apply(result.patch)
	}

	if err := executor.validateMerge(); err != nil {
		return err
	}

	executor.state.MarkRunning()
	executor.orchestrator.persist(ctx, executor.state)
	executor.publish(ctx, StageChecklist, "completed", "checklist branch merged")
	executor.publish(ctx, StageRisk, "completed", "risk branch merged")
	return nil
}

// validateMerge enforces cross-branch invariants after fan-in: every
// checklist item must reference a known regulation, and every regulation
// must still carry at least one citation. A citation loss is attributed
// to prioritize, the last stage to write the regulation list.
func (executor *AnalysisExecutor) validateMerge() error {
	known := make(map[string]bool, len(executor.state.Regulations))
	for _, reg := range executor.state.Regulations {
		known[reg.ID] = true
		if len(reg.Citations) == 0 {
			return models.NewStageFailure(StagePrioritize,
				models.NewIntegrityError("REGULATION_NO_CITATION",
					fmt.Sprintf("regulation %s has no citations", reg.ID)))
		}
	}
	for _, item := range executor.state.Checklists {
		if !known[item.RegulationID] {
			return models.NewStageFailure(StageChecklist,
				models.NewIntegrityError("CHECKLIST_DANGLING_REF",
					fmt.Sprintf("checklist item %q references unknown regulation %s", item.TaskName, item.RegulationID)))
		}
	}
	return nil
}

func (executor *AnalysisExecutor) publish(ctx context.Context, stage, status, message string) {
	executor.orchestrator.store.PublishUpdate(ctx, models.StageUpdate{
		AnalysisID: executor.state.ID,
		RequestID:  executor.state.RequestID,
		StageName:  stage,
		Status:     status,
		Message:    message,
	})
}

func (orchestrator *Orchestrator) persist(ctx context.Context, state *models.PipelineState) {
	if err := orchestrator.store.StoreState(ctx, state); err != nil {
		orchestrator.logger.WithError(err).Error("Failed to persist analysis state", "analysis_id", state.ID)
	}
}

// GetAnalysis returns one run from the store. Active runs are served from
// their last persisted snapshot; the live record belongs to the run
// goroutine alone and is never read concurrently.
func (orchestrator *Orchestrator) GetAnalysis(ctx context.Context, analysisID string) (*models.PipelineState, error) {
	return orchestrator.store.GetState(ctx, analysisID)
}

func (orchestrator *Orchestrator) GetStats(ctx context.Context) (*PipelineStats, error) {
	return orchestrator.store.GetStats(ctx)
}

func (orchestrator *Orchestrator) Uptime() time.Duration {
	return time.Since(orchestrator.startTime)
}
