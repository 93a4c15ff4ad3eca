package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"regtech-pipeline/internal/config"
	"regtech-pipeline/internal/models"
	"regtech-pipeline/internal/services"
)

// completionMock implements services.CompletionService with overridable
// behavior per method. Nil fields fall back to a Korean-manufacturer
// happy path.
type completionMock struct {
	extractKeywords func(ctx context.Context, profile models.BusinessProfile) ([]string, error)
	classify        func(ctx context.Context, profile models.BusinessProfile, results []models.SearchResult) ([]models.Regulation, error)
	prioritize      func(ctx context.Context, profile models.BusinessProfile, regulations []models.Regulation) ([]models.Regulation, error)
	checklist       func(ctx context.Context, reg models.Regulation, now time.Time) ([]models.ChecklistItem, error)
	assessRisk      func(ctx context.Context, reg models.Regulation, profile models.BusinessProfile) (models.RiskItem, error)
	plan            func(ctx context.Context, reg models.Regulation, items []models.ChecklistItem) (*services.PlanDraft, error)
}

func (m *completionMock) ExtractKeywords(ctx context.Context, profile models.BusinessProfile) ([]string, error) {
	if m.extractKeywords != nil {
		return m.extractKeywords(ctx, profile)
	}
	return []string{"배터리", "산업안전", "화학물질"}, nil
}

func (m *completionMock) ClassifyRegulations(ctx context.Context, profile models.BusinessProfile, results []models.SearchResult) ([]models.Regulation, error) {
	if m.classify != nil {
		return m.classify(ctx, profile, results)
	}
	if len(results) == 0 {
		return []models.Regulation{}, nil
	}
	citation := models.Citation{SourceID: results[0].SourceID, Title: results[0].Title, URL: results[0].URL}
	return []models.Regulation{
		{
			ID:        "REG-001",
			Name:      "산업안전보건법",
			Category:  models.CategorySafetyEnv,
			Priority:  models.PriorityHigh,
			Authority: "고용노동부",
			Citations: []models.Citation{citation},
		},
		{
			ID:        "REG-002",
			Name:      "전기용품 안전관리법",
			Category:  models.CategoryProductCert,
			Priority:  models.PriorityMedium,
			Authority: "산업통상자원부",
			Citations: []models.Citation{citation},
		},
	}, nil
}

func (m *completionMock) PrioritizeRegulations(ctx context.Context, profile models.BusinessProfile, regulations []models.Regulation) ([]models.Regulation, error) {
	if m.prioritize != nil {
		return m.prioritize(ctx, profile, regulations)
	}
	return regulations, nil
}

func (m *completionMock) GenerateChecklist(ctx context.Context, reg models.Regulation, now time.Time) ([]models.ChecklistItem, error) {
	if m.checklist != nil {
		return m.checklist(ctx, reg, now)
	}
	return []models.ChecklistItem{
		{RegulationID: reg.ID, RegulationName: reg.Name, TaskName: reg.Name + " 담당자 지정", Priority: reg.Priority},
		{RegulationID: reg.ID, RegulationName: reg.Name, TaskName: reg.Name + " 서류 준비", Priority: reg.Priority, Deadline: "2026-12-01"},
	}, nil
}

func (m *completionMock) AssessRisk(ctx context.Context, reg models.Regulation, profile models.BusinessProfile) (models.RiskItem, error) {
	if m.assessRisk != nil {
		return m.assessRisk(ctx, reg, profile)
	}
	score := 5.0
	if reg.Priority == models.PriorityHigh {
		score = 8.0
	}
	return models.RiskItem{RegulationID: reg.ID, RegulationName: reg.Name, RiskScore: score}, nil
}

func (m *completionMock) PlanExecution(ctx context.Context, reg models.Regulation, items []models.ChecklistItem) (*services.PlanDraft, error) {
	if m.plan != nil {
		return m.plan(ctx, reg, items)
	}
	return &services.PlanDraft{
		Timeline:     "3개월",
		Dependencies: map[string][]string{"2": {"1"}},
	}, nil
}

type searchMock struct {
	search func(ctx context.Context, keywords []string) ([]models.SearchResult, error)
}

func (m *searchMock) SearchRegulations(ctx context.Context, keywords []string) ([]models.SearchResult, error) {
	if m.search != nil {
		return m.search(ctx, keywords)
	}
	return []models.SearchResult{
		{SourceID: "SRC-001", Title: "산업안전보건법 해설", URL: "https://law.example/1", Excerpt: "사업주 의무", Score: 0.9},
		{SourceID: "SRC-002", Title: "KC 인증 안내", URL: "https://law.example/2", Excerpt: "인증 절차", Score: 0.8},
	}, nil
}

// storeMock keeps persisted snapshots and published updates in memory.
type storeMock struct {
	mu      sync.Mutex
	states  map[string]models.PipelineState
	updates []models.StageUpdate
}

func newStoreMock() *storeMock {
	return &storeMock{states: make(map[string]models.PipelineState)}
}

func (m *storeMock) StoreState(ctx context.Context, state *models.PipelineState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.ID] = state.Snapshot()
	return nil
}

func (m *storeMock) GetState(ctx context.Context, analysisID string) (*models.PipelineState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[analysisID]
	if !ok {
		return nil, models.ErrAnalysisNotFound
	}
	return &state, nil
}

func (m *storeMock) PublishUpdate(ctx context.Context, update models.StageUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, update)
}

func (m *storeMock) GetStats(ctx context.Context) (*services.PipelineStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &services.PipelineStats{TotalRuns: len(m.states)}, nil
}

func (m *storeMock) updatesFor(stage string) []models.StageUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.StageUpdate
	for _, u := range m.updates {
		if u.StageName == stage {
			out = append(out, u)
		}
	}
	return out
}

type reportsMock struct {
	build func(ctx context.Context, state *models.PipelineState) (*models.FinalReport, error)
}

func (m *reportsMock) BuildReport(ctx context.Context, state *models.PipelineState) (*models.FinalReport, error) {
	if m.build != nil {
		return m.build(ctx, state)
	}
	return &models.FinalReport{ExecutiveSummary: "요약", FullMarkdown: "# 보고서"}, nil
}

type notifierMock struct {
	send func(ctx context.Context, state *models.PipelineState) *models.DeliveryStatus
}

func (m *notifierMock) SendReport(ctx context.Context, state *models.PipelineState) *models.DeliveryStatus {
	if m.send != nil {
		return m.send(ctx, state)
	}
	return &models.DeliveryStatus{Attempted: true, Success: true}
}

type orchestratorFixture struct {
	completion *completionMock
	search     *searchMock
	store      *storeMock
	reports    *reportsMock
	notifier   *notifierMock
	config     config.PipelineConfig
}

func newOrchestratorFixture() *orchestratorFixture {
	return &orchestratorFixture{
		completion: &completionMock{},
		search:     &searchMock{},
		store:      newStoreMock(),
		reports:    &reportsMock{},
		notifier:   &notifierMock{},
		config: config.PipelineConfig{
			StageAttempts:   3,
			StageTimeout:    time.Second,
			TotalRunTimeout: 30 * time.Second,
			RetryInterval:   time.Millisecond,
			RetryMultiplier: 2.0,
			MaxRetryWait:    10 * time.Millisecond,
		},
	}
}

func (f *orchestratorFixture) build(t *testing.T) *services.Orchestrator {
	t.Helper()
	orchestrator := services.NewOrchestrator(f.completion, f.search, f.store, f.reports, f.notifier, f.config, testLogger(t))
	orchestrator.Clock = func() time.Time {
		return time.Date(2026, 8, 23, 9, 0, 0, 0, time.UTC)
	}
	return orchestrator
}

func pipelineProfile() models.BusinessProfile {
	return models.BusinessProfile{
		Industry:      "배터리 제조",
		ProductName:   "리튬이온 배터리",
		RawMaterials:  "리튬, 코발트, 니켈",
		Processes:     []string{"전극 공정", "조립 공정"},
		EmployeeCount: 45,
	}
}

func TestRunAnalysisHappyPath(t *testing.T) {
	fixture := newOrchestratorFixture()
	orchestrator := fixture.build(t)

	state, err := orchestrator.RunAnalysis(context.Background(), pipelineProfile(), []string{"owner@example.com"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !state.IsCompleted() {
		t.Fatalf("Expected completed run, got status %s", state.Status)
	}
	if len(state.Keywords) != 3 {
		t.Errorf("Expected 3 keywords, got %d", len(state.Keywords))
	}
	if len(state.Regulations) != 2 {
		t.Fatalf("Expected 2 regulations, got %d", len(state.Regulations))
	}
	if len(state.Checklists) != 4 {
		t.Errorf("Expected 4 checklist items, got %d", len(state.Checklists))
	}
	if state.RiskAssessment == nil {
		t.Fatal("Expected a risk assessment")
	}
	if state.RiskAssessment.TotalRiskScore != 6.5 {
		t.Errorf("Expected mean risk 6.5, got %f", state.RiskAssessment.TotalRiskScore)
	}
	if len(state.RiskAssessment.HighRiskItems) != 1 {
		t.Errorf("Expected 1 high risk item, got %d", len(state.RiskAssessment.HighRiskItems))
	}
	if len(state.ExecutionPlans) != 2 {
		t.Fatalf("Expected 2 execution plans, got %d", len(state.ExecutionPlans))
	}
	if state.ExecutionPlans[0].PlanID != "PLAN-001" || state.ExecutionPlans[1].PlanID != "PLAN-002" {
		t.Errorf("Expected sequential plan ids, got %s/%s", state.ExecutionPlans[0].PlanID, state.ExecutionPlans[1].PlanID)
	}
	if state.FinalReport == nil {
		t.Error("Expected a final report")
	}
	if state.DeliveryStatus == nil || !state.DeliveryStatus.Success {
		t.Errorf("Expected successful delivery status, got %+v", state.DeliveryStatus)
	}
	if state.EndTime == nil {
		t.Error("Expected end time on completed run")
	}
}

func TestRunAnalysisNormalizesDeadlines(t *testing.T) {
	fixture := newOrchestratorFixture()
	orchestrator := fixture.build(t)

	state, err := orchestrator.RunAnalysis(context.Background(), pipelineProfile(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, item := range state.Checklists {
		if _, parseErr := time.Parse("2006-01-02", item.Deadline); parseErr != nil {
			t.Errorf("Checklist deadline %q is not normalized: %v", item.Deadline, parseErr)
		}
	}

	// The first item per regulation comes back without a deadline; with
	// the clock pinned to 2026-08-23 a HIGH regulation lands two months
	// out and a MEDIUM one four.
	byRegulation := map[string]string{}
	for _, item := range state.Checklists {
		if _, ok := byRegulation[item.RegulationID]; !ok {
			byRegulation[item.RegulationID] = item.Deadline
		}
	}
	if byRegulation["REG-001"] != "2026-10-23" {
		t.Errorf("Expected HIGH default deadline 2026-10-23, got %s", byRegulation["REG-001"])
	}
	if byRegulation["REG-002"] != "2026-12-23" {
		t.Errorf("Expected MEDIUM default deadline 2026-12-23, got %s", byRegulation["REG-002"])
	}
}

func TestRunAnalysisCriticalPathFromDependencies(t *testing.T) {
	fixture := newOrchestratorFixture()
	orchestrator := fixture.build(t)

	state, err := orchestrator.RunAnalysis(context.Background(), pipelineProfile(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Task 2 depends on task 1, so the critical path is the full chain.
	plan := state.ExecutionPlans[0]
	if len(plan.CriticalPath) != 2 || plan.CriticalPath[0] != "1" || plan.CriticalPath[1] != "2" {
		t.Errorf("Expected critical path [1 2], got %v", plan.CriticalPath)
	}
}

func TestRunAnalysisRetriesTransientFailure(t *testing.T) {
	fixture := newOrchestratorFixture()

	calls := 0
	fixture.search.search = func(ctx context.Context, keywords []string) ([]models.SearchResult, error) {
		calls++
		if calls <= 2 {
			return nil, models.NewTimeoutError("TAVILY_TIMEOUT", "search timed out")
		}
		return []models.SearchResult{{SourceID: "SRC-001", Title: "문서", URL: "https://law.example/1"}}, nil
	}

	orchestrator := fixture.build(t)
	state, err := orchestrator.RunAnalysis(context.Background(), pipelineProfile(), nil)
	if err != nil {
		t.Fatalf("Expected recovery on third attempt, got %v", err)
	}

	if !state.IsCompleted() {
		t.Errorf("Expected completed run, got %s", state.Status)
	}
	if calls != 3 {
		t.Errorf("Expected 3 search calls, got %d", calls)
	}
	if stats := state.StageStats["search"]; stats.Attempts != 3 || stats.Status != "completed" {
		t.Errorf("Expected search stats attempts=3 completed, got %+v", stats)
	}
}

func TestRunAnalysisExhaustsRetryBudget(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.config.StageAttempts = 2

	calls := 0
	fixture.search.search = func(ctx context.Context, keywords []string) ([]models.SearchResult, error) {
		calls++
		return nil, models.NewTransientError("TAVILY_UNAVAILABLE", "upstream 503")
	}

	orchestrator := fixture.build(t)
	state, err := orchestrator.RunAnalysis(context.Background(), pipelineProfile(), nil)
	if err == nil {
		t.Fatal("Expected run to fail after exhausting retries")
	}

	if calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
	if !state.IsFailed() || state.FailedStage != services.StageSearch {
		t.Errorf("Expected failure at search, got status=%s stage=%s", state.Status, state.FailedStage)
	}
}

func TestRunAnalysisFatalFailureSkipsRetry(t *testing.T) {
	fixture := newOrchestratorFixture()

	calls := 0
	fixture.completion.extractKeywords = func(ctx context.Context, profile models.BusinessProfile) ([]string, error) {
		calls++
		return nil, models.NewSemanticError("NO_KEYWORDS", "model returned nothing usable")
	}

	orchestrator := fixture.build(t)
	state, err := orchestrator.RunAnalysis(context.Background(), pipelineProfile(), nil)
	if err == nil {
		t.Fatal("Expected run to fail")
	}

	if calls != 1 {
		t.Errorf("Semantic failure must not be retried, got %d calls", calls)
	}
	if state.FailedStage != services.StageAnalyze {
		t.Errorf("Expected failure at analyze, got %s", state.FailedStage)
	}
}

func TestRunAnalysisStageTimeoutExhaustsAttempts(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.config.StageAttempts = 2
	fixture.config.StageTimeout = 10 * time.Millisecond

	calls := 0
	fixture.search.search = func(ctx context.Context, keywords []string) ([]models.SearchResult, error) {
		calls++
		<-ctx.Done()
		return nil, ctx.Err()
	}

	orchestrator := fixture.build(t)
	state, err := orchestrator.RunAnalysis(context.Background(), pipelineProfile(), nil)
	if err == nil {
		t.Fatal("Expected a blocked search to time out")
	}

	var appErr *models.AppError
	if !errors.As(err, &appErr) || appErr.Code != "STAGE_TIMEOUT" {
		t.Errorf("Expected STAGE_TIMEOUT, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected the timeout to be retried once, got %d calls", calls)
	}
	if state.FailedStage != services.StageSearch {
		t.Errorf("Expected failure at search, got %s", state.FailedStage)
	}
	if stats := state.StageStats["search"]; stats.Attempts != 2 || stats.Status != "failed" {
		t.Errorf("Expected search stats attempts=2 failed, got %+v", stats)
	}
}

func TestRunAnalysisTotalRunTimeout(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.config.TotalRunTimeout = 50 * time.Millisecond

	fixture.search.search = func(ctx context.Context, keywords []string) ([]models.SearchResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	orchestrator := fixture.build(t)
	state, err := orchestrator.RunAnalysis(context.Background(), pipelineProfile(), nil)
	if err == nil {
		t.Fatal("Expected the run deadline to fail the analysis")
	}

	var appErr *models.AppError
	if !errors.As(err, &appErr) || appErr.Code != "RUN_TIMEOUT" {
		t.Errorf("Expected RUN_TIMEOUT, got %v", err)
	}
	if !state.IsFailed() || state.FailedStage != services.StageSearch {
		t.Errorf("Expected failure at search, got status=%s stage=%s", state.Status, state.FailedStage)
	}
}

func TestRunAnalysisExhaustedBranchCancelsSibling(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.config.StageAttempts = 2

	fixture.completion.checklist = func(ctx context.Context, reg models.Regulation, now time.Time) ([]models.ChecklistItem, error) {
		return nil, models.NewTransientError("GEMINI_REQUEST", "upstream 503")
	}

	cancelled := make(chan struct{})
	var once sync.Once
	fixture.completion.assessRisk = func(ctx context.Context, reg models.Regulation, profile models.BusinessProfile) (models.RiskItem, error) {
		select {
		case <-ctx.Done():
			once.Do(func() { close(cancelled) })
			return models.RiskItem{}, ctx.Err()
		case <-time.After(2 * time.Second):
			return models.RiskItem{RegulationID: reg.ID, RiskScore: 5.0}, nil
		}
	}

	orchestrator := fixture.build(t)
	start := time.Now()
	state, err := orchestrator.RunAnalysis(context.Background(), pipelineProfile(), nil)
	if err == nil {
		t.Fatal("Expected the fan-out to fail")
	}

	select {
	case <-cancelled:
	default:
		t.Error("Expected the risk branch to observe cancellation")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected the sibling to be cancelled promptly, run took %s", elapsed)
	}
	if len(state.Checklists) != 0 {
		t.Errorf("Expected no merged checklist items, got %d", len(state.Checklists))
	}
	if state.RiskAssessment != nil {
		t.Error("Expected no risk assessment on failed fan-out")
	}
}

func TestRunAnalysisRiskFailureDiscardsChecklist(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.completion.assessRisk = func(ctx context.Context, reg models.Regulation, profile models.BusinessProfile) (models.RiskItem, error) {
		return models.RiskItem{}, models.NewSemanticError("GEMINI_INVALID_JSON", "unparseable risk payload")
	}

	orchestrator := fixture.build(t)
	state, err := orchestrator.RunAnalysis(context.Background(), pipelineProfile(), nil)
	if err == nil {
		t.Fatal("Expected run to fail in the risk branch")
	}

	if state.FailedStage != services.StageRisk {
		t.Errorf("Expected failure at risk, got %s", state.FailedStage)
	}
	// The checklist branch may have finished, but its results must be
	// discarded along with the failed sibling.
	if len(state.Checklists) != 0 {
		t.Errorf("Expected checklist results discarded, got %d items", len(state.Checklists))
	}
	if state.RiskAssessment != nil {
		t.Error("Expected no risk assessment on failed fan-out")
	}
}

func TestRunAnalysisEmptySearchCompletes(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.search.search = func(ctx context.Context, keywords []string) ([]models.SearchResult, error) {
		return nil, nil
	}

	orchestrator := fixture.build(t)
	state, err := orchestrator.RunAnalysis(context.Background(), pipelineProfile(), nil)
	if err != nil {
		t.Fatalf("Empty search must not fail the run: %v", err)
	}

	if !state.IsCompleted() {
		t.Errorf("Expected completed run, got %s", state.Status)
	}
	if len(state.Regulations) != 0 {
		t.Errorf("Expected 0 regulations, got %d", len(state.Regulations))
	}
	if state.RiskAssessment == nil || state.RiskAssessment.TotalRiskScore != 0 {
		t.Errorf("Expected empty risk assessment, got %+v", state.RiskAssessment)
	}
}

func TestRunAnalysisDanglingChecklistReference(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.completion.checklist = func(ctx context.Context, reg models.Regulation, now time.Time) ([]models.ChecklistItem, error) {
		return []models.ChecklistItem{
			{RegulationID: "REG-999", TaskName: "존재하지 않는 규제 작업"},
		}, nil
	}

	orchestrator := fixture.build(t)
	state, err := orchestrator.RunAnalysis(context.Background(), pipelineProfile(), nil)
	if err == nil {
		t.Fatal("Expected merge validation to fail")
	}

	var appErr *models.AppError
	if !errors.As(err, &appErr) || appErr.Code != "CHECKLIST_DANGLING_REF" {
		t.Errorf("Expected CHECKLIST_DANGLING_REF, got %v", err)
	}
	if !state.IsFailed() {
		t.Errorf("Expected failed status, got %s", state.Status)
	}
}

func TestRunAnalysisDroppedCitationsBlamePrioritize(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.completion.prioritize = func(ctx context.Context, profile models.BusinessProfile, regulations []models.Regulation) ([]models.Regulation, error) {
		reordered := make([]models.Regulation, len(regulations))
		copy(reordered, regulations)
		for i := range reordered {
			reordered[i].Citations = nil
		}
		return reordered, nil
	}

	orchestrator := fixture.build(t)
	state, err := orchestrator.RunAnalysis(context.Background(), pipelineProfile(), nil)
	if err == nil {
		t.Fatal("Expected merge validation to fail")
	}

	var appErr *models.AppError
	if !errors.As(err, &appErr) || appErr.Code != "REGULATION_NO_CITATION" {
		t.Errorf("Expected REGULATION_NO_CITATION, got %v", err)
	}
	// The regulation list is owned by prioritize, so the lost citations
	// are its fault, not the checklist branch's.
	if state.FailedStage != services.StagePrioritize {
		t.Errorf("Expected failure attributed to prioritize, got %s", state.FailedStage)
	}
}

func TestRunAnalysisPlanCycleFails(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.completion.plan = func(ctx context.Context, reg models.Regulation, items []models.ChecklistItem) (*services.PlanDraft, error) {
		return &services.PlanDraft{
			Dependencies: map[string][]string{"1": {"2"}, "2": {"1"}},
		}, nil
	}

	orchestrator := fixture.build(t)
	state, err := orchestrator.RunAnalysis(context.Background(), pipelineProfile(), nil)
	if err == nil {
		t.Fatal("Expected cyclic dependencies to fail the plan stage")
	}

	var appErr *models.AppError
	if !errors.As(err, &appErr) || appErr.Code != "PLAN_CYCLE" {
		t.Errorf("Expected PLAN_CYCLE, got %v", err)
	}
	if state.FailedStage != services.StagePlan {
		t.Errorf("Expected failure at plan, got %s", state.FailedStage)
	}
}

func TestRunAnalysisDeliveryFailureDoesNotFailRun(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.notifier.send = func(ctx context.Context, state *models.PipelineState) *models.DeliveryStatus {
		return &models.DeliveryStatus{Attempted: true, Success: false, Error: "all recipients failed"}
	}

	orchestrator := fixture.build(t)
	state, err := orchestrator.RunAnalysis(context.Background(), pipelineProfile(), []string{"a@example.com"})
	if err != nil {
		t.Fatalf("Delivery failure must not fail the run: %v", err)
	}

	if !state.IsCompleted() {
		t.Errorf("Expected completed run, got %s", state.Status)
	}
	if state.DeliveryStatus == nil || state.DeliveryStatus.Success {
		t.Errorf("Expected recorded delivery failure, got %+v", state.DeliveryStatus)
	}
}

func TestRunAnalysisInvalidProfile(t *testing.T) {
	fixture := newOrchestratorFixture()
	orchestrator := fixture.build(t)

	_, err := orchestrator.RunAnalysis(context.Background(), models.BusinessProfile{}, nil)
	if err == nil {
		t.Fatal("Expected validation error")
	}

	var appErr *models.AppError
	if !errors.As(err, &appErr) || appErr.Kind != models.KindValidation {
		t.Errorf("Expected validation failure, got %v", err)
	}
}

func TestRunAnalysisPersistsFailedState(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.config.StageAttempts = 1
	fixture.search.search = func(ctx context.Context, keywords []string) ([]models.SearchResult, error) {
		return nil, models.NewTransientError("TAVILY_UNAVAILABLE", "upstream down")
	}

	orchestrator := fixture.build(t)
	state, err := orchestrator.RunAnalysis(context.Background(), pipelineProfile(), nil)
	if err == nil {
		t.Fatal("Expected run to fail")
	}

	stored, getErr := orchestrator.GetAnalysis(context.Background(), state.ID)
	if getErr != nil {
		t.Fatalf("Failed state must remain retrievable: %v", getErr)
	}
	if !stored.IsFailed() || stored.FailedStage != services.StageSearch {
		t.Errorf("Expected persisted failure at search, got status=%s stage=%s", stored.Status, stored.FailedStage)
	}
	if stored.FailureCause == "" {
		t.Error("Expected persisted failure cause")
	}
}

func TestRunAnalysisPublishesStageUpdates(t *testing.T) {
	fixture := newOrchestratorFixture()
	orchestrator := fixture.build(t)

	if _, err := orchestrator.RunAnalysis(context.Background(), pipelineProfile(), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, stage := range []string{
		services.StageAnalyze,
		services.StageSearch,
		services.StageClassify,
		services.StagePrioritize,
		services.StageChecklist,
		services.StageRisk,
		services.StagePlan,
		services.StageReport,
		services.StageNotify,
	} {
		updates := fixture.store.updatesFor(stage)
		completed := false
		for _, u := range updates {
			if u.Status == "completed" {
				completed = true
			}
		}
		if !completed {
			t.Errorf("Expected a completed update for stage %s, got %d updates", stage, len(updates))
		}
	}
}

func TestGetAnalysisDuringActiveRun(t *testing.T) {
	fixture := newOrchestratorFixture()

	started := make(chan struct{})
	release := make(chan struct{})
	fixture.search.search = func(ctx context.Context, keywords []string) ([]models.SearchResult, error) {
		close(started)
		<-release
		return []models.SearchResult{{SourceID: "SRC-001", Title: "문서", URL: "https://law.example/1"}}, nil
	}

	orchestrator := fixture.build(t)
	analysisID, err := orchestrator.StartAnalysis(pipelineProfile(), nil)
	if err != nil {
		t.Fatalf("Failed to start analysis: %v", err)
	}

	<-started

	// The run goroutine is parked inside the search stage; reads must be
	// served from the persisted snapshot, never the live record.
	state, err := orchestrator.GetAnalysis(context.Background(), analysisID)
	if err != nil {
		t.Fatalf("Expected a snapshot for the active run: %v", err)
	}
	if state.Status != models.AnalysisStatusRunning {
		t.Errorf("Expected running status mid-flight, got %s", state.Status)
	}
	if len(state.Keywords) != 3 {
		t.Errorf("Expected analyze results in the snapshot, got %d keywords", len(state.Keywords))
	}

	close(release)

	deadline := time.After(5 * time.Second)
	for {
		state, err = orchestrator.GetAnalysis(context.Background(), analysisID)
		if err == nil && (state.IsCompleted() || state.IsFailed()) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Run did not finish in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !state.IsCompleted() {
		t.Errorf("Expected completed run, got %s", state.Status)
	}
}

func TestGetAnalysisUnknownID(t *testing.T) {
	fixture := newOrchestratorFixture()
	orchestrator := fixture.build(t)

	_, err := orchestrator.GetAnalysis(context.Background(), "missing-id")
	if !errors.Is(err, models.ErrAnalysisNotFound) {
		t.Errorf("Expected ErrAnalysisNotFound, got %v", err)
	}
}
