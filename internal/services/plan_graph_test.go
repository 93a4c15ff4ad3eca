package services

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"regtech-pipeline/internal/config"
	"regtech-pipeline/internal/models"
)

func TestSanitizeDependencies(t *testing.T) {
	taskIDs := []string{"1", "2", "3"}
	deps := map[string][]string{
		"2": {"1", "7"}, // 7 is not a known task
		"3": {"3", "2"}, // self-edge dropped
		"9": {"1"},      // unknown task dropped entirely
	}

	sanitized := sanitizeDependencies(deps, taskIDs)

	want := map[string][]string{
		"2": {"1"},
		"3": {"2"},
	}
	if !reflect.DeepEqual(sanitized, want) {
		t.Errorf("Expected %v, got %v", want, sanitized)
	}
}

func TestSanitizeParallelGroups(t *testing.T) {
	taskIDs := []string{"1", "2", "3"}
	groups := [][]string{
		{"1", "2"},
		{"3", "9"}, // shrinks to a single task, dropped
		{"7"},
	}

	sanitized := sanitizeParallelGroups(groups, taskIDs)

	if len(sanitized) != 1 || !reflect.DeepEqual(sanitized[0], []string{"1", "2"}) {
		t.Errorf("Expected one surviving group [1 2], got %v", sanitized)
	}
}

func TestDetectCycleAcyclic(t *testing.T) {
	taskIDs := []string{"1", "2", "3", "4"}
	deps := map[string][]string{
		"2": {"1"},
		"3": {"1"},
		"4": {"2", "3"},
	}

	if err := detectCycle(taskIDs, deps); err != nil {
		t.Errorf("Expected acyclic graph to pass, got %v", err)
	}
}

func TestDetectCycleFails(t *testing.T) {
	taskIDs := []string{"1", "2", "3"}
	deps := map[string][]string{
		"1": {"3"},
		"2": {"1"},
		"3": {"2"},
	}

	err := detectCycle(taskIDs, deps)
	if err == nil {
		t.Fatal("Expected cycle to be detected")
	}

	var appErr *models.AppError
	if !errors.As(err, &appErr) || appErr.Code != "PLAN_CYCLE" {
		t.Errorf("Expected PLAN_CYCLE integrity error, got %v", err)
	}
}

func TestCriticalPathLongestChain(t *testing.T) {
	taskIDs := []string{"1", "2", "3", "4"}
	deps := map[string][]string{
		"2": {"1"},
		"3": {"2"},
		"4": {"1"},
	}

	path := criticalPath(taskIDs, deps)

	if !reflect.DeepEqual(path, []string{"1", "2", "3"}) {
		t.Errorf("Expected path [1 2 3], got %v", path)
	}
}

func TestCriticalPathDeterministicTieBreak(t *testing.T) {
	// Two chains of equal length; the smaller task id must win every time.
	taskIDs := []string{"1", "2", "3", "4"}
	deps := map[string][]string{
		"2": {"1"},
		"4": {"3"},
	}

	first := criticalPath(taskIDs, deps)
	for i := 0; i < 10; i++ {
		if next := criticalPath(taskIDs, deps); !reflect.DeepEqual(first, next) {
			t.Fatalf("Non-deterministic path: %v vs %v", first, next)
		}
	}
	if !reflect.DeepEqual(first, []string{"1", "2"}) {
		t.Errorf("Expected tie to break toward [1 2], got %v", first)
	}
}

func TestCriticalPathNoDependencies(t *testing.T) {
	path := criticalPath([]string{"1", "2"}, nil)
	if !reflect.DeepEqual(path, []string{"1"}) {
		t.Errorf("Expected single-task path [1], got %v", path)
	}
}

func TestValidateOwnershipRejectsUnownedField(t *testing.T) {
	def := stageDef{name: StageAnalyze, owns: []models.StateField{models.FieldKeywords}}
	patch := &models.StagePatch{
		Keywords:    []string{"배터리"},
		Regulations: []models.Regulation{},
	}

	err := validateOwnership(def, patch)
	if err == nil {
		t.Fatal("Expected ownership violation")
	}

	var failure *models.StageFailure
	if !errors.As(err, &failure) || failure.Stage != StageAnalyze {
		t.Errorf("Expected stage failure for analyze, got %v", err)
	}
	var appErr *models.AppError
	if !errors.As(err, &appErr) || appErr.Code != "STAGE_OWNERSHIP" {
		t.Errorf("Expected STAGE_OWNERSHIP, got %v", err)
	}
}

func TestValidateOwnershipAcceptsOwnedFields(t *testing.T) {
	def := stageDef{name: StageSearch, owns: []models.StateField{models.FieldSearchResults}}
	patch := &models.StagePatch{SearchResults: []models.SearchResult{}}

	if err := validateOwnership(def, patch); err != nil {
		t.Errorf("Expected owned patch to pass, got %v", err)
	}
}

func TestNormalizeDeadline(t *testing.T) {
	now := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)

	if got := normalizeDeadline("2026-11-15", models.PriorityHigh, now); got != "2026-11-15" {
		t.Errorf("Valid deadline must pass through, got %s", got)
	}
	if got := normalizeDeadline("", models.PriorityHigh, now); got != "2026-10-23" {
		t.Errorf("Expected HIGH fallback 2026-10-23, got %s", got)
	}
	if got := normalizeDeadline("다음 달까지", models.PriorityMedium, now); got != "2026-12-23" {
		t.Errorf("Expected MEDIUM fallback 2026-12-23, got %s", got)
	}
	if got := normalizeDeadline("", models.PriorityLow, now); got != "2027-05-23" {
		t.Errorf("Expected LOW fallback 2027-05-23, got %s", got)
	}
	if got := normalizeDeadline("", models.Priority("URGENT"), now); got != "2026-12-23" {
		t.Errorf("Unknown priority falls back to the MEDIUM window, got %s", got)
	}
}

func TestAggregateRisk(t *testing.T) {
	items := []models.RiskItem{
		{RegulationID: "REG-001", RiskScore: 8.5},
		{RegulationID: "REG-002", RiskScore: 5.0},
		{RegulationID: "REG-003", RiskScore: 2.0},
	}
	regulations := []models.Regulation{
		{ID: "REG-001", Priority: models.PriorityHigh},
		{ID: "REG-002", Priority: models.PriorityMedium},
		{ID: "REG-003", Priority: models.PriorityLow},
	}

	assessment := aggregateRisk(items, regulations)

	// (8.5 + 5.0 + 2.0) / 3 = 5.1666... rounds to 5.17.
	if assessment.TotalRiskScore != 5.17 {
		t.Errorf("Expected mean 5.17, got %f", assessment.TotalRiskScore)
	}
	if len(assessment.HighRiskItems) != 1 || assessment.HighRiskItems[0].RegulationID != "REG-001" {
		t.Errorf("Expected REG-001 as the only high risk item, got %v", assessment.HighRiskItems)
	}
	if len(assessment.RiskMatrix["HIGH"]) != 1 || len(assessment.RiskMatrix["MEDIUM"]) != 1 || len(assessment.RiskMatrix["LOW"]) != 1 {
		t.Errorf("Expected one item per matrix bucket, got %v", assessment.RiskMatrix)
	}
	if len(assessment.Recommendations) == 0 {
		t.Error("Expected recommendations for a high risk item")
	}
}

func TestAggregateRiskEmpty(t *testing.T) {
	assessment := aggregateRisk(nil, nil)

	if assessment.TotalRiskScore != 0 {
		t.Errorf("Expected zero score for empty input, got %f", assessment.TotalRiskScore)
	}
	for _, bucket := range []string{"HIGH", "MEDIUM", "LOW"} {
		if assessment.RiskMatrix[bucket] == nil {
			t.Errorf("Expected initialized %s bucket", bucket)
		}
	}
}

func TestRetryWaitCapped(t *testing.T) {
	orchestrator := &Orchestrator{
		config: config.PipelineConfig{
			RetryInterval:   2 * time.Second,
			RetryMultiplier: 2.0,
			MaxRetryWait:    30 * time.Second,
		},
	}

	if wait := orchestrator.retryWait(1); wait != 2*time.Second {
		t.Errorf("Expected first wait 2s, got %v", wait)
	}
	if wait := orchestrator.retryWait(2); wait != 4*time.Second {
		t.Errorf("Expected second wait 4s, got %v", wait)
	}
	if wait := orchestrator.retryWait(10); wait != 30*time.Second {
		t.Errorf("Expected capped wait 30s, got %v", wait)
	}
}
