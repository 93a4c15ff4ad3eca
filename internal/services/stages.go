package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"regtech-pipeline/internal/models"
)

func runAnalyzeStage(ctx context.Context, executor *AnalysisExecutor, snapshot models.PipelineState) (*models.StagePatch, error) {
	keywords, err := executor.orchestrator.completion.ExtractKeywords(ctx, snapshot.Profile)
	if err != nil {
		return nil, err
	}
	return &models.StagePatch{Keywords: keywords}, nil
}

func runSearchStage(ctx context.Context, executor *AnalysisExecutor, snapshot models.PipelineState) (*models.StagePatch, error) {
	results, err := executor.orchestrator.search.SearchRegulations(ctx, snapshot.Keywords)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []models.SearchResult{}
	}
	return &models.StagePatch{SearchResults: results}, nil
}

func runClassifyStage(ctx context.Context, executor *AnalysisExecutor, snapshot models.PipelineState) (*models.StagePatch, error) {
	regulations, err := executor.orchestrator.completion.ClassifyRegulations(ctx, snapshot.Profile, snapshot.SearchResults)
	if err != nil {
		return nil, err
	}
	if regulations == nil {
		regulations = []models.Regulation{}
	}
	for _, reg := range regulations {
		if len(reg.Citations) == 0 {
			return nil, models.NewIntegrityError("REGULATION_NO_CITATION",
				fmt.Sprintf("regulation %s classified without citations", reg.ID))
		}
	}
	return &models.StagePatch{Regulations: regulations}, nil
}

func runPrioritizeStage(ctx context.Context, executor *AnalysisExecutor, snapshot models.PipelineState) (*models.StagePatch, error) {
	regulations, err := executor.orchestrator.completion.PrioritizeRegulations(ctx, snapshot.Profile, snapshot.Regulations)
	if err != nil {
		return nil, err
	}
	for i := range regulations {
		if !models.ValidPriority(regulations[i].Priority) {
			regulations[i].Priority = models.PriorityMedium
		}
	}
	return &models.StagePatch{Regulations: regulations}, nil
}

// defaultDeadlineMonths is the fallback offset per priority when the
// model's deadline is missing or unparseable: the midpoint of the
// allowed window (HIGH 1-3, MEDIUM 3-6, LOW 6-12 months).
var defaultDeadlineMonths = map[models.Priority]int{
	models.PriorityHigh:   2,
	models.PriorityMedium: 4,
	models.PriorityLow:    9,
}

func normalizeDeadline(deadline string, priority models.Priority, now time.Time) string {
	if _, err := time.Parse("2006-01-02", deadline); err == nil {
		return deadline
	}
	months, ok := defaultDeadlineMonths[priority]
	if !ok {
		months = defaultDeadlineMonths[models.PriorityMedium]
	}
	return now.AddDate(0, months, 0).Format("2006-01-02")
}

func runChecklistStage(ctx context.Context, executor *AnalysisExecutor, snapshot models.PipelineState) (*models.StagePatch, error) {
	now := executor.orchestrator.Clock()
	checklists := []models.ChecklistItem{}

	for _, reg := range snapshot.Regulations {
		items, err := executor.orchestrator.completion.GenerateChecklist(ctx, reg, now)
		if err != nil {
			return nil, err
		}
		for i := range items {
			items[i].Deadline = normalizeDeadline(items[i].Deadline, reg.Priority, now)
			if items[i].Status == "" {
				items[i].Status = models.ChecklistPending
			}
		}
		checklists = append(checklists, items...)
	}

	return &models.StagePatch{Checklists: checklists}, nil
}

func runRiskStage(ctx context.Context, executor *AnalysisExecutor, snapshot models.PipelineState) (*models.StagePatch, error) {
	items := make([]models.RiskItem, 0, len(snapshot.Regulations))

	for _, reg := range snapshot.Regulations {
		item, err := executor.orchestrator.completion.AssessRisk(ctx, reg, snapshot.Profile)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	assessment := aggregateRisk(items, snapshot.Regulations)
	return &models.StagePatch{RiskAssessment: assessment}, nil
}

// aggregateRisk derives the run-level assessment from per-regulation
// items: mean score rounded to two decimals, 7.0 as the high-risk bar,
// and the priority-labelled matrix buckets.
func aggregateRisk(items []models.RiskItem, regulations []models.Regulation) *models.RiskAssessment {
	assessment := &models.RiskAssessment{
		Items:      items,
		RiskMatrix: map[string][]models.RiskItem{"HIGH": {}, "MEDIUM": {}, "LOW": {}},
	}

	var sum float64
	for _, item := range items {
		sum += item.RiskScore
		switch {
		case item.RiskScore >= 7.0:
			assessment.HighRiskItems = append(assessment.HighRiskItems, item)
			assessment.RiskMatrix["HIGH"] = append(assessment.RiskMatrix["HIGH"], item)
		case item.RiskScore >= 4.0:
			assessment.RiskMatrix["MEDIUM"] = append(assessment.RiskMatrix["MEDIUM"], item)
		default:
			assessment.RiskMatrix["LOW"] = append(assessment.RiskMatrix["LOW"], item)
		}
	}

	if len(items) > 0 {
		assessment.TotalRiskScore = math.Round(sum/float64(len(items))*100) / 100
	}

	if len(assessment.HighRiskItems) > 0 {
		assessment.Recommendations = append(assessment.Recommendations,
			fmt.Sprintf("고위험 규제 %d개 - 즉시 준수 조치 시작 필요", len(assessment.HighRiskItems)))
	}
	if assessment.TotalRiskScore >= 7.0 {
		assessment.Recommendations = append(assessment.Recommendations, "배상책임보험 가입 강력 권장")
	}
	highPriority := 0
	for _, reg := range regulations {
		if reg.Priority == models.PriorityHigh {
			highPriority++
		}
	}
	if highPriority > 0 {
		assessment.Recommendations = append(assessment.Recommendations,
			fmt.Sprintf("HIGH 우선순위 규제 %d개 - 사업 개시 전 필수 완료", highPriority))
	}
	assessment.Recommendations = append(assessment.Recommendations, "월 1회 준수 현황 점검 체계 수립 권장")

	return assessment
}

func runPlanStage(ctx context.Context, executor *AnalysisExecutor, snapshot models.PipelineState) (*models.StagePatch, error) {
	plans := []models.ExecutionPlan{}

	for _, reg := range snapshot.Regulations {
		items := checklistsForRegulation(snapshot.Checklists, reg.ID)
		if len(items) == 0 {
			continue
		}

		taskIDs := make([]string, len(items))
		for i := range items {
			taskIDs[i] = fmt.Sprintf("%d", i+1)
		}

		draft, err := executor.orchestrator.completion.PlanExecution(ctx, reg, items)
		if err != nil {
			return nil, err
		}

		dependencies := sanitizeDependencies(draft.Dependencies, taskIDs)
		if err := detectCycle(taskIDs, dependencies); err != nil {
			return nil, err
		}

		evidence := mergeItemEvidence(items)

		plans = append(plans, models.ExecutionPlan{
			PlanID:         fmt.Sprintf("PLAN-%03d", len(plans)+1),
			RegulationID:   reg.ID,
			RegulationName: reg.Name,
			TaskIDs:        taskIDs,
			Timeline:       orDefault(draft.Timeline, "3개월"),
			StartDate:      orDefault(draft.StartDate, defaultStartDate(reg.Priority)),
			Milestones:     draft.ModelMilestones(),
			Dependencies:   dependencies,
			ParallelGroups: sanitizeParallelGroups(draft.ParallelTasks, taskIDs),
			CriticalPath:   criticalPath(taskIDs, dependencies),
			Evidence:       evidence,
		})
	}

	return &models.StagePatch{ExecutionPlans: plans}, nil
}

func defaultStartDate(priority models.Priority) string {
	switch priority {
	case models.PriorityHigh:
		return "즉시"
	case models.PriorityMedium:
		return "1개월 내"
	default:
		return "3개월 내"
	}
}

func mergeItemEvidence(items []models.ChecklistItem) []models.Citation {
	seen := map[string]bool{}
	var merged []models.Citation
	for _, item := range items {
		for _, c := range item.Evidence {
			if c.SourceID == "" || seen[c.SourceID] {
				continue
			}
			seen[c.SourceID] = true
			merged = append(merged, c)
		}
	}
	return merged
}

func runReportStage(ctx context.Context, executor *AnalysisExecutor, snapshot models.PipelineState) (*models.StagePatch, error) {
	report, err := executor.orchestrator.reports.BuildReport(ctx, &snapshot)
	if err != nil {
		return nil, err
	}
	return &models.StagePatch{FinalReport: report}, nil
}

func runNotifyStage(ctx context.Context, executor *AnalysisExecutor, snapshot models.PipelineState) (*models.StagePatch, error) {
	status := executor.orchestrator.notifier.SendReport(ctx, &snapshot)
	return &models.StagePatch{DeliveryStatus: status}, nil
}
