package services

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"regtech-pipeline/internal/config"
	"regtech-pipeline/internal/models"
	"regtech-pipeline/internal/pkg/logger"
)

// ReportService assembles the final report from completed analysis state.
// Assembly is fully deterministic: same state plus same clock yields a
// byte-identical markdown document. Only PDF rendering touches the outside
// world, and its failure degrades to the HTML artifact.
type ReportService struct {
	config config.ReportConfig
	logger *logger.Logger

	// Clock supplies the generation timestamp. Tests pin it.
	Clock func() time.Time
}

func NewReportService(cfg config.ReportConfig, log *logger.Logger) *ReportService {
	return &ReportService{
		config: cfg,
		logger: log,
		Clock:  time.Now,
	}
}

var priorityIcons = map[models.Priority]string{
	models.PriorityHigh:   "🔴",
	models.PriorityMedium: "🟡",
	models.PriorityLow:    "🟢",
}

// categoryOrder fixes section ordering regardless of map iteration.
var categoryOrder = []models.Category{
	models.CategorySafetyEnv,
	models.CategoryProductCert,
	models.CategoryFactoryOps,
}

// BuildReport renders the full markdown report plus the structured
// summary fields, then persists the JSON, markdown, HTML and PDF
// artifacts under the configured output directory.
func (service *ReportService) BuildReport(ctx context.Context, state *models.PipelineState) (*models.FinalReport, error) {
	startTime := time.Now()

	if state.RiskAssessment == nil {
		return nil, models.NewIntegrityError("REPORT_MISSING_RISK", "risk assessment missing at report stage")
	}

	priorityCount := map[models.Priority]int{}
	categoryCount := map[models.Category]int{}
	for _, reg := range state.Regulations {
		priorityCount[reg.Priority]++
		categoryCount[reg.Category]++
	}

	highRisk := state.RiskAssessment.HighRiskItems
	totalRisk := state.RiskAssessment.TotalRiskScore
	citations := service.mergeCitations(state)

	markdown := service.renderMarkdown(state, priorityCount, categoryCount, citations)
	executiveSummary := service.renderExecutiveSummary(state, priorityCount)
	keyInsights := buildKeyInsights(len(state.Regulations), priorityCount[models.PriorityHigh], totalRisk)
	riskHighlights := buildRiskHighlights(highRisk)
	nextSteps := buildNextSteps(priorityCount[models.PriorityHigh])

	report := &models.FinalReport{
		ExecutiveSummary: executiveSummary,
		KeyInsights:      keyInsights,
		RiskHighlights:   riskHighlights,
		NextSteps:        nextSteps,
		FullMarkdown:     markdown,
		Citations:        citations,
	}

	if err := service.persistArtifacts(ctx, state, report); err != nil {
		return nil, err
	}

	service.logger.LogService("report", "build_report", time.Since(startTime), map[string]interface{}{
		"analysis_id":    state.ID,
		"markdown_bytes": len(markdown),
		"citations":      len(citations),
	}, nil)

	return report, nil
}

func (service *ReportService) renderMarkdown(
	state *models.PipelineState,
	priorityCount map[models.Priority]int,
	categoryCount map[models.Category]int,
	citations []models.Citation,
) string {
	var b strings.Builder
	profile := state.Profile
	risk := state.RiskAssessment

	fmt.Fprintf(&b, "# 규제 준수 분석 통합 보고서\n\n> 생성일: %s\n\n---\n\n", service.Clock().Format("2006년 01월 02일"))

	b.WriteString("## 1. 사업 정보\n\n| 항목 | 내용 |\n|------|------|\n")
	fmt.Fprintf(&b, "| **업종** | %s |\n", profile.Industry)
	fmt.Fprintf(&b, "| **제품명** | %s |\n", profile.ProductName)
	fmt.Fprintf(&b, "| **원자재** | %s |\n", profile.RawMaterials)
	fmt.Fprintf(&b, "| **제조 공정** | %s |\n", strings.Join(profile.Processes, ", "))
	fmt.Fprintf(&b, "| **직원 수** | %d명 |\n", profile.EmployeeCount)
	fmt.Fprintf(&b, "| **판매 방식** | %s |\n\n---\n\n", strings.Join(profile.SalesChannels, ", "))

	b.WriteString("## 2. 분석 요약\n\n### 2.1 규제 현황\n")
	fmt.Fprintf(&b, "- **총 규제 개수**: %d개\n", len(state.Regulations))
	b.WriteString("- **우선순위 분포**:\n")
	fmt.Fprintf(&b, "  - 🔴 HIGH: %d개 (즉시 조치 필요)\n", priorityCount[models.PriorityHigh])
	fmt.Fprintf(&b, "  - 🟡 MEDIUM: %d개 (1-3개월 내 조치)\n", priorityCount[models.PriorityMedium])
	fmt.Fprintf(&b, "  - 🟢 LOW: %d개 (6개월 내 조치)\n", priorityCount[models.PriorityLow])
	b.WriteString("- **카테고리 분포**:\n")
	for _, cat := range categoryOrder {
		if count, ok := categoryCount[cat]; ok {
			fmt.Fprintf(&b, "  - %s: %d개\n", cat, count)
		}
	}

	b.WriteString("\n### 2.2 리스크 평가\n")
	fmt.Fprintf(&b, "- **전체 리스크 점수**: %.1f/10\n", risk.TotalRiskScore)
	fmt.Fprintf(&b, "- **고위험 규제**: %d개\n", len(risk.HighRiskItems))
	fmt.Fprintf(&b, "- **즉시 조치 필요**: %d개\n\n---\n\n", priorityCount[models.PriorityHigh])

	b.WriteString("## 3. 규제 목록 및 분류\n")
	sectionIdx := 0
	for _, cat := range categoryOrder {
		regs := regulationsInCategory(state.Regulations, cat)
		if len(regs) == 0 {
			continue
		}
		sectionIdx++
		fmt.Fprintf(&b, "\n### 3.%d %s\n\n", sectionIdx, cat)
		for j, reg := range regs {
			fmt.Fprintf(&b, "#### 3.%d.%d %s %s\n\n", sectionIdx, j+1, priorityIcons[reg.Priority], reg.Name)
			fmt.Fprintf(&b, "**우선순위:** %s\n**관할 기관:** %s\n**적용 이유:** %s\n\n", reg.Priority, reg.Authority, reg.WhyApplicable)
			b.WriteString("**주요 요구사항:**\n\n")
			for _, req := range reg.KeyRequirements {
				fmt.Fprintf(&b, "- %s\n", req)
			}
			b.WriteString("\n")
			if len(reg.Citations) > 0 {
				b.WriteString("**근거 출처:**\n\n")
				for _, src := range reg.Citations {
					b.WriteString("  - " + formatCitation(src) + "\n")
				}
				b.WriteString("\n")
			}
		}
	}

	b.WriteString("\n---\n\n## 4. 실행 체크리스트\n\n")
	for i, reg := range state.Regulations {
		items := checklistsForRegulation(state.Checklists, reg.ID)
		if len(items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "### 4.%d %s %s\n\n", i+1, priorityIcons[reg.Priority], reg.Name)
		for _, item := range items {
			fmt.Fprintf(&b, "- [ ] **%s**\n  - 담당: %s\n  - 마감: %s\n\n", item.TaskName, item.ResponsibleDept, item.Deadline)
		}
	}

	b.WriteString("\n---\n\n## 5. 실행 계획 및 타임라인\n\n")
	for i, plan := range state.ExecutionPlans {
		priority := models.PriorityMedium
		for _, reg := range state.Regulations {
			if reg.ID == plan.RegulationID {
				priority = reg.Priority
				break
			}
		}
		fmt.Fprintf(&b, "### 5.%d %s %s\n\n", i+1, priorityIcons[priority], plan.RegulationName)
		fmt.Fprintf(&b, "**타임라인:** %s  \n**시작 예정:** %s  \n\n", plan.Timeline, plan.StartDate)
		if len(plan.Milestones) > 0 {
			b.WriteString("**주요 마일스톤:**\n\n")
			for _, m := range plan.Milestones {
				fmt.Fprintf(&b, "- %s (완료 목표: %s)\n", m.Name, m.Deadline)
			}
			b.WriteString("\n")
		}
		if len(plan.CriticalPath) > 0 {
			fmt.Fprintf(&b, "**크리티컬 패스:** %s\n\n", strings.Join(plan.CriticalPath, " → "))
		}
	}

	b.WriteString("\n---\n\n## 6. 리스크 평가\n\n### 6.1 전체 리스크 평가\n\n")
	fmt.Fprintf(&b, "**전체 리스크 점수:** %.1f/10\n\n", risk.TotalRiskScore)
	fmt.Fprintf(&b, "**리스크 수준:** %s\n\n", riskLevelLabel(risk.TotalRiskScore))

	if len(risk.HighRiskItems) > 0 {
		b.WriteString("### 6.2 고위험 규제 (상위 5개)\n\n")
		top := risk.HighRiskItems
		if len(top) > 5 {
			top = top[:5]
		}
		for _, item := range top {
			fmt.Fprintf(&b, "#### %s\n\n", item.RegulationName)
			fmt.Fprintf(&b, "**리스크 점수:** %.1f/10\n\n", item.RiskScore)
			fmt.Fprintf(&b, "**처벌 유형:** %s\n\n", item.PenaltyType)
			fmt.Fprintf(&b, "**사업 영향:** %s\n\n", item.BusinessImpact)
		}
	}

	if len(risk.Recommendations) > 0 {
		b.WriteString("### 6.3 권장 사항\n\n")
		for _, rec := range risk.Recommendations {
			fmt.Fprintf(&b, "- %s\n", rec)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\n---\n\n## 7. 경영진 요약\n\n%s\n", service.renderExecutiveSummary(state, priorityCount))

	b.WriteString("\n---\n\n## 8. 다음 단계\n\n")
	for _, step := range buildNextSteps(priorityCount[models.PriorityHigh]) {
		fmt.Fprintf(&b, "- %s\n", step)
	}

	if len(citations) > 0 {
		b.WriteString("\n---\n\n## 9. 근거 출처 모음\n\n")
		for _, c := range citations {
			b.WriteString("  - " + formatCitation(c) + "\n")
		}
	}

	b.WriteString("\n---\n\n## 면책 조항\n\n")
	b.WriteString("> 본 보고서는 AI 기반 분석 도구로 생성된 참고 자료입니다. ")
	b.WriteString("실제 규제 준수 여부는 반드시 전문가의 검토를 받으시기 바랍니다. ")
	b.WriteString("본 보고서 내용으로 인한 법적 책임은 사용자에게 있습니다.\n")

	return b.String()
}

func (service *ReportService) renderExecutiveSummary(state *models.PipelineState, priorityCount map[models.Priority]int) string {
	risk := state.RiskAssessment
	var b strings.Builder

	b.WriteString("### 핵심 인사이트\n")
	fmt.Fprintf(&b, "- 총 %d개 규제가 적용 대상으로 식별되었습니다 (HIGH %d / MEDIUM %d / LOW %d).\n",
		len(state.Regulations),
		priorityCount[models.PriorityHigh],
		priorityCount[models.PriorityMedium],
		priorityCount[models.PriorityLow])
	fmt.Fprintf(&b, "- 전체 리스크 점수는 %.1f/10이며 고위험 규제는 %d개입니다.\n", risk.TotalRiskScore, len(risk.HighRiskItems))
	fmt.Fprintf(&b, "- 실행 체크리스트 %d건과 실행 계획 %d건이 수립되었습니다.\n\n", len(state.Checklists), len(state.ExecutionPlans))

	b.WriteString("### 권장 조치 (우선순위 순)\n")
	fmt.Fprintf(&b, "1. **즉시:** HIGH 우선순위 %d개 규제 준수 조치 착수\n", priorityCount[models.PriorityHigh])
	b.WriteString("2. **1개월 내:** 담당 부서 지정 및 실행 일정 확정\n")
	b.WriteString("3. **3개월 내:** 준수 현황 점검 체계 구축\n")

	return b.String()
}

func buildKeyInsights(totalRegulations, highPriority int, totalRisk float64) []string {
	riskNote := "전문가 컨설팅 권장"
	if totalRisk >= 7.0 {
		riskNote = "즉각 대응 필요"
	}
	return []string{
		fmt.Sprintf("총 %d개 규제 적용 대상 - 체계적 준수 관리 필요", totalRegulations),
		fmt.Sprintf("HIGH 우선순위 %d개 규제는 사업 개시 전 필수 완료", highPriority),
		fmt.Sprintf("전체 리스크 점수 %.1f/10 - %s", totalRisk, riskNote),
	}
}

func buildRiskHighlights(highRisk []models.RiskItem) []string {
	top := highRisk
	if len(top) > 3 {
		top = top[:3]
	}
	highlights := make([]string, 0, len(top))
	for _, item := range top {
		penalty := orDefault(item.PenaltyType, "제재 정보 없음")
		impact := orDefault(item.BusinessImpact, "영향 정보 미기재")
		highlights = append(highlights, fmt.Sprintf("%s 미준수 시 %s - %s", item.RegulationName, penalty, impact))
	}
	return highlights
}

func buildNextSteps(highPriority int) []string {
	return []string{
		fmt.Sprintf("**1단계 (즉시):** HIGH 우선순위 %d개 규제 착수", highPriority),
		"**2단계 (1주일 내):** 담당 부서 및 책임자 지정",
		"**3단계 (2주일 내):** 상세 실행 일정 확정 및 예산 승인",
		"**4단계 (1개월):** 월 단위 진행 상황 모니터링 체계 구축",
		"**5단계 (분기별):** 전문가 검토 및 보완",
	}
}

func riskLevelLabel(score float64) string {
	switch {
	case score >= 8:
		return "매우 높음"
	case score >= 6:
		return "높음"
	default:
		return "중간"
	}
}

func regulationsInCategory(regulations []models.Regulation, cat models.Category) []models.Regulation {
	var out []models.Regulation
	for _, reg := range regulations {
		if reg.Category == cat {
			out = append(out, reg)
		}
	}
	return out
}

func checklistsForRegulation(items []models.ChecklistItem, regulationID string) []models.ChecklistItem {
	var out []models.ChecklistItem
	for _, item := range items {
		if item.RegulationID == regulationID {
			out = append(out, item)
		}
	}
	return out
}

func formatCitation(c models.Citation) string {
	title := orDefault(c.Title, c.SourceID)
	if c.URL == "" {
		return fmt.Sprintf("%s (%s)", title, c.SourceID)
	}
	return fmt.Sprintf("[%s](%s) (%s)", title, c.URL, c.SourceID)
}

// mergeCitations collects every citation in the run, deduplicated by
// source id, in first-appearance order so output stays stable.
func (service *ReportService) mergeCitations(state *models.PipelineState) []models.Citation {
	seen := map[string]bool{}
	var merged []models.Citation

	add := func(citations []models.Citation) {
		for _, c := range citations {
			if c.SourceID == "" || seen[c.SourceID] {
				continue
			}
			seen[c.SourceID] = true
			merged = append(merged, c)
		}
	}

	for _, reg := range state.Regulations {
		add(reg.Citations)
	}
	for _, item := range state.Checklists {
		add(item.Evidence)
	}
	for _, plan := range state.ExecutionPlans {
		add(plan.Evidence)
	}
	if state.RiskAssessment != nil {
		for _, item := range state.RiskAssessment.Items {
			add(item.Evidence)
		}
	}
	return merged
}

func (service *ReportService) persistArtifacts(ctx context.Context, state *models.PipelineState, report *models.FinalReport) error {
	if err := os.MkdirAll(service.config.OutputDir, 0o755); err != nil {
		return models.NewInternalError("REPORT_DIR", "failed to create report directory").WithCause(err)
	}

	jsonPath := filepath.Join(service.config.OutputDir, fmt.Sprintf("analysis_%s.json", state.ID))
	snapshot := state.Snapshot()
	snapshot.FinalReport = report
	data, err := json.MarshalIndent(&snapshot, "", "  ")
	if err != nil {
		return models.NewInternalError("REPORT_JSON", "failed to marshal analysis snapshot").WithCause(err)
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return models.NewInternalError("REPORT_JSON_WRITE", "failed to write analysis snapshot").WithCause(err)
	}
	report.ReportJSONPath = jsonPath

	mdPath := filepath.Join(service.config.OutputDir, fmt.Sprintf("report_%s.md", state.ID))
	if err := os.WriteFile(mdPath, []byte(report.FullMarkdown), 0o644); err != nil {
		return models.NewInternalError("REPORT_MD_WRITE", "failed to write markdown report").WithCause(err)
	}

	htmlPath := filepath.Join(service.config.OutputDir, fmt.Sprintf("report_%s.html", state.ID))
	htmlDoc := wrapHTML(report.FullMarkdown)
	if err := os.WriteFile(htmlPath, []byte(htmlDoc), 0o644); err != nil {
		return models.NewInternalError("REPORT_HTML_WRITE", "failed to write HTML report").WithCause(err)
	}
	report.ReportHTMLPath = htmlPath

	if !service.config.RenderPDF {
		return nil
	}

	pdfPath := filepath.Join(service.config.OutputDir, fmt.Sprintf("report_%s.pdf", state.ID))
	if err := service.renderPDF(ctx, htmlPath, pdfPath); err != nil {
		service.logger.WithError(err).Warn("PDF rendering failed, keeping HTML artifact", "analysis_id", state.ID)
		return nil
	}
	report.ReportPDFPath = pdfPath
	return nil
}

// wrapHTML embeds the markdown in a printable HTML shell. The markdown is
// shown preformatted; browsers render it well enough for the PDF printer.
func wrapHTML(markdown string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="ko">
<head>
<meta charset="utf-8">
<title>규제 준수 분석 보고서</title>
<style>
body { font-family: 'Apple SD Gothic Neo', 'Malgun Gothic', sans-serif; margin: 40px; color: #1f2937; }
pre { white-space: pre-wrap; word-break: break-word; font-family: inherit; font-size: 14px; line-height: 1.7; }
</style>
</head>
<body>
<pre>%s</pre>
</body>
</html>`, html.EscapeString(markdown))
}

func (service *ReportService) renderPDF(ctx context.Context, htmlPath, pdfPath string) error {
	absPath, err := filepath.Abs(htmlPath)
	if err != nil {
		return err
	}

	pdfCtx, cancel := context.WithTimeout(ctx, service.config.PDFTimeout)
	defer cancel()

	allocCtx, allocCancel := chromedp.NewExecAllocator(pdfCtx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
		)...,
	)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	var pdf []byte
	err = chromedp.Run(browserCtx,
		chromedp.Navigate("file://"+absPath),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var printErr error
			pdf, _, printErr = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.27).
				WithPaperHeight(11.69).
				Do(ctx)
			return printErr
		}),
	)
	if err != nil {
		return fmt.Errorf("chromedp print failed: %w", err)
	}

	return os.WriteFile(pdfPath, pdf, 0o644)
}
