package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"regtech-pipeline/internal/config"
	"regtech-pipeline/internal/models"
	"regtech-pipeline/internal/pkg/logger"
)

// GeminiService wraps the Gemini API for every reasoning step of the
// pipeline. All structured outputs go through parseJSON, which retries the
// model once with a stricter instruction before giving up.
type GeminiService struct {
	client *genai.Client
	config config.GeminiConfig
	logger *logger.Logger
	policy RetryPolicy
}

type GenerationRequest struct {
	Prompt         string
	SystemRole     string
	Temperature    *float32
	MaxTokens      int32
	ResponseFormat string
}

type GenerationResponse struct {
	Content        string
	FinishReason   string
	ProcessingTime time.Duration
}

func NewGeminiService(cfg config.GeminiConfig, log *logger.Logger) (*GeminiService, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("Gemini API key required")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	service := &GeminiService{
		client: client,
		config: cfg,
		logger: log,
		policy: DefaultRetryPolicy(),
	}

	log.Info("Gemini service initialized",
		"model", cfg.Model,
		"max_tokens", cfg.MaxTokens,
		"temperature", cfg.Temperature,
	)

	return service, nil
}

func (service *GeminiService) GenerateContent(ctx context.Context, request *GenerationRequest) (*GenerationResponse, error) {
	startTime := time.Now()

	response, err := RetryWithPolicy(ctx, service.policy, func() (*GenerationResponse, error) {
		return service.makeGenerationRequest(ctx, request)
	})
	if err != nil {
		service.logger.LogService("gemini", "generate_content", time.Since(startTime), map[string]interface{}{
			"prompt_length": len(request.Prompt),
		}, err)
		return nil, models.WrapExternalError("GEMINI", err)
	}

	duration := time.Since(startTime)
	response.ProcessingTime = duration

	service.logger.LogService("gemini", "generate_content", duration, map[string]interface{}{
		"prompt_length":   len(request.Prompt),
		"response_length": len(response.Content),
		"finish_reason":   response.FinishReason,
	}, nil)

	return response, nil
}

func (service *GeminiService) makeGenerationRequest(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error) {
	genCtx, cancel := context.WithTimeout(ctx, service.config.RequestTimeout)
	defer cancel()

	genConfig := &genai.GenerateContentConfig{}

	if req.SystemRole != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(req.SystemRole, genai.RoleUser)
	}

	if req.Temperature != nil {
		genConfig.Temperature = req.Temperature
	} else {
		temp := service.config.Temperature
		genConfig.Temperature = &temp
	}

	if req.MaxTokens != 0 {
		genConfig.MaxOutputTokens = req.MaxTokens
	} else {
		genConfig.MaxOutputTokens = service.config.MaxTokens
	}

	if req.ResponseFormat != "" {
		genConfig.ResponseMIMEType = req.ResponseFormat
	}

	result, err := service.client.Models.GenerateContent(genCtx, service.config.Model, genai.Text(req.Prompt), genConfig)
	if err != nil {
		if genCtx.Err() != nil {
			return nil, models.NewTimeoutError("GEMINI_TIMEOUT", "content generation timed out").WithCause(err)
		}
		return nil, models.NewTransientError("GEMINI_REQUEST", "content generation failed").WithCause(err)
	}

	if len(result.Candidates) == 0 {
		return nil, models.NewTransientError("GEMINI_EMPTY", "no response candidates generated")
	}

	candidate := result.Candidates[0]
	text := ""
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			text += part.Text
		}
	}

	return &GenerationResponse{
		Content:      text,
		FinishReason: string(candidate.FinishReason),
	}, nil
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
		content = strings.TrimSpace(content)
	}
	return content
}

// buildRepairPrompt composes the re-ask for an unparseable response. It
// restates the original request so the repair call carries the same
// schema instructions, not just the broken payload.
func buildRepairPrompt(original, invalid string, parseErr error) string {
	return fmt.Sprintf(
		"아래는 원래 요청입니다.\n\n%s\n\n이 요청에 대한 응답이 JSON 파싱에 실패했습니다. 오류: %v\n\n실패한 응답:\n%s\n\n원래 요청의 스키마를 그대로 따라, 설명 없이 유효한 JSON만 다시 출력하세요.",
		original, parseErr, invalid,
	)
}

// parseJSON unmarshals a model response into out. On parse failure it asks
// the model once more with the invalid payload and a stricter instruction;
// a second failure is a semantic fault and never retried.
func (service *GeminiService) parseJSON(ctx context.Context, req *GenerationRequest, out interface{}) error {
	resp, err := service.GenerateContent(ctx, req)
	if err != nil {
		return err
	}

	firstErr := json.Unmarshal([]byte(stripFences(resp.Content)), out)
	if firstErr == nil {
		return nil
	}

	service.logger.WithError(firstErr).Warn("Model returned invalid JSON, requesting repair")

	repairReq := &GenerationRequest{
		Prompt:         buildRepairPrompt(req.Prompt, resp.Content, firstErr),
		SystemRole:     req.SystemRole,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		ResponseFormat: "application/json",
	}

	repairResp, err := service.GenerateContent(ctx, repairReq)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(stripFences(repairResp.Content)), out); err != nil {
		return models.NewSemanticError("GEMINI_INVALID_JSON", "model produced unparseable JSON after repair").WithCause(err)
	}
	return nil
}

func lowTemp() *float32 {
	t := float32(0.0)
	return &t
}

// ExtractKeywords analyzes the business profile and extracts 5-7 search
// keywords. Output is a comma-separated list, not JSON.
func (service *GeminiService) ExtractKeywords(ctx context.Context, profile models.BusinessProfile) ([]string, error) {
	prompt := fmt.Sprintf(`다음 사업 정보를 분석하여 규제 검색에 필요한 핵심 키워드를 추출하세요.

업종: %s
제품명: %s
원자재: %s
제조 공정: %s
직원 수: %d
판매 방식: %s

규제와 관련된 키워드를 5-7개 추출하되, 다음을 포함해야 합니다:
- 제품/산업 관련 키워드
- 안전/환경 관련 키워드
- 인증/허가 관련 키워드

출력 형식: 키워드를 쉼표로 구분하여 나열하세요.
예시: 배터리, 화학물질, 산업안전, 제품인증, 유해물질`,
		profile.Industry,
		profile.ProductName,
		profile.RawMaterials,
		strings.Join(profile.Processes, ", "),
		profile.EmployeeCount,
		strings.Join(profile.SalesChannels, ", "),
	)

	resp, err := service.GenerateContent(ctx, &GenerationRequest{
		Prompt:      prompt,
		SystemRole:  "당신은 제조업 규제 분석 전문가입니다.",
		Temperature: lowTemp(),
		MaxTokens:   300,
	})
	if err != nil {
		return nil, err
	}

	var keywords []string
	for _, part := range strings.Split(resp.Content, ",") {
		keyword := strings.TrimSpace(part)
		keyword = strings.Trim(keyword, "\"'.")
		if keyword != "" {
			keywords = append(keywords, keyword)
		}
	}
	if len(keywords) == 0 {
		return nil, models.NewSemanticError("NO_KEYWORDS", "model extracted no keywords")
	}

	service.logger.LogService("gemini", "extract_keywords", resp.ProcessingTime, map[string]interface{}{
		"keyword_count": len(keywords),
	}, nil)

	return keywords, nil
}

type classifiedSource struct {
	SourceID string `json:"source_id"`
	Excerpt  string `json:"excerpt"`
}

type classifiedRegulation struct {
	Name            string             `json:"name"`
	Category        string             `json:"category"`
	WhyApplicable   string             `json:"why_applicable"`
	Authority       string             `json:"authority"`
	KeyRequirements []string           `json:"key_requirements"`
	ReferenceURL    string             `json:"reference_url"`
	Sources         []classifiedSource `json:"sources"`
}

// ClassifyRegulations derives applicable regulations from the search
// results. Every regulation is tied to at least one retrieved document;
// unsupported suggestions from the model are dropped.
func (service *GeminiService) ClassifyRegulations(ctx context.Context, profile models.BusinessProfile, results []models.SearchResult) ([]models.Regulation, error) {
	if len(results) == 0 {
		return []models.Regulation{}, nil
	}

	var summary strings.Builder
	limit := len(results)
	if limit > 5 {
		limit = 5
	}
	for _, r := range results[:limit] {
		fmt.Fprintf(&summary, "%s | %s\nURL: %s\n요약: %s\n\n", r.SourceID, r.Title, r.URL, r.Excerpt)
	}

	prompt := fmt.Sprintf(`다음 정보를 바탕으로 '검색 근거 기반' 규제 분류를 수행하세요.
검색 요약은 [문서ID]로 표기되며, 반드시 해당 ID를 사용해 출처를 지정해야 합니다.

[사업 정보]
업종: %s
제품: %s
원자재: %s
공정: %s
직원 수: %d명

[검색 요약]
%s

[생성 지침]
1) 검색 요약에 명시된 문서만 근거로 사용하고, 각 규제마다 1개 이상 출처를 연결합니다.
2) 5~7개의 규제를 제안하되, 신뢰할 수 있는 근거가 없으면 제외하세요.
3) category는 '안전/환경' | '제품 인증' | '공장 운영' 중 하나입니다.
4) key_requirements는 실행형 문장 2~4개.
5) reference_url은 선택한 출처 중 가장 공식적인 URL을 사용합니다.
6) 출력은 JSON 배열이며, 각 항목은 아래 스키마를 따릅니다.

[
  {
    "name": "규제명",
    "category": "안전/환경|제품 인증|공장 운영",
    "why_applicable": "이 사업에 적용되는 이유",
    "authority": "관할 기관",
    "key_requirements": ["요구사항1", "요구사항2"],
    "reference_url": "https://...",
    "sources": [
      {"source_id": "SRC-001", "excerpt": "출처에서 인용한 근거 문장"}
    ]
  }
]

JSON 이외 텍스트를 출력하지 말고, sources 배열은 최대 3개까지 포함하세요.`,
		profile.Industry,
		profile.ProductName,
		profile.RawMaterials,
		strings.Join(profile.Processes, ", "),
		profile.EmployeeCount,
		summary.String(),
	)

	var parsed []classifiedRegulation
	err := service.parseJSON(ctx, &GenerationRequest{
		Prompt:         prompt,
		SystemRole:     "당신은 제조업 규제 분류 전문가입니다.",
		Temperature:    lowTemp(),
		ResponseFormat: "application/json",
	}, &parsed)
	if err != nil {
		return nil, err
	}

	lookup := make(map[string]models.SearchResult, len(results))
	for _, r := range results {
		lookup[r.SourceID] = r
	}

	regulations := make([]models.Regulation, 0, len(parsed))
	for idx, reg := range parsed {
		citations := resolveCitations(reg.Sources, lookup)
		if len(citations) == 0 && reg.ReferenceURL != "" {
			for _, r := range results {
				if r.URL == reg.ReferenceURL {
					citations = append(citations, models.Citation{
						SourceID: r.SourceID,
						Title:    r.Title,
						URL:      r.URL,
						Excerpt:  r.Excerpt,
					})
					break
				}
			}
		}
		if len(citations) == 0 {
			service.logger.Warn("Dropping regulation without citations", "name", reg.Name)
			continue
		}

		category := models.Category(reg.Category)
		if !models.ValidCategory(category) {
			category = models.CategorySafetyEnv
		}

		referenceURL := reg.ReferenceURL
		if referenceURL == "" {
			referenceURL = citations[0].URL
		}

		regulations = append(regulations, models.Regulation{
			ID:              fmt.Sprintf("REG-%03d", idx+1),
			Name:            reg.Name,
			Category:        category,
			Priority:        models.PriorityMedium,
			Authority:       reg.Authority,
			WhyApplicable:   reg.WhyApplicable,
			KeyRequirements: reg.KeyRequirements,
			ReferenceURL:    referenceURL,
			Citations:       citations,
		})
	}

	service.logger.LogService("gemini", "classify_regulations", 0, map[string]interface{}{
		"proposed": len(parsed),
		"accepted": len(regulations),
	}, nil)

	return regulations, nil
}

func resolveCitations(sources []classifiedSource, lookup map[string]models.SearchResult) []models.Citation {
	var citations []models.Citation
	for _, src := range sources {
		matched, ok := lookup[src.SourceID]
		if !ok {
			continue
		}
		excerpt := src.Excerpt
		if excerpt == "" {
			excerpt = matched.Excerpt
		}
		citations = append(citations, models.Citation{
			SourceID: matched.SourceID,
			Title:    matched.Title,
			URL:      matched.URL,
			Excerpt:  excerpt,
		})
	}
	return citations
}

// PrioritizeRegulations assigns HIGH/MEDIUM/LOW to each regulation. The
// model answers one priority per line; anything unparseable falls back to
// MEDIUM so the pipeline keeps moving.
func (service *GeminiService) PrioritizeRegulations(ctx context.Context, profile models.BusinessProfile, regulations []models.Regulation) ([]models.Regulation, error) {
	if len(regulations) == 0 {
		return regulations, nil
	}

	var summary strings.Builder
	for i, r := range regulations {
		reqs := r.KeyRequirements
		if len(reqs) > 2 {
			reqs = reqs[:2]
		}
		fmt.Fprintf(&summary, "%d. %s (%s)\n   이유: %s\n   요구사항: %s\n",
			i+1, r.Name, r.Category, r.WhyApplicable, strings.Join(reqs, ", "))
	}

	prompt := fmt.Sprintf(`다음 규제들의 우선순위를 HIGH, MEDIUM, LOW로 결정하세요.

[사업 정보]
제품: %s
직원 수: %d명

[규제 목록]
%s

우선순위 기준:
- HIGH: 법정 필수 요구사항, 위반 시 사업 중단/고액 벌금, 즉시 준수 필요
- MEDIUM: 중요하지만 일정 기간 유예 가능, 중간 수준 벌금
- LOW: 권장 사항, 선택적 준수, 낮은 벌금

출력 형식: 각 규제의 우선순위만 줄바꿈으로 구분하여 나열하세요.
예시:
HIGH
MEDIUM
HIGH
LOW`,
		profile.ProductName,
		profile.EmployeeCount,
		summary.String(),
	)

	resp, err := service.GenerateContent(ctx, &GenerationRequest{
		Prompt:      prompt,
		SystemRole:  "당신은 규제 리스크 평가 전문가입니다.",
		Temperature: lowTemp(),
		MaxTokens:   200,
	})
	if err != nil {
		return nil, err
	}

	var priorities []models.Priority
	for _, line := range strings.Split(resp.Content, "\n") {
		p := models.Priority(strings.TrimSpace(line))
		if p == "" {
			continue
		}
		priorities = append(priorities, p)
	}

	prioritized := make([]models.Regulation, len(regulations))
	for i, reg := range regulations {
		if i < len(priorities) && models.ValidPriority(priorities[i]) {
			reg.Priority = priorities[i]
		} else {
			reg.Priority = models.PriorityMedium
		}
		prioritized[i] = reg
	}

	return prioritized, nil
}

type evidenceRef struct {
	SourceID      string `json:"source_id"`
	Justification string `json:"justification"`
}

type checklistPayload struct {
	TaskName        string        `json:"task_name"`
	ResponsibleDept string        `json:"responsible_dept"`
	Deadline        string        `json:"deadline"`
	Method          []string      `json:"method"`
	EstimatedTime   string        `json:"estimated_time"`
	EstimatedCost   string        `json:"estimated_cost"`
	Evidence        []evidenceRef `json:"evidence"`
}

// GenerateChecklist produces 3-5 actionable tasks for one regulation. Each
// item inherits the regulation's priority and references its sources.
func (service *GeminiService) GenerateChecklist(ctx context.Context, reg models.Regulation, now time.Time) ([]models.ChecklistItem, error) {
	currentDate := now.Format("2006-01-02")

	var sources strings.Builder
	for _, src := range reg.Citations {
		fmt.Fprintf(&sources, "%s | %s\nURL: %s\n발췌: %s\n", src.SourceID, src.Title, src.URL, src.Excerpt)
	}
	sourceSummary := sources.String()
	if sourceSummary == "" {
		sourceSummary = "등록된 출처 없음"
	}

	var requirements strings.Builder
	for _, req := range reg.KeyRequirements {
		fmt.Fprintf(&requirements, "  - %s\n", req)
	}

	prompt := fmt.Sprintf(`다음 규제를 준수하기 위한 실행 가능한 체크리스트를 생성하세요.
각 작업마다 실제 인터넷 출처(source_id)를 evidence 배열에 포함해야 합니다.

[규제 정보]
규제명: %s
카테고리: %s
관할 기관: %s
우선순위: %s
적용 이유: %s
주요 요구사항:
%s
[사용 가능한 출처]
%s

[현재 날짜]
%s

[생성 지침]
1) 작업 수: 3~5개.
2) method[0]에는 "(매핑: 요구사항 N)" 형식으로 매핑 정보를 기재합니다.
3) evidence에는 [사용 가능한 출처]에서 선택한 source_id와 해당 출처의 핵심 문장을 1~2개 포함합니다.
4) method 단계는 3~5개, 마지막 단계에는 증빙/기록 확보를 포함합니다.
5) deadline은 현재 날짜(%s)를 기준으로 우선순위에 맞게 YYYY-MM-DD 형식으로 계산합니다.
   - HIGH: 현재일 + 1~3개월
   - MEDIUM: 현재일 + 3~6개월
   - LOW: 현재일 + 6~12개월
6) estimated_time은 실제 소요 시간을 구체적으로 작성합니다 (예: "2주", "1개월").
7) JSON 배열 외 텍스트는 금지합니다.

[출력 스키마]
[
  {
    "task_name": "구체적인 작업명(명령형)",
    "responsible_dept": "담당 부서",
    "deadline": "YYYY-MM-DD",
    "method": ["1. (매핑: 요구사항 N) ...", "2. ...", "3. ..."],
    "estimated_time": "소요 시간",
    "evidence": [{"source_id": "SRC-001", "justification": "출처에서 확인한 핵심 문장"}]
  }
]`,
		reg.Name, reg.Category, reg.Authority, reg.Priority, reg.WhyApplicable,
		requirements.String(), sourceSummary, currentDate, currentDate,
	)

	var parsed []checklistPayload
	err := service.parseJSON(ctx, &GenerationRequest{
		Prompt:         prompt,
		SystemRole:     "당신은 규제 준수 실무 전문가입니다.",
		Temperature:    lowTemp(),
		ResponseFormat: "application/json",
	}, &parsed)
	if err != nil {
		return nil, err
	}

	lookup := citationLookup(reg.Citations)

	items := make([]models.ChecklistItem, 0, len(parsed))
	for _, payload := range parsed {
		if payload.TaskName == "" {
			continue
		}
		items = append(items, models.ChecklistItem{
			RegulationID:    reg.ID,
			RegulationName:  reg.Name,
			TaskName:        payload.TaskName,
			ResponsibleDept: orDefault(payload.ResponsibleDept, "담당 부서"),
			Deadline:        payload.Deadline,
			Method:          payload.Method,
			EstimatedTime:   orDefault(payload.EstimatedTime, "미정"),
			EstimatedCost:   payload.EstimatedCost,
			Priority:        reg.Priority,
			Status:          models.ChecklistPending,
			Evidence:        resolveEvidence(payload.Evidence, lookup),
		})
	}

	return items, nil
}

type riskPayload struct {
	PenaltyAmount  string        `json:"penalty_amount"`
	PenaltyType    string        `json:"penalty_type"`
	BusinessImpact string        `json:"business_impact"`
	RiskScore      float64       `json:"risk_score"`
	PastCases      []string      `json:"past_cases"`
	Mitigation     string        `json:"mitigation"`
	Evidence       []evidenceRef `json:"evidence"`
}

// AssessRisk scores the consequence of ignoring one regulation. A
// semantic failure degrades to a neutral default item instead of killing
// the whole assessment.
func (service *GeminiService) AssessRisk(ctx context.Context, reg models.Regulation, profile models.BusinessProfile) (models.RiskItem, error) {
	var sources strings.Builder
	for _, src := range reg.Citations {
		fmt.Fprintf(&sources, "%s | %s\nURL: %s\n발췌: %s\n", src.SourceID, src.Title, src.URL, src.Excerpt)
	}
	sourceSummary := sources.String()
	if sourceSummary == "" {
		sourceSummary = "등록된 출처 없음"
	}

	prompt := fmt.Sprintf(`다음 규제를 준수하지 않았을 때의 리스크를 평가하세요.
근거는 [사용 가능한 출처]에서 선택한 항목만 활용하고 evidence 배열에 포함하세요.

[규제 정보]
규제명: %s
카테고리: %s
관할 기관: %s
우선순위: %s
적용 이유: %s

[사업 정보]
제품: %s
직원 수: %d명

[사용 가능한 출처]
%s

[출력 스키마]
{
  "penalty_amount": "벌금액 (예: 최대 1억원, 300만원 이하, 없음 \"\")",
  "penalty_type": "벌칙 유형 (형사처벌|과태료|행정처분|\"\")",
  "business_impact": "사업 영향 (예: 영업정지 6개월, 인허가 취소, 없음 \"\")",
  "risk_score": 0-10 사이 숫자,
  "past_cases": ["과거 처벌 사례 1 (연도, 기업, 처벌 내용)"],
  "mitigation": "리스크 완화 방안 (1-2문장)",
  "evidence": [{"source_id": "SRC-001", "justification": "출처에서 인용한 핵심 문장"}]
}

JSON 이외 텍스트는 금지합니다.`,
		reg.Name, reg.Category, reg.Authority, reg.Priority, reg.WhyApplicable,
		profile.ProductName, profile.EmployeeCount, sourceSummary,
	)

	item := models.RiskItem{
		RegulationID:   reg.ID,
		RegulationName: reg.Name,
		RiskScore:      5.0,
		Mitigation:     "전문가 상담 권장",
	}

	var parsed riskPayload
	err := service.parseJSON(ctx, &GenerationRequest{
		Prompt:         prompt,
		SystemRole:     "당신은 규제 리스크 평가 전문가입니다.",
		Temperature:    lowTemp(),
		ResponseFormat: "application/json",
	}, &parsed)
	if err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) && appErr.Kind == models.KindSemantic {
			service.logger.WithError(err).Warn("Risk assessment unparseable, using neutral default", "regulation", reg.ID)
			return item, nil
		}
		return models.RiskItem{}, err
	}

	score := parsed.RiskScore
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}

	item.PenaltyAmount = parsed.PenaltyAmount
	item.PenaltyType = parsed.PenaltyType
	item.BusinessImpact = parsed.BusinessImpact
	item.RiskScore = score
	item.PastCases = parsed.PastCases
	item.Mitigation = orDefault(parsed.Mitigation, "전문가 상담 권장")
	item.Evidence = resolveEvidence(parsed.Evidence, citationLookup(reg.Citations))

	return item, nil
}

type milestonePayload struct {
	Name               string   `json:"name"`
	Deadline           string   `json:"deadline"`
	Tasks              []string `json:"tasks"`
	CompletionCriteria string   `json:"completion_criteria"`
}

// PlanDraft is the raw planning output for one regulation before the
// orchestrator validates the dependency graph.
type PlanDraft struct {
	Timeline      string              `json:"timeline"`
	StartDate     string              `json:"start_date"`
	Milestones    []milestonePayload  `json:"milestones"`
	Dependencies  map[string][]string `json:"dependencies"`
	ParallelTasks [][]string          `json:"parallel_tasks"`
	CriticalPath  []string            `json:"critical_path"`
}

// Milestones converts the raw milestone payloads to model milestones.
func (d *PlanDraft) ModelMilestones() []models.Milestone {
	milestones := make([]models.Milestone, 0, len(d.Milestones))
	for _, m := range d.Milestones {
		milestones = append(milestones, models.Milestone{
			Name:               m.Name,
			Deadline:           m.Deadline,
			Tasks:              m.Tasks,
			CompletionCriteria: m.CompletionCriteria,
		})
	}
	return milestones
}

// PlanExecution drafts the execution plan for one regulation from its
// checklist items.
func (service *GeminiService) PlanExecution(ctx context.Context, reg models.Regulation, items []models.ChecklistItem) (*PlanDraft, error) {
	var summary strings.Builder
	for i, item := range items {
		fmt.Fprintf(&summary, "%d. %s\n   담당: %s\n   마감: %s\n   기간: %s\n",
			i+1, item.TaskName, item.ResponsibleDept, item.Deadline, item.EstimatedTime)
	}

	prompt := fmt.Sprintf(`다음 규제의 체크리스트를 바탕으로 실행 계획을 수립하세요.

[규제 정보]
규제명: %s
우선순위: %s

[체크리스트 항목들]
%s

다음 정보를 분석하여 JSON 형식으로 제공하세요:
1. 전체 예상 소요 기간 (timeline)
2. 시작 시점 (start_date: "즉시", "1개월 내", "공장등록 후" 등)
3. 마일스톤 (3-5개, 각 마일스톤마다 name, deadline, completion_criteria 포함)
4. 작업 간 의존성 (dependencies: 어떤 작업이 먼저 완료되어야 하는지)
5. 병렬 처리 가능한 작업 그룹 (parallel_tasks)
6. 크리티컬 패스 (critical_path: 가장 오래 걸리는 경로의 작업 번호들)

출력 형식:
{
    "timeline": "3개월",
    "start_date": "즉시",
    "milestones": [
        {"name": "1개월 차: 서류 준비 완료", "deadline": "30일 내", "tasks": ["1", "2"], "completion_criteria": "필요 서류 모두 준비"}
    ],
    "dependencies": {"2": ["1"], "3": ["1", "2"]},
    "parallel_tasks": [["1", "2"], ["3", "4"]],
    "critical_path": ["1", "2", "5"]
}

참고:
- 우선순위 HIGH는 즉시 시작
- 우선순위 MEDIUM은 1-3개월 내
- 우선순위 LOW는 6개월 내
- dependencies의 키는 작업 번호(문자열), 값은 선행 작업 번호 리스트
- parallel_tasks는 동시에 진행 가능한 작업 그룹들의 리스트

출력은 JSON 형식으로만 작성하세요.`,
		reg.Name, reg.Priority, summary.String(),
	)

	var draft PlanDraft
	err := service.parseJSON(ctx, &GenerationRequest{
		Prompt:         prompt,
		SystemRole:     "당신은 규제 준수 프로젝트 관리 전문가입니다.",
		Temperature:    lowTemp(),
		ResponseFormat: "application/json",
	}, &draft)
	if err != nil {
		return nil, err
	}

	return &draft, nil
}

func citationLookup(citations []models.Citation) map[string]models.Citation {
	lookup := make(map[string]models.Citation, len(citations))
	for _, c := range citations {
		lookup[c.SourceID] = c
	}
	return lookup
}

func resolveEvidence(refs []evidenceRef, lookup map[string]models.Citation) []models.Citation {
	var evidence []models.Citation
	for _, ref := range refs {
		matched, ok := lookup[ref.SourceID]
		if !ok {
			continue
		}
		excerpt := ref.Justification
		if excerpt == "" {
			excerpt = matched.Excerpt
		}
		evidence = append(evidence, models.Citation{
			SourceID: matched.SourceID,
			Title:    matched.Title,
			URL:      matched.URL,
			Excerpt:  excerpt,
		})
	}
	return evidence
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func (service *GeminiService) HealthCheck(ctx context.Context) error {
	testCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := service.GenerateContent(testCtx, &GenerationRequest{
		Prompt:      "Respond with 'OK' if you can process this request",
		Temperature: lowTemp(),
		MaxTokens:   10,
	})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.Content == "" {
		return errors.New("empty response received")
	}
	return nil
}
