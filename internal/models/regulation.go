package models

// Category is the closed set of regulation categories. Labels are kept in
// Korean to match the report and email copy.
type Category string

const (
	CategorySafetyEnv   Category = "안전/환경"
	CategoryProductCert Category = "제품 인증"
	CategoryFactoryOps  Category = "공장 운영"
)

func ValidCategory(c Category) bool {
	switch c {
	case CategorySafetyEnv, CategoryProductCert, CategoryFactoryOps:
		return true
	}
	return false
}

type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

func ValidPriority(p Priority) bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// SearchResult is one retrieved document, ranked by the search service.
type SearchResult struct {
	SourceID string  `json:"source_id"`
	Title    string  `json:"title"`
	URL      string  `json:"url"`
	Excerpt  string  `json:"excerpt"`
	Score    float64 `json:"score,omitempty"`
}

// Citation ties a regulation, checklist item or risk entry back to the
// search result it was derived from.
type Citation struct {
	SourceID string `json:"source_id"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Excerpt  string `json:"excerpt,omitempty"`
}

// Regulation is the core entity of a run. Category is set once by the
// classifier, priority exactly once by the prioritizer; later stages only
// read. Every regulation carries at least one citation.
type Regulation struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Category        Category   `json:"category"`
	Priority        Priority   `json:"priority"`
	Authority       string     `json:"authority"`
	WhyApplicable   string     `json:"why_applicable"`
	KeyRequirements []string   `json:"key_requirements"`
	ReferenceURL    string     `json:"reference_url,omitempty"`
	Citations       []Citation `json:"citations"`
}

type ChecklistStatus string

const (
	ChecklistPending    ChecklistStatus = "pending"
	ChecklistInProgress ChecklistStatus = "in_progress"
	ChecklistCompleted  ChecklistStatus = "completed"
	ChecklistFailed     ChecklistStatus = "failed"
	ChecklistSkipped    ChecklistStatus = "skipped"
)

// ChecklistItem is one task derived from a regulation. RegulationID must
// resolve to a regulation in the same run; a dangling reference is an
// integrity fault, never a silent drop.
type ChecklistItem struct {
	RegulationID    string          `json:"regulation_id"`
	RegulationName  string          `json:"regulation_name"`
	TaskName        string          `json:"task_name"`
	ResponsibleDept string          `json:"responsible_dept"`
	Deadline        string          `json:"deadline"`
	Method          []string        `json:"method,omitempty"`
	EstimatedTime   string          `json:"estimated_time,omitempty"`
	EstimatedCost   string          `json:"estimated_cost,omitempty"`
	Priority        Priority        `json:"priority"`
	Status          ChecklistStatus `json:"status"`
	Evidence        []Citation      `json:"evidence,omitempty"`
}

type Milestone struct {
	Name               string   `json:"name"`
	Deadline           string   `json:"deadline"`
	Tasks              []string `json:"tasks,omitempty"`
	CompletionCriteria string   `json:"completion_criteria,omitempty"`
}

// ExecutionPlan aggregates the checklist items of one regulation into an
// ordered plan. Dependencies form a DAG over task IDs; CriticalPath is the
// longest chain under that relation.
type ExecutionPlan struct {
	PlanID         string              `json:"plan_id"`
	RegulationID   string              `json:"regulation_id"`
	RegulationName string              `json:"regulation_name"`
	TaskIDs        []string            `json:"task_ids"`
	Timeline       string              `json:"timeline"`
	StartDate      string              `json:"start_date"`
	Milestones     []Milestone         `json:"milestones,omitempty"`
	Dependencies   map[string][]string `json:"dependencies,omitempty"`
	ParallelGroups [][]string          `json:"parallel_groups,omitempty"`
	CriticalPath   []string            `json:"critical_path"`
	Evidence       []Citation          `json:"evidence,omitempty"`
}

type RiskItem struct {
	RegulationID   string     `json:"regulation_id"`
	RegulationName string     `json:"regulation_name"`
	PenaltyAmount  string     `json:"penalty_amount,omitempty"`
	PenaltyType    string     `json:"penalty_type,omitempty"`
	BusinessImpact string     `json:"business_impact,omitempty"`
	RiskScore      float64    `json:"risk_score"`
	PastCases      []string   `json:"past_cases,omitempty"`
	Mitigation     string     `json:"mitigation,omitempty"`
	Evidence       []Citation `json:"evidence,omitempty"`
}

// RiskAssessment is computed once per run and read-only afterwards.
type RiskAssessment struct {
	TotalRiskScore  float64               `json:"total_risk_score"`
	Items           []RiskItem            `json:"items"`
	HighRiskItems   []RiskItem            `json:"high_risk_items"`
	RiskMatrix      map[string][]RiskItem `json:"risk_matrix"`
	Recommendations []string              `json:"recommendations"`
}

// FinalReport is the report assembler's output: the full markdown document
// plus handles to the rendered artifacts on disk.
type FinalReport struct {
	ExecutiveSummary string     `json:"executive_summary"`
	KeyInsights      []string   `json:"key_insights"`
	RiskHighlights   []string   `json:"risk_highlights,omitempty"`
	NextSteps        []string   `json:"next_steps,omitempty"`
	FullMarkdown     string     `json:"full_markdown"`
	ReportJSONPath   string     `json:"report_json_path,omitempty"`
	ReportHTMLPath   string     `json:"report_html_path,omitempty"`
	ReportPDFPath    string     `json:"report_pdf_path,omitempty"`
	Citations        []Citation `json:"citations,omitempty"`
}

type RecipientStatus struct {
	Email   string `json:"email"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// DeliveryStatus records per-recipient outcomes. A failed recipient never
// fails the run and never blocks delivery to the remaining recipients.
type DeliveryStatus struct {
	Attempted  bool              `json:"attempted"`
	Simulated  bool              `json:"simulated,omitempty"`
	Success    bool              `json:"success"`
	Recipients []RecipientStatus `json:"recipients,omitempty"`
	Error      string            `json:"error,omitempty"`
}
