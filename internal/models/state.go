package models

import (
	"time"

	"github.com/google/uuid"
)

type AnalysisStatus string

const (
	AnalysisStatusPending   AnalysisStatus = "pending"
	AnalysisStatusRunning   AnalysisStatus = "running"
	AnalysisStatusMerging   AnalysisStatus = "merging"
	AnalysisStatusCompleted AnalysisStatus = "completed"
	AnalysisStatusFailed    AnalysisStatus = "failed"
)

// StateField names one stage-owned field of PipelineState. The orchestrator
// uses these to verify a stage only writes what it owns.
type StateField string

const (
	FieldKeywords       StateField = "keywords"
	FieldSearchResults  StateField = "search_results"
	FieldRegulations    StateField = "regulations"
	FieldChecklists     StateField = "checklists"
	FieldExecutionPlans StateField = "execution_plans"
	FieldRiskAssessment StateField = "risk_assessment"
	FieldFinalReport    StateField = "final_report"
	FieldDeliveryStatus StateField = "delivery_status"
)

// StagePatch is the only way a stage hands results back to the
// orchestrator. Nil fields are untouched; non-nil fields are the stage's
// claim on that part of the state.
type StagePatch struct {
	Keywords       []string
	SearchResults  []SearchResult
	Regulations    []Regulation
	Checklists     []ChecklistItem
	ExecutionPlans []ExecutionPlan
	RiskAssessment *RiskAssessment
	FinalReport    *FinalReport
	DeliveryStatus *DeliveryStatus
}

// Fields reports which state fields the patch sets.
func (p *StagePatch) Fields() []StateField {
	if p == nil {
		return nil
	}
	var fields []StateField
	if p.Keywords != nil {
		fields = append(fields, FieldKeywords)
	}
	if p.SearchResults != nil {
		fields = append(fields, FieldSearchResults)
	}
	if p.Regulations != nil {
		fields = append(fields, FieldRegulations)
	}
	if p.Checklists != nil {
		fields = append(fields, FieldChecklists)
	}
	if p.ExecutionPlans != nil {
		fields = append(fields, FieldExecutionPlans)
	}
	if p.RiskAssessment != nil {
		fields = append(fields, FieldRiskAssessment)
	}
	if p.FinalReport != nil {
		fields = append(fields, FieldFinalReport)
	}
	if p.DeliveryStatus != nil {
		fields = append(fields, FieldDeliveryStatus)
	}
	return fields
}

type StageStats struct {
	Name      string        `json:"name"`
	Status    string        `json:"status"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
}

// PipelineState is the record threaded through all stages of one run. The
// orchestrator owns it exclusively; stages receive a snapshot and return a
// StagePatch, they never hold a reference after returning.
type PipelineState struct {
	ID        string         `json:"id"`
	RequestID string         `json:"request_id"`
	Status    AnalysisStatus `json:"status"`
	StartTime time.Time      `json:"start_time"`
	EndTime   *time.Time     `json:"end_time,omitempty"`

	FailedStage  string `json:"failed_stage,omitempty"`
	FailureCause string `json:"failure_cause,omitempty"`

	Profile        BusinessProfile `json:"business_profile"`
	Recipients     []string        `json:"email_recipients,omitempty"`
	Keywords       []string        `json:"keywords,omitempty"`
	SearchResults  []SearchResult  `json:"search_results,omitempty"`
	Regulations    []Regulation    `json:"regulations,omitempty"`
	Checklists     []ChecklistItem `json:"checklists,omitempty"`
	ExecutionPlans []ExecutionPlan `json:"execution_plans,omitempty"`
	RiskAssessment *RiskAssessment `json:"risk_assessment,omitempty"`
	FinalReport    *FinalReport    `json:"final_report,omitempty"`
	DeliveryStatus *DeliveryStatus `json:"delivery_status,omitempty"`

	StageStats map[string]StageStats `json:"stage_stats,omitempty"`
}

func NewPipelineState(profile BusinessProfile, recipients []string, requestID string) *PipelineState {
	return &PipelineState{
		ID:         uuid.New().String(),
		RequestID:  requestID,
		Status:     AnalysisStatusPending,
		StartTime:  time.Now(),
		Profile:    profile,
		Recipients: recipients,
		StageStats: make(map[string]StageStats),
	}
}

func GenerateRequestID() string {
	return uuid.New().String()
}

// Apply merges a stage patch into the state. Ownership is checked by the
// orchestrator before calling.
func (s *PipelineState) Apply(patch *StagePatch) {
	if patch == nil {
		return
	}
	if patch.Keywords != nil {
		s.Keywords = patch.Keywords
	}
	if patch.SearchResults != nil {
		s.SearchResults = patch.SearchResults
	}
	if patch.Regulations != nil {
		s.Regulations = patch.Regulations
	}
	if patch.Checklists != nil {
		s.Checklists = patch.Checklists
	}
	if patch.ExecutionPlans != nil {
		s.ExecutionPlans = patch.ExecutionPlans
	}
	if patch.RiskAssessment != nil {
		s.RiskAssessment = patch.RiskAssessment
	}
	if patch.FinalReport != nil {
		s.FinalReport = patch.FinalReport
	}
	if patch.DeliveryStatus != nil {
		s.DeliveryStatus = patch.DeliveryStatus
	}
}

// Snapshot returns a copy safe to hand to concurrently running stages.
// Slices are copied shallowly; stages treat snapshot contents as read-only.
func (s *PipelineState) Snapshot() PipelineState {
	snap := *s
	snap.Keywords = append([]string(nil), s.Keywords...)
	snap.SearchResults = append([]SearchResult(nil), s.SearchResults...)
	snap.Regulations = append([]Regulation(nil), s.Regulations...)
	snap.Checklists = append([]ChecklistItem(nil), s.Checklists...)
	snap.ExecutionPlans = append([]ExecutionPlan(nil), s.ExecutionPlans...)
	return snap
}

func (s *PipelineState) MarkRunning() {
	s.Status = AnalysisStatusRunning
}

func (s *PipelineState) MarkMerging() {
	s.Status = AnalysisStatusMerging
}

func (s *PipelineState) MarkCompleted() {
	s.Status = AnalysisStatusCompleted
	now := time.Now()
	s.EndTime = &now
}

func (s *PipelineState) MarkFailed(stage string, cause error) {
	s.Status = AnalysisStatusFailed
	s.FailedStage = stage
	if cause != nil {
		s.FailureCause = cause.Error()
	}
	now := time.Now()
	s.EndTime = &now
}

func (s *PipelineState) UpdateStageStats(name string, stats StageStats) {
	if s.StageStats == nil {
		s.StageStats = make(map[string]StageStats)
	}
	s.StageStats[name] = stats
}

func (s *PipelineState) IsCompleted() bool {
	return s.Status == AnalysisStatusCompleted
}

func (s *PipelineState) IsFailed() bool {
	return s.Status == AnalysisStatusFailed
}

// Summary is the per-run aggregate exposed by the trigger response and the
// stats endpoint.
type Summary struct {
	AnalysisID       string  `json:"analysis_id"`
	TotalRegulations int     `json:"total_regulations"`
	TotalChecklists  int     `json:"total_checklists"`
	TotalPlans       int     `json:"total_plans"`
	HighRiskCount    int     `json:"high_risk_count"`
	TotalRiskScore   float64 `json:"total_risk_score"`
	HighPriority     int     `json:"high_priority_count"`
}

func (s *PipelineState) Summarize() Summary {
	summary := Summary{
		AnalysisID:       s.ID,
		TotalRegulations: len(s.Regulations),
		TotalChecklists:  len(s.Checklists),
		TotalPlans:       len(s.ExecutionPlans),
	}
	for _, reg := range s.Regulations {
		if reg.Priority == PriorityHigh {
			summary.HighPriority++
		}
	}
	if s.RiskAssessment != nil {
		summary.HighRiskCount = len(s.RiskAssessment.HighRiskItems)
		summary.TotalRiskScore = s.RiskAssessment.TotalRiskScore
	}
	return summary
}

// StageUpdate is published to the update stream as each stage progresses.
type StageUpdate struct {
	AnalysisID string        `json:"analysis_id"`
	RequestID  string        `json:"request_id"`
	StageName  string        `json:"stage_name"`
	Status     string        `json:"status"`
	Message    string        `json:"message"`
	Progress   float64       `json:"progress"`
	Duration   time.Duration `json:"duration,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	Error      string        `json:"error,omitempty"`
}
