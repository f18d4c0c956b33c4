package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Stage string

const (
	StageCreated         Stage = "created"
	StageForecasting     Stage = "forecasting"
	StageAllocating      Stage = "allocating"
	StageReplenishing    Stage = "replenishing"
	StageMarkdownPending Stage = "markdown_pending"
	StageReForecasting   Stage = "re_forecasting"
	StagePendingApproval Stage = "pending_approval"
	StageComplete        Stage = "complete"
	StageError           Stage = "error"
	StageCancelled       Stage = "cancelled"
)

// Terminal reports whether no further transitions are expected. Error is
// not terminal; a workflow in error may be restarted.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageCancelled
}

const (
	AgentClustering      = "clustering"
	AgentForecasting     = "demand_forecasting"
	AgentAllocation      = "inventory_allocation"
	AgentReplenishment   = "replenishment"
	AgentMarkdown        = "markdown"
	AgentVarianceMonitor = "variance_monitor"
	AgentOrchestrator    = "orchestrator"
)

const (
	AgentPending          = "pending"
	AgentRunning          = "running"
	AgentCompleted        = "completed"
	AgentFailed           = "failed"
	AgentAwaitingApproval = "awaiting_approval"
	AgentSkipped          = "skipped"
)

type AgentStatus struct {
	Agent      string     `json:"agent"`
	Status     string     `json:"status"`
	Message    string     `json:"message,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

const (
	ApprovalStageForecast   = "forecast"
	ApprovalStageAllocation = "allocation"
	ApprovalStageMarkdown   = "markdown"
)

type PendingApproval struct {
	Stage       string          `json:"stage"`
	ResumeStage Stage           `json:"resume_stage"`
	Reason      string          `json:"reason,omitempty"`
	Proposal    json.RawMessage `json:"proposal,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
}

const (
	ApprovalActionAccept = "accept"
	ApprovalActionModify = "modify"
)

type ApprovalDecision struct {
	Action        string             `json:"action"`
	Modifications map[string]float64 `json:"modifications,omitempty"`
	Actor         string             `json:"actor,omitempty"`
	Comment       string             `json:"comment,omitempty"`
}

type WorkflowState struct {
	ID                 uuid.UUID         `json:"id"`
	Category           string            `json:"category"`
	Stage              Stage             `json:"stage"`
	Agents             []AgentStatus     `json:"agents"`
	CurrentWeek        int               `json:"current_week"`
	ForecastRevision   int               `json:"forecast_revision"`
	AllocationRevision int               `json:"allocation_revision"`
	MarkdownWeek       int               `json:"markdown_week,omitempty"`
	PendingApproval    *PendingApproval  `json:"pending_approval,omitempty"`
	VarianceTriggers   []VarianceTrigger `json:"variance_triggers"`
	LastError          *string           `json:"last_error,omitempty"`
	Params             SeasonParameters  `json:"parameters"`
	Options            WorkflowOptions   `json:"options"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Agent returns a pointer to the named agent's status, adding it if absent.
func (w *WorkflowState) Agent(name string) *AgentStatus {
	for i := range w.Agents {
		if w.Agents[i].Agent == name {
			return &w.Agents[i]
		}
	}
	w.Agents = append(w.Agents, AgentStatus{Agent: name, Status: AgentPending})
	return &w.Agents[len(w.Agents)-1]
}

// Clone returns a deep copy safe to hand to callers.
func (w WorkflowState) Clone() WorkflowState {
	out := w
	out.Agents = append([]AgentStatus(nil), w.Agents...)
	out.VarianceTriggers = append([]VarianceTrigger(nil), w.VarianceTriggers...)
	if w.PendingApproval != nil {
		pa := *w.PendingApproval
		pa.Proposal = append(json.RawMessage(nil), w.PendingApproval.Proposal...)
		out.PendingApproval = &pa
	}
	if w.LastError != nil {
		msg := *w.LastError
		out.LastError = &msg
	}
	if w.Options.SafetyStockPct != nil {
		out.Options.SafetyStockPct = Ptr(*w.Options.SafetyStockPct)
	}
	return out
}
