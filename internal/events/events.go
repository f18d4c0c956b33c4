// Package events carries workflow progress to subscribers. Delivery is
// ordered per workflow; late subscribers see only later events.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/season-planner/internal/models"
)

type Type string

const (
	TypeAgentStarted       Type = "agent_started"
	TypeAgentProgress      Type = "agent_progress"
	TypeAgentCompleted     Type = "agent_completed"
	TypeHumanInputRequired Type = "human_input_required"
	TypeWorkflowComplete   Type = "workflow_complete"
	TypeError              Type = "error"
	TypeStageChanged       Type = "stage_changed"
)

type Event struct {
	ID            string                 `json:"id"`
	Type          Type                   `json:"type"`
	WorkflowID    uuid.UUID              `json:"workflow_id"`
	Timestamp     time.Time              `json:"timestamp"`
	Sequence      uint64                 `json:"sequence"`
	AgentName     string                 `json:"agent_name,omitempty"`
	Progress      *int                   `json:"progress,omitempty"`
	Message       string                 `json:"message,omitempty"`
	ResultSummary map[string]interface{} `json:"result_summary,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	FromStage     models.Stage           `json:"from_stage,omitempty"`
	ToStage       models.Stage           `json:"to_stage,omitempty"`
}

func AgentStarted(id uuid.UUID, agent string) Event {
	return Event{Type: TypeAgentStarted, WorkflowID: id, AgentName: agent}
}

func AgentProgress(id uuid.UUID, agent string, progress int, message string) Event {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return Event{Type: TypeAgentProgress, WorkflowID: id, AgentName: agent, Progress: &progress, Message: message}
}

func AgentCompleted(id uuid.UUID, agent string, summary map[string]interface{}) Event {
	return Event{Type: TypeAgentCompleted, WorkflowID: id, AgentName: agent, ResultSummary: summary}
}

func HumanInputRequired(id uuid.UUID, agent, message string) Event {
	return Event{Type: TypeHumanInputRequired, WorkflowID: id, AgentName: agent, Message: message}
}

func WorkflowComplete(id uuid.UUID) Event {
	return Event{Type: TypeWorkflowComplete, WorkflowID: id}
}

func Error(id uuid.UUID, agent string, err error) Event {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Event{Type: TypeError, WorkflowID: id, AgentName: agent, ErrorMessage: msg}
}

func StageChanged(id uuid.UUID, from, to models.Stage) Event {
	return Event{Type: TypeStageChanged, WorkflowID: id, FromStage: from, ToStage: to}
}
