// Package approval decides which workflow stages pause for a human.
package approval

import (
	"context"
	"fmt"
	"strings"

	"github.com/ILLUVRSE/season-planner/internal/models"
)

type Request struct {
	Stage       string
	MarkdownPct float64
	Decision    string
}

type Decision struct {
	Required bool   `json:"required"`
	PolicyID string `json:"policy_id"`
	Reason   string `json:"reason"`
}

type Policy interface {
	Check(ctx context.Context, req Request) (Decision, error)
}

// StaticPolicy requires approval for a fixed set of stages. Markdown
// decisions that hold, or that stay at or below MarkdownCeiling when it is
// positive, pass without review.
type StaticPolicy struct {
	stages          map[string]bool
	markdownCeiling float64
}

func NewStaticPolicy(stages []string, markdownCeiling float64) (*StaticPolicy, error) {
	p := &StaticPolicy{stages: map[string]bool{}, markdownCeiling: markdownCeiling}
	for _, s := range stages {
		s = strings.TrimSpace(strings.ToLower(s))
		switch s {
		case "":
			continue
		case models.ApprovalStageForecast, models.ApprovalStageAllocation, models.ApprovalStageMarkdown:
			p.stages[s] = true
		default:
			return nil, fmt.Errorf("%w: unknown approval stage %q", models.ErrInvalidParameters, s)
		}
	}
	return p, nil
}

func (p *StaticPolicy) Check(ctx context.Context, req Request) (Decision, error) {
	if !p.stages[req.Stage] {
		return Decision{PolicyID: "approval-not-configured", Reason: "stage runs unattended"}, nil
	}
	if req.Stage == models.ApprovalStageMarkdown {
		if req.Decision == models.MarkdownHold {
			return Decision{PolicyID: "markdown-hold", Reason: "no markdown recommended"}, nil
		}
		if p.markdownCeiling > 0 && req.MarkdownPct <= p.markdownCeiling {
			return Decision{PolicyID: "markdown-within-ceiling", Reason: fmt.Sprintf("markdown %.0f%% within %.0f%% ceiling", req.MarkdownPct*100, p.markdownCeiling*100)}, nil
		}
	}
	return Decision{
		Required: true,
		PolicyID: "approval-required",
		Reason:   fmt.Sprintf("%s stage requires human approval", req.Stage),
	}, nil
}
