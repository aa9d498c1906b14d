package workflow

import (
	"fmt"
	"strings"
	"time"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities for claim selection, higher first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

type RetryOptions struct {
	RetryFailedNodesOnly bool     `json:"retryFailedNodesOnly"`
	ResetContext         bool     `json:"resetContext"`
	Priority             Priority `json:"priority,omitempty"`
}

// ExecutionContext travels with a job and is copied into the engine when a
// run starts.
type ExecutionContext struct {
	// DaysPassed is the number of days since the triggering event, supplied
	// by whoever enqueues the job.
	DaysPassed           int               `json:"daysPassed"`
	TriggerType          string            `json:"triggerType,omitempty"`
	RetryFromExecutionID string            `json:"retryFromExecutionId,omitempty"`
	RetryOptions         *RetryOptions     `json:"retryOptions,omitempty"`
	CustomVariables      map[string]string `json:"customVariables,omitempty"`
	// TriggeredAt anchors delays. When set, DaysPassed is recomputed from it
	// at the start of every run.
	TriggeredAt *time.Time `json:"triggeredAt,omitempty"`
	// ResumeFrom restarts the walk at these nodes instead of the trigger.
	ResumeFrom []string `json:"resumeFrom,omitempty"`
	// ResumeOffsets holds the delay already accumulated on the path into
	// each ResumeFrom node.
	ResumeOffsets map[string]time.Duration `json:"resumeOffsets,omitempty"`
	// ExecutionID is set when a deferred run continues an existing record.
	ExecutionID string `json:"executionId,omitempty"`
}

func (c ExecutionContext) Trigger() string {
	if c.TriggerType == "" {
		return DefaultTriggerType
	}
	return c.TriggerType
}

func (c ExecutionContext) Clone() ExecutionContext {
	out := c
	if c.RetryOptions != nil {
		ro := *c.RetryOptions
		out.RetryOptions = &ro
	}
	if c.CustomVariables != nil {
		out.CustomVariables = make(map[string]string, len(c.CustomVariables))
		for k, v := range c.CustomVariables {
			out.CustomVariables[k] = v
		}
	}
	if c.ResumeFrom != nil {
		out.ResumeFrom = append([]string(nil), c.ResumeFrom...)
	}
	if c.ResumeOffsets != nil {
		out.ResumeOffsets = make(map[string]time.Duration, len(c.ResumeOffsets))
		for k, v := range c.ResumeOffsets {
			out.ResumeOffsets[k] = v
		}
	}
	if c.TriggeredAt != nil {
		at := *c.TriggeredAt
		out.TriggeredAt = &at
	}
	return out
}
