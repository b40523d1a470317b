// Package plan defines the troubleshooting plan domain: plans, steps, the
// lifecycle state machine, audit entries and the coded error taxonomy shared
// by every stage of the pipeline.
package plan

import (
	"fmt"
	"strings"
	"time"
)

// Status is a position in the plan lifecycle.
type Status string

// Plan lifecycle states.
const (
	StatusDraft              Status = "Draft"
	StatusPendingAIReview    Status = "PendingAIReview"
	StatusPendingHumanReview Status = "PendingHumanReview"
	StatusApproved           Status = "Approved"
	StatusRejected           Status = "Rejected"
	StatusQueued             Status = "Queued"
	StatusExecuting          Status = "Executing"
	StatusValidating         Status = "Validating"
	StatusSucceeded          Status = "Succeeded"
	StatusFailed             Status = "Failed"
)

// AllStatuses lists every state in lifecycle order.
var AllStatuses = []Status{
	StatusDraft,
	StatusPendingAIReview,
	StatusPendingHumanReview,
	StatusApproved,
	StatusRejected,
	StatusQueued,
	StatusExecuting,
	StatusValidating,
	StatusSucceeded,
	StatusFailed,
}

// ParseStatus converts s into a Status, matching case-insensitively.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if strings.EqualFold(string(st), s) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown plan status %q", s)
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusRejected || s == StatusFailed
}

// HasFeedback reports whether a plan in state s must carry analyzer feedback.
func (s Status) HasFeedback() bool {
	switch s {
	case StatusDraft, StatusPendingAIReview, "":
		return false
	}
	return true
}

// HasLog reports whether a plan in state s must have a non-empty execution log.
func (s Status) HasLog() bool {
	switch s {
	case StatusExecuting, StatusValidating, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Cancellable reports whether an operator may request cancellation in state s.
func (s Status) Cancellable() bool {
	switch s {
	case StatusApproved, StatusQueued, StatusExecuting, StatusValidating:
		return true
	}
	return false
}

// Priority orders queued plans. Higher priority plans are dequeued first.
type Priority string

// Queue priorities.
const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists priorities from most to least urgent.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// ParsePriority converts s into a Priority. Empty input yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return PriorityNormal, nil
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityNormal:
		return PriorityNormal, nil
	case PriorityLow:
		return PriorityLow, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// DistillState tracks knowledge distillation for a succeeded plan.
type DistillState string

const (
	DistillNone    DistillState = ""
	DistillPending DistillState = "pending"
	DistillDone    DistillState = "done"
)

// Feedback is the analyzer's opinion of a plan.
type Feedback struct {
	Risks       []string `json:"risks"`
	Suggestions []string `json:"suggestions"`
}

// Empty reports whether the analyzer produced nothing.
func (f Feedback) Empty() bool {
	return len(f.Risks) == 0 && len(f.Suggestions) == 0
}

// Plan is a proposed remediation and everything recorded about it.
type Plan struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Steps       []Step   `json:"steps"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority"`
	Author      string   `json:"author,omitempty"`
	Supersedes  string   `json:"supersedes,omitempty"`

	// Feedback is nil until analysis completes.
	Feedback     *Feedback `json:"ai_feedback"`
	ExecutionLog []string  `json:"execution_log"`

	Retries           int          `json:"retries"`
	Branch            string       `json:"branch,omitempty"`
	Artifact          string       `json:"artifact,omitempty"`
	FailureReason     Code         `json:"failure_reason,omitempty"`
	ValidationSummary string       `json:"validation_summary,omitempty"`
	Distillation      DistillState `json:"distillation,omitempty"`
	CancelRequested   bool         `json:"cancel_requested"`

	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LeaseLive reports whether another worker currently holds the plan.
func (p *Plan) LeaseLive(now time.Time) bool {
	return p.LeaseOwner != "" && now.Before(p.LeaseExpiresAt)
}

// BranchName returns the deterministic ephemeral branch for a plan id.
func BranchName(prefix, planID string) string {
	return prefix + "plan-" + planID
}
