package http

import (
	"github.com/fyrsmithlabs/fixplan/internal/knowledge"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
	"github.com/fyrsmithlabs/fixplan/internal/telemetry"
)

// SubmitRequest is the body of POST /api/v1/plans and PUT /api/v1/plans/:id.
type SubmitRequest struct {
	plan.Submission
	// Draft keeps the plan editable; ignored on PUT.
	Draft bool `json:"draft,omitempty"`
}

// DecisionRequest is the body of POST /api/v1/plans/:id/decision.
type DecisionRequest struct {
	Decision      string `json:"decision"`
	Justification string `json:"justification,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type PlanList struct {
	Plans []*plan.Plan `json:"plans"`
}

type DecisionResponse struct {
	Plan   *plan.Plan       `json:"plan"`
	Status plan.Status      `json:"status"`
	Entry  *plan.AuditEntry `json:"entry,omitempty"`
}

type SearchResponse struct {
	Query   string            `json:"query"`
	Matches []knowledge.Match `json:"matches"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Store     string                  `json:"store,omitempty"`
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}
