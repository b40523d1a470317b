package plan

import "time"

// EntryKind distinguishes status transitions from annotations.
type EntryKind string

const (
	EntryTransition EntryKind = "transition"
	EntryNote       EntryKind = "note"
)

// Note reasons recorded without a status change.
const (
	NoteDegradedAnalysis    = "DegradedAnalysis"
	NoteRetried             = "Retried"
	NoteDistillationPending = "DistillationPending"
	NoteDistilled           = "Distilled"
	NoteCancelRequested     = "CancelRequested"
	NotePublished           = "Published"
)

// AuditEntry is one immutable record in a plan's history. Transition entries
// move From to To; note entries carry From == To == the status at the time.
type AuditEntry struct {
	Seq    int64     `json:"seq"`
	PlanID string    `json:"plan_id"`
	Kind   EntryKind `json:"kind"`
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Actor  string    `json:"actor"`
	Reason string    `json:"reason,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
	Hash   string    `json:"hash"`
}
