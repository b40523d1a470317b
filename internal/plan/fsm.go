package plan

// validTransitions defines the legal status transitions. Each key is a
// source status; the value is the set of targets reachable from it.
var validTransitions = map[Status]map[Status]bool{
	"":                       {StatusDraft: true},
	StatusDraft:              {StatusPendingAIReview: true},
	StatusPendingAIReview:    {StatusPendingHumanReview: true},
	StatusPendingHumanReview: {StatusApproved: true, StatusRejected: true},
	StatusApproved:           {StatusQueued: true},
	StatusQueued:             {StatusExecuting: true},
	StatusExecuting:          {StatusValidating: true, StatusFailed: true},
	StatusValidating:         {StatusSucceeded: true, StatusFailed: true},
}

// IsValidTransition checks if a status transition is legal.
func IsValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// CheckTransition returns a Conflict error when from→to is not an edge of
// the lifecycle graph.
func CheckTransition(from, to Status) error {
	if IsValidTransition(from, to) {
		return nil
	}
	return Errorf(CodeConflict, "transition", "illegal transition %q -> %q", from, to)
}
