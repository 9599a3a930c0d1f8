package audit

import (
	"strings"
	"time"
)

// Outcome classifies an audited event.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Entry is one immutable audit record. IDs are ULIDs and sort by OccurredAt.
type Entry struct {
	ID          string    `json:"id"`
	OccurredAt  time.Time `json:"occurred_at"`
	ActorID     string    `json:"actor_id,omitempty"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	Role        string    `json:"role,omitempty"`
	BranchID    string    `json:"branch_id,omitempty"`
	EntityType  string    `json:"entity_type,omitempty"`
	EntityID    string    `json:"entity_id,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	SourceAddr  string    `json:"source_addr,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 500
)

// Filter narrows audit queries. Zero values match everything.
type Filter struct {
	ActorID  string
	Action   string
	BranchID string
	From     time.Time
	To       time.Time
	Limit    int
}

// Normalize trims the string fields and clamps Limit.
func (f Filter) Normalize() Filter {
	f.ActorID = strings.TrimSpace(f.ActorID)
	f.Action = strings.TrimSpace(f.Action)
	f.BranchID = strings.TrimSpace(f.BranchID)
	switch {
	case f.Limit <= 0:
		f.Limit = defaultQueryLimit
	case f.Limit > maxQueryLimit:
		f.Limit = maxQueryLimit
	}
	return f
}

// Match reports whether e satisfies the filter. To is exclusive.
func (f Filter) Match(e Entry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.BranchID != "" && e.BranchID != f.BranchID {
		return false
	}
	if !f.From.IsZero() && e.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.OccurredAt.Before(f.To) {
		return false
	}
	return true
}
