package conflict

import (
	"time"
)

// Type classifies a conflict between sessions.
type Type string

const (
	TypeResourceLock    Type = "resource_lock"
	TypeGitMerge        Type = "git_merge"
	TypeFileEdit        Type = "file_edit"
	TypeContextSwitch   Type = "context_switch"
	TypeStateDivergence Type = "state_divergence"
)

// Strategy names a resolution approach.
type Strategy string

const (
	StrategyWaitRetry Strategy = "wait_retry"
	StrategySerialize Strategy = "serialize"
	StrategyMerge     Strategy = "three_way_merge"
	StrategyLWW       Strategy = "last_writer_wins"
	StrategyManual    Strategy = "manual"
)

// DefaultStrategy maps a conflict type to its default resolution
// strategy.
func DefaultStrategy(t Type) Strategy {
	switch t {
	case TypeResourceLock:
		return StrategyWaitRetry
	case TypeGitMerge:
		return StrategySerialize
	case TypeFileEdit:
		return StrategyMerge
	case TypeContextSwitch:
		return StrategyLWW
	default:
		return StrategyManual
	}
}

// Intent is one session's reported plan to touch a shared resource.
// Base and Proposed carry content for mergeable conflict types;
// Operation describes the action for serialized ones (push, rebase,
// a lock type for contention intents).
type Intent struct {
	SessionID  string    `json:"session_id"`
	ProjectID  string    `json:"project_id"`
	Type       Type      `json:"type"`
	ResourceID string    `json:"resource_id"`
	Operation  string    `json:"operation,omitempty"`
	Base       string    `json:"base,omitempty"`
	Proposed   string    `json:"proposed,omitempty"`
	At         time.Time `json:"at"`
}

// Status of a conflict record. Escalated records stay open until an
// external manual resolution closes them.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// OutcomeKind is what a resolution attempt produced.
type OutcomeKind string

const (
	OutcomeResolved   OutcomeKind = "resolved"
	OutcomeEscalated  OutcomeKind = "escalated"
	OutcomeInProgress OutcomeKind = "in_progress"
)

// Outcome describes the result of a Resolve call. Escalated outcomes
// carry both sides' intents and rendered diffs so an external decider
// has full context.
type Outcome struct {
	Kind     OutcomeKind `json:"kind"`
	Strategy Strategy    `json:"strategy"`
	Detail   string      `json:"detail,omitempty"`

	// Merged holds the auto-merged content for clean three-way merges.
	Merged string `json:"merged,omitempty"`

	// Order is the execution sequence for serialized operations.
	Order []string `json:"order,omitempty"`

	// Superseded lists sessions whose intent lost a last-writer-wins
	// resolution.
	Superseded []string `json:"superseded,omitempty"`

	// Intents is attached on escalation.
	Intents []Intent `json:"intents,omitempty"`
}

// Record is a detected conflict and its resolution state.
type Record struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	ResourceID string    `json:"resource_id"`
	ProjectID  string    `json:"project_id"`
	Intents    []Intent  `json:"intents"`
	Status     Status    `json:"status"`
	Outcome    *Outcome  `json:"outcome,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ClosedAt   time.Time `json:"closed_at,omitempty"`
}

// Sessions returns the distinct session ids involved, in intent order.
func (r *Record) Sessions() []string {
	seen := make(map[string]bool, len(r.Intents))
	var ids []string
	for _, in := range r.Intents {
		if !seen[in.SessionID] {
			seen[in.SessionID] = true
			ids = append(ids, in.SessionID)
		}
	}
	return ids
}
