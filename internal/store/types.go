// Package store persists sessions, branches, rounds, snapshots, and jobs as
// JSON files. One record per file, atomic writes, in-process path locks.
package store

// Round statuses. Completed is terminal.
const (
	RoundOpen           = "open"
	RoundPendingBlocked = "pending_blocked"
	RoundCompleted      = "completed"
)

// Job statuses. A job leaves pending either by being enqueued to an external
// queue or by completing inline.
const (
	JobPending   = "pending"
	JobEnqueued  = "enqueued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCanceled  = "canceled"
)

// Session is the root record. StableState holds the last-stable state
// snapshot persisted between rounds.
type Session struct {
	ID             string         `json:"id"`
	CreatedAt      string         `json:"created_at"`
	TurnCount      int            `json:"turn_count"`
	ActiveBranchID string         `json:"active_branch_id"`
	StableState    map[string]any `json:"lss_state_json"`
}

// Branch records a conversation line within a session, optionally forked
// from a round of a parent branch.
type Branch struct {
	ID             string `json:"id"`
	SessionID      string `json:"session_id"`
	CreatedAt      string `json:"created_at"`
	ParentBranchID string `json:"parent_branch_id,omitempty"`
	ForkFromRound  int    `json:"fork_from_round,omitempty"`
}

// Round is one user-input anchored exchange on a branch.
type Round struct {
	ID         string              `json:"id"`
	SessionID  string              `json:"session_id"`
	BranchID   string              `json:"branch_id"`
	RoundNo    int                 `json:"round_no"`
	UserInput  string              `json:"user_input"`
	LLMReply   string              `json:"llm_reply,omitempty"`
	Messages   []map[string]string `json:"messages,omitempty"`
	CreatedAt  string              `json:"created_at"`
	Status     string              `json:"status"`
	Blockers   []string            `json:"blockers"`
	SnapshotID string              `json:"snapshot_id,omitempty"`
}

// Snapshot anchors a round: the stable state at round start plus the
// conversation range it was built from. Immutable once written.
type Snapshot struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"session_id"`
	BranchID        string         `json:"branch_id"`
	AnchorRound     int            `json:"anchor_round"`
	CreatedAt       string         `json:"created_at"`
	StableState     map[string]any `json:"lss_state_json"`
	ConvoRangeStart int            `json:"convo_range_start"`
	ConvoRangeEnd   int            `json:"convo_range_end"`
	Tags            []string       `json:"tags,omitempty"`
}

// Job is one background work record following the outbox pattern: Enqueued
// tracks hand-off to the queue separately from execution status.
type Job struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id"`
	BranchID     string         `json:"branch_id"`
	AnchorRound  int            `json:"anchor_round"`
	SnapshotID   string         `json:"snapshot_id,omitempty"`
	Type         string         `json:"type"`
	BaseRangeEnd int            `json:"base_range_end"`
	Gating       bool           `json:"gating"`
	Status       string         `json:"status"`
	Enqueued     bool           `json:"enqueued"`
	CreatedAt    string         `json:"created_at"`
	Payload      map[string]any `json:"payload"`
	Result       map[string]any `json:"result,omitempty"`
}
