package domain

import "time"

// SyncRun is one audit row per orchestrator execution, persisted to the
// mirror store best-effort.
type SyncRun struct {
	ID         int64
	DealID     string
	Workflow   string
	Status     string
	Reason     string
	Error      string
	ItemCount  int
	StartedAt  time.Time
	FinishedAt time.Time
}
