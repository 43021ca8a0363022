package store

import "time"

// Status of an execution. Terminal statuses are immutable once written; a
// retried task is a new dequeue of the same execution, never an edit.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusErrored Status = "errored"
	// StatusNoBaseline marks an execution whose grouping key had too little
	// history to score; surfaced distinctly so it is never counted healthy.
	StatusNoBaseline Status = "no_baseline"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusErrored, StatusNoBaseline:
		return true
	}
	return false
}

type ExecutionRecord struct {
	ExecutionID        string
	TestID             string
	Status             Status
	StartedAt          time.Time
	CompletedAt        *time.Time
	LogicalDate        *time.Time
	ObservedValue      *float64
	ExpectedValue      *float64
	BaselineSampleSize int
	ErrorMessage       *string
}

// TestRecord is a read-only view of a test definition owned by the
// configuration store.
type TestRecord struct {
	ID             string
	Name           string
	Description    string
	Query          string
	ConnectionID   string
	Strategy       string
	StrategyParams []byte
	Enabled        bool
}
