package domain

import "time"

// StepLog is one audit record of a step execution.
type StepLog struct {
	ID       int64     `json:"id"`
	RunID    string    `json:"runId"`
	Workflow string    `json:"workflow"`
	Step     string    `json:"step"`
	Outcome  string    `json:"outcome"` // NEXT, FINISHED, ERROR, REJECTED
	Text     string    `json:"text"`
	Username string    `json:"username"`
	DateTime time.Time `json:"dateTime"`
}

const (
	StepOutcomeNext     = "NEXT"
	StepOutcomeFinished = "FINISHED"
	StepOutcomeError    = "ERROR"
	StepOutcomeRejected = "REJECTED"
)
