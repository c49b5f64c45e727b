package domain

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the final state of an UpdateAttempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
	// OutcomePartial means the price was published but not consumed into
	// the contract's stored slot.
	OutcomePartial Outcome = "partial"
)

// Attempt records one scheduling cycle for an asset.
type Attempt struct {
	ID         uuid.UUID
	Asset      Asset
	Sample     *Sample
	Verdict    *Verdict
	Outcome    Outcome
	TxHash     string
	RetryCount int
	Err        string
	StartedAt  time.Time
	FinishedAt time.Time
}

// NewAttempt starts an attempt for asset.
func NewAttempt(asset Asset, retries int) Attempt {
	return Attempt{
		ID:         uuid.New(),
		Asset:      asset,
		RetryCount: retries,
		StartedAt:  time.Now().UTC(),
	}
}

// Finish stamps the outcome and completion time.
func (a *Attempt) Finish(outcome Outcome, err error) {
	a.Outcome = outcome
	a.FinishedAt = time.Now().UTC()
	if err != nil {
		a.Err = err.Error()
	}
}
