package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"sentinel-oracle/internal/domain"
)

// AttemptRecord is a persisted update attempt.
type AttemptRecord struct {
	ID         uuid.UUID
	Asset      string
	AssetID    string
	Price      decimal.NullDecimal
	Confidence decimal.NullDecimal
	Source     string
	Anomalous  bool
	ZScore     *float64
	PctChange  *float64
	Reason     string
	Outcome    string
	TxHash     *string
	RetryCount int
	Error      *string
	StartedAt  time.Time
	FinishedAt time.Time
	CreatedAt  time.Time
}

// NewAttemptRecord flattens a domain attempt for persistence.
func NewAttemptRecord(a domain.Attempt) AttemptRecord {
	rec := AttemptRecord{
		ID:         a.ID,
		Asset:      a.Asset.Symbol,
		AssetID:    a.Asset.ID.Hex(),
		Outcome:    string(a.Outcome),
		RetryCount: a.RetryCount,
		StartedAt:  a.StartedAt,
		FinishedAt: a.FinishedAt,
	}
	if a.Sample != nil {
		rec.Price = decimal.NewNullDecimal(a.Sample.Decimal())
		rec.Confidence = decimal.NewNullDecimal(a.Sample.ConfidenceDecimal())
		rec.Source = a.Sample.Source()
	}
	if a.Verdict != nil {
		z, pct := a.Verdict.ZScore, a.Verdict.PctChange
		rec.Anomalous = a.Verdict.Anomalous
		rec.Reason = a.Verdict.Reason
		if a.Verdict.Sufficient {
			rec.ZScore = &z
			rec.PctChange = &pct
		}
	}
	if a.TxHash != "" {
		tx := a.TxHash
		rec.TxHash = &tx
	}
	if a.Err != "" {
		msg := a.Err
		rec.Error = &msg
	}
	return rec
}

// ProcessedEvent marks an on-chain event as handled.
type ProcessedEvent struct {
	ID          string
	Name        string
	AssetID     string
	TxHash      string
	BlockNumber uint64
	ProcessedAt time.Time
}
