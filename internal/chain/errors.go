package chain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInsufficientFunds means the signing account cannot pay for gas or fees.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrReverted means the transaction was mined with a failed status.
	ErrReverted = errors.New("transaction reverted")
	// ErrConfirmationTimeout means no receipt arrived before the wait expired.
	ErrConfirmationTimeout = errors.New("confirmation timed out")
	// ErrConsumeFailed marks a pull update that was published but not
	// materialised into the stored price slot.
	ErrConsumeFailed = errors.New("stored price consume failed")
	// ErrNotConfigured indicates missing contract address or signer.
	ErrNotConfigured = errors.New("chain submitter not configured")
)

// classify maps node error strings onto the package sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%s: %w: %v", op, ErrInsufficientFunds, err)
	case strings.Contains(msg, "execution reverted"):
		return fmt.Errorf("%s: %w: %v", op, ErrReverted, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
