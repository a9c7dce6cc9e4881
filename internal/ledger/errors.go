package ledger

import "errors"

var (
	// ErrInsufficientCredits means the deduction would take the balance below zero
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrBalanceNotFound means no balance row exists for the owner
	ErrBalanceNotFound = errors.New("credit balance not found")

	// ErrVersionConflict means concurrent writers exhausted the retry budget
	ErrVersionConflict = errors.New("balance version conflict")

	// ErrInvalidReference means a refund does not point at a deduction
	// entry belonging to the same owner
	ErrInvalidReference = errors.New("invalid ledger entry reference")

	// ErrInvalidInput covers malformed mutation parameters
	ErrInvalidInput = errors.New("invalid mutation parameters")
)
