// services/errors.go
package services

import "errors"

// Domain errors surfaced by the challenge core. Handlers map these to HTTP
// status codes; idempotency hits (duplicate external id, duplicate stake,
// duplicate penalty) are deliberately NOT errors and return the existing
// result instead.
var (
	ErrInvalidTimezone      = errors.New("invalid timezone")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrAllocationUnderflow  = errors.New("wallet allocation underflow")
	ErrDuplicateVote        = errors.New("vote already cast")
	ErrNotEligibleVoter     = errors.New("not an eligible voter")
	ErrSubmissionNotPending = errors.New("submission not pending review")
	ErrNoOpenSlot           = errors.New("no open slot")
	ErrSlotLimitReached     = errors.New("submission limit reached for this slot")
)
