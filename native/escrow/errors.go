package escrow

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the ledger. Callers match them with errors.Is;
// the wrapped message carries the instruction-specific detail.
var (
	ErrInvalidAmount          = errors.New("escrow: invalid amount")
	ErrExceedsMaximum         = errors.New("escrow: amount exceeds maximum")
	ErrInvalidStateTransition = errors.New("escrow: invalid state transition")
	ErrUnauthorized           = errors.New("escrow: unauthorized")
	ErrInsufficientFunds      = errors.New("escrow: insufficient funds")
	ErrInvalidEvidenceHash    = errors.New("escrow: invalid evidence hash")
	ErrAlreadyInUse           = errors.New("escrow: account already in use")
	ErrEscrowNotFound         = errors.New("escrow: escrow not found")
	ErrDeadlineExpired        = errors.New("escrow: deadline expired")
	ErrDeadlineNotReached     = errors.New("escrow: deadline not reached")
	ErrInvalidAddress         = errors.New("escrow: invalid address")
	ErrModulePaused           = errors.New("escrow: module paused")

	// ErrEscrowClosed is returned for any instruction against an escrow that
	// already reached a terminal state.
	ErrEscrowClosed = fmt.Errorf("%w: escrow closed", ErrInvalidStateTransition)

	errNilState = errors.New("escrow engine: state not configured")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrEscrowClosed, "escrow_closed"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrExceedsMaximum, "exceeds_maximum"},
	{ErrInvalidStateTransition, "invalid_state_transition"},
	{ErrUnauthorized, "unauthorized"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrInvalidEvidenceHash, "invalid_evidence_hash"},
	{ErrAlreadyInUse, "already_in_use"},
	{ErrEscrowNotFound, "escrow_not_found"},
	{ErrDeadlineExpired, "deadline_expired"},
	{ErrDeadlineNotReached, "deadline_not_reached"},
	{ErrInvalidAddress, "invalid_address"},
	{ErrModulePaused, "module_paused"},
}

// ErrorKind returns a stable label for err suitable for metrics and receipts.
// Errors outside the ledger taxonomy map to "internal".
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, candidate := range errorKinds {
		if errors.Is(err, candidate.err) {
			return candidate.kind
		}
	}
	return "internal"
}
