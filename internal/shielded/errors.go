// errors.go - Error taxonomy for the shielded ledger state.

package shielded

import "errors"

var (
	// ErrDuplicateCommitment is returned when a commitment is already in the
	// accumulator. Non-retryable with the same outputs.
	ErrDuplicateCommitment = errors.New("duplicate commitment")

	// ErrNotFound is returned when a membership proof is requested for a
	// commitment the accumulator does not contain.
	ErrNotFound = errors.New("commitment not found")

	// ErrNullifierReused is returned when a nullifier is already reserved.
	// The spend is permanently rejected; resubmission cannot succeed.
	ErrNullifierReused = errors.New("nullifier reused")

	// ErrInvalidProof is returned when the zero-knowledge proof does not
	// verify against the public statement, or verification timed out.
	ErrInvalidProof = errors.New("invalid proof")

	// ErrInsufficientFunds is returned when a transparent debit exceeds the
	// account balance. Balances are never clamped.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrOverflow is returned when a transparent credit would overflow the
	// 256-bit balance range.
	ErrOverflow = errors.New("balance overflow")

	// ErrHalted is returned after a component detected an internal
	// consistency fault. All further mutation is refused; the wrapped cause
	// names the original violation.
	ErrHalted = errors.New("ledger state halted")
)
