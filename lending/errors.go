package lending

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	// ErrNotConfigured signals that the lending contract address is still the
	// deployment placeholder. Submissions fail before any network call.
	ErrNotConfigured = errors.New("lending: contract address not configured")
	// ErrWalletNotConnected signals that no signing account was supplied.
	ErrWalletNotConnected = errors.New("lending: wallet not connected")
	// ErrRejected signals that the signer declined to sign. Recoverable, but
	// never retried automatically.
	ErrRejected = errors.New("lending: signing rejected")
	// ErrDuplicateAction signals a concurrent submission for the same loan.
	ErrDuplicateAction = errors.New("lending: action already in flight for loan")
	// ErrUnknownAsset signals a collateral symbol with no registry entry.
	ErrUnknownAsset = errors.New("lending: unknown collateral asset")
	// ErrPrecisionLoss signals input that cannot be represented exactly in
	// the contract's integer encoding.
	ErrPrecisionLoss = errors.New("lending: input exceeds representable precision")
	// ErrNotFound signals an unknown loan identifier.
	ErrNotFound = errors.New("lending: loan not found")
)

// ValidationError reports malformed or out-of-range user input. Always
// recoverable by re-prompting; never reaches the network.
type ValidationError struct {
	Field  string
	Reason string
	err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("lending: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.err }

// NewValidationError builds a ValidationError optionally wrapping a sentinel
// such as ErrPrecisionLoss.
func NewValidationError(field, reason string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Reason: reason, err: wrapped}
}

// SubmissionError reports a broadcast that never reached inclusion. When the
// submitter re-broadcast with a fresh nonce, DuplicateRisk warns that more
// than one attempt may eventually land.
type SubmissionError struct {
	Attempts      int
	DuplicateRisk bool
	err           error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("lending: submission failed after %d attempt(s): %v", e.Attempts, e.err)
}

func (e *SubmissionError) Unwrap() error { return e.err }

// NewSubmissionError wraps the final transport failure of a submission.
func NewSubmissionError(attempts int, duplicateRisk bool, err error) *SubmissionError {
	return &SubmissionError{Attempts: attempts, DuplicateRisk: duplicateRisk, err: err}
}

// RevertError reports a transaction the ledger included but whose execution
// failed. Terminal for that attempt; the reason is surfaced when the node
// exposes one.
type RevertError struct {
	TxHash common.Hash
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("lending: transaction %s reverted", e.TxHash.Hex())
	}
	return fmt.Sprintf("lending: transaction %s reverted: %s", e.TxHash.Hex(), e.Reason)
}

// InDoubtError reports a submission whose outcome is unknown after the
// confirmation ceiling. The pending action stays in the reconciliation store
// until a ledger event resolves it.
type InDoubtError struct {
	ActionID uuid.UUID
	TxHash   common.Hash
}

func (e *InDoubtError) Error() string {
	return fmt.Sprintf("lending: transaction %s unconfirmed, outcome in doubt", e.TxHash.Hex())
}

// ErrorKind buckets every error the core can produce into exactly one
// category for API responses and metrics labels.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindConfiguration ErrorKind = "configuration"
	KindConnectivity  ErrorKind = "connectivity"
	KindRejection     ErrorKind = "rejection"
	KindDuplicate     ErrorKind = "duplicate"
	KindRevert        ErrorKind = "revert"
	KindInDoubt       ErrorKind = "in_doubt"
	KindNotFound      ErrorKind = "not_found"
	KindInternal      ErrorKind = "internal"
)

// Classify maps an error to its taxonomy bucket. Unrecognised errors fall
// through to KindInternal rather than being swallowed.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var (
		validation *ValidationError
		submission *SubmissionError
		revert     *RevertError
		inDoubt    *InDoubtError
	)
	switch {
	case errors.As(err, &validation):
		return KindValidation
	case errors.Is(err, ErrUnknownAsset), errors.Is(err, ErrPrecisionLoss):
		return KindValidation
	case errors.Is(err, ErrNotConfigured):
		return KindConfiguration
	case errors.Is(err, ErrWalletNotConnected):
		return KindConnectivity
	case errors.As(err, &submission):
		return KindConnectivity
	case errors.Is(err, ErrRejected):
		return KindRejection
	case errors.Is(err, ErrDuplicateAction):
		return KindDuplicate
	case errors.As(err, &revert):
		return KindRevert
	case errors.As(err, &inDoubt):
		return KindInDoubt
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}
