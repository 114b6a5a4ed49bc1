package lending

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// LoanStatus tracks the ledger-driven lifecycle of a loan. Transitions are
// applied only from confirmed contract events, never from optimistic local
// writes.
type LoanStatus uint8

const (
	StatusOpen LoanStatus = iota
	StatusFunded
	StatusRepaid
	StatusDefaulted
)

// String renders the status using the contract's display vocabulary.
func (s LoanStatus) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusFunded:
		return "Funded"
	case StatusRepaid:
		return "Repaid"
	case StatusDefaulted:
		return "Defaulted"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the status admits no further transitions.
func (s LoanStatus) Terminal() bool {
	return s == StatusRepaid || s == StatusDefaulted
}

// CanTransition reports whether the contract state machine permits moving a
// loan from one status to another. Open loans may only be funded; funded
// loans settle as repaid or defaulted; terminal states absorb.
func CanTransition(from, to LoanStatus) bool {
	switch from {
	case StatusOpen:
		return to == StatusFunded
	case StatusFunded:
		return to == StatusRepaid || to == StatusDefaulted
	default:
		return false
	}
}

// Sequence orders ledger events by inclusion position. Events carry the block
// number and intra-block log index assigned by the node; comparisons against
// a loan's last applied sequence reject stale or duplicate deliveries.
type Sequence struct {
	BlockNumber uint64
	LogIndex    uint
}

// Before reports whether s was included strictly earlier than other.
func (s Sequence) Before(other Sequence) bool {
	if s.BlockNumber != other.BlockNumber {
		return s.BlockNumber < other.BlockNumber
	}
	return s.LogIndex < other.LogIndex
}

// LoanRequest is a validated, immutable borrower intent expressed in the
// contract's integer encoding: base units for amounts, basis points for the
// rate, seconds for the duration.
type LoanRequest struct {
	Borrower         common.Address
	Amount           *big.Int
	InterestBps      uint64
	DurationSeconds  uint64
	CollateralAsset  common.Address
	CollateralAmount *big.Int
}

// Loan is the reconciled on-chain entity. The ledger is authoritative; the
// in-memory copy held by the reconciliation store is a cache keyed by the
// ledger-assigned identifier.
type Loan struct {
	ID               uint64
	Borrower         common.Address
	Lender           *common.Address
	Amount           *big.Int
	InterestBps      uint64
	DurationSeconds  uint64
	CollateralAsset  common.Address
	CollateralAmount *big.Int
	Status           LoanStatus
	// Applied records the sequence of the newest event folded into this
	// record.
	Applied Sequence
}

// Clone returns a deep copy safe to hand outside the store.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	dup := *l
	if l.Amount != nil {
		dup.Amount = new(big.Int).Set(l.Amount)
	}
	if l.CollateralAmount != nil {
		dup.CollateralAmount = new(big.Int).Set(l.CollateralAmount)
	}
	if l.Lender != nil {
		lender := *l.Lender
		dup.Lender = &lender
	}
	return &dup
}

// ActionKind identifies the logical user operation behind a submission.
type ActionKind uint8

const (
	ActionCreate ActionKind = iota
	ActionFund
	ActionRepay
)

func (k ActionKind) String() string {
	switch k {
	case ActionCreate:
		return "create"
	case ActionFund:
		return "fund"
	case ActionRepay:
		return "repay"
	default:
		return "unknown"
	}
}

// ActionState tracks a pending action through the submission pipeline.
type ActionState uint8

const (
	ActionSubmitted ActionState = iota
	ActionInDoubt
	ActionConfirmed
	ActionFailed
)

func (s ActionState) String() string {
	switch s {
	case ActionSubmitted:
		return "submitted"
	case ActionInDoubt:
		return "in_doubt"
	case ActionConfirmed:
		return "confirmed"
	case ActionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PendingAction is the local optimistic record of a broadcast transaction
// whose ledger outcome is not yet folded into the loan set. It is owned by
// the submission layer and reconciled away once the matching event or
// receipt is observed.
type PendingAction struct {
	ID          uuid.UUID
	Kind        ActionKind
	LoanID      uint64 // zero for ActionCreate
	Actor       common.Address
	TxHash      common.Hash
	SubmittedAt time.Time
	State       ActionState
	ResolvedAt  time.Time
}

// NewPendingAction stamps a fresh action record in the submitted state.
func NewPendingAction(kind ActionKind, loanID uint64, actor common.Address, tx common.Hash, now time.Time) *PendingAction {
	return &PendingAction{
		ID:          uuid.New(),
		Kind:        kind,
		LoanID:      loanID,
		Actor:       actor,
		TxHash:      tx,
		SubmittedAt: now,
		State:       ActionSubmitted,
	}
}

// EventKind enumerates the contract events the reconciler understands.
type EventKind uint8

const (
	EventLoanCreated EventKind = iota
	EventLoanFunded
	EventLoanRepaid
	EventLoanDefaulted
)

func (k EventKind) String() string {
	switch k {
	case EventLoanCreated:
		return "LoanCreated"
	case EventLoanFunded:
		return "LoanFunded"
	case EventLoanRepaid:
		return "LoanRepaid"
	case EventLoanDefaulted:
		return "LoanDefaulted"
	default:
		return "Unknown"
	}
}

// Event is a decoded contract log entry. Only the fields relevant to the
// event kind are populated; the full loan payload rides on LoanCreated.
type Event struct {
	Kind    EventKind
	LoanID  uint64
	Seq     Sequence
	TxHash  common.Hash
	Actor   common.Address // borrower on create, lender on fund
	Request *LoanRequest   // populated for LoanCreated
}
