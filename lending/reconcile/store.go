// Package reconcile maintains the merged view of confirmed loans and
// outstanding pending actions. The ledger is the single source of truth:
// local state only ever moves forward along the contract's state machine,
// ordered by ledger sequence rather than receipt arrival.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"elinklend/ledger"
	"elinklend/lending"
	"elinklend/observability"
)

// Ledger is the read-side RPC surface the store polls.
type Ledger interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Config tunes one store instance.
type Config struct {
	Contract        common.Address
	RefreshInterval time.Duration
	FailedRetention time.Duration
	// StartBlock is the first block scanned for contract events; zero scans
	// from genesis.
	StartBlock uint64
}

// Store holds the reconciled loan set plus the pending-action overlay.
type Store struct {
	cfg     Config
	ledger  Ledger
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	loans     map[uint64]*lending.Loan
	pending   map[uuid.UUID]*lending.PendingAction
	highWater uint64
}

// New constructs a store. The ledger may be nil when the store is fed purely
// through ApplyEvent (tests, event-push transports); Run then refuses to
// start.
func New(cfg Config, lg Ledger, metrics *observability.Metrics, logger *slog.Logger) (*Store, error) {
	if cfg.RefreshInterval <= 0 {
		return nil, fmt.Errorf("reconcile: refresh interval required")
	}
	if cfg.FailedRetention <= 0 {
		return nil, fmt.Errorf("reconcile: failed retention required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	hw := uint64(0)
	if cfg.StartBlock > 0 {
		hw = cfg.StartBlock - 1
	}
	return &Store{
		cfg:       cfg,
		ledger:    lg,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		loans:     make(map[uint64]*lending.Loan),
		pending:   make(map[uuid.UUID]*lending.PendingAction),
		highWater: hw,
	}, nil
}

// Track registers a freshly broadcast action in the overlay.
func (s *Store) Track(action *lending.PendingAction) {
	if action == nil {
		return
	}
	s.mu.Lock()
	copied := *action
	s.pending[action.ID] = &copied
	n := len(s.pending)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetPending(n)
	}
}

// Resolve transitions a tracked action. Confirmed actions leave the overlay
// immediately (the loan set now reflects them); failed and in-doubt actions
// stay visible — failed ones until the retention sweep, in-doubt ones until
// the ledger settles their outcome.
func (s *Store) Resolve(action *lending.PendingAction, state lending.ActionState, at time.Time) {
	if action == nil {
		return
	}
	s.mu.Lock()
	if tracked, ok := s.pending[action.ID]; ok {
		tracked.State = state
		tracked.ResolvedAt = at
		if state == lending.ActionConfirmed {
			delete(s.pending, action.ID)
		}
	}
	n := len(s.pending)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetPending(n)
	}
}

// ApplyEvent folds one decoded contract event into the loan set. Events are
// idempotent: duplicates and anything at or below the loan's applied
// sequence are discarded, and transitions the contract state machine forbids
// are rejected rather than applied backwards.
func (s *Store) ApplyEvent(ev *lending.Event) {
	if ev == nil {
		return
	}
	s.mu.Lock()
	disposition := s.applyLocked(ev)
	s.resolveByTxLocked(ev.TxHash)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordEvent(ev.Kind.String(), disposition)
	}
}

func (s *Store) applyLocked(ev *lending.Event) string {
	loan, exists := s.loans[ev.LoanID]
	if exists && !loan.Applied.Before(ev.Seq) {
		return "stale"
	}
	switch ev.Kind {
	case lending.EventLoanCreated:
		if exists {
			// Replayed creation below a newer state; sequence check above
			// already filtered genuine duplicates.
			return "stale"
		}
		if ev.Request == nil {
			s.logger.Warn("LoanCreated event without payload", "loan_id", ev.LoanID)
			return "rejected"
		}
		s.loans[ev.LoanID] = &lending.Loan{
			ID:               ev.LoanID,
			Borrower:         ev.Request.Borrower,
			Amount:           new(big.Int).Set(ev.Request.Amount),
			InterestBps:      ev.Request.InterestBps,
			DurationSeconds:  ev.Request.DurationSeconds,
			CollateralAsset:  ev.Request.CollateralAsset,
			CollateralAmount: new(big.Int).Set(ev.Request.CollateralAmount),
			Status:           lending.StatusOpen,
			Applied:          ev.Seq,
		}
		return "applied"
	case lending.EventLoanFunded, lending.EventLoanRepaid, lending.EventLoanDefaulted:
		if !exists {
			s.logger.Warn("event for unknown loan", "loan_id", ev.LoanID, "kind", ev.Kind.String())
			return "rejected"
		}
		target := statusFor(ev.Kind)
		if loan.Status == target {
			// Re-delivered confirmation; advance the sequence only.
			loan.Applied = ev.Seq
			return "stale"
		}
		if !lending.CanTransition(loan.Status, target) {
			s.logger.Warn("discarding forbidden status transition",
				"loan_id", ev.LoanID, "from", loan.Status.String(), "to", target.String())
			return "rejected"
		}
		loan.Status = target
		loan.Applied = ev.Seq
		if ev.Kind == lending.EventLoanFunded {
			lender := ev.Actor
			loan.Lender = &lender
		}
		return "applied"
	default:
		return "rejected"
	}
}

// resolveByTxLocked confirms any pending action whose broadcast the event
// settles, including actions previously marked in doubt.
func (s *Store) resolveByTxLocked(tx common.Hash) {
	if tx == (common.Hash{}) {
		return
	}
	for id, action := range s.pending {
		if action.TxHash == tx {
			delete(s.pending, id)
		}
	}
}

func statusFor(kind lending.EventKind) lending.LoanStatus {
	switch kind {
	case lending.EventLoanFunded:
		return lending.StatusFunded
	case lending.EventLoanRepaid:
		return lending.StatusRepaid
	default:
		return lending.StatusDefaulted
	}
}

// Loan returns a copy of one reconciled loan.
func (s *Store) Loan(id uint64) (*lending.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loan, ok := s.loans[id]
	if !ok {
		return nil, fmt.Errorf("reconcile: loan %d: %w", id, lending.ErrNotFound)
	}
	return loan.Clone(), nil
}

// Loans returns copies of all reconciled loans ordered by identifier.
func (s *Store) Loans() []*lending.Loan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*lending.Loan, 0, len(s.loans))
	for _, loan := range s.loans {
		out = append(out, loan.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pending returns copies of the outstanding overlay ordered by submission
// time.
func (s *Store) Pending() []*lending.PendingAction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*lending.PendingAction, 0, len(s.pending))
	for _, action := range s.pending {
		copied := *action
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Run polls the ledger until ctx is cancelled. Each cycle scans new contract
// logs, settles stale pending actions, and sweeps expired failures. The loop
// converges to the ledger's state regardless of how receipts and events
// interleave.
func (s *Store) Run(ctx context.Context) error {
	if s.ledger == nil {
		return fmt.Errorf("reconcile: ledger required to run")
	}
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("refresh cycle failed", "error", err)
			}
		}
	}
}

// Refresh performs one reconciliation cycle.
func (s *Store) Refresh(ctx context.Context) error {
	if s.ledger == nil {
		return fmt.Errorf("reconcile: ledger required")
	}
	head, err := s.ledger.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: head: %w", err)
	}
	s.mu.RLock()
	from := s.highWater + 1
	s.mu.RUnlock()
	if head >= from {
		logs, err := s.ledger.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(head),
			Addresses: []common.Address{s.cfg.Contract},
		})
		if err != nil {
			return fmt.Errorf("reconcile: filter logs: %w", err)
		}
		events := make([]*lending.Event, 0, len(logs))
		for i := range logs {
			ev, err := lending.DecodeEvent(s.cfg.Contract, &logs[i])
			if err != nil {
				s.logger.Warn("undecodable contract log", "error", err)
				continue
			}
			if ev != nil {
				events = append(events, ev)
			}
		}
		sort.Slice(events, func(i, j int) bool { return events[i].Seq.Before(events[j].Seq) })
		for _, ev := range events {
			s.ApplyEvent(ev)
		}
		s.mu.Lock()
		s.highWater = head
		s.mu.Unlock()
	}

	s.settlePending(ctx)
	s.sweep()
	if s.metrics != nil {
		s.metrics.RecordCycle()
	}
	return nil
}

// settlePending checks receipts for actions still submitted or in doubt so
// an abandoned wait cannot strand them.
func (s *Store) settlePending(ctx context.Context) {
	s.mu.RLock()
	open := make([]*lending.PendingAction, 0, len(s.pending))
	for _, action := range s.pending {
		if action.State == lending.ActionSubmitted || action.State == lending.ActionInDoubt {
			copied := *action
			open = append(open, &copied)
		}
	}
	s.mu.RUnlock()

	for _, action := range open {
		receipt, err := s.ledger.TransactionReceipt(ctx, action.TxHash)
		if err != nil {
			if !errors.Is(err, ledger.ErrReceiptPending) {
				s.logger.Debug("pending receipt check failed", "tx", action.TxHash.Hex(), "error", err)
			}
			continue
		}
		state := lending.ActionConfirmed
		if receipt.Status != types.ReceiptStatusSuccessful {
			state = lending.ActionFailed
		}
		s.Resolve(action, state, s.now())
	}
}

// sweep drops failed actions once their display-retention window passes.
func (s *Store) sweep() {
	cutoff := s.now().Add(-s.cfg.FailedRetention)
	s.mu.Lock()
	for id, action := range s.pending {
		if action.State == lending.ActionFailed && !action.ResolvedAt.IsZero() && action.ResolvedAt.Before(cutoff) {
			delete(s.pending, id)
		}
	}
	n := len(s.pending)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetPending(n)
	}
}
