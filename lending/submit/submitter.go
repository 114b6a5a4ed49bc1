// Package submit turns prepared contract calls into confirmed ledger
// transactions. It owns nonce handling, signing through the wallet
// capability, bounded rebroadcast, receipt classification, and the per-loan
// in-flight guard.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"elinklend/ledger"
	"elinklend/lending"
	"elinklend/lending/intent"
	"elinklend/observability"
	"elinklend/wallet"
)

// Ledger is the subset of the node RPC surface the submitter depends on.
// TransactionReceipt must return ledger.ErrReceiptPending while the
// transaction is not yet included.
type Ledger interface {
	PendingNonce(ctx context.Context, addr common.Address) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	SendRawTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Tracker receives pending-action lifecycle updates. The reconciliation
// store implements it.
type Tracker interface {
	Track(action *lending.PendingAction)
	Resolve(action *lending.PendingAction, state lending.ActionState, at time.Time)
}

// Config tunes one submitter instance. It is supplied explicitly at
// construction; there is no package-level default environment.
type Config struct {
	ChainID        *big.Int
	GasLimit       uint64
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	MaxAttempts    int
	// BackoffBase is the first rebroadcast delay; it doubles per attempt.
	BackoffBase time.Duration
}

func (c Config) validate() error {
	if c.ChainID == nil || c.ChainID.Sign() <= 0 {
		return fmt.Errorf("submit: chain id required")
	}
	if c.GasLimit == 0 {
		return fmt.Errorf("submit: gas limit required")
	}
	if c.ConfirmTimeout <= 0 || c.PollInterval <= 0 || c.PollInterval >= c.ConfirmTimeout {
		return fmt.Errorf("submit: confirmation window misconfigured")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("submit: max attempts required")
	}
	return nil
}

// Receipt summarises a confirmed submission.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Action      *lending.PendingAction
}

// Submitter serialises one in-flight submission per logical action target
// and drives each transaction to a classified terminal outcome.
type Submitter struct {
	cfg     Config
	ledger  Ledger
	tracker Tracker
	metrics *observability.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New constructs a Submitter. tracker and metrics may be nil in tests.
func New(cfg Config, ledger Ledger, tracker Tracker, metrics *observability.Metrics, logger *slog.Logger) (*Submitter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if ledger == nil {
		return nil, fmt.Errorf("submit: ledger required")
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		cfg:      cfg,
		ledger:   ledger,
		tracker:  tracker,
		metrics:  metrics,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}, nil
}

// Submit signs, broadcasts, and confirms one prepared call on behalf of
// account. It blocks until the ledger reports inclusion, the confirmation
// ceiling passes, or a terminal failure is classified. Exactly one
// submission per action key is allowed at a time; concurrent duplicates are
// rejected before any ledger traffic.
func (s *Submitter) Submit(ctx context.Context, account wallet.Account, call *intent.Call, kind lending.ActionKind, loanID uint64) (*Receipt, error) {
	if call == nil {
		return nil, fmt.Errorf("submit: call required")
	}
	if call.To == (common.Address{}) {
		s.record(kind, "not_configured")
		return nil, lending.ErrNotConfigured
	}
	if account == nil {
		s.record(kind, "wallet_missing")
		return nil, lending.ErrWalletNotConnected
	}
	key := actionKey(kind, loanID, account.Address())
	if !s.acquire(key) {
		s.record(kind, "duplicate")
		return nil, fmt.Errorf("submit: %s loan %d: %w", kind, loanID, lending.ErrDuplicateAction)
	}
	defer s.release(key)

	hash, broadcastAt, sends, err := s.broadcast(ctx, account, call, kind)
	if err != nil {
		return nil, err
	}

	action := lending.NewPendingAction(kind, loanID, account.Address(), hash, broadcastAt)
	if s.tracker != nil {
		s.tracker.Track(action)
	}
	if sends > 1 {
		s.logger.Warn("transaction rebroadcast with fresh nonce; duplicate intent possible",
			"action", kind.String(), "loan_id", loanID, "tx", hash.Hex(), "sends", sends)
	}

	return s.awaitConfirmation(ctx, account, call, action, broadcastAt)
}

// broadcast fetches a fresh nonce, signs, and sends, retrying transport
// failures with doubling backoff up to MaxAttempts. It returns the hash of
// the accepted broadcast and how many sends reached the wire.
func (s *Submitter) broadcast(ctx context.Context, account wallet.Account, call *intent.Call, kind lending.ActionKind) (common.Hash, time.Time, int, error) {
	var lastErr error
	sends := 0
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return common.Hash{}, time.Time{}, sends, ctx.Err()
			case <-time.After(s.backoff(attempt - 1)):
			}
		}
		nonce, err := s.ledger.PendingNonce(ctx, account.Address())
		if err != nil {
			lastErr = err
			continue
		}
		gasPrice, err := s.ledger.GasPrice(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		to := call.To
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    call.Value,
			Gas:      s.cfg.GasLimit,
			GasPrice: gasPrice,
			Data:     call.Data,
		})
		signed, err := account.SignTx(ctx, tx, s.cfg.ChainID)
		if err != nil {
			if errors.Is(err, wallet.ErrDeclined) {
				s.record(kind, "rejected")
				return common.Hash{}, time.Time{}, sends, fmt.Errorf("submit: %w", lending.ErrRejected)
			}
			if ctx.Err() != nil {
				return common.Hash{}, time.Time{}, sends, ctx.Err()
			}
			return common.Hash{}, time.Time{}, sends, fmt.Errorf("submit: sign: %w", err)
		}
		sends++
		hash, err := s.ledger.SendRawTransaction(ctx, signed)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return common.Hash{}, time.Time{}, sends, ctx.Err()
			}
			s.logger.Warn("broadcast failed", "attempt", attempt, "error", err)
			continue
		}
		return hash, time.Now(), sends, nil
	}
	s.record(kind, "submission_failed")
	// A send that errored may still have reached the node, so any sent
	// attempt counts toward duplicate-intent risk.
	return common.Hash{}, time.Time{}, sends, lending.NewSubmissionError(s.cfg.MaxAttempts, sends > 1, lastErr)
}

func (s *Submitter) awaitConfirmation(ctx context.Context, account wallet.Account, call *intent.Call, action *lending.PendingAction, broadcastAt time.Time) (*Receipt, error) {
	deadline := time.NewTimer(s.cfg.ConfirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.ledger.TransactionReceipt(ctx, action.TxHash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status == types.ReceiptStatusSuccessful {
				now := time.Now()
				s.resolve(action, lending.ActionConfirmed, now)
				s.record(action.Kind, "confirmed")
				if s.metrics != nil {
					s.metrics.ObserveConfirmation(action.Kind.String(), now.Sub(broadcastAt).Seconds())
				}
				return &Receipt{
					TxHash:      action.TxHash,
					BlockNumber: receipt.BlockNumber.Uint64(),
					GasUsed:     receipt.GasUsed,
					Action:      action,
				}, nil
			}
			s.resolve(action, lending.ActionFailed, time.Now())
			s.record(action.Kind, "reverted")
			return nil, &lending.RevertError{
				TxHash: action.TxHash,
				Reason: s.revertReason(ctx, account, call, receipt.BlockNumber),
			}
		case err != nil && !errors.Is(err, ledger.ErrReceiptPending):
			// Transient read failure; keep polling inside the window.
			s.logger.Debug("receipt poll failed", "tx", action.TxHash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			// The caller stopped waiting; the broadcast cannot be recalled.
			// Leave the action in doubt for the reconciler.
			s.resolve(action, lending.ActionInDoubt, time.Now())
			s.record(action.Kind, "abandoned")
			return nil, &lending.InDoubtError{ActionID: action.ID, TxHash: action.TxHash}
		case <-deadline.C:
			s.resolve(action, lending.ActionInDoubt, time.Now())
			s.record(action.Kind, "in_doubt")
			return nil, &lending.InDoubtError{ActionID: action.ID, TxHash: action.TxHash}
		case <-ticker.C:
		}
	}
}

// revertReason replays the call at the inclusion block to recover the
// contract's revert string. Best effort: nodes that prune state or hide
// reasons yield an empty string.
func (s *Submitter) revertReason(ctx context.Context, account wallet.Account, call *intent.Call, block *big.Int) string {
	msg := ethereum.CallMsg{
		From:  account.Address(),
		To:    &call.To,
		Data:  call.Data,
		Value: call.Value,
	}
	data, err := s.ledger.CallContract(ctx, msg, block)
	if err != nil {
		return ""
	}
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return ""
	}
	return reason
}

func (s *Submitter) acquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Submitter) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, key)
}

func (s *Submitter) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := s.cfg.BackoffBase * time.Duration(1<<uint(attempt-1))
	if max := 5 * time.Minute; d > max {
		return max
	}
	return d
}

func (s *Submitter) resolve(action *lending.PendingAction, state lending.ActionState, at time.Time) {
	action.State = state
	action.ResolvedAt = at
	if s.tracker != nil {
		s.tracker.Resolve(action, state, at)
	}
}

func (s *Submitter) record(kind lending.ActionKind, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordSubmission(kind.String(), outcome)
	}
}

// actionKey scopes the duplicate guard: fund/repay lock on the loan id,
// create locks on the borrower so independent borrowers are not serialised.
func actionKey(kind lending.ActionKind, loanID uint64, actor common.Address) string {
	if kind == lending.ActionCreate {
		return fmt.Sprintf("%s/%s", kind, actor.Hex())
	}
	return fmt.Sprintf("%s/%d", kind, loanID)
}

