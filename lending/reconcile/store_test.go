package reconcile

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"elinklend/ledger"
	"elinklend/lending"
)

var contractAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")

func testStore(t *testing.T, lg Ledger) *Store {
	t.Helper()
	s, err := New(Config{
		Contract:        contractAddr,
		RefreshInterval: 10 * time.Millisecond,
		FailedRetention: time.Minute,
	}, lg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func createdEvent(loanID uint64, seq lending.Sequence, tx common.Hash) *lending.Event {
	return &lending.Event{
		Kind:   lending.EventLoanCreated,
		LoanID: loanID,
		Seq:    seq,
		TxHash: tx,
		Actor:  common.HexToAddress("0xb0"),
		Request: &lending.LoanRequest{
			Borrower:         common.HexToAddress("0xb0"),
			Amount:           big.NewInt(1_000_000_000),
			InterestBps:      500,
			DurationSeconds:  2_592_000,
			CollateralAsset:  common.Address{},
			CollateralAmount: big.NewInt(0),
		},
	}
}

func fundedEvent(loanID uint64, seq lending.Sequence, tx common.Hash) *lending.Event {
	return &lending.Event{
		Kind:   lending.EventLoanFunded,
		LoanID: loanID,
		Seq:    seq,
		TxHash: tx,
		Actor:  common.HexToAddress("0x1e"),
	}
}

func TestApplyEventLifecycle(t *testing.T) {
	s := testStore(t, nil)

	s.ApplyEvent(createdEvent(7, lending.Sequence{BlockNumber: 10, LogIndex: 0}, common.Hash{0x01}))
	loan, err := s.Loan(7)
	if err != nil {
		t.Fatalf("Loan: %v", err)
	}
	if loan.Status != lending.StatusOpen {
		t.Fatalf("status = %s, want Open", loan.Status)
	}
	if loan.Amount.Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Fatalf("amount = %s", loan.Amount)
	}

	s.ApplyEvent(fundedEvent(7, lending.Sequence{BlockNumber: 12, LogIndex: 1}, common.Hash{0x02}))
	loan, _ = s.Loan(7)
	if loan.Status != lending.StatusFunded {
		t.Fatalf("status = %s, want Funded", loan.Status)
	}
	if loan.Lender == nil || *loan.Lender != common.HexToAddress("0x1e") {
		t.Fatalf("lender = %v", loan.Lender)
	}

	s.ApplyEvent(&lending.Event{
		Kind:   lending.EventLoanRepaid,
		LoanID: 7,
		Seq:    lending.Sequence{BlockNumber: 15, LogIndex: 0},
	})
	loan, _ = s.Loan(7)
	if loan.Status != lending.StatusRepaid {
		t.Fatalf("status = %s, want Repaid", loan.Status)
	}
}

func TestApplyEventDiscardsStaleAndDuplicate(t *testing.T) {
	s := testStore(t, nil)
	s.ApplyEvent(createdEvent(1, lending.Sequence{BlockNumber: 10, LogIndex: 0}, common.Hash{}))
	s.ApplyEvent(fundedEvent(1, lending.Sequence{BlockNumber: 12, LogIndex: 0}, common.Hash{}))

	// Exact duplicate delivery.
	s.ApplyEvent(fundedEvent(1, lending.Sequence{BlockNumber: 12, LogIndex: 0}, common.Hash{}))
	// Replayed creation from before the funding.
	s.ApplyEvent(createdEvent(1, lending.Sequence{BlockNumber: 10, LogIndex: 0}, common.Hash{}))

	loan, _ := s.Loan(1)
	if loan.Status != lending.StatusFunded {
		t.Fatalf("status = %s, want Funded", loan.Status)
	}
	if loan.Applied != (lending.Sequence{BlockNumber: 12, LogIndex: 0}) {
		t.Fatalf("applied = %+v", loan.Applied)
	}
}

func TestApplyEventNeverMovesBackward(t *testing.T) {
	s := testStore(t, nil)
	s.ApplyEvent(createdEvent(3, lending.Sequence{BlockNumber: 1, LogIndex: 0}, common.Hash{}))
	s.ApplyEvent(fundedEvent(3, lending.Sequence{BlockNumber: 2, LogIndex: 0}, common.Hash{}))
	s.ApplyEvent(&lending.Event{
		Kind:   lending.EventLoanRepaid,
		LoanID: 3,
		Seq:    lending.Sequence{BlockNumber: 3, LogIndex: 0},
	})

	// A funding event at a later sequence must not reopen a settled loan.
	s.ApplyEvent(fundedEvent(3, lending.Sequence{BlockNumber: 4, LogIndex: 0}, common.Hash{}))
	loan, _ := s.Loan(3)
	if loan.Status != lending.StatusRepaid {
		t.Fatalf("status = %s, want Repaid", loan.Status)
	}
}

func TestApplyEventFundOnFundedIsNoOp(t *testing.T) {
	s := testStore(t, nil)
	s.ApplyEvent(createdEvent(4, lending.Sequence{BlockNumber: 1, LogIndex: 0}, common.Hash{}))
	s.ApplyEvent(fundedEvent(4, lending.Sequence{BlockNumber: 2, LogIndex: 0}, common.Hash{}))

	dup := fundedEvent(4, lending.Sequence{BlockNumber: 5, LogIndex: 0}, common.Hash{})
	dup.Actor = common.HexToAddress("0xff")
	s.ApplyEvent(dup)

	loan, _ := s.Loan(4)
	if loan.Status != lending.StatusFunded {
		t.Fatalf("status = %s", loan.Status)
	}
	if *loan.Lender != common.HexToAddress("0x1e") {
		t.Fatalf("lender overwritten by duplicate funding")
	}
}

func TestApplyEventUnknownLoanRejected(t *testing.T) {
	s := testStore(t, nil)
	s.ApplyEvent(fundedEvent(99, lending.Sequence{BlockNumber: 1, LogIndex: 0}, common.Hash{}))
	if _, err := s.Loan(99); !errors.Is(err, lending.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLoanCopiesAreIsolated(t *testing.T) {
	s := testStore(t, nil)
	s.ApplyEvent(createdEvent(2, lending.Sequence{BlockNumber: 1, LogIndex: 0}, common.Hash{}))
	loan, _ := s.Loan(2)
	loan.Status = lending.StatusDefaulted
	loan.Amount.SetInt64(1)

	fresh, _ := s.Loan(2)
	if fresh.Status != lending.StatusOpen {
		t.Fatalf("store mutated through returned copy")
	}
	if fresh.Amount.Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Fatalf("amount mutated through returned copy")
	}
}

func TestTrackResolveAndSweep(t *testing.T) {
	s := testStore(t, nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	ok := lending.NewPendingAction(lending.ActionFund, 1, common.Address{}, common.Hash{0x0a}, base)
	failed := lending.NewPendingAction(lending.ActionRepay, 2, common.Address{}, common.Hash{0x0b}, base)
	s.Track(ok)
	s.Track(failed)
	if got := len(s.Pending()); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	s.Resolve(ok, lending.ActionConfirmed, base)
	s.Resolve(failed, lending.ActionFailed, base)

	pending := s.Pending()
	if len(pending) != 1 || pending[0].State != lending.ActionFailed {
		t.Fatalf("pending after resolve = %+v", pending)
	}

	// Inside the retention window the failure stays visible.
	s.now = func() time.Time { return base.Add(30 * time.Second) }
	s.sweep()
	if got := len(s.Pending()); got != 1 {
		t.Fatalf("failed action swept early")
	}

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	s.sweep()
	if got := len(s.Pending()); got != 0 {
		t.Fatalf("pending = %d after retention, want 0", got)
	}
}

func TestEventResolvesInDoubtAction(t *testing.T) {
	s := testStore(t, nil)
	tx := common.Hash{0xaa}
	action := lending.NewPendingAction(lending.ActionFund, 5, common.Address{}, tx, time.Now())
	s.Track(action)
	s.Resolve(action, lending.ActionInDoubt, time.Now())

	s.ApplyEvent(createdEvent(5, lending.Sequence{BlockNumber: 1, LogIndex: 0}, common.Hash{}))
	s.ApplyEvent(fundedEvent(5, lending.Sequence{BlockNumber: 2, LogIndex: 0}, tx))

	if got := len(s.Pending()); got != 0 {
		t.Fatalf("in-doubt action not reconciled away, pending = %d", got)
	}
	loan, _ := s.Loan(5)
	if loan.Status != lending.StatusFunded {
		t.Fatalf("status = %s, want Funded", loan.Status)
	}
}

type fakeLedger struct {
	head     uint64
	logs     []types.Log
	queries  []ethereum.FilterQuery
	receipts map[common.Hash]*types.Receipt
}

func (f *fakeLedger) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeLedger) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.queries = append(f.queries, q)
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeLedger) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	if r, ok := f.receipts[h]; ok {
		return r, nil
	}
	return nil, ledger.ErrReceiptPending
}

func createdLog(t *testing.T, loanID, block uint64, index uint, tx common.Hash) types.Log {
	t.Helper()
	ev := lending.ContractABI.Events["LoanCreated"]
	data, err := ev.Inputs.NonIndexed().Pack(
		big.NewInt(1_000_000_000), big.NewInt(500), big.NewInt(2_592_000),
		common.Address{}, big.NewInt(0),
	)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return types.Log{
		Address: contractAddr,
		Topics: []common.Hash{
			ev.ID,
			common.BigToHash(new(big.Int).SetUint64(loanID)),
			common.BytesToHash(common.HexToAddress("0xb0").Bytes()),
		},
		Data:        data,
		BlockNumber: block,
		Index:       index,
		TxHash:      tx,
	}
}

func fundedLog(t *testing.T, loanID, block uint64, index uint, tx common.Hash) types.Log {
	t.Helper()
	ev := lending.ContractABI.Events["LoanFunded"]
	return types.Log{
		Address: contractAddr,
		Topics: []common.Hash{
			ev.ID,
			common.BigToHash(new(big.Int).SetUint64(loanID)),
			common.BytesToHash(common.HexToAddress("0x1e").Bytes()),
		},
		BlockNumber: block,
		Index:       index,
		TxHash:      tx,
	}
}

func TestRefreshAppliesLogsInLedgerOrder(t *testing.T) {
	lg := &fakeLedger{head: 20}
	// Delivered out of order; the store must sort by (block, index).
	lg.logs = []types.Log{
		fundedLog(t, 1, 12, 0, common.Hash{0x02}),
		createdLog(t, 1, 10, 0, common.Hash{0x01}),
	}
	s := testStore(t, lg)

	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	loan, err := s.Loan(1)
	if err != nil {
		t.Fatalf("Loan: %v", err)
	}
	if loan.Status != lending.StatusFunded {
		t.Fatalf("status = %s, want Funded", loan.Status)
	}

	if len(lg.queries) != 1 {
		t.Fatalf("queries = %d", len(lg.queries))
	}
	if got := lg.queries[0].Addresses; len(got) != 1 || got[0] != contractAddr {
		t.Fatalf("filter addresses = %v", got)
	}

	// Next cycle resumes past the high-water block.
	lg.head = 25
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if from := lg.queries[1].FromBlock.Uint64(); from != 21 {
		t.Fatalf("from block = %d, want 21", from)
	}
}

func TestRefreshSettlesStrandedActions(t *testing.T) {
	confirmedTx := common.Hash{0xc0}
	failedTx := common.Hash{0xf0}
	lg := &fakeLedger{
		head: 5,
		receipts: map[common.Hash]*types.Receipt{
			confirmedTx: {Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(4)},
			failedTx:    {Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(4)},
		},
	}
	s := testStore(t, lg)

	inDoubt := lending.NewPendingAction(lending.ActionFund, 1, common.Address{}, confirmedTx, time.Now())
	s.Track(inDoubt)
	s.Resolve(inDoubt, lending.ActionInDoubt, time.Now())
	reverted := lending.NewPendingAction(lending.ActionRepay, 2, common.Address{}, failedTx, time.Now())
	s.Track(reverted)
	waiting := lending.NewPendingAction(lending.ActionCreate, 0, common.Address{}, common.Hash{0xee}, time.Now())
	s.Track(waiting)

	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	pending := s.Pending()
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	states := map[common.Hash]lending.ActionState{}
	for _, a := range pending {
		states[a.TxHash] = a.State
	}
	if states[failedTx] != lending.ActionFailed {
		t.Fatalf("failed tx state = %v", states[failedTx])
	}
	if states[common.Hash{0xee}] != lending.ActionSubmitted {
		t.Fatalf("unsettled tx state = %v", states[common.Hash{0xee}])
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	lg := &fakeLedger{head: 1}
	s := testStore(t, lg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
