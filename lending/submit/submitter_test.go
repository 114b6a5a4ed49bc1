package submit

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"elinklend/ledger"
	"elinklend/lending"
	"elinklend/lending/intent"
	"elinklend/wallet"
)

type fakeLedger struct {
	mu         sync.Mutex
	counts     map[string]int
	nonce      uint64
	sendErrs   []error
	lastHash   common.Hash
	receipt    *types.Receipt
	receiptErr error
	callData   []byte
	callErr    error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{counts: make(map[string]int), receiptErr: ledger.ErrReceiptPending}
}

func (f *fakeLedger) bump(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[method]++
}

func (f *fakeLedger) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[method]
}

func (f *fakeLedger) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.counts {
		n += c
	}
	return n
}

func (f *fakeLedger) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	f.bump("PendingNonce")
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.nonce
	f.nonce++
	return n, nil
}

func (f *fakeLedger) GasPrice(ctx context.Context) (*big.Int, error) {
	f.bump("GasPrice")
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeLedger) SendRawTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	f.bump("SendRawTransaction")
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return common.Hash{}, err
		}
	}
	f.lastHash = tx.Hash()
	return f.lastHash, nil
}

func (f *fakeLedger) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.bump("TransactionReceipt")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receipt != nil {
		return f.receipt, nil
	}
	return nil, f.receiptErr
}

func (f *fakeLedger) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.bump("CallContract")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callData, f.callErr
}

func (f *fakeLedger) setReceipt(r *types.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipt = r
}

type fakeTracker struct {
	mu       sync.Mutex
	tracked  []*lending.PendingAction
	resolved []lending.ActionState
}

func (t *fakeTracker) Track(action *lending.PendingAction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracked = append(t.tracked, action)
}

func (t *fakeTracker) Resolve(action *lending.PendingAction, state lending.ActionState, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resolved = append(t.resolved, state)
}

func (t *fakeTracker) lastResolved() (lending.ActionState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.resolved) == 0 {
		return 0, false
	}
	return t.resolved[len(t.resolved)-1], true
}

func testConfig() Config {
	return Config{
		ChainID:        big.NewInt(128123),
		GasLimit:       500_000,
		ConfirmTimeout: 200 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		MaxAttempts:    3,
		BackoffBase:    time.Millisecond,
	}
}

func testAccountAndCall(t *testing.T) (wallet.Account, *intent.Call) {
	t.Helper()
	account, err := wallet.GenerateKeyAccount()
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	registry, err := lending.NewRegistry([]lending.Asset{
		{Symbol: "USDC", Decimals: 6},
		{Symbol: "ETH", Decimals: 18, Native: true},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	encoder, err := intent.NewEncoder(common.HexToAddress("0x77"), registry, "USDC")
	if err != nil {
		t.Fatalf("encoder: %v", err)
	}
	call, err := encoder.EncodeFund(7)
	if err != nil {
		t.Fatalf("encode fund: %v", err)
	}
	return account, call
}

func successReceipt() *types.Receipt {
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(120),
		GasUsed:     60_000,
	}
}

func TestSubmitUnconfiguredContractMakesNoNetworkCalls(t *testing.T) {
	fake := newFakeLedger()
	sub, err := New(testConfig(), fake, nil, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	account, _ := testAccountAndCall(t)
	unconfigured := &intent.Call{Method: lending.MethodFundLoan, Value: big.NewInt(0)}
	_, err = sub.Submit(context.Background(), account, unconfigured, lending.ActionFund, 7)
	if !errors.Is(err, lending.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if fake.total() != 0 {
		t.Fatalf("expected zero ledger calls, got %d", fake.total())
	}
}

func TestSubmitWithoutAccount(t *testing.T) {
	fake := newFakeLedger()
	sub, err := New(testConfig(), fake, nil, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, call := testAccountAndCall(t)
	_, err = sub.Submit(context.Background(), nil, call, lending.ActionFund, 7)
	if !errors.Is(err, lending.ErrWalletNotConnected) {
		t.Fatalf("expected ErrWalletNotConnected, got %v", err)
	}
	if fake.total() != 0 {
		t.Fatalf("expected zero ledger calls, got %d", fake.total())
	}
}

func TestSubmitConfirms(t *testing.T) {
	fake := newFakeLedger()
	fake.setReceipt(successReceipt())
	tracker := &fakeTracker{}
	sub, err := New(testConfig(), fake, tracker, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	account, call := testAccountAndCall(t)
	receipt, err := sub.Submit(context.Background(), account, call, lending.ActionFund, 7)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.BlockNumber != 120 || receipt.TxHash == (common.Hash{}) {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if state, ok := tracker.lastResolved(); !ok || state != lending.ActionConfirmed {
		t.Fatalf("expected confirmed resolution, got %v %v", state, ok)
	}
	if len(tracker.tracked) != 1 {
		t.Fatalf("expected one tracked action, got %d", len(tracker.tracked))
	}
}

func TestSubmitRetriesTransportFailures(t *testing.T) {
	fake := newFakeLedger()
	fake.sendErrs = []error{errors.New("connection reset"), errors.New("connection reset")}
	fake.setReceipt(successReceipt())
	sub, err := New(testConfig(), fake, nil, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	account, call := testAccountAndCall(t)
	if _, err := sub.Submit(context.Background(), account, call, lending.ActionFund, 7); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := fake.count("SendRawTransaction"); got != 3 {
		t.Fatalf("expected 3 broadcast attempts, got %d", got)
	}
	// Each retry refetches the nonce rather than reusing a stale one.
	if got := fake.count("PendingNonce"); got != 3 {
		t.Fatalf("expected 3 nonce fetches, got %d", got)
	}
}

func TestSubmitExhaustsAttempts(t *testing.T) {
	fake := newFakeLedger()
	fake.sendErrs = []error{
		errors.New("unreachable"),
		errors.New("unreachable"),
		errors.New("unreachable"),
	}
	sub, err := New(testConfig(), fake, nil, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	account, call := testAccountAndCall(t)
	_, err = sub.Submit(context.Background(), account, call, lending.ActionFund, 7)
	var submission *lending.SubmissionError
	if !errors.As(err, &submission) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if submission.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", submission.Attempts)
	}
	if !submission.DuplicateRisk {
		t.Fatalf("expected duplicate-intent risk after rebroadcasts")
	}
}

func TestSubmitRejectedSignature(t *testing.T) {
	fake := newFakeLedger()
	sub, err := New(testConfig(), fake, nil, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, call := testAccountAndCall(t)
	_, err = sub.Submit(context.Background(), decliningAccount{}, call, lending.ActionFund, 7)
	if !errors.Is(err, lending.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if fake.count("SendRawTransaction") != 0 {
		t.Fatalf("declined signature must not broadcast")
	}
}

type decliningAccount struct{}

func (decliningAccount) Address() common.Address { return common.HexToAddress("0x0a") }

func (decliningAccount) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return nil, wallet.ErrDeclined
}

func TestSubmitRevertClassification(t *testing.T) {
	fake := newFakeLedger()
	fake.setReceipt(&types.Receipt{
		Status:      types.ReceiptStatusFailed,
		BlockNumber: big.NewInt(121),
	})
	fake.callData = packRevert(t, "loan not open")
	tracker := &fakeTracker{}
	sub, err := New(testConfig(), fake, tracker, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	account, call := testAccountAndCall(t)
	_, err = sub.Submit(context.Background(), account, call, lending.ActionFund, 7)
	var revert *lending.RevertError
	if !errors.As(err, &revert) {
		t.Fatalf("expected RevertError, got %v", err)
	}
	if revert.Reason != "loan not open" {
		t.Fatalf("reason = %q", revert.Reason)
	}
	if state, ok := tracker.lastResolved(); !ok || state != lending.ActionFailed {
		t.Fatalf("expected failed resolution, got %v %v", state, ok)
	}
}

func packRevert(t *testing.T, reason string) []byte {
	t.Helper()
	stringTy, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("abi type: %v", err)
	}
	packed, err := abi.Arguments{{Type: stringTy}}.Pack(reason)
	if err != nil {
		t.Fatalf("pack reason: %v", err)
	}
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return append(selector, packed...)
}

func TestSubmitTimesOutInDoubt(t *testing.T) {
	fake := newFakeLedger() // receipt stays pending
	tracker := &fakeTracker{}
	cfg := testConfig()
	cfg.ConfirmTimeout = 30 * time.Millisecond
	sub, err := New(cfg, fake, tracker, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	account, call := testAccountAndCall(t)
	_, err = sub.Submit(context.Background(), account, call, lending.ActionFund, 7)
	var inDoubt *lending.InDoubtError
	if !errors.As(err, &inDoubt) {
		t.Fatalf("expected InDoubtError, got %v", err)
	}
	if state, ok := tracker.lastResolved(); !ok || state != lending.ActionInDoubt {
		t.Fatalf("expected in-doubt resolution, got %v %v", state, ok)
	}
	if len(tracker.tracked) != 1 {
		t.Fatalf("pending action must stay tracked for the reconciler")
	}
}

func TestSubmitDuplicateGuard(t *testing.T) {
	fake := newFakeLedger() // receipt stays pending, first submit blocks
	cfg := testConfig()
	cfg.ConfirmTimeout = 2 * time.Second
	sub, err := New(cfg, fake, nil, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	account, call := testAccountAndCall(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := sub.Submit(ctx, account, call, lending.ActionFund, 7)
		done <- err
	}()

	// Wait for the first submission to reach the network.
	deadline := time.After(time.Second)
	for fake.count("SendRawTransaction") == 0 {
		select {
		case <-deadline:
			t.Fatalf("first submission never broadcast")
		case <-time.After(time.Millisecond):
		}
	}

	_, err = sub.Submit(context.Background(), account, call, lending.ActionFund, 7)
	if !errors.Is(err, lending.ErrDuplicateAction) {
		t.Fatalf("expected ErrDuplicateAction, got %v", err)
	}
	if got := fake.count("SendRawTransaction"); got != 1 {
		t.Fatalf("duplicate must not reach the network, sends = %d", got)
	}

	cancel()
	if err := <-done; err == nil {
		t.Fatalf("abandoned submission should surface an in-doubt error")
	}

	// With the first attempt finished the guard is free again.
	fake.setReceipt(successReceipt())
	if _, err := sub.Submit(context.Background(), account, call, lending.ActionFund, 7); err != nil {
		t.Fatalf("resubmit after release: %v", err)
	}
}
