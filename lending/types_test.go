package lending

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to LoanStatus
		want     bool
	}{
		{StatusOpen, StatusFunded, true},
		{StatusFunded, StatusRepaid, true},
		{StatusFunded, StatusDefaulted, true},
		{StatusOpen, StatusRepaid, false},
		{StatusOpen, StatusDefaulted, false},
		{StatusFunded, StatusOpen, false},
		{StatusRepaid, StatusFunded, false},
		{StatusRepaid, StatusDefaulted, false},
		{StatusDefaulted, StatusRepaid, false},
		{StatusOpen, StatusOpen, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusOpen.Terminal() || StatusFunded.Terminal() {
		t.Fatalf("open/funded must not be terminal")
	}
	if !StatusRepaid.Terminal() || !StatusDefaulted.Terminal() {
		t.Fatalf("repaid/defaulted must be terminal")
	}
}

func TestSequenceBefore(t *testing.T) {
	cases := []struct {
		a, b Sequence
		want bool
	}{
		{Sequence{10, 0}, Sequence{11, 0}, true},
		{Sequence{10, 3}, Sequence{10, 4}, true},
		{Sequence{10, 4}, Sequence{10, 4}, false},
		{Sequence{12, 0}, Sequence{11, 9}, false},
	}
	for _, tc := range cases {
		if got := tc.a.Before(tc.b); got != tc.want {
			t.Errorf("(%v).Before(%v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestLoanCloneIsDeep(t *testing.T) {
	lender := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	loan := &Loan{
		ID:               7,
		Amount:           big.NewInt(1000),
		CollateralAmount: big.NewInt(500),
		Lender:           &lender,
		Status:           StatusFunded,
	}
	dup := loan.Clone()
	dup.Amount.SetInt64(1)
	dup.CollateralAmount.SetInt64(2)
	*dup.Lender = common.Address{}
	if loan.Amount.Int64() != 1000 || loan.CollateralAmount.Int64() != 500 {
		t.Fatalf("clone shares amount storage with original")
	}
	if *loan.Lender != lender {
		t.Fatalf("clone shares lender storage with original")
	}
}

func TestNewPendingAction(t *testing.T) {
	now := time.Now()
	actor := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	tx := common.HexToHash("0x01")
	action := NewPendingAction(ActionFund, 7, actor, tx, now)
	if action.ID == uuid.Nil {
		t.Fatalf("expected generated action id")
	}
	if action.State != ActionSubmitted {
		t.Fatalf("expected submitted state, got %s", action.State)
	}
	if action.LoanID != 7 || action.Kind != ActionFund {
		t.Fatalf("unexpected action identity: %+v", action)
	}
	if !action.SubmittedAt.Equal(now) {
		t.Fatalf("expected submission timestamp preserved")
	}
}
