// Package intent validates raw user input and turns it into canonical
// ledger call descriptors. Encoding is a pure transform: no network access,
// no shared state, every failure a typed error.
package intent

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"elinklend/lending"
)

const secondsPerDay = 86_400

// CreateInput carries the raw strings a borrower typed into the loan form.
// Amounts are in human units; interest is a percentage; duration is days.
type CreateInput struct {
	Amount           string
	InterestPercent  string
	DurationDays     string
	CollateralAmount string
	CollateralAsset  string
}

// Call is a prepared contract invocation: destination, ABI-packed calldata,
// and the native value to attach.
type Call struct {
	To     common.Address
	Method string
	Data   []byte
	Value  *big.Int
}

// Encoder converts user intent into LoanRequests and contract calls using
// the configured asset registry and contract binding.
type Encoder struct {
	contract  common.Address
	registry  *lending.Registry
	loanAsset lending.Asset
}

// NewEncoder builds an encoder for the given contract. The loan asset is the
// borrow denomination (USDC on ELinkLend) and must exist in the registry.
func NewEncoder(contract common.Address, registry *lending.Registry, loanAssetSymbol string) (*Encoder, error) {
	if registry == nil {
		return nil, fmt.Errorf("intent: asset registry required")
	}
	loanAsset, err := registry.Lookup(loanAssetSymbol)
	if err != nil {
		return nil, fmt.Errorf("intent: loan asset: %w", err)
	}
	return &Encoder{contract: contract, registry: registry, loanAsset: loanAsset}, nil
}

// EncodeCreate validates borrower input and produces the immutable loan
// request plus the literal createLoanRequest call.
func (e *Encoder) EncodeCreate(borrower common.Address, in CreateInput) (*lending.LoanRequest, *Call, error) {
	amount, err := parseAmount("amount", in.Amount, e.loanAsset.Decimals)
	if err != nil {
		return nil, nil, err
	}
	interestBps, err := parseInterestBps(in.InterestPercent)
	if err != nil {
		return nil, nil, err
	}
	durationSeconds, err := parseDurationDays(in.DurationDays)
	if err != nil {
		return nil, nil, err
	}
	collateralAsset, err := e.registry.Lookup(in.CollateralAsset)
	if err != nil {
		return nil, nil, err
	}
	collateralAmount, err := parseAmount("collateralAmount", in.CollateralAmount, collateralAsset.Decimals)
	if err != nil {
		return nil, nil, err
	}

	request := &lending.LoanRequest{
		Borrower:         borrower,
		Amount:           amount,
		InterestBps:      interestBps,
		DurationSeconds:  durationSeconds,
		CollateralAsset:  collateralAsset.Address,
		CollateralAmount: collateralAmount,
	}
	data, err := lending.ContractABI.Pack(lending.MethodCreateLoanRequest,
		amount,
		new(big.Int).SetUint64(interestBps),
		new(big.Int).SetUint64(durationSeconds),
		collateralAsset.Address,
		collateralAmount,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("intent: pack %s: %w", lending.MethodCreateLoanRequest, err)
	}
	call := &Call{
		To:     e.contract,
		Method: lending.MethodCreateLoanRequest,
		Data:   data,
		Value:  big.NewInt(0),
	}
	// Native collateral rides as transaction value; token collateral is
	// pulled by the contract from an allowance.
	if collateralAsset.Native {
		call.Value = new(big.Int).Set(collateralAmount)
	}
	return request, call, nil
}

// EncodeFund produces the fundLoan call for an existing loan.
func (e *Encoder) EncodeFund(loanID uint64) (*Call, error) {
	return e.loanIDCall(lending.MethodFundLoan, loanID)
}

// EncodeRepay produces the repayLoan call for an existing loan.
func (e *Encoder) EncodeRepay(loanID uint64) (*Call, error) {
	return e.loanIDCall(lending.MethodRepayLoan, loanID)
}

func (e *Encoder) loanIDCall(method string, loanID uint64) (*Call, error) {
	if loanID == 0 {
		return nil, lending.NewValidationError("loanId", "must reference an existing loan", nil)
	}
	data, err := lending.ContractABI.Pack(method, new(big.Int).SetUint64(loanID))
	if err != nil {
		return nil, fmt.Errorf("intent: pack %s: %w", method, err)
	}
	return &Call{To: e.contract, Method: method, Data: data, Value: big.NewInt(0)}, nil
}

// parseAmount converts a human-unit decimal string to base units using the
// asset's decimal count. The conversion must be exact: digits beyond the
// asset's precision fail rather than silently truncating value.
func parseAmount(field, raw string, decimals uint8) (*big.Int, error) {
	value, err := parseDecimal(field, raw)
	if err != nil {
		return nil, err
	}
	if value.Sign() <= 0 {
		return nil, lending.NewValidationError(field, "must be positive", nil)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Rat).Mul(value, new(big.Rat).SetInt(scale))
	if !scaled.IsInt() {
		return nil, lending.NewValidationError(field,
			fmt.Sprintf("more precision than the asset's %d decimals", decimals),
			lending.ErrPrecisionLoss)
	}
	return new(big.Int).Set(scaled.Num()), nil
}

// parseInterestBps converts a percentage string to integer basis points.
// More than two fractional digits cannot be represented and fail with a
// precision error instead of rounding.
func parseInterestBps(raw string) (uint64, error) {
	value, err := parseDecimal("interest", raw)
	if err != nil {
		return 0, err
	}
	if value.Sign() < 0 {
		return 0, lending.NewValidationError("interest", "must not be negative", nil)
	}
	if value.Cmp(big.NewRat(100, 1)) > 0 {
		return 0, lending.NewValidationError("interest", "must not exceed 100 percent", nil)
	}
	scaled := new(big.Rat).Mul(value, big.NewRat(100, 1))
	if !scaled.IsInt() {
		return 0, lending.NewValidationError("interest",
			"more than two decimal digits of a percent",
			lending.ErrPrecisionLoss)
	}
	return scaled.Num().Uint64(), nil
}

// parseDurationDays converts a whole-day duration string to seconds.
func parseDurationDays(raw string) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, lending.NewValidationError("duration", "is required", nil)
	}
	days, err := strconv.ParseUint(trimmed, 10, 32)
	if err != nil {
		return 0, lending.NewValidationError("duration", "must be a positive whole number of days", nil)
	}
	if days == 0 {
		return 0, lending.NewValidationError("duration", "must be positive", nil)
	}
	return days * secondsPerDay, nil
}

func parseDecimal(field, raw string) (*big.Rat, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, lending.NewValidationError(field, "is required", nil)
	}
	value, ok := new(big.Rat).SetString(trimmed)
	if !ok || strings.ContainsAny(trimmed, "/eE") {
		return nil, lending.NewValidationError(field, "must be a plain decimal number", nil)
	}
	return value, nil
}
