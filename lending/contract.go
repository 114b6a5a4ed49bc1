package lending

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Contract method names exposed by the deployed P2P lending contract. The
// contract's internal state machine (accrual, default timing, liquidation) is
// externally supplied semantics consumed through this ABI only.
const (
	MethodCreateLoanRequest = "createLoanRequest"
	MethodFundLoan          = "fundLoan"
	MethodRepayLoan         = "repayLoan"
	MethodGetLoanCount      = "loanCount"
)

const contractABIJSON = `[
  {"type":"function","name":"createLoanRequest","stateMutability":"payable","inputs":[
    {"name":"amount","type":"uint256"},
    {"name":"interestRate","type":"uint256"},
    {"name":"duration","type":"uint256"},
    {"name":"collateralAsset","type":"address"},
    {"name":"collateralAmount","type":"uint256"}],"outputs":[{"name":"loanId","type":"uint256"}]},
  {"type":"function","name":"fundLoan","stateMutability":"payable","inputs":[
    {"name":"loanId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"repayLoan","stateMutability":"nonpayable","inputs":[
    {"name":"loanId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"loanCount","stateMutability":"view","inputs":[],"outputs":[
    {"name":"","type":"uint256"}]},
  {"type":"event","name":"LoanCreated","inputs":[
    {"name":"loanId","type":"uint256","indexed":true},
    {"name":"borrower","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"interestRate","type":"uint256","indexed":false},
    {"name":"duration","type":"uint256","indexed":false},
    {"name":"collateralAsset","type":"address","indexed":false},
    {"name":"collateralAmount","type":"uint256","indexed":false}]},
  {"type":"event","name":"LoanFunded","inputs":[
    {"name":"loanId","type":"uint256","indexed":true},
    {"name":"lender","type":"address","indexed":true}]},
  {"type":"event","name":"LoanRepaid","inputs":[
    {"name":"loanId","type":"uint256","indexed":true}]},
  {"type":"event","name":"LoanDefaulted","inputs":[
    {"name":"loanId","type":"uint256","indexed":true}]}
]`

// ContractABI is the parsed interface descriptor for the lending contract.
var ContractABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(contractABIJSON))
	if err != nil {
		panic(fmt.Sprintf("lending: parse contract abi: %v", err))
	}
	return parsed
}()

// AddressPlaceholder is the unset marker the deployment tooling leaves in
// configs before the contract is deployed.
const AddressPlaceholder = "0x..."

// ConfiguredAddress parses a contract address string, rejecting the
// deployment placeholder and anything that is not a hex address.
func ConfiguredAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.HasPrefix(trimmed, AddressPlaceholder) {
		return common.Address{}, ErrNotConfigured
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("lending: malformed contract address %q: %w", trimmed, ErrNotConfigured)
	}
	return common.HexToAddress(trimmed), nil
}

// DecodeEvent turns a raw contract log into a typed Event. Logs emitted by
// other contracts or with unknown topics return (nil, nil) so callers can
// skip them without treating the stream as corrupt.
func DecodeEvent(contract common.Address, lg *types.Log) (*Event, error) {
	if lg == nil || lg.Address != contract || len(lg.Topics) == 0 {
		return nil, nil
	}
	ev, err := ContractABI.EventByID(lg.Topics[0])
	if err != nil {
		return nil, nil
	}
	out := &Event{
		Seq:    Sequence{BlockNumber: lg.BlockNumber, LogIndex: lg.Index},
		TxHash: lg.TxHash,
	}
	if len(lg.Topics) > 1 {
		out.LoanID = new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64()
	}
	switch ev.Name {
	case "LoanCreated":
		out.Kind = EventLoanCreated
		if len(lg.Topics) < 3 {
			return nil, fmt.Errorf("lending: LoanCreated log missing borrower topic")
		}
		out.Actor = common.BytesToAddress(lg.Topics[2].Bytes())
		fields, err := ContractABI.Unpack("LoanCreated", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("lending: unpack LoanCreated: %w", err)
		}
		if len(fields) != 5 {
			return nil, fmt.Errorf("lending: LoanCreated payload has %d fields, want 5", len(fields))
		}
		amount, ok := fields[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("lending: LoanCreated amount type %T", fields[0])
		}
		rate, ok := fields[1].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("lending: LoanCreated interestRate type %T", fields[1])
		}
		duration, ok := fields[2].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("lending: LoanCreated duration type %T", fields[2])
		}
		collateralAsset, ok := fields[3].(common.Address)
		if !ok {
			return nil, fmt.Errorf("lending: LoanCreated collateralAsset type %T", fields[3])
		}
		collateralAmount, ok := fields[4].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("lending: LoanCreated collateralAmount type %T", fields[4])
		}
		out.Request = &LoanRequest{
			Borrower:         out.Actor,
			Amount:           amount,
			InterestBps:      rate.Uint64(),
			DurationSeconds:  duration.Uint64(),
			CollateralAsset:  collateralAsset,
			CollateralAmount: collateralAmount,
		}
	case "LoanFunded":
		out.Kind = EventLoanFunded
		if len(lg.Topics) < 3 {
			return nil, fmt.Errorf("lending: LoanFunded log missing lender topic")
		}
		out.Actor = common.BytesToAddress(lg.Topics[2].Bytes())
	case "LoanRepaid":
		out.Kind = EventLoanRepaid
	case "LoanDefaulted":
		out.Kind = EventLoanDefaulted
	default:
		return nil, nil
	}
	return out, nil
}
