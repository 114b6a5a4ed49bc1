// Package gateway exposes the lending pipeline over HTTP: borrower intent in,
// classified submission outcomes out, plus read access to the reconciled
// loan set.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"elinklend/gateway/middleware"
	"elinklend/lending"
	"elinklend/lending/intent"
	"elinklend/lending/submit"
	"elinklend/wallet"
)

// Submitter drives an encoded call to a terminal outcome.
type Submitter interface {
	Submit(ctx context.Context, account wallet.Account, call *intent.Call, kind lending.ActionKind, loanID uint64) (*submit.Receipt, error)
}

// LoanReader is the read side of the reconciliation store.
type LoanReader interface {
	Loan(id uint64) (*lending.Loan, error)
	Loans() []*lending.Loan
	Pending() []*lending.PendingAction
}

// Config assembles one API server.
type Config struct {
	Encoder       *intent.Encoder
	Submitter     Submitter
	Store         LoanReader
	Account       wallet.Account // nil when no operator key is loaded
	Authenticator *middleware.Authenticator
	Observability *middleware.Observability
	RateLimiter   *middleware.RateLimiter
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Encoder == nil {
		return nil, errors.New("gateway: encoder required")
	}
	if cfg.Submitter == nil {
		return nil, errors.New("gateway: submitter required")
	}
	if cfg.Store == nil {
		return nil, errors.New("gateway: store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}, nil
}

// Handler builds the route tree. Reads are open; mutations go through auth
// and the per-client rate limit.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(s.cfg.CORS))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.cfg.Observability != nil {
		r.Handle("/metrics", s.cfg.Observability.MetricsHandler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		if s.cfg.Observability != nil {
			v1.Use(s.cfg.Observability.Middleware("lending"))
		}
		v1.Get("/loans", s.handleListLoans)
		v1.Get("/loans/{id}", s.handleGetLoan)
		v1.Get("/pending", s.handleListPending)

		v1.Group(func(mut chi.Router) {
			if s.cfg.RateLimiter != nil {
				mut.Use(s.cfg.RateLimiter.Middleware())
			}
			if s.cfg.Authenticator != nil {
				mut.Use(s.cfg.Authenticator.Middleware(middleware.ScopeLoansWrite))
			}
			mut.Post("/loans", s.handleCreateLoan)
			mut.Post("/loans/{id}/fund", s.handleFundLoan)
			mut.Post("/loans/{id}/repay", s.handleRepayLoan)
		})
	})
	return r
}

type createLoanRequest struct {
	Amount           string `json:"amount"`
	InterestPercent  string `json:"interestPercent"`
	DurationDays     string `json:"durationDays"`
	CollateralAmount string `json:"collateralAmount"`
	CollateralAsset  string `json:"collateralAsset"`
}

type receiptResponse struct {
	Status      string `json:"status"`
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	ActionID    string `json:"actionId,omitempty"`
}

type loanResponse struct {
	ID               uint64  `json:"id"`
	Borrower         string  `json:"borrower"`
	Lender           *string `json:"lender,omitempty"`
	Amount           string  `json:"amount"`
	InterestBps      uint64  `json:"interestBps"`
	DurationSeconds  uint64  `json:"durationSeconds"`
	CollateralAsset  string  `json:"collateralAsset"`
	CollateralAmount string  `json:"collateralAmount"`
	Status           string  `json:"status"`
}

type pendingResponse struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	LoanID      uint64     `json:"loanId,omitempty"`
	Actor       string     `json:"actor"`
	TxHash      string     `json:"txHash"`
	SubmittedAt time.Time  `json:"submittedAt"`
	State       string     `json:"state"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

func (s *Server) handleCreateLoan(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Account == nil {
		s.writeError(w, lending.ErrWalletNotConnected)
		return
	}
	var body createLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, lending.NewValidationError("body", "malformed JSON", err))
		return
	}
	_, call, err := s.cfg.Encoder.EncodeCreate(s.cfg.Account.Address(), intent.CreateInput{
		Amount:           body.Amount,
		InterestPercent:  body.InterestPercent,
		DurationDays:     body.DurationDays,
		CollateralAmount: body.CollateralAmount,
		CollateralAsset:  body.CollateralAsset,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.submit(w, r, call, lending.ActionCreate, 0)
}

func (s *Server) handleFundLoan(w http.ResponseWriter, r *http.Request) {
	s.loanAction(w, r, lending.ActionFund, s.cfg.Encoder.EncodeFund)
}

func (s *Server) handleRepayLoan(w http.ResponseWriter, r *http.Request) {
	s.loanAction(w, r, lending.ActionRepay, s.cfg.Encoder.EncodeRepay)
}

func (s *Server) loanAction(w http.ResponseWriter, r *http.Request, kind lending.ActionKind, encode func(uint64) (*intent.Call, error)) {
	if s.cfg.Account == nil {
		s.writeError(w, lending.ErrWalletNotConnected)
		return
	}
	id, err := parseLoanID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	call, err := encode(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.submit(w, r, call, kind, id)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, call *intent.Call, kind lending.ActionKind, loanID uint64) {
	receipt, err := s.cfg.Submitter.Submit(r.Context(), s.cfg.Account, call, kind, loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := receiptResponse{
		Status:      "confirmed",
		TxHash:      receipt.TxHash.Hex(),
		BlockNumber: receipt.BlockNumber,
	}
	if receipt.Action != nil {
		resp.ActionID = receipt.Action.ID.String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListLoans(w http.ResponseWriter, _ *http.Request) {
	loans := s.cfg.Store.Loans()
	out := make([]loanResponse, 0, len(loans))
	for _, loan := range loans {
		out = append(out, renderLoan(loan))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	id, err := parseLoanID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	loan, err := s.cfg.Store.Loan(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, renderLoan(loan))
}

func (s *Server) handleListPending(w http.ResponseWriter, _ *http.Request) {
	actions := s.cfg.Store.Pending()
	out := make([]pendingResponse, 0, len(actions))
	for _, action := range actions {
		entry := pendingResponse{
			ID:          action.ID.String(),
			Kind:        action.Kind.String(),
			LoanID:      action.LoanID,
			Actor:       action.Actor.Hex(),
			TxHash:      action.TxHash.Hex(),
			SubmittedAt: action.SubmittedAt,
			State:       action.State.String(),
		}
		if !action.ResolvedAt.IsZero() {
			resolved := action.ResolvedAt
			entry.ResolvedAt = &resolved
		}
		out = append(out, entry)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func renderLoan(loan *lending.Loan) loanResponse {
	resp := loanResponse{
		ID:               loan.ID,
		Borrower:         loan.Borrower.Hex(),
		Amount:           loan.Amount.String(),
		InterestBps:      loan.InterestBps,
		DurationSeconds:  loan.DurationSeconds,
		CollateralAsset:  loan.CollateralAsset.Hex(),
		CollateralAmount: loan.CollateralAmount.String(),
		Status:           loan.Status.String(),
	}
	if loan.Lender != nil {
		lender := loan.Lender.Hex()
		resp.Lender = &lender
	}
	return resp
}

func parseLoanID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, lending.NewValidationError("id", "must be a positive loan identifier", err)
	}
	return id, nil
}

type errorResponse struct {
	Error    string `json:"error"`
	Kind     string `json:"kind"`
	ActionID string `json:"actionId,omitempty"`
	TxHash   string `json:"txHash,omitempty"`
}

// writeError maps the lending error taxonomy onto HTTP statuses. In-doubt
// submissions are not failures: the action is accepted and its outcome will
// arrive through reconciliation, hence 202.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := lending.Classify(err)
	resp := errorResponse{Error: err.Error(), Kind: string(kind)}
	status := http.StatusInternalServerError
	switch kind {
	case lending.KindValidation:
		status = http.StatusBadRequest
	case lending.KindConfiguration:
		status = http.StatusServiceUnavailable
	case lending.KindConnectivity:
		status = http.StatusBadGateway
	case lending.KindDuplicate, lending.KindRejection:
		status = http.StatusConflict
	case lending.KindRevert:
		status = http.StatusUnprocessableEntity
	case lending.KindNotFound:
		status = http.StatusNotFound
	case lending.KindInDoubt:
		status = http.StatusAccepted
		var inDoubt *lending.InDoubtError
		if errors.As(err, &inDoubt) {
			resp.ActionID = inDoubt.ActionID.String()
			resp.TxHash = inDoubt.TxHash.Hex()
			resp.Error = "submission outcome pending"
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "kind", string(kind), "error", err)
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response failed", "error", err)
	}
}
