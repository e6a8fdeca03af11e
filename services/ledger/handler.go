package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"chipledger/pkg/authz"
	"chipledger/pkg/db/option"
	"chipledger/pkg/errutil"
	"chipledger/pkg/httpapi"
	"chipledger/pkg/middleware"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// AsHTTPError maps ledger failures onto client facing errors. Unknown errors
// are returned unchanged and render as a generic internal error.
func AsHTTPError(err error) error {
	var insufficient *InsufficientBalanceError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &insufficient):
		return errutil.PaymentRequired("not enough chips", err,
			errutil.WithDetail("shortfall", strconv.FormatInt(insufficient.Shortfall(), 10)),
			errutil.WithDetail("balance", strconv.FormatInt(insufficient.Available, 10)),
		)
	case errors.Is(err, ErrAccountNotFound):
		return errutil.NotFound("account not found", err)
	case errors.Is(err, ErrEntryNotFound):
		return errutil.NotFound("entry not found", err)
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidCategory):
		return errutil.BadRequest(err.Error(), err)
	case errors.Is(err, ErrAccountClaimed), errors.Is(err, ErrIdentityInUse), errors.Is(err, ErrExternalRefConflict):
		return errutil.Conflict(err.Error(), err)
	}
	return err
}

type Handler struct {
	store    *Store
	guard    *Guard
	authz    authz.Authorizer
	validate *httpapi.Validator
	log      *zap.Logger
}

type HandlerParams struct {
	fx.In
	Store     *Store
	Guard     *Guard
	Authz     authz.Authorizer
	Validator *httpapi.Validator
	Logger    *zap.Logger `optional:"true"`
}

func NewHandler(p HandlerParams) *Handler {
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		store:    p.Store,
		guard:    p.Guard,
		authz:    p.Authz,
		validate: p.Validator,
		log:      log.Named("ledger.http"),
	}
}

func (h *Handler) Register(mux *runtime.ServeMux) error {
	routes := []struct {
		method, path string
		fn           runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/accounts/{account_id}/balance", h.getBalance},
		{http.MethodGet, "/v1/accounts/{account_id}/entries", h.listEntries},
		{http.MethodGet, "/v1/accounts/{account_id}/verify", h.verify},
		{http.MethodPost, "/v1/accounts/{account_id}/claim", h.claim},
		{http.MethodPost, "/v1/admin/accounts/{account_id}/adjustments", h.adjust},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, rt.fn); err != nil {
			return err
		}
	}
	return nil
}

// canRead allows the account owner, or an admin subject with read access.
func (h *Handler) canRead(r *http.Request, accountID string) error {
	caller := middleware.GetCaller(r.Context())
	if caller.AccountID != "" && caller.AccountID == accountID {
		return nil
	}
	if caller.AdminSubject != "" {
		ok, err := h.authz.Allow(caller.AdminSubject, r.URL.Path, authz.ActRead)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		return errutil.Forbidden("not allowed to read this account", nil)
	}
	if caller.AccountID == "" {
		return errutil.Unauthorized("missing account identity", nil)
	}
	return errutil.Forbidden("not allowed to read this account", nil)
}

type balanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	accountID := params["account_id"]
	if err := h.canRead(r, accountID); err != nil {
		errutil.WriteError(w, r, err)
		return
	}

	balance, err := h.guard.Balance(r.Context(), accountID)
	if err != nil {
		errutil.WriteError(w, r, AsHTTPError(err))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, balanceResponse{AccountID: accountID, Balance: balance})
}

type listEntriesResponse struct {
	Data   []LedgerEntry `json:"data"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request, params map[string]string) {
	accountID := params["account_id"]
	if err := h.canRead(r, accountID); err != nil {
		errutil.WriteError(w, r, err)
		return
	}

	limit, err := httpapi.QueryInt(r, "limit", option.DefaultLimit)
	if err != nil {
		errutil.WriteError(w, r, err)
		return
	}
	offset, err := httpapi.QueryInt(r, "offset", 0)
	if err != nil {
		errutil.WriteError(w, r, err)
		return
	}

	entries, err := h.store.ListRecent(r.Context(), accountID, limit, offset)
	if err != nil {
		errutil.WriteError(w, r, AsHTTPError(err))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, listEntriesResponse{
		Data:   entries,
		Limit:  option.NormalizeLimit(limit),
		Offset: max(offset, 0),
	})
}

type verifyResponse struct {
	Chain *ChainReport `json:"chain"`
	Audit *AuditReport `json:"audit"`
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request, params map[string]string) {
	accountID := params["account_id"]
	if err := h.canRead(r, accountID); err != nil {
		errutil.WriteError(w, r, err)
		return
	}

	chain, err := h.store.VerifyChain(r.Context(), accountID)
	if err != nil {
		errutil.WriteError(w, r, AsHTTPError(err))
		return
	}
	audit, err := h.store.Audit(r.Context(), accountID)
	if err != nil {
		errutil.WriteError(w, r, AsHTTPError(err))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, verifyResponse{Chain: chain, Audit: audit})
}

type claimRequest struct {
	Identity string `json:"identity" validate:"required,max=191"`
}

func (h *Handler) claim(w http.ResponseWriter, r *http.Request, params map[string]string) {
	accountID := params["account_id"]
	caller := middleware.GetCaller(r.Context())
	if caller.AccountID != accountID {
		errutil.WriteError(w, r, errutil.Forbidden("only the account owner can claim it", nil))
		return
	}

	var req claimRequest
	if err := h.validate.Decode(r, &req); err != nil {
		errutil.WriteError(w, r, err)
		return
	}

	if _, err := h.store.EnsureAccount(r.Context(), accountID); err != nil {
		errutil.WriteError(w, r, AsHTTPError(err))
		return
	}
	acc, err := h.store.ClaimAccount(r.Context(), accountID, req.Identity)
	if err != nil {
		errutil.WriteError(w, r, AsHTTPError(err))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, acc)
}

type adjustmentRequest struct {
	Direction      string `json:"direction" validate:"required,oneof=credit debit"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	Reason         string `json:"reason" validate:"required,max=255"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=128"`
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request, params map[string]string) {
	accountID := params["account_id"]
	subject := middleware.GetCaller(r.Context()).AdminSubject

	ok, err := h.authz.Allow(subject, r.URL.Path, authz.ActAdjust)
	if err != nil {
		errutil.WriteError(w, r, err)
		return
	}
	if !ok {
		errutil.WriteError(w, r, errutil.Forbidden("not allowed to adjust balances", nil))
		return
	}

	var req adjustmentRequest
	if err := h.validate.Decode(r, &req); err != nil {
		errutil.WriteError(w, r, err)
		return
	}

	var externalRef string
	if req.IdempotencyKey != "" {
		externalRef = "admin:" + req.IdempotencyKey
	}

	var receipt *Receipt
	switch req.Direction {
	case "credit":
		if _, err = h.store.EnsureAccount(r.Context(), accountID); err != nil {
			break
		}
		receipt, err = h.guard.Credit(r.Context(), CreditParams{
			AccountID:   accountID,
			Amount:      req.Amount,
			Description: req.Reason,
			Category:    CategoryAdminCredit,
			ExternalRef: externalRef,
		})
	case "debit":
		receipt, err = h.guard.Debit(r.Context(), DebitParams{
			AccountID:   accountID,
			Amount:      req.Amount,
			Description: req.Reason,
			Category:    CategoryAdminDebit,
			ExternalRef: externalRef,
		})
	}
	if err != nil {
		errutil.WriteError(w, r, AsHTTPError(err))
		return
	}

	h.log.Info("admin adjustment",
		zap.String("admin_subject", subject),
		zap.String("account_id", accountID),
		zap.String("direction", req.Direction),
		zap.Int64("amount", req.Amount),
		zap.Bool("replayed", receipt.Replayed),
	)
	httpapi.WriteJSON(w, http.StatusOK, receipt)
}
