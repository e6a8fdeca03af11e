package billing

import (
	"errors"
	"io"
	"net/http"

	"chipledger/pkg/errutil"
	"chipledger/pkg/httpapi"
	"chipledger/pkg/middleware"
	"chipledger/services/ledger"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/zap"
)

const maxWebhookBytes = 1 << 20

type Handler struct {
	catalog  *Catalog
	checkout *Checkout
	settler  *Settler
	validate *httpapi.Validator
	log      *zap.Logger
}

func NewHandler(catalog *Catalog, checkout *Checkout, settler *Settler, validate *httpapi.Validator, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		catalog:  catalog,
		checkout: checkout,
		settler:  settler,
		validate: validate,
		log:      log.Named("billing.http"),
	}
}

func (h *Handler) Register(mux *runtime.ServeMux) error {
	routes := []struct {
		method, path string
		fn           runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/billing/packages", h.listPackages},
		{http.MethodPost, "/v1/billing/checkout", h.createCheckout},
		{http.MethodPost, "/v1/billing/webhook", h.webhook},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, rt.fn); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) listPackages(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	pkgs, err := h.catalog.ListActive(r.Context())
	if err != nil {
		errutil.WriteError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"data": pkgs})
}

type checkoutRequest struct {
	PriceRef string `json:"price_ref" validate:"required,max=191"`
}

func (h *Handler) createCheckout(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	accountID := middleware.GetCaller(r.Context()).AccountID
	if accountID == "" {
		errutil.WriteError(w, r, errutil.Unauthorized("missing account identity", nil))
		return
	}

	var req checkoutRequest
	if err := h.validate.Decode(r, &req); err != nil {
		errutil.WriteError(w, r, err)
		return
	}

	session, err := h.checkout.Create(r.Context(), accountID, req.PriceRef)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownPackage):
			err = errutil.NotFound("package not found", err)
		case errors.Is(err, ErrCheckoutUnavailable):
			err = errutil.BadGateway(errutil.GenericMessage, err)
		default:
			err = ledger.AsHTTPError(err)
		}
		errutil.WriteError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"session_id": session.ID, "url": session.URL})
}

// webhook acknowledges credited, duplicate and ignored deliveries with 200.
// Unknown accounts and packages answer 422 so the provider redelivers once
// the missing row exists.
func (h *Handler) webhook(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		errutil.WriteError(w, r, errutil.BadRequest("unreadable body", err))
		return
	}

	settlement, err := h.settler.Settle(r.Context(), payload, r.Header.Get(SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, ErrSignatureInvalid):
			err = errutil.BadRequest("invalid signature", err)
		case errors.Is(err, ErrMalformedEvent):
			err = errutil.BadRequest("malformed event", err)
		case errors.Is(err, ErrUnknownAccount):
			err = errutil.UnprocessableEntity("unknown account", err)
		case errors.Is(err, ErrUnknownPackage):
			err = errutil.UnprocessableEntity("unknown package", err)
		}
		errutil.WriteError(w, r, err)
		return
	}

	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"status":     settlement.Status,
		"session_id": settlement.SessionID,
	})
}
