package billing

import (
	"chipledger/pkg/config"
	"chipledger/pkg/httpapi"
	"chipledger/pkg/task"
	"chipledger/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("billing.service",
	fx.Provide(
		newCatalog,
		newCheckoutProvider,
		newCheckout,
		newSettler,
	),
)

var Gateway = fx.Module("billing.gateway",
	fx.Provide(newHandler),
	fx.Invoke(registerHandler),
)

func newCatalog(db *gorm.DB, cfg *config.Config) *Catalog {
	return NewCatalog(db, cfg.Catalog.CacheTTL)
}

func newCheckoutProvider(cfg *config.Config) CheckoutProvider {
	return NewHTTPCheckoutProvider(cfg.Billing.CheckoutURL, cfg.Billing.ApiKey, nil)
}

func newCheckout(store *ledger.Store, catalog *Catalog, provider CheckoutProvider, cfg *config.Config, log *zap.Logger) *Checkout {
	return NewCheckout(store, catalog, provider, cfg.Billing.SuccessURL, cfg.Billing.CancelURL, log)
}

type settlerParams struct {
	fx.In
	Guard    *ledger.Guard
	Store    *ledger.Store
	Catalog  *Catalog
	DB       *gorm.DB
	Node     *snowflake.Node
	Enqueuer task.Enqueuer `optional:"true"`
	Config   *config.Config
	Logger   *zap.Logger
}

func newSettler(p settlerParams) *Settler {
	if p.Config.Billing.WebhookSecret == "" {
		p.Logger.Warn("BILLING.WEBHOOK_SECRET is empty, every webhook will be rejected")
	}
	return NewSettler(p.Guard, p.Store, p.Catalog, p.DB, p.Node, p.Enqueuer, SettlerConfig{
		Secret:    p.Config.Billing.WebhookSecret,
		Tolerance: p.Config.Billing.WebhookTolerance,
	}, p.Logger)
}

func newHandler(catalog *Catalog, checkout *Checkout, settler *Settler, validate *httpapi.Validator, log *zap.Logger) *Handler {
	return NewHandler(catalog, checkout, settler, validate, log)
}

func registerHandler(mux *runtime.ServeMux, h *Handler) error {
	return h.Register(mux)
}
