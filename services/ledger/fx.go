package ledger

import (
	"chipledger/pkg/taskname"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("ledger.service",
	fx.Provide(
		NewStore,
		NewGuard,
	),
)

var Gateway = fx.Module("ledger.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(registerHandler),
)

var Worker = fx.Module("ledger.worker",
	fx.Provide(NewAuditProcessor),
	fx.Invoke(registerAuditHandler),
)

func registerHandler(mux *runtime.ServeMux, h *Handler) error {
	return h.Register(mux)
}

func registerAuditHandler(mux *asynq.ServeMux, p *AuditProcessor) {
	mux.Handle(taskname.LedgerAuditAccount, p)
	zap.L().Info("registered task handler", zap.String("task_type", taskname.LedgerAuditAccount))
}
