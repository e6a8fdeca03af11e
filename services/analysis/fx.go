package analysis

import (
	"chipledger/pkg/config"
	"chipledger/pkg/featureflags"
	"chipledger/pkg/httpapi"
	"chipledger/pkg/task"
	"chipledger/pkg/taskname"
	"chipledger/services/ledger"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("analysis.service",
	fx.Provide(
		NewRepository,
		newProvider,
		newLimiter,
		newOrchestrator,
	),
)

var Gateway = fx.Module("analysis.gateway",
	fx.Provide(newHandler),
	fx.Invoke(registerHandler),
)

var Worker = fx.Module("analysis.worker",
	fx.Provide(
		NewRepository,
		newSweeper,
		NewReconcileProcessor,
		fx.Annotate(newReconcilePeriodic, fx.ResultTags(`group:"periodic"`)),
	),
	fx.Invoke(registerReconcileHandler),
)

func newProvider(cfg *config.Config) Provider {
	return NewHTTPProvider(cfg.Analysis.ProviderURL, cfg.Analysis.ApiKey, cfg.Analysis.Model, nil)
}

func newLimiter(rdb *redis.Client, cfg *config.Config) Limiter {
	return NewRedisLimiter(rdb, cfg.Trial.Cooldown)
}

type orchestratorDeps struct {
	fx.In
	Repo     *Repository
	Guard    *ledger.Guard
	Provider Provider
	Limiter  Limiter
	Flags    featureflags.FeatureFlag `optional:"true"`
	Config   *config.Config
	Logger   *zap.Logger
}

func newOrchestrator(d orchestratorDeps) *Orchestrator {
	return NewOrchestrator(OrchestratorParams{
		Repo:            d.Repo,
		Ledger:          d.Guard,
		Provider:        d.Provider,
		Limiter:         d.Limiter,
		Flags:           d.Flags,
		ProviderTimeout: d.Config.Analysis.Timeout,
		Logger:          d.Logger,
	})
}

func newSweeper(repo *Repository, guard *ledger.Guard, store *ledger.Store, cfg *config.Config, log *zap.Logger) *Sweeper {
	if cfg.Reconcile.StaleAfter <= cfg.Analysis.Timeout {
		log.Warn("RECONCILE.STALE_AFTER should exceed ANALYSIS.TIMEOUT or in-flight runs get reconciled",
			zap.Duration("stale_after", cfg.Reconcile.StaleAfter),
			zap.Duration("timeout", cfg.Analysis.Timeout),
		)
	}
	return NewSweeper(repo, guard, store, cfg.Reconcile.StaleAfter, cfg.Reconcile.BatchSize, log)
}

func newReconcilePeriodic(cfg *config.Config) task.Periodic {
	return ReconcilePeriodic(cfg.Reconcile.Interval)
}

func newHandler(repo *Repository, o *Orchestrator, validate *httpapi.Validator, log *zap.Logger) *Handler {
	return NewHandler(repo, o, validate, log)
}

func registerHandler(mux *runtime.ServeMux, h *Handler) error {
	return h.Register(mux)
}

func registerReconcileHandler(mux *asynq.ServeMux, p *ReconcileProcessor) {
	mux.Handle(taskname.AnalysisReconcileRun, p)
	zap.L().Info("registered task handler", zap.String("task_type", taskname.AnalysisReconcileRun))
}
