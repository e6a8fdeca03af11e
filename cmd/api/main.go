package main

import (
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"chipledger/pkg/authz"
	"chipledger/pkg/config"
	"chipledger/pkg/db"
	"chipledger/pkg/featureflags"
	"chipledger/pkg/gen"
	"chipledger/pkg/hashistack/secretmanager"
	"chipledger/pkg/hashistack/servicediscover"
	"chipledger/pkg/httpapi"
	"chipledger/pkg/logger"
	"chipledger/pkg/otelcol"
	"chipledger/pkg/profiling"
	"chipledger/pkg/redis"
	"chipledger/pkg/server"
	"chipledger/pkg/task"
	"chipledger/services/analysis"
	"chipledger/services/billing"
	"chipledger/services/bootstrap"
	"chipledger/services/ledger"
)

func main() {
	opts := []fx.Option{
		configModule(),
		logger.Module,
		profiling.Module,
		otelcol.Module,
		db.Module,
		redis.Module,
		task.Client,
		gen.Module,
		authz.Module,
		featureflags.Module,
		fx.Provide(server.RegisterServerMux),
		httpapi.Module,
		bootstrap.Module,
		ledger.Module,
		ledger.Gateway,
		billing.Module,
		billing.Gateway,
		analysis.Module,
		analysis.Gateway,
		server.ProvideGRPCServer,
		server.ProvideHTTPServer,
		servicediscover.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

// configModule reads config from a remote provider when
// REMOTE_CONFIG_PROVIDER is set, and pulls secrets from vault when
// VAULT_ADDR is set.
func configModule() fx.Option {
	var opts []fx.Option
	if secretmanager.Enabled() {
		opts = append(opts, secretmanager.Module)
	}
	if _, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		return fx.Options(append(opts, config.RemoteModule)...)
	}
	return fx.Options(append(opts, config.Module)...)
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})
