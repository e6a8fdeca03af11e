package main

import (
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"chipledger/pkg/config"
	"chipledger/pkg/db"
	"chipledger/pkg/gen"
	"chipledger/pkg/hashistack/secretmanager"
	"chipledger/pkg/logger"
	"chipledger/pkg/otelcol"
	"chipledger/pkg/profiling"
	"chipledger/pkg/task"
	"chipledger/services/analysis"
	"chipledger/services/ledger"
)

func main() {
	opts := []fx.Option{
		configModule(),
		logger.Module,
		profiling.Module,
		otelcol.Module,
		db.Module,
		gen.Module,
		ledger.Module,
		ledger.Worker,
		analysis.Worker,
		task.Server,
		task.Scheduler,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

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
