package main

import (
	"context"
	"log"
	"os"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"chipledger/pkg/config"
	"chipledger/pkg/db"
	"chipledger/pkg/logger"
	"chipledger/services/billing"
	"chipledger/services/bootstrap"
)

// packages.yaml:
//
//	packages:
//	  - id: pkg_small
//	    name: Small
//	    chip_amount: 10
//	    price_minor: 499
//	    currency: usd
//	    price_ref: price_123
//	    active: true
//	    display_order: 1
type seedFile struct {
	Packages []billing.ChipPackage `mapstructure:"packages"`
}

func main() {
	path := "packages.yaml"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		bootstrap.Module,
		fx.Invoke(func(lc fx.Lifecycle, sd fx.Shutdowner, gdb *gorm.DB, cfg *config.Config, _ *bootstrap.Service) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					err := seed(ctx, gdb, cfg, path)
					code := 0
					if err != nil {
						zap.L().Error("[seed] packages failed", zap.Error(err))
						code = 1
					}
					return sd.Shutdown(fx.ExitCode(code))
				},
			})
		}),
		fx.NopLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

func seed(ctx context.Context, gdb *gorm.DB, cfg *config.Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	var file seedFile
	if err := v.Unmarshal(&file); err != nil {
		return err
	}

	if err := billing.NewCatalog(gdb, cfg.Catalog.CacheTTL).Upsert(ctx, file.Packages); err != nil {
		return err
	}
	zap.L().Info("[seed] packages upserted", zap.Int("count", len(file.Packages)), zap.String("file", path))
	return nil
}
