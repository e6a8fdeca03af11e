package bootstrap

import (
	"context"

	"chipledger/pkg/db"
	"chipledger/services/analysis"
	"chipledger/services/billing"
	"chipledger/services/ledger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table the services own, in dependency order.
func Models() []any {
	return []any{
		&ledger.Account{},
		&ledger.LedgerEntry{},
		&billing.ChipPackage{},
		&billing.WebhookEvent{},
		&analysis.Video{},
		&analysis.Result{},
		&analysis.Run{},
	}
}

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Migrate creates or alters every table in Models.
func (s *Service) Migrate(ctx context.Context) error {
	models := Models()
	if err := db.Migrate(s.db.WithContext(ctx), models...); err != nil {
		zap.L().Error("[bootstrap] schema migration failed", zap.Error(err))
		return err
	}
	zap.L().Info("[bootstrap] schema migrated", zap.Int("tables", len(models)))
	return nil
}
