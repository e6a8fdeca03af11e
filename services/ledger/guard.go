package ledger

import (
	"context"
	"errors"

	"chipledger/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Guard is the only writer of balances. Debits never take an account below
// zero; concurrent mutations of one account are serialized by the store.
type Guard struct {
	store  *Store
	log    *zap.Logger
	tracer trace.Tracer
}

type GuardParams struct {
	fx.In
	Store  *Store
	Logger *zap.Logger `optional:"true"`
}

func NewGuard(p GuardParams) *Guard {
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{
		store:  p.Store,
		log:    log.Named("ledger.guard"),
		tracer: otel.Tracer("chipledger/services/ledger"),
	}
}

type DebitParams struct {
	AccountID   string
	Amount      int64
	Description string
	// Category defaults to CategoryAnalysisSpend.
	Category    Category
	ResourceRef string
	ExternalRef string
	Metadata    datatypes.JSON
}

type CreditParams struct {
	AccountID   string
	Amount      int64
	Description string
	Category    Category
	ExternalRef string
	ResourceRef string
	Metadata    datatypes.JSON
}

type Receipt struct {
	Entry    *LedgerEntry `json:"entry"`
	Balance  int64        `json:"balance"`
	Replayed bool         `json:"replayed"`
}

// Shortfall is how many chips are missing to afford cost. Zero means the
// balance covers it.
func Shortfall(balance, cost int64) int64 {
	if balance >= cost {
		return 0
	}
	return cost - balance
}

// CanAfford reads the balance and reports the shortfall for cost. The answer
// is advisory; Debit re-checks under the account lock.
func (g *Guard) CanAfford(ctx context.Context, accountID string, cost int64) (bool, int64, error) {
	balance, err := g.store.GetBalance(ctx, accountID)
	if err != nil {
		return false, 0, err
	}
	short := Shortfall(balance, cost)
	return short == 0, short, nil
}

func (g *Guard) Balance(ctx context.Context, accountID string) (int64, error) {
	return g.store.GetBalance(ctx, accountID)
}

func (g *Guard) Debit(ctx context.Context, p DebitParams) (*Receipt, error) {
	if p.Category == "" {
		p.Category = CategoryAnalysisSpend
	}
	if p.Category.Credit() {
		return nil, ErrInvalidCategory
	}
	return g.apply(ctx, "debit", AppendParams{
		AccountID:   p.AccountID,
		Delta:       -p.Amount,
		Category:    p.Category,
		Description: p.Description,
		ExternalRef: p.ExternalRef,
		ResourceRef: p.ResourceRef,
		Metadata:    p.Metadata,
	}, p.Amount)
}

func (g *Guard) Credit(ctx context.Context, p CreditParams) (*Receipt, error) {
	if !p.Category.Credit() {
		return nil, ErrInvalidCategory
	}
	return g.apply(ctx, "credit", AppendParams{
		AccountID:   p.AccountID,
		Delta:       p.Amount,
		Category:    p.Category,
		Description: p.Description,
		ExternalRef: p.ExternalRef,
		ResourceRef: p.ResourceRef,
		Metadata:    p.Metadata,
	}, p.Amount)
}

func (g *Guard) apply(ctx context.Context, op string, p AppendParams, amount int64) (*Receipt, error) {
	ctx, span := g.tracer.Start(ctx, "ledger."+op, trace.WithAttributes(
		attribute.String("account_id", p.AccountID),
		attribute.String("category", string(p.Category)),
		attribute.Int64("amount", amount),
	))
	defer span.End()

	log := g.log.With(logger.TraceFields(ctx)...).With(
		zap.String("op", op),
		zap.String("account_id", p.AccountID),
		zap.String("category", string(p.Category)),
		zap.Int64("amount", amount),
		zap.String("external_ref", p.ExternalRef),
	)

	if amount <= 0 {
		observe(p.Category, "rejected", amount)
		return nil, ErrInvalidAmount
	}

	res, err := g.store.AppendEntry(ctx, p)
	if err != nil {
		var insufficient *InsufficientBalanceError
		switch {
		case errors.As(err, &insufficient):
			observe(p.Category, "insufficient", amount)
			log.Warn("debit rejected", zap.Int64("available", insufficient.Available), zap.Int64("shortfall", insufficient.Shortfall()))
		case errors.Is(err, ErrStorage):
			observe(p.Category, "error", amount)
			span.RecordError(err)
			span.SetStatus(codes.Error, "ledger storage")
			log.Error("ledger mutation failed", zap.Error(err))
		default:
			observe(p.Category, "rejected", amount)
			log.Warn("ledger mutation rejected", zap.Error(err))
		}
		return nil, err
	}

	if res.Replayed {
		observe(p.Category, "replayed", amount)
		log.Info("ledger mutation replayed", zap.String("entry_id", res.Entry.ID))
	} else {
		observe(p.Category, "committed", amount)
		log.Info("ledger mutation committed", zap.String("entry_id", res.Entry.ID), zap.Int64("balance", res.Balance))
	}
	span.SetAttributes(attribute.Bool("replayed", res.Replayed))

	return &Receipt{Entry: res.Entry, Balance: res.Balance, Replayed: res.Replayed}, nil
}
