package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chipledger/pkg/logger"
	"chipledger/pkg/task"
	"chipledger/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var settlementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "billing_settlements_total",
	Help: "Webhook deliveries by outcome.",
}, []string{"status"})

func init() {
	prometheus.MustRegister(settlementsTotal)
}

type Crediter interface {
	Credit(ctx context.Context, p ledger.CreditParams) (*ledger.Receipt, error)
}

type AccountLookup interface {
	GetAccount(ctx context.Context, accountID string) (*ledger.Account, error)
	FindByExternalRef(ctx context.Context, ref string) (*ledger.LedgerEntry, error)
}

type PackageResolver interface {
	ByPriceRef(ctx context.Context, ref string) (*ChipPackage, error)
}

// SettlementPackages resolves line items, including retired packages.
type SettlementPackages interface {
	ByPriceRefAny(ctx context.Context, ref string) (*ChipPackage, error)
}

type SettlerConfig struct {
	Secret    string
	Tolerance time.Duration
}

// Settler turns a payment notification into exactly one purchase credit.
// The session id is the ledger idempotency key, so redelivery never credits
// twice.
type Settler struct {
	guard    Crediter
	accounts AccountLookup
	packages SettlementPackages
	db       *gorm.DB
	node     *snowflake.Node
	enqueuer task.Enqueuer
	cfg      SettlerConfig
	log      *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewSettler(guard Crediter, accounts AccountLookup, packages SettlementPackages, db *gorm.DB, node *snowflake.Node, enqueuer task.Enqueuer, cfg SettlerConfig, log *zap.Logger) *Settler {
	if log == nil {
		log = zap.NewNop()
	}
	if enqueuer == nil {
		enqueuer = task.NoopEnqueuer{}
	}
	return &Settler{
		guard:    guard,
		accounts: accounts,
		packages: packages,
		db:       db,
		node:     node,
		enqueuer: enqueuer,
		cfg:      cfg,
		log:      log.Named("billing.settlement"),
		tracer:   otel.Tracer("chipledger/services/billing"),
		now:      time.Now,
	}
}

// Settle verifies and applies one delivery. The returned error is terminal
// for the delivery: ErrSignatureInvalid, ErrMalformedEvent,
// ErrUnknownAccount or ErrUnknownPackage, or a ledger storage error.
func (s *Settler) Settle(ctx context.Context, payload []byte, signature string) (*Settlement, error) {
	ctx, span := s.tracer.Start(ctx, "billing.settle")
	defer span.End()

	rec := &WebhookEvent{Payload: rawJSON(payload)}
	defer func() { s.record(ctx, rec) }()

	if err := VerifySignature(payload, signature, s.cfg.Secret, s.cfg.Tolerance, s.now()); err != nil {
		s.reject(rec, err)
		s.log.Warn("webhook rejected", zap.Error(err))
		return nil, err
	}
	rec.SignatureValid = true

	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		err = fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		s.reject(rec, err)
		return nil, err
	}
	rec.SessionID, rec.EventType, rec.AccountID = evt.SessionID, evt.Type, evt.ClientReference
	span.SetAttributes(attribute.String("session_id", evt.SessionID), attribute.String("event_type", evt.Type))

	log := s.log.With(logger.TraceFields(ctx)...).With(
		zap.String("session_id", evt.SessionID),
		zap.String("account_id", evt.ClientReference),
		zap.String("event_type", evt.Type),
	)

	if evt.Type != EventPaymentCompleted || evt.PaymentStatus != PaymentStatusPaid {
		rec.Status = StatusIgnored
		settlementsTotal.WithLabelValues(string(StatusIgnored)).Inc()
		log.Info("webhook ignored", zap.String("payment_status", evt.PaymentStatus))
		return &Settlement{Status: StatusIgnored, SessionID: evt.SessionID}, nil
	}

	if err := validateEvent(&evt); err != nil {
		s.reject(rec, err)
		log.Warn("webhook rejected", zap.Error(err))
		return nil, err
	}

	acc, err := s.accounts.GetAccount(ctx, evt.ClientReference)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			err = fmt.Errorf("%w: %s", ErrUnknownAccount, evt.ClientReference)
			s.reject(rec, err)
			log.Error("webhook for unknown account", zap.Error(err))
			return nil, err
		}
		s.fail(rec, err)
		return nil, err
	}

	// A session that already produced a credit is answered from the ledger so
	// redelivery never depends on the current catalog.
	prior, err := s.accounts.FindByExternalRef(ctx, evt.SessionID)
	switch {
	case err == nil:
		if prior.AccountID != evt.ClientReference {
			err = fmt.Errorf("%w: session %s already credited to another account", ErrMalformedEvent, evt.SessionID)
			s.reject(rec, err)
			return nil, err
		}
		rec.Status, rec.EntryID, rec.Chips = StatusDuplicate, prior.ID, prior.Delta
		settlementsTotal.WithLabelValues(string(StatusDuplicate)).Inc()
		log.Info("webhook settled", zap.String("status", string(StatusDuplicate)), zap.Int64("chips", prior.Delta))
		return &Settlement{
			Status:    StatusDuplicate,
			SessionID: evt.SessionID,
			AccountID: evt.ClientReference,
			Chips:     prior.Delta,
			Balance:   acc.Balance,
			Entry:     prior,
		}, nil
	case !errors.Is(err, ledger.ErrEntryNotFound):
		s.fail(rec, err)
		return nil, err
	}

	var (
		chips   int64
		names   []string
		firstID string
	)
	for _, item := range evt.LineItems {
		pkg, err := s.packages.ByPriceRefAny(ctx, item.PriceRef)
		if err != nil {
			if errors.Is(err, ErrUnknownPackage) {
				s.reject(rec, err)
				log.Error("webhook for unknown package", zap.String("price_ref", item.PriceRef))
			} else {
				s.fail(rec, err)
			}
			return nil, err
		}
		if firstID == "" {
			firstID = pkg.ID
		}
		chips += pkg.ChipAmount * item.Quantity
		names = append(names, pkg.Name)
	}
	rec.Chips = chips

	meta, _ := json.Marshal(map[string]any{
		"session_id": evt.SessionID,
		"event_id":   evt.ID,
		"line_items": evt.LineItems,
	})

	receipt, err := s.guard.Credit(ctx, ledger.CreditParams{
		AccountID:   evt.ClientReference,
		Amount:      chips,
		Description: "purchase: " + strings.Join(names, ", "),
		Category:    ledger.CategoryPurchase,
		ExternalRef: evt.SessionID,
		ResourceRef: firstID,
		Metadata:    datatypes.JSON(meta),
	})
	if err != nil {
		if errors.Is(err, ledger.ErrExternalRefConflict) {
			err = fmt.Errorf("%w: session %s already credited to another account", ErrMalformedEvent, evt.SessionID)
			s.reject(rec, err)
			return nil, err
		}
		s.fail(rec, err)
		log.Error("purchase credit failed", zap.Error(err))
		return nil, err
	}

	status := StatusCredited
	if receipt.Replayed {
		status = StatusDuplicate
	} else {
		ledger.EnqueueAudit(ctx, s.enqueuer, evt.ClientReference)
	}
	rec.Status, rec.EntryID = status, receipt.Entry.ID
	settlementsTotal.WithLabelValues(string(status)).Inc()
	log.Info("webhook settled", zap.String("status", string(status)), zap.Int64("chips", chips))

	return &Settlement{
		Status:    status,
		SessionID: evt.SessionID,
		AccountID: evt.ClientReference,
		Chips:     chips,
		Balance:   receipt.Balance,
		Entry:     receipt.Entry,
	}, nil
}

func validateEvent(evt *Event) error {
	switch {
	case evt.SessionID == "":
		return fmt.Errorf("%w: missing session_id", ErrMalformedEvent)
	case evt.ClientReference == "":
		return fmt.Errorf("%w: missing client_reference", ErrMalformedEvent)
	case len(evt.LineItems) == 0:
		return fmt.Errorf("%w: no line items", ErrMalformedEvent)
	}
	for _, item := range evt.LineItems {
		if item.PriceRef == "" || item.Quantity <= 0 {
			return fmt.Errorf("%w: invalid line item %q", ErrMalformedEvent, item.PriceRef)
		}
	}
	return nil
}

func (s *Settler) reject(rec *WebhookEvent, err error) {
	rec.Status, rec.Error = StatusRejected, truncate(err.Error(), 500)
	settlementsTotal.WithLabelValues(string(StatusRejected)).Inc()
}

func (s *Settler) fail(rec *WebhookEvent, err error) {
	rec.Status, rec.Error = StatusFailed, truncate(err.Error(), 500)
	settlementsTotal.WithLabelValues(string(StatusFailed)).Inc()
}

// record keeps the delivery log; a failure here never fails the delivery.
func (s *Settler) record(ctx context.Context, rec *WebhookEvent) {
	if s.db == nil {
		return
	}
	rec.ID = s.node.Generate().String()
	rec.CreatedAt = s.now().UTC()
	if err := s.db.WithContext(context.WithoutCancel(ctx)).Create(rec).Error; err != nil {
		s.log.Warn("failed to record webhook event", zap.String("session_id", rec.SessionID), zap.Error(err))
	}
}

func rawJSON(payload []byte) datatypes.JSON {
	if json.Valid(payload) {
		return datatypes.JSON(payload)
	}
	quoted, _ := json.Marshal(string(payload))
	return datatypes.JSON(quoted)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
