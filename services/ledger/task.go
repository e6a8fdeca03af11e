package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chipledger/pkg/task"
	"chipledger/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type AuditPayload struct {
	AccountID string `json:"account_id"`
}

func NewAuditTask(accountID string) (*asynq.Task, error) {
	payload, err := json.Marshal(AuditPayload{AccountID: accountID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.LedgerAuditAccount, payload,
		asynq.Queue(task.QueueLow),
		asynq.MaxRetry(3),
		asynq.Unique(time.Minute),
	), nil
}

// EnqueueAudit schedules an audit of the account. Failures are logged only.
func EnqueueAudit(ctx context.Context, enq task.Enqueuer, accountID string) {
	t, err := NewAuditTask(accountID)
	if err == nil {
		_, err = enq.Enqueue(ctx, t)
	}
	if err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
		zap.L().Warn("failed to enqueue ledger audit", zap.String("account_id", accountID), zap.Error(err))
	}
}

type AuditProcessor struct {
	store *Store
	log   *zap.Logger
}

func NewAuditProcessor(store *Store, log *zap.Logger) *AuditProcessor {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditProcessor{store: store, log: log.Named("ledger.audit")}
}

// ProcessTask verifies the hash chain and the balance sum of one account.
// A mismatch is logged at error level and not retried.
func (p *AuditProcessor) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload AuditPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode audit payload: %v: %w", err, asynq.SkipRetry)
	}

	log := p.log.With(zap.String("account_id", payload.AccountID))

	audit, err := p.store.Audit(ctx, payload.AccountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			log.Warn("audit skipped, account not found")
			return nil
		}
		return err
	}
	chain, err := p.store.VerifyChain(ctx, payload.AccountID)
	if err != nil {
		return err
	}

	if !audit.Consistent || !chain.Valid {
		log.Error("ledger audit failed",
			zap.Int64("balance", audit.Balance),
			zap.Int64("entry_sum", audit.EntrySum),
			zap.Bool("chain_valid", chain.Valid),
			zap.String("broken_at", chain.BrokenAt),
			zap.String("reason", chain.Reason),
		)
		return nil
	}

	log.Info("ledger audit passed", zap.Int64("balance", audit.Balance), zap.Int64("entries", audit.EntryCount))
	return nil
}
