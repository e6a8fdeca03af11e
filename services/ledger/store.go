package ledger

import (
	"context"
	"errors"
	"time"

	"chipledger/pkg/db/option"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	appendAttempts  = 3
	verifyBatchSize = 500
)

// Store keeps accounts and their append-only entry log. Every balance change
// goes through AppendEntry, which holds the account row lock for the whole
// read-check-write.
type Store struct {
	db   *gorm.DB
	node *snowflake.Node
	now  func() time.Time
}

type StoreParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewStore(p StoreParams) *Store {
	return &Store{
		db:   p.DB,
		node: p.Node,
		now:  time.Now,
	}
}

// EnsureAccount creates the account on first interaction and returns it.
func (s *Store) EnsureAccount(ctx context.Context, accountID string) (*Account, error) {
	if accountID == "" {
		return nil, ErrAccountNotFound
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Account{ID: accountID, LastHash: GenesisHash}).Error
	if err != nil {
		return nil, storageErr(err)
	}

	return s.GetAccount(ctx, accountID)
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	var acc Account
	if err := s.db.WithContext(ctx).Where("id = ?", accountID).Take(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, storageErr(err)
	}
	return &acc, nil
}

func (s *Store) GetBalance(ctx context.Context, accountID string) (int64, error) {
	acc, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// ClaimAccount links an authenticated identity to the account. Claiming again
// with the same identity is a no-op.
func (s *Store) ClaimAccount(ctx context.Context, accountID, identity string) (*Account, error) {
	var out Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acc, err := lockAccount(tx, accountID)
		if err != nil {
			return err
		}

		if acc.ExternalIdentity != nil {
			if *acc.ExternalIdentity != identity {
				return ErrAccountClaimed
			}
			out = *acc
			return nil
		}

		now := s.now().UTC()
		if err := tx.Model(&Account{}).
			Where("id = ? AND external_identity IS NULL", accountID).
			Updates(map[string]any{"external_identity": identity, "updated_at": now}).Error; err != nil {
			return err
		}

		acc.ExternalIdentity = &identity
		acc.UpdatedAt = now
		out = *acc
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrDuplicatedKey):
			return nil, ErrIdentityInUse
		case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrAccountClaimed):
			return nil, err
		}
		return nil, storageErr(err)
	}
	return &out, nil
}

// AppendEntry applies delta to the account balance and records the entry in
// one transaction. A reused ExternalRef returns the entry already recorded
// for it with Replayed set.
func (s *Store) AppendEntry(ctx context.Context, p AppendParams) (*AppendResult, error) {
	if p.Delta == 0 {
		return nil, ErrInvalidAmount
	}
	if !p.Category.Valid() {
		return nil, ErrInvalidCategory
	}

	var (
		res *AppendResult
		err error
	)
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		res, err = s.appendOnce(ctx, p)
		if !errors.Is(err, errConcurrentUpdate) {
			break
		}
		zap.L().Warn("ledger append retried",
			zap.String("account_id", p.AccountID),
			zap.Int("attempt", attempt),
		)
	}

	if err == nil {
		return res, nil
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) && p.ExternalRef != "" {
		// a concurrent writer recorded the same reference first
		existing, findErr := s.FindByExternalRef(ctx, p.ExternalRef)
		if findErr != nil {
			return nil, findErr
		}
		if existing.AccountID != p.AccountID {
			return nil, ErrExternalRefConflict
		}
		balance, balErr := s.GetBalance(ctx, p.AccountID)
		if balErr != nil {
			return nil, balErr
		}
		return &AppendResult{Entry: existing, Balance: balance, Replayed: true}, nil
	}

	var insufficient *InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient),
		errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrExternalRefConflict):
		return nil, err
	}
	return nil, storageErr(err)
}

func (s *Store) appendOnce(ctx context.Context, p AppendParams) (*AppendResult, error) {
	var res *AppendResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acc, err := lockAccount(tx, p.AccountID)
		if err != nil {
			return err
		}

		if p.ExternalRef != "" {
			existing, err := findByExternalRef(tx, p.ExternalRef)
			if err != nil {
				return err
			}
			if existing != nil {
				if existing.AccountID != acc.ID {
					return ErrExternalRefConflict
				}
				res = &AppendResult{Entry: existing, Balance: acc.Balance, Replayed: true}
				return nil
			}
		}

		next := acc.Balance + p.Delta
		if next < 0 {
			return &InsufficientBalanceError{AccountID: acc.ID, Required: -p.Delta, Available: acc.Balance}
		}

		now := s.now().UTC().Truncate(time.Millisecond)
		txID, err := GenerateTransactionID(now)
		if err != nil {
			return err
		}

		prev := acc.LastHash
		if prev == "" {
			prev = GenesisHash
		}

		entry := &LedgerEntry{
			ID:            s.node.Generate().String(),
			AccountID:     acc.ID,
			Sequence:      acc.Sequence + 1,
			Delta:         p.Delta,
			Category:      p.Category,
			Description:   p.Description,
			ExternalRef:   optional(p.ExternalRef),
			ResourceRef:   optional(p.ResourceRef),
			TransactionID: txID,
			BalanceAfter:  next,
			PreviousHash:  prev,
			Metadata:      p.Metadata,
			CreatedAt:     now,
		}
		entry.Hash = entry.GenerateHash()

		if err := tx.Create(entry).Error; err != nil {
			return err
		}

		upd := tx.Model(&Account{}).
			Where("id = ? AND balance = ? AND sequence = ?", acc.ID, acc.Balance, acc.Sequence).
			Updates(map[string]any{
				"balance":    next,
				"sequence":   entry.Sequence,
				"last_hash":  entry.Hash,
				"updated_at": now,
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected != 1 {
			return errConcurrentUpdate
		}

		res = &AppendResult{Entry: entry, Balance: next}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ListRecent returns entries newest first.
func (s *Store) ListRecent(ctx context.Context, accountID string, limit, offset int) ([]LedgerEntry, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	var entries []LedgerEntry
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("sequence DESC").
		Scopes(option.Paginate(limit, offset)).
		Find(&entries).Error; err != nil {
		return nil, storageErr(err)
	}
	return entries, nil
}

func (s *Store) FindByExternalRef(ctx context.Context, ref string) (*LedgerEntry, error) {
	entry, err := findByExternalRef(s.db.WithContext(ctx), ref)
	if err != nil {
		return nil, storageErr(err)
	}
	if entry == nil {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// VerifyChain walks the entries oldest first and recomputes every hash.
func (s *Store) VerifyChain(ctx context.Context, accountID string) (*ChainReport, error) {
	acc, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	report := &ChainReport{AccountID: accountID, Valid: true}
	prev := GenesisHash
	var expectSeq int64 = 1

	var last int64
	for {
		var batch []LedgerEntry
		if err := s.db.WithContext(ctx).
			Where("account_id = ? AND sequence > ?", accountID, last).
			Order("sequence ASC").
			Limit(verifyBatchSize).
			Find(&batch).Error; err != nil {
			return nil, storageErr(err)
		}

		for i := range batch {
			e := &batch[i]
			report.Entries++
			last = e.Sequence
			if !report.Valid {
				continue
			}
			switch {
			case e.Sequence != expectSeq:
				report.Valid, report.BrokenAt, report.Reason = false, e.ID, "sequence gap"
			case e.PreviousHash != prev:
				report.Valid, report.BrokenAt, report.Reason = false, e.ID, "previous hash mismatch"
			case e.GenerateHash() != e.Hash:
				report.Valid, report.BrokenAt, report.Reason = false, e.ID, "hash mismatch"
			}
			prev = e.Hash
			expectSeq++
		}

		if len(batch) < verifyBatchSize {
			break
		}
	}

	if report.Valid && acc.LastHash != "" && acc.LastHash != prev {
		report.Valid, report.Reason = false, "account head does not match last entry"
	}
	return report, nil
}

// Audit compares the stored balance with the sum of entry deltas.
func (s *Store) Audit(ctx context.Context, accountID string) (*AuditReport, error) {
	acc, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var row struct {
		Total int64
		Count int64
	}
	if err := s.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("COALESCE(SUM(delta), 0) AS total, COUNT(*) AS count").
		Where("account_id = ?", accountID).
		Scan(&row).Error; err != nil {
		return nil, storageErr(err)
	}

	return &AuditReport{
		AccountID:  accountID,
		Balance:    acc.Balance,
		EntrySum:   row.Total,
		EntryCount: row.Count,
		Consistent: acc.Balance == row.Total,
	}, nil
}

func lockAccount(tx *gorm.DB, accountID string) (*Account, error) {
	var acc Account
	if err := tx.Scopes(option.LockingUpdate).Where("id = ?", accountID).Take(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acc, nil
}

func findByExternalRef(tx *gorm.DB, ref string) (*LedgerEntry, error) {
	var entry LedgerEntry
	if err := tx.Where("external_ref = ?", ref).Take(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}
