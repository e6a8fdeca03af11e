package ledger

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

const GenesisHash = "GENESIS"

type Category string

const (
	CategoryPurchase      Category = "PURCHASE"
	CategoryAnalysisSpend Category = "ANALYSIS_SPEND"
	CategoryRefund        Category = "REFUND"
	CategoryAdminCredit   Category = "ADMIN_CREDIT"
	CategoryAdminDebit    Category = "ADMIN_DEBIT"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryPurchase, CategoryAnalysisSpend, CategoryRefund, CategoryAdminCredit, CategoryAdminDebit:
		return true
	}
	return false
}

// Credit reports whether entries of this category add chips.
func (c Category) Credit() bool {
	return c == CategoryPurchase || c == CategoryRefund || c == CategoryAdminCredit
}

type Account struct {
	ID               string    `gorm:"column:id;primaryKey;size:64" json:"id"`
	Balance          int64     `gorm:"column:balance;not null;default:0;check:balance >= 0" json:"balance"`
	ExternalIdentity *string   `gorm:"column:external_identity;size:191;uniqueIndex" json:"external_identity,omitempty"`
	Sequence         int64     `gorm:"column:sequence;not null;default:0" json:"-"`
	LastHash         string    `gorm:"column:last_hash;size:64" json:"-"`
	CreatedAt        time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time `gorm:"column:updated_at" json:"updated_at"`
}

type LedgerEntry struct {
	ID            string         `gorm:"column:id;primaryKey;size:32" json:"id"`
	AccountID     string         `gorm:"column:account_id;size:64;not null;uniqueIndex:idx_ledger_entries_account_seq,priority:1" json:"account_id"`
	Sequence      int64          `gorm:"column:sequence;not null;uniqueIndex:idx_ledger_entries_account_seq,priority:2" json:"sequence"`
	Delta         int64          `gorm:"column:delta;not null" json:"delta"`
	Category      Category       `gorm:"column:category;size:32;not null;index" json:"category"`
	Description   string         `gorm:"column:description;size:255" json:"description"`
	ExternalRef   *string        `gorm:"column:external_ref;size:191;uniqueIndex" json:"external_ref,omitempty"`
	ResourceRef   *string        `gorm:"column:resource_ref;size:191;index" json:"resource_ref,omitempty"`
	TransactionID string         `gorm:"column:transaction_id;size:32" json:"transaction_id"`
	BalanceAfter  int64          `gorm:"column:balance_after;not null" json:"balance_after"`
	PreviousHash  string         `gorm:"column:previous_hash;size:64" json:"previous_hash"`
	Hash          string         `gorm:"column:hash;size:64" json:"hash"`
	Metadata      datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt     time.Time      `gorm:"column:created_at" json:"created_at"`
}

func (m *LedgerEntry) HashFields() map[string]string {
	return map[string]string{
		"id":             m.ID,
		"account_id":     m.AccountID,
		"sequence":       fmt.Sprintf("%d", m.Sequence),
		"delta":          fmt.Sprintf("%d", m.Delta),
		"category":       string(m.Category),
		"description":    m.Description,
		"external_ref":   deref(m.ExternalRef),
		"resource_ref":   deref(m.ResourceRef),
		"transaction_id": m.TransactionID,
		"balance_after":  fmt.Sprintf("%d", m.BalanceAfter),
		"created_at":     m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash":  m.PreviousHash,
	}
}

func (l *LedgerEntry) GenerateHash() string {
	fields := l.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// GenerateTransactionID returns a human readable id, e.g. 20261019-3FA2C1.
func GenerateTransactionID(now time.Time) (string, error) {
	r := make([]byte, 3)
	if _, err := rand.Read(r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", now.Format("20060102"), strings.ToUpper(hex.EncodeToString(r))), nil
}

type AppendParams struct {
	AccountID   string
	Delta       int64
	Category    Category
	Description string
	ExternalRef string
	ResourceRef string
	Metadata    datatypes.JSON
}

// AppendResult is the outcome of one append. Replayed is set when
// ExternalRef matched an existing entry and nothing was written.
type AppendResult struct {
	Entry    *LedgerEntry
	Balance  int64
	Replayed bool
}

type ChainReport struct {
	AccountID string `json:"account_id"`
	Valid     bool   `json:"valid"`
	Entries   int    `json:"entries"`
	BrokenAt  string `json:"broken_at,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type AuditReport struct {
	AccountID  string `json:"account_id"`
	Balance    int64  `json:"balance"`
	EntrySum   int64  `json:"entry_sum"`
	EntryCount int64  `json:"entry_count"`
	Consistent bool   `json:"consistent"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
