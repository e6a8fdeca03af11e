package billing

import (
	"time"

	"chipledger/services/ledger"

	"gorm.io/datatypes"
)

// ChipPackage is a purchasable bundle of chips. Rows are maintained by the
// seed tool; the service only reads them.
type ChipPackage struct {
	ID           string    `gorm:"column:id;primaryKey;size:32" json:"id" mapstructure:"id"`
	Name         string    `gorm:"column:name;size:100;not null" json:"name" mapstructure:"name"`
	ChipAmount   int64     `gorm:"column:chip_amount;not null;check:chip_amount > 0" json:"chip_amount" mapstructure:"chip_amount"`
	PriceMinor   int64     `gorm:"column:price_minor;not null" json:"price_minor" mapstructure:"price_minor"`
	Currency     string    `gorm:"column:currency;size:3;not null;default:usd" json:"currency" mapstructure:"currency"`
	PriceRef     string    `gorm:"column:price_ref;size:191;not null;uniqueIndex" json:"price_ref" mapstructure:"price_ref"`
	Active       bool      `gorm:"column:active;not null;index" json:"active" mapstructure:"active"`
	DisplayOrder int       `gorm:"column:display_order;not null;default:0" json:"display_order" mapstructure:"display_order"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"-" mapstructure:"-"`
	UpdatedAt    time.Time `gorm:"column:updated_at" json:"-" mapstructure:"-"`
}

// WebhookEvent records every delivery received from the billing provider,
// including rejected and duplicate ones.
type WebhookEvent struct {
	ID             string         `gorm:"column:id;primaryKey;size:32"`
	SessionID      string         `gorm:"column:session_id;size:191;index"`
	EventType      string         `gorm:"column:event_type;size:100"`
	Status         Status         `gorm:"column:status;size:20;index"`
	AccountID      string         `gorm:"column:account_id;size:64"`
	Chips          int64          `gorm:"column:chips"`
	EntryID        string         `gorm:"column:entry_id;size:32"`
	SignatureValid bool           `gorm:"column:signature_valid"`
	Error          string         `gorm:"column:error;size:500"`
	Payload        datatypes.JSON `gorm:"column:payload"`
	CreatedAt      time.Time      `gorm:"column:created_at;index"`
}

const (
	EventPaymentCompleted = "payment.completed"
	PaymentStatusPaid     = "paid"
)

// Event is the provider notification body.
type Event struct {
	ID              string     `json:"id"`
	Type            string     `json:"type"`
	PaymentStatus   string     `json:"payment_status"`
	SessionID       string     `json:"session_id"`
	ClientReference string     `json:"client_reference"`
	LineItems       []LineItem `json:"line_items"`
}

type LineItem struct {
	PriceRef    string `json:"price_ref"`
	Quantity    int64  `json:"quantity"`
	AmountTotal int64  `json:"amount_total"`
}

type Status string

const (
	StatusCredited  Status = "credited"
	StatusDuplicate Status = "duplicate"
	StatusIgnored   Status = "ignored"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

// Settlement is the outcome of one webhook delivery.
type Settlement struct {
	Status    Status              `json:"status"`
	SessionID string              `json:"session_id,omitempty"`
	AccountID string              `json:"account_id,omitempty"`
	Chips     int64               `json:"chips,omitempty"`
	Balance   int64               `json:"balance,omitempty"`
	Entry     *ledger.LedgerEntry `json:"entry,omitempty"`
}
