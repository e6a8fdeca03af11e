package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrEntryNotFound       = errors.New("ledger: entry not found")
	ErrAccountClaimed      = errors.New("ledger: account already claimed by another identity")
	ErrIdentityInUse       = errors.New("ledger: identity already linked to another account")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
	ErrInvalidCategory     = errors.New("ledger: invalid category")
	ErrExternalRefConflict = errors.New("ledger: external reference belongs to another account")
	ErrStorage             = errors.New("ledger: storage error")

	errConcurrentUpdate = errors.New("ledger: account changed during update")
)

// InsufficientBalanceError reports how far short an account is.
type InsufficientBalanceError struct {
	AccountID string
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient balance for account %s: required %d, available %d", e.AccountID, e.Required, e.Available)
}

func (e *InsufficientBalanceError) Shortfall() int64 {
	return e.Required - e.Available
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
