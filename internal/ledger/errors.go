package ledger

import "errors"

var (
	// ErrInsufficientCredits is returned when a debit would take the
	// balance below zero. User-recoverable: prompt a top-up.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrRefundExceedsOriginal is returned when cumulative refunds against
	// one debit would exceed its amount.
	ErrRefundExceedsOriginal = errors.New("refund exceeds original transaction amount")

	// ErrTransactionNotFound is returned when a referenced transaction
	// does not exist or belongs to another tenant.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrInvalidAmount is returned for zero or negative mutation amounts.
	ErrInvalidAmount = errors.New("amount must be greater than zero")

	// ErrMissingSourceRef is returned when a mutation lacks an idempotency key.
	ErrMissingSourceRef = errors.New("source_ref is required")
)
