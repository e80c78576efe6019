package ledger

import (
	"time"

	"github.com/google/uuid"
)

// Kind categorizes a ledger transaction.
type Kind string

const (
	KindDebit  Kind = "debit"
	KindCredit Kind = "credit"
	KindRefund Kind = "refund"
	KindGrant  Kind = "grant"
)

// Transaction is one immutable ledger entry. Amount is signed: debits are
// negative, credits/refunds/grants positive, so that the ordered sequence of
// a tenant's transactions replayed from zero reproduces the balance exactly.
type Transaction struct {
	ID           uuid.UUID         `json:"id"`
	TenantID     uuid.UUID         `json:"tenant_id"`
	Kind         Kind              `json:"kind"`
	Amount       int64             `json:"amount"`
	BalanceAfter int64             `json:"balance_after"`
	SourceRef    string            `json:"source_ref"`
	OriginalID   *uuid.UUID        `json:"original_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Balance is the derived per-tenant balance row.
type Balance struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	Amount    int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}
