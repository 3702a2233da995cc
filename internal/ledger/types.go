package ledger

import "context"

// Credits is an integer credit amount.
type Credits = int64

// Audit actions recorded against the trail.
const (
	ActionGrant = "grant"
	ActionSpend = "spend"
)

// Account is the per-user balance row. Created implicitly on first
// reference with balance zero; never deleted.
type Account struct {
	UserID         string
	Balance        Credits
	UpdatedUnixUTC int64
}

// AuditRecord is a single immutable line in the reconciliation trail.
// The sum of CreditDelta for a user always equals the user's balance.
type AuditRecord struct {
	AuditID        string
	UserID         string
	RequestID      string
	Action         string
	Route          string
	CreditDelta    Credits
	BalanceAfter   Credits
	IP             string
	UserAgent      string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// RequestContext carries caller attribution into the audit trail.
type RequestContext struct {
	Route     string
	IP        string
	UserAgent string
}

// SpendResult reports the outcome of an atomic spend attempt.
type SpendResult struct {
	Success      bool
	BalanceAfter Credits
}

// Store is the persistence contract used by Service.
// (gormstore and pgstore implement this.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// GetAccount reads an account without creating it. Absent accounts report
	// found=false; callers treat them as balance zero.
	GetAccount(ctx context.Context, userID string) (Account, bool, error)
	GetOrCreateAccount(ctx context.Context, userID string) (Account, error)
	// AddBalance increments the balance unconditionally and returns the new value.
	AddBalance(ctx context.Context, userID string, amount Credits) (Credits, error)
	// SpendBalance decrements the balance only when balance >= cost, as a single
	// compare-and-decrement. Returns the post-decrement balance and whether the
	// decrement was applied; when not applied the balance is returned unchanged.
	SpendBalance(ctx context.Context, userID string, cost Credits) (Credits, bool, error)
	InsertAudit(ctx context.Context, record AuditRecord) error
	ListAudits(ctx context.Context, userID string, limit int) ([]AuditRecord, error)
}
