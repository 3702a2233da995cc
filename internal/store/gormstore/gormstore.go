package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/vendgate/internal/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintAuditUserRequest = "uniq_audit_user_request"
	defaultMetadataJSON        = "{}"
	pgUniqueViolationCode      = "23505"
	sqliteConstraintCode       = 19
	errorOperationStore        = "store"
	errorSubjectAccount        = "account"
	errorSubjectAudit          = "audit"
	errorSubjectBalance        = "balance"
	errorCodeAdd               = "add"
	errorCodeDuplicate         = "duplicate"
	errorCodeInsert            = "insert"
	errorCodeList              = "list"
	errorCodeLookup            = "lookup"
	errorCodeSpend             = "spend"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetAccount(ctx context.Context, userID string) (ledger.Account, bool, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{UserID: userID}, false, nil
	}
	if err != nil {
		return ledger.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return ledger.Account{
		UserID:         account.UserID,
		Balance:        account.Balance,
		UpdatedUnixUTC: account.UpdatedAt.Unix(),
	}, true, nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID string) (ledger.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		FirstOrCreate(&account, Account{UserID: userID}).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return ledger.Account{
		UserID:         account.UserID,
		Balance:        account.Balance,
		UpdatedUnixUTC: account.UpdatedAt.Unix(),
	}, nil
}

func (store *Store) AddBalance(ctx context.Context, userID string, amount ledger.Credits) (ledger.Credits, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAdd, result.Error)
	}
	return store.currentBalance(ctx, userID)
}

// SpendBalance is the serializable compare-and-decrement: the conditional
// UPDATE touches the row only when balance >= cost, so concurrent spenders
// against the same row serialize on the row write lock.
func (store *Store) SpendBalance(ctx context.Context, userID string, cost ledger.Credits) (ledger.Credits, bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ? AND balance >= ?", userID, cost).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance - ?", cost),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, false, wrapStoreError(errorSubjectBalance, errorCodeSpend, result.Error)
	}
	balance, err := store.currentBalance(ctx, userID)
	if err != nil {
		return 0, false, err
	}
	return balance, result.RowsAffected > 0, nil
}

func (store *Store) InsertAudit(ctx context.Context, record ledger.AuditRecord) error {
	createdAt := time.Unix(record.CreatedUnixUTC, 0).UTC()
	if record.CreatedUnixUTC == 0 {
		createdAt = time.Now().UTC()
	}
	model := AuditRecord{
		AuditID:      record.AuditID,
		UserID:       record.UserID,
		RequestID:    record.RequestID,
		Action:       record.Action,
		Route:        record.Route,
		CreditDelta:  record.CreditDelta,
		BalanceAfter: record.BalanceAfter,
		IP:           record.IP,
		UserAgent:    record.UserAgent,
		Metadata:     datatypesJSON(record.MetadataJSON),
		CreatedAt:    createdAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isDuplicateRequest(err) {
		return wrapStoreError(errorSubjectAudit, errorCodeDuplicate, ledger.ErrDuplicateRequest)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListAudits(ctx context.Context, userID string, limit int) ([]ledger.AuditRecord, error) {
	var rows []AuditRecord
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAudit, errorCodeList, err)
	}
	records := make([]ledger.AuditRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, ledger.AuditRecord{
			AuditID:        row.AuditID,
			UserID:         row.UserID,
			RequestID:      row.RequestID,
			Action:         row.Action,
			Route:          row.Route,
			CreditDelta:    row.CreditDelta,
			BalanceAfter:   row.BalanceAfter,
			IP:             row.IP,
			UserAgent:      row.UserAgent,
			MetadataJSON:   string(row.Metadata),
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	return records, nil
}

func (store *Store) currentBalance(ctx context.Context, userID string) (ledger.Credits, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return account.Balance, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isDuplicateRequest(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintAuditUserRequest
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
