package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/vendgate/internal/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintAuditUserRequest = "uniq_audit_user_request"
	pgUniqueViolationCode      = "23505"
	errorOperationStore        = "store"
	errorSubjectAccount        = "account"
	errorSubjectAudit          = "audit"
	errorSubjectBalance        = "balance"
	errorSubjectTransaction    = "transaction"
	errorCodeAdd               = "add"
	errorCodeBegin             = "begin"
	errorCodeCommit            = "commit"
	errorCodeDuplicate         = "duplicate"
	errorCodeInsert            = "insert"
	errorCodeList              = "list"
	errorCodeLookup            = "lookup"
	errorCodeSpend             = "spend"

	sqlInsertOrGetAccount = `
		insert into accounts(user_id, balance, created_at, updated_at)
		values($1, 0, now(), now())
		on conflict (user_id) do update set user_id = excluded.user_id
		returning user_id, balance, extract(epoch from updated_at)::bigint
	`

	sqlAddBalance = `
		update accounts
		set balance = balance + $2, updated_at = now()
		where user_id = $1
		returning balance
	`

	sqlSpendBalance = `
		update accounts
		set balance = balance - $2, updated_at = now()
		where user_id = $1 and balance >= $2
		returning balance
	`

	sqlSelectBalance = `
		select balance from accounts where user_id = $1
	`

	sqlSelectAccount = `
		select user_id, balance, extract(epoch from updated_at)::bigint
		from accounts
		where user_id = $1
	`

	sqlInsertAudit = `
		insert into audit_records(
			audit_id, user_id, request_id, action, route, credit_delta, balance_after, ip, user_agent, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8,
			coalesce(nullif($9,''),'{}')::jsonb,
			to_timestamp($10)
		)
	`

	sqlListAudits = `
		select
			audit_id::text,
			user_id,
			request_id,
			action,
			route,
			credit_delta,
			balance_after,
			ip,
			user_agent,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from audit_records
		where user_id = $1
		order by created_at desc
		limit $2
	`
)

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, userID string) (ledger.Account, bool, error) {
	return getAccount(ctx, store.pool, userID)
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID string) (ledger.Account, error) {
	return getOrCreateAccount(ctx, store.pool, userID)
}

func (store *Store) AddBalance(ctx context.Context, userID string, amount ledger.Credits) (ledger.Credits, error) {
	return addBalance(ctx, store.pool, userID, amount)
}

func (store *Store) SpendBalance(ctx context.Context, userID string, cost ledger.Credits) (ledger.Credits, bool, error) {
	return spendBalance(ctx, store.pool, userID, cost)
}

func (store *Store) InsertAudit(ctx context.Context, record ledger.AuditRecord) error {
	return insertAudit(ctx, store.pool, record)
}

func (store *Store) ListAudits(ctx context.Context, userID string, limit int) ([]ledger.AuditRecord, error) {
	return listAudits(ctx, store.pool, userID, limit)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) GetAccount(ctx context.Context, userID string) (ledger.Account, bool, error) {
	return getAccount(ctx, store.tx, userID)
}

func (store *TxStore) GetOrCreateAccount(ctx context.Context, userID string) (ledger.Account, error) {
	return getOrCreateAccount(ctx, store.tx, userID)
}

func (store *TxStore) AddBalance(ctx context.Context, userID string, amount ledger.Credits) (ledger.Credits, error) {
	return addBalance(ctx, store.tx, userID, amount)
}

func (store *TxStore) SpendBalance(ctx context.Context, userID string, cost ledger.Credits) (ledger.Credits, bool, error) {
	return spendBalance(ctx, store.tx, userID, cost)
}

func (store *TxStore) InsertAudit(ctx context.Context, record ledger.AuditRecord) error {
	return insertAudit(ctx, store.tx, record)
}

func (store *TxStore) ListAudits(ctx context.Context, userID string, limit int) ([]ledger.AuditRecord, error) {
	return listAudits(ctx, store.tx, userID, limit)
}

func getAccount(ctx context.Context, q querier, userID string) (ledger.Account, bool, error) {
	var account ledger.Account
	err := q.QueryRow(ctx, sqlSelectAccount, userID).Scan(&account.UserID, &account.Balance, &account.UpdatedUnixUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{UserID: userID}, false, nil
	}
	if err != nil {
		return ledger.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, true, nil
}

func getOrCreateAccount(ctx context.Context, q querier, userID string) (ledger.Account, error) {
	var account ledger.Account
	err := q.QueryRow(ctx, sqlInsertOrGetAccount, userID).Scan(&account.UserID, &account.Balance, &account.UpdatedUnixUTC)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, nil
}

func addBalance(ctx context.Context, q querier, userID string, amount ledger.Credits) (ledger.Credits, error) {
	var balance int64
	err := q.QueryRow(ctx, sqlAddBalance, userID, amount).Scan(&balance)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAdd, err)
	}
	return balance, nil
}

func spendBalance(ctx context.Context, q querier, userID string, cost ledger.Credits) (ledger.Credits, bool, error) {
	var balance int64
	err := q.QueryRow(ctx, sqlSpendBalance, userID, cost).Scan(&balance)
	if err == nil {
		return balance, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, wrapStoreError(errorSubjectBalance, errorCodeSpend, err)
	}
	// Condition not met: report the unchanged balance.
	err = q.QueryRow(ctx, sqlSelectBalance, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return balance, false, nil
}

func insertAudit(ctx context.Context, q querier, record ledger.AuditRecord) error {
	_, err := q.Exec(ctx, sqlInsertAudit,
		record.UserID,
		record.RequestID,
		record.Action,
		record.Route,
		record.CreditDelta,
		record.BalanceAfter,
		record.IP,
		record.UserAgent,
		record.MetadataJSON,
		record.CreatedUnixUTC,
	)
	if isDuplicateRequest(err) {
		return wrapStoreError(errorSubjectAudit, errorCodeDuplicate, ledger.ErrDuplicateRequest)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeInsert, err)
	}
	return nil
}

func listAudits(ctx context.Context, q querier, userID string, limit int) ([]ledger.AuditRecord, error) {
	rows, err := q.Query(ctx, sqlListAudits, userID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAudit, errorCodeList, err)
	}
	defer rows.Close()
	records := make([]ledger.AuditRecord, 0, 32)
	for rows.Next() {
		var record ledger.AuditRecord
		if err := rows.Scan(
			&record.AuditID,
			&record.UserID,
			&record.RequestID,
			&record.Action,
			&record.Route,
			&record.CreditDelta,
			&record.BalanceAfter,
			&record.IP,
			&record.UserAgent,
			&record.MetadataJSON,
			&record.CreatedUnixUTC,
		); err != nil {
			return nil, wrapStoreError(errorSubjectAudit, errorCodeList, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectAudit, errorCodeList, err)
	}
	return records, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isDuplicateRequest(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintAuditUserRequest
	}
	return false
}
