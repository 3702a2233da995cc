package ledger

import (
	"context"
	"fmt"
	"strings"
)

// Service contains the credit ledger domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the current balance. Reads never create account rows; an
// account that does not exist yet reads as zero.
func (service *Service) Balance(ctx context.Context, userID string) (Credits, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}
	account, found, err := service.store.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return account.Balance, nil
}

// AddCredits appends a positive grant and its audit record in one transaction.
func (service *Service) AddCredits(ctx context.Context, userID string, amount Credits, requestID string, request RequestContext) (Credits, error) {
	var balanceAfter Credits
	operationError := func() error {
		if err := validateUserID(userID); err != nil {
			return err
		}
		if err := validateRequestID(requestID); err != nil {
			return err
		}
		if amount <= 0 {
			return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
		}
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			if _, err := txStore.GetOrCreateAccount(ctx, userID); err != nil {
				return err
			}
			newBalance, err := txStore.AddBalance(ctx, userID, amount)
			if err != nil {
				return err
			}
			balanceAfter = newBalance
			return txStore.InsertAudit(ctx, AuditRecord{
				UserID:         userID,
				RequestID:      requestID,
				Action:         ActionGrant,
				Route:          request.Route,
				CreditDelta:    amount,
				BalanceAfter:   newBalance,
				IP:             request.IP,
				UserAgent:      request.UserAgent,
				CreatedUnixUTC: service.nowFn(),
			})
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation:    operationGrant,
		UserID:       userID,
		RequestID:    requestID,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Error:        operationError,
	})
	return balanceAfter, operationError
}

// SpendAtomic decrements the balance by cost only when balance >= cost, as a
// single serializable compare-and-decrement with its audit record in the same
// transaction. Under N concurrent attempts against a balance of exactly cost,
// exactly one succeeds. An unsuccessful attempt mutates nothing and reports the
// unchanged balance.
func (service *Service) SpendAtomic(ctx context.Context, userID string, requestID string, cost Credits, request RequestContext) (SpendResult, error) {
	var result SpendResult
	operationError := func() error {
		if err := validateUserID(userID); err != nil {
			return err
		}
		if err := validateRequestID(requestID); err != nil {
			return err
		}
		if cost <= 0 {
			return fmt.Errorf("%w: cost must be greater than zero", ErrInvalidAmount)
		}
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			if _, err := txStore.GetOrCreateAccount(ctx, userID); err != nil {
				return err
			}
			balanceAfter, applied, err := txStore.SpendBalance(ctx, userID, cost)
			if err != nil {
				return err
			}
			if !applied {
				result = SpendResult{Success: false, BalanceAfter: balanceAfter}
				return nil
			}
			if err := txStore.InsertAudit(ctx, AuditRecord{
				UserID:         userID,
				RequestID:      requestID,
				Action:         ActionSpend,
				Route:          request.Route,
				CreditDelta:    -cost,
				BalanceAfter:   balanceAfter,
				IP:             request.IP,
				UserAgent:      request.UserAgent,
				CreatedUnixUTC: service.nowFn(),
			}); err != nil {
				return err
			}
			result = SpendResult{Success: true, BalanceAfter: balanceAfter}
			return nil
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation:    operationSpend,
		UserID:       userID,
		RequestID:    requestID,
		Amount:       cost,
		BalanceAfter: result.BalanceAfter,
		Error:        operationError,
	})
	return result, operationError
}

// Audits returns the most recent audit records for a user, newest first.
func (service *Service) Audits(ctx context.Context, userID string, limit int) ([]AuditRecord, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return service.store.ListAudits(ctx, userID, limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func validateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return nil
}

func validateRequestID(requestID string) error {
	if strings.TrimSpace(requestID) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidRequestID)
	}
	return nil
}
