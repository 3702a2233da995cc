package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	UserID    string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// AuditRecord mirrors the audit_records table. Append-only; the unique
// (user_id, request_id) index backs the at-most-one-spend-per-request invariant.
type AuditRecord struct {
	AuditID      string         `gorm:"type:uuid;primaryKey"`
	UserID       string         `gorm:"not null;index:idx_audit_user_created,priority:1;index:uniq_audit_user_request,unique,priority:1"`
	RequestID    string         `gorm:"not null;index:uniq_audit_user_request,unique,priority:2"`
	Action       string         `gorm:"not null"`
	Route        string         `gorm:""`
	CreditDelta  int64          `gorm:"not null"`
	BalanceAfter int64          `gorm:"not null"`
	IP           string         `gorm:""`
	UserAgent    string         `gorm:""`
	Metadata     datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt    time.Time      `gorm:"not null;index:idx_audit_user_created,priority:2"`
}

func (AuditRecord) TableName() string { return "audit_records" }

func (record *AuditRecord) BeforeCreate(tx *gorm.DB) error {
	if record.AuditID == "" {
		record.AuditID = uuid.NewString()
	}
	return nil
}
