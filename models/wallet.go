// models/wallet.go
package models

import (
	"time"
)

type WalletEntryType string

const (
	WalletDeposit  WalletEntryType = "DEPOSIT"
	WalletWithdraw WalletEntryType = "WITHDRAW"
	WalletAdjust   WalletEntryType = "ADJUST"
)

// WalletEntry is the per-user ledger bridging external currency to internal
// tokens. Sign convention: DEPOSIT > 0, WITHDRAW < 0, ADJUST either.
// ExternalID uniqueness is the sole dedup mechanism for externally-triggered
// credits and debits; only ADJUST may omit it.
type WalletEntry struct {
	ID       string          `json:"id" gorm:"primaryKey;type:uuid"`
	UserID   string          `json:"user_id" gorm:"type:uuid;not null;index"`
	Type     WalletEntryType `json:"type" gorm:"type:varchar(16);not null"`
	Amount   int64           `json:"amount" gorm:"not null"` // tokens
	Currency string          `json:"currency" gorm:"type:varchar(8);not null;default:'usd'"`

	ExternalID *string `json:"external_id,omitempty" gorm:"type:varchar(64);uniqueIndex"`
	Note       string  `json:"note,omitempty" gorm:"type:varchar(255)"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// WalletAllocation records which deposit lot funded (part of) a withdrawal,
// so partial refunds can be routed back to their original source. For any
// deposit, allocated tokens across withdrawals never exceed its amount.
type WalletAllocation struct {
	ID              string    `json:"id" gorm:"primaryKey;type:uuid"`
	UserID          string    `json:"user_id" gorm:"type:uuid;not null;index"`
	WithdrawEntryID string    `json:"withdraw_entry_id" gorm:"type:uuid;not null;index"`
	DepositEntryID  string    `json:"deposit_entry_id" gorm:"type:uuid;not null;index"`
	Tokens          int64     `json:"tokens" gorm:"not null"`
	CreatedAt       time.Time `json:"created_at" gorm:"autoCreateTime"`
}
