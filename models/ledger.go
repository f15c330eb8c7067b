// models/ledger.go
package models

import (
	"time"
)

type LedgerEntryType string

const (
	LedgerStake           LedgerEntryType = "STAKE"
	LedgerPenalty         LedgerEntryType = "PENALTY"
	LedgerPayout          LedgerEntryType = "PAYOUT"
	LedgerPlatformRevenue LedgerEntryType = "PLATFORM_REVENUE"
)

// PlatformParticipantID is the counterparty credited when a challenge ends
// with no finishers and the pool is captured as platform revenue. The ledger
// deliberately has no FK on participant_id so this identity needs no row of
// its own.
const PlatformParticipantID = "00000000-0000-0000-0000-000000000000"

// LedgerEntry is one append-only value movement inside a challenge.
// Sign convention:
//
//	STAKE, PENALTY            => negative (into the pool)
//	PAYOUT, PLATFORM_REVENUE  => positive (out of the pool)
//
// Pool = max(0, -sum(amount)); a closed challenge sums to zero.
// The unique (participant, type, ref_submission) index makes penalties
// exactly-once per submission; stake idempotency is an existence check.
type LedgerEntry struct {
	ID            string `json:"id" gorm:"primaryKey;type:uuid"`
	ChallengeID   string `json:"challenge_id" gorm:"type:uuid;not null;index"`
	ParticipantID string `json:"participant_id" gorm:"type:uuid;not null;index;uniqueIndex:uq_ledger_ref"`

	Type   LedgerEntryType `json:"type" gorm:"type:varchar(20);not null;uniqueIndex:uq_ledger_ref"`
	Amount int64           `json:"amount" gorm:"not null"`

	RefSubmissionID *string `json:"ref_submission_id,omitempty" gorm:"type:uuid;index;uniqueIndex:uq_ledger_ref"`
	Note            string  `json:"note,omitempty" gorm:"type:varchar(255)"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// IsPlatform reports whether this entry belongs to the platform counterparty
// rather than a real participant.
func (e LedgerEntry) IsPlatform() bool {
	return e.ParticipantID == PlatformParticipantID
}
