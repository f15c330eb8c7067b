// models/challenge.go
package models

import (
	"time"
)

const (
	ChallengeStatusActive   = "active"
	ChallengeStatusEnded    = "ended"
	ChallengeStatusCanceled = "canceled"
)

// Challenge is immutable after creation except for its lifecycle status,
// which is flipped exactly once by settlement.
type Challenge struct {
	ID               string    `json:"id" gorm:"primaryKey;type:uuid"`
	OwnerID          string    `json:"owner_id" gorm:"type:uuid;not null;index"`
	Name             string    `json:"name" gorm:"type:varchar(120);not null"`
	Slug             string    `json:"slug" gorm:"type:varchar(140);index"`
	Description      string    `json:"description" gorm:"type:text"`
	Visibility       string    `json:"visibility" gorm:"type:varchar(16);not null;default:'code'"` // public|private|code
	InviteCode       string    `json:"invite_code" gorm:"type:varchar(12);uniqueIndex;not null"`
	StartsAt         time.Time `json:"starts_at" gorm:"not null"`
	EndsAt           time.Time `json:"ends_at" gorm:"not null"`
	EntryStakeTokens int64     `json:"entry_stake_tokens" gorm:"not null;default:0"`
	Rules            Rules     `json:"rules" gorm:"serializer:json;not null"`
	Status           string    `json:"status" gorm:"type:varchar(16);not null;default:'active'"`
	CreatedAt        time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// Participant is one user's membership in one challenge. The timezone is
// captured at join time and only changes on re-join.
type Participant struct {
	ID          string    `json:"id" gorm:"primaryKey;type:uuid"`
	ChallengeID string    `json:"challenge_id" gorm:"type:uuid;not null;index;uniqueIndex:uq_participant_member"`
	UserID      string    `json:"user_id" gorm:"type:uuid;not null;index;uniqueIndex:uq_participant_member"`
	Timezone    string    `json:"timezone" gorm:"type:varchar(64);not null;default:'UTC'"`
	JoinedAt    time.Time `json:"joined_at" gorm:"autoCreateTime"`
}
