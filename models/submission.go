// models/submission.go
package models

import (
	"time"
)

type SubmissionStatus string

const (
	SubmissionPending  SubmissionStatus = "pending"
	SubmissionAccepted SubmissionStatus = "accepted"
	SubmissionRejected SubmissionStatus = "rejected"
)

// SubmissionMeta holds the verification facts that travel with a submission:
// the watermark code the submitter produced, perceptual fingerprints, the
// raw capture-time string, and any flags the pipeline raised.
type SubmissionMeta struct {
	VerificationCode string   `json:"verification_code,omitempty"`
	PHash            string   `json:"phash,omitempty"`
	OriginalPHash    string   `json:"original_phash,omitempty"` // fingerprint before watermarking
	CaptureTime      string   `json:"capture_time,omitempty"`   // EXIF wall clock "YYYY:MM:DD HH:MM:SS"
	WatermarkError   bool     `json:"watermark_error,omitempty"`
	Flags            []string `json:"flags,omitempty"`
}

// Submission is one proof attempt inside one slot. Status moves
// pending -> accepted|rejected exactly once and is never reversed.
type Submission struct {
	ID            string `json:"id" gorm:"primaryKey;type:uuid"`
	ChallengeID   string `json:"challenge_id" gorm:"type:uuid;not null;index"`
	ParticipantID string `json:"participant_id" gorm:"type:uuid;not null;index;uniqueIndex:uq_submission_slot_seq"`

	SlotKey        string    `json:"slot_key" gorm:"type:varchar(32);not null;index;uniqueIndex:uq_submission_slot_seq"`
	Seq            int       `json:"seq" gorm:"not null;default:1;uniqueIndex:uq_submission_slot_seq"`
	Stage          string    `json:"stage,omitempty" gorm:"type:varchar(64)"`
	WindowStartUTC time.Time `json:"window_start_utc" gorm:"not null"`
	WindowEndUTC   time.Time `json:"window_end_utc" gorm:"not null"`

	SubmittedAt time.Time        `json:"submitted_at" gorm:"autoCreateTime"`
	ProofType   ProofType        `json:"proof_type" gorm:"type:varchar(32);not null"`
	Status      SubmissionStatus `json:"status" gorm:"type:varchar(16);not null;default:'pending'"`

	TextContent string         `json:"text_content,omitempty" gorm:"type:text"`
	StorageKey  string         `json:"storage_key,omitempty" gorm:"type:text"`
	MimeType    string         `json:"mime_type,omitempty" gorm:"type:varchar(64)"`
	Meta        SubmissionMeta `json:"meta" gorm:"serializer:json"`
}

// Vote is one reviewer's verdict on one submission; immutable once cast.
type Vote struct {
	ID                 string    `json:"id" gorm:"primaryKey;type:uuid"`
	SubmissionID       string    `json:"submission_id" gorm:"type:uuid;not null;index;uniqueIndex:uq_vote_once"`
	VoterParticipantID string    `json:"voter_participant_id" gorm:"type:uuid;not null;index;uniqueIndex:uq_vote_once"`
	Approve            bool      `json:"approve" gorm:"not null"`
	CreatedAt          time.Time `json:"created_at" gorm:"autoCreateTime"`
}
