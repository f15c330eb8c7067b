// services/verify.go
package services

import (
	"errors"
	"fmt"
	"log"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"github.com/2bTwist/chally/models"
	"github.com/2bTwist/chally/utils"

	"gorm.io/gorm"
)

const (
	// captureGrace absorbs camera clock skew on both window ends.
	captureGrace = 5 * time.Minute
	// phashDuplicateMaxBits is the Hamming distance at or below which two
	// fingerprints count as the same image.
	phashDuplicateMaxBits = 5
	// phashHistory caps how many prior submissions are compared.
	phashHistory = 8
)

// SubmissionQueue hands submission ids to the background verification
// worker. Delivery is at least once; Evaluate tolerates replays.
type SubmissionQueue interface {
	Enqueue(submissionID string)
}

// VerifyService is the anti-cheat pipeline. It runs off the request path and
// records a terminal pipeline decision for every submission it sees:
// accepted when fully-automatic verification passes clean, otherwise pending
// for quorum review. Failures become flags, never silent drops.
type VerifyService struct {
	DB      *gorm.DB
	Capture utils.CaptureTimeExtractor
}

func NewVerifyService(db *gorm.DB, capture utils.CaptureTimeExtractor) *VerifyService {
	return &VerifyService{DB: db, Capture: capture}
}

// hammingHex counts differing bits between two 64-bit hex fingerprints.
// Unparseable input counts as maximally different.
func hammingHex(a, b string) int {
	x, err1 := strconv.ParseUint(a, 16, 64)
	y, err2 := strconv.ParseUint(b, 16, 64)
	if err1 != nil || err2 != nil {
		return 64
	}
	return bits.OnesCount64(x ^ y)
}

func isImageMime(mime string) bool {
	return strings.HasPrefix(mime, "image/")
}

// Evaluate runs every enabled check for one submission and writes the
// decision. Safe to invoke more than once for the same submission: the first
// terminal transition wins and later runs are no-ops.
func (s *VerifyService) Evaluate(submissionID string) error {
	var sub models.Submission
	if err := s.DB.First(&sub, "id = ?", submissionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("⚠️ Verification skipped: submission %s not found", submissionID)
			return nil
		}
		return err
	}
	if sub.Status != models.SubmissionPending {
		return nil // already decided; redelivered job
	}

	var ch models.Challenge
	if err := s.DB.First(&ch, "id = ?", sub.ChallengeID).Error; err != nil {
		return err
	}
	var p models.Participant
	if err := s.DB.First(&p, "id = ?", sub.ParticipantID).Error; err != nil {
		return err
	}

	rules := ch.Rules
	meta := sub.Meta
	var flags []string

	// 1) Upstream processing errors fail the pipeline immediately.
	if meta.WatermarkError {
		flags = append(flags, "watermark_error")
	}

	// 2) Watermark code must match the deterministic expectation.
	if rules.AntiCheatOverlayRequired {
		expected := OverlayCode(ch.ID, p.ID, sub.SlotKey)
		if meta.VerificationCode == "" || meta.VerificationCode != expected {
			flags = append(flags, "watermark_mismatch")
		}
	}

	// 3) Capture time, read as wall clock in the governing zone, must fall
	// inside the stored window give or take the grace margin.
	if rules.AntiCheatExifRequired && isImageMime(sub.MimeType) {
		wall, ok := s.Capture.CaptureTime(meta)
		if !ok {
			flags = append(flags, "exif_missing")
		} else {
			tzName := rules.GoverningTimezone(p.Timezone)
			loc, err := time.LoadLocation(tzName)
			if err != nil {
				return fmt.Errorf("%w: %q", ErrInvalidTimezone, tzName)
			}
			captureUTC := time.Date(wall.Year(), wall.Month(), wall.Day(),
				wall.Hour(), wall.Minute(), wall.Second(), 0, loc).UTC()
			if captureUTC.Before(sub.WindowStartUTC.Add(-captureGrace)) ||
				captureUTC.After(sub.WindowEndUTC.Add(captureGrace)) {
				flags = append(flags, "exif_out_of_window")
			}
		}
	}

	// 4) Near-duplicate detection against the submitter's recent history,
	// using the fingerprint computed before watermarking.
	if rules.AntiCheatPhashCheck && isImageMime(sub.MimeType) {
		ph := meta.OriginalPHash
		if ph == "" {
			ph = meta.PHash
		}
		if ph != "" {
			var recent []models.Submission
			if err := s.DB.
				Where("participant_id = ? AND id != ?", sub.ParticipantID, sub.ID).
				Order("submitted_at DESC").
				Limit(phashHistory).
				Find(&recent).Error; err != nil {
				return err
			}
			for _, prev := range recent {
				prevPh := prev.Meta.OriginalPHash
				if prevPh == "" {
					prevPh = prev.Meta.PHash
				}
				if prevPh != "" && hammingHex(ph, prevPh) <= phashDuplicateMaxBits {
					flags = append(flags, "phash_duplicate_like")
					break
				}
			}
		}
	}

	status := models.SubmissionPending
	if rules.Verification.Mode == models.VerificationAuto && len(flags) == 0 {
		status = models.SubmissionAccepted
	}
	meta.Flags = flags

	// Conditional update: the first terminal decision wins.
	res := s.DB.Model(&models.Submission{}).
		Where("id = ? AND status = ?", sub.ID, models.SubmissionPending).
		Select("status", "meta").
		Updates(&models.Submission{Status: status, Meta: meta})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		log.Printf("🔍 Verified submission %s: status=%s flags=%v", sub.ID, status, flags)
	}
	return nil
}
