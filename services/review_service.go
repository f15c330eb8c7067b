// services/review_service.go
package services

import (
	"errors"
	"log"
	"strconv"

	"github.com/2bTwist/chally/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReviewService runs the per-submission voting state machine:
// pending -> accepted|rejected, terminal and never re-evaluated.
type ReviewService struct {
	DB     *gorm.DB
	Ledger *LedgerService
}

func NewReviewService(db *gorm.DB, ledger *LedgerService) *ReviewService {
	return &ReviewService{DB: db, Ledger: ledger}
}

// VoteOutcome reports the quorum state after one vote.
type VoteOutcome struct {
	Status     models.SubmissionStatus `json:"status"`
	Approvals  int                     `json:"approvals"`
	Rejections int                     `json:"rejections"`
	Needed     int                     `json:"needed"`
	Eligible   int                     `json:"eligible"`
	Reason     string                  `json:"reason,omitempty"`
}

// CastVote records one reviewer's verdict and re-evaluates quorum. The vote
// insert, tally and status transition share one transaction so two
// concurrent votes cannot both claim the same transition or double-apply the
// penalty. A second vote by the same reviewer fails without mutating state.
func (s *ReviewService) CastVote(submissionID, voterUserID string, approve bool) (*VoteOutcome, error) {
	var outcome *VoteOutcome
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var sub models.Submission
		if err := tx.First(&sub, "id = ?", submissionID).Error; err != nil {
			return err
		}
		if sub.Status != models.SubmissionPending {
			return ErrSubmissionNotPending
		}

		var ch models.Challenge
		if err := tx.First(&ch, "id = ?", sub.ChallengeID).Error; err != nil {
			return err
		}

		var voter models.Participant
		err := tx.Where("challenge_id = ? AND user_id = ?", ch.ID, voterUserID).First(&voter).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotEligibleVoter
		}
		if err != nil {
			return err
		}
		if voter.ID == sub.ParticipantID {
			return ErrNotEligibleVoter
		}

		// The unique (submission, voter) index absorbs the race between two
		// votes from the same reviewer; the loser sees zero rows affected.
		vote := models.Vote{
			ID:                 uuid.NewString(),
			SubmissionID:       sub.ID,
			VoterParticipantID: voter.ID,
			Approve:            approve,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&vote)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrDuplicateVote
		}

		var totalParts int64
		if err := tx.Model(&models.Participant{}).
			Where("challenge_id = ?", ch.ID).
			Count(&totalParts).Error; err != nil {
			return err
		}
		eligible := int(totalParts) - 1
		if eligible < 0 {
			eligible = 0
		}

		if eligible == 0 {
			// Nobody else can review; accept without requiring quorum.
			if err := s.transition(tx, &sub, &ch, models.SubmissionAccepted); err != nil {
				return err
			}
			outcome = &VoteOutcome{Status: models.SubmissionAccepted, Reason: "no_eligible_reviewers"}
			return nil
		}

		var votes []models.Vote
		if err := tx.Where("submission_id = ?", sub.ID).Find(&votes).Error; err != nil {
			return err
		}
		approvals, rejections := 0, 0
		for _, v := range votes {
			if v.Approve {
				approvals++
			} else {
				rejections++
			}
		}

		quorumPct := ch.Rules.Verification.ClampedQuorumPct()
		needed := (quorumPct*eligible + 99) / 100 // ceil(pct * eligible / 100)

		status := models.SubmissionPending
		if approvals >= needed {
			status = models.SubmissionAccepted
		} else if rejections > eligible-needed {
			// Even if every remaining vote approved, quorum is out of reach.
			status = models.SubmissionRejected
		}

		if status != models.SubmissionPending {
			if err := s.transition(tx, &sub, &ch, status); err != nil {
				return err
			}
		}

		outcome = &VoteOutcome{
			Status:     status,
			Approvals:  approvals,
			Rejections: rejections,
			Needed:     needed,
			Eligible:   eligible,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// transition flips a pending submission to its terminal status. The
// conditional update makes the transition first-writer-wins, and the penalty
// for a rejection rides the same transaction, applied exactly once.
func (s *ReviewService) transition(tx *gorm.DB, sub *models.Submission, ch *models.Challenge, status models.SubmissionStatus) error {
	res := tx.Model(&models.Submission{}).
		Where("id = ? AND status = ?", sub.ID, models.SubmissionPending).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil // someone else already transitioned it
	}
	if status == models.SubmissionRejected {
		return s.Ledger.ApplyPenaltyOnce(tx, ch.ID, sub.ParticipantID, sub.ID, ch.Rules.PenaltyTokens)
	}
	return nil
}

// --- Fiber handlers ---

// ListPending returns pending submissions the caller may review: submissions
// from challenges they participate in, excluding their own, newest first.
func (s *ReviewService) ListPending(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	limit, err := strconv.Atoi(c.Query("limit", "20"))
	if err != nil || limit < 1 || limit > 100 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid limit parameter"})
	}
	challengeID := c.Query("challenge_id")

	var parts []models.Participant
	if err := s.DB.Where("user_id = ?", userID).Find(&parts).Error; err != nil {
		log.Printf("DB Error listing participants: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	if len(parts) == 0 {
		return c.JSON([]models.Submission{})
	}

	partIDs := make([]string, 0, len(parts))
	challengeIDs := make(map[string]bool, len(parts))
	for _, p := range parts {
		partIDs = append(partIDs, p.ID)
		challengeIDs[p.ChallengeID] = true
	}

	q := s.DB.Where("status = ?", models.SubmissionPending).
		Where("participant_id NOT IN ?", partIDs)
	if challengeID != "" {
		if !challengeIDs[challengeID] {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Not a participant in that challenge"})
		}
		q = q.Where("challenge_id = ?", challengeID)
	} else {
		ids := make([]string, 0, len(challengeIDs))
		for id := range challengeIDs {
			ids = append(ids, id)
		}
		q = q.Where("challenge_id IN ?", ids)
	}

	var subs []models.Submission
	if err := q.Order("submitted_at DESC").Limit(limit).Find(&subs).Error; err != nil {
		log.Printf("DB Error listing pending submissions: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(subs)
}

// Vote casts the caller's verdict on a submission.
func (s *ReviewService) Vote(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var req struct {
		SubmissionID string `json:"submission_id"`
		Approve      *bool  `json:"approve"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.SubmissionID == "" || req.Approve == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "submission_id and approve are required"})
	}

	outcome, err := s.CastVote(req.SubmissionID, userID, *req.Approve)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Submission not found"})
		case errors.Is(err, ErrSubmissionNotPending):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Submission not pending review"})
		case errors.Is(err, ErrNotEligibleVoter):
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Not an eligible voter"})
		case errors.Is(err, ErrDuplicateVote):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Vote already cast"})
		default:
			log.Printf("❌ Vote failed for submission %s: %v", req.SubmissionID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to cast vote"})
		}
	}
	return c.JSON(outcome)
}
