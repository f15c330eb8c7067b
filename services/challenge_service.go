// services/challenge_service.go
package services

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/2bTwist/chally/models"
	"github.com/2bTwist/chally/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

// ChallengeService owns challenge lifecycle, membership and submission
// intake. Verification runs off-path: intake stamps the slot, stores media
// and enqueues the submission for the background worker.
type ChallengeService struct {
	DB     *gorm.DB
	Ledger *LedgerService
	Wallet *WalletService
	Queue  SubmissionQueue
}

func NewChallengeService(db *gorm.DB, ledger *LedgerService, wallet *WalletService, queue SubmissionQueue) *ChallengeService {
	return &ChallengeService{DB: db, Ledger: ledger, Wallet: wallet, Queue: queue}
}

// CreateChallenge validates the rules DSL once, generates a unique invite
// code, and auto-joins the owner (staking them if the challenge has an entry
// stake).
func (s *ChallengeService) CreateChallenge(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var req struct {
		Name             string       `json:"name"`
		Description      string       `json:"description"`
		Visibility       string       `json:"visibility"`
		StartsAt         time.Time    `json:"starts_at"`
		EndsAt           time.Time    `json:"ends_at"`
		EntryStakeTokens int64        `json:"entry_stake_tokens"`
		Rules            models.Rules `json:"rules"`
		Timezone         string       `json:"timezone"` // owner's tz for auto-join
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	if len(req.Name) < 3 || len(req.Name) > 120 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "name must be 3-120 characters"})
	}
	if !req.EndsAt.After(req.StartsAt) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "ends_at must be after starts_at"})
	}
	if req.EntryStakeTokens < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "entry_stake_tokens must be >= 0"})
	}
	if err := req.Rules.Validate(); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}
	switch req.Visibility {
	case "":
		req.Visibility = "code"
	case "public", "private", "code":
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid visibility"})
	}

	ownerTZ, err := resolveTimezone(req.Timezone)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "invalid timezone"})
	}

	// Retry invite-code collisions; the unique index is the arbiter.
	var ch *models.Challenge
	for attempt := 0; attempt < 5; attempt++ {
		candidate := &models.Challenge{
			ID:               uuid.NewString(),
			OwnerID:          userID,
			Name:             req.Name,
			Slug:             slug.Make(req.Name),
			Description:      req.Description,
			Visibility:       req.Visibility,
			InviteCode:       utils.GenerateInviteCode(6),
			StartsAt:         req.StartsAt.UTC(),
			EndsAt:           req.EndsAt.UTC(),
			EntryStakeTokens: req.EntryStakeTokens,
			Rules:            req.Rules,
			Status:           models.ChallengeStatusActive,
		}
		if err := s.DB.Create(candidate).Error; err != nil {
			continue
		}
		ch = candidate
		break
	}
	if ch == nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to generate unique invite code"})
	}

	if _, err := s.joinParticipant(ch, userID, ownerTZ); err != nil {
		log.Printf("❌ Owner auto-join failed for challenge %s: %v", ch.ID, err)
		if errors.Is(err, ErrInsufficientFunds) {
			s.DB.Delete(&models.Challenge{}, "id = ?", ch.ID)
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "insufficient funds for entry stake"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to join own challenge"})
	}

	return c.Status(fiber.StatusCreated).JSON(ch)
}

// joinParticipant makes the user a member and funds their stake: an
// idempotent wallet debit keyed on (challenge, participant) followed by the
// ledger STAKE. Retrying a join that crashed mid-way repairs itself because
// both steps are idempotent.
func (s *ChallengeService) joinParticipant(ch *models.Challenge, userID, tz string) (*models.Participant, error) {
	var p models.Participant
	err := s.DB.Where("challenge_id = ? AND user_id = ?", ch.ID, userID).First(&p).Error
	switch {
	case err == nil:
		// Re-join refreshes the captured timezone.
		if p.Timezone != tz {
			if err := s.DB.Model(&p).Update("timezone", tz).Error; err != nil {
				return nil, err
			}
			p.Timezone = tz
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		p = models.Participant{
			ID:          uuid.NewString(),
			ChallengeID: ch.ID,
			UserID:      userID,
			Timezone:    tz,
		}
		if err := s.DB.Create(&p).Error; err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if ch.EntryStakeTokens > 0 {
		if _, err := s.Wallet.DebitTokens(userID, ch.EntryStakeTokens, StakeKey(ch.ID, p.ID), "entry_stake", false); err != nil {
			return nil, err
		}
		if err := s.Ledger.EnsureStake(s.DB, ch, &p); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

// GetChallenge returns one challenge by id.
func (s *ChallengeService) GetChallenge(c *fiber.Ctx) error {
	var ch models.Challenge
	if err := s.DB.First(&ch, "id = ?", c.Params("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Challenge not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(ch)
}

// ListMyChallenges returns challenges the caller owns, newest first.
func (s *ChallengeService) ListMyChallenges(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	var challenges []models.Challenge
	if err := s.DB.Where("owner_id = ?", userID).Order("created_at DESC").Find(&challenges).Error; err != nil {
		log.Printf("DB Error listing challenges: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch challenges"})
	}
	return c.JSON(challenges)
}

// JoinByCode joins the caller to a challenge via invite code, capturing their
// timezone and staking them into the pool.
func (s *ChallengeService) JoinByCode(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var req struct {
		Timezone string `json:"timezone"`
	}
	_ = c.BodyParser(&req) // body optional; missing timezone falls back to UTC
	tz, err := resolveTimezone(req.Timezone)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "invalid timezone"})
	}

	var ch models.Challenge
	if err := s.DB.Where("invite_code = ?", c.Params("invite_code")).First(&ch).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Invalid invite code"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	if ch.Status != models.ChallengeStatusActive {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Challenge is not active"})
	}

	p, err := s.joinParticipant(&ch, userID, tz)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "insufficient funds for entry stake"})
		}
		log.Printf("❌ Join failed for challenge %s: %v", ch.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to join challenge"})
	}
	return c.Status(fiber.StatusCreated).JSON(p)
}

// ListParticipants returns a challenge's membership.
func (s *ChallengeService) ListParticipants(c *fiber.Ctx) error {
	var participants []models.Participant
	if err := s.DB.Where("challenge_id = ?", c.Params("id")).Order("joined_at ASC").Find(&participants).Error; err != nil {
		log.Printf("DB Error listing participants: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch participants"})
	}
	return c.JSON(participants)
}

// GetCurrentSlot resolves the caller's open slot for a challenge, or reports
// that none is open right now.
func (s *ChallengeService) GetCurrentSlot(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	ch, p, errResp := s.loadMembership(c, userID)
	if errResp != nil {
		return errResp(c)
	}

	slot, err := ComputeSlot(time.Now().UTC(), ch.Rules, p.Timezone)
	if err != nil {
		log.Printf("❌ Slot resolution failed for challenge %s: %v", ch.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to resolve slot"})
	}
	if slot == nil {
		return c.JSON(fiber.Map{"open": false})
	}
	return c.JSON(fiber.Map{"open": true, "slot": slot})
}

// CreateSubmission stamps the submission with the open slot, stores any
// media, and enqueues verification. The caller observes pending immediately;
// the pipeline decides later.
func (s *ChallengeService) CreateSubmission(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	ch, p, errResp := s.loadMembership(c, userID)
	if errResp != nil {
		return errResp(c)
	}
	if ch.Status != models.ChallengeStatusActive {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Challenge is not active"})
	}

	proofType := models.ProofType(c.FormValue("proof_type"))
	if !ch.Rules.AllowsProof(proofType) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "proof type not allowed by challenge rules"})
	}

	stage := c.FormValue("stage")
	if stage != "" && ch.Rules.StageIndex(stage) < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown stage"})
	}

	slot, err := ComputeSlot(time.Now().UTC(), ch.Rules, p.Timezone)
	if err != nil {
		log.Printf("❌ Slot resolution failed for challenge %s: %v", ch.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to resolve slot"})
	}
	if slot == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": ErrNoOpenSlot.Error()})
	}

	var existing int64
	if err := s.DB.Model(&models.Submission{}).
		Where("participant_id = ? AND slot_key = ?", p.ID, slot.Key).
		Count(&existing).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	if int(existing) >= ch.Rules.MaxPerSlot {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": ErrSlotLimitReached.Error()})
	}

	sub := models.Submission{
		ID:             uuid.NewString(),
		ChallengeID:    ch.ID,
		ParticipantID:  p.ID,
		SlotKey:        slot.Key,
		Seq:            int(existing) + 1,
		Stage:          stage,
		WindowStartUTC: slot.WindowStart,
		WindowEndUTC:   slot.WindowEnd,
		ProofType:      proofType,
		Status:         models.SubmissionPending,
		TextContent:    c.FormValue("text_content"),
		Meta: models.SubmissionMeta{
			VerificationCode: c.FormValue("verification_code"),
			PHash:            c.FormValue("phash"),
			OriginalPHash:    c.FormValue("original_phash"),
			CaptureTime:      c.FormValue("capture_time"),
		},
	}
	if sub.Meta.OriginalPHash == "" {
		sub.Meta.OriginalPHash = sub.Meta.PHash
	}

	if file, err := c.FormFile("file"); err == nil {
		f, err := file.Open()
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Failed to read file"})
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Failed to read file"})
		}

		mime, err := utils.SniffImageMime(data)
		if err != nil {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{"error": "unsupported media type"})
		}
		key := fmt.Sprintf("submissions/%s/%s.%s", ch.ID, sub.ID, utils.ExtForMime(mime))
		if err := utils.PutMedia(c.Context(), key, data, mime); err != nil {
			log.Printf("❌ Media upload failed for submission %s: %v", sub.ID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to store media"})
		}
		sub.StorageKey = key
		sub.MimeType = mime
	}

	if err := s.DB.Create(&sub).Error; err != nil {
		log.Printf("DB Error creating submission: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create submission"})
	}

	s.Queue.Enqueue(sub.ID)
	return c.Status(fiber.StatusCreated).JSON(sub)
}

// GetSubmissionImage re-reads stored media for a submission.
func (s *ChallengeService) GetSubmissionImage(c *fiber.Ctx) error {
	var sub models.Submission
	if err := s.DB.Where("challenge_id = ? AND id = ?", c.Params("id"), c.Params("submission_id")).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Submission not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	if sub.StorageKey == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Submission has no media"})
	}

	data, err := utils.GetMedia(c.Context(), sub.StorageKey)
	if err != nil {
		if errors.Is(err, utils.ErrMediaNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "media not found"})
		}
		log.Printf("❌ Media read failed for submission %s: %v", sub.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to read media"})
	}
	c.Set("Content-Type", sub.MimeType)
	return c.Send(data)
}

// TodayFeed reports, per joined challenge, whether the caller has already
// submitted in the current slot.
func (s *ChallengeService) TodayFeed(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var parts []models.Participant
	if err := s.DB.Where("user_id = ?", userID).Find(&parts).Error; err != nil {
		log.Printf("DB Error listing participants: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}

	now := time.Now().UTC()
	feed := make([]fiber.Map, 0, len(parts))
	for _, p := range parts {
		var ch models.Challenge
		if err := s.DB.First(&ch, "id = ?", p.ChallengeID).Error; err != nil {
			continue
		}

		slot, err := ComputeSlot(now, ch.Rules, p.Timezone)
		if err != nil || slot == nil {
			feed = append(feed, fiber.Map{
				"challenge_id":   ch.ID,
				"challenge_name": ch.Name,
				"slot_open":      false,
			})
			continue
		}

		var sub models.Submission
		submitted := s.DB.Where("participant_id = ? AND slot_key = ?", p.ID, slot.Key).First(&sub).Error == nil

		item := fiber.Map{
			"challenge_id":    ch.ID,
			"challenge_name":  ch.Name,
			"slot_open":       true,
			"slot_key":        slot.Key,
			"submitted_today": submitted,
		}
		if submitted {
			item["my_submission"] = sub
		}
		feed = append(feed, item)
	}
	return c.JSON(feed)
}

// Close settles the challenge (owner only).
func (s *ChallengeService) Close(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var ch models.Challenge
	if err := s.DB.First(&ch, "id = ?", c.Params("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Challenge not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	if ch.OwnerID != userID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Only the owner can close a challenge"})
	}

	result, err := s.Ledger.CloseChallenge(ch.ID)
	if err != nil {
		log.Printf("❌ Close failed for challenge %s: %v", ch.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to close challenge"})
	}
	return c.JSON(result)
}

// loadMembership fetches the challenge in :id and the caller's participant
// row, returning an error responder when either is missing.
func (s *ChallengeService) loadMembership(c *fiber.Ctx, userID string) (*models.Challenge, *models.Participant, func(*fiber.Ctx) error) {
	var ch models.Challenge
	if err := s.DB.First(&ch, "id = ?", c.Params("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Challenge not found"})
			}
		}
		return nil, nil, func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
		}
	}

	var p models.Participant
	if err := s.DB.Where("challenge_id = ? AND user_id = ?", ch.ID, userID).First(&p).Error; err != nil {
		return nil, nil, func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Not a participant"})
		}
	}
	return &ch, &p, nil
}

// resolveTimezone validates a client-supplied zone, defaulting to UTC.
func resolveTimezone(tz string) (string, error) {
	if tz == "" {
		return "UTC", nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return "", ErrInvalidTimezone
	}
	return tz, nil
}
