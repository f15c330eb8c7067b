// services/ledger_service.go
package services

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/2bTwist/chally/models"
	"github.com/2bTwist/chally/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerService owns the append-only challenge ledger and the settlement that
// closes a challenge exactly once. Entries are never updated or deleted;
// balances and the pool are derived by summation.
type LedgerService struct {
	DB     *gorm.DB
	Wallet *WalletService

	closeLocks utils.KeyedMutex
	stakeLocks utils.KeyedMutex
}

func NewLedgerService(db *gorm.DB, wallet *WalletService) *LedgerService {
	return &LedgerService{DB: db, Wallet: wallet}
}

// tail8 keeps the last 8 chars of a UUID for compact idempotency keys.
func tail8(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}

// StakeKey derives the idempotency key bridging a wallet debit to a ledger
// STAKE for one (challenge, participant).
func StakeKey(challengeID, participantID string) string {
	return fmt.Sprintf("stake_%s_%s", tail8(challengeID), tail8(participantID))
}

// PayoutKey derives the idempotency key bridging a ledger PAYOUT to the
// wallet credit for one (challenge, participant).
func PayoutKey(challengeID, participantID string) string {
	return fmt.Sprintf("payout_%s_%s", tail8(challengeID), tail8(participantID))
}

// EnsureStake stakes a participant into the pool at most once per challenge.
// Concurrent joins for the same participant serialize on the stake key, since
// the ledger's unique index allows multiple STAKE rows with a NULL submission
// ref and cannot arbitrate the race on its own.
func (s *LedgerService) EnsureStake(tx *gorm.DB, ch *models.Challenge, p *models.Participant) error {
	if ch.EntryStakeTokens <= 0 {
		return nil
	}
	unlock := s.stakeLocks.Lock(StakeKey(ch.ID, p.ID))
	defer unlock()

	var count int64
	if err := tx.Model(&models.LedgerEntry{}).
		Where("challenge_id = ? AND participant_id = ? AND type = ?", ch.ID, p.ID, models.LedgerStake).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return tx.Create(&models.LedgerEntry{
		ID:            uuid.NewString(),
		ChallengeID:   ch.ID,
		ParticipantID: p.ID,
		Type:          models.LedgerStake,
		Amount:        -ch.EntryStakeTokens,
		Note:          "entry_stake",
	}).Error
}

// ApplyPenaltyOnce records at most one PENALTY per (participant, submission).
// The unique (participant, type, ref_submission) index absorbs concurrent
// attempts: the losing insert is silently dropped.
func (s *LedgerService) ApplyPenaltyOnce(tx *gorm.DB, challengeID, participantID, submissionID string, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	entry := models.LedgerEntry{
		ID:              uuid.NewString(),
		ChallengeID:     challengeID,
		ParticipantID:   participantID,
		Type:            models.LedgerPenalty,
		Amount:          -tokens,
		RefSubmissionID: &submissionID,
		Note:            "rejected_submission",
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error
}

// ParticipantBalance is one participant's derived position in a challenge.
type ParticipantBalance struct {
	ParticipantID string `json:"participant_id"`
	UserID        string `json:"user_id"`
	Balance       int64  `json:"balance"`
}

// LedgerSnapshot is the derived view of one challenge's ledger.
type LedgerSnapshot struct {
	PoolTokens int64                `json:"pool_tokens"`
	Totals     []ParticipantBalance `json:"totals"`
	Entries    []models.LedgerEntry `json:"entries"`
}

// Snapshot derives pool size and per-participant balances from the entry
// stream. Platform entries count toward the pool but are excluded from
// participant totals.
func (s *LedgerService) Snapshot(db *gorm.DB, challengeID string) (*LedgerSnapshot, error) {
	var entries []models.LedgerEntry
	if err := db.
		Where("challenge_id = ?", challengeID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}

	var participants []models.Participant
	if err := db.Where("challenge_id = ?", challengeID).Find(&participants).Error; err != nil {
		return nil, err
	}
	userByPart := make(map[string]string, len(participants))
	for _, p := range participants {
		userByPart[p.ID] = p.UserID
	}

	balances := make(map[string]int64)
	var totalSum int64
	for _, e := range entries {
		balances[e.ParticipantID] += e.Amount
		totalSum += e.Amount
	}
	pool := -totalSum
	if pool < 0 {
		pool = 0
	}

	totals := make([]ParticipantBalance, 0, len(balances))
	for pid, bal := range balances {
		if pid == models.PlatformParticipantID {
			continue
		}
		totals = append(totals, ParticipantBalance{
			ParticipantID: pid,
			UserID:        userByPart[pid],
			Balance:       bal,
		})
	}
	sort.Slice(totals, func(i, j int) bool {
		if totals[i].Balance != totals[j].Balance {
			return totals[i].Balance > totals[j].Balance
		}
		return totals[i].ParticipantID < totals[j].ParticipantID
	})

	return &LedgerSnapshot{PoolTokens: pool, Totals: totals, Entries: entries}, nil
}

// expectedSlots counts the recurrence slots between challenge start and end
// under the participant's governing timezone, plus the slot-key range bounds
// for the accepted-submission query.
func expectedSlots(ch *models.Challenge, p *models.Participant) (int, string, string, error) {
	tzName := ch.Rules.GoverningTimezone(p.Timezone)
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return 0, "", "", fmt.Errorf("%w: %q", ErrInvalidTimezone, tzName)
	}

	startLocal := dateOnly(ch.StartsAt.In(loc))
	endLocal := dateOnly(ch.EndsAt.In(loc))
	iso := func(d time.Time) string { return d.Format("2006-01-02") }
	if startLocal.After(endLocal) {
		return 0, iso(startLocal), iso(endLocal), nil
	}

	if ch.Rules.Frequency == models.FrequencyWeekly {
		first := mondayOf(startLocal)
		last := mondayOf(endLocal)
		weeks := int(last.Sub(first).Hours()/(24*7)) + 1
		return weeks, iso(first), iso(last), nil
	}

	cnt := 0
	for d := startLocal; !d.After(endLocal); d = d.AddDate(0, 0, 1) {
		idx := mondayIndex(d.Weekday())
		if ch.Rules.Frequency == models.FrequencyWeekdays && idx >= 5 {
			continue
		}
		if ch.Rules.Frequency == models.FrequencyCustom && !ch.Rules.AllowsWeekday(idx) {
			continue
		}
		cnt++
	}
	return cnt, iso(startLocal), iso(endLocal), nil
}

// determineFinishers returns participants whose distinct accepted slot keys
// within the challenge range reach expected minus grace.
func (s *LedgerService) determineFinishers(tx *gorm.DB, ch *models.Challenge) ([]models.Participant, error) {
	var participants []models.Participant
	if err := tx.Where("challenge_id = ?", ch.ID).Find(&participants).Error; err != nil {
		return nil, err
	}

	grace := ch.Rules.Grace
	var finishers []models.Participant
	for _, p := range participants {
		expected, keyMin, keyMax, err := expectedSlots(ch, &p)
		if err != nil {
			return nil, err
		}
		if expected <= 0 {
			continue
		}
		var accepted int64
		if err := tx.Model(&models.Submission{}).
			Where("participant_id = ? AND status = ? AND slot_key >= ? AND slot_key <= ?",
				p.ID, models.SubmissionAccepted, keyMin, keyMax).
			Distinct("slot_key").
			Count(&accepted).Error; err != nil {
			return nil, err
		}
		quota := expected - grace
		if quota < 0 {
			quota = 0
		}
		if int(accepted) >= quota {
			finishers = append(finishers, p)
		}
	}
	return finishers, nil
}

type CloseStatus string

const (
	CloseAlreadyEnded  CloseStatus = "already_ended"
	CloseEndedNoPayout CloseStatus = "ended_no_payout"
	CloseEndedPayout   CloseStatus = "ended_payout"
)

// CloseResult describes one settlement run (or the no-op snapshot when the
// challenge was already closed).
type CloseResult struct {
	Status          CloseStatus     `json:"status"`
	Finishers       int             `json:"finishers"`
	PayoutBase      int64           `json:"payout_base"`
	PayoutRemainder int64           `json:"payout_remainder"`
	PlatformRevenue int64           `json:"platform_revenue"`
	Snapshot        *LedgerSnapshot `json:"snapshot"`
}

// CloseChallenge settles a challenge exactly once. It runs under an exclusive
// per-challenge lock with every write in one transaction, so concurrent close
// attempts and close-racing-penalty scenarios cannot double-pay:
//
//  1. Already ended, or any PAYOUT present => snapshot, no-op.
//  2. No pool or no finishers => ended; a non-empty pool with no finishers is
//     captured whole as PLATFORM_REVENUE.
//  3. Otherwise split pool evenly; the remainder goes one token each to the
//     first finishers ordered by participant id ascending — a fixed,
//     reproducible tie-break. Each payout appends a ledger entry and credits
//     the finisher's wallet on the same idempotency key.
func (s *LedgerService) CloseChallenge(challengeID string) (*CloseResult, error) {
	unlock := s.closeLocks.Lock(challengeID)
	defer unlock()

	var result *CloseResult
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var ch models.Challenge
		if err := tx.First(&ch, "id = ?", challengeID).Error; err != nil {
			return err
		}

		var payouts int64
		if err := tx.Model(&models.LedgerEntry{}).
			Where("challenge_id = ? AND type = ?", ch.ID, models.LedgerPayout).
			Count(&payouts).Error; err != nil {
			return err
		}
		if ch.Status == models.ChallengeStatusEnded || payouts > 0 {
			snap, err := s.Snapshot(tx, ch.ID)
			if err != nil {
				return err
			}
			result = &CloseResult{Status: CloseAlreadyEnded, Snapshot: snap}
			return nil
		}

		finishers, err := s.determineFinishers(tx, &ch)
		if err != nil {
			return err
		}

		var totalSum int64
		if err := tx.Model(&models.LedgerEntry{}).
			Where("challenge_id = ?", ch.ID).
			Select("COALESCE(SUM(amount), 0)").
			Scan(&totalSum).Error; err != nil {
			return err
		}
		pool := -totalSum
		if pool < 0 {
			pool = 0
		}

		if pool <= 0 || len(finishers) == 0 {
			if pool > 0 {
				// Everyone missed quota: the pool is forfeited to the platform.
				if err := tx.Create(&models.LedgerEntry{
					ID:            uuid.NewString(),
					ChallengeID:   ch.ID,
					ParticipantID: models.PlatformParticipantID,
					Type:          models.LedgerPlatformRevenue,
					Amount:        pool,
					Note:          fmt.Sprintf("forfeited_stakes_%d_finishers", len(finishers)),
				}).Error; err != nil {
					return err
				}
			}
			if err := tx.Model(&models.Challenge{}).
				Where("id = ?", ch.ID).
				Update("status", models.ChallengeStatusEnded).Error; err != nil {
				return err
			}
			snap, err := s.Snapshot(tx, ch.ID)
			if err != nil {
				return err
			}
			result = &CloseResult{
				Status:          CloseEndedNoPayout,
				Finishers:       len(finishers),
				PlatformRevenue: pool,
				Snapshot:        snap,
			}
			return nil
		}

		n := int64(len(finishers))
		base, rem := pool/n, pool%n

		sort.Slice(finishers, func(i, j int) bool { return finishers[i].ID < finishers[j].ID })

		for idx, p := range finishers {
			amt := base
			if int64(idx) < rem {
				amt++
			}
			if amt <= 0 {
				continue
			}
			if err := tx.Create(&models.LedgerEntry{
				ID:            uuid.NewString(),
				ChallengeID:   ch.ID,
				ParticipantID: p.ID,
				Type:          models.LedgerPayout,
				Amount:        amt,
				Note:          "challenge_payout",
			}).Error; err != nil {
				return err
			}
			if _, err := s.Wallet.CreditTokens(tx, p.UserID, amt, PayoutKey(ch.ID, p.ID), "challenge_payout"); err != nil {
				return err
			}
		}

		if err := tx.Model(&models.Challenge{}).
			Where("id = ?", ch.ID).
			Update("status", models.ChallengeStatusEnded).Error; err != nil {
			return err
		}

		snap, err := s.Snapshot(tx, ch.ID)
		if err != nil {
			return err
		}
		result = &CloseResult{
			Status:          CloseEndedPayout,
			Finishers:       len(finishers),
			PayoutBase:      base,
			PayoutRemainder: rem,
			Snapshot:        snap,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PlatformRevenueStats summarizes forfeited-stake captures over a trailing
// window.
type PlatformRevenueStats struct {
	PeriodDays          int   `json:"period_days"`
	TotalRevenueTokens  int64 `json:"total_revenue_tokens"`
	FailedChallenges    int64 `json:"failed_challenges"`
	AvgRevenuePerClosed int64 `json:"avg_revenue_per_failed_challenge"`
}

func (s *LedgerService) PlatformRevenue(days int) (*PlatformRevenueStats, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	var total int64
	if err := s.DB.Model(&models.LedgerEntry{}).
		Where("participant_id = ? AND type = ? AND created_at >= ?",
			models.PlatformParticipantID, models.LedgerPlatformRevenue, cutoff).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error; err != nil {
		return nil, err
	}

	var failed int64
	if err := s.DB.Model(&models.LedgerEntry{}).
		Where("participant_id = ? AND type = ? AND created_at >= ?",
			models.PlatformParticipantID, models.LedgerPlatformRevenue, cutoff).
		Distinct("challenge_id").
		Count(&failed).Error; err != nil {
		return nil, err
	}

	stats := &PlatformRevenueStats{
		PeriodDays:         days,
		TotalRevenueTokens: total,
		FailedChallenges:   failed,
	}
	if failed > 0 {
		stats.AvgRevenuePerClosed = total / failed
	}
	return stats, nil
}

// --- Fiber handlers ---

// GetLedger returns the derived snapshot plus the viewer's own balance.
func (s *LedgerService) GetLedger(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	challengeID := c.Params("id")

	var ch models.Challenge
	if err := s.DB.First(&ch, "id = ?", challengeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Challenge not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}

	snap, err := s.Snapshot(s.DB, ch.ID)
	if err != nil {
		log.Printf("DB Error building ledger snapshot: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to build snapshot"})
	}

	var yourBalance int64
	var viewer models.Participant
	if err := s.DB.Where("challenge_id = ? AND user_id = ?", ch.ID, userID).First(&viewer).Error; err == nil {
		for _, t := range snap.Totals {
			if t.ParticipantID == viewer.ID {
				yourBalance = t.Balance
				break
			}
		}
	}

	return c.JSON(fiber.Map{
		"pool_tokens":  snap.PoolTokens,
		"your_balance": yourBalance,
		"totals":       snap.Totals,
		"entries":      snap.Entries,
	})
}

// GetPlatformRevenue reports forfeited-stake revenue (admin).
func (s *LedgerService) GetPlatformRevenue(c *fiber.Ctx) error {
	days, err := strconv.Atoi(c.Query("days", "30"))
	if err != nil || days <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid days parameter"})
	}
	stats, err := s.PlatformRevenue(days)
	if err != nil {
		log.Printf("DB Error computing platform revenue: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to compute revenue"})
	}
	return c.JSON(stats)
}
