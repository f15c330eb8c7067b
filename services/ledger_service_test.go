package services

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/2bTwist/chally/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func ledgerFixture(t *testing.T) (*gorm.DB, *LedgerService) {
	t.Helper()
	db := newTestDB(t)
	return db, NewLedgerService(db, NewWalletService(db))
}

func TestStakeAndPayoutKeys(t *testing.T) {
	ch := "11111111-1111-1111-1111-aaaaaaaabbbb"
	p := "22222222-2222-2222-2222-ccccccccdddd"
	assert.Equal(t, "stake_aaaabbbb_ccccdddd", StakeKey(ch, p))
	assert.Equal(t, "payout_aaaabbbb_ccccdddd", PayoutKey(ch, p))
}

func TestEnsureStake_Idempotent(t *testing.T) {
	db, svc := ledgerFixture(t)
	ch := seedChallenge(t, db, baseRules(), 25,
		time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC))
	p := seedParticipant(t, db, ch.ID, "UTC")

	require.NoError(t, svc.EnsureStake(db, ch, p))
	require.NoError(t, svc.EnsureStake(db, ch, p))

	var entries []models.LedgerEntry
	require.NoError(t, db.Where("challenge_id = ?", ch.ID).Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, models.LedgerStake, entries[0].Type)
	assert.Equal(t, int64(-25), entries[0].Amount)
}

func TestEnsureStake_ConcurrentJoinsSingleEntry(t *testing.T) {
	db, svc := ledgerFixture(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	ch := seedChallenge(t, db, baseRules(), 25,
		time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC))
	p := seedParticipant(t, db, ch.ID, "UTC")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.EnsureStake(db, ch, p))
		}()
	}
	wg.Wait()

	var entries []models.LedgerEntry
	require.NoError(t, db.Where("challenge_id = ?", ch.ID).Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, models.LedgerStake, entries[0].Type)
	assert.Equal(t, int64(-25), entries[0].Amount)
}

func TestApplyPenaltyOnce_UniquePerSubmission(t *testing.T) {
	db, svc := ledgerFixture(t)
	ch := seedChallenge(t, db, baseRules(), 0,
		time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC))
	p := seedParticipant(t, db, ch.ID, "UTC")
	sub := seedSubmission(t, db, ch, p, "2025-06-10", models.SubmissionRejected)

	require.NoError(t, svc.ApplyPenaltyOnce(db, ch.ID, p.ID, sub.ID, 5))
	require.NoError(t, svc.ApplyPenaltyOnce(db, ch.ID, p.ID, sub.ID, 5))

	var count int64
	require.NoError(t, db.Model(&models.LedgerEntry{}).
		Where("challenge_id = ? AND type = ?", ch.ID, models.LedgerPenalty).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSnapshot_PoolAndTotals(t *testing.T) {
	db, svc := ledgerFixture(t)
	ch := seedChallenge(t, db, baseRules(), 10,
		time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC))
	a := seedParticipant(t, db, ch.ID, "UTC")
	b := seedParticipant(t, db, ch.ID, "UTC")

	require.NoError(t, svc.EnsureStake(db, ch, a))
	require.NoError(t, svc.EnsureStake(db, ch, b))
	sub := seedSubmission(t, db, ch, b, "2025-06-10", models.SubmissionRejected)
	require.NoError(t, svc.ApplyPenaltyOnce(db, ch.ID, b.ID, sub.ID, 3))

	snap, err := svc.Snapshot(db, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(23), snap.PoolTokens)
	require.Len(t, snap.Totals, 2)
	// Sorted by balance descending: a (-10) before b (-13).
	assert.Equal(t, a.ID, snap.Totals[0].ParticipantID)
	assert.Equal(t, int64(-10), snap.Totals[0].Balance)
	assert.Equal(t, int64(-13), snap.Totals[1].Balance)
}

// closeFixture seeds a one-day staked challenge with n participants, of whom
// finishers have an accepted submission for the single expected slot.
func closeFixture(t *testing.T, db *gorm.DB, svc *LedgerService, stake int64, total, finishers int) (*models.Challenge, []*models.Participant) {
	t.Helper()
	ch := seedChallenge(t, db, baseRules(), stake,
		time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 10, 23, 0, 0, 0, time.UTC))

	var parts []*models.Participant
	for i := 0; i < total; i++ {
		p := seedParticipant(t, db, ch.ID, "UTC")
		require.NoError(t, svc.EnsureStake(db, ch, p))
		if i < finishers {
			seedSubmission(t, db, ch, p, "2025-06-10", models.SubmissionAccepted)
		}
		parts = append(parts, p)
	}
	return ch, parts
}

func TestCloseChallenge_SplitsPoolWithRemainder(t *testing.T) {
	db, svc := ledgerFixture(t)
	// 4 x 25 staked = pool 100; 3 finishers => 34/33/33.
	ch, parts := closeFixture(t, db, svc, 25, 4, 3)

	result, err := svc.CloseChallenge(ch.ID)
	require.NoError(t, err)
	assert.Equal(t, CloseEndedPayout, result.Status)
	assert.Equal(t, 3, result.Finishers)
	assert.Equal(t, int64(33), result.PayoutBase)
	assert.Equal(t, int64(1), result.PayoutRemainder)

	var payouts []models.LedgerEntry
	require.NoError(t, db.
		Where("challenge_id = ? AND type = ?", ch.ID, models.LedgerPayout).
		Find(&payouts).Error)
	require.Len(t, payouts, 3)

	// The extra token goes to the lowest participant id.
	finisherIDs := []string{parts[0].ID, parts[1].ID, parts[2].ID}
	sort.Strings(finisherIDs)
	amounts := map[string]int64{}
	for _, e := range payouts {
		amounts[e.ParticipantID] = e.Amount
	}
	assert.Equal(t, int64(34), amounts[finisherIDs[0]])
	assert.Equal(t, int64(33), amounts[finisherIDs[1]])
	assert.Equal(t, int64(33), amounts[finisherIDs[2]])

	// A settled ledger sums to zero.
	var sum int64
	require.NoError(t, db.Model(&models.LedgerEntry{}).
		Where("challenge_id = ?", ch.ID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error)
	assert.Equal(t, int64(0), sum)

	// Each finisher's wallet got credited on the payout key.
	for _, pid := range finisherIDs {
		var entry models.WalletEntry
		key := PayoutKey(ch.ID, pid)
		require.NoError(t, db.Where("external_id = ?", key).First(&entry).Error)
		assert.Equal(t, amounts[pid], entry.Amount)
	}

	var got models.Challenge
	require.NoError(t, db.First(&got, "id = ?", ch.ID).Error)
	assert.Equal(t, models.ChallengeStatusEnded, got.Status)
}

func TestCloseChallenge_SecondCloseIsNoOp(t *testing.T) {
	db, svc := ledgerFixture(t)
	ch, _ := closeFixture(t, db, svc, 25, 4, 3)

	_, err := svc.CloseChallenge(ch.ID)
	require.NoError(t, err)

	var before int64
	require.NoError(t, db.Model(&models.LedgerEntry{}).Where("challenge_id = ?", ch.ID).Count(&before).Error)

	result, err := svc.CloseChallenge(ch.ID)
	require.NoError(t, err)
	assert.Equal(t, CloseAlreadyEnded, result.Status)

	var after int64
	require.NoError(t, db.Model(&models.LedgerEntry{}).Where("challenge_id = ?", ch.ID).Count(&after).Error)
	assert.Equal(t, before, after)
}

func TestCloseChallenge_NoFinishersForfeitsToPlatform(t *testing.T) {
	db, svc := ledgerFixture(t)
	ch, _ := closeFixture(t, db, svc, 25, 4, 0)

	result, err := svc.CloseChallenge(ch.ID)
	require.NoError(t, err)
	assert.Equal(t, CloseEndedNoPayout, result.Status)
	assert.Equal(t, int64(100), result.PlatformRevenue)

	var entry models.LedgerEntry
	require.NoError(t, db.
		Where("challenge_id = ? AND type = ?", ch.ID, models.LedgerPlatformRevenue).
		First(&entry).Error)
	assert.Equal(t, models.PlatformParticipantID, entry.ParticipantID)
	assert.Equal(t, int64(100), entry.Amount)

	// Platform revenue closes the books too.
	var sum int64
	require.NoError(t, db.Model(&models.LedgerEntry{}).
		Where("challenge_id = ?", ch.ID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error)
	assert.Equal(t, int64(0), sum)

	stats, err := svc.PlatformRevenue(30)
	require.NoError(t, err)
	assert.Equal(t, int64(100), stats.TotalRevenueTokens)
	assert.Equal(t, int64(1), stats.FailedChallenges)
}

func TestCloseChallenge_GraceLowersQuota(t *testing.T) {
	db, svc := ledgerFixture(t)

	rules := baseRules()
	rules.Grace = 1
	// Two expected slots, grace 1: a single accepted day finishes.
	ch := seedChallenge(t, db, rules, 10,
		time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 11, 23, 0, 0, 0, time.UTC))
	p := seedParticipant(t, db, ch.ID, "UTC")
	require.NoError(t, svc.EnsureStake(db, ch, p))
	seedSubmission(t, db, ch, p, "2025-06-10", models.SubmissionAccepted)

	result, err := svc.CloseChallenge(ch.ID)
	require.NoError(t, err)
	assert.Equal(t, CloseEndedPayout, result.Status)
	assert.Equal(t, 1, result.Finishers)
}

func TestCloseChallenge_ZeroStakeEndsWithoutPayout(t *testing.T) {
	db, svc := ledgerFixture(t)
	ch, _ := closeFixture(t, db, svc, 0, 2, 2)

	result, err := svc.CloseChallenge(ch.ID)
	require.NoError(t, err)
	assert.Equal(t, CloseEndedNoPayout, result.Status)
	assert.Equal(t, int64(0), result.PlatformRevenue)
}

func TestExpectedSlots_PerFrequency(t *testing.T) {
	// Monday 2025-06-09 through Sunday 2025-06-15.
	mk := func(freq models.Frequency, custom []int) *models.Challenge {
		rules := baseRules()
		rules.Frequency = freq
		rules.CustomWeekdays = custom
		return &models.Challenge{
			StartsAt: time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC),
			EndsAt:   time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
			Rules:    rules,
		}
	}
	p := &models.Participant{Timezone: "UTC"}

	n, keyMin, keyMax, err := expectedSlots(mk(models.FrequencyDaily, nil), p)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, "2025-06-09", keyMin)
	assert.Equal(t, "2025-06-15", keyMax)

	n, _, _, err = expectedSlots(mk(models.FrequencyWeekdays, nil), p)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, keyMin, keyMax, err = expectedSlots(mk(models.FrequencyWeekly, nil), p)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "2025-06-09", keyMin)
	assert.Equal(t, "2025-06-09", keyMax)

	n, _, _, err = expectedSlots(mk(models.FrequencyCustom, []int{0, 2}), p)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
