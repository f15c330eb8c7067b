package services

import (
	"fmt"
	"testing"
	"time"

	"github.com/2bTwist/chally/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Challenge{},
		&models.Participant{},
		&models.Submission{},
		&models.Vote{},
		&models.LedgerEntry{},
		&models.WalletEntry{},
		&models.WalletAllocation{},
	))
	return db
}

// baseRules is a daily all-day challenge with no anti-cheat checks enabled;
// tests flip on what they exercise.
func baseRules() models.Rules {
	return models.Rules{
		Frequency: models.FrequencyDaily,
		TimeWindow: models.TimeWindow{
			Start: "00:00",
			End:   "00:00",
			Scope: models.ScopeParticipantLocal,
		},
		ProofTypes: []models.ProofType{models.ProofSelfie, models.ProofText},
		Verification: models.Verification{
			Mode:      models.VerificationAuto,
			QuorumPct: 50,
		},
		MaxPerSlot: 1,
	}
}

func seedChallenge(t *testing.T, db *gorm.DB, rules models.Rules, stake int64, starts, ends time.Time) *models.Challenge {
	t.Helper()
	ch := &models.Challenge{
		ID:               uuid.NewString(),
		OwnerID:          uuid.NewString(),
		Name:             "Test Challenge",
		Slug:             "test-challenge",
		InviteCode:       uuid.NewString()[:6],
		StartsAt:         starts,
		EndsAt:           ends,
		EntryStakeTokens: stake,
		Rules:            rules,
		Status:           models.ChallengeStatusActive,
	}
	require.NoError(t, db.Create(ch).Error)
	return ch
}

func seedParticipant(t *testing.T, db *gorm.DB, challengeID, tz string) *models.Participant {
	t.Helper()
	p := &models.Participant{
		ID:          uuid.NewString(),
		ChallengeID: challengeID,
		UserID:      uuid.NewString(),
		Timezone:    tz,
	}
	require.NoError(t, db.Create(p).Error)
	return p
}

func seedSubmission(t *testing.T, db *gorm.DB, ch *models.Challenge, p *models.Participant, slotKey string, status models.SubmissionStatus) *models.Submission {
	t.Helper()
	start, _ := time.Parse("2006-01-02", slotKey)
	sub := &models.Submission{
		ID:             uuid.NewString(),
		ChallengeID:    ch.ID,
		ParticipantID:  p.ID,
		SlotKey:        slotKey,
		Seq:            1,
		WindowStartUTC: start,
		WindowEndUTC:   start.Add(24 * time.Hour),
		ProofType:      models.ProofSelfie,
		Status:         status,
	}
	require.NoError(t, db.Create(sub).Error)
	return sub
}
