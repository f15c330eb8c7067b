// services/sweeper.go
package services

import (
	"log"
	"time"

	"github.com/2bTwist/chally/models"

	"github.com/go-co-op/gocron/v2"
)

func (s *LedgerService) StartSettlementSweeper() {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	// Every minute: settle challenges past their end date
	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			s.SettleDueChallenges(time.Now().UTC())
		}),
	)
}

// SettleDueChallenges closes every active challenge whose end date has
// passed. Each challenge settles independently; one failure does not stop
// the sweep.
func (s *LedgerService) SettleDueChallenges(now time.Time) {
	var challenges []models.Challenge
	err := s.DB.Where("status = ? AND ends_at <= ?", models.ChallengeStatusActive, now).
		Find(&challenges).Error
	if err != nil {
		log.Printf("[Sweeper] DB error: %v", err)
		return
	}

	for _, ch := range challenges {
		result, err := s.CloseChallenge(ch.ID)
		if err != nil {
			log.Printf("[Sweeper] Failed to settle challenge %s: %v", ch.ID, err)
			continue
		}
		log.Printf("✅ Settled challenge %s: %s (%d finishers)", ch.ID, result.Status, result.Finishers)
	}
}
