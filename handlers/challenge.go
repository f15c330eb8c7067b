// handlers/challenge.go
package handlers

import (
	"github.com/2bTwist/chally/middleware"
	"github.com/2bTwist/chally/services"

	"github.com/gofiber/fiber/v2"
)

func SetupChallengeRoutes(app *fiber.App, challengeService *services.ChallengeService, ledgerService *services.LedgerService) {
	// 🔐 All challenge routes require user context from the gateway
	secured := app.Group("/", middleware.UserContextMiddleware())

	secured.Post("/challenges", challengeService.CreateChallenge)
	secured.Get("/challenges", challengeService.ListMyChallenges)
	secured.Get("/challenges/:id", challengeService.GetChallenge)
	secured.Post("/challenges/join/:invite_code", challengeService.JoinByCode)
	secured.Get("/challenges/:id/participants", challengeService.ListParticipants)
	secured.Post("/challenges/:id/close", challengeService.Close)

	secured.Get("/challenges/:id/slot", challengeService.GetCurrentSlot)
	secured.Post("/challenges/:id/submissions", challengeService.CreateSubmission)
	secured.Get("/challenges/:id/submissions/:submission_id/image", challengeService.GetSubmissionImage)
	secured.Get("/challenges/:id/ledger", ledgerService.GetLedger)

	secured.Get("/feed/today", challengeService.TodayFeed)
}
