// handlers/review.go
package handlers

import (
	"github.com/2bTwist/chally/middleware"
	"github.com/2bTwist/chally/services"

	"github.com/gofiber/fiber/v2"
)

func SetupReviewRoutes(app *fiber.App, reviewService *services.ReviewService) {
	secured := app.Group("/", middleware.UserContextMiddleware())

	secured.Get("/review/pending", reviewService.ListPending)
	secured.Post("/review/vote", reviewService.Vote)
}
