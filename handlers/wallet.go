// handlers/wallet.go
package handlers

import (
	"github.com/2bTwist/chally/middleware"
	"github.com/2bTwist/chally/services"

	"github.com/gofiber/fiber/v2"
)

func SetupWalletRoutes(app *fiber.App, walletService *services.WalletService, ledgerService *services.LedgerService) {
	// 🔓 Webhook is verified by its own shared secret, not gateway auth
	app.Post("/payments/webhook", walletService.ProcessorWebhook)

	secured := app.Group("/", middleware.UserContextMiddleware())

	secured.Get("/wallet", walletService.GetWallet)
	secured.Post("/wallet/withdraw", walletService.Withdraw)

	secured.Get("/platform/revenue", ledgerService.GetPlatformRevenue)
}
