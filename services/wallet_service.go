// services/wallet_service.go
package services

import (
	"errors"
	"log"
	"os"
	"strconv"

	"github.com/2bTwist/chally/models"
	"github.com/2bTwist/chally/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WalletService owns the per-user token ledger bridging external currency to
// internal tokens. All mutation goes through the idempotent operations below;
// balances are derived by summation, never stored.
type WalletService struct {
	DB *gorm.DB

	userLocks       utils.KeyedMutex
	tokenPriceCents int64
}

func NewWalletService(db *gorm.DB) *WalletService {
	price := int64(1) // 1 token = 1 cent unless configured otherwise
	if v := os.Getenv("TOKEN_PRICE_USD_CENTS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			price = n
		}
	}
	return &WalletService{DB: db, tokenPriceCents: price}
}

// Balance sums a user's wallet entries.
func (s *WalletService) Balance(db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.Model(&models.WalletEntry{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}

// Entries lists a user's wallet history, newest first.
func (s *WalletService) Entries(userID string) ([]models.WalletEntry, error) {
	var entries []models.WalletEntry
	err := s.DB.Where("user_id = ?", userID).Order("created_at DESC").Find(&entries).Error
	return entries, err
}

// CreditDepositIdempotent converts processor cents to tokens and credits the
// user at most once per external event id. Returns whether a new entry was
// created; a replayed event is a no-op, not an error.
func (s *WalletService) CreditDepositIdempotent(userID, externalID string, amountCents int64, currency string) (bool, error) {
	if amountCents <= 0 || externalID == "" {
		return false, nil
	}
	tokens := decimal.NewFromInt(amountCents).
		Div(decimal.NewFromInt(s.tokenPriceCents)).
		Floor().IntPart()
	if tokens <= 0 {
		return false, nil
	}
	if currency == "" {
		currency = "usd"
	}

	entry := models.WalletEntry{
		ID:         uuid.NewString(),
		UserID:     userID,
		Type:       models.WalletDeposit,
		Amount:     tokens,
		Currency:   currency,
		ExternalID: &externalID,
		Note:       "processor_deposit",
	}
	res := s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoNothing: true,
	}).Create(&entry)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CreditTokens credits internal token movements (e.g. settlement payouts),
// idempotent by external id. Runs on the caller's transaction so a payout
// entry and its wallet credit commit or abort together.
func (s *WalletService) CreditTokens(tx *gorm.DB, userID string, tokens int64, externalID, note string) (bool, error) {
	if tokens <= 0 || externalID == "" {
		return false, nil
	}
	entry := models.WalletEntry{
		ID:         uuid.NewString(),
		UserID:     userID,
		Type:       models.WalletDeposit,
		Amount:     tokens,
		Currency:   "tokens",
		ExternalID: &externalID,
		Note:       note,
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoNothing: true,
	}).Create(&entry)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DebitResult reports one withdrawal: the entry (existing on replay), whether
// this call created it, and any FIFO allocations recorded.
type DebitResult struct {
	Entry       models.WalletEntry        `json:"entry"`
	Created     bool                      `json:"created"`
	Allocations []models.WalletAllocation `json:"allocations,omitempty"`
}

// DebitTokens withdraws tokens under an exclusive per-user lock, so the
// balance-check-then-spend cannot race a concurrent withdrawal. Idempotent
// by external id: a replayed debit returns the original entry and changes
// nothing. With allocateFIFO the withdrawal consumes the oldest deposits
// still holding unallocated tokens, pinning refunds to their funding source.
func (s *WalletService) DebitTokens(userID string, tokens int64, externalID, note string, allocateFIFO bool) (*DebitResult, error) {
	if tokens <= 0 {
		return nil, errors.New("tokens must be positive")
	}
	if externalID == "" {
		return nil, errors.New("external id required")
	}

	unlock := s.userLocks.Lock(userID)
	defer unlock()

	var result DebitResult
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var existing models.WalletEntry
		err := tx.Where("user_id = ? AND external_id = ?", userID, externalID).First(&existing).Error
		if err == nil {
			result.Entry = existing
			if allocateFIFO {
				return tx.Where("withdraw_entry_id = ?", existing.ID).
					Order("created_at ASC").
					Find(&result.Allocations).Error
			}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		balance, err := s.Balance(tx, userID)
		if err != nil {
			return err
		}
		if balance < tokens {
			return ErrInsufficientFunds
		}

		entry := models.WalletEntry{
			ID:         uuid.NewString(),
			UserID:     userID,
			Type:       models.WalletWithdraw,
			Amount:     -tokens,
			Currency:   "tokens",
			ExternalID: &externalID,
			Note:       note,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		result.Entry = entry
		result.Created = true

		if !allocateFIFO {
			return nil
		}
		allocs, err := s.allocateFIFO(tx, userID, entry.ID, tokens)
		if err != nil {
			return err
		}
		result.Allocations = allocs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// allocateFIFO walks deposits oldest-first, consuming each lot's remaining
// unallocated capacity until the withdrawal is fully covered.
func (s *WalletService) allocateFIFO(tx *gorm.DB, userID, withdrawID string, tokens int64) ([]models.WalletAllocation, error) {
	var deposits []models.WalletEntry
	if err := tx.
		Where("user_id = ? AND type = ?", userID, models.WalletDeposit).
		Order("created_at ASC").
		Find(&deposits).Error; err != nil {
		return nil, err
	}

	remaining := tokens
	var out []models.WalletAllocation
	for _, dep := range deposits {
		if remaining <= 0 {
			break
		}
		var used int64
		if err := tx.Model(&models.WalletAllocation{}).
			Where("deposit_entry_id = ?", dep.ID).
			Select("COALESCE(SUM(tokens), 0)").
			Scan(&used).Error; err != nil {
			return nil, err
		}
		capacity := dep.Amount - used
		if capacity <= 0 {
			continue
		}
		take := min(capacity, remaining)
		alloc := models.WalletAllocation{
			ID:              uuid.NewString(),
			UserID:          userID,
			WithdrawEntryID: withdrawID,
			DepositEntryID:  dep.ID,
			Tokens:          take,
		}
		if err := tx.Create(&alloc).Error; err != nil {
			return nil, err
		}
		out = append(out, alloc)
		remaining -= take
	}
	if remaining > 0 {
		// The balance check passed, so deposit lots must cover the debit.
		// Hitting this means the wallet is corrupted; abort the transaction.
		return nil, ErrAllocationUnderflow
	}
	return out, nil
}

// --- Fiber handlers ---

// GetWallet returns the caller's balance and full entry history.
func (s *WalletService) GetWallet(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	balance, err := s.Balance(s.DB, userID)
	if err != nil {
		log.Printf("DB Error reading wallet balance: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to read wallet"})
	}
	entries, err := s.Entries(userID)
	if err != nil {
		log.Printf("DB Error reading wallet entries: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to read wallet"})
	}
	return c.JSON(fiber.Map{"balance": balance, "entries": entries})
}

// Withdraw debits the caller's wallet. The client supplies a request_id so
// retried requests never double-debit.
func (s *WalletService) Withdraw(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var req struct {
		Tokens    int64  `json:"tokens"`
		RequestID string `json:"request_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.Tokens <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "tokens must be > 0"})
	}
	if req.RequestID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "request_id is required"})
	}

	result, err := s.DebitTokens(userID, req.Tokens, "wd_"+req.RequestID, "wallet_withdraw", true)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "insufficient funds"})
		}
		log.Printf("❌ Withdraw failed for user %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to withdraw"})
	}
	return c.JSON(result)
}

// ProcessorWebhook absorbs at-least-once payment events. The processor's
// payment id is the idempotency key, so redelivery is harmless.
func (s *WalletService) ProcessorWebhook(c *fiber.Ctx) error {
	secret := os.Getenv("PAYMENT_WEBHOOK_SECRET")
	if secret == "" {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "payment webhook not configured"})
	}
	if c.Get("X-Webhook-Secret") != secret {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid webhook secret"})
	}

	var event struct {
		Type string `json:"type"`
		Data struct {
			ID          string `json:"id"`
			UserID      string `json:"user_id"`
			AmountCents int64  `json:"amount_cents"`
			Currency    string `json:"currency"`
			Status      string `json:"status"`
		} `json:"data"`
	}
	if err := c.BodyParser(&event); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid webhook payload"})
	}

	if event.Type != "payment.succeeded" || event.Data.Status != "succeeded" {
		return c.JSON(fiber.Map{"ignored": event.Type})
	}
	if event.Data.ID == "" || event.Data.UserID == "" || event.Data.AmountCents <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "incomplete payment event"})
	}

	created, err := s.CreditDepositIdempotent(event.Data.UserID, event.Data.ID, event.Data.AmountCents, event.Data.Currency)
	if err != nil {
		log.Printf("❌ Failed to credit deposit %s: %v", event.Data.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to credit deposit"})
	}
	if created {
		log.Printf("💰 Credited deposit %s for user %s", event.Data.ID, event.Data.UserID)
	}
	return c.JSON(fiber.Map{"ok": true, "created": created})
}
