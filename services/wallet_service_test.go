package services

import (
	"testing"

	"github.com/2bTwist/chally/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func walletFixture(t *testing.T) (*gorm.DB, *WalletService) {
	t.Helper()
	db := newTestDB(t)
	return db, NewWalletService(db)
}

func TestCreditDepositIdempotent(t *testing.T) {
	db, svc := walletFixture(t)
	svc.tokenPriceCents = 10

	created, err := svc.CreditDepositIdempotent("user-1", "pay_1", 505, "usd")
	require.NoError(t, err)
	assert.True(t, created)

	// 505 cents at 10 cents/token floors to 50 tokens.
	balance, err := svc.Balance(db, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)

	// Redelivered event: same external id, nothing changes.
	created, err = svc.CreditDepositIdempotent("user-1", "pay_1", 505, "usd")
	require.NoError(t, err)
	assert.False(t, created)

	balance, err = svc.Balance(db, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)
}

func TestCreditDepositIdempotent_RejectsJunk(t *testing.T) {
	db, svc := walletFixture(t)

	created, err := svc.CreditDepositIdempotent("user-1", "", 100, "usd")
	require.NoError(t, err)
	assert.False(t, created)

	created, err = svc.CreditDepositIdempotent("user-1", "pay_neg", -100, "usd")
	require.NoError(t, err)
	assert.False(t, created)

	balance, err := svc.Balance(db, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestDebitTokens_InsufficientFunds(t *testing.T) {
	_, svc := walletFixture(t)

	_, err := svc.DebitTokens("user-1", 10, "wd_1", "test", false)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestDebitTokens_IdempotentByExternalID(t *testing.T) {
	db, svc := walletFixture(t)
	_, err := svc.CreditDepositIdempotent("user-1", "pay_1", 100, "usd")
	require.NoError(t, err)

	first, err := svc.DebitTokens("user-1", 40, "wd_1", "test", false)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, int64(-40), first.Entry.Amount)

	// Retried request returns the original entry and moves no money.
	second, err := svc.DebitTokens("user-1", 40, "wd_1", "test", false)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)

	balance, err := svc.Balance(db, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), balance)
}

func TestDebitTokens_FIFOAllocation(t *testing.T) {
	db, svc := walletFixture(t)
	_, err := svc.CreditDepositIdempotent("user-1", "pay_1", 30, "usd")
	require.NoError(t, err)
	_, err = svc.CreditDepositIdempotent("user-1", "pay_2", 50, "usd")
	require.NoError(t, err)

	var deposits []models.WalletEntry
	require.NoError(t, db.
		Where("user_id = ? AND type = ?", "user-1", models.WalletDeposit).
		Order("created_at ASC").
		Find(&deposits).Error)
	require.Len(t, deposits, 2)

	// 40 tokens: exhausts the 30-token lot, takes 10 from the next.
	result, err := svc.DebitTokens("user-1", 40, "wd_1", "test", true)
	require.NoError(t, err)
	require.Len(t, result.Allocations, 2)
	assert.Equal(t, deposits[0].ID, result.Allocations[0].DepositEntryID)
	assert.Equal(t, int64(30), result.Allocations[0].Tokens)
	assert.Equal(t, deposits[1].ID, result.Allocations[1].DepositEntryID)
	assert.Equal(t, int64(10), result.Allocations[1].Tokens)

	// The next withdrawal only sees the second lot's remaining 40.
	result, err = svc.DebitTokens("user-1", 40, "wd_2", "test", true)
	require.NoError(t, err)
	require.Len(t, result.Allocations, 1)
	assert.Equal(t, deposits[1].ID, result.Allocations[0].DepositEntryID)
	assert.Equal(t, int64(40), result.Allocations[0].Tokens)

	balance, err := svc.Balance(db, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	_, err = svc.DebitTokens("user-1", 1, "wd_3", "test", true)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestDebitTokens_ReplayReturnsRecordedAllocations(t *testing.T) {
	_, svc := walletFixture(t)
	_, err := svc.CreditDepositIdempotent("user-1", "pay_1", 30, "usd")
	require.NoError(t, err)
	_, err = svc.CreditDepositIdempotent("user-1", "pay_2", 50, "usd")
	require.NoError(t, err)

	first, err := svc.DebitTokens("user-1", 40, "wd_1", "test", true)
	require.NoError(t, err)
	require.Len(t, first.Allocations, 2)

	// The retried request carries the same allocation rows as the original.
	second, err := svc.DebitTokens("user-1", 40, "wd_1", "test", true)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	require.Len(t, second.Allocations, 2)
	assert.Equal(t, first.Allocations[0].DepositEntryID, second.Allocations[0].DepositEntryID)
	assert.Equal(t, first.Allocations[0].Tokens, second.Allocations[0].Tokens)
	assert.Equal(t, first.Allocations[1].DepositEntryID, second.Allocations[1].DepositEntryID)
	assert.Equal(t, first.Allocations[1].Tokens, second.Allocations[1].Tokens)
}

func TestDebitTokens_ExternalIDScopedToUser(t *testing.T) {
	db, svc := walletFixture(t)
	_, err := svc.CreditDepositIdempotent("user-a", "pay_a", 100, "usd")
	require.NoError(t, err)
	_, err = svc.CreditDepositIdempotent("user-b", "pay_b", 100, "usd")
	require.NoError(t, err)

	first, err := svc.DebitTokens("user-a", 40, "wd_shared", "test", false)
	require.NoError(t, err)
	assert.True(t, first.Created)

	// The same key from another user must not replay the first user's entry.
	_, err = svc.DebitTokens("user-b", 40, "wd_shared", "test", false)
	require.Error(t, err)

	balance, err := svc.Balance(db, "user-b")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestCreditTokens_IdempotentOnKey(t *testing.T) {
	db, svc := walletFixture(t)

	created, err := svc.CreditTokens(db, "user-1", 33, "payout_abc_def", "challenge_payout")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = svc.CreditTokens(db, "user-1", 33, "payout_abc_def", "challenge_payout")
	require.NoError(t, err)
	assert.False(t, created)

	balance, err := svc.Balance(db, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(33), balance)
}
