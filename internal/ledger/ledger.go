package ledger

import (
	"context"
	"errors"

	"metergate/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// Ledger is the source of truth for credit balances. Every mutation goes
// through Debit or Credit; the balance row is locked for the duration of
// the transaction so concurrent operations on one user serialize at the
// store.
type Ledger struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Debit atomically checks and decrements the remaining balance. Two
// concurrent debits that would jointly overdraw cannot both succeed: the
// row lock serializes them and the second observes the reduced balance.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, reason string, metadata map[string]string) (models.CreditTransaction, error) {
	if userID == "" || amount <= 0 {
		return models.CreditTransaction{}, ErrInvalidAmount
	}
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return models.CreditTransaction{}, err
	}
	defer tx.Rollback(ctx)

	balance, err := lockBalance(ctx, tx, userID)
	if err != nil {
		return models.CreditTransaction{}, err
	}
	if balance.RemainingCredits < amount {
		return models.CreditTransaction{}, ErrInsufficientCredits
	}

	after := balance.RemainingCredits - amount
	_, err = tx.Exec(ctx, `
		UPDATE credit_balances
		SET remaining_credits = remaining_credits - $1,
			used_credits = used_credits + $1,
			updated_at = NOW()
		WHERE user_id = $2`, amount, userID)
	if err != nil {
		return models.CreditTransaction{}, err
	}

	record, err := appendTransaction(ctx, tx, models.CreditTransaction{
		UserID:        userID,
		Type:          models.TransactionDebit,
		Amount:        amount,
		BalanceBefore: balance.RemainingCredits,
		BalanceAfter:  after,
		Reason:        reason,
		Metadata:      metadata,
	})
	if err != nil {
		return models.CreditTransaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.CreditTransaction{}, err
	}
	return record, nil
}

// Credit grants credits unconditionally. Idempotency of who may call this
// belongs to the payment processor; the ledger has no notion of "already
// granted".
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, reason string, metadata map[string]string) (models.CreditTransaction, error) {
	if userID == "" || amount <= 0 {
		return models.CreditTransaction{}, ErrInvalidAmount
	}
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return models.CreditTransaction{}, err
	}
	defer tx.Rollback(ctx)

	balance, err := lockBalance(ctx, tx, userID)
	if err != nil {
		return models.CreditTransaction{}, err
	}

	after := balance.RemainingCredits + amount
	_, err = tx.Exec(ctx, `
		UPDATE credit_balances
		SET total_credits = total_credits + $1,
			remaining_credits = remaining_credits + $1,
			updated_at = NOW()
		WHERE user_id = $2`, amount, userID)
	if err != nil {
		return models.CreditTransaction{}, err
	}

	record, err := appendTransaction(ctx, tx, models.CreditTransaction{
		UserID:        userID,
		Type:          models.TransactionCredit,
		Amount:        amount,
		BalanceBefore: balance.RemainingCredits,
		BalanceAfter:  after,
		Reason:        reason,
		Metadata:      metadata,
	})
	if err != nil {
		return models.CreditTransaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.CreditTransaction{}, err
	}
	return record, nil
}

// GetBalance is a display read; it does not need to be linearizable with
// in-flight debits. Authoritative checks always re-read under the row lock
// at debit time. A user with no balance row reads as zero.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (models.CreditBalance, error) {
	var b models.CreditBalance
	err := l.pool.QueryRow(ctx, `
		SELECT user_id, total_credits, remaining_credits, used_credits, updated_at
		FROM credit_balances WHERE user_id = $1`, userID,
	).Scan(&b.UserID, &b.TotalCredits, &b.RemainingCredits, &b.UsedCredits, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CreditBalance{UserID: userID}, nil
	}
	return b, err
}

// ListTransactions returns the newest entries of the audit trail.
func (l *Ledger) ListTransactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx, `
		SELECT id, user_id, type, amount, balance_before, balance_after, reason, metadata, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []models.CreditTransaction
	for rows.Next() {
		var r models.CreditTransaction
		if err := rows.Scan(&r.ID, &r.UserID, &r.Type, &r.Amount, &r.BalanceBefore, &r.BalanceAfter, &r.Reason, &r.Metadata, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// lockBalance creates the balance row lazily, then takes a row lock on it.
func lockBalance(ctx context.Context, tx pgx.Tx, userID string) (models.CreditBalance, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_balances (user_id)
		VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return models.CreditBalance{}, err
	}
	var b models.CreditBalance
	err = tx.QueryRow(ctx, `
		SELECT user_id, total_credits, remaining_credits, used_credits, updated_at
		FROM credit_balances
		WHERE user_id = $1
		FOR UPDATE`, userID,
	).Scan(&b.UserID, &b.TotalCredits, &b.RemainingCredits, &b.UsedCredits, &b.UpdatedAt)
	return b, err
}

func appendTransaction(ctx context.Context, tx pgx.Tx, record models.CreditTransaction) (models.CreditTransaction, error) {
	err := tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (user_id, type, amount, balance_before, balance_after, reason, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		record.UserID, record.Type, record.Amount, record.BalanceBefore, record.BalanceAfter, record.Reason, record.Metadata,
	).Scan(&record.ID, &record.CreatedAt)
	return record, err
}
