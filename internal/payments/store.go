package payments

import (
	"context"
	"errors"

	"metergate/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists payment records. The unique indexes on
// external_session_id and external_payment_intent_id make Insert the
// atomic dedup point: a conflicting insert surfaces as ErrDuplicateEvent.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const paymentColumns = `id, COALESCE(external_session_id, ''), COALESCE(external_payment_intent_id, ''),
	user_id, plan_id, amount_cents, credits_granted, status, refunded_cents, created_at, updated_at`

func (s *PostgresStore) FindCompleted(ctx context.Context, sessionID, paymentIntentID string) (models.PaymentRecord, error) {
	return s.findByStatus(ctx, models.PaymentCompleted, sessionID, paymentIntentID)
}

func (s *PostgresStore) FindPending(ctx context.Context, sessionID, paymentIntentID string) (models.PaymentRecord, error) {
	return s.findByStatus(ctx, models.PaymentPending, sessionID, paymentIntentID)
}

func (s *PostgresStore) findByStatus(ctx context.Context, status, sessionID, paymentIntentID string) (models.PaymentRecord, error) {
	var record models.PaymentRecord
	err := s.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payment_records
		WHERE status = $1
			AND ((external_session_id = $2 AND $2 <> '')
				OR (external_payment_intent_id = $3 AND $3 <> ''))
		LIMIT 1`, status, sessionID, paymentIntentID,
	).Scan(&record.ID, &record.ExternalSessionID, &record.ExternalPaymentIntentID,
		&record.UserID, &record.PlanID, &record.AmountCents, &record.CreditsGranted,
		&record.Status, &record.RefundedCents, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PaymentRecord{}, ErrNotFound
	}
	return record, err
}

func (s *PostgresStore) Insert(ctx context.Context, record models.PaymentRecord) (models.PaymentRecord, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO payment_records
			(external_session_id, external_payment_intent_id, user_id, plan_id, amount_cents, credits_granted, status)
		VALUES (NULLIF($1, ''), NULLIF($2, ''), $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		record.ExternalSessionID, record.ExternalPaymentIntentID, record.UserID,
		record.PlanID, record.AmountCents, record.CreditsGranted, record.Status,
	).Scan(&record.ID, &record.CreatedAt, &record.UpdatedAt)
	if isUniqueViolation(err) {
		return models.PaymentRecord{}, ErrDuplicateEvent
	}
	if err != nil {
		return models.PaymentRecord{}, err
	}
	return record, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id int64) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE payment_records
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		models.PaymentCompleted, id, models.PaymentPending)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkByIntent transitions the record matching the intent id from one
// status to another. Transitions only ever move forward; a record not in
// fromStatus is reported as ErrNotFound so redeliveries are no-ops.
func (s *PostgresStore) MarkByIntent(ctx context.Context, paymentIntentID, fromStatus, toStatus string) (models.PaymentRecord, error) {
	var record models.PaymentRecord
	err := s.pool.QueryRow(ctx, `
		UPDATE payment_records
		SET status = $1, updated_at = NOW()
		WHERE external_payment_intent_id = $2 AND status = $3
		RETURNING `+paymentColumns,
		toStatus, paymentIntentID, fromStatus,
	).Scan(&record.ID, &record.ExternalSessionID, &record.ExternalPaymentIntentID,
		&record.UserID, &record.PlanID, &record.AmountCents, &record.CreditsGranted,
		&record.Status, &record.RefundedCents, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PaymentRecord{}, ErrNotFound
	}
	return record, err
}

// RecordRefund marks a completed record refunded (full) or stores partial
// refund metadata without a status change. Only records still in the
// completed state match, so a redelivered refund event cannot trigger a
// second clawback.
func (s *PostgresStore) RecordRefund(ctx context.Context, paymentIntentID string, amountCents int64, full bool) (models.PaymentRecord, error) {
	status := models.PaymentCompleted
	if full {
		status = models.PaymentRefunded
	}
	var record models.PaymentRecord
	err := s.pool.QueryRow(ctx, `
		UPDATE payment_records
		SET status = $1, refunded_cents = $2, updated_at = NOW()
		WHERE external_payment_intent_id = $3 AND status = $4 AND refunded_cents < $2
		RETURNING `+paymentColumns,
		status, amountCents, paymentIntentID, models.PaymentCompleted,
	).Scan(&record.ID, &record.ExternalSessionID, &record.ExternalPaymentIntentID,
		&record.UserID, &record.PlanID, &record.AmountCents, &record.CreditsGranted,
		&record.Status, &record.RefundedCents, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PaymentRecord{}, ErrNotFound
	}
	return record, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
