package quota

import (
	"context"
	"errors"
	"time"

	"metergate/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrQuotaExceeded   = errors.New("monthly quota exceeded")
	ErrModelNotAllowed = errors.New("model not allowed for tier")
	ErrInvalidTier     = errors.New("invalid tier")
	ErrNotFound        = errors.New("account not found")
)

// Manager resolves a user's tier and enforces the monthly request ceiling
// and the tier-to-model access rules. All counters live in the store;
// concurrent requests for one user serialize on the account row lock.
type Manager struct {
	pool   *pgxpool.Pool
	tiers  map[models.Tier]TierLimits
	window time.Duration
}

func NewManager(pool *pgxpool.Pool, tiers map[models.Tier]TierLimits, window time.Duration) *Manager {
	return &Manager{pool: pool, tiers: tiers, window: window}
}

// Status is the answer to "how much quota is left this window".
type Status struct {
	UserID        string      `json:"user_id"`
	Tier          models.Tier `json:"tier"`
	RequestsUsed  int         `json:"requests_used"`
	RequestLimit  int         `json:"request_limit"`
	Remaining     int         `json:"remaining"`
	WindowResetAt time.Time   `json:"window_reset_at"`
}

// CheckAndConsume verifies model access and the request ceiling, then
// consumes one request from the window and returns the window start the
// consume was counted against. The account is created on first sight with
// the caller-supplied tier; afterwards the stored tier (mutated by
// payments or admin grants) is authoritative and takes effect on the next
// check. An expired window is rolled forward here, at check time, so no
// background scheduler is needed.
func (m *Manager) CheckAndConsume(ctx context.Context, userID string, requestTier models.Tier, modelID string) (models.Tier, time.Time, error) {
	if !requestTier.Valid() {
		return "", time.Time{}, ErrInvalidTier
	}
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return "", time.Time{}, err
	}
	defer tx.Rollback(ctx)

	account, err := lockAccount(ctx, tx, userID, requestTier)
	if err != nil {
		return "", time.Time{}, err
	}
	limits, ok := m.tiers[account.Tier]
	if !ok {
		return account.Tier, time.Time{}, ErrInvalidTier
	}
	if !limits.Allows(modelID) {
		return account.Tier, time.Time{}, ErrModelNotAllowed
	}

	windowStart := rollForward(account.BillingPeriodStart, m.window, time.Now().UTC())
	if !windowStart.Equal(account.BillingPeriodStart) {
		_, err = tx.Exec(ctx, `
			UPDATE user_accounts
			SET billing_period_start = $1, updated_at = NOW()
			WHERE id = $2`, windowStart, userID)
		if err != nil {
			return account.Tier, time.Time{}, err
		}
	}

	// The account row is locked, so read-then-write on the counter is
	// race-free for this user.
	var used int
	err = tx.QueryRow(ctx, `
		SELECT requests_used FROM quota_windows
		WHERE user_id = $1 AND window_start = $2`, userID, windowStart).Scan(&used)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return account.Tier, time.Time{}, err
	}
	if used >= limits.MonthlyRequestLimit {
		return account.Tier, time.Time{}, ErrQuotaExceeded
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO quota_windows (user_id, window_start, requests_used)
		VALUES ($1, $2, 1)
		ON CONFLICT (user_id) DO UPDATE
		SET requests_used = CASE
				WHEN quota_windows.window_start = $2 THEN quota_windows.requests_used + 1
				ELSE 1
			END,
			window_start = $2`, userID, windowStart)
	if err != nil {
		return account.Tier, time.Time{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return account.Tier, time.Time{}, err
	}
	return account.Tier, windowStart, nil
}

// Release gives back one request consumed by a check whose request never
// reached an upstream attempt (e.g. the debit was rejected). It is scoped
// to the window the consume happened in; once the window has rolled the
// release is a no-op rather than a decrement of the fresh counter.
func (m *Manager) Release(ctx context.Context, userID string, windowStart time.Time) error {
	_, err := m.pool.Exec(ctx, `
		UPDATE quota_windows
		SET requests_used = GREATEST(requests_used - 1, 0)
		WHERE user_id = $1 AND window_start = $2`, userID, windowStart)
	return err
}

// GetStatus reports the window as of now without consuming anything.
func (m *Manager) GetStatus(ctx context.Context, userID string) (Status, error) {
	var account models.UserAccount
	err := m.pool.QueryRow(ctx, `
		SELECT id, tier, billing_period_start
		FROM user_accounts WHERE id = $1`, userID,
	).Scan(&account.ID, &account.Tier, &account.BillingPeriodStart)
	if errors.Is(err, pgx.ErrNoRows) {
		return Status{}, ErrNotFound
	}
	if err != nil {
		return Status{}, err
	}
	limits, ok := m.tiers[account.Tier]
	if !ok {
		return Status{}, ErrInvalidTier
	}

	windowStart := rollForward(account.BillingPeriodStart, m.window, time.Now().UTC())
	var used int
	err = m.pool.QueryRow(ctx, `
		SELECT requests_used FROM quota_windows
		WHERE user_id = $1 AND window_start = $2`, userID, windowStart).Scan(&used)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Status{}, err
	}
	return Status{
		UserID:        userID,
		Tier:          account.Tier,
		RequestsUsed:  used,
		RequestLimit:  limits.MonthlyRequestLimit,
		Remaining:     limits.MonthlyRequestLimit - used,
		WindowResetAt: windowStart.Add(m.window),
	}, nil
}

// SetTier moves an account to a new tier, creating the account if needed.
// Takes effect on the next check; past usage is not recomputed.
func (m *Manager) SetTier(ctx context.Context, userID string, tier models.Tier) error {
	if !tier.Valid() {
		return ErrInvalidTier
	}
	_, err := m.pool.Exec(ctx, `
		INSERT INTO user_accounts (id, tier)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET tier = $2, updated_at = NOW()`, userID, tier)
	return err
}

// Deactivate flags an account; accounts are never deleted.
func (m *Manager) Deactivate(ctx context.Context, userID string) error {
	ct, err := m.pool.Exec(ctx, `
		UPDATE user_accounts SET active = FALSE, updated_at = NOW()
		WHERE id = $1`, userID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// lockAccount creates the account lazily and takes the per-user row lock
// that serializes quota mutation.
func lockAccount(ctx context.Context, tx pgx.Tx, userID string, tier models.Tier) (models.UserAccount, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO user_accounts (id, tier)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`, userID, tier)
	if err != nil {
		return models.UserAccount{}, err
	}
	var account models.UserAccount
	err = tx.QueryRow(ctx, `
		SELECT id, tier, billing_period_start, active, created_at, updated_at
		FROM user_accounts
		WHERE id = $1
		FOR UPDATE`, userID,
	).Scan(&account.ID, &account.Tier, &account.BillingPeriodStart, &account.Active, &account.CreatedAt, &account.UpdatedAt)
	return account, err
}

// rollForward advances the window anchor in whole window steps until it
// covers now.
func rollForward(start time.Time, window time.Duration, now time.Time) time.Time {
	if window <= 0 {
		return start
	}
	elapsed := now.Sub(start)
	if elapsed < window {
		return start
	}
	return start.Add((elapsed / window) * window)
}
