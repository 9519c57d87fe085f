package upstream

import (
	"context"
	"errors"
	"time"

	"metergate/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNoUsableKey = errors.New("no usable key for family")

// Pool holds the ordered upstream credentials per provider family. Health
// state lives in the store so every instance sees the same rotation; an
// exhausted key becomes eligible again after the cooldown so the pool can
// heal without operator action.
type Pool struct {
	pool     *pgxpool.Pool
	cooldown time.Duration
}

func NewPool(pool *pgxpool.Pool, cooldown time.Duration) *Pool {
	return &Pool{pool: pool, cooldown: cooldown}
}

// Sync reconciles the configured secrets for one family into the store.
// Position order is the preference order.
func (p *Pool) Sync(ctx context.Context, family Family, secrets []string) error {
	for i, secret := range secrets {
		_, err := p.pool.Exec(ctx, `
			INSERT INTO api_keys (provider_family, position, secret)
			VALUES ($1, $2, $3)
			ON CONFLICT (provider_family, position)
			DO UPDATE SET secret = EXCLUDED.secret`, string(family), i, secret)
		if err != nil {
			return err
		}
	}
	_, err := p.pool.Exec(ctx, `
		DELETE FROM api_keys
		WHERE provider_family = $1 AND position >= $2`, string(family), len(secrets))
	return err
}

// NextUsable returns the earliest-positioned key that is not exhausted
// (or whose exhaustion has cooled down) and not in the excluded set.
// Earlier keys are deliberately preferred so provider-side accounting
// stays predictable.
func (p *Pool) NextUsable(ctx context.Context, family Family, excluding map[int64]bool) (models.APIKeyRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, provider_family, position, secret, health, last_failure_at
		FROM api_keys
		WHERE provider_family = $1
		ORDER BY position`, string(family))
	if err != nil {
		return models.APIKeyRecord{}, err
	}
	defer rows.Close()
	now := time.Now().UTC()
	for rows.Next() {
		var key models.APIKeyRecord
		if err := rows.Scan(&key.ID, &key.ProviderFamily, &key.Position, &key.Secret, &key.Health, &key.LastFailureAt); err != nil {
			return models.APIKeyRecord{}, err
		}
		if excluding[key.ID] {
			continue
		}
		if key.Health == models.KeyExhausted {
			if key.LastFailureAt == nil || now.Sub(*key.LastFailureAt) < p.cooldown {
				continue
			}
		}
		return key, rows.Err()
	}
	if err := rows.Err(); err != nil {
		return models.APIKeyRecord{}, err
	}
	return models.APIKeyRecord{}, ErrNoUsableKey
}

func (p *Pool) MarkHealthy(ctx context.Context, keyID int64) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE api_keys SET health = $1, last_failure_at = NULL
		WHERE id = $2`, models.KeyHealthy, keyID)
	return err
}

func (p *Pool) MarkDegraded(ctx context.Context, keyID int64) error {
	return p.markFailed(ctx, keyID, models.KeyDegraded)
}

func (p *Pool) MarkExhausted(ctx context.Context, keyID int64) error {
	return p.markFailed(ctx, keyID, models.KeyExhausted)
}

func (p *Pool) markFailed(ctx context.Context, keyID int64, health string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE api_keys SET health = $1, last_failure_at = NOW()
		WHERE id = $2`, health, keyID)
	return err
}
