package upstream

import (
	"context"
	"errors"
	"log"
	"time"

	"metergate/internal/models"
)

var (
	ErrAllKeysExhausted = errors.New("all upstream keys exhausted")
	ErrUnknownModel     = errors.New("model not in catalog")
)

// KeyPool is the slice of the pool the router needs.
type KeyPool interface {
	NextUsable(ctx context.Context, family Family, excluding map[int64]bool) (models.APIKeyRecord, error)
	MarkHealthy(ctx context.Context, keyID int64) error
	MarkDegraded(ctx context.Context, keyID int64) error
	MarkExhausted(ctx context.Context, keyID int64) error
}

// CallFunc performs one classified upstream call.
type CallFunc interface {
	Call(ctx context.Context, route Route, key models.APIKeyRecord, req Request) (*Result, error)
}

// Router orchestrates the caller across the key pool with retry, backoff
// and failover, and enforces the model whitelist. Retry behavior is
// uniform for every call site: up to attemptsPerKey sequential calls per
// key with the backoff schedule between them, then the next key, then the
// next route. First success wins and resets the key to healthy.
type Router struct {
	pool           KeyPool
	caller         CallFunc
	catalog        map[string]ModelSpec
	attemptsPerKey int
	backoff        []time.Duration
}

type RouterOptions struct {
	AttemptsPerKey int
	Backoff        []time.Duration
}

func NewRouter(pool KeyPool, caller CallFunc, catalog map[string]ModelSpec, opts RouterOptions) *Router {
	if opts.AttemptsPerKey <= 0 {
		opts.AttemptsPerKey = 2
	}
	if opts.Backoff == nil {
		opts.Backoff = []time.Duration{500 * time.Millisecond, 1000 * time.Millisecond}
	}
	return &Router{
		pool:           pool,
		caller:         caller,
		catalog:        catalog,
		attemptsPerKey: opts.AttemptsPerKey,
		backoff:        opts.Backoff,
	}
}

// Spec exposes the catalog entry for a public model id.
func (r *Router) Spec(modelID string) (ModelSpec, bool) {
	spec, ok := r.catalog[modelID]
	return spec, ok
}

// Models lists the whitelisted public model ids.
func (r *Router) Models() []string {
	ids := make([]string, 0, len(r.catalog))
	for id := range r.catalog {
		ids = append(ids, id)
	}
	return ids
}

// Execute runs one generation request through the failover chain.
// A credential rejection exhausts the key and advances; retry exhaustion
// degrades the key and advances; a malformed-request rejection is
// returned immediately since no other key would fare better.
func (r *Router) Execute(ctx context.Context, modelID string, req Request) (*Result, error) {
	spec, ok := r.catalog[modelID]
	if !ok {
		return nil, ErrUnknownModel
	}
	req.Kind = spec.Kind

	attempts := 0
	for _, route := range spec.Routes {
		excluding := make(map[int64]bool)
		for {
			key, err := r.pool.NextUsable(ctx, route.Family, excluding)
			if errors.Is(err, ErrNoUsableKey) {
				break
			}
			if err != nil {
				return nil, err
			}

			result, callErr := r.tryKey(ctx, route, key, req, &attempts)
			if callErr == nil {
				if err := r.pool.MarkHealthy(ctx, key.ID); err != nil {
					log.Printf("[WARN] mark key %d healthy failed: %v", key.ID, err)
				}
				result.Attempts = attempts
				return result, nil
			}
			if errors.Is(callErr, ErrFatalRequest) {
				return nil, callErr
			}
			if errors.Is(callErr, ErrFatalKey) {
				if err := r.pool.MarkExhausted(ctx, key.ID); err != nil {
					log.Printf("[WARN] mark key %d exhausted failed: %v", key.ID, err)
				}
			} else {
				if err := r.pool.MarkDegraded(ctx, key.ID); err != nil {
					log.Printf("[WARN] mark key %d degraded failed: %v", key.ID, err)
				}
			}
			excluding[key.ID] = true
		}
	}
	return nil, ErrAllKeysExhausted
}

// tryKey makes up to attemptsPerKey sequential calls with one key.
// Retries are sequential, never parallel, so a slow provider is not
// multiplied.
func (r *Router) tryKey(ctx context.Context, route Route, key models.APIKeyRecord, req Request, attempts *int) (*Result, error) {
	var lastErr error
	for i := 0; i < r.attemptsPerKey; i++ {
		if i > 0 {
			if err := sleep(ctx, r.backoffFor(i-1)); err != nil {
				return nil, err
			}
		}
		*attempts++
		result, err := r.caller.Call(ctx, route, key, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errors.Is(err, ErrRetryable) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (r *Router) backoffFor(i int) time.Duration {
	if len(r.backoff) == 0 {
		return 0
	}
	if i >= len(r.backoff) {
		return r.backoff[len(r.backoff)-1]
	}
	return r.backoff[i]
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
