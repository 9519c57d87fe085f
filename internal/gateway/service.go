package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"metergate/internal/models"
	"metergate/internal/upstream"
)

var ErrModelNotPriced = errors.New("model has no credit cost")

// DefaultCosts is the fixed per-model credit cost table.
var DefaultCosts = map[string]int64{
	"gemini-2.5-flash":               1,
	"gemini-1.5-pro":                 2,
	"gemini-2.5-flash-image-preview": 3,
	"revo-1.0":                       3,
	"revo-1.5":                       4,
	"revo-2.0":                       5,
}

// ValidateCosts checks every catalog model is priced and nothing is priced
// that the catalog does not serve.
func ValidateCosts(costs map[string]int64, catalog map[string]upstream.ModelSpec) error {
	for id := range catalog {
		cost, ok := costs[id]
		if !ok {
			return fmt.Errorf("model %q has no credit cost", id)
		}
		if cost <= 0 {
			return fmt.Errorf("model %q: cost must be positive", id)
		}
	}
	for id := range costs {
		if _, ok := catalog[id]; !ok {
			return fmt.Errorf("cost entry %q not in catalog", id)
		}
	}
	return nil
}

// Quota is the slice of the quota manager the service needs. A release
// names the window the consume was counted against so it cannot touch a
// newer window.
type Quota interface {
	CheckAndConsume(ctx context.Context, userID string, tier models.Tier, modelID string) (models.Tier, time.Time, error)
	Release(ctx context.Context, userID string, windowStart time.Time) error
}

// Ledger is the slice of the credit ledger the service needs.
type Ledger interface {
	Debit(ctx context.Context, userID string, amount int64, reason string, metadata map[string]string) (models.CreditTransaction, error)
	Credit(ctx context.Context, userID string, amount int64, reason string, metadata map[string]string) (models.CreditTransaction, error)
}

// Router executes one generation request across the key pool.
type Router interface {
	Execute(ctx context.Context, modelID string, req upstream.Request) (*upstream.Result, error)
}

type GenerateRequest struct {
	UserID      string
	Tier        models.Tier
	Model       string
	Prompt      string
	MaxTokens   int
	Temperature float32
}

type GenerateResult struct {
	Payload        []byte
	ModelUsed      string
	Family         string
	CreditsCharged int64
	TransactionID  int64
}

// Service is the public entry point: quota check, cost estimate, debit,
// routed upstream call, refund on classified failure. Debit-then-refund
// keeps the two ledger operations independent instead of requiring a held
// reservation.
type Service struct {
	quota  Quota
	ledger Ledger
	router Router
	costs  map[string]int64
}

func New(quota Quota, ledger Ledger, router Router, costs map[string]int64) *Service {
	return &Service{quota: quota, ledger: ledger, router: router, costs: costs}
}

// Cost returns the credit price of a model.
func (s *Service) Cost(modelID string) (int64, error) {
	cost, ok := s.costs[modelID]
	if !ok {
		return 0, ErrModelNotPriced
	}
	return cost, nil
}

func (s *Service) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	cost, ok := s.costs[req.Model]
	if !ok {
		return nil, upstream.ErrUnknownModel
	}

	_, windowStart, err := s.quota.CheckAndConsume(ctx, req.UserID, req.Tier, req.Model)
	if err != nil {
		return nil, err
	}

	debit, err := s.ledger.Debit(ctx, req.UserID, cost, "generation:"+req.Model, map[string]string{
		"model": req.Model,
	})
	if err != nil {
		// The request never reached an upstream attempt; give the quota
		// slot back.
		if releaseErr := s.quota.Release(ctx, req.UserID, windowStart); releaseErr != nil {
			log.Printf("[WARN] quota release for %s failed: %v", req.UserID, releaseErr)
		}
		return nil, err
	}

	result, err := s.router.Execute(ctx, req.Model, upstream.Request{
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		s.refund(ctx, req.UserID, cost, req.Model, debit.ID)
		return nil, err
	}

	return &GenerateResult{
		Payload:        result.Payload,
		ModelUsed:      result.ModelUsed,
		Family:         string(result.Family),
		CreditsCharged: cost,
		TransactionID:  debit.ID,
	}, nil
}

// refund returns the debited credits after a classified upstream failure.
// No credits are lost on caller disconnect either way: the debit happened
// before the call and the refund only on classified failure.
func (s *Service) refund(ctx context.Context, userID string, amount int64, model string, debitID int64) {
	_, err := s.ledger.Credit(ctx, userID, amount, "refund:failed_generation", map[string]string{
		"model":             model,
		"debit_transaction": strconv.FormatInt(debitID, 10),
	})
	if err != nil {
		// The debit stands but the generation failed; this needs eyes.
		log.Printf("[ERROR] refund of %d credits for %s failed: %v", amount, userID, err)
	}
}
