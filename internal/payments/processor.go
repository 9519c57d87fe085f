package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"metergate/internal/models"

	"github.com/stripe/stripe-go/v76"
)

var (
	ErrDuplicateEvent = errors.New("duplicate payment event")
	ErrUnknownPlan    = errors.New("unknown payment plan")
	ErrNotFound       = errors.New("payment record not found")
	ErrInvalidEvent   = errors.New("invalid payment event")
)

// Plan maps a purchasable plan to its price and credit grant. A plan may
// also name a tier; completing a payment for it moves the account to that
// tier.
type Plan struct {
	ID          string
	PriceCents  int64
	Credits     int64
	UpgradeTier models.Tier
}

// DefaultPlans is the per-deployment plan table.
var DefaultPlans = map[string]Plan{
	"starter": {ID: "starter", PriceCents: 999, Credits: 100, UpgradeTier: models.TierBasic},
	"growth":  {ID: "growth", PriceCents: 2999, Credits: 400, UpgradeTier: models.TierPremium},
	"scale":   {ID: "scale", PriceCents: 9999, Credits: 1500, UpgradeTier: models.TierPro},
}

func ValidatePlans(plans map[string]Plan) error {
	if len(plans) == 0 {
		return errors.New("plan table is empty")
	}
	for id, plan := range plans {
		if plan.ID != id {
			return fmt.Errorf("plan %q: id mismatch", id)
		}
		if plan.PriceCents <= 0 || plan.Credits <= 0 {
			return fmt.Errorf("plan %q: price and credits must be positive", id)
		}
		if plan.UpgradeTier != "" && !plan.UpgradeTier.Valid() {
			return fmt.Errorf("plan %q: unknown tier %q", id, plan.UpgradeTier)
		}
	}
	return nil
}

// Store persists payment records. Insert must fail with ErrDuplicateEvent
// when another record already holds either external id, so that the
// existence check and the insert are one atomic operation.
type Store interface {
	FindCompleted(ctx context.Context, sessionID, paymentIntentID string) (models.PaymentRecord, error)
	FindPending(ctx context.Context, sessionID, paymentIntentID string) (models.PaymentRecord, error)
	Insert(ctx context.Context, record models.PaymentRecord) (models.PaymentRecord, error)
	Complete(ctx context.Context, id int64) error
	MarkByIntent(ctx context.Context, paymentIntentID, fromStatus, toStatus string) (models.PaymentRecord, error)
	RecordRefund(ctx context.Context, paymentIntentID string, amountCents int64, full bool) (models.PaymentRecord, error)
}

// Ledger is the slice of the credit ledger the processor needs.
type Ledger interface {
	Credit(ctx context.Context, userID string, amount int64, reason string, metadata map[string]string) (models.CreditTransaction, error)
	Debit(ctx context.Context, userID string, amount int64, reason string, metadata map[string]string) (models.CreditTransaction, error)
	GetBalance(ctx context.Context, userID string) (models.CreditBalance, error)
}

// Accounts is the slice of the account store the processor needs for tier
// upgrades on completed payments.
type Accounts interface {
	SetTier(ctx context.Context, userID string, tier models.Tier) error
}

// Outcome reports what a webhook delivery did. A duplicate is a successful
// no-op, not an error.
type Outcome struct {
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
}

const (
	ReasonDuplicateEvent = "duplicate_event"
	ReasonIgnored        = "ignored"
)

// Processor consumes payment-provider webhook events and grants credits
// exactly once per external payment identifier. Deduplication rides on the
// store's unique indexes, not on application memory, so concurrent
// deliveries across instances still grant once.
type Processor struct {
	store    Store
	ledger   Ledger
	accounts Accounts
	plans    map[string]Plan
	clawback bool
}

func NewProcessor(store Store, ledger Ledger, accounts Accounts, plans map[string]Plan, clawback bool) *Processor {
	return &Processor{store: store, ledger: ledger, accounts: accounts, plans: plans, clawback: clawback}
}

// HandleEvent dispatches one verified provider event. Signature checking
// happens before this is called.
func (p *Processor) HandleEvent(ctx context.Context, event stripe.Event) (Outcome, error) {
	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		intentID := ""
		if sess.PaymentIntent != nil {
			intentID = sess.PaymentIntent.ID
		}
		return p.apply(ctx, sess.ID, intentID, sess.Metadata)
	case "payment_intent.succeeded":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return p.apply(ctx, "", intent.ID, intent.Metadata)
	case "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return p.markFailed(ctx, intent.ID)
	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		intentID := ""
		if charge.PaymentIntent != nil {
			intentID = charge.PaymentIntent.ID
		}
		return p.refund(ctx, intentID, charge.AmountRefunded, charge.AmountRefunded >= charge.Amount)
	case "charge.dispute.created":
		var dispute stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
			return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		intentID := ""
		if dispute.PaymentIntent != nil {
			intentID = dispute.PaymentIntent.ID
		}
		return p.dispute(ctx, intentID)
	default:
		return Outcome{Applied: false, Reason: ReasonIgnored}, nil
	}
}

// apply grants credits for a paid session or intent. The state machine per
// external payment is Received -> Deduplicated | Applying -> Applied.
// Providers redeliver webhooks and may send both a session-completed and an
// intent-succeeded event for one purchase, so the record is matched on
// either external id.
func (p *Processor) apply(ctx context.Context, sessionID, intentID string, metadata map[string]string) (Outcome, error) {
	if sessionID == "" && intentID == "" {
		return Outcome{}, fmt.Errorf("%w: no external id", ErrInvalidEvent)
	}
	userID := metadata["user_id"]
	planID := metadata["plan_id"]
	if userID == "" || planID == "" {
		return Outcome{}, fmt.Errorf("%w: missing user_id or plan_id metadata", ErrInvalidEvent)
	}
	plan, ok := p.plans[planID]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownPlan, planID)
	}

	if _, err := p.store.FindCompleted(ctx, sessionID, intentID); err == nil {
		return Outcome{Applied: false, Reason: ReasonDuplicateEvent}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Outcome{}, err
	}

	record, err := p.store.Insert(ctx, models.PaymentRecord{
		ExternalSessionID:       sessionID,
		ExternalPaymentIntentID: intentID,
		UserID:                  userID,
		PlanID:                  planID,
		AmountCents:             plan.PriceCents,
		CreditsGranted:          plan.Credits,
		Status:                  models.PaymentPending,
	})
	if errors.Is(err, ErrDuplicateEvent) {
		// An earlier delivery inserted this record. If it is still pending
		// that delivery died before granting; finish its grant on this
		// redelivery instead of dropping the payment. The conditional
		// Complete below keeps two racing grants from both applying.
		record, err = p.store.FindPending(ctx, sessionID, intentID)
		if errors.Is(err, ErrNotFound) {
			return Outcome{Applied: false, Reason: ReasonDuplicateEvent}, nil
		}
	}
	if err != nil {
		return Outcome{}, err
	}

	// Complete transitions the record out of pending exactly once, so of
	// two deliveries racing over the same payment only the claim winner
	// reaches the grant.
	if err := p.store.Complete(ctx, record.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Outcome{Applied: false, Reason: ReasonDuplicateEvent}, nil
		}
		return Outcome{}, err
	}

	_, err = p.ledger.Credit(ctx, userID, plan.Credits, "payment:"+planID, map[string]string{
		"session_id":        sessionID,
		"payment_intent_id": intentID,
		"plan_id":           planID,
	})
	if err != nil {
		return Outcome{}, err
	}
	if plan.UpgradeTier != "" && p.accounts != nil {
		if err := p.accounts.SetTier(ctx, userID, plan.UpgradeTier); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{Applied: true}, nil
}

func (p *Processor) markFailed(ctx context.Context, intentID string) (Outcome, error) {
	if intentID == "" {
		return Outcome{}, fmt.Errorf("%w: no payment intent id", ErrInvalidEvent)
	}
	_, err := p.store.MarkByIntent(ctx, intentID, models.PaymentPending, models.PaymentFailed)
	if errors.Is(err, ErrNotFound) {
		// No pending record to fail; nothing to do.
		return Outcome{Applied: false, Reason: ReasonIgnored}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Applied: true}, nil
}

// refund marks the record and, only when clawback is enabled and the refund
// is full, debits back as much of the grant as is still unspent. Already
// spent credits are never clawed back and the balance never goes negative.
func (p *Processor) refund(ctx context.Context, intentID string, amountCents int64, full bool) (Outcome, error) {
	if intentID == "" {
		return Outcome{}, fmt.Errorf("%w: no payment intent id", ErrInvalidEvent)
	}
	record, err := p.store.RecordRefund(ctx, intentID, amountCents, full)
	if errors.Is(err, ErrNotFound) {
		return Outcome{Applied: false, Reason: ReasonIgnored}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	if !p.clawback || !full {
		return Outcome{Applied: true}, nil
	}
	balance, err := p.ledger.GetBalance(ctx, record.UserID)
	if err != nil {
		return Outcome{}, err
	}
	reclaim := record.CreditsGranted
	if balance.RemainingCredits < reclaim {
		reclaim = balance.RemainingCredits
	}
	if reclaim > 0 {
		_, err = p.ledger.Debit(ctx, record.UserID, reclaim, "clawback:refund", map[string]string{
			"payment_intent_id": intentID,
			"plan_id":           record.PlanID,
		})
		if err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{Applied: true}, nil
}

func (p *Processor) dispute(ctx context.Context, intentID string) (Outcome, error) {
	if intentID == "" {
		return Outcome{}, fmt.Errorf("%w: no payment intent id", ErrInvalidEvent)
	}
	// Flag for manual review only; no automatic ledger effect.
	_, err := p.store.MarkByIntent(ctx, intentID, models.PaymentCompleted, models.PaymentDisputed)
	if errors.Is(err, ErrNotFound) {
		return Outcome{Applied: false, Reason: ReasonIgnored}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Applied: true}, nil
}
