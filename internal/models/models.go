package models

import "time"

// Tier is a named subscription level. The set is closed: anything outside
// it is rejected at startup or at request time.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// AllTiers lists every valid tier, cheapest first.
var AllTiers = []Tier{TierFree, TierBasic, TierPremium, TierPro, TierEnterprise}

func (t Tier) Valid() bool {
	for _, known := range AllTiers {
		if t == known {
			return true
		}
	}
	return false
}

type UserAccount struct {
	ID                 string
	Tier               Tier
	BillingPeriodStart time.Time
	Active             bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CreditBalance holds the spendable credits for one user.
// RemainingCredits = TotalCredits - UsedCredits at all times and is never
// negative; both are enforced at the store, not in application memory.
type CreditBalance struct {
	UserID           string
	TotalCredits     int64
	RemainingCredits int64
	UsedCredits      int64
	UpdatedAt        time.Time
}

// CreditTransaction is an append-only audit record. Rows are never updated
// or deleted; the balance is reconstructible from them.
type CreditTransaction struct {
	ID            int64
	UserID        string
	Type          string
	Amount        int64
	BalanceBefore int64
	BalanceAfter  int64
	Reason        string
	Metadata      map[string]string
	CreatedAt     time.Time
}

const (
	TransactionDebit  = "debit"
	TransactionCredit = "credit"
)

type PaymentRecord struct {
	ID                      int64
	ExternalSessionID       string
	ExternalPaymentIntentID string
	UserID                  string
	PlanID                  string
	AmountCents             int64
	CreditsGranted          int64
	Status                  string
	RefundedCents           int64
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

const (
	PaymentPending   = "pending"
	PaymentCompleted = "completed"
	PaymentFailed    = "failed"
	PaymentRefunded  = "refunded"
	PaymentDisputed  = "disputed"
)

type QuotaWindow struct {
	UserID       string
	WindowStart  time.Time
	RequestsUsed int
}

type APIKeyRecord struct {
	ID             int64
	ProviderFamily string
	Position       int
	Secret         string `json:"-"`
	Health         string
	LastFailureAt  *time.Time
}

const (
	KeyHealthy   = "healthy"
	KeyDegraded  = "degraded"
	KeyExhausted = "exhausted"
)
