package quota

import (
	"errors"
	"fmt"

	"metergate/internal/models"
)

// TierLimits is static per-deployment configuration: read-only at request
// time, changed only by redeploying.
type TierLimits struct {
	MonthlyRequestLimit int
	AllowedModels       map[string]bool
	// MaxMonthlyCostCents is informational, used for provisioning; it is
	// not enforced at runtime.
	MaxMonthlyCostCents int64
}

func (t TierLimits) Allows(modelID string) bool {
	return t.AllowedModels[modelID]
}

// DefaultTiers is the shipped tier table. Image models above revo-1.0 are
// reserved for paid tiers.
var DefaultTiers = map[models.Tier]TierLimits{
	models.TierFree: {
		MonthlyRequestLimit: 40,
		AllowedModels:       modelSet("gemini-2.5-flash", "revo-1.0"),
		MaxMonthlyCostCents: 500,
	},
	models.TierBasic: {
		MonthlyRequestLimit: 150,
		AllowedModels:       modelSet("gemini-2.5-flash", "gemini-1.5-pro", "revo-1.0", "revo-1.5"),
		MaxMonthlyCostCents: 2000,
	},
	models.TierPremium: {
		MonthlyRequestLimit: 400,
		AllowedModels: modelSet("gemini-2.5-flash", "gemini-1.5-pro",
			"gemini-2.5-flash-image-preview", "revo-1.0", "revo-1.5", "revo-2.0"),
		MaxMonthlyCostCents: 6000,
	},
	models.TierPro: {
		MonthlyRequestLimit: 1000,
		AllowedModels: modelSet("gemini-2.5-flash", "gemini-1.5-pro",
			"gemini-2.5-flash-image-preview", "revo-1.0", "revo-1.5", "revo-2.0"),
		MaxMonthlyCostCents: 15000,
	},
	models.TierEnterprise: {
		MonthlyRequestLimit: 5000,
		AllowedModels: modelSet("gemini-2.5-flash", "gemini-1.5-pro",
			"gemini-2.5-flash-image-preview", "revo-1.0", "revo-1.5", "revo-2.0"),
		MaxMonthlyCostCents: 75000,
	},
}

// ValidateTiers runs at startup so a bad table aborts boot instead of
// failing requests.
func ValidateTiers(tiers map[models.Tier]TierLimits) error {
	if len(tiers) == 0 {
		return errors.New("tier table is empty")
	}
	for _, tier := range models.AllTiers {
		limits, ok := tiers[tier]
		if !ok {
			return fmt.Errorf("tier %q missing from table", tier)
		}
		if limits.MonthlyRequestLimit <= 0 {
			return fmt.Errorf("tier %q: monthly request limit must be positive", tier)
		}
		if len(limits.AllowedModels) == 0 {
			return fmt.Errorf("tier %q: no allowed models", tier)
		}
	}
	for tier := range tiers {
		if !tier.Valid() {
			return fmt.Errorf("unknown tier %q in table", tier)
		}
	}
	return nil
}

func modelSet(ids ...string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
