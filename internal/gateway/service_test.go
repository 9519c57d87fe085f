package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"metergate/internal/ledger"
	"metergate/internal/models"
	"metergate/internal/quota"
	"metergate/internal/upstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuota struct {
	checkErr        error
	checks          int
	releases        int
	windowStart     time.Time
	releasedWindows []time.Time
}

func (f *fakeQuota) CheckAndConsume(_ context.Context, _ string, tier models.Tier, _ string) (models.Tier, time.Time, error) {
	f.checks++
	if f.checkErr != nil {
		return tier, time.Time{}, f.checkErr
	}
	return tier, f.windowStart, nil
}

func (f *fakeQuota) Release(_ context.Context, _ string, windowStart time.Time) error {
	f.releases++
	f.releasedWindows = append(f.releasedWindows, windowStart)
	return nil
}

type ledgerOp struct {
	kind   string
	amount int64
	reason string
}

type fakeLedger struct {
	debitErr error
	ops      []ledgerOp
	nextID   int64
}

func (f *fakeLedger) Debit(_ context.Context, userID string, amount int64, reason string, _ map[string]string) (models.CreditTransaction, error) {
	if f.debitErr != nil {
		return models.CreditTransaction{}, f.debitErr
	}
	f.nextID++
	f.ops = append(f.ops, ledgerOp{kind: "debit", amount: amount, reason: reason})
	return models.CreditTransaction{ID: f.nextID, UserID: userID, Amount: amount}, nil
}

func (f *fakeLedger) Credit(_ context.Context, userID string, amount int64, reason string, _ map[string]string) (models.CreditTransaction, error) {
	f.nextID++
	f.ops = append(f.ops, ledgerOp{kind: "credit", amount: amount, reason: reason})
	return models.CreditTransaction{ID: f.nextID, UserID: userID, Amount: amount}, nil
}

type fakeRouter struct {
	result *upstream.Result
	err    error
	calls  int
}

func (f *fakeRouter) Execute(_ context.Context, _ string, _ upstream.Request) (*upstream.Result, error) {
	f.calls++
	return f.result, f.err
}

func okResult() *upstream.Result {
	return &upstream.Result{
		Payload:   json.RawMessage(`{"candidates":[]}`),
		ModelUsed: "gemini-2.5-flash-image-preview",
		Family:    upstream.FamilyGemini,
		KeyID:     1,
	}
}

func newTestService(q *fakeQuota, l *fakeLedger, r *fakeRouter) *Service {
	return New(q, l, r, DefaultCosts)
}

func TestGenerateDebitsAndReturnsPayload(t *testing.T) {
	q := &fakeQuota{}
	l := &fakeLedger{}
	r := &fakeRouter{result: okResult()}
	svc := newTestService(q, l, r)

	result, err := svc.Generate(context.Background(), GenerateRequest{
		UserID: "u1", Tier: models.TierFree, Model: "revo-1.0", Prompt: "a cat",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.CreditsCharged)
	assert.Equal(t, "gemini-2.5-flash-image-preview", result.ModelUsed)
	require.Len(t, l.ops, 1)
	assert.Equal(t, ledgerOp{kind: "debit", amount: 3, reason: "generation:revo-1.0"}, l.ops[0])
	assert.Equal(t, 0, q.releases)
}

func TestGenerateRefundsOnTotalUpstreamFailure(t *testing.T) {
	q := &fakeQuota{}
	l := &fakeLedger{}
	r := &fakeRouter{err: upstream.ErrAllKeysExhausted}
	svc := newTestService(q, l, r)

	_, err := svc.Generate(context.Background(), GenerateRequest{
		UserID: "u1", Tier: models.TierFree, Model: "revo-1.0", Prompt: "a cat",
	})
	require.ErrorIs(t, err, upstream.ErrAllKeysExhausted)
	require.Len(t, l.ops, 2)
	assert.Equal(t, ledgerOp{kind: "debit", amount: 3, reason: "generation:revo-1.0"}, l.ops[0])
	assert.Equal(t, ledgerOp{kind: "credit", amount: 3, reason: "refund:failed_generation"}, l.ops[1])
}

func TestGenerateRefundsOnFatalRequest(t *testing.T) {
	l := &fakeLedger{}
	r := &fakeRouter{err: upstream.ErrFatalRequest}
	svc := newTestService(&fakeQuota{}, l, r)

	_, err := svc.Generate(context.Background(), GenerateRequest{
		UserID: "u1", Tier: models.TierBasic, Model: "gemini-2.5-flash", Prompt: "hi",
	})
	require.ErrorIs(t, err, upstream.ErrFatalRequest)
	require.Len(t, l.ops, 2)
	assert.Equal(t, "credit", l.ops[1].kind)
}

func TestGenerateQuotaDeniedBeforeDebit(t *testing.T) {
	q := &fakeQuota{checkErr: quota.ErrModelNotAllowed}
	l := &fakeLedger{}
	r := &fakeRouter{result: okResult()}
	svc := newTestService(q, l, r)

	_, err := svc.Generate(context.Background(), GenerateRequest{
		UserID: "u1", Tier: models.TierFree, Model: "revo-2.0", Prompt: "a cat",
	})
	require.ErrorIs(t, err, quota.ErrModelNotAllowed)
	assert.Empty(t, l.ops)
	assert.Equal(t, 0, r.calls)
}

func TestGenerateReleasesQuotaWhenDebitFails(t *testing.T) {
	consumed := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	q := &fakeQuota{windowStart: consumed}
	l := &fakeLedger{debitErr: ledger.ErrInsufficientCredits}
	r := &fakeRouter{result: okResult()}
	svc := newTestService(q, l, r)

	_, err := svc.Generate(context.Background(), GenerateRequest{
		UserID: "u1", Tier: models.TierFree, Model: "revo-1.0", Prompt: "a cat",
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientCredits)
	assert.Equal(t, 1, q.releases)
	assert.Equal(t, 0, r.calls)

	// the release targets the window the consume was counted against
	require.Len(t, q.releasedWindows, 1)
	assert.Equal(t, consumed, q.releasedWindows[0])
}

func TestGenerateUnknownModel(t *testing.T) {
	l := &fakeLedger{}
	q := &fakeQuota{}
	svc := newTestService(q, l, &fakeRouter{})

	_, err := svc.Generate(context.Background(), GenerateRequest{
		UserID: "u1", Tier: models.TierFree, Model: "gpt-99", Prompt: "hi",
	})
	require.ErrorIs(t, err, upstream.ErrUnknownModel)
	assert.Equal(t, 0, q.checks)
	assert.Empty(t, l.ops)
}

func TestCost(t *testing.T) {
	svc := newTestService(&fakeQuota{}, &fakeLedger{}, &fakeRouter{})
	cost, err := svc.Cost("revo-2.0")
	require.NoError(t, err)
	assert.Equal(t, int64(5), cost)

	_, err = svc.Cost("gpt-99")
	require.ErrorIs(t, err, ErrModelNotPriced)
}

func TestValidateCosts(t *testing.T) {
	require.NoError(t, ValidateCosts(DefaultCosts, upstream.DefaultCatalog))

	missing := map[string]int64{}
	require.Error(t, ValidateCosts(missing, upstream.DefaultCatalog))

	extra := map[string]int64{"gpt-99": 1}
	for id, cost := range DefaultCosts {
		extra[id] = cost
	}
	require.Error(t, ValidateCosts(extra, upstream.DefaultCatalog))
}
