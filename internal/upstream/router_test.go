package upstream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"metergate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePool struct {
	keys      map[Family][]models.APIKeyRecord
	healthy   []int64
	degraded  []int64
	exhausted []int64
}

func (f *fakePool) NextUsable(_ context.Context, family Family, excluding map[int64]bool) (models.APIKeyRecord, error) {
	for _, key := range f.keys[family] {
		if !excluding[key.ID] {
			return key, nil
		}
	}
	return models.APIKeyRecord{}, ErrNoUsableKey
}

func (f *fakePool) MarkHealthy(_ context.Context, keyID int64) error {
	f.healthy = append(f.healthy, keyID)
	return nil
}

func (f *fakePool) MarkDegraded(_ context.Context, keyID int64) error {
	f.degraded = append(f.degraded, keyID)
	return nil
}

func (f *fakePool) MarkExhausted(_ context.Context, keyID int64) error {
	f.exhausted = append(f.exhausted, keyID)
	return nil
}

// fakeCaller pops one scripted outcome per key per call.
type fakeCaller struct {
	outcomes map[int64][]error
	calls    []int64
}

func (f *fakeCaller) Call(_ context.Context, route Route, key models.APIKeyRecord, _ Request) (*Result, error) {
	f.calls = append(f.calls, key.ID)
	queue := f.outcomes[key.ID]
	if len(queue) == 0 {
		return nil, ErrRetryable
	}
	err := queue[0]
	f.outcomes[key.ID] = queue[1:]
	if err != nil {
		return nil, err
	}
	return &Result{
		Payload:   json.RawMessage(`{"ok":true}`),
		ModelUsed: route.UpstreamModel,
		Family:    route.Family,
		KeyID:     key.ID,
	}, nil
}

func testCatalog() map[string]ModelSpec {
	return map[string]ModelSpec{
		"gemini-2.5-flash": {
			ID:   "gemini-2.5-flash",
			Kind: KindText,
			Routes: []Route{
				{Family: FamilyGemini, UpstreamModel: "gemini-2.5-flash"},
				{Family: FamilyOpenRouter, UpstreamModel: "google/gemini-2.5-flash"},
			},
		},
	}
}

func geminiKeys(ids ...int64) map[Family][]models.APIKeyRecord {
	keys := make([]models.APIKeyRecord, 0, len(ids))
	for i, id := range ids {
		keys = append(keys, models.APIKeyRecord{ID: id, ProviderFamily: string(FamilyGemini), Position: i})
	}
	return map[Family][]models.APIKeyRecord{FamilyGemini: keys}
}

func newTestRouter(pool KeyPool, caller CallFunc) *Router {
	return NewRouter(pool, caller, testCatalog(), RouterOptions{
		AttemptsPerKey: 2,
		Backoff:        []time.Duration{time.Millisecond},
	})
}

func TestExecuteFailsOverAfterRetryExhaustion(t *testing.T) {
	pool := &fakePool{keys: geminiKeys(1, 2, 3)}
	caller := &fakeCaller{outcomes: map[int64][]error{
		1: {ErrRetryable, ErrRetryable},
		2: {nil},
	}}
	router := newTestRouter(pool, caller)

	result, err := router.Execute(context.Background(), "gemini-2.5-flash", Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.KeyID)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, []int64{1, 1, 2}, caller.calls, "third key must never be consulted")
	assert.Equal(t, []int64{1}, pool.degraded)
	assert.Equal(t, []int64{2}, pool.healthy)
	assert.Empty(t, pool.exhausted)
}

func TestExecuteMarksKeyExhaustedOnCredentialRejection(t *testing.T) {
	pool := &fakePool{keys: geminiKeys(1, 2)}
	caller := &fakeCaller{outcomes: map[int64][]error{
		1: {ErrFatalKey},
		2: {nil},
	}}
	router := newTestRouter(pool, caller)

	result, err := router.Execute(context.Background(), "gemini-2.5-flash", Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.KeyID)
	// a credential rejection is not retried on the same key
	assert.Equal(t, []int64{1, 2}, caller.calls)
	assert.Equal(t, []int64{1}, pool.exhausted)
}

func TestExecuteReturnsFatalRequestImmediately(t *testing.T) {
	pool := &fakePool{keys: geminiKeys(1, 2)}
	caller := &fakeCaller{outcomes: map[int64][]error{
		1: {ErrFatalRequest},
	}}
	router := newTestRouter(pool, caller)

	_, err := router.Execute(context.Background(), "gemini-2.5-flash", Request{Prompt: "hi"})
	require.ErrorIs(t, err, ErrFatalRequest)
	assert.Equal(t, []int64{1}, caller.calls)
	assert.Empty(t, pool.exhausted)
	assert.Empty(t, pool.degraded)
}

func TestExecuteFallsBackToSecondaryFamily(t *testing.T) {
	pool := &fakePool{keys: map[Family][]models.APIKeyRecord{
		FamilyGemini:     {{ID: 1, ProviderFamily: string(FamilyGemini)}},
		FamilyOpenRouter: {{ID: 9, ProviderFamily: string(FamilyOpenRouter)}},
	}}
	caller := &fakeCaller{outcomes: map[int64][]error{
		1: {ErrFatalKey},
		9: {nil},
	}}
	router := newTestRouter(pool, caller)

	result, err := router.Execute(context.Background(), "gemini-2.5-flash", Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, FamilyOpenRouter, result.Family)
	assert.Equal(t, "google/gemini-2.5-flash", result.ModelUsed)
}

func TestExecuteAllKeysExhausted(t *testing.T) {
	pool := &fakePool{keys: geminiKeys(1, 2)}
	caller := &fakeCaller{outcomes: map[int64][]error{
		1: {ErrRetryable, ErrRetryable},
		2: {ErrFatalKey},
	}}
	router := NewRouter(pool, caller, map[string]ModelSpec{
		"revo-1.0": {
			ID:     "revo-1.0",
			Kind:   KindImage,
			Routes: []Route{{Family: FamilyGemini, UpstreamModel: "gemini-2.5-flash-image-preview"}},
		},
	}, RouterOptions{AttemptsPerKey: 2, Backoff: []time.Duration{time.Millisecond}})

	_, err := router.Execute(context.Background(), "revo-1.0", Request{Prompt: "hi"})
	require.ErrorIs(t, err, ErrAllKeysExhausted)
	assert.Equal(t, []int64{1}, pool.degraded)
	assert.Equal(t, []int64{2}, pool.exhausted)
}

func TestExecuteUnknownModel(t *testing.T) {
	router := newTestRouter(&fakePool{}, &fakeCaller{})
	_, err := router.Execute(context.Background(), "nope", Request{Prompt: "hi"})
	require.ErrorIs(t, err, ErrUnknownModel)
}

func TestValidateCatalogRejectsBadEntries(t *testing.T) {
	require.NoError(t, ValidateCatalog(DefaultCatalog))

	bad := map[string]ModelSpec{
		"m": {ID: "m", Kind: KindText, Routes: nil},
	}
	require.Error(t, ValidateCatalog(bad))

	mismatch := map[string]ModelSpec{
		"m": {ID: "other", Kind: KindText, Routes: []Route{{Family: FamilyGemini, UpstreamModel: "x"}}},
	}
	require.Error(t, ValidateCatalog(mismatch))
}
