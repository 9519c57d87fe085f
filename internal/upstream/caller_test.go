package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"metergate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStubCaller(url string) *Caller {
	return NewCaller(CallerOptions{
		Timeout:           2 * time.Second,
		GeminiBaseURL:     url,
		OpenRouterBaseURL: url,
	})
}

func TestCallGeminiSuccess(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer server.Close()

	caller := newStubCaller(server.URL)
	route := Route{Family: FamilyGemini, UpstreamModel: "gemini-2.5-flash"}
	key := models.APIKeyRecord{ID: 1, Secret: "sk-test"}

	result, err := caller.Call(context.Background(), route, key, Request{Kind: KindText, Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "/models/gemini-2.5-flash:generateContent", gotPath)
	assert.Equal(t, "sk-test", gotKey)
	assert.Equal(t, "gemini-2.5-flash", result.ModelUsed)
	assert.JSONEq(t, `{"candidates":[]}`, string(result.Payload))

	contents := gotBody["contents"].([]any)
	parts := contents[0].(map[string]any)["parts"].([]any)
	assert.Equal(t, "hello", parts[0].(map[string]any)["text"])
	genCfg := gotBody["generationConfig"].(map[string]any)
	assert.NotContains(t, genCfg, "responseModalities")
}

func TestCallGeminiImageRequestsImageModality(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	caller := newStubCaller(server.URL)
	route := Route{Family: FamilyGemini, UpstreamModel: "gemini-2.5-flash-image-preview"}
	_, err := caller.Call(context.Background(), route, models.APIKeyRecord{Secret: "k"}, Request{Kind: KindImage, Prompt: "a cat"})
	require.NoError(t, err)

	genCfg := gotBody["generationConfig"].(map[string]any)
	assert.Equal(t, []any{"IMAGE"}, genCfg["responseModalities"])
}

func TestCallOpenRouterSuccess(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	caller := newStubCaller(server.URL)
	route := Route{Family: FamilyOpenRouter, UpstreamModel: "google/gemini-2.5-flash"}
	result, err := caller.Call(context.Background(), route, models.APIKeyRecord{Secret: "or-key"}, Request{Kind: KindText, Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer or-key", gotAuth)
	assert.Equal(t, FamilyOpenRouter, result.Family)
	assert.Equal(t, "google/gemini-2.5-flash", gotBody["model"])
}

func TestCallClassifiesStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, ErrRetryable},
		{"server error", http.StatusInternalServerError, ErrRetryable},
		{"bad gateway", http.StatusBadGateway, ErrRetryable},
		{"request timeout", http.StatusRequestTimeout, ErrRetryable},
		{"unauthorized", http.StatusUnauthorized, ErrFatalKey},
		{"forbidden", http.StatusForbidden, ErrFatalKey},
		{"bad request", http.StatusBadRequest, ErrFatalRequest},
		{"not found", http.StatusNotFound, ErrFatalRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "upstream says no", tt.status)
			}))
			defer server.Close()

			caller := newStubCaller(server.URL)
			route := Route{Family: FamilyGemini, UpstreamModel: "gemini-2.5-flash"}
			_, err := caller.Call(context.Background(), route, models.APIKeyRecord{Secret: "k"}, Request{Kind: KindText, Prompt: "x"})
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCallTimeoutIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	caller := NewCaller(CallerOptions{
		Timeout:       20 * time.Millisecond,
		GeminiBaseURL: server.URL,
	})
	route := Route{Family: FamilyGemini, UpstreamModel: "gemini-2.5-flash"}
	_, err := caller.Call(context.Background(), route, models.APIKeyRecord{Secret: "k"}, Request{Kind: KindText, Prompt: "x"})
	require.ErrorIs(t, err, ErrRetryable)
}
