package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"metergate/internal/models"

	"golang.org/x/time/rate"
)

const (
	defaultGeminiBaseURL     = "https://generativelanguage.googleapis.com/v1beta"
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	defaultMaxTokens         = 1000
	defaultTemperature       = 0.7
)

// Classification sentinels. Retryable failures stay inside the router's
// retry loop; fatal ones are surfaced immediately.
var (
	ErrRetryable    = errors.New("retryable upstream failure")
	ErrFatalKey     = errors.New("upstream rejected credential")
	ErrFatalRequest = errors.New("upstream rejected request")
)

// shared HTTP client for all upstream calls
var upstreamHTTPClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
}

// Request is one generation request as the gateway sees it.
type Request struct {
	Kind        Kind
	Prompt      string
	MaxTokens   int
	Temperature float32
}

// Result is the classified success payload of one upstream call.
type Result struct {
	Payload    json.RawMessage
	ModelUsed  string
	Family     Family
	KeyID      int64
	Attempts   int
}

// Caller performs exactly one metered call against one upstream model
// using one key, with a bounded timeout. The rate limiter keeps a failing
// retry loop from hammering a provider that is merely slow.
type Caller struct {
	client            *http.Client
	limiter           *rate.Limiter
	timeout           time.Duration
	geminiBaseURL     string
	openRouterBaseURL string
}

type CallerOptions struct {
	Timeout           time.Duration
	GeminiBaseURL     string
	OpenRouterBaseURL string
}

func NewCaller(opts CallerOptions) *Caller {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.GeminiBaseURL == "" {
		opts.GeminiBaseURL = defaultGeminiBaseURL
	}
	if opts.OpenRouterBaseURL == "" {
		opts.OpenRouterBaseURL = defaultOpenRouterBaseURL
	}
	return &Caller{
		client:            upstreamHTTPClient,
		limiter:           rate.NewLimiter(50, 10),
		timeout:           opts.Timeout,
		geminiBaseURL:     opts.GeminiBaseURL,
		openRouterBaseURL: opts.OpenRouterBaseURL,
	}
}

// Call issues one request and classifies the outcome: nil error on
// success, ErrRetryable for timeouts/429/5xx, ErrFatalKey for credential
// rejections, ErrFatalRequest for malformed requests.
func (c *Caller) Call(ctx context.Context, route Route, key models.APIKeyRecord, req Request) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var httpReq *http.Request
	var err error
	switch route.Family {
	case FamilyGemini:
		httpReq, err = c.geminiRequest(ctx, route, key, req)
	case FamilyOpenRouter:
		httpReq, err = c.openRouterRequest(ctx, route, key, req)
	default:
		return nil, fmt.Errorf("%w: unknown family %q", ErrFatalRequest, route.Family)
	}
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		// Timeouts and connection failures are worth another attempt.
		return nil, fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrRetryable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, body)
	}
	return &Result{
		Payload:   json.RawMessage(body),
		ModelUsed: route.UpstreamModel,
		Family:    route.Family,
		KeyID:     key.ID,
	}, nil
}

func classifyStatus(status int, body []byte) error {
	detail := truncate(string(body), 512)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ErrFatalKey, status, detail)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrRetryable, status, detail)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrFatalRequest, status, detail)
	}
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature        float32  `json:"temperature"`
	MaxOutputTokens    int      `json:"maxOutputTokens"`
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

func (c *Caller) geminiRequest(ctx context.Context, route Route, key models.APIKeyRecord, req Request) (*http.Request, error) {
	cfg := geminiGenerationConfig{
		Temperature:     temperatureOrDefault(req.Temperature),
		MaxOutputTokens: maxTokensOrDefault(req.MaxTokens),
	}
	if req.Kind == KindImage {
		cfg.ResponseModalities = []string{"IMAGE"}
	}
	body := geminiRequest{
		Contents:         []geminiContent{{Parts: []geminiPart{{Text: req.Prompt}}}},
		GenerationConfig: cfg,
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/models/%s:generateContent", c.geminiBaseURL, route.UpstreamModel)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", key.Secret)
	return httpReq, nil
}

type openRouterRequest struct {
	Model       string              `json:"model"`
	Messages    []openRouterMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens"`
	Temperature float32             `json:"temperature"`
	Modalities  []string            `json:"modalities,omitempty"`
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *Caller) openRouterRequest(ctx context.Context, route Route, key models.APIKeyRecord, req Request) (*http.Request, error) {
	body := openRouterRequest{
		Model:       route.UpstreamModel,
		Messages:    []openRouterMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   maxTokensOrDefault(req.MaxTokens),
		Temperature: temperatureOrDefault(req.Temperature),
	}
	if req.Kind == KindImage {
		body.Modalities = []string{"image", "text"}
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.openRouterBaseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key.Secret)
	return httpReq, nil
}

func maxTokensOrDefault(v int) int {
	if v <= 0 {
		return defaultMaxTokens
	}
	return v
}

func temperatureOrDefault(v float32) float32 {
	if v <= 0 {
		return defaultTemperature
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
