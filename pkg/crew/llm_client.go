package crew

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tcmartin/crewrunner/pkg/models"
)

// Default API endpoints
const (
	OpenAIBaseURL    = "https://api.openai.com/v1"
	AnthropicBaseURL = "https://api.anthropic.com/v1"
	GoogleBaseURL    = "https://generativelanguage.googleapis.com/v1beta"

	anthropicVersion = "2023-06-01"
)

// CompletionRequest is one prompt sent on behalf of an agent
type CompletionRequest struct {
	Provider    models.Provider
	Model       string
	APIKey      string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// LLM produces a completion for a prompt
type LLM interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// LLMFunc adapts a function to LLM
type LLMFunc func(ctx context.Context, req CompletionRequest) (string, error)

// Complete calls f
func (f LLMFunc) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	return f(ctx, req)
}

// APIError is a non-2xx answer from a provider
type APIError struct {
	Provider   models.Provider
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// HTTPLLMClient talks to the OpenAI, Anthropic and Google REST APIs
type HTTPLLMClient struct {
	client   *http.Client
	baseURLs map[models.Provider]string
}

// NewHTTPLLMClient creates a client with the given per-request timeout
func NewHTTPLLMClient(timeout time.Duration) *HTTPLLMClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPLLMClient{
		client: &http.Client{Timeout: timeout},
		baseURLs: map[models.Provider]string{
			models.ProviderOpenAI:    OpenAIBaseURL,
			models.ProviderAnthropic: AnthropicBaseURL,
			models.ProviderGoogle:    GoogleBaseURL,
		},
	}
}

// SetBaseURL points a provider at another endpoint
func (c *HTTPLLMClient) SetBaseURL(provider models.Provider, baseURL string) {
	c.baseURLs[provider] = strings.TrimRight(baseURL, "/")
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete sends the prompt to the provider named in the request
func (c *HTTPLLMClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	switch req.Provider {
	case models.ProviderOpenAI:
		return c.completeOpenAI(ctx, req)
	case models.ProviderAnthropic:
		return c.completeAnthropic(ctx, req)
	case models.ProviderGoogle:
		return c.completeGoogle(ctx, req)
	default:
		return "", fmt.Errorf("unsupported provider: %s", req.Provider)
	}
}

func (c *HTTPLLMClient) completeOpenAI(ctx context.Context, req CompletionRequest) (string, error) {
	messages := []chatMessage{}
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body := map[string]interface{}{
		"model":       req.Model,
		"messages":    messages,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}

	var resp struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	headers := map[string]string{"Authorization": "Bearer " + req.APIKey}
	if err := c.post(ctx, req.Provider, c.baseURLs[req.Provider]+"/chat/completions", headers, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *HTTPLLMClient) completeAnthropic(ctx context.Context, req CompletionRequest) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4000
	}
	body := map[string]interface{}{
		"model":       req.Model,
		"messages":    []chatMessage{{Role: "user", Content: req.Prompt}},
		"temperature": req.Temperature,
		"max_tokens":  maxTokens,
	}
	if req.System != "" {
		body["system"] = req.System
	}

	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	headers := map[string]string{
		"x-api-key":         req.APIKey,
		"anthropic-version": anthropicVersion,
	}
	if err := c.post(ctx, req.Provider, c.baseURLs[req.Provider]+"/messages", headers, body, &resp); err != nil {
		return "", err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("anthropic returned no text content")
	}
	return text.String(), nil
}

func (c *HTTPLLMClient) completeGoogle(ctx context.Context, req CompletionRequest) (string, error) {
	type part struct {
		Text string `json:"text"`
	}
	type content struct {
		Role  string `json:"role,omitempty"`
		Parts []part `json:"parts"`
	}

	body := map[string]interface{}{
		"contents": []content{{Role: "user", Parts: []part{{Text: req.Prompt}}}},
		"generationConfig": map[string]interface{}{
			"temperature":     req.Temperature,
			"maxOutputTokens": req.MaxTokens,
		},
	}
	if req.System != "" {
		body["systemInstruction"] = content{Parts: []part{{Text: req.System}}}
	}

	var resp struct {
		Candidates []struct {
			Content content `json:"content"`
		} `json:"candidates"`
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		c.baseURLs[req.Provider], url.PathEscape(req.Model), url.QueryEscape(req.APIKey))
	if err := c.post(ctx, req.Provider, endpoint, nil, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("google returned no candidates")
	}

	var text strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	return text.String(), nil
}

func (c *HTTPLLMClient) post(ctx context.Context, provider models.Provider, endpoint string, headers map[string]string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s API request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &APIError{Provider: provider, StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", provider, err)
	}
	return nil
}

// errorMessage pulls error.message out of a provider error body, falling
// back to the raw text.
func errorMessage(raw []byte) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
