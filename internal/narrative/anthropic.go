package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const anthropicURL = "https://api.anthropic.com/v1/messages"

// anthropicNarrator is the Narrator backed by the Anthropic Messages API.
type anthropicNarrator struct {
	apiKey     string
	model      string
	url        string
	pricing    Pricing
	httpClient *http.Client
}

// NewAnthropicNarrator returns a Narrator that calls the Anthropic API.
//   - apiKey: your ANTHROPIC_API_KEY
//   - model:  e.g. "claude-sonnet-4-5"
func NewAnthropicNarrator(apiKey, model string, pricing Pricing) Narrator {
	return newAnthropicNarrator(apiKey, model, anthropicURL, pricing)
}

func newAnthropicNarrator(apiKey, model, url string, pricing Pricing) *anthropicNarrator {
	return &anthropicNarrator{
		apiKey:  apiKey,
		model:   model,
		url:     url,
		pricing: pricing,
		httpClient: &http.Client{
			Timeout: 90 * time.Second,
		},
	}
}

// ─── ANTHROPIC API SHAPES ─────────────────────────────────────────────────────

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ─── IMPLEMENTATION ───────────────────────────────────────────────────────────

// Narrate sends one request to the Messages API and returns the text of the
// first text block.
func (c *anthropicNarrator) Narrate(ctx context.Context, p Prompt) (Narrative, error) {
	bodyBytes, err := json.Marshal(anthropicRequest{
		Model:     c.model,
		MaxTokens: 4096,
		System:    p.System,
		Messages: []anthropicMessage{
			{Role: "user", Content: p.User},
		},
	})
	if err != nil {
		return Narrative{}, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(bodyBytes))
	if err != nil {
		return Narrative{}, fmt.Errorf("anthropic: build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Narrative{}, fmt.Errorf("anthropic: http request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB cap
	if err != nil {
		return Narrative{}, fmt.Errorf("anthropic: read response body: %w", err)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		return Narrative{}, fmt.Errorf("anthropic: unmarshal response: %w", err)
	}

	if parsed.Error != nil {
		return Narrative{}, fmt.Errorf("anthropic: API error %s: %s", parsed.Error.Type, parsed.Error.Message)
	}

	if resp.StatusCode != http.StatusOK {
		return Narrative{}, fmt.Errorf("anthropic: unexpected status %d: %.200s", resp.StatusCode, string(respBytes))
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return Narrative{}, fmt.Errorf("anthropic: no text content in response")
	}

	usage := Usage{InputTokens: parsed.Usage.InputTokens, OutputTokens: parsed.Usage.OutputTokens}
	return Narrative{
		Message: text.String(),
		Tokens:  usage,
		Cost:    c.pricing.Cost(usage),
		Model:   c.model,
	}, nil
}
