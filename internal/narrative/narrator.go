// Package narrative asks a chat-completion model to write the prose section of
// a survey report. The primary implementation talks to an OpenAI-compatible
// endpoint; an Anthropic-backed narrator can sit behind it as a fallback.
package narrative

import (
	"context"
)

// Prompt is a system instruction plus the user turn carrying the report data.
type Prompt struct {
	System string
	User   string
}

// Usage is the token accounting of one completion.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Pricing converts token usage into a dollar cost.
type Pricing struct {
	InputPerToken  float64
	OutputPerToken float64
}

// DefaultPricing is the per-token rate of the campus chat endpoint's default
// model.
var DefaultPricing = Pricing{
	InputPerToken:  0.00000125,
	OutputPerToken: 0.00001,
}

// Cost returns the dollar cost of u.
func (p Pricing) Cost(u Usage) float64 {
	return float64(u.InputTokens)*p.InputPerToken + float64(u.OutputTokens)*p.OutputPerToken
}

// Narrative is the outcome of a successful Narrate call.
type Narrative struct {
	Message string  `json:"message"`
	Tokens  Usage   `json:"tokens"`
	Cost    float64 `json:"cost"`
	Model   string  `json:"model"`
}

// Narrator is the interface the api package uses to generate report prose.
// Tests inject a stub that returns canned responses.
type Narrator interface {
	// Narrate sends one prompt and returns the model's reply.
	//
	// Implementations must be safe to call concurrently.
	Narrate(ctx context.Context, p Prompt) (Narrative, error)
}
