package narrative

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// openAINarrator is the Narrator backed by any OpenAI-compatible chat
// completions endpoint.
type openAINarrator struct {
	client  *openai.Client
	model   string
	pricing Pricing
}

// NewOpenAINarrator returns a Narrator for an OpenAI-compatible endpoint.
//   - baseURL: API root without the /chat/completions suffix,
//     e.g. "https://chat-api.tamu.ai/api"
//   - model:   e.g. "protected.gpt-5"
func NewOpenAINarrator(apiKey, baseURL, model string, pricing Pricing) Narrator {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(90 * time.Second),
		option.WithMaxRetries(1),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}

	client := openai.NewClient(opts...)
	return &openAINarrator{
		client:  &client,
		model:   model,
		pricing: pricing,
	}
}

// Narrate sends the prompt as a system + user message pair.
func (n *openAINarrator) Narrate(ctx context.Context, p Prompt) (Narrative, error) {
	resp, err := n.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(n.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(p.System),
			openai.UserMessage(p.User),
		},
	})
	if err != nil {
		return Narrative{}, fmt.Errorf("narrative: chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return Narrative{}, fmt.Errorf("narrative: no choices in response")
	}

	usage := Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	return Narrative{
		Message: resp.Choices[0].Message.Content,
		Tokens:  usage,
		Cost:    n.pricing.Cost(usage),
		Model:   n.model,
	}, nil
}
