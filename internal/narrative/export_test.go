package narrative

// NewAnthropicNarratorAt points the Anthropic narrator at a test server.
func NewAnthropicNarratorAt(apiKey, model, url string, pricing Pricing) Narrator {
	return newAnthropicNarrator(apiKey, model, url, pricing)
}
