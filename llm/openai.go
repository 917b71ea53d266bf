package llm

import "context"

// openAIProvider implements Provider for the OpenAI API.
//
// Chat models used for extraction must support structured outputs
// (response_format json_schema with strict=true).
type openAIProvider struct {
	base openAICompatClient
}

// DefaultOpenAIURL is the public OpenAI endpoint.
const DefaultOpenAIURL = "https://api.openai.com"

// NewOpenAI creates a provider for OpenAI.
func NewOpenAI(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIURL
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	return &openAIProvider{base: newOpenAICompatClient(cfg)}
}

func (p *openAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *openAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}
