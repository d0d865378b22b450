package research

import (
	"context"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/donorpath/prospect-cli/internal/model"
	"github.com/donorpath/prospect-cli/pkg/perplexity"
)

const perplexityName = "perplexity"

// PerplexityProvider answers research queries with the Perplexity sonar
// models, which ground their completions on live web search and return
// citation URLs.
type PerplexityProvider struct {
	client    perplexity.Client
	maxTokens int
}

// NewPerplexityProvider wraps a Perplexity client as a research provider.
func NewPerplexityProvider(client perplexity.Client) *PerplexityProvider {
	return &PerplexityProvider{client: client, maxTokens: 2048}
}

func (p *PerplexityProvider) Name() string { return perplexityName }

func (p *PerplexityProvider) Research(ctx context.Context, input Input) (*model.ProviderResult, error) {
	start := time.Now()

	resp, err := p.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Messages: []perplexity.Message{
			{Role: "system", Content: "You are a prospect researcher for a nonprofit fundraising team. Answer factually and cite sources."},
			{Role: "user", Content: promptFor(input)},
		},
		MaxTokens: &p.maxTokens,
	})
	if err != nil {
		return nil, eris.Wrap(err, "research: perplexity query")
	}
	if len(resp.Choices) == 0 {
		return nil, eris.New("research: perplexity returned no choices")
	}

	sources := make([]model.Source, 0, len(resp.Citations))
	for _, cite := range resp.Citations {
		sources = append(sources, model.Source{
			Name: hostLabel(cite),
			URL:  cite,
		})
	}

	return &model.ProviderResult{
		Provider:       perplexityName,
		Text:           resp.Choices[0].Message.Content,
		Sources:        sources,
		TokensEstimate: resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
		DurationMs:     time.Since(start).Milliseconds(),
	}, nil
}

// hostLabel returns the host portion of a URL for display, or the raw
// string when it does not parse.
func hostLabel(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}
