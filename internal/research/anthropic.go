package research

import (
	"context"
	"regexp"
	"time"

	"github.com/rotisserie/eris"

	"github.com/donorpath/prospect-cli/internal/model"
	"github.com/donorpath/prospect-cli/pkg/anthropic"
)

const anthropicName = "anthropic"

const anthropicSystemPrompt = "You are a prospect researcher for a nonprofit fundraising team. " +
	"Synthesize the supplied findings into a factual profile. Do not invent facts; " +
	"when a claim comes from the supplied findings, repeat its source URL inline."

// markdownLinkRe matches the URL inside a markdown link or a bare URL.
var markdownLinkRe = regexp.MustCompile(`https?://[^\s\)\]>"']+`)

// AnthropicProvider synthesizes research with a Claude model. It is used
// for the biography step, which builds on findings from earlier steps
// rather than searching the web itself.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicProvider wraps an Anthropic client as a research provider.
func NewAnthropicProvider(client anthropic.Client, modelID string) *AnthropicProvider {
	if modelID == "" {
		modelID = "claude-haiku-4-5"
	}
	return &AnthropicProvider{client: client, model: modelID, maxTokens: 2048}
}

func (p *AnthropicProvider) Name() string { return anthropicName }

func (p *AnthropicProvider) Research(ctx context.Context, input Input) (*model.ProviderResult, error) {
	start := time.Now()

	resp, err := p.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		System:    anthropicSystemPrompt,
		Messages: []anthropic.Message{
			{Role: "user", Content: promptFor(input)},
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "research: anthropic synthesis")
	}

	text := resp.Text()
	resp.Usage.LogCost(p.model, input.Focus)

	// The model repeats source URLs from the supplied findings inline.
	// Pull them out so triangulation can dedup against earlier steps.
	var sources []model.Source
	seen := map[string]bool{}
	for _, u := range markdownLinkRe.FindAllString(text, -1) {
		if seen[u] {
			continue
		}
		seen[u] = true
		sources = append(sources, model.Source{Name: hostLabel(u), URL: u})
	}

	return &model.ProviderResult{
		Provider:       anthropicName,
		Text:           text,
		Sources:        sources,
		TokensEstimate: int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		DurationMs:     time.Since(start).Milliseconds(),
	}, nil
}
