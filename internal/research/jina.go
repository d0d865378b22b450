package research

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/donorpath/prospect-cli/internal/model"
	"github.com/donorpath/prospect-cli/pkg/jina"
)

const jinaName = "jina"

// maxJinaResults caps how many search hits feed into the result text.
const maxJinaResults = 8

// JinaProvider answers research queries with Jina AI web search. Each
// search hit becomes a source; the result text is the concatenation of
// the hit snippets so downstream extraction sees all of them.
type JinaProvider struct {
	client jina.Client
}

// NewJinaProvider wraps a Jina client as a research provider.
func NewJinaProvider(client jina.Client) *JinaProvider {
	return &JinaProvider{client: client}
}

func (p *JinaProvider) Name() string { return jinaName }

func (p *JinaProvider) Research(ctx context.Context, input Input) (*model.ProviderResult, error) {
	start := time.Now()

	resp, err := p.client.Search(ctx, searchQuery(input))
	if err != nil {
		return nil, eris.Wrap(err, "research: jina search")
	}

	hits := resp.Data
	if len(hits) > maxJinaResults {
		hits = hits[:maxJinaResults]
	}

	var (
		text    strings.Builder
		sources []model.Source
		tokens  int
	)
	for _, hit := range hits {
		snippet := hit.Description
		if snippet == "" {
			snippet = hit.Content
		}
		fmt.Fprintf(&text, "%s (%s)\n%s\n\n", hit.Title, hit.URL, snippet)
		sources = append(sources, model.Source{
			Name:    hit.Title,
			URL:     hit.URL,
			Snippet: snippet,
		})
		tokens += hit.Usage.Tokens
	}

	return &model.ProviderResult{
		Provider:       jinaName,
		Text:           strings.TrimSpace(text.String()),
		Sources:        sources,
		TokensEstimate: tokens,
		DurationMs:     time.Since(start).Milliseconds(),
	}, nil
}

// searchQuery builds the web search query for a focus area.
func searchQuery(in Input) string {
	subject := fmt.Sprintf("%q", in.FullName)
	if in.Employer != "" {
		subject += " " + fmt.Sprintf("%q", in.Employer)
	}
	if in.City != "" {
		subject += " " + in.City
	}
	switch in.Focus {
	case FocusWealth:
		return subject + " net worth property SEC filings political contributions"
	case FocusPhilanthropy:
		return subject + " philanthropy donation foundation board trustee gift"
	case FocusBiography:
		return subject + " biography career education"
	default:
		return subject
	}
}
