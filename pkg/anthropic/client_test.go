package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageResponse_Text(t *testing.T) {
	t.Parallel()

	resp := &MessageResponse{
		Content: []ContentBlock{
			{Type: "text", Text: "Jane Donor is a philanthropist "},
			{Type: "tool_use", Text: "ignored"},
			{Type: "text", Text: "based in Austin."},
		},
	}
	assert.Equal(t, "Jane Donor is a philanthropist based in Austin.", resp.Text())

	empty := &MessageResponse{}
	assert.Equal(t, "", empty.Text())
}

func TestTokenUsage_EstimateCost(t *testing.T) {
	t.Parallel()

	usage := TokenUsage{InputTokens: 1_000_000, OutputTokens: 500_000}

	// haiku: 1M in at $0.80 + 0.5M out at $4.00
	assert.InDelta(t, 2.80, usage.EstimateCost("claude-haiku-4-5"), 1e-9)

	// sonnet: 1M in at $3.00 + 0.5M out at $15.00
	assert.InDelta(t, 10.50, usage.EstimateCost("claude-sonnet-4-5-20250929"), 1e-9)

	assert.Zero(t, usage.EstimateCost("unknown-model"))
	assert.Zero(t, TokenUsage{}.EstimateCost("claude-haiku-4-5"))
}
