package tokens

import (
	"math"
	"testing"

	"github.com/jkaninda/sanduku/internal/llm"
)

// heuristicEstimator forces the bytes/4 fallback by naming an encoding that
// cannot be initialized, keeping counts deterministic and offline.
func heuristicEstimator() *Estimator {
	return NewEstimator("no-such-encoding")
}

func TestCountText_HeuristicFallback(t *testing.T) {
	e := heuristicEstimator()
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abcd", 1},
		{"abcdefg", 1},
		{"abcdefgh", 2},
		{"hello world, this is a test.", 7},
	}
	for _, tt := range tests {
		if got := e.CountText(tt.text); got != tt.want {
			t.Errorf("CountText(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestCountMessage_Overhead(t *testing.T) {
	e := heuristicEstimator()

	// Plain content string.
	msg := &llm.Message{Role: llm.RoleUser, Content: "abcdefgh"}
	if got := e.CountMessage(msg); got != 4+2 {
		t.Errorf("CountMessage(plain) = %d, want 6", got)
	}

	// Content blocks take precedence over the flattened string.
	msg = &llm.Message{
		Role:    llm.RoleAssistant,
		Content: "ignored when blocks are present",
		ContentBlocks: []llm.ContentBlock{
			llm.TextBlock("abcdefgh"),                      // 2
			llm.ThinkingBlock("aaaabbbb", "sig"),           // 2
			llm.ToolResultBlock("tu-1", "ccccdddd", false), // 2
		},
	}
	if got := e.CountMessage(msg); got != 4+6 {
		t.Errorf("CountMessage(blocks) = %d, want 10", got)
	}
}

func TestCountMessage_ToolUseInput(t *testing.T) {
	e := heuristicEstimator()
	msg := &llm.Message{
		Role: llm.RoleAssistant,
		ContentBlocks: []llm.ContentBlock{
			llm.ToolUseBlock("tu-1", "abcd", map[string]any{
				"path": "aaaabbbb", // key 1 + value 2
				"n":    42,         // non-string value contributes nothing
			}),
		},
	}
	// overhead 4 + name 1 + key "path" 1 + value 2 + key "n" 0.
	if got := e.CountMessage(msg); got != 8 {
		t.Errorf("CountMessage(tool_use) = %d, want 8", got)
	}
}

func TestCountMessages(t *testing.T) {
	e := heuristicEstimator()
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "abcdefgh"},      // 6
		{Role: llm.RoleAssistant, Content: "abcdefgh"}, // 6
	}
	if got := e.CountMessages(msgs); got != 12 {
		t.Errorf("CountMessages = %d, want 12", got)
	}
}

func TestPricingFor(t *testing.T) {
	tests := []struct {
		model string
		want  Pricing
	}{
		{"claude-opus-4-20250514", modelPricing["claude-opus"]},
		{"claude-sonnet-4-20250514", modelPricing["claude-sonnet"]},
		{"claude-haiku-3-5", modelPricing["claude-haiku"]},
		{"gpt-4o", modelPricing["claude-sonnet"]}, // unknown defaults to sonnet
		{"", modelPricing["claude-sonnet"]},
	}
	for _, tt := range tests {
		if got := PricingFor(tt.model); got != tt.want {
			t.Errorf("PricingFor(%q) = %+v, want %+v", tt.model, got, tt.want)
		}
	}
}

func TestCost(t *testing.T) {
	usage := llm.Usage{InputTokens: 1_000_000, OutputTokens: 500_000}
	got := Cost("claude-sonnet-4-20250514", usage)
	want := 3.0 + 7.5
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Cost = %f, want %f", got, want)
	}

	if got := Cost("claude-opus-4", llm.Usage{InputTokens: 2_000_000}); math.Abs(got-30.0) > 1e-9 {
		t.Errorf("opus input cost = %f, want 30", got)
	}
}
