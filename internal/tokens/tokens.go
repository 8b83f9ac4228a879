// Package tokens estimates token counts and model costs for stored
// conversations. Counts are estimates: the provider's usage numbers are
// authoritative when available; these figures drive context-size display and
// attachment budgeting.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/jkaninda/sanduku/internal/llm"
)

// perMessageOverhead approximates the role and framing tokens per message.
const perMessageOverhead = 4

// Estimator counts tokens with a tiktoken encoding, falling back to a
// bytes/4 heuristic when the encoding cannot be initialized (the encoding
// data may need a network fetch on first use).
type Estimator struct {
	encoding string

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewEstimator creates an estimator. Empty encoding defaults to cl100k_base,
// a close enough proxy for Claude-family tokenization.
func NewEstimator(encoding string) *Estimator {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &Estimator{encoding: encoding}
}

// init lazily initializes the encoding; first use may download its data.
func (e *Estimator) init() error {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err != nil {
			e.initErr = fmt.Errorf("init tiktoken encoding %s: %w", e.encoding, err)
			return
		}
		e.enc = enc
	})
	return e.initErr
}

// CountText returns the token estimate for a plain string.
func (e *Estimator) CountText(text string) int {
	if err := e.init(); err != nil {
		return heuristic(text)
	}
	return len(e.enc.Encode(text, nil, nil))
}

// CountMessage returns the token estimate for one message, including all
// text-bearing content blocks and the per-message framing overhead.
func (e *Estimator) CountMessage(msg *llm.Message) int {
	total := perMessageOverhead
	if len(msg.ContentBlocks) == 0 {
		return total + e.CountText(msg.Content)
	}
	for _, b := range msg.ContentBlocks {
		switch b.Type {
		case llm.BlockTypeText, llm.BlockTypeToolResult:
			total += e.CountText(b.Text)
		case llm.BlockTypeThinking:
			total += e.CountText(b.Thinking)
		case llm.BlockTypeToolUse:
			total += e.CountText(b.Name)
			for k, v := range b.Input {
				total += e.CountText(k)
				if s, ok := v.(string); ok {
					total += e.CountText(s)
				}
			}
		}
	}
	return total
}

// CountMessages returns the token estimate for a whole conversation.
func (e *Estimator) CountMessages(messages []llm.Message) int {
	total := 0
	for i := range messages {
		total += e.CountMessage(&messages[i])
	}
	return total
}

// heuristic is the bytes/4 fallback used when the encoding is unavailable.
func heuristic(text string) int {
	return len(text) / 4
}

// Pricing is the per-million-token cost of a model in USD.
type Pricing struct {
	InputUSD  float64
	OutputUSD float64
}

// modelPricing maps model name prefixes to pricing. Longest prefix wins.
var modelPricing = map[string]Pricing{
	"claude-opus":   {InputUSD: 15.0, OutputUSD: 75.0},
	"claude-sonnet": {InputUSD: 3.0, OutputUSD: 15.0},
	"claude-haiku":  {InputUSD: 0.80, OutputUSD: 4.0},
}

// PricingFor returns the pricing for a model name, matching by prefix.
// Unknown models price as sonnet.
func PricingFor(model string) Pricing {
	var best string
	for prefix := range modelPricing {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return modelPricing["claude-sonnet"]
	}
	return modelPricing[best]
}

// Cost returns the USD cost of the given usage under a model's pricing.
func Cost(model string, usage llm.Usage) float64 {
	p := PricingFor(model)
	return float64(usage.InputTokens)/1e6*p.InputUSD + float64(usage.OutputTokens)/1e6*p.OutputUSD
}
