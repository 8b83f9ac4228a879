// Package agent implements the bounded tool loop that drives one
// conversation turn: request a model response, inspect it for tool use,
// dispatch the requested tools strictly in order, fold the results back into
// the conversation, and repeat until the model stops asking for tools or the
// iteration ceiling is reached.
package agent

import (
	"context"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/sanduku/internal/llm"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/recorder"
	"github.com/jkaninda/sanduku/internal/tools"
)

// Defaults for a turn. Overridable per Runner via the With* methods.
const (
	DefaultMaxIterations = 15
	DefaultMaxTokens     = 8192
)

// Termination reasons reported in TurnResult.
const (
	TerminationToolUseExhausted     = "tool_use_exhausted"
	TerminationMaxIterationsReached = "max_iterations_reached"
	TerminationFatalError           = "fatal_error"
)

// Runner drives agent turns against one model provider and one tool
// dispatcher. A Runner is safe for concurrent turns: all per-turn state lives
// in the RunTurn frame.
type Runner struct {
	provider   llm.Provider
	dispatcher *tools.Dispatcher
	recorder   recorder.Recorder               // nil = thinking traces not persisted
	metrics    *observability.MetricsCollector // nil = metrics disabled
	logger     *slog.Logger
	tracer     trace.Tracer

	systemPrompt   string
	maxIterations  int
	maxTokens      int
	thinkingBudget int // 0 = extended thinking disabled
}

// NewRunner creates a turn runner with default limits.
func NewRunner(provider llm.Provider, dispatcher *tools.Dispatcher, rec recorder.Recorder, logger *slog.Logger) *Runner {
	return &Runner{
		provider:      provider,
		dispatcher:    dispatcher,
		recorder:      rec,
		logger:        logger,
		tracer:        noop.NewTracerProvider().Tracer(""),
		maxIterations: DefaultMaxIterations,
		maxTokens:     DefaultMaxTokens,
	}
}

// WithSystemPrompt sets the system prompt sent on every model request.
func (r *Runner) WithSystemPrompt(prompt string) *Runner {
	r.systemPrompt = prompt
	return r
}

// WithMaxIterations sets the loop ceiling. Values below one are ignored.
func (r *Runner) WithMaxIterations(n int) *Runner {
	if n >= 1 {
		r.maxIterations = n
	}
	return r
}

// WithMaxTokens sets the per-request output token limit.
func (r *Runner) WithMaxTokens(n int) *Runner {
	if n >= 1 {
		r.maxTokens = n
	}
	return r
}

// WithThinkingBudget enables extended thinking with the given token budget.
func (r *Runner) WithThinkingBudget(n int) *Runner {
	r.thinkingBudget = n
	return r
}

// WithMetrics attaches a metrics collector.
func (r *Runner) WithMetrics(mc *observability.MetricsCollector) *Runner {
	r.metrics = mc
	return r
}

// WithTracer attaches an OpenTelemetry tracer.
func (r *Runner) WithTracer(t trace.Tracer) *Runner {
	if t != nil {
		r.tracer = t
	}
	return r
}

// RunInput carries the context for one turn.
type RunInput struct {
	ConversationID string
	MessageID      string
	SandboxID      string // remembered identifier, may be stale or empty

	// History is the full conversation so far, ending with the user message
	// that triggered this turn. RunTurn does not mutate it.
	History []llm.Message

	// MaxIterations overrides the runner's ceiling for this turn when > 0.
	MaxIterations int
}

// TurnResult is the outcome of one turn. On a fatal transport error the
// result is still returned, partially populated, alongside the error.
type TurnResult struct {
	// Content is the model's final text answer.
	Content string

	// Messages are the messages generated during the turn in order:
	// assistant responses and tool-result messages, ending with the final
	// assistant message. Appending them to History yields the next turn's
	// starting conversation.
	Messages []llm.Message

	Usage     llm.Usage
	ToolCalls []*tools.Result

	// SandboxID is the identifier that was live when the turn ended. Callers
	// persist it as the conversation's remembered sandbox.
	SandboxID string

	Iterations           int
	MaxIterationsReached bool
	TerminationReason    string
}

// RunTurn executes one bounded tool loop. Tool failures are folded into the
// conversation and never abort the turn; only model transport failures do,
// and then the partial result is returned with the error.
func (r *Runner) RunTurn(ctx context.Context, in RunInput) (*TurnResult, error) {
	ctx, span := r.tracer.Start(ctx, "agent.run_turn", trace.WithAttributes(
		attribute.String("conversation.id", in.ConversationID),
	))
	defer span.End()

	maxIterations := r.maxIterations
	if in.MaxIterations > 0 {
		maxIterations = in.MaxIterations
	}

	result := &TurnResult{SandboxID: in.SandboxID}
	messages := slices.Clone(in.History)

	for iteration := 0; ; iteration++ {
		if iteration >= maxIterations {
			result.MaxIterationsReached = true
			result.TerminationReason = TerminationMaxIterationsReached
			r.logger.WarnContext(ctx, "turn hit iteration ceiling",
				slog.String("conversation_id", in.ConversationID),
				slog.Int("max_iterations", maxIterations),
			)
			break
		}
		result.Iterations = iteration + 1

		resp, err := r.provider.SendMessage(ctx, &llm.Request{
			SystemPrompt:   r.systemPrompt,
			Messages:       messages,
			MaxTokens:      r.maxTokens,
			Tools:          r.dispatcher.Definitions(),
			ThinkingBudget: r.thinkingBudget,
		})
		if err != nil {
			result.TerminationReason = TerminationFatalError
			r.recordTurn(result)
			r.logger.ErrorContext(ctx, "model request failed",
				slog.String("conversation_id", in.ConversationID),
				slog.Int("iteration", iteration),
				slog.String("error", err.Error()),
			)
			return result, err
		}
		result.Usage.Add(resp.Usage)
		// Content always carries the latest response text, so a turn cut off
		// at the iteration ceiling still reports what the model last said.
		result.Content = resp.Content

		r.logThinking(ctx, in, resp, iteration)

		if !resp.HasToolUse() {
			result.Messages = append(result.Messages, llm.Message{
				Role:          llm.RoleAssistant,
				ContentBlocks: resp.ContentBlocks,
			})
			result.TerminationReason = TerminationToolUseExhausted
			break
		}

		assistant := llm.Message{Role: llm.RoleAssistant, ContentBlocks: resp.ContentBlocks}
		messages = append(messages, assistant)
		result.Messages = append(result.Messages, assistant)

		// Dispatch strictly in the order the model emitted the tool_use
		// blocks. A fresh sandbox id from any dispatch threads into the next.
		var resultBlocks []llm.ContentBlock
		for _, block := range resp.ToolUseBlocks() {
			res := r.dispatcher.Dispatch(ctx, tools.Request{
				ConversationID: in.ConversationID,
				SandboxID:      result.SandboxID,
				MessageID:      in.MessageID,
				Iteration:      iteration,
				Tool:           block.Name,
				Input:          block.Input,
			})
			if res.SandboxID != "" {
				result.SandboxID = res.SandboxID
			}
			result.ToolCalls = append(result.ToolCalls, res)
			resultBlocks = append(resultBlocks, llm.ToolResultBlock(block.ID, res.ModelContent(), res.IsError()))
		}

		toolMsg := llm.Message{Role: llm.RoleUser, ContentBlocks: resultBlocks}
		messages = append(messages, toolMsg)
		result.Messages = append(result.Messages, toolMsg)
	}

	r.recordTurn(result)
	span.SetAttributes(
		attribute.Int("agent.iterations", result.Iterations),
		attribute.String("agent.termination_reason", result.TerminationReason),
		attribute.Int("agent.tool_calls", len(result.ToolCalls)),
	)
	r.logger.InfoContext(ctx, "turn completed",
		slog.String("conversation_id", in.ConversationID),
		slog.Int("iterations", result.Iterations),
		slog.Int("tool_calls", len(result.ToolCalls)),
		slog.String("termination_reason", result.TerminationReason),
		slog.Int("input_tokens", result.Usage.InputTokens),
		slog.Int("output_tokens", result.Usage.OutputTokens),
	)
	return result, nil
}

// logThinking persists and logs the reasoning traces of one response.
func (r *Runner) logThinking(ctx context.Context, in RunInput, resp *llm.Response, iteration int) {
	for _, block := range resp.ThinkingBlocks() {
		r.logger.DebugContext(ctx, "model thinking",
			slog.String("conversation_id", in.ConversationID),
			slog.Int("iteration", iteration),
			slog.Int("length", len(block.Thinking)),
		)
		if r.recorder == nil {
			continue
		}
		if err := r.recorder.LogThinking(ctx, in.ConversationID, block.Thinking, block.Signature, in.MessageID, iteration); err != nil {
			r.logger.ErrorContext(ctx, "failed to log thinking",
				slog.String("conversation_id", in.ConversationID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (r *Runner) recordTurn(result *TurnResult) {
	if r.metrics == nil {
		return
	}
	r.metrics.AgentTurnsTotal.WithLabelValues(result.TerminationReason).Inc()
	r.metrics.AgentIterations.Observe(float64(result.Iterations))
}
