// Package agent runs the tool-call orchestration loop: stream a
// completion, dispatch any tool calls, feed results back, repeat
// until the model answers without tools.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sibylgw/sibyl/internal/events"
	"github.com/sibylgw/sibyl/internal/llm"
	"github.com/sibylgw/sibyl/internal/tools"
)

// interactiveMaxIterations bounds the chat-driven path. It exists to
// stop a looping model, not to ration normal conversations.
const interactiveMaxIterations = 50

// DefaultScheduledMaxIterations caps autonomous runs, which have no
// human watching to interrupt a runaway loop.
const DefaultScheduledMaxIterations = 10

// Result is the outcome of one completed loop.
type Result struct {
	// Content is the user-visible answer, reasoning spans removed.
	Content string

	// Reasoning is the extracted inline reasoning content, if any.
	Reasoning string

	// History is the full message list including every assistant and
	// tool message appended during the loop.
	History []llm.Message

	Iterations int
	Usage      llm.Usage
}

// Config configures a Runner.
type Config struct {
	Client   llm.Client
	Registry *tools.Registry
	Model    string

	// ScheduledMaxIterations caps the autonomous path. Zero means
	// DefaultScheduledMaxIterations.
	ScheduledMaxIterations int

	Logger *slog.Logger
	Bus    *events.Bus
}

// Runner executes orchestration loops. One Runner serves all agents;
// concurrent interactive conversations run independently, while
// scheduled runs are single-flight per agent.
type Runner struct {
	client       llm.Client
	registry     *tools.Registry
	model        string
	scheduledCap int
	logger       *slog.Logger
	bus          *events.Bus

	mu      sync.Mutex
	running map[string]bool
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) *Runner {
	if cfg.ScheduledMaxIterations <= 0 {
		cfg.ScheduledMaxIterations = DefaultScheduledMaxIterations
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		client:       cfg.Client,
		registry:     cfg.Registry,
		model:        cfg.Model,
		scheduledCap: cfg.ScheduledMaxIterations,
		logger:       cfg.Logger.With("component", "agent"),
		bus:          cfg.Bus,
		running:      make(map[string]bool),
	}
}

// Run executes the loop for an interactive conversation. history
// must already contain the system prompt, prior turns, and the
// latest user message. If onDelta is non-nil it receives every
// streamed delta.
func (r *Runner) Run(ctx context.Context, agentID string, history []llm.Message, onDelta llm.StreamCallback) (*Result, error) {
	return r.run(ctx, agentID, history, onDelta, interactiveMaxIterations)
}

// RunScheduled executes the loop for an autonomous trigger. If a
// scheduled run is already in progress for agentID the trigger is
// skipped outright (not queued) and ran is false.
func (r *Runner) RunScheduled(ctx context.Context, agentID string, history []llm.Message) (res *Result, ran bool, err error) {
	r.mu.Lock()
	if r.running[agentID] {
		r.mu.Unlock()
		r.logger.Info("scheduled run skipped, previous run still in progress", "agent", agentID)
		r.bus.Emit(events.SourceAgent, events.KindTaskSkipped, map[string]any{"agent": agentID})
		return nil, false, nil
	}
	r.running[agentID] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, agentID)
		r.mu.Unlock()
	}()

	res, err = r.run(ctx, agentID, history, nil, r.scheduledCap)
	return res, true, err
}

func (r *Runner) run(ctx context.Context, agentID string, history []llm.Message, onDelta llm.StreamCallback, maxIterations int) (*Result, error) {
	// The loop owns its own copy; callers keep theirs unchanged.
	hist := make([]llm.Message, len(history), len(history)+8)
	copy(hist, history)

	ctx = tools.WithAgentID(ctx, agentID)
	r.bus.Emit(events.SourceAgent, events.KindRunStart, map[string]any{"agent": agentID})

	var res Result
	for iteration := 1; iteration <= maxIterations; iteration++ {
		res.Iterations = iteration
		r.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
			"agent":     agentID,
			"iteration": iteration,
		})

		resp, err := r.client.ChatStream(ctx, r.model, hist, r.registry.List(), onDelta)
		if err != nil {
			// Transport and upstream failures make the whole turn
			// meaningless; the caller presents them.
			return nil, err
		}
		res.Usage.PromptTokens += resp.Usage.PromptTokens
		res.Usage.CompletionTokens += resp.Usage.CompletionTokens
		res.Usage.TotalTokens += resp.Usage.TotalTokens
		r.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
			"agent":      agentID,
			"tool_calls": len(resp.Message.ToolCalls),
		})

		msg := resp.Message
		if len(msg.ToolCalls) == 0 {
			// Terminal turn.
			hist = append(hist, msg)
			res.Content, res.Reasoning = ExtractReasoning(msg.Content)
			res.History = hist
			r.bus.Emit(events.SourceAgent, events.KindRunComplete, map[string]any{
				"agent":      agentID,
				"iterations": iteration,
			})
			return &res, nil
		}

		hist = append(hist, msg)
		for _, tc := range msg.ToolCalls {
			hist = append(hist, llm.Message{
				Role:       "tool",
				ToolCallID: tc.ID,
				Name:       tc.Function.Name,
				Content:    r.dispatch(ctx, agentID, tc),
			})
		}
	}

	r.logger.Warn("loop hit iteration cap", "agent", agentID, "cap", maxIterations)
	res.History = hist
	res.Content = fmt.Sprintf("Stopped after %d tool-call iterations without a final answer.", maxIterations)
	r.bus.Emit(events.SourceAgent, events.KindRunComplete, map[string]any{
		"agent":      agentID,
		"iterations": maxIterations,
		"capped":     true,
	})
	return &res, nil
}

// dispatch runs one tool call and always produces a result string.
// Every failure mode (unparseable arguments, unknown tool, handler
// error) is contained here so one bad call never aborts the batch
// or the loop.
func (r *Runner) dispatch(ctx context.Context, agentID string, tc llm.ToolCall) string {
	name := tc.Function.Name
	argsJSON := tc.Function.Arguments

	if argsJSON != "" && !json.Valid([]byte(argsJSON)) {
		r.logger.Warn("tool arguments are not valid JSON, dispatching with empty args",
			"agent", agentID, "tool", name, "arguments", argsJSON)
		argsJSON = "{}"
	}

	r.logger.Debug("dispatching tool call", "agent", agentID, "tool", name, "id", tc.ID)
	r.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"agent": agentID,
		"tool":  name,
	})

	out, err := r.registry.Execute(ctx, name, argsJSON)
	if err != nil {
		r.logger.Warn("tool call failed", "agent", agentID, "tool", name, "error", err)
		out = errorResult(err)
	}
	r.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"agent": agentID,
		"tool":  name,
		"ok":    err == nil,
	})
	return out
}

// errorResult shapes a failure as the {"error": ...} payload fed
// back to the model.
func errorResult(err error) string {
	encoded, merr := json.Marshal(map[string]string{"error": err.Error()})
	if merr != nil {
		return `{"error":"tool execution failed"}`
	}
	return string(encoded)
}
