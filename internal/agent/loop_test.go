package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sibylgw/sibyl/internal/llm"
	"github.com/sibylgw/sibyl/internal/tools"
)

// scriptedClient returns canned responses in order and records the
// history passed to each call. After the script runs out it keeps
// returning the final response.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	err       error
	histories [][]llm.Message
}

func (c *scriptedClient) ChatStream(_ context.Context, _ string, messages []llm.Message, _ []map[string]any, _ llm.StreamCallback) (*llm.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make([]llm.Message, len(messages))
	copy(snapshot, messages)
	c.histories = append(c.histories, snapshot)
	if c.err != nil {
		return nil, c.err
	}
	i := len(c.histories) - 1
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	return c.responses[i], nil
}

func (c *scriptedClient) Ping(context.Context) error { return nil }

func assistantWithCalls(content string, calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message: llm.Message{Role: "assistant", Content: content, ToolCalls: calls},
	}
}

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: content}}
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{
		ID:   id,
		Type: "function",
		Function: llm.FunctionCall{
			Name:      name,
			Arguments: args,
		},
	}
}

func testRunner(t *testing.T, client llm.Client, reg *tools.Registry) *Runner {
	t.Helper()
	return NewRunner(Config{
		Client:   client,
		Registry: reg,
		Model:    "test-model",
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestNoToolCallsTerminatesAfterOneCall(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		textResponse("<think>the user greeted me</think>Hello there!"),
	}}
	r := testRunner(t, client, tools.NewRegistry())

	res, err := r.Run(context.Background(), "a1", []llm.Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(client.histories) != 1 {
		t.Errorf("completion called %d times, want 1", len(client.histories))
	}
	if res.Content != "Hello there!" {
		t.Errorf("content = %q", res.Content)
	}
	if res.Reasoning != "the user greeted me" {
		t.Errorf("reasoning = %q", res.Reasoning)
	}
	if res.Iterations != 1 {
		t.Errorf("iterations = %d", res.Iterations)
	}
}

func TestMessageOrderInvariant(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		assistantWithCalls("",
			call("c1", "first", `{}`),
			call("c2", "second", `{}`),
		),
		textResponse("done"),
	}}
	reg := tools.NewRegistry()
	for _, name := range []string{"first", "second"} {
		name := name
		reg.Register(&tools.Tool{
			Name: name,
			Handler: func(context.Context, map[string]any) (string, error) {
				return "result of " + name, nil
			},
		})
	}
	r := testRunner(t, client, reg)

	res, err := r.Run(context.Background(), "a1", []llm.Message{{Role: "user", Content: "go"}}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// history: user, assistant(tool_calls), tool, tool, assistant
	if len(res.History) != 5 {
		t.Fatalf("history length = %d, want 5", len(res.History))
	}
	assistant := res.History[1]
	if len(assistant.ToolCalls) != 2 {
		t.Fatalf("assistant carries %d tool calls", len(assistant.ToolCalls))
	}
	for i, tc := range assistant.ToolCalls {
		toolMsg := res.History[2+i]
		if toolMsg.Role != "tool" {
			t.Errorf("message %d role = %q", 2+i, toolMsg.Role)
		}
		if toolMsg.ToolCallID != tc.ID {
			t.Errorf("tool message %d id = %q, want %q", i, toolMsg.ToolCallID, tc.ID)
		}
		if toolMsg.Name != tc.Function.Name {
			t.Errorf("tool message %d name = %q, want %q", i, toolMsg.Name, tc.Function.Name)
		}
	}
	if res.History[2].Content != "result of first" || res.History[3].Content != "result of second" {
		t.Errorf("tool results out of order: %q, %q", res.History[2].Content, res.History[3].Content)
	}
}

func TestBadToolCallDoesNotAbortBatch(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		assistantWithCalls("",
			call("c1", "ok_a", `{}`),
			call("c2", "boom", `{}`),
			call("c3", "ok_b", `{}`),
		),
		textResponse("recovered"),
	}}
	reg := tools.NewRegistry()
	reg.Register(&tools.Tool{Name: "ok_a", Handler: func(context.Context, map[string]any) (string, error) { return "a", nil }})
	reg.Register(&tools.Tool{Name: "boom", Handler: func(context.Context, map[string]any) (string, error) {
		return "", fmt.Errorf("handler exploded")
	}})
	reg.Register(&tools.Tool{Name: "ok_b", Handler: func(context.Context, map[string]any) (string, error) { return "b", nil }})
	r := testRunner(t, client, reg)

	res, err := r.Run(context.Background(), "a1", []llm.Message{{Role: "user", Content: "go"}}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Content != "recovered" {
		t.Errorf("content = %q", res.Content)
	}

	// All three calls produced tool messages, the failing one shaped
	// as an error payload.
	var toolMsgs []llm.Message
	for _, m := range res.History {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 3 {
		t.Fatalf("got %d tool messages, want 3", len(toolMsgs))
	}
	var shaped map[string]string
	if err := json.Unmarshal([]byte(toolMsgs[1].Content), &shaped); err != nil {
		t.Fatalf("middle result is not JSON: %q", toolMsgs[1].Content)
	}
	if !strings.Contains(shaped["error"], "handler exploded") {
		t.Errorf("error result = %v", shaped)
	}
	if len(client.histories) != 2 {
		t.Errorf("completion called %d times, want 2", len(client.histories))
	}
}

func TestUnknownToolBecomesErrorResult(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		assistantWithCalls("", call("c1", "no_such_tool", `{}`)),
		textResponse("moved on"),
	}}
	r := testRunner(t, client, tools.NewRegistry())

	res, err := r.Run(context.Background(), "a1", nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(res.History[1].Content, "error") {
		t.Errorf("tool message = %q", res.History[1].Content)
	}
	if res.Content != "moved on" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestInvalidArgumentsDispatchWithEmpty(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		assistantWithCalls("", call("c1", "inspect", `{broken json`)),
		textResponse("done"),
	}}
	var gotArgs map[string]any
	gotArgs = map[string]any{"sentinel": true}
	reg := tools.NewRegistry()
	reg.Register(&tools.Tool{Name: "inspect", Handler: func(_ context.Context, args map[string]any) (string, error) {
		gotArgs = args
		return "ok", nil
	}})
	r := testRunner(t, client, reg)

	if _, err := r.Run(context.Background(), "a1", nil, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(gotArgs) != 0 {
		t.Errorf("handler received args %v, want empty", gotArgs)
	}
}

func TestCompletionErrorPropagates(t *testing.T) {
	wantErr := errors.New("connection refused by upstream")
	client := &scriptedClient{err: wantErr}
	r := testRunner(t, client, tools.NewRegistry())

	_, err := r.Run(context.Background(), "a1", nil, nil)
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestToolContextCarriesAgentID(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		assistantWithCalls("", call("c1", "whoami", `{}`)),
		textResponse("done"),
	}}
	var seenAgent string
	reg := tools.NewRegistry()
	reg.Register(&tools.Tool{Name: "whoami", Handler: func(ctx context.Context, _ map[string]any) (string, error) {
		seenAgent = tools.AgentIDFromContext(ctx)
		return "ok", nil
	}})
	r := testRunner(t, client, reg)

	if _, err := r.Run(context.Background(), "ops-agent", nil, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if seenAgent != "ops-agent" {
		t.Errorf("agent id in tool context = %q", seenAgent)
	}
}

func TestScheduledSingleFlight(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	client := &scriptedClient{responses: []*llm.ChatResponse{
		assistantWithCalls("", call("c1", "slow", `{}`)),
		textResponse("done"),
	}}
	reg := tools.NewRegistry()
	reg.Register(&tools.Tool{Name: "slow", Handler: func(context.Context, map[string]any) (string, error) {
		close(started)
		<-gate
		return "ok", nil
	}})
	r := testRunner(t, client, reg)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, ran, err := r.RunScheduled(context.Background(), "a1", nil); err != nil || !ran {
			t.Errorf("first run: ran=%v err=%v", ran, err)
		}
	}()
	<-started

	// Second trigger while the first is in flight: skipped, not
	// queued.
	res, ran, err := r.RunScheduled(context.Background(), "a1", nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if ran || res != nil {
		t.Errorf("second run executed (ran=%v res=%v)", ran, res)
	}

	// A different agent is not blocked.
	otherClient := &scriptedClient{responses: []*llm.ChatResponse{textResponse("other")}}
	other := testRunner(t, otherClient, tools.NewRegistry())
	if _, ran, err := other.RunScheduled(context.Background(), "a2", nil); err != nil || !ran {
		t.Errorf("other agent: ran=%v err=%v", ran, err)
	}

	close(gate)
	wg.Wait()

	// After the first run completes, scheduled runs work again.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, ran, err := r.RunScheduled(context.Background(), "a1", nil); err != nil || !ran {
			t.Errorf("post-completion run: ran=%v err=%v", ran, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("post-completion run never finished")
	}
}

func TestScheduledIterationCap(t *testing.T) {
	// A model that always asks for another tool call.
	client := &scriptedClient{responses: []*llm.ChatResponse{
		assistantWithCalls("", call("c1", "again", `{}`)),
	}}
	reg := tools.NewRegistry()
	reg.Register(&tools.Tool{Name: "again", Handler: func(context.Context, map[string]any) (string, error) {
		return "ok", nil
	}})
	r := NewRunner(Config{
		Client:                 client,
		Registry:               reg,
		Model:                  "m",
		ScheduledMaxIterations: 3,
		Logger:                 slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	res, ran, err := r.RunScheduled(context.Background(), "a1", nil)
	if err != nil || !ran {
		t.Fatalf("ran=%v err=%v", ran, err)
	}
	if res.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", res.Iterations)
	}
	if len(client.histories) != 3 {
		t.Errorf("completion called %d times, want 3", len(client.histories))
	}
}

func TestExtractReasoning(t *testing.T) {
	tests := []struct {
		name          string
		in            string
		wantVisible   string
		wantReasoning string
	}{
		{
			name:        "no delimiters",
			in:          "  plain answer  ",
			wantVisible: "plain answer",
		},
		{
			name:          "closed span",
			in:            "<think>working it out</think>The answer is 4.",
			wantVisible:   "The answer is 4.",
			wantReasoning: "working it out",
		},
		{
			name:          "unclosed span",
			in:            "Partial answer <think>and then the stream died",
			wantVisible:   "Partial answer",
			wantReasoning: "and then the stream died",
		},
		{
			name:          "span mid-text",
			in:            "Before. <think>hmm</think>After.",
			wantVisible:   "Before. After.",
			wantReasoning: "hmm",
		},
		{
			name:          "only reasoning",
			in:            "<think>nothing but thought</think>",
			wantVisible:   "",
			wantReasoning: "nothing but thought",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			visible, reasoning := ExtractReasoning(tt.in)
			if visible != tt.wantVisible {
				t.Errorf("visible = %q, want %q", visible, tt.wantVisible)
			}
			if reasoning != tt.wantReasoning {
				t.Errorf("reasoning = %q, want %q", reasoning, tt.wantReasoning)
			}
		})
	}
}

func TestStreamFilterSuppressesThinkSpans(t *testing.T) {
	tests := []struct {
		name   string
		deltas []string
		want   string
	}{
		{
			name:   "plain text passes through",
			deltas: []string{"The answer ", "is 4."},
			want:   "The answer is 4.",
		},
		{
			name:   "closed span in one delta",
			deltas: []string{"<think>hmm</think>Answer."},
			want:   "Answer.",
		},
		{
			name:   "opening tag split across deltas",
			deltas: []string{"Before. <th", "ink>secret</think>After."},
			want:   "Before. After.",
		},
		{
			name:   "closing tag split across deltas",
			deltas: []string{"<think>secret</th", "ink>", "Visible."},
			want:   "Visible.",
		},
		{
			name:   "whitespace after span is dropped",
			deltas: []string{"<think>hmm</think>", "\n\n", "Answer."},
			want:   "Answer.",
		},
		{
			name:   "unclosed span swallows the tail",
			deltas: []string{"Partial answer ", "<think>and then the stream died"},
			want:   "Partial answer ",
		},
		{
			name:   "false delimiter prefix is released",
			deltas: []string{"a < b <t"},
			want:   "a < b <t",
		},
		{
			name:   "multiple spans",
			deltas: []string{"<think>one</think>A", "<think>two</think>B"},
			want:   "AB",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f StreamFilter
			var out strings.Builder
			for _, d := range tt.deltas {
				out.WriteString(f.Feed(d))
			}
			out.WriteString(f.Flush())
			if out.String() != tt.want {
				t.Errorf("filtered = %q, want %q", out.String(), tt.want)
			}
		})
	}
}
