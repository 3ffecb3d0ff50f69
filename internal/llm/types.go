// Package llm provides the streaming chat completion client.
package llm

import (
	"sort"
)

// Message represents a chat message in OpenAI wire format.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on role "tool" messages
	Name       string     `json:"name,omitempty"`          // tool name on role "tool" messages
}

// ToolCall is a completed tool invocation as it appears in an
// assistant message. Arguments is the raw JSON string exactly as
// the model produced it.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its serialized arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallFragment is a partial tool call from a streaming delta.
// Index correlates fragments belonging to the same call; the first
// fragment for an index carries ID and Name, later fragments append
// to Arguments.
type ToolCallFragment struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

// Delta is the incremental payload of one streaming chunk.
type Delta struct {
	Content   string             `json:"content,omitempty"`
	ToolCalls []ToolCallFragment `json:"tool_calls,omitempty"`
}

// Usage reports token consumption for a completed request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the assembled result of a completed stream.
type ChatResponse struct {
	Model   string
	Message Message
	Usage   Usage
}

// StreamCallback receives each delta as it arrives. It is invoked
// from the read loop, so it must not block.
type StreamCallback func(d Delta)

// Accumulator assembles streamed deltas into a final assistant
// message. Tool-call fragments are keyed by index so sparse or
// out-of-order indices assemble correctly.
type Accumulator struct {
	content string
	calls   map[int]*ToolCall
	order   []int
}

// NewAccumulator returns an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{calls: make(map[int]*ToolCall)}
}

// Add folds one delta into the accumulated state.
func (a *Accumulator) Add(d Delta) {
	a.content += d.Content
	for _, frag := range d.ToolCalls {
		tc, ok := a.calls[frag.Index]
		if !ok {
			tc = &ToolCall{Type: "function"}
			a.calls[frag.Index] = tc
			a.order = append(a.order, frag.Index)
		}
		if frag.ID != "" {
			tc.ID = frag.ID
		}
		if frag.Function.Name != "" {
			tc.Function.Name = frag.Function.Name
		}
		tc.Function.Arguments += frag.Function.Arguments
	}
}

// Message returns the assembled assistant message. Tool calls are
// ordered by fragment index.
func (a *Accumulator) Message() Message {
	msg := Message{Role: "assistant", Content: a.content}
	if len(a.order) == 0 {
		return msg
	}
	idxs := make([]int, len(a.order))
	copy(idxs, a.order)
	sort.Ints(idxs)
	for _, i := range idxs {
		msg.ToolCalls = append(msg.ToolCalls, *a.calls[i])
	}
	return msg
}

// HasToolCalls reports whether any tool-call fragments were seen.
func (a *Accumulator) HasToolCalls() bool {
	return len(a.calls) > 0
}
