package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://localhost:8000", "http://localhost:8000/v1"},
		{"http://localhost:8000/", "http://localhost:8000/v1"},
		{"http://localhost:8000/v1", "http://localhost:8000/v1"},
		{"http://localhost:8000/v1/", "http://localhost:8000/v1"},
		{"https://api.example.com/openai/v1", "https://api.example.com/openai/v1"},
	}
	for _, tt := range tests {
		if got := NormalizeBaseURL(tt.in); got != tt.want {
			t.Errorf("NormalizeBaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAccumulatorText(t *testing.T) {
	acc := NewAccumulator()
	for _, piece := range []string{"Hel", "lo", ", wor", "ld"} {
		acc.Add(Delta{Content: piece})
	}
	msg := acc.Message()
	if msg.Role != "assistant" {
		t.Errorf("role = %q, want assistant", msg.Role)
	}
	if msg.Content != "Hello, world" {
		t.Errorf("content = %q", msg.Content)
	}
	if acc.HasToolCalls() {
		t.Error("HasToolCalls() = true for text-only stream")
	}
}

func TestAccumulatorFragments(t *testing.T) {
	frag := func(index int, id, name, args string) Delta {
		var f ToolCallFragment
		f.Index = index
		f.ID = id
		f.Function.Name = name
		f.Function.Arguments = args
		return Delta{ToolCalls: []ToolCallFragment{f}}
	}

	acc := NewAccumulator()
	acc.Add(frag(0, "call_a", "get_weather", ""))
	// Interleave one-char argument fragments across two calls.
	acc.Add(frag(1, "call_b", "memory_search", ""))
	args0 := `{"city":"Oslo"}`
	args1 := `{"query":"deploy"}`
	for i := 0; i < len(args0) || i < len(args1); i++ {
		if i < len(args0) {
			acc.Add(frag(0, "", "", string(args0[i])))
		}
		if i < len(args1) {
			acc.Add(frag(1, "", "", string(args1[i])))
		}
	}

	msg := acc.Message()
	if len(msg.ToolCalls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(msg.ToolCalls))
	}
	if msg.ToolCalls[0].ID != "call_a" || msg.ToolCalls[0].Function.Name != "get_weather" {
		t.Errorf("call 0 = %+v", msg.ToolCalls[0])
	}
	if msg.ToolCalls[0].Function.Arguments != args0 {
		t.Errorf("call 0 arguments = %q, want %q", msg.ToolCalls[0].Function.Arguments, args0)
	}
	if msg.ToolCalls[1].Function.Arguments != args1 {
		t.Errorf("call 1 arguments = %q, want %q", msg.ToolCalls[1].Function.Arguments, args1)
	}
	if msg.ToolCalls[0].Type != "function" {
		t.Errorf("type = %q, want function", msg.ToolCalls[0].Type)
	}
}

func TestAccumulatorSparseIndices(t *testing.T) {
	acc := NewAccumulator()
	var f2, f0 ToolCallFragment
	f2.Index = 2
	f2.ID = "call_late"
	f2.Function.Name = "second"
	f0.Index = 0
	f0.ID = "call_early"
	f0.Function.Name = "first"
	acc.Add(Delta{ToolCalls: []ToolCallFragment{f2}})
	acc.Add(Delta{ToolCalls: []ToolCallFragment{f0}})

	msg := acc.Message()
	if len(msg.ToolCalls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(msg.ToolCalls))
	}
	if msg.ToolCalls[0].ID != "call_early" || msg.ToolCalls[1].ID != "call_late" {
		t.Errorf("ordering wrong: %+v", msg.ToolCalls)
	}
}

func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
		}
	}))
}

func TestChatStreamText(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"model":"test-model","choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":2,"total_tokens":14}}`,
		`data: [DONE]`,
	})
	defer srv.Close()

	client := NewOpenAIClient(srv.URL, "", 5*time.Second, testLogger())
	var streamed strings.Builder
	resp, err := client.ChatStream(context.Background(), "test-model", []Message{{Role: "user", Content: "hi"}}, nil, func(d Delta) {
		streamed.WriteString(d.Content)
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Message.Content != "Hello" {
		t.Errorf("content = %q, want Hello", resp.Message.Content)
	}
	if streamed.String() != "Hello" {
		t.Errorf("streamed = %q, want Hello", streamed.String())
	}
	if resp.Usage.TotalTokens != 14 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.Model != "test-model" {
		t.Errorf("model = %q", resp.Model)
	}
}

func TestChatStreamToolCallFragments(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":""}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"k\":"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"v\"}"}}]}}]}`,
		`data: [DONE]`,
	})
	defer srv.Close()

	client := NewOpenAIClient(srv.URL, "", 5*time.Second, testLogger())
	resp, err := client.ChatStream(context.Background(), "m", nil, nil, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "lookup" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Function.Arguments != `{"k":"v"}` {
		t.Errorf("arguments = %q", tc.Function.Arguments)
	}
}

func TestChatStreamSkipsMalformedEvents(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"ok"}}]}`,
		`data: {not json at all`,
		`: comment line`,
		`data: {"choices":[{"delta":{"content":"!"}}]}`,
		`data: [DONE]`,
	})
	defer srv.Close()

	client := NewOpenAIClient(srv.URL, "", 5*time.Second, testLogger())
	resp, err := client.ChatStream(context.Background(), "m", nil, nil, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Message.Content != "ok!" {
		t.Errorf("content = %q, want ok!", resp.Message.Content)
	}
}

func TestChatStreamSkipsOversizedEvents(t *testing.T) {
	huge := "data: " + strings.Repeat("x", 2*1024*1024)
	srv := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"before"}}]}`,
		huge,
		`data: {"choices":[{"delta":{"content":" after"}}]}`,
		`data: [DONE]`,
	})
	defer srv.Close()

	client := NewOpenAIClient(srv.URL, "", 10*time.Second, testLogger())
	resp, err := client.ChatStream(context.Background(), "m", nil, nil, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Message.Content != "before after" {
		t.Errorf("content = %q, want %q", resp.Message.Content, "before after")
	}
}

func TestChatStreamUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.URL, "", 5*time.Second, testLogger())
	_, err := client.ChatStream(context.Background(), "missing", nil, nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", apiErr.StatusCode)
	}
	if !strings.Contains(apiErr.Error(), "model not found") {
		t.Errorf("error message %q should carry the body", apiErr.Error())
	}
}

func TestChatStreamConnectionRefused(t *testing.T) {
	// Grab a port that nothing listens on.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	client := NewOpenAIClient(addr, "", 2*time.Second, testLogger())
	_, err := client.ChatStream(context.Background(), "m", nil, nil, nil)
	if err == nil {
		t.Fatal("expected error for refused connection")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error %q should mention connection refused", err)
	}
}

func TestChatStreamSendsAuthAndTools(t *testing.T) {
	var gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.URL, "secret", 5*time.Second, testLogger())
	tools := []map[string]any{{"type": "function", "function": map[string]any{"name": "t"}}}
	if _, err := client.ChatStream(context.Background(), "m", nil, tools, nil); err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header = %q", gotAuth)
	}
	body := string(gotBody)
	if !strings.Contains(body, `"tool_choice":"auto"`) {
		t.Errorf("body missing tool_choice: %s", body)
	}
	if !strings.Contains(body, `"stream":true`) {
		t.Errorf("body missing stream flag: %s", body)
	}
}
