package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func echoTool(name, origin string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echoes its input",
		Origin:      origin,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			return "echo: " + text, nil
		},
	}
}

func TestRegisterAndExecute(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("echo", ""))

	out, err := r.Execute(context.Background(), "echo", `{"text":"hi"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "echo: hi" {
		t.Errorf("got %q", out)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "nope", "{}")
	var unavail *ErrToolUnavailable
	if !errors.As(err, &unavail) {
		t.Fatalf("err = %v, want *ErrToolUnavailable", err)
	}
	if unavail.ToolName != "nope" {
		t.Errorf("ToolName = %q", unavail.ToolName)
	}
}

func TestExecuteInvalidArguments(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("echo", ""))
	if _, err := r.Execute(context.Background(), "echo", `{not json`); err == nil {
		t.Error("expected error for malformed arguments")
	}
}

func TestExecuteEmptyArguments(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("echo", ""))
	if _, err := r.Execute(context.Background(), "echo", ""); err != nil {
		t.Errorf("empty arguments should be accepted: %v", err)
	}
}

func TestUnregisterOrigin(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("a", "peer-1"))
	r.Register(echoTool("b", "peer-1"))
	r.Register(echoTool("c", "peer-2"))
	r.Register(echoTool("d", ""))

	removed := r.UnregisterOrigin("peer-1")
	if len(removed) != 2 || removed[0] != "a" || removed[1] != "b" {
		t.Errorf("removed = %v", removed)
	}
	if r.Get("c") == nil || r.Get("d") == nil {
		t.Error("tools from other origins were removed")
	}
	if r.Get("a") != nil {
		t.Error("tool a still present")
	}

	// Removing again is a no-op.
	if removed := r.UnregisterOrigin("peer-1"); len(removed) != 0 {
		t.Errorf("second removal returned %v", removed)
	}
}

func TestListOrderedAndShaped(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("zeta", ""))
	r.Register(echoTool("alpha", ""))
	r.Register(&Tool{
		Name:    "bare",
		Handler: func(ctx context.Context, args map[string]any) (string, error) { return "", nil },
	})

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("got %d tools", len(list))
	}
	var names []string
	for _, entry := range list {
		if entry["type"] != "function" {
			t.Errorf("type = %v", entry["type"])
		}
		fn := entry["function"].(map[string]any)
		names = append(names, fn["name"].(string))
		if fn["parameters"] == nil {
			t.Errorf("tool %v has nil parameters", fn["name"])
		}
	}
	want := []string{"alpha", "bare", "zeta"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Errorf("names = %v, want %v", names, want)
	}
}

func TestAgentIDContext(t *testing.T) {
	if got := AgentIDFromContext(context.Background()); got != "default" {
		t.Errorf("unset agent ID = %q, want default", got)
	}
	ctx := WithAgentID(context.Background(), "ops")
	if got := AgentIDFromContext(ctx); got != "ops" {
		t.Errorf("agent ID = %q, want ops", got)
	}
}
