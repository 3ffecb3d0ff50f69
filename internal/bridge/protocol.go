// Package bridge exposes local tool slots backed by remote peers
// over a persistent websocket channel.
package bridge

import "encoding/json"

// Message types on the bridge channel.
const (
	// TypeRegisterTools (peer to gateway) announces the peer's tools.
	TypeRegisterTools = "register_tools"

	// TypeCallTool (gateway to peer) asks the peer to run a tool.
	TypeCallTool = "call_tool"

	// TypeToolResult (peer to gateway) answers a call_tool by id.
	TypeToolResult = "tool_result"
)

// ToolDecl is a peer-announced tool declaration.
type ToolDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Envelope is the single message frame used in both directions.
// Fields are populated according to Type.
type Envelope struct {
	Type string `json:"type"`

	// call_tool / tool_result correlation id.
	ID string `json:"id,omitempty"`

	// call_tool fields.
	Name string         `json:"name,omitempty"`
	Args map[string]any `json:"args,omitempty"`

	// register_tools payload.
	Tools []ToolDecl `json:"tools,omitempty"`

	// tool_result payload: exactly one of Result or Error.
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
