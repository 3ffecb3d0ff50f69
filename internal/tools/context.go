package tools

import "context"

type contextKey string

const agentIDKey contextKey = "agent_id"

// WithAgentID adds the calling agent's ID to the context so tool
// handlers can scope their work per agent.
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, agentIDKey, id)
}

// AgentIDFromContext extracts the agent ID from the context.
// Returns "default" if not set.
func AgentIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(agentIDKey).(string); ok && id != "" {
		return id
	}
	return "default"
}
