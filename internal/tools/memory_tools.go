package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sibylgw/sibyl/internal/memory"
)

// SetMemoryManager adds the memory search and read tools to the
// registry. Results are scoped to the calling agent via the call
// context.
func (r *Registry) SetMemoryManager(mgr *memory.Manager) {
	r.registerMemorySearch(mgr)
	r.registerMemoryRead(mgr)
}

func (r *Registry) registerMemorySearch(mgr *memory.Manager) {
	r.Register(&Tool{
		Name: "memory_search",
		Description: "Search your memory files. Use this to recall notes, facts, " +
			"and context you have written down previously. Returns the most " +
			"relevant passages with the file and line range each came from.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look for",
				},
				"max_results": map[string]any{
					"type":        "integer",
					"description": "Maximum number of passages to return. Default: 5",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", fmt.Errorf("query is required")
			}
			limit := 5
			if l, ok := args["max_results"].(float64); ok && l > 0 {
				limit = int(l)
			}

			results, err := mgr.Search(ctx, AgentIDFromContext(ctx), query, limit)
			if err != nil {
				return "", err
			}

			type hit struct {
				Text     string  `json:"text"`
				Score    float32 `json:"score"`
				Location string  `json:"location"`
			}
			out := struct {
				Results []hit  `json:"results"`
				Message string `json:"message,omitempty"`
			}{Results: []hit{}}
			for _, res := range results {
				out.Results = append(out.Results, hit{
					Text:     res.Content,
					Score:    res.Score,
					Location: res.Location(),
				})
			}
			if len(out.Results) == 0 {
				out.Message = "no matching memory passages"
			}
			encoded, err := json.Marshal(out)
			if err != nil {
				return "", err
			}
			return string(encoded), nil
		},
	})
}

func (r *Registry) registerMemoryRead(mgr *memory.Manager) {
	r.Register(&Tool{
		Name: "memory_read",
		Description: "Read a memory file by its path, as returned by memory_search. " +
			"Use when a search passage is truncated and you need the full " +
			"document or a specific line range.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Relative path of the memory file",
				},
				"start_line": map[string]any{
					"type":        "integer",
					"description": "First line to read (1-based). Default: start of file",
				},
				"lines": map[string]any{
					"type":        "integer",
					"description": "Number of lines to read. Default: to end of file",
				},
			},
			"required": []string{"path"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			if path == "" {
				return "", fmt.Errorf("path is required")
			}
			fromLine := 0
			if v, ok := args["start_line"].(float64); ok {
				fromLine = int(v)
			}
			lineCount := 0
			if v, ok := args["lines"].(float64); ok {
				lineCount = int(v)
			}

			content, err := mgr.ReadFile(AgentIDFromContext(ctx), path, fromLine, lineCount)
			if err != nil {
				return "", err
			}
			encoded, err := json.Marshal(map[string]string{
				"path":    path,
				"content": content,
			})
			if err != nil {
				return "", err
			}
			return string(encoded), nil
		},
	})
}
