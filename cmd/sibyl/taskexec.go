package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sibylgw/sibyl/internal/agent"
	"github.com/sibylgw/sibyl/internal/llm"
	"github.com/sibylgw/sibyl/internal/scheduler"
)

// agentRunner abstracts the orchestration loop for task execution
// testing. Implemented by *agent.Runner.
type agentRunner interface {
	RunScheduled(ctx context.Context, agentID string, history []llm.Message) (*agent.Result, bool, error)
}

// memorySyncer abstracts the memory index for task execution testing.
// Implemented by *memory.Manager.
type memorySyncer interface {
	Sync(ctx context.Context, agentID string, force bool) error
}

// taskExecDeps holds the dependencies of the scheduled task executor.
// A struct avoids a growing parameter list as payload kinds are added.
type taskExecDeps struct {
	runner agentRunner
	memory memorySyncer
	logger *slog.Logger
}

// runScheduledTask dispatches a fired task by payload kind. Wake tasks
// run the capped autonomous loop path; the returned ran=false means
// the per-agent single-flight guard declined the run and the execution
// is recorded as skipped. Memory sync tasks force a full re-index.
// Unsupported payload kinds are logged and ignored, not errors.
func runScheduledTask(ctx context.Context, task *scheduler.Task, deps taskExecDeps) (bool, error) {
	deps.logger.Debug("task executing",
		"task_id", task.ID,
		"task_name", task.Name,
		"payload_kind", task.Payload.Kind,
	)

	agentID := task.AgentID
	if agentID == "" {
		agentID = defaultAgentID
	}

	switch task.Payload.Kind {
	case scheduler.PayloadWake:
		msg := task.Payload.Message
		if msg == "" {
			msg = "Scheduled wake: " + task.Name
		}

		history := []llm.Message{
			{Role: "system", Content: defaultSystemPrompt},
			{Role: "user", Content: msg},
		}

		res, ran, err := deps.runner.RunScheduled(ctx, agentID, history)
		if err != nil {
			return true, fmt.Errorf("scheduled task %q: %w", task.Name, err)
		}
		if !ran {
			return false, nil
		}

		deps.logger.Debug("task completed",
			"task_id", task.ID,
			"task_name", task.Name,
			"result_len", len(res.Content),
		)
		return true, nil

	case scheduler.PayloadMemorySync:
		if err := deps.memory.Sync(ctx, agentID, true); err != nil {
			return true, fmt.Errorf("scheduled memory sync for %q: %w", agentID, err)
		}
		return true, nil

	default:
		deps.logger.Warn("unsupported task payload kind", "kind", task.Payload.Kind)
		return true, nil
	}
}
