// Sibyl is a chat gateway between clients and a streaming
// OpenAI-compatible completion endpoint. The model can invoke tools in
// a loop until it produces a final answer; tools are either local
// handlers or hosted on remote worker processes connected over a
// persistent WebSocket bridge. Each agent owns a hybrid full-text +
// vector memory index over its markdown documents.
//
// Usage:
//
//	sibyl serve              Start the gateway (bridge, scheduler, watcher)
//	sibyl init [dir]         Initialize a working directory with defaults
//	sibyl ask <question>     Ask a single question (for testing)
//	sibyl sync [agent]       Rebuild an agent's memory index
//	sibyl version            Print version and build information
//	sibyl -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sibylgw/sibyl/internal/agent"
	"github.com/sibylgw/sibyl/internal/bridge"
	"github.com/sibylgw/sibyl/internal/buildinfo"
	"github.com/sibylgw/sibyl/internal/config"
	"github.com/sibylgw/sibyl/internal/embeddings"
	"github.com/sibylgw/sibyl/internal/events"
	"github.com/sibylgw/sibyl/internal/llm"
	"github.com/sibylgw/sibyl/internal/memory"
	"github.com/sibylgw/sibyl/internal/mqtt"
	"github.com/sibylgw/sibyl/internal/scheduler"
	"github.com/sibylgw/sibyl/internal/tools"
)

// defaultAgentID is the agent used by CLI one-shots and by scheduled
// tasks that do not name an agent explicitly.
const defaultAgentID = "default"

// defaultSystemPrompt seeds every conversation. Agents with richer
// identities keep them in their memory documents, reachable through
// the memory tools.
const defaultSystemPrompt = "You are Sibyl, a helpful assistant with access to tools. " +
	"Use the memory_search tool to recall facts about the user and prior work before answering questions that depend on them."

// main constructs the OS-level environment and delegates to run so the
// full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package relies on package-level globals that interfere with calling
// run concurrently from tests, and the surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: sibyl ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "sync":
		agentID := defaultAgentID
		if len(cmdArgs) > 0 {
			agentID = cmdArgs[0]
		}
		return runSync(ctx, stdout, configPath, agentID)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Sibyl - Chat Gateway")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: sibyl [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Start the gateway")
	fmt.Fprintln(w, "  init [dir]     Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask            Ask a single question (for testing)")
	fmt.Fprintln(w, "  sync [agent]   Rebuild an agent's memory index")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// runAsk boots a minimal gateway (no bridge, no scheduler, no watcher)
// and processes a single question, streaming the answer to stdout.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	mem := newMemoryManager(cfg, nil, logger)
	defer mem.Close()
	registry.SetMemoryManager(mem)

	client := llm.NewOpenAIClient(cfg.Completion.BaseURL, cfg.Completion.APIKey,
		time.Duration(cfg.Completion.HeaderTimeoutSec)*time.Second, logger)

	runner := agent.NewRunner(agent.Config{
		Client:   client,
		Registry: registry,
		Model:    cfg.Completion.Model,
		Logger:   logger,
	})

	history := []llm.Message{
		{Role: "system", Content: defaultSystemPrompt},
		{Role: "user", Content: strings.Join(args, " ")},
	}

	// Reasoning spans stay out of the terminal; see StreamFilter.
	var filter agent.StreamFilter
	if _, err := runner.Run(ctx, defaultAgentID, history, func(d llm.Delta) {
		fmt.Fprint(stdout, filter.Feed(d.Content))
	}); err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	// Content itself was streamed delta by delta.
	fmt.Fprint(stdout, filter.Flush())
	fmt.Fprintln(stdout)
	return nil
}

// runSync forces a full re-index of one agent's memory documents.
func runSync(ctx context.Context, stdout io.Writer, configPath string, agentID string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	mem := newMemoryManager(cfg, nil, logger)
	defer mem.Close()

	if err := mem.Sync(ctx, agentID, true); err != nil {
		return fmt.Errorf("sync %s: %w", agentID, err)
	}
	fmt.Fprintf(stdout, "memory index rebuilt for agent %q\n", agentID)
	return nil
}

// runServe is the primary operating mode: loads config, opens the
// memory index, starts the bridge listener, the scheduler, the
// document watcher, and the optional MQTT publisher, then blocks until
// a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Sibyl",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level and format are
	// known. Validate() already vetted both values.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"bridge_port", cfg.Bridge.Port,
		"model", cfg.Completion.Model,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	if err := os.MkdirAll(cfg.Agents.Dir, 0755); err != nil {
		return fmt.Errorf("create agents directory %s: %w", cfg.Agents.Dir, err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	registry := tools.NewRegistry()

	// --- Memory ---
	if cfg.Embeddings.Enabled {
		logger.Info("embeddings enabled", "model", cfg.Embeddings.Model)
	} else {
		logger.Info("embeddings disabled, memory search is keyword-only")
	}
	mem := newMemoryManager(cfg, bus, logger)
	defer mem.Close()
	registry.SetMemoryManager(mem)

	// Index and watch every agent directory present at startup, plus
	// the default agent. New agents are picked up lazily on first use.
	for _, id := range agentIDs(cfg.Agents.Dir) {
		if err := mem.Sync(ctx, id, false); err != nil {
			logger.Warn("initial memory sync failed", "agent", id, "error", err)
		}
		if err := mem.Watch(ctx, id); err != nil {
			logger.Warn("memory watch failed", "agent", id, "error", err)
		}
	}

	// --- Completion client ---
	client := llm.NewOpenAIClient(cfg.Completion.BaseURL, cfg.Completion.APIKey,
		time.Duration(cfg.Completion.HeaderTimeoutSec)*time.Second, logger)
	{
		pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := client.Ping(pingCtx); err != nil {
			logger.Warn("completion endpoint unreachable at startup", "error", err)
		} else {
			logger.Info("completion endpoint reachable", "base_url", cfg.Completion.BaseURL)
		}
		pingCancel()
	}

	// --- Orchestration loop ---
	runner := agent.NewRunner(agent.Config{
		Client:                 client,
		Registry:               registry,
		Model:                  cfg.Completion.Model,
		ScheduledMaxIterations: cfg.Agents.MaxIterations,
		Logger:                 logger,
		Bus:                    bus,
	})

	// --- Bridge ---
	bridgeSrv := bridge.NewServer(bridge.Config{
		Registry:    registry,
		CallTimeout: cfg.BridgeCallTimeout(),
		Logger:      logger,
		Bus:         bus,
	})

	// --- Scheduler ---
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		store, err := scheduler.OpenStore(cfg.DataDir + "/scheduler.db")
		if err != nil {
			return fmt.Errorf("open scheduler store: %w", err)
		}
		defer store.Close()

		deps := taskExecDeps{
			runner: runner,
			memory: mem,
			logger: logger,
		}
		sched = scheduler.New(logger, store, bus, func(taskCtx context.Context, task *scheduler.Task) (bool, error) {
			return runScheduledTask(taskCtx, task, deps)
		})
		if err := sched.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
		logger.Info("scheduler started")
	} else {
		logger.Info("scheduler disabled")
	}

	// --- MQTT status publisher ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		mqttPub = mqtt.New(cfg.MQTT, bus, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Broker, "instance", cfg.MQTT.InstanceID)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Graceful shutdown ---
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := bridgeSrv.Close(); err != nil {
			logger.Error("bridge shutdown failed", "error", err)
		}
	}()

	// Blocks until the bridge listener is closed by the shutdown
	// goroutine or fails outright.
	addr := fmt.Sprintf("%s:%d", cfg.Bridge.Address, cfg.Bridge.Port)
	if err := bridgeSrv.ListenAndServe(addr); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("bridge server failed: %w", err)
		}
	}

	logger.Info("Sibyl stopped")
	return nil
}

// newMemoryManager builds the per-agent memory index manager from
// config. Shared by serve, ask, and sync so every subcommand honors
// the embeddings setting; a manager without the embedder would write
// vector-less chunk rows on its next sync.
func newMemoryManager(cfg *config.Config, bus *events.Bus, logger *slog.Logger) *memory.Manager {
	var embedder memory.Embedder
	if cfg.Embeddings.Enabled {
		embedder = embeddings.New(embeddings.Config{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
		})
	}
	return memory.NewManager(memory.Config{
		Root:           cfg.Agents.Dir,
		Embedder:       embedder,
		EmbeddingModel: cfg.Embeddings.Model,
		Logger:         logger,
		Bus:            bus,
	})
}

// agentIDs lists the agent directories found under root, always
// including the default agent.
func agentIDs(root string) []string {
	ids := []string{defaultAgentID}
	entries, err := os.ReadDir(root)
	if err != nil {
		return ids
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || e.Name() == defaultAgentID {
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids
}

// newLogger standardizes the slog handler configuration across
// subcommands. Format must be "text" or "json"; anything else falls
// back to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
