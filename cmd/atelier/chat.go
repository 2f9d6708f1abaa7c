package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atelierhq/atelier/internal/config"
	"github.com/atelierhq/atelier/internal/llm"
	"github.com/atelierhq/atelier/internal/mcp"
	"github.com/atelierhq/atelier/internal/orchestrator"
	"github.com/atelierhq/atelier/internal/trace"
)

// runChat handles the "atelier chat" subcommand: an interactive loop
// reading one line per turn from stdin, running it through the
// orchestrator, and printing the reply. An empty line or EOF ends the
// session.
func runChat(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, opts cliOptions) error {
	logger := newLogger(stderr, slog.LevelInfo)

	cfg, cfgPath, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger = newLogger(stderr, logLevelFromConfig(cfg))
	if cfgPath != "" {
		logger.Info("config loaded", "path", cfgPath)
	}

	orch, client, err := buildOrchestrator(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	sink, err := openTraceSink(opts.traceOut)
	if err != nil {
		return err
	}
	defer sink.Close()

	runID := uuid.NewString()
	sink.Emit(map[string]any{
		"event":     "run_start",
		"run_id":    runID,
		"mode":      "chat",
		"model":     cfg.Ollama.Model,
		"transport": cfg.MCP.Transport,
	})
	defer sink.Emit(map[string]any{"event": "run_end", "run_id": runID})

	if err := orch.EnsureDefaults(ctx); err != nil {
		return err
	}

	fmt.Fprintln(stdout, "atelier chat — empty line or Ctrl-D to quit")

	scanner := bufio.NewScanner(stdin)
	turn := 0
	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			break
		}

		start := time.Now()
		reply, err := orch.HandleUserTurn(ctx, line)
		if err != nil {
			return err
		}

		for _, ev := range orch.LastTurnEvents() {
			sink.EmitEvent(turn, line, ev)
		}
		if opts.traceLevel == "full" {
			sink.Emit(map[string]any{
				"event":           "prompt_messages",
				"turn_index":      turn,
				"prompt_messages": orch.State().LastPromptMessages,
			})
		}

		fmt.Fprintln(stdout, reply)
		if id := orch.LastAssetID(); id != "" {
			fmt.Fprintf(stdout, "[asset: %s]\n", id)
		}
		logger.Debug("turn complete",
			"turn", turn,
			"tool_calls", orch.State().ToolCallsThisTurn,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		turn++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	fmt.Fprintln(stdout, "bye")
	return nil
}

// buildOrchestrator wires the Ollama client and MCP backend from
// config and returns a ready orchestrator. The returned client owns
// the MCP transport and must be closed by the caller.
func buildOrchestrator(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*orchestrator.Orchestrator, *mcp.Client, error) {
	timeout := time.Duration(cfg.Ollama.TimeoutSec) * time.Second
	llmClient := llm.NewOllamaClient(cfg.Ollama.URL, cfg.Ollama.Model, timeout)

	transport, err := buildTransport(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	client := mcp.NewClient(transport, logger)

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = client.Initialize(initCtx)
	cancel()
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("initialize MCP backend: %w", err)
	}

	runtime := orchestrator.RuntimeConfig{
		MaxToolCalls:        cfg.Loop.MaxToolCalls,
		MaxInvalidToolCalls: cfg.Loop.MaxInvalidCalls,
		MaxMessages:         cfg.Loop.MaxMessages,
	}
	return orchestrator.New(runtime, llmClient, client, logger), client, nil
}

// buildTransport constructs the MCP transport named by config. The
// stdio transport takes its command line as a single quoted string.
func buildTransport(cfg *config.Config, logger *slog.Logger) (mcp.Transport, error) {
	switch cfg.MCP.Transport {
	case "stdio":
		if cfg.MCP.Command == "" {
			return nil, fmt.Errorf("stdio transport requires an MCP command")
		}
		command, args, err := config.SplitCommand(cfg.MCP.Command)
		if err != nil {
			return nil, err
		}
		return mcp.NewStdioTransport(mcp.StdioConfig{
			Command: command,
			Args:    args,
			Dir:     cfg.MCP.Dir,
			Env:     cfg.MCP.Env,
			Logger:  logger,
		}), nil
	case "streamable-http":
		return mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:    cfg.MCP.URL,
			Logger: logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown MCP transport: %q", cfg.MCP.Transport)
	}
}

// openTraceSink opens the JSONL trace file, or returns a no-op sink
// when no path was given so call sites stay unconditional.
func openTraceSink(path string) (*trace.Writer, error) {
	if path == "" {
		return trace.NewWriter(io.Discard), nil
	}
	return trace.OpenFile(path)
}
