package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atelierhq/atelier/internal/harness"
)

// runEval handles the "atelier eval" subcommand. It runs every case in
// the scripted suite through a live orchestrator, scores the observed
// tool activity, and prints a pass/fail summary. The model, MCP
// backend, and budgets all come from the same config as chat, so eval
// measures the real stack.
func runEval(ctx context.Context, stdout io.Writer, stderr io.Writer, opts cliOptions) error {
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
	suite := harness.DefaultSuite()
	sink.Emit(map[string]any{
		"event":  "run_start",
		"run_id": runID,
		"mode":   "eval",
		"model":  cfg.Ollama.Model,
		"cases":  len(suite),
	})
	defer sink.Emit(map[string]any{"event": "run_end", "run_id": runID})

	if err := orch.EnsureDefaults(ctx); err != nil {
		return err
	}

	results := make([]harness.Result, 0, len(suite))
	for i, c := range suite {
		sink.Emit(map[string]any{
			"event":      "case_start",
			"run_id":     runID,
			"case_index": i,
			"prompt":     c.Prompt,
		})

		start := time.Now()
		reply, err := orch.HandleUserTurn(ctx, c.Prompt)
		if err != nil {
			return fmt.Errorf("case %d (%q): %w", i+1, c.Prompt, err)
		}
		elapsed := time.Since(start)

		for _, ev := range orch.LastTurnEvents() {
			sink.EmitEvent(i, c.Prompt, ev)
		}
		if opts.traceLevel == "full" {
			sink.Emit(map[string]any{
				"event":           "prompt_messages",
				"case_index":      i,
				"prompt_messages": orch.State().LastPromptMessages,
			})
		}

		state := orch.State()
		toolResults, toolErrors := harness.ExtractFromEvents(orch.LastTurnEvents())
		result := harness.Evaluate(c, toolResults, toolErrors, state.ToolCallsThisTurn, state.InvalidRetriesThisTurn)
		results = append(results, result)

		sink.Emit(map[string]any{
			"event":      "case_end",
			"run_id":     runID,
			"case_index": i,
			"passed":     result.Passed,
			"tool_calls": result.ToolCalls,
			"elapsed_ms": elapsed.Milliseconds(),
		})

		if opts.verbose {
			detail := map[string]any{
				"prompt":          c.Prompt,
				"reply":           reply,
				"used_tools":      result.UsedTools,
				"tool_calls":      result.ToolCalls,
				"invalid_retries": result.InvalidRetries,
				"tool_errors":     result.ToolErrors,
				"passed":          result.Passed,
			}
			data, err := json.MarshalIndent(detail, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, string(data))
		}

		logger.Debug("case complete",
			"case", i+1,
			"passed", result.Passed,
			"elapsed_ms", elapsed.Milliseconds(),
		)
	}

	fmt.Fprintln(stdout, harness.FormatSummary(results))
	return nil
}
