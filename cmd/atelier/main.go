// Atelier is an LLM-driven orchestrator for local media generation.
//
// A local Ollama model drives a whitelisted set of MCP tools
// (get_defaults, set_defaults, generate_image, regenerate) under hard
// retry and call budgets. The binary bundles the interactive chat
// loop, a scripted evaluation harness, and the MCP tool server itself.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	atelier chat             Interactive chat against Ollama + MCP tools
//	atelier eval             Run the scripted evaluation suite
//	atelier serve            Run the built-in MCP tool server
//	atelier version          Print version and build information
//	atelier -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/atelierhq/atelier/internal/buildinfo"
	"github.com/atelierhq/atelier/internal/config"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// cliOptions holds every flag the atelier command accepts. Flags are
// shared across subcommands; each subcommand reads the subset it cares
// about.
type cliOptions struct {
	configPath   string
	outputFmt    string // "text" (default) or "json"
	ollamaURL    string
	ollamaModel  string
	mcpTransport string
	mcpURL       string
	mcpCommand   string
	traceOut     string
	traceLevel   string // "basic" (default) or "full"
	verbose      bool
}

// run is the real entry point for the atelier command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process.
//   - stdin feeds the interactive chat loop.
//   - stdout and stderr receive all program output. Structured logs go
//     to stderr so chat replies on stdout stay pipeable.
//   - args is os.Args[1:]. We parse these manually rather than using
//     the flag package to avoid global state that interferes with
//     parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any
// failure. The caller (main) is responsible for printing the error and
// exiting.
func run(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts cliOptions
	var command string
	var cmdArgs []string

	stringFlags := map[string]*string{
		"-config":        &opts.configPath,
		"-ollama-url":    &opts.ollamaURL,
		"-ollama-model":  &opts.ollamaModel,
		"-mcp-transport": &opts.mcpTransport,
		"-mcp-url":       &opts.mcpURL,
		"-mcp-cmd":       &opts.mcpCommand,
		"-trace-out":     &opts.traceOut,
		"-trace-level":   &opts.traceLevel,
	}

parse:
	for i := 0; i < len(args); i++ {
		for name, dst := range stringFlags {
			if args[i] == name && i+1 < len(args) {
				*dst = args[i+1]
				i++
				continue parse
			}
			if strings.HasPrefix(args[i], name+"=") {
				*dst = strings.TrimPrefix(args[i], name+"=")
				continue parse
			}
		}
		switch {
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-verbose" || args[i] == "-v":
			opts.verbose = true
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

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}
	if opts.traceLevel == "" {
		opts.traceLevel = "basic"
	}
	if opts.traceLevel != "basic" && opts.traceLevel != "full" {
		return fmt.Errorf("unknown trace level: %q (expected basic or full)", opts.traceLevel)
	}

	switch command {
	case "chat":
		return runChat(ctx, stdin, stdout, stderr, opts)
	case "eval":
		return runEval(ctx, stdout, stderr, opts)
	case "serve":
		return runServe(ctx, stdin, stdout, stderr, opts)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s%s", command, ignoredArgsNote(cmdArgs))
	}
}

func ignoredArgsNote(cmdArgs []string) string {
	if len(cmdArgs) == 0 {
		return ""
	}
	return " " + strings.Join(cmdArgs, " ")
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// atelier is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Atelier - LLM-driven media generation orchestrator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: atelier [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat         Interactive chat against Ollama + MCP tools")
	fmt.Fprintln(w, "  eval         Run the scripted evaluation suite")
	fmt.Fprintln(w, "  serve        Run the built-in MCP tool server")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>        Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -ollama-url <url>     Ollama base URL (overrides config)")
	fmt.Fprintln(w, "  -ollama-model <name>  Ollama model name (overrides config)")
	fmt.Fprintln(w, "  -mcp-transport <t>    MCP transport: streamable-http or stdio")
	fmt.Fprintln(w, "  -mcp-url <url>        MCP server URL for the HTTP transport")
	fmt.Fprintln(w, "  -mcp-cmd <cmd>        MCP server command for the stdio transport")
	fmt.Fprintln(w, "  -trace-out <path>     Append trace events as JSONL to this file")
	fmt.Fprintln(w, "  -trace-level <lvl>    Trace detail: basic (default) or full")
	fmt.Fprintln(w, "  -verbose              Print per-case detail during eval")
	fmt.Fprintln(w, "  -o, --output fmt      Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./atelier.yaml, ~/.config/atelier/config.yaml, /etc/atelier/config.yaml")
	return nil
}

// newLogger creates a structured text logger writing to w at the given
// level. All log output in atelier goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration, then applies
// flag overrides. A missing config file is only an error when a path
// was requested explicitly; otherwise, built-in defaults apply, which
// keeps `atelier chat` working against a stock local setup with no
// config file at all.
func loadConfig(opts cliOptions) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(opts.configPath)
	if err != nil {
		if opts.configPath != "" {
			return nil, "", err
		}
		return applyOverrides(config.Default(), opts), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return applyOverrides(cfg, opts), cfgPath, nil
}

func applyOverrides(cfg *config.Config, opts cliOptions) *config.Config {
	if opts.ollamaURL != "" {
		cfg.Ollama.URL = opts.ollamaURL
	}
	if opts.ollamaModel != "" {
		cfg.Ollama.Model = opts.ollamaModel
	}
	if opts.mcpTransport != "" {
		cfg.MCP.Transport = config.NormalizeTransport(opts.mcpTransport)
	}
	if opts.mcpURL != "" {
		cfg.MCP.URL = opts.mcpURL
	}
	if opts.mcpCommand != "" {
		cfg.MCP.Command = opts.mcpCommand
	}
	return cfg
}

// logLevelFromConfig resolves the configured log level, defaulting to
// Info when unset or unparseable.
func logLevelFromConfig(cfg *config.Config) slog.Level {
	if cfg.LogLevel == "" {
		return slog.LevelInfo
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}
