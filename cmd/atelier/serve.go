package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/atelierhq/atelier/internal/assets"
	"github.com/atelierhq/atelier/internal/buildinfo"
	"github.com/atelierhq/atelier/internal/comfyui"
	"github.com/atelierhq/atelier/internal/config"
	"github.com/atelierhq/atelier/internal/defaults"
	"github.com/atelierhq/atelier/internal/server"
)

// runServe handles the "atelier serve" subcommand: the built-in MCP
// tool server. With -mcp-transport stdio it speaks newline-delimited
// JSON-RPC on stdin/stdout (logs go to stderr); otherwise it listens
// for streamable HTTP on the configured address and port.
//
// When a ComfyUI URL is configured, generation runs through real
// workflows; without one, a deterministic dry-run generator fabricates
// asset identities, which is enough for eval and development.
func runServe(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, opts cliOptions) error {
	logger := newLogger(stderr, slog.LevelInfo)

	cfg, cfgPath, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger = newLogger(stderr, logLevelFromConfig(cfg))
	logger.Info("starting atelier server", "version", buildinfo.Version, "commit", buildinfo.GitCommit)
	if cfgPath != "" {
		logger.Info("config loaded", "path", cfgPath)
	}

	srv, cleanup, err := buildServer(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	transport := config.NormalizeTransport(opts.mcpTransport)
	if opts.mcpTransport == "" {
		transport = "streamable-http"
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch transport {
	case "stdio":
		return srv.ServeStdio(ctx, stdin, stdout)
	case "streamable-http":
		addr := fmt.Sprintf("%s:%d", cfg.Serve.Address, cfg.Serve.Port)
		httpServer := &http.Server{
			Addr:              addr,
			Handler:           srv.HTTPHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			logger.Info("shutdown signal received")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()

		logger.Info("listening", "address", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		logger.Info("atelier server stopped")
		return nil
	default:
		return fmt.Errorf("unknown MCP transport: %q", transport)
	}
}

// buildServer assembles the defaults manager, asset registry, and
// generator from config. The returned cleanup closes any persistent
// stores and must run on every exit path.
func buildServer(cfg *config.Config, logger *slog.Logger) (*server.Server, func(), error) {
	cleanup := func() {}

	defaultsPath := cfg.Serve.DefaultsFile
	if defaultsPath == "" && cfg.DataDir != "" {
		defaultsPath = filepath.Join(cfg.DataDir, "defaults.json")
	}

	var dmOpts []defaults.Option
	dmOpts = append(dmOpts, defaults.WithLogger(logger))

	var generator server.Generator = server.LocalGenerator{}
	baseURL := "http://127.0.0.1:8188"
	if cfg.Serve.ComfyUIURL != "" {
		baseURL = cfg.Serve.ComfyUIURL
		comfy := comfyui.NewClient(cfg.Serve.ComfyUIURL, comfyui.WithLogger(logger))
		generator = server.NewComfyGenerator(comfy, logger)
		dmOpts = append(dmOpts, defaults.WithModelLister(comfy))
		logger.Info("comfyui backend enabled", "url", cfg.Serve.ComfyUIURL)
	} else {
		logger.Info("comfyui not configured, using dry-run generator")
	}

	dm := defaults.NewManager(defaultsPath, dmOpts...)

	var registryOpts []assets.Option
	registryOpts = append(registryOpts, assets.WithLogger(logger))
	if cfg.Serve.AssetDB != "" {
		store, err := assets.NewSQLiteStore(cfg.Serve.AssetDB)
		if err != nil {
			return nil, nil, fmt.Errorf("open asset database %s: %w", cfg.Serve.AssetDB, err)
		}
		cleanup = func() { store.Close() }
		registryOpts = append(registryOpts, assets.WithStore(store))
		logger.Info("asset database opened", "path", cfg.Serve.AssetDB)
	}

	ttl := time.Duration(cfg.Serve.AssetTTLHours) * time.Hour
	registry, err := assets.NewRegistry(ttl, baseURL, registryOpts...)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("create asset registry: %w", err)
	}

	return server.New(dm, registry, generator, logger), cleanup, nil
}
