package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/forgeworks/scaffold-agent/internal/auditlog"
	"github.com/forgeworks/scaffold-agent/internal/config"
	"github.com/forgeworks/scaffold-agent/internal/depres"
	"github.com/forgeworks/scaffold-agent/internal/followup"
	"github.com/forgeworks/scaffold-agent/internal/generate"
	"github.com/forgeworks/scaffold-agent/internal/llm"
	"github.com/forgeworks/scaffold-agent/internal/retry"
	"github.com/forgeworks/scaffold-agent/internal/server"
	"github.com/forgeworks/scaffold-agent/internal/validate"
	"github.com/forgeworks/scaffold-agent/internal/workspace"
)

func newServeCmd() *cobra.Command {
	var (
		cfgPath string
		envFile string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the generation HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			// .env is a convenience for local runs; absence is not an error.
			_ = godotenv.Load(envFile)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			policy := retry.Policy{
				Attempts: cfg.LLMRetries,
				Backoff:  time.Second,
				Timeout:  cfg.LLMTimeout(),
			}
			client, err := llm.New(llm.Options{
				Provider: cfg.LLMProvider,
				Model:    cfg.LLMModel,
				APIKey:   cfg.LLMAPIKey,
				BaseURL:  cfg.LLMBaseURL,
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			workspaces := workspace.NewFactory(workspace.Options{
				Logger:        logger,
				MinFreeDiskMB: cfg.MinFreeDiskMB,
			})
			resolver, closeCache, err := buildResolver(cfg, logger, workspaces)
			if err != nil {
				return err
			}
			defer closeCache()

			svc := generate.NewService(generate.Options{
				Logger:   logger,
				Invoker:  client,
				Gate:     followup.NewGate(logger, client, policy),
				Resolver: resolver,
				Validator: validate.NewValidator(validate.Options{
					Logger:     logger,
					Workspaces: workspaces,
					Timeout:    cfg.ValidatorTimeout(),
				}),
				Repairer:         validate.NewRepairer(logger, client, policy),
				RepairAttempts:   cfg.RepairAttempts,
				ChunkSize:        cfg.ChunkSize,
				MaxQuestions:     cfg.MaxQuestions,
				StreamChunkBytes: cfg.StreamChunkBytes,
				Policy:           policy,
			})

			trace, err := auditlog.New(auditlog.Options{Logger: logger, StateDir: cfg.StateDir})
			if err != nil {
				return err
			}

			srv, err := server.New(server.Options{
				Logger:  logger,
				Addr:    cfg.Addr,
				Service: svc,
				Trace:   trace,
				Version: Version,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := srv.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return srv.Close()
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", config.DefaultConfigPath(), "Config file path")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "Optional .env file to load")
	return cmd
}

// buildResolver wires the dependency resolver: curated table, persistent
// sqlite cache (falling back to memory), registry client, lockfile probe.
func buildResolver(cfg *config.Config, logger *slog.Logger, workspaces *workspace.Factory) (*depres.Resolver, func(), error) {
	curated, err := depres.NewCuratedTable(cfg.CuratedTablePath)
	if err != nil {
		return nil, nil, fmt.Errorf("curated table: %w", err)
	}

	var cache depres.Cache
	closeCache := func() {}
	sqliteCache, err := depres.OpenSQLiteCache(filepath.Join(cfg.StateDir, "cache", "versions.db"))
	if err != nil {
		logger.Warn("persistent dependency cache unavailable, using memory",
			"component", "depres", "error", err)
		cache = depres.NewMemoryCache()
	} else {
		cache = sqliteCache
		closeCache = func() { _ = sqliteCache.Close() }
	}

	registry, err := depres.NewRegistry(depres.RegistryOptions{
		BaseURL:   cfg.RegistryURL,
		SearchURL: cfg.RegistrySearchURL,
		Logger:    logger,
	})
	if err != nil {
		closeCache()
		return nil, nil, err
	}

	resolver := depres.NewResolver(depres.ResolverOptions{
		Curated:  curated,
		Cache:    cache,
		CacheTTL: cfg.CacheTTL(),
		Registry: registry,
		Lockfile: depres.NewLockfileResolver(workspaces, logger),
		Logger:   logger,
	})
	return resolver, closeCache, nil
}
