package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/forgeworks/scaffold-agent/internal/config"
	"github.com/forgeworks/scaffold-agent/internal/depres"
	"github.com/forgeworks/scaffold-agent/internal/scaffold"
	"github.com/forgeworks/scaffold-agent/internal/workspace"
)

func newResolveCmd() *cobra.Command {
	var (
		write       bool
		registryURL string
		curatedPath string
	)

	cmd := &cobra.Command{
		Use:   "resolve [package.json]",
		Short: "Pin every dependency in a manifest to an exact version",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "package.json"
			if len(args) == 1 {
				path = args[0]
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			workspaces := workspace.NewFactory(workspace.Options{Logger: logger})

			curated, err := depres.NewCuratedTable(curatedPath)
			if err != nil {
				return err
			}
			registry, err := depres.NewRegistry(depres.RegistryOptions{BaseURL: registryURL, Logger: logger})
			if err != nil {
				return err
			}
			resolver := depres.NewResolver(depres.ResolverOptions{
				Curated:  curated,
				Registry: registry,
				Lockfile: depres.NewLockfileResolver(workspaces, logger),
				Logger:   logger,
			})

			files := scaffold.NewFileSet()
			files.Put(scaffold.FileRecord{Path: scaffold.ManifestFileName, Content: string(raw)})

			report, err := resolver.ApplyToManifest(cmd.Context(), files)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))

			if write && report.Rewritten {
				content, _ := files.Get(scaffold.ManifestFileName)
				if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "manifest updated: %s\n", path)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&write, "write", false, "Rewrite the manifest in place with exact pins")
	cmd.Flags().StringVar(&registryURL, "registry", config.DefaultRegistryURL, "Package registry base URL")
	cmd.Flags().StringVar(&curatedPath, "curated", "", "Optional YAML curated name->version table")
	return cmd
}
