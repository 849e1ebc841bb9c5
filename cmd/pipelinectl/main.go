// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/adiadia/pipeline-runtime/internal/config"
	"github.com/adiadia/pipeline-runtime/internal/logging"
	"github.com/adiadia/pipeline-runtime/internal/persistence/postgres"
	"github.com/adiadia/pipeline-runtime/internal/templates"
)

func main() {
	logger := logging.New(logging.Options{
		Env:    "prod",
		Level:  os.Getenv("LOG_LEVEL"),
		Output: os.Stderr,
	})

	if err := newRootCmd(logger).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "pipelinectl",
		Short:         "Operate the pipeline runtime",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(
		newTemplatesCmd(logger),
		newMigrateCmd(logger),
		newValidateCmd(logger),
	)
	return root
}

func newTemplatesCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect workflow template files",
	}

	var dir string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the valid templates in a workflows directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tmpls, err := templates.NewLoader(dir, logger).LoadAll()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "NAME\tSTEPS\tDESCRIPTION")
			for _, t := range tmpls {
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\n", t.Name, len(t.Steps), t.Description)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&dir, "dir", "workflows", "workflows directory")

	validate := &cobra.Command{
		Use:   "validate [dir]",
		Short: "Validate every template file and report the invalid ones",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "workflows"
			if len(args) == 1 {
				target = args[0]
			}
			return validateTemplates(cmd.OutOrStdout(), target)
		},
	}

	cmd.AddCommand(list, validate)
	return cmd
}

// validateTemplates parses each file on its own so that every problem is
// reported, not just the first.
func validateTemplates(out io.Writer, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
			if !e.IsDir() {
				files = append(files, filepath.Join(dir, e.Name()))
			}
		}
	}
	sort.Strings(files)

	seen := make(map[string]string, len(files))
	failed := 0
	for _, path := range files {
		tmpl, err := templates.ParseFile(path)
		if err != nil {
			failed++
			_, _ = fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			continue
		}
		if prev, dup := seen[tmpl.Name]; dup {
			failed++
			_, _ = fmt.Fprintf(out, "FAIL %s: duplicate template name %q (first in %s)\n", path, tmpl.Name, prev)
			continue
		}
		seen[tmpl.Name] = path
		_, _ = fmt.Fprintf(out, "ok   %s (%s, %d steps)\n", path, tmpl.Name, len(tmpl.Steps))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d template files are invalid", failed, len(files))
	}
	return nil
}

func newMigrateCmd(logger *slog.Logger) *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations to DATABASE_URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				cfg config.Config
				err error
			)
			if configFile != "" {
				cfg, err = config.LoadFile(configFile)
			} else {
				cfg, err = config.Load()
			}
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.DatabaseURL) == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}

			pool, err := postgres.NewPool(cmd.Context(), cfg.DatabaseURL, postgres.PoolOptions{MaxConns: 2})
			if err != nil {
				return fmt.Errorf("db connect failed: %w", err)
			}
			defer pool.Close()

			if err := postgres.EnsureSchema(cmd.Context(), pool, logger); err != nil {
				return err
			}
			logger.Info("schema is up to date")
			return nil
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "config file path")
	return cmd
}

func newValidateCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Run gofmt, go vet and the test suites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := runValidate(cmd.Context(), logger); err != nil {
				logger.Error("validation failed", "error", err)
				return err
			}
			logger.Info("validation passed")
			return nil
		},
	}
}
