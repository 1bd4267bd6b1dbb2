// Package cmd defines and implements the CLI commands for the docstore
// executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/helpcenter-docstore/internal/app"
	"github.com/JakeFAU/helpcenter-docstore/internal/config"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It is a variable so tests can
// substitute their own options.
var newApp = func(ctx context.Context, cfg config.Config) (*app.App, error) {
	return app.Build(ctx, cfg)
}

// invocation owns the App built for one command run.
type invocation struct {
	app *app.App
}

// close releases the App if one was built. It runs whether or not the
// command succeeded.
func (inv *invocation) close() {
	if inv.app == nil {
		return
	}
	if err := inv.app.Close(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "warning: shutdown:", err)
	}
}

// newRootCmd creates and configures the root command.
func newRootCmd() (*cobra.Command, *invocation) {
	var cfgFile string
	inv := &invocation{}
	cmd := &cobra.Command{
		Use:   "docstore",
		Short: "Versioned store for prop-firm help-center articles.",
		Long: `docstore ingests crawled help-center pages of trading firms,
deduplicates them by canonical URL and content digest, and keeps every
revision so rule extractors can see what changed and when.`,
		SilenceUsage: true,

		// Runs after flags are parsed and before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if f := cmd.Flags().Lookup("no-paragraphs"); f != nil && f.Changed {
				cfg.Ingest.Paragraphs.Enabled = false
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			inv.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); DOCSTORE_* environment variables override it")

	cmd.AddCommand(
		newIngestCmd(),
		newFirmsCmd(),
		newCurrentCmd(),
		newHistoryCmd(),
		newSearchCmd(),
		newStatsCmd(),
		newMergedCmd(),
		newParagraphsCmd(),
		newExportCmd(),
		newServeCmd(),
	)
	return cmd, inv
}

// execute runs root and then closes whatever App it built, including when
// the command failed.
func execute(ctx context.Context, root *cobra.Command, inv *invocation) error {
	defer inv.close()
	return root.ExecuteContext(ctx)
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context, so an ingest stops cooperatively and still prints its summary.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root, inv := newRootCmd()
	err := execute(ctx, root, inv)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
