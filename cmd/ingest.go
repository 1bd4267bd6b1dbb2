package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/helpcenter-docstore/internal/ingest"
	"github.com/JakeFAU/helpcenter-docstore/internal/source"
)

func newIngestCmd() *cobra.Command {
	var firm, domain string
	cmd := &cobra.Command{
		Use:   "ingest FILE",
		Short: "Ingest a crawler JSON file for one firm",
		Long: `Reads a JSON array of {url, title, body, html, doc_type} records and
stores every new or changed page as a new version. The batch summary is
printed even when processing stops early.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			docs, err := source.LoadFile(args[0])
			if err != nil {
				return err
			}
			firmID, err := a.Store().UpsertFirm(cmd.Context(), ingest.FirmInfo(firm, domain, docs))
			if err != nil {
				return fmt.Errorf("upsert firm %q: %w", firm, err)
			}
			a.Logger().Info("ingesting file",
				zap.String("file", args[0]), zap.String("firm", firm), zap.Int("documents", len(docs)))

			report, runErr := a.Ingester().IngestBatch(cmd.Context(), firmID, docs)
			if err := printJSON(cmd.OutOrStdout(), report.Summary); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&firm, "firm", "", "firm name (created on first use)")
	cmd.Flags().StringVar(&domain, "domain", "", "firm domain; derived from the first URL when empty")
	cmd.Flags().Bool("no-paragraphs", false, "skip paragraph extraction")
	_ = cmd.MarkFlagRequired("firm")
	return cmd
}
