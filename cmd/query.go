package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/helpcenter-docstore/internal/app"
	"github.com/JakeFAU/helpcenter-docstore/internal/docstore"
	"github.com/JakeFAU/helpcenter-docstore/internal/query"
)

// firmScope resolves a --firm value. ok is false for an unknown firm, whose
// queries print an empty result.
func firmScope(ctx context.Context, a *app.App, firm string) (id string, ok bool, err error) {
	id, ok, err = a.Query().ResolveFirm(ctx, firm)
	if err != nil {
		return "", false, fmt.Errorf("resolve firm %q: %w", firm, err)
	}
	return id, ok, nil
}

func newFirmsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "firms",
		Short: "List known firms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			firms, err := a.Query().Firms(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), firms)
		},
	}
}

func newCurrentCmd() *cobra.Command {
	var firm, docType, sortBy string
	cmd := &cobra.Command{
		Use:   "current",
		Short: "List current document versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			dt, err := docstore.ParseDocType(docType)
			if err != nil {
				return err
			}
			key, err := query.ParseSortKey(sortBy)
			if err != nil {
				return err
			}
			firmID, ok, err := firmScope(cmd.Context(), a, firm)
			if err != nil {
				return err
			}
			if !ok {
				return printJSON(cmd.OutOrStdout(), []docstore.Document{})
			}
			docs, err := a.Query().CurrentDocuments(cmd.Context(), query.Filter{FirmID: firmID, DocType: dt, Sort: key})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), docs)
		},
	}
	cmd.Flags().StringVar(&firm, "firm", "", "restrict to one firm")
	cmd.Flags().StringVar(&docType, "type", "", "article, collection or homepage")
	cmd.Flags().StringVar(&sortBy, "sort", "", "url, title or scraped_at")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var firm string
	cmd := &cobra.Command{
		Use:   "history URL",
		Short: "Show every version of a page, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			firmID, ok, err := firmScope(cmd.Context(), a, firm)
			if err != nil {
				return err
			}
			if !ok {
				return printJSON(cmd.OutOrStdout(), []docstore.Document{})
			}
			docs, err := a.Query().History(cmd.Context(), firmID, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), docs)
		},
	}
	cmd.Flags().StringVar(&firm, "firm", "", "firm name")
	_ = cmd.MarkFlagRequired("firm")
	return cmd
}

func newSearchCmd() *cobra.Command {
	var firm string
	cmd := &cobra.Command{
		Use:   "search TERM",
		Short: "Case-insensitive search over current titles and bodies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			firmID, ok, err := firmScope(cmd.Context(), a, firm)
			if err != nil {
				return err
			}
			if !ok {
				return printJSON(cmd.OutOrStdout(), []docstore.Document{})
			}
			docs, err := a.Query().Search(cmd.Context(), args[0], firmID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), docs)
		},
	}
	cmd.Flags().StringVar(&firm, "firm", "", "restrict to one firm")
	return cmd
}

func newStatsCmd() *cobra.Command {
	var firm string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show document counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			firmID, ok, err := firmScope(cmd.Context(), a, firm)
			if err != nil {
				return err
			}
			if !ok {
				return printJSON(cmd.OutOrStdout(), docstore.Stats{
					ByType: map[docstore.DocType]int{},
					ByFirm: map[string]int{},
				})
			}
			stats, err := a.Query().Stats(cmd.Context(), firmID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().StringVar(&firm, "firm", "", "restrict to one firm")
	return cmd
}

func newMergedCmd() *cobra.Command {
	var firm string
	cmd := &cobra.Command{
		Use:   "merged",
		Short: "List current documents reached through more than one raw URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			firmID, ok, err := firmScope(cmd.Context(), a, firm)
			if err != nil {
				return err
			}
			if !ok {
				return printJSON(cmd.OutOrStdout(), []query.MergedURL{})
			}
			merged, err := a.Query().MergedURLs(cmd.Context(), firmID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), merged)
		},
	}
	cmd.Flags().StringVar(&firm, "firm", "", "restrict to one firm")
	return cmd
}

func newParagraphsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "paragraphs DOC_ID",
		Short: "Show the stored paragraphs of a document version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			paras, err := a.Query().Paragraphs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), paras)
		},
	}
}

func newExportCmd() *cobra.Command {
	var firm string
	cmd := &cobra.Command{
		Use:   "export FILE",
		Short: "Write current documents to a JSON file (\"-\" for stdout)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			docs := []docstore.Document{}
			firmID, ok, err := firmScope(cmd.Context(), a, firm)
			if err != nil {
				return err
			}
			if ok {
				docs, err = a.Query().CurrentDocuments(cmd.Context(), query.Filter{FirmID: firmID, Sort: query.SortURL})
				if err != nil {
					return err
				}
			}
			if args[0] == "-" {
				return printJSON(cmd.OutOrStdout(), docs)
			}
			// #nosec G304 -- the path is an operator-supplied output file.
			f, err := os.Create(args[0])
			if err != nil {
				return fmt.Errorf("create %s: %w", args[0], err)
			}
			if err := printJSON(f, docs); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d documents to %s\n", len(docs), args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&firm, "firm", "", "restrict to one firm")
	return cmd
}
