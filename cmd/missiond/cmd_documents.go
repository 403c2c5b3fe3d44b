package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"missionlab/internal/rag"
)

var (
	ingestGroup string

	searchMode      string
	searchLimit     int
	searchThreshold float64
	searchGroup     string
	searchDocs      []string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [path...]",
	Short: "Ingest files under the documents root (all of them when no path is given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		if len(args) == 0 {
			n, err := a.watcher(ingestGroup).SyncAll(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingested %d document(s) from %s\n", n, a.documentsDir)
			return nil
		}

		for _, path := range args {
			doc, err := a.files.ReadDocument(ctx, path, ingestGroup)
			if err != nil {
				return err
			}
			stored, chunks, err := a.rag.IngestDocument(ctx, doc)
			if err != nil {
				return fmt.Errorf("ingest %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d chunks\n", stored.ID, stored.Path, len(chunks))
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search ingested documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		query := strings.Join(args, " ")
		opts := rag.SearchOptions{
			DocumentIDs: searchDocs,
			Group:       searchGroup,
			Threshold:   searchThreshold,
			Limit:       searchLimit,
		}
		var results []rag.SearchResult
		switch strings.ToLower(searchMode) {
		case "", "hybrid":
			results, err = a.rag.HybridSearch(ctx, query, opts)
		case "semantic":
			results, err = a.rag.SemanticSearch(ctx, query, opts)
		case "keyword":
			results, err = a.rag.KeywordSearch(ctx, query, opts)
		default:
			return fmt.Errorf("unknown search mode %q", searchMode)
		}
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SCORE\tMATCHED\tDOCUMENT\tEXCERPT")
		for _, r := range results {
			fmt.Fprintf(tw, "%.3f\t%s\t%s\t%s\n", r.Score, strings.Join(r.MatchedBy, "+"), r.Chunk.DocumentID, excerpt(r.Chunk.Content, 80))
		}
		return tw.Flush()
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestGroup, "group", "", "group assigned to ingested documents")

	searchCmd.Flags().StringVar(&searchMode, "mode", "hybrid", "search mode: hybrid, semantic or keyword")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 0, "maximum results (default from config)")
	searchCmd.Flags().Float64Var(&searchThreshold, "threshold", 0, "minimum semantic similarity (default from config)")
	searchCmd.Flags().StringVar(&searchGroup, "group", "", "restrict to a document group")
	searchCmd.Flags().StringSliceVar(&searchDocs, "document", nil, "restrict to document ids")
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
