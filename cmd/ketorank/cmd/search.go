package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ketolab/ketorank/internal/output"
	"github.com/ketolab/ketorank/internal/search"
)

type searchOptions struct {
	profile string
	format  string // "text", "json"
	limit   int    // 0 keeps the profile's max_results
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search indexed recipes and menu items",
		Long: `Search the indexed corpus with hybrid retrieval.

Every source enabled by the weight profile is queried concurrently.
A source that fails or times out is reported and skipped; the rest
still produce results.

Examples:
  ketorank search "김치찌개"
  ketorank search "cauliflower rice" --profile keyword
  ketorank search "bulgogi no rice" --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return runSearch(commandContext(cmd), cmd, query, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.profile, "profile", "p", "", "Weight profile (default: $KETORANK_WEIGHT_PROFILE, then search.profile)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Maximum results to print (0 uses the profile limit)")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, opts searchOptions) error {
	if opts.format != "text" && opts.format != "json" {
		return fmt.Errorf("invalid format %q (use: text, json)", opts.format)
	}

	svc, _, err := openService(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	res, err := svc.Retrieve(ctx, query, opts.profile)
	if err != nil {
		return err
	}
	slog.Info("search_complete",
		slog.String("profile", res.Profile),
		slog.Int("results", len(res.Items)),
		slog.Bool("degraded", res.Degraded()))

	items := res.Items
	if opts.limit > 0 && len(items) > opts.limit {
		items = items[:opts.limit]
	}

	out := output.New(cmd.OutOrStdout())
	if opts.format == "json" {
		return out.JSON(newSearchJSON(query, res, items))
	}
	printSearchText(out, query, res, items)
	return nil
}

// searchJSON is the --format json document.
type searchJSON struct {
	Query         string               `json:"query"`
	Profile       string               `json:"profile"`
	RequestID     string               `json:"request_id"`
	Results       []search.FusedResult `json:"results"`
	HitCounts     map[string]int       `json:"hit_counts"`
	FailedSources map[string]string    `json:"failed_sources,omitempty"`
	LatencyMS     int64                `json:"latency_ms"`
}

func newSearchJSON(query string, res *search.Result, items []search.FusedResult) searchJSON {
	doc := searchJSON{
		Query:     query,
		Profile:   res.Profile,
		RequestID: res.RequestID,
		Results:   items,
		HitCounts: make(map[string]int, len(res.HitCounts)),
		LatencyMS: res.Latency.Milliseconds(),
	}
	if doc.Results == nil {
		doc.Results = []search.FusedResult{}
	}
	for src, n := range res.HitCounts {
		doc.HitCounts[string(src)] = n
	}
	if res.Degraded() {
		doc.FailedSources = make(map[string]string, len(res.Failures))
		for src, ferr := range res.Failures {
			doc.FailedSources[string(src)] = ferr.Error()
		}
	}
	return doc
}

func printSearchText(out *output.Writer, query string, res *search.Result, items []search.FusedResult) {
	for _, src := range res.FailedSources() {
		out.Warningf("%s source unavailable: %v", src, res.Failures[src])
	}

	if res.NoResults() {
		out.Statusf("🔍", "No results for %q (profile %s)", query, res.Profile)
		return
	}

	out.Statusf("🔍", "%d results for %q (profile %s, %s)",
		len(items), query, res.Profile, res.Latency.Round(time.Microsecond))
	out.Newline()
	for i, item := range items {
		out.Statusf("", "%2d. %s  %s", i+1, out.Bold(item.Title), out.Score(item.HybridScore))
		out.Statusf("", "    %s  %s", out.Dim(item.ItemID), formatSources(item))
	}
}

func formatSources(item search.FusedResult) string {
	parts := make([]string, 0, len(item.ContributingSources))
	for _, src := range item.ContributingSources {
		parts = append(parts, fmt.Sprintf("%s=%.2f", src, item.Scores[src]))
	}
	return "[" + strings.Join(parts, " ") + "]"
}
