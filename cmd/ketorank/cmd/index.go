package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ketolab/ketorank/internal/corpus"
	"github.com/ketolab/ketorank/internal/output"
)

func newIndexCmd() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "index <items.jsonl>",
		Short: "Index recipes and menu items from a JSONL file",
		Long: `Index a JSONL corpus into the keyword store, the full-text index and
the vector graph.

Each line is one item:
  {"id":"r1","kind":"recipe","title":"김치찌개","content":"...","payload":{"net_carbs_g":6}}

Malformed lines are reported and skipped unless --strict is set.
Only one index run may hold a data directory at a time.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(commandContext(cmd), cmd, args[0], strict)
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "Fail when any line is malformed")

	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, path string, strict bool) error {
	out := output.New(cmd.OutOrStdout())

	loaded, err := corpus.LoadFile(path)
	if err != nil {
		return err
	}
	for _, skipped := range loaded.Skipped {
		out.Warningf("skipped %v", skipped)
	}
	if strict && len(loaded.Skipped) > 0 {
		return fmt.Errorf("%d malformed lines in %s", len(loaded.Skipped), path)
	}

	svc, cfg, err := openService(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	out.Statusf("📦", "Indexing %d items into %s", len(loaded.Items), cfg.Storage.DataDir)
	res, err := svc.Index(ctx, loaded.Items)
	if err != nil {
		return err
	}

	out.Successf("Indexed %d items (%d vectors, %d batches) in %s",
		res.Items, res.Vectors, res.Batches, res.Duration.Round(time.Millisecond))
	return nil
}
