package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ketolab/ketorank/internal/output"
)

// cacheKeyOptions are the key dimensions shared by every cache subcommand.
type cacheKeyOptions struct {
	scope   string
	model   string
	options map[string]string
}

func newCacheCmd() *cobra.Command {
	var key cacheKeyOptions

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Look up, store or invalidate cached answers",
		Long: `Manage the semantic answer cache.

Answers are keyed by the normalized query together with --scope, --model
and every --option. Queries that differ only in spacing, punctuation,
case, or a trailing request phrase share one entry.

The memory backend does not outlive the process; use cache.backend
badger or sqlite when driving the cache from the CLI.`,
		Example: `  ketorank cache store "7일 식단표 만들어줘" "day 1: bacon and eggs" --scope user:1 --model gpt-4o
  ketorank cache lookup "7일 식단표 부탁해" --scope user:1 --model gpt-4o
  ketorank cache invalidate "7일 식단표" --scope user:1 --model gpt-4o`,
	}

	cmd.PersistentFlags().StringVar(&key.scope, "scope", "", "Cache scope, e.g. a user or tenant id")
	cmd.PersistentFlags().StringVar(&key.model, "model", "", "Model version the answer was generated with")
	cmd.PersistentFlags().StringToStringVar(&key.options, "option", nil, "Generation option key=value (repeatable)")

	cmd.AddCommand(newCacheLookupCmd(&key))
	cmd.AddCommand(newCacheStoreCmd(&key))
	cmd.AddCommand(newCacheInvalidateCmd(&key))

	return cmd
}

func newCacheLookupCmd(key *cacheKeyOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "lookup <query>",
		Short: "Print the cached answer for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			svc, _, err := openService(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			out := output.New(cmd.OutOrStdout())
			query := strings.Join(args, " ")
			answer, meta, ok := svc.CacheLookup(ctx, query, key.scope, key.model, key.options)

			if jsonOutput {
				return out.JSON(map[string]any{"hit": ok, "answer": answer, "metadata": meta})
			}
			if !ok {
				out.Status("💨", "Cache miss")
				return nil
			}
			_, err = cmd.OutOrStdout().Write([]byte(answer + "\n"))
			return err
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newCacheStoreCmd(key *cacheKeyOptions) *cobra.Command {
	var metadata map[string]string

	cmd := &cobra.Command{
		Use:   "store <query> <answer>",
		Short: "Store an answer for a query",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			svc, cfg, err := openService(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			if err := svc.CacheStore(ctx, args[0], key.scope, key.model, key.options, args[1], metadata); err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Successf("Stored answer (ttl %s)", cfg.Cache.TTL)
			return nil
		},
	}

	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "Metadata key=value kept with the answer (repeatable)")

	return cmd
}

func newCacheInvalidateCmd(key *cacheKeyOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <query>",
		Short: "Remove the cached answer for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			svc, _, err := openService(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			if err := svc.CacheInvalidate(ctx, strings.Join(args, " "), key.scope, key.model, key.options); err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Success("Invalidated")
			return nil
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
