package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ketolab/ketorank/internal/output"
	"github.com/ketolab/ketorank/internal/weights"
)

func newProfilesCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List weight profiles",
		Long: `List the built-in weight profiles merged with search.profiles_file.

The profile marked with * is the one a search without --profile uses.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg, err := weights.Load(cfg.Search.ProfilesFile)
			if err != nil {
				return err
			}
			active := weights.Resolve("", "", cfg.Search.Profile)

			out := output.New(cmd.OutOrStdout())
			if jsonOutput {
				specs := make(map[string]weights.Spec, reg.Len())
				for _, name := range reg.Names() {
					p, _ := reg.Get(name)
					specs[name] = p.Spec()
				}
				return out.JSON(map[string]any{"active": active, "profiles": specs})
			}
			return out.Table(profileRows(reg, active))
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func profileRows(reg *weights.Registry, active string) [][]string {
	header := []string{"name"}
	for _, src := range weights.Sources {
		header = append(header, string(src))
	}
	header = append(header, "threshold", "max", "timeout")

	rows := [][]string{header}
	for _, name := range reg.Names() {
		p, _ := reg.Get(name)
		label := name
		if name == active {
			label += " *"
		}
		row := []string{label}
		for _, src := range weights.Sources {
			row = append(row, fmt.Sprintf("%.2f", p.Weight(src)))
		}
		row = append(row,
			fmt.Sprintf("%.2f", p.SimilarityThreshold()),
			fmt.Sprintf("%d", p.MaxResults()),
			p.AdapterTimeout().String())
		rows = append(rows, row)
	}
	return rows
}
