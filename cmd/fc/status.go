package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flowcanon/flowcanon"
	"github.com/flowcanon/flowcanon/internal/registry"
	"github.com/flowcanon/flowcanon/internal/storage/factory"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-model set counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := factory.New(ctx, opts.StoreBackend, opts.StorePath)
		if err != nil {
			return err
		}
		defer store.Close()

		reg := registry.New()
		if opts.ManifestPath != "" {
			descriptors, err := registry.LoadManifest(opts.ManifestPath)
			if err != nil {
				return err
			}
			if err := reg.Replace(descriptors); err != nil {
				return err
			}
		}

		pl := flowcanon.New(store, reg, opts)
		stats, err := pl.Stats(ctx)
		if err != nil {
			return err
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MODEL\tINTAKE\tKEYED\tPARKED\tTASKS\tREFS\tREJECTED")
		for _, st := range stats {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
				st.Model, st.Intake, st.Keyed, st.Parked, st.Tasks, st.References, st.Rejections)
		}
		return w.Flush()
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}
