package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func driversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drivers",
		Short: "List discovered drivers and report invalid manifests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.close()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tVERSION\tTRANSPORT\tSTATE\tDESCRIPTION")
			for _, rec := range eng.reg.List() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					rec.ID, rec.Manifest.Version, rec.Manifest.Transport, rec.State, rec.Manifest.Description)
			}
			w.Flush()

			if invalid := eng.reg.InvalidManifests(); len(invalid) > 0 {
				fmt.Fprintln(os.Stderr, "\nInvalid manifests:")
				for _, inv := range invalid {
					fmt.Fprintf(os.Stderr, "  %s: %v\n", inv.Dir, inv.Err)
				}
			}
			return nil
		},
	}
}
