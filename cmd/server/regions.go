package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/browserbase-geo/internal/region"
)

var regionsFile string

var regionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "Inspect a regions file",
}

var regionsValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a regions file and exit non-zero on errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		regions, err := region.LoadFile(regionsFile)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d regions OK\n", regionsFile, len(regions))
		return nil
	},
}

var regionsPrintCmd = &cobra.Command{
	Use:     "print",
	Aliases: []string{"ls"},
	Short:   "List the regions defined in a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		regions, err := region.LoadFile(regionsFile)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tENDPOINT\tLAT\tLON\tWEIGHT\tMAX LATENCY")
		for _, r := range regions {
			maxLatency := "-"
			if r.MaxLatency > 0 {
				maxLatency = r.MaxLatency.String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%.2f\t%d\t%s\n",
				r.ID, r.Name, r.Endpoint,
				r.Location.Latitude, r.Location.Longitude,
				r.Weight, maxLatency)
		}
		return w.Flush()
	},
}

func init() {
	regionsCmd.PersistentFlags().StringVarP(&regionsFile, "file", "f", "regions.yaml", "regions file (.yaml, .yml or .toml)")
	regionsCmd.AddCommand(regionsValidateCmd, regionsPrintCmd)
}
