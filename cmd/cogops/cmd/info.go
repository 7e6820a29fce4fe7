package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/tingold/cogops"
)

// NewInfoCmd prints the structure and georeferencing of a COG.
func NewInfoCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info [path|url]",
		Short: "describe a COG",
		Long:  "Prints size, sample type, georeferencing and overviews of a local or remote COG.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cogops.Open(args[0], nil)
			if err != nil {
				return err
			}
			defer c.Close()
			printInfo(cmd.OutOrStdout(), c)
			return nil
		},
	}
	return cmd
}

func printInfo(w io.Writer, c *cogops.COG) {
	fmt.Fprintf(w, "Size: %d x %d\n", c.Width(), c.Height())
	fmt.Fprintf(w, "Bands: %d\n", c.BandCount())
	fmt.Fprintf(w, "DataType: %v\n", c.DataType())
	fmt.Fprintf(w, "Compression: %d\n", c.Compression())
	if crs := c.CRS(); crs != "" {
		fmt.Fprintf(w, "CRS: %s\n", crs)
	}
	if gt := c.GeoTransform(); !gt.IsZero() {
		fmt.Fprintf(w, "GeoTransform: %v\n", [6]float64(gt))
		b := c.Bounds()
		fmt.Fprintf(w, "Bounds: [%g, %g] - [%g, %g]\n", b.Min[0], b.Min[1], b.Max[0], b.Max[1])
	}
	if nd, ok := c.NoData(); ok {
		fmt.Fprintf(w, "NoData: %g\n", nd)
	}
	fmt.Fprintf(w, "Overviews: %d\n", c.OverviewCount())
	for i := 1; i <= c.OverviewCount(); i++ {
		m := c.GetOverview(i)
		fmt.Fprintf(w, "  %d: %d x %d\n", i, m.Width, m.Height)
	}
}
