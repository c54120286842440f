package cli

import (
	"fmt"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/banshee-data/sweeper/internal/monitor"
	"github.com/banshee-data/sweeper/internal/security"
)

func (a *app) buildPlotCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "plot id",
		Short: "Download a PNG plot of a sweep's live samples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if out == "" {
				out = security.SanitizeFilename(id) + ".png"
			}
			f, err := a.opts.FS.Create(out)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", out, err)
			}
			ctx, cancel := a.requestContext(cmd)
			defer cancel()
			n, err := a.api().Download(ctx, "/plots/"+url.PathEscape(id)+".png", f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				_ = a.opts.FS.Remove(out)
				return err
			}
			_, err = fmt.Fprintf(a.opts.Out, "wrote %s (%d bytes)\n", out, n)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default <id>.png)")
	return cmd
}

func (a *app) buildSummaryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "summary id",
		Short: "Print statistics of a sweep's live samples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.requestContext(cmd)
			defer cancel()
			var sum monitor.Summary
			if err := a.api().GetJSON(ctx, "/api/sweeps/"+url.PathEscape(args[0])+"/summary", &sum); err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(sum)
			}
			fmt.Fprintf(a.opts.Out, "sweep %s: %d samples buffered of %d, x axis %s\n", sum.SweepID, sum.Samples, sum.Total, sum.XAxis)
			tw := tabwriter.NewWriter(a.opts.Out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "COLUMN\tN\tMEAN\tSTD\tMIN\tMAX\tSLOPE")
			for _, c := range sum.Columns {
				slope := "-"
				if c.Slope != nil {
					slope = fmt.Sprintf("%.4g", *c.Slope)
				}
				fmt.Fprintf(tw, "%s\t%d\t%.4g\t%.4g\t%.4g\t%.4g\t%s\n", c.Name, c.Count, c.Mean, c.StdDev, c.Min, c.Max, slope)
			}
			return tw.Flush()
		},
	}
}
