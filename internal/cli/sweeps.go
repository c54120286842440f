package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/sweeper/internal/control"
	"github.com/banshee-data/sweeper/internal/sweep"
)

func (a *app) printSweeps(infos []sweep.Info) error {
	if a.asJSON {
		return a.printJSON(infos)
	}
	tw := tabwriter.NewWriter(a.opts.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tNAME\tSTATE\tPROGRESS\tERROR")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1f%%\t%s\n",
			info.ID, info.Kind, info.Name, info.State, info.Progress*100, info.ErrorMessage)
	}
	return tw.Flush()
}

func (a *app) printSweep(info sweep.Info) error {
	if a.asJSON {
		return a.printJSON(info)
	}
	tw := tabwriter.NewWriter(a.opts.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id:\t%s\n", info.ID)
	fmt.Fprintf(tw, "kind:\t%s\n", info.Kind)
	if info.Name != "" {
		fmt.Fprintf(tw, "name:\t%s\n", info.Name)
	}
	fmt.Fprintf(tw, "state:\t%s\n", info.State)
	fmt.Fprintf(tw, "progress:\t%.1f%%\n", info.Progress*100)
	if len(info.Followed) > 0 {
		fmt.Fprintf(tw, "following:\t%s\n", strings.Join(info.Followed, ", "))
	}
	if info.ErrorMessage != "" {
		fmt.Fprintf(tw, "error:\t%s (%d so far)\n", info.ErrorMessage, info.ErrorCount)
	}
	if info.StartedAt != nil {
		fmt.Fprintf(tw, "started:\t%s\n", info.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if info.CompletedAt != nil {
		fmt.Fprintf(tw, "completed:\t%s\n", info.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func (a *app) buildCreateCommand() *cobra.Command {
	var file string
	var start bool
	cmd := &cobra.Command{
		Use:   "create -f def.yaml",
		Short: "Create a sweep from a definition file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := a.readDefinition(file)
			if err != nil {
				return err
			}
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				info, err := c.Create(ctx, def, start)
				if err != nil {
					return err
				}
				return a.printSweep(info)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "sweep definition (YAML or JSON)")
	cmd.Flags().BoolVar(&start, "start", false, "start the sweep once created")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (a *app) buildStartCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "start [id | -f def.yaml]",
		Short: "Start an existing sweep, or create and start one from a file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (file == "") == (len(args) == 0) {
				return errors.New("give either a sweep id or -f")
			}
			var def sweep.Definition
			if file != "" {
				var err error
				if def, err = a.readDefinition(file); err != nil {
					return err
				}
			}
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				var info sweep.Info
				var err error
				if file != "" {
					info, err = c.Create(ctx, def, true)
				} else {
					info, err = c.Start(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return a.printSweep(info)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "sweep definition (YAML or JSON)")
	return cmd
}

func (a *app) buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [id]",
		Short: "Show one sweep, or list all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				if len(args) == 1 {
					info, err := c.Status(ctx, args[0])
					if err != nil {
						return err
					}
					return a.printSweep(info)
				}
				infos, err := c.List(ctx)
				if err != nil {
					return err
				}
				return a.printSweeps(infos)
			})
		},
	}
}

type sweepAction func(c *control.Client, ctx context.Context, id string) (sweep.Info, error)

func (a *app) buildSweepActionCommand(name, short string, action sweepAction) *cobra.Command {
	return &cobra.Command{
		Use:   name + " id",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				info, err := action(c, ctx, args[0])
				if err != nil {
					return err
				}
				return a.printSweep(info)
			})
		},
	}
}

func (a *app) buildRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove id",
		Short: "Forget a finished sweep",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				if err := c.Remove(ctx, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(a.opts.Out, "removed %s\n", args[0])
				return err
			})
		},
	}
}

func (a *app) buildExportCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export id",
		Short: "Write the definition of a sweep as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				def, err := c.Export(ctx, args[0])
				if err != nil {
					return err
				}
				if a.asJSON {
					return a.printJSON(def)
				}
				b, err := yaml.Marshal(def)
				if err != nil {
					return err
				}
				if out == "" {
					_, err = a.opts.Out.Write(b)
					return err
				}
				if err := a.opts.FS.WriteFile(out, b, 0644); err != nil {
					return fmt.Errorf("failed to write %s: %w", out, err)
				}
				_, err = fmt.Fprintf(a.opts.Out, "wrote %s\n", out)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

func (a *app) buildParamsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "params",
		Short: "Read every instrument parameter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				params, err := c.Params(ctx)
				if err != nil {
					return err
				}
				if a.asJSON {
					return a.printJSON(params)
				}
				tw := tabwriter.NewWriter(a.opts.Out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tVALUE\tUNIT\tRANGE")
				for _, p := range params {
					val := p.Error
					if p.Value != nil {
						val = fmt.Sprintf("%g", *p.Value)
					}
					rng := ""
					if p.Min != nil && p.Max != nil {
						rng = fmt.Sprintf("[%g, %g]", *p.Min, *p.Max)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, val, p.Unit, rng)
				}
				return tw.Flush()
			})
		},
	}
}
