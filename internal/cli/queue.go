package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/banshee-data/sweeper/internal/control"
	"github.com/banshee-data/sweeper/internal/sweep"
)

func (a *app) printQueue(q sweep.QueueInfo) error {
	if a.asJSON {
		return a.printJSON(q)
	}
	fmt.Fprintf(a.opts.Out, "queue: %s", q.Status)
	if q.Current != "" {
		fmt.Fprintf(a.opts.Out, " (running %s)", q.Current)
	}
	fmt.Fprintln(a.opts.Out)
	if q.LastError != "" {
		fmt.Fprintf(a.opts.Out, "last error: %s\n", q.LastError)
	}
	return a.printEntries(q.Entries)
}

func (a *app) printEntries(entries []sweep.EntryInfo) error {
	if a.asJSON {
		return a.printJSON(entries)
	}
	if len(entries) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(a.opts.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tENTRY\tKIND\tLABEL\tSWEEP\tSTATE")
	for i, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", i+1, e.ID, e.Kind, e.Label, e.SweepID, e.State)
	}
	return tw.Flush()
}

func (a *app) buildQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage the sweep queue",
	}
	cmd.AddCommand(
		a.buildQueueAddCommand(),
		a.buildQueueLoadCommand(),
		a.buildQueueRemoveCommand(),
		a.buildQueueActionCommand("start", "Start processing the queue", (*control.Client).QueueStart),
		a.buildQueueActionCommand("pause", "Pause the sweep the queue is running", (*control.Client).QueuePause),
		a.buildQueueActionCommand("resume", "Resume the sweep the queue is running", (*control.Client).QueueResume),
		a.buildQueueActionCommand("kill", "Stop the queue and kill its sweep", (*control.Client).QueueKill),
		a.buildQueueActionCommand("status", "Show the queue", (*control.Client).QueueStatus),
	)
	return cmd
}

type queueAction func(c *control.Client, ctx context.Context) (sweep.QueueInfo, error)

func (a *app) buildQueueActionCommand(name, short string, action queueAction) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				q, err := action(c, ctx)
				if err != nil {
					return err
				}
				return a.printQueue(q)
			})
		},
	}
}

func (a *app) buildQueueAddCommand() *cobra.Command {
	var switchTo string
	cmd := &cobra.Command{
		Use:   "add [id...] [--context database/experiment/sample]",
		Short: "Append sweeps, or a switch of database context, to the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && switchTo == "" {
				return errors.New("give sweep ids or --context")
			}
			var database, experiment, sample string
			if switchTo != "" {
				parts := strings.Split(switchTo, "/")
				if len(parts) != 3 {
					return fmt.Errorf("--context wants database/experiment/sample, got %q", switchTo)
				}
				database, experiment, sample = parts[0], parts[1], parts[2]
			}
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				var added []sweep.EntryInfo
				if switchTo != "" {
					e, err := c.EnqueueContext(ctx, database, experiment, sample)
					if err != nil {
						return err
					}
					added = append(added, e)
				}
				for _, id := range args {
					e, err := c.Enqueue(ctx, id)
					if err != nil {
						return err
					}
					added = append(added, e)
				}
				return a.printEntries(added)
			})
		},
	}
	cmd.Flags().StringVar(&switchTo, "context", "", "queue a switch to database/experiment/sample before the sweeps")
	return cmd
}

func (a *app) buildQueueLoadCommand() *cobra.Command {
	var file string
	var start bool
	cmd := &cobra.Command{
		Use:   "load -f plan.yaml",
		Short: "Queue every job of a plan file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := control.ReadPlanFile(a.opts.FS, file)
			if err != nil {
				return err
			}
			if start {
				plan.Start = true
			}
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				entries, err := c.LoadPlan(ctx, plan)
				if err != nil {
					return err
				}
				return a.printEntries(entries)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "queue plan (YAML)")
	cmd.Flags().BoolVar(&start, "start", false, "start the queue once loaded")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (a *app) buildQueueRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove entry-id",
		Short: "Remove a waiting entry from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				q, err := c.Dequeue(ctx, args[0])
				if err != nil {
					return err
				}
				return a.printQueue(q)
			})
		},
	}
}
