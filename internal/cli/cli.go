// Package cli implements sweepctl, the operator command line for a running
// sweeper daemon.
//
//	sweepctl
//	├── create -f def.yaml [--start]
//	├── start [id] [-f def.yaml]
//	├── status [id]
//	├── pause|resume|kill|clear|remove id
//	├── export id [-o def.yaml]
//	├── queue add|load|remove|start|pause|resume|kill|status
//	├── params
//	├── plot id -o sweep.png
//	├── summary id
//	└── version
//
// Job control goes over gRPC (--server); plots and summaries are fetched
// from the monitor HTTP server (--monitor).
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/sweeper/internal/control"
	"github.com/banshee-data/sweeper/internal/fsutil"
	"github.com/banshee-data/sweeper/internal/httputil"
	"github.com/banshee-data/sweeper/internal/sweep"
	"github.com/banshee-data/sweeper/internal/version"
)

// Defaults for the global flags.
const (
	DefaultServer  = "localhost:50061"
	DefaultMonitor = "http://localhost:8090"
	DefaultTimeout = 30 * time.Second
)

// Options injects the transports, mainly for tests.
type Options struct {
	Out  io.Writer
	Dial func(target string) (*control.Client, error)
	HTTP httputil.HTTPClient
	// FS reads definitions and plans and receives exports and plots.
	FS fsutil.FileSystem
}

// app holds the global flags and transports shared by every command.
type app struct {
	opts    Options
	server  string
	monitor string
	timeout time.Duration
	asJSON  bool
}

// BuildCLI returns the root command.
func BuildCLI(opts Options) *cobra.Command {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Dial == nil {
		opts.Dial = control.Dial
	}
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	a := &app{opts: opts}

	root := &cobra.Command{
		Use:           "sweepctl",
		Short:         "Control a running sweeper daemon",
		Long:          "sweepctl creates, starts and monitors parameter sweeps and the sweep queue of a sweeper daemon.",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(opts.Out)

	root.PersistentFlags().StringVarP(&a.server, "server", "s", DefaultServer, "gRPC address of the daemon")
	root.PersistentFlags().StringVar(&a.monitor, "monitor", DefaultMonitor, "base URL of the monitor HTTP server")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", DefaultTimeout, "timeout of each request")
	root.PersistentFlags().BoolVar(&a.asJSON, "json", false, "print JSON instead of tables")

	root.AddCommand(
		a.buildCreateCommand(),
		a.buildStartCommand(),
		a.buildStatusCommand(),
		a.buildSweepActionCommand("pause", "Pause a running sweep", (*control.Client).Pause),
		a.buildSweepActionCommand("resume", "Resume a paused sweep", (*control.Client).Resume),
		a.buildSweepActionCommand("kill", "Kill a sweep", (*control.Client).Kill),
		a.buildSweepActionCommand("clear", "Clear the error of a sweep", (*control.Client).ClearError),
		a.buildRemoveCommand(),
		a.buildExportCommand(),
		a.buildQueueCommand(),
		a.buildParamsCommand(),
		a.buildPlotCommand(),
		a.buildSummaryCommand(),
		a.buildVersionCommand(),
	)
	return root
}

// withClient dials the daemon and runs fn with a request context.
func (a *app) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *control.Client) error) error {
	c, err := a.opts.Dial(a.server)
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
	defer cancel()
	return fn(ctx, c)
}

func (a *app) api() *httputil.APIClient {
	return httputil.NewAPIClient(a.monitor, a.opts.HTTP)
}

func (a *app) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.timeout)
}

func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.opts.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readDefinition reads a YAML (or JSON) sweep definition.
func (a *app) readDefinition(path string) (sweep.Definition, error) {
	var def sweep.Definition
	b, err := a.opts.FS.ReadFile(path)
	if err != nil {
		return def, fmt.Errorf("failed to read definition: %w", err)
	}
	if err := yaml.Unmarshal(b, &def); err != nil {
		return def, fmt.Errorf("failed to parse definition %s: %w", path, err)
	}
	if def.Class == "" {
		return def, fmt.Errorf("definition %s has no class", path)
	}
	return def, nil
}

func (a *app) buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sweepctl version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(a.opts.Out, "sweepctl %s\n", version.String())
			return err
		},
	}
}
