package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vbonduro/nutrilens/internal/app"
	"github.com/vbonduro/nutrilens/internal/config"
	"github.com/vbonduro/nutrilens/internal/logging"
)

// Options holds CLI-level configuration.
type Options struct {
	Verbose bool
}

// runtime builds the container lazily so that --help and flag errors never
// touch the database.
type runtime struct {
	opts      Options
	container *app.Container
	cleanup   func()
}

func (rt *runtime) init(ctx context.Context, cmd *cobra.Command) error {
	if rt.container != nil {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Only the server logs at the configured level; other commands keep the
	// terminal for their own output.
	level, format := cfg.LogLevel, cfg.LogFormat
	if cmd.Name() != "serve" {
		format = "text"
		if !rt.opts.Verbose {
			level = "error"
		}
	}
	logger, cleanup, err := logging.New(level, format, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	container, err := app.BuildContainer(ctx, cfg, logger)
	if err != nil {
		cleanup()
		return err
	}
	rt.container = container
	rt.cleanup = cleanup
	return nil
}

func (rt *runtime) close() {
	if rt.container == nil {
		return
	}
	if err := rt.container.Close(); err != nil {
		rt.container.Logger.Error("failed to close resources", "error", err)
	}
	rt.cleanup()
	rt.container = nil
}

// Execute runs the command tree with args taken from the process.
func Execute(ctx context.Context, opts Options) error {
	rt := &runtime{opts: opts}
	defer rt.close()
	return newRootCmd(rt).ExecuteContext(ctx)
}

func newRootCmd(rt *runtime) *cobra.Command {
	root := &cobra.Command{
		Use:   "nutrilens",
		Short: "Glycemic index and nutrition analysis for recipes and dish photos",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return rt.init(cmd.Context(), cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&rt.opts.Verbose, "verbose", "v", rt.opts.Verbose, "Log diagnostics to stderr")

	root.AddCommand(
		newServeCommand(rt),
		newAnalyzeCommand(rt),
		newChatCommand(rt),
		newHistoryCommand(rt),
		newUsageCommand(rt),
		newRefdataCommand(rt),
		newKeyCommand(rt),
	)
	return root
}
