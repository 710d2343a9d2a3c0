package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/slate-dev/slate/internal/app"
	"github.com/slate-dev/slate/internal/config"
)

var (
	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"
)

// SetVersionInfo sets the version information injected via ldflags.
func SetVersionInfo(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

// options are the persistent flags shared by every command
type options struct {
	configPath string
	dataDir    string
	jsonLogs   bool
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
}

// NewRootCommand builds the slate command tree
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "slate",
		Short: "SLATE routes development tasks to AI agents",
		Long: `SLATE keeps a queue of development tasks and routes each one to the agent
best suited for it, reserving GPU, CPU and memory for the work in flight.

Routing runs on a tick, queue health on a sweep. Both can be run once from
the command line or on a schedule with "slate serve".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default ./config/slate.yaml or $HOME/.slate/slate.yaml)")
	flags.StringVar(&opts.dataDir, "data-dir", "", "data directory, overrides data_dir")
	flags.BoolVar(&opts.jsonLogs, "json-logs", false, "write production JSON logs")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level, overrides log.level")

	root.AddCommand(
		newVersionCommand(),
		newServeCommand(opts),
		newEnqueueCommand(opts),
		newTasksCommand(opts),
		newResultCommand(opts, "complete", "Mark an in-progress task completed"),
		newResultCommand(opts, "fail", "Mark an in-progress task failed"),
		newResultCommand(opts, "timeout", "Mark an in-progress task timed out"),
		newResultCommand(opts, "cancel", "Cancel a task"),
		newResultCommand(opts, "block", "Park a pending task"),
		newResultCommand(opts, "unblock", "Return a blocked task to pending"),
		newResultCommand(opts, "requeue", "Clear flags and retry a task"),
		newTickCommand(opts),
		newSweepCommand(opts),
		newStatusCommand(opts),
		newAgentsCommand(opts),
	)
	return root
}

func (o *options) load() error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.jsonLogs {
		cfg.Log.JSON = true
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.logger = logger
	return nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zc := zap.NewDevelopmentConfig()
	if cfg.JSON {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// withApp wires the application for the duration of fn
func (o *options) withApp(ctx context.Context, fn func(a *app.App) error) error {
	a, err := app.New(ctx, o.cfg, o.logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "slate %s\ncommit: %s\nbuilt:  %s\n", appVersion, appCommit, appDate)
		},
	}
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}
