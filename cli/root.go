// Package cli implements the grabq command line.
package cli

import (
	"context"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stevecastle/grabq/appconfig"
	"github.com/stevecastle/grabq/history"
	"github.com/stevecastle/grabq/observability"
	"github.com/stevecastle/grabq/runners"
)

// VersionInfo is stamped by the linker in release builds.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = VersionInfo{Version: "dev", Commit: "HEAD", BuildDate: "unknown"}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// app is the state shared by every subcommand of one invocation.
type app struct {
	cfgPath   string
	logLevel  string
	logFormat string

	cfg    appconfig.Config
	logger *zap.Logger
}

// Execute runs the command line with args and returns the first error.
func Execute(ctx context.Context, args []string) error {
	root := NewRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// NewRootCmd builds a fresh command tree.
func NewRootCmd() *cobra.Command {
	a := &app{logger: zap.NewNop()}
	root := &cobra.Command{
		Use:   "grabq",
		Short: "Queue and run yt-dlp downloads",
		Long: `grabq runs yt-dlp downloads through a bounded queue, tracks their progress
and keeps a history of finished jobs.

Examples:
  grabq get https://www.youtube.com/watch?v=dQw4w9WgXcQ
  grabq serve --open
  grabq history --status failed --since 24h`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.load,
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file (default "+appconfig.DefaultConfigPath()+")")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "override logging.format (console, json)")

	root.AddCommand(
		newGetCmd(a),
		newServeCmd(a),
		newHistoryCmd(a),
		newInfoCmd(a),
		newEngineCmd(a),
		newConfigCmd(a),
		newHashPasswordCmd(),
		newVersionCmd(),
	)
	return root
}

func (a *app) load(cmd *cobra.Command, _ []string) error {
	c, _, err := appconfig.Load(a.cfgPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		c.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		c.Logging.Format = a.logFormat
	}
	if err := observability.InitCLILogger(c.Logging.Level, c.Logging.Format); err != nil {
		return err
	}
	a.cfg = c
	a.logger = observability.CLILogger
	return nil
}

func (a *app) openHistory() (history.Store, error) {
	store, err := history.Open(a.cfg.History.Backend, a.cfg.History.Path, history.WithLogger(a.logger))
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return store, nil
}

func (a *app) newScheduler(store history.Store, logger *zap.Logger) *runners.Scheduler {
	return runners.New(runners.ConfigFrom(a.cfg),
		runners.WithHistory(store),
		runners.WithLogger(logger),
	)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "grabq %s\n", versionInfo.Version)
			fmt.Fprintf(out, "commit:  %s\n", versionInfo.Commit)
			fmt.Fprintf(out, "built:   %s\n", versionInfo.BuildDate)
			fmt.Fprintf(out, "runtime: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
