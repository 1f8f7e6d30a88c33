package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zhubert/plural-appserver/logger"
)

// version is overridden at build time with -ldflags.
var version = "dev"

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	debug bool
	trace bool
}

// newRootCmd creates the root command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "plural-appserver",
		Short:         "Chat with a coding agent over its app-server protocol",
		Long:          "plural-appserver starts the agent's app-server, answers its approval\nrequests from your policy and keeps a local log of every conversation.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path, err := logger.DefaultLogPath()
			if err != nil {
				return err
			}
			if err := logger.Init(path); err != nil {
				return fmt.Errorf("failed to open log file: %w", err)
			}
			logger.SetDebug(opts.debug)
			return nil
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "write debug messages to the log")
	cmd.PersistentFlags().BoolVar(&opts.trace, "trace", false, "record every protocol line in a trace log")

	cmd.AddCommand(
		newChatCmd(opts),
		newModelsCmd(opts),
		newSessionsCmd(),
		newDoctorCmd(),
	)
	return cmd
}

// openTrace returns the writer for --trace, or nil when tracing is off.
// The caller closes the returned closer.
func (o *globalOptions) openTrace() (io.Writer, func(), error) {
	if !o.trace {
		return nil, func() {}, nil
	}
	path, err := logger.TraceLogPath(fmt.Sprint(os.Getpid()))
	if err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open trace log: %w", err)
	}
	logger.Get().Info("tracing protocol", "path", path)
	return f, func() { _ = f.Close() }, nil
}
