package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/plural-appserver/cli"
	"github.com/zhubert/plural-appserver/config"
	"github.com/zhubert/plural-appserver/logger"
	"github.com/zhubert/plural-appserver/paths"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the agent CLI is installed and show where files live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			settings, err := config.Load()
			if err != nil {
				return err
			}
			prereqs := cli.DefaultPrerequisites(settings.GetCLIPath())
			fmt.Fprint(out, cli.FormatCheckResults(cli.CheckAll(prereqs)))

			fmt.Fprintln(out)
			fmt.Fprintf(out, "settings:  %s\n", settings.FilePath())
			if dir, err := paths.SessionsDir(); err == nil {
				fmt.Fprintf(out, "sessions:  %s\n", dir)
			}
			fmt.Fprintf(out, "log:       %s\n", logger.Path())
			fmt.Fprintf(out, "approvals: %s\n", settings.GetApprovalMode())

			return cli.ValidateRequired(prereqs)
		},
	}
}
