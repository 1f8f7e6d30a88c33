package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zhubert/plural-appserver/appserver"
	"github.com/zhubert/plural-appserver/config"
	"github.com/zhubert/plural-appserver/rpc"
	"github.com/zhubert/plural-appserver/runtime"
)

func newModelsCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models the agent offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load()
			if err != nil {
				return err
			}
			trace, closeTrace, err := global.openTrace()
			if err != nil {
				return err
			}
			defer closeTrace()

			rt := runtime.New(runtime.Options{
				Process: rpc.ProcessConfig{
					Command: settings.GetCLIPath(),
					Env:     settings.GetEnv(),
				},
				Trace: trace,
			})
			defer rt.Close()

			models, err := rt.ListModels(cmd.Context())
			if err != nil {
				return err
			}
			printModels(cmd.OutOrStdout(), models, settings.GetModel())
			return nil
		},
	}
}

// printModels lists one model per line, marking the agent's default and
// the configured choice.
func printModels(w io.Writer, models []appserver.Model, configured string) {
	if len(models) == 0 {
		fmt.Fprintln(w, "No models reported.")
		return
	}
	for _, m := range models {
		line := m.ID
		if m.DisplayName != "" && m.DisplayName != m.ID {
			line += "  " + m.DisplayName
		}
		if m.IsDefault {
			line += "  (default)"
		}
		if configured != "" && m.ID == configured {
			line += "  (configured)"
		}
		fmt.Fprintln(w, line)
	}
}
