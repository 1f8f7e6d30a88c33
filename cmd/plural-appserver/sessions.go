package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhubert/plural-appserver/sessionlog"
)

// storeFunc opens the session store. Tests substitute a temporary one.
type storeFunc func() (*sessionlog.Store, error)

func newSessionsCmd() *cobra.Command {
	return newSessionsCmdWithStore(sessionlog.DefaultStore)
}

// newSessionsCmdWithStore creates the "sessions" command group wired to open.
func newSessionsCmdWithStore(open storeFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect the local conversation log",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List logged conversations, most recent first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := open()
				if err != nil {
					return err
				}
				metas, err := store.List()
				if err != nil {
					return err
				}
				printSessions(cmd.OutOrStdout(), metas)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Print the transcript of a conversation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := open()
				if err != nil {
					return err
				}
				conv, err := store.Load(args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if conv.Title != "" {
					fmt.Fprintf(out, "# %s\n\n", conv.Title)
				}
				fmt.Fprintln(out, sessionlog.FormatTranscript(conv.Messages))
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <id> [id...]",
			Short: "Delete logged conversations",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := open()
				if err != nil {
					return err
				}
				for _, id := range args {
					if _, err := store.Load(id); errors.Is(err, sessionlog.ErrNotFound) {
						return fmt.Errorf("session %s not found", id)
					}
					if err := store.Delete(id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", id)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete every logged conversation",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := open()
				if err != nil {
					return err
				}
				n, err := store.ClearAll()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d session(s)\n", n)
				return nil
			},
		},
	)
	return cmd
}

func printSessions(w io.Writer, metas []sessionlog.Meta) {
	if len(metas) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return
	}
	for _, m := range metas {
		title := m.Title
		if title == "" {
			title = "(untitled)"
		}
		updated := time.UnixMilli(m.UpdatedAt).Format("2006-01-02 15:04")
		fmt.Fprintf(w, "%-40s  %s  %s\n", m.ID, updated, title)
	}
}
