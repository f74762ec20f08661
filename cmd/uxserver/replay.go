package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/uxcore/pkg/recorder"
)

func replayCmd() *cobra.Command {
	var (
		component string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "replay <recording>",
		Short: "Print the commands of a session recording",
		Long: `Print the commands of a session recording, one per line, in the order
they were dispatched to the client.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			printed := 0
			return recorder.ReplayFile(args[0], func(e recorder.Entry) error {
				if component != "" && e.Command.ComponentID != component {
					return nil
				}
				if limit > 0 && printed >= limit {
					return nil
				}
				printed++
				ts := time.UnixMilli(e.Time).UTC().Format(time.RFC3339Nano)
				fmt.Fprintf(out, "%6d %s %-20s %-28s %s\n",
					e.Seq, ts, e.Command.ComponentID, e.Command.Name, e.Command.Payload)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&component, "component", "c", "", "Only print commands for this component id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Print at most n commands")

	return cmd
}
