// Package rollout wires the marathonctl "rollout" command group: "run" drives a simulated rolling replacement end
// to end, "explain" prints the pure ignition/scaling arithmetic for a given set of flags without running anything.
package rollout

import "github.com/spf13/cobra"

func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollout",
		Short: "Drive or explain a rolling replacement.",
	}
	cmd.AddCommand(newRunCommand(), newExplainCommand())
	return cmd
}
