package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolsqacn/marathon/cmd/marathonctl/rollout"
	"github.com/toolsqacn/marathon/internal/log"
)

func main() {
	log.InitLoggerFromEnv()

	cmd := &cobra.Command{
		Use:           "marathonctl",
		Short:         "Drive and inspect rolling replacements of a run-spec against an in-memory simulator.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(rollout.NewRootCommand())

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
