package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "govern",
		Short: "Run one memory governor pass",
		Long: "Measure staleness, conflict and injection quality, then sweep, resolve, calibrate " +
			"and consolidate as the thresholds require.",
		Run: runGovern,
	}

	RootCmd.AddCommand(cmd)
}

func runGovern(cmd *cobra.Command, args []string) {
	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	rep, err := e.RunGovernor(cmd.Context())
	if err != nil {
		if rep == nil {
			exitErr("govern", err)
		}
		cmd.PrintErrf("warning: governor run finished with errors: %v\n", err)
	}
	printJSON(rep)
}
