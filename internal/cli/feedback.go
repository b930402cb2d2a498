package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "feedback [item-id]",
		Short: "Record the user's reaction to an injected memory",
		Args:  cobra.ExactArgs(1),
		Run:   runFeedback,
	}

	cmd.Flags().StringP("user", "u", "", "User id (required)")
	cmd.Flags().Bool("negative", false, "The memory was wrong or unwanted")

	RootCmd.AddCommand(cmd)
}

func runFeedback(cmd *cobra.Command, args []string) {
	user := requireFlag(cmd, "user")
	negative, _ := cmd.Flags().GetBool("negative")

	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	id, err := e.RecordFeedback(cmd.Context(), user, args[0], !negative)
	if err != nil {
		exitErr("feedback", err)
	}
	printJSON(map[string]any{"ok": id != "", "feedback_id": id})
}
