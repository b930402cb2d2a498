package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export everything stored about a user as JSON",
		Long:  "Export all item versions, events, summaries, receipts and feedback of one user. Fenced users cannot be exported.",
		Run:   runExport,
	}

	cmd.Flags().StringP("user", "u", "", "User id (required)")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	user := requireFlag(cmd, "user")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	exp, err := s.ExportUser(cmd.Context(), user)
	if err != nil {
		exitErr("export", err)
	}
	printJSON(exp)
}
