package cli

import (
	"github.com/spf13/cobra"

	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "receipts",
		Short: "Show retrieval and injection receipts",
		Long:  "Show the receipts of one assembly (--request) or a user's most recent receipts (--user).",
		Run:   runReceipts,
	}

	cmd.Flags().String("request", "", "Request id")
	cmd.Flags().StringP("user", "u", "", "User id")
	cmd.Flags().IntP("limit", "l", 50, "Max receipts for --user")

	RootCmd.AddCommand(cmd)
}

func runReceipts(cmd *cobra.Command, args []string) {
	request, _ := cmd.Flags().GetString("request")
	user, _ := cmd.Flags().GetString("user")
	limit, _ := cmd.Flags().GetInt("limit")
	if request == "" && user == "" {
		exitErr("receipts", memerr.New(memerr.CodeCLIInputInvalid, "one of --request or --user is required"))
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	var receipts []model.Receipt
	if request != "" {
		receipts, err = s.ListReceipts(cmd.Context(), request)
	} else {
		receipts, err = s.ListUserReceipts(cmd.Context(), user, limit)
	}
	if err != nil {
		exitErr("receipts", err)
	}
	printJSON(receipts)
}
