package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Hybrid search over a user's current memories",
		Long:  "Run lexical and vector retrieval and show the fused ranking without reranking or packing.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}

	cmd.Flags().StringP("user", "u", "", "User id (required)")
	cmd.Flags().IntP("limit", "l", 0, "Per-path result limit (default: retrieval.top_k)")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	user := requireFlag(cmd, "user")
	limit, _ := cmd.Flags().GetInt("limit")
	if limit <= 0 {
		limit = cfg.Retrieval.TopK
	}

	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	res, err := e.Store().ReadItems(cmd.Context(), user, strings.Join(args, " "), limit)
	if err != nil {
		exitErr("search", err)
	}
	printJSON(res)
}
