package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andyan77/diyu-agent-sub002/internal/model"
	"github.com/andyan77/diyu-agent-sub002/internal/store"
)

func init() {
	items := &cobra.Command{
		Use:   "items",
		Short: "List a user's memory items",
		Run:   runItems,
	}
	items.Flags().StringP("user", "u", "", "User id (required)")
	items.Flags().StringP("key", "k", "", "Filter by key")
	items.Flags().String("provenance", "", "Filter by provenance: observation, analysis, confirmed_by_user")
	items.Flags().Bool("all", false, "Include superseded and invalidated versions")
	items.Flags().IntP("limit", "l", 50, "Max results")
	items.Flags().Bool("keys-only", false, "Only output keys")

	history := &cobra.Command{
		Use:   "history [item-id]",
		Short: "Show the supersede chain of an item, oldest first",
		Args:  cobra.ExactArgs(1),
		Run:   runHistory,
	}

	users := &cobra.Command{
		Use:   "users",
		Short: "List users with current memory",
		Run:   runUsers,
	}

	RootCmd.AddCommand(items, history, users)
}

func runItems(cmd *cobra.Command, args []string) {
	user := requireFlag(cmd, "user")
	key, _ := cmd.Flags().GetString("key")
	prov, _ := cmd.Flags().GetString("provenance")
	all, _ := cmd.Flags().GetBool("all")
	limit, _ := cmd.Flags().GetInt("limit")
	keysOnly, _ := cmd.Flags().GetBool("keys-only")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	items, err := s.ListItems(cmd.Context(), store.ListParams{
		UserID:         user,
		Key:            key,
		Provenance:     model.Provenance(prov),
		IncludeInvalid: all,
		Limit:          limit,
	})
	if err != nil {
		exitErr("items", err)
	}

	if keysOnly {
		for _, it := range items {
			fmt.Printf("%s v%d\n", it.Key, it.Version)
		}
		return
	}
	printJSON(items)
}

func runHistory(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	chain, err := s.History(cmd.Context(), args[0])
	if err != nil {
		exitErr("history", err)
	}
	printJSON(chain)
}

func runUsers(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	users, err := s.Users(cmd.Context())
	if err != nil {
		exitErr("users", err)
	}
	for _, u := range users {
		fmt.Println(u)
	}
}
