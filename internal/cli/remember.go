package cli

import (
	"strings"

	"github.com/spf13/cobra"

	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
)

func init() {
	remember := &cobra.Command{
		Use:   "remember [content]",
		Short: "Store a fact the user confirmed",
		Long: "Write a confirmed_by_user memory item. An existing current item under the same key " +
			"is superseded. Content can be a positional arg or piped via stdin.",
		Run: runRemember,
	}
	remember.Flags().StringP("user", "u", "", "User id (required)")
	remember.Flags().StringP("key", "k", "", "Fact key, e.g. likes:tea (required)")
	remember.Flags().String("type", "preference", "Item type")
	remember.Flags().String("epistemic", string(model.EpistemicFact), "Epistemic type: fact, preference, opinion")
	remember.Flags().Float64("confidence", 0.95, "Stored confidence")
	remember.Flags().String("session", "", "Session id; scopes the item to the session")

	forget := &cobra.Command{
		Use:   "forget [item-id]",
		Short: "Invalidate a memory item",
		Args:  cobra.ExactArgs(1),
		Run:   runForget,
	}
	forget.Flags().String("reason", "user_request", "Invalidation reason")

	RootCmd.AddCommand(remember, forget)
}

func runRemember(cmd *cobra.Command, args []string) {
	user := requireFlag(cmd, "user")
	key := requireFlag(cmd, "key")
	itemType, _ := cmd.Flags().GetString("type")
	epi, _ := cmd.Flags().GetString("epistemic")
	conf, _ := cmd.Flags().GetFloat64("confidence")
	session, _ := cmd.Flags().GetString("session")

	content, err := readContent(args)
	if err != nil {
		exitErr("read stdin", err)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		exitErr("remember", memerr.New(memerr.CodeCLIInputInvalid, "content is required (positional arg or stdin)"))
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	item := model.MemoryItem{
		UserID:        user,
		Key:           key,
		Content:       content,
		ItemType:      itemType,
		EpistemicType: model.EpistemicType(epi),
		Provenance:    model.ProvenanceConfirmedByUser,
		Confidence:    conf,
	}
	if session != "" {
		item.Scope = model.ScopeSession
		item.SessionID = session
	}

	current, err := s.GetCurrentByKey(cmd.Context(), user, key)
	switch {
	case err == nil:
		id, err := s.Supersede(cmd.Context(), current.ID, item)
		if err != nil {
			exitErr("remember", err)
		}
		printJSON(map[string]any{"item_id": id, "supersedes": current.ID, "version": current.Version + 1})
	case memerr.IsNotFound(err):
		wr, err := s.WriteItem(cmd.Context(), item)
		if err != nil {
			exitErr("remember", err)
		}
		printJSON(wr)
	default:
		exitErr("remember", err)
	}
}

func runForget(cmd *cobra.Command, args []string) {
	reason, _ := cmd.Flags().GetString("reason")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	if err := s.Invalidate(cmd.Context(), args[0], reason); err != nil {
		exitErr("forget", err)
	}
	printJSON(map[string]any{"ok": true, "item_id": args[0]})
}
